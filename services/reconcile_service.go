package services

import (
	"context"
	"fmt"

	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/Sumit189/letItGoTasks/common/repository"
	"github.com/rs/zerolog/log"
)

// TrackChanges follows writes on the QUEUE partition, made by this or any
// other instance, and drops local executions whose task was paused or
// cancelled elsewhere. It returns once the feed is established.
func (e *Engine) TrackChanges(ctx context.Context) error {
	events, err := e.store.Watch(ctx, repository.QueuePartition)
	if err != nil {
		return fmt.Errorf("watch queue partition: %w", err)
	}
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		e.Reconcile(ctx, events)
	}()
	return nil
}

// Reconcile consumes events until the channel closes or ctx is done.
func (e *Engine) Reconcile(ctx context.Context, events <-chan repository.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.reconcile(ctx, ev)
		}
	}
}

func (e *Engine) reconcile(ctx context.Context, ev repository.ChangeEvent) {
	if ev.Operation != "hset" {
		return
	}
	id, tenantID, err := repository.ParseQueueKey(ev.Key)
	if err != nil {
		return
	}
	// The execution is fixed before the read: one registered later wrote a
	// newer state than the one read here and must not be stopped by it.
	x, ok := e.registry.get(id)
	if !ok || x.tenantID != tenantID {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	state, err := e.store.HGet(sctx, repository.QueuePartition, ev.Key, repository.FieldState)
	if err != nil {
		log.Error().Err(err).Str("queue_id", id).Msg("Error reading state for change")
		return
	}

	switch models.State(state) {
	case models.StateCanceled, models.StatePaused:
		if e.registry.cancelExecution(x) {
			log.Info().Str("queue_id", id).Str("tenant_id", tenantID).Str("state", state).Msg("Stopped execution changed elsewhere")
		}
	case models.StateCompleted, models.StateError:
		if n := e.registry.Sweep(); n > 0 {
			log.Debug().Int("pruned", n).Msg("Registry sweep")
		}
	}
}
