package services

import (
	"context"
	"fmt"

	"github.com/Sumit189/letItGoTasks/common/repository"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Janitor runs Engine.Maintain on a cron schedule.
type Janitor struct {
	cron *cron.Cron
}

func StartJanitor(e *Engine, spec string) (*Janitor, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := storeContext()
		defer cancel()
		e.Maintain(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", spec, err)
	}
	c.Start()
	log.Info().Str("spec", spec).Msg("Janitor started")
	return &Janitor{cron: c}, nil
}

// Stop waits for a running job to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Maintain prunes finished executions and refreshes the claims of live ones.
func (e *Engine) Maintain(ctx context.Context) {
	pruned := e.registry.Sweep()

	live := e.registry.snapshot()
	if len(live) > 0 {
		b := e.store.Pipeline()
		for _, x := range live {
			if !x.finished() {
				b.Expire(repository.ConfigPartition, repository.ClaimKey(x.id, x.tenantID), e.opts.ClaimTTL)
			}
		}
		if err := b.Exec(ctx); err != nil {
			log.Error().Err(err).Msg("Error refreshing claims")
		}
	}

	log.Debug().Int("pruned", pruned).Int("live", len(live)).Msg("Janitor pass")
}
