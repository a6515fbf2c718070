package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/Sumit189/letItGoTasks/common/repository"
	"github.com/rs/zerolog/log"
)

// RecoveryReport counts what one recovery pass did with the RUNNING records it found.
type RecoveryReport struct {
	Rearmed  int
	Exceeded int
	Skipped  int // live here already, claimed by another instance, or unreadable
	Claimed  int // skipped for another instance's claim, retried once claims may have lapsed
}

var ErrAlreadyRecovered = errors.New("recovery already ran")

// Resubscribe scans the QUEUE partition once per process and takes over every
// RUNNING record: records whose next execution already passed are marked
// EXCEEDED, the others are re-armed from their persisted counters. Records
// claimed by another instance are tried again every ClaimTTL until this
// engine closes, so the tasks of an instance that died are adopted once its
// claims expire.
func (e *Engine) Resubscribe(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	if !e.recovered.CompareAndSwap(false, true) {
		return report, ErrAlreadyRecovered
	}
	var claimed []taskRef
	defer func() { e.adoptClaimed(claimed) }()

	keys, err := e.store.Keys(ctx, repository.QueuePartition, repository.QueuePattern)
	if err != nil {
		return report, fmt.Errorf("scan queue partition: %w", err)
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		id, tenantID, err := repository.ParseQueueKey(key)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping queue key")
			report.Skipped++
			continue
		}
		rearmed, err := e.recover(ctx, id, tenantID)
		switch {
		case errors.Is(err, errClaimed):
			report.Skipped++
			report.Claimed++
			claimed = append(claimed, taskRef{id: id, tenantID: tenantID})
		case errors.Is(err, errSkip):
			report.Skipped++
		case err != nil:
			log.Error().Err(err).Str("queue_id", id).Str("tenant_id", tenantID).Msg("Error recovering task")
			report.Skipped++
		case rearmed:
			report.Rearmed++
		default:
			report.Exceeded++
		}
	}

	log.Info().
		Int("rearmed", report.Rearmed).
		Int("exceeded", report.Exceeded).
		Int("skipped", report.Skipped).
		Int("claimed", report.Claimed).
		Msg("Recovery finished")
	return report, nil
}

var (
	errSkip    = errors.New("skip")
	errClaimed = errors.New("claimed by another instance")
)

type taskRef struct {
	id       string
	tenantID string
}

// adoptClaimed retries pending records every ClaimTTL. A live owner keeps
// refreshing its claims, so only the records of a dead owner are taken.
func (e *Engine) adoptClaimed(pending []taskRef) {
	if len(pending) == 0 || e.closed.Load() {
		return
	}
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		ticker := time.NewTicker(e.opts.ClaimTTL)
		defer ticker.Stop()
		for len(pending) > 0 {
			select {
			case <-e.quit:
				return
			case <-ticker.C:
			}
			pending = e.retryClaimed(pending)
		}
	}()
}

func (e *Engine) retryClaimed(pending []taskRef) []taskRef {
	var left []taskRef
	for _, ref := range pending {
		ctx, cancel := storeContext()
		rearmed, err := e.recover(ctx, ref.id, ref.tenantID)
		cancel()
		switch {
		case errors.Is(err, errClaimed):
			left = append(left, ref)
		case errors.Is(err, errSkip):
		case err != nil:
			log.Error().Err(err).Str("queue_id", ref.id).Str("tenant_id", ref.tenantID).Msg("Error adopting task")
		default:
			log.Info().Str("queue_id", ref.id).Str("tenant_id", ref.tenantID).Bool("rearmed", rearmed).Msg("Adopted task of a lapsed claim")
		}
	}
	return left
}

func (e *Engine) recover(ctx context.Context, id, tenantID string) (bool, error) {
	state, err := e.store.HGet(ctx, repository.QueuePartition, repository.QueueKey(id, tenantID), repository.FieldState)
	if err != nil {
		return false, err
	}
	if models.State(state) != models.StateRunning || e.registry.Has(id) {
		return false, errSkip
	}
	if err := e.takeClaim(ctx, id, tenantID); err != nil {
		return false, err
	}

	q, c, err := e.loadRecords(ctx, id, tenantID)
	if err != nil {
		return false, err
	}
	if q.State != models.StateRunning {
		return false, errSkip
	}

	if q.EstimateExecAt <= nowMs() {
		return false, e.exceed(ctx, id, tenantID)
	}
	return true, e.rearm(ctx, q, c)
}

// takeClaim makes this instance the owner of the record. A claim held by
// another instance means that instance is running the task, or died less
// than ClaimTTL ago.
func (e *Engine) takeClaim(ctx context.Context, id, tenantID string) error {
	key := repository.ClaimKey(id, tenantID)
	ok, err := e.store.SetNX(ctx, repository.ConfigPartition, key, e.opts.InstanceID, e.opts.ClaimTTL)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	owner, err := e.store.Get(ctx, repository.ConfigPartition, key)
	if err != nil {
		return err
	}
	if owner != e.opts.InstanceID {
		log.Debug().Str("queue_id", id).Str("owner", owner).Msg("Task claimed by another instance")
		return errClaimed
	}
	return nil
}

func (e *Engine) exceed(ctx context.Context, id, tenantID string) error {
	now := nowMs()
	entry := newEntry(models.LabelExceeded, descExceeded, nil)

	b := e.store.Pipeline()
	b.HIncrBy(repository.TenantPartition, tenantID, repository.FieldTaskInQueue, -1)
	b.HSet(repository.QueuePartition, repository.QueueKey(id, tenantID), repository.Fields{}.
		Int(repository.FieldEstimateExecAt, 0).
		Int(repository.FieldEstimateEndAt, now).
		String(repository.FieldState, string(models.StateExceeded)))
	b.HSet(repository.ConfigPartition, repository.ConfigKey(id, tenantID), repository.Fields{}.
		Int(repository.FieldEstimateNextRepeatAt, 0).
		Int(repository.FieldEstimateNextRetryAt, 0).
		Int(repository.FieldEstimateExecAt, 0).
		Int(repository.FieldEstimateEndAt, now))
	if err := appendTimeline(b, id, tenantID, entry); err != nil {
		return err
	}
	e.expireAll(b, id, tenantID)
	if err := b.Exec(ctx); err != nil {
		return err
	}

	log.Warn().Str("queue_id", id).Str("tenant_id", tenantID).Msg("Execution time exceeded while offline")
	e.publish(id, tenantID, entry)
	e.archive(id, tenantID)
	return nil
}

func (e *Engine) rearm(ctx context.Context, q models.QueueRecord, c models.ConfigRecord) error {
	original, err := e.codec.Decode(q.Metadata)
	if err != nil {
		return err
	}
	task := e.continuation(q.ID, original, q, c)
	task.Config.ExecutionAt = 0
	task.Config.ExecutionDelay = q.EstimateExecAt - nowMs()

	x, err := e.prepare(task, RegisterOption{
		TenantID:           q.TenantID,
		ID:                 q.ID,
		CurrentlyRepeat:    q.CurrentlyRepeat,
		CurrentlyRetry:     q.CurrentlyRetry,
		StatusCode:         q.StatusCode,
		IsRepeatTerminated: q.CurrentlyRepeat,
		IsRetryTerminated:  q.CurrentlyRetry,
	})
	if err != nil {
		return err
	}
	summary := x.snapshot()

	conf := repository.Fields{}.Int(repository.FieldEstimateExecAt, summary.EstimateExecAt)
	description := descAlertResume
	switch {
	case q.CurrentlyRepeat:
		conf.Int(repository.FieldEstimateNextRepeatAt, summary.EstimateExecAt).
			Bool(repository.FieldIsRepeatTerminated, true)
		description = descAlertRepeat
	case q.CurrentlyRetry:
		conf.Int(repository.FieldEstimateNextRetryAt, summary.EstimateExecAt).
			Bool(repository.FieldIsRetryTerminated, true)
		description = descAlertRetry
	}
	entry := newEntry(models.LabelAlert, description, nil)

	b := e.store.Pipeline()
	b.HSet(repository.QueuePartition, repository.QueueKey(q.ID, q.TenantID), repository.EncodeQueueRecord(models.QueueRecord{
		QueueSummary: summary,
		TenantID:     q.TenantID,
		Metadata:     q.Metadata,
	}))
	b.HSet(repository.ConfigPartition, repository.ConfigKey(q.ID, q.TenantID), conf)
	e.claim(b, q.ID, q.TenantID)
	if err := appendTimeline(b, q.ID, q.TenantID, entry); err != nil {
		e.abandon(x)
		return err
	}
	if err := b.Exec(ctx); err != nil {
		e.abandon(x)
		return err
	}

	e.publish(q.ID, q.TenantID, entry)
	logSchedule(q.ID, q.TenantID, task, summary)
	return e.launch(x)
}
