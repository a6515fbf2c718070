package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/Sumit189/letItGoTasks/common/repository"
	"github.com/rs/zerolog/log"
)

// Subscribe accepts a new task for tenantID. The records, the tenant counter
// and the Subscribe timeline entry are written in one batch before the timer
// is armed. Admission (tenant exists, quota) is checked by the caller.
func (e *Engine) Subscribe(ctx context.Context, tenantID string, input models.TaskInput) (models.QueueSummary, error) {
	task := input.Normalize()
	metadata, err := e.codec.Encode(task)
	if err != nil {
		return models.QueueSummary{}, fmt.Errorf("encode task: %w", err)
	}

	x, err := e.prepare(task, RegisterOption{TenantID: tenantID})
	if err != nil {
		return models.QueueSummary{}, err
	}
	summary := x.snapshot()

	entry := newEntry(models.LabelSubscribe, descSubscribe, nil)
	b := e.store.Pipeline()
	b.HIncrBy(repository.TenantPartition, tenantID, repository.FieldTaskInQueue, 1)
	b.HSet(repository.QueuePartition, repository.QueueKey(x.id, tenantID), repository.EncodeQueueRecord(models.QueueRecord{
		QueueSummary: summary,
		TenantID:     tenantID,
		Metadata:     metadata,
	}))
	b.HSet(repository.ConfigPartition, repository.ConfigKey(x.id, tenantID), repository.EncodeConfigRecord(models.ConfigRecord{
		ExecutionAt:    task.Config.ExecutionAt,
		ExecutionDelay: task.Config.ExecutionDelay,
		EstimateExecAt: summary.EstimateExecAt,
		RetryLimit:     task.Config.Retry,
		RepeatLimit:    task.Config.Repeat,
	}))
	e.claim(b, x.id, tenantID)
	if err := appendTimeline(b, x.id, tenantID, entry); err != nil {
		e.abandon(x)
		return models.QueueSummary{}, err
	}
	if err := b.Exec(ctx); err != nil {
		e.abandon(x)
		e.releaseSlot(tenantID, err)
		return models.QueueSummary{}, fmt.Errorf("subscribe %s: %w", x.id, err)
	}

	e.publish(x.id, tenantID, entry)
	logSchedule(x.id, tenantID, task, summary)
	if err := e.launch(x); err != nil {
		return models.QueueSummary{}, err
	}
	return summary, nil
}

// releaseSlot gives back the quota slot of a subscribe whose tenant
// transaction committed before a later partition failed.
func (e *Engine) releaseSlot(tenantID string, err error) {
	var be *repository.BatchError
	if !errors.As(err, &be) || !be.Committed(repository.TenantPartition) {
		return
	}
	ctx, cancel := storeContext()
	defer cancel()
	if _, err := e.store.HIncrBy(ctx, repository.TenantPartition, tenantID, repository.FieldTaskInQueue, -1); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("Error releasing quota slot")
	}
}

// Unsubscribe cancels a RUNNING task for good.
func (e *Engine) Unsubscribe(ctx context.Context, id, tenantID string) error {
	if err := e.stopRunning(ctx, id, tenantID); err != nil {
		return err
	}

	now := nowMs()
	entry := newEntry(models.LabelUnsubscribe, descUnsubscribe, nil)
	b := e.store.Pipeline()
	b.HIncrBy(repository.TenantPartition, tenantID, repository.FieldTaskInQueue, -1)
	b.HSet(repository.QueuePartition, repository.QueueKey(id, tenantID), repository.Fields{}.
		Int(repository.FieldEstimateExecAt, 0).
		Int(repository.FieldEstimateEndAt, now).
		Bool(repository.FieldCurrentlyRepeat, false).
		Bool(repository.FieldCurrentlyRetry, false).
		String(repository.FieldState, string(models.StateCanceled)))
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
		return fmt.Errorf("unsubscribe %s: %w", id, err)
	}

	log.Info().Str("queue_id", id).Str("tenant_id", tenantID).Msg("Unsubscribed")
	e.publish(id, tenantID, entry)
	e.archive(id, tenantID)
	return nil
}

// Pause stops a RUNNING task. It keeps its quota slot until resumed or purged.
func (e *Engine) Pause(ctx context.Context, id, tenantID string) error {
	if err := e.stopRunning(ctx, id, tenantID); err != nil {
		return err
	}

	entry := newEntry(models.LabelPause, descPause, nil)
	b := e.store.Pipeline()
	b.HSet(repository.QueuePartition, repository.QueueKey(id, tenantID), repository.Fields{}.
		Int(repository.FieldEstimateExecAt, 0).
		String(repository.FieldState, string(models.StatePaused)))
	b.HSet(repository.ConfigPartition, repository.ConfigKey(id, tenantID), repository.Fields{}.
		Int(repository.FieldEstimateNextRepeatAt, 0).
		Int(repository.FieldEstimateNextRetryAt, 0).
		Int(repository.FieldEstimateEndAt, nowMs()))
	b.Del(repository.ConfigPartition, repository.ClaimKey(id, tenantID))
	if err := appendTimeline(b, id, tenantID, entry); err != nil {
		return err
	}
	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("pause %s: %w", id, err)
	}

	log.Info().Str("queue_id", id).Str("tenant_id", tenantID).Msg("Paused")
	e.publish(id, tenantID, entry)
	return nil
}

// stopRunning checks that the task is RUNNING and cancels its local
// execution. The state is read again after the cancel: an execution that
// reached a terminal state in between wins.
func (e *Engine) stopRunning(ctx context.Context, id, tenantID string) error {
	if err := e.expectState(ctx, id, tenantID, models.StateRunning); err != nil {
		return err
	}
	e.registry.Cancel(id, tenantID)
	return e.expectState(ctx, id, tenantID, models.StateRunning)
}

func (e *Engine) expectState(ctx context.Context, id, tenantID string, want models.State) error {
	state, err := e.store.HGet(ctx, repository.QueuePartition, repository.QueueKey(id, tenantID), repository.FieldState)
	if err != nil {
		return err
	}
	if state == "" {
		return ErrNotFound
	}
	if models.State(state) != want {
		return fmt.Errorf("%w: task %s is %s", ErrBadRequest, id, state)
	}
	return nil
}

// Resume re-arms a PAUSED task from where it stopped: remaining delay and
// remaining retry/repeat budget are derived from the persisted counters.
func (e *Engine) Resume(ctx context.Context, id, tenantID string) (models.QueueSummary, error) {
	q, c, err := e.loadRecords(ctx, id, tenantID)
	if err != nil {
		return models.QueueSummary{}, err
	}
	if q.State != models.StatePaused {
		return models.QueueSummary{}, fmt.Errorf("%w: task %s is %s", ErrBadRequest, id, q.State)
	}
	original, err := e.codec.Decode(q.Metadata)
	if err != nil {
		return models.QueueSummary{}, err
	}

	task := e.continuation(id, original, q, c)
	task.Config.ExecutionAt = 0
	task.Config.ExecutionDelay = abs64(c.EstimateExecAt - c.EstimateEndAt)

	// A paused task has no live execution, unless a cancel from another
	// instance has not been observed yet.
	e.registry.Cancel(id, tenantID)
	x, err := e.prepare(task, RegisterOption{
		TenantID:        tenantID,
		ID:              id,
		CurrentlyRepeat: q.CurrentlyRepeat,
		CurrentlyRetry:  q.CurrentlyRetry,
		StatusCode:      q.StatusCode,
		IsPaused:        true,
	})
	if err != nil {
		return models.QueueSummary{}, err
	}
	summary := x.snapshot()

	conf := repository.Fields{}.
		Int(repository.FieldEstimateExecAt, summary.EstimateExecAt).
		Int(repository.FieldEstimateEndAt, 0)
	description := descResume
	switch {
	case q.CurrentlyRepeat:
		conf.Int(repository.FieldEstimateNextRepeatAt, summary.EstimateExecAt)
		description = descResumeRepeat
	case q.CurrentlyRetry:
		conf.Int(repository.FieldEstimateNextRetryAt, summary.EstimateExecAt)
		description = descResumeRetry
	}
	entry := newEntry(models.LabelResume, description, nil)

	b := e.store.Pipeline()
	b.HSet(repository.QueuePartition, repository.QueueKey(id, tenantID), repository.EncodeQueueRecord(models.QueueRecord{
		QueueSummary: summary,
		TenantID:     tenantID,
		Metadata:     q.Metadata,
	}))
	b.HSet(repository.ConfigPartition, repository.ConfigKey(id, tenantID), conf)
	e.claim(b, id, tenantID)
	if err := appendTimeline(b, id, tenantID, entry); err != nil {
		e.abandon(x)
		return models.QueueSummary{}, err
	}
	if err := b.Exec(ctx); err != nil {
		e.abandon(x)
		return models.QueueSummary{}, fmt.Errorf("resume %s: %w", id, err)
	}

	e.publish(id, tenantID, entry)
	logSchedule(id, tenantID, task, summary)
	if err := e.launch(x); err != nil {
		return models.QueueSummary{}, err
	}
	return summary, nil
}

// continuation derives the task definition of a run that picks up a paused or
// interrupted retry/repeat: the remaining count and the headers the pending
// attempt would have carried. The stored definition is never rewritten.
func (e *Engine) continuation(id string, task models.TaskDefinition, q models.QueueRecord, c models.ConfigRecord) models.TaskDefinition {
	task = cloneTask(task)
	if !q.CurrentlyRepeat && !q.CurrentlyRetry {
		return task
	}
	if task.HTTPRequest.Headers == nil {
		task.HTTPRequest.Headers = make(map[string]string)
	}
	h := task.HTTPRequest.Headers
	h[e.header("Queue")] = id

	if q.CurrentlyRepeat {
		if task.Config.RepeatAt != 0 {
			h[e.header(repeatStep.countHeader)] = "1"
			h[e.header(repeatStep.currentlyHeader)] = "false"
		} else {
			h[e.header(repeatStep.countHeader)] = strconv.FormatInt(c.RepeatCount, 10)
			h[e.header(repeatStep.currentlyHeader)] = strconv.FormatBool(c.RepeatCount != c.RepeatLimit)
		}
		task.Config.Repeat = abs64(task.Config.Repeat - c.FinalizeRepeat)
	}
	if q.CurrentlyRetry {
		if task.Config.RetryAt != 0 {
			h[e.header(retryStep.countHeader)] = "1"
			h[e.header(retryStep.currentlyHeader)] = "false"
		} else {
			h[e.header(retryStep.countHeader)] = strconv.FormatInt(c.RetryCount, 10)
			h[e.header(retryStep.currentlyHeader)] = strconv.FormatBool(c.RetryCount != c.RetryLimit)
		}
		task.Config.Retry = abs64(task.Config.Retry - c.FinalizeRetry)
	}
	return task
}

// Purge deletes a task that is not RUNNING. Purging a PAUSED task releases its
// quota slot.
func (e *Engine) Purge(ctx context.Context, id, tenantID string) error {
	state, err := e.store.HGet(ctx, repository.QueuePartition, repository.QueueKey(id, tenantID), repository.FieldState)
	if err != nil {
		return err
	}
	switch models.State(state) {
	case "":
		return ErrNotFound
	case models.StateRunning:
		return fmt.Errorf("%w: task %s is RUNNING", ErrBadRequest, id)
	}

	b := e.store.Pipeline()
	if models.State(state) == models.StatePaused {
		b.HIncrBy(repository.TenantPartition, tenantID, repository.FieldTaskInQueue, -1)
	}
	b.Del(repository.QueuePartition, repository.QueueKey(id, tenantID))
	b.Del(repository.ConfigPartition, repository.ConfigKey(id, tenantID), repository.ClaimKey(id, tenantID))
	b.Del(repository.TimelinePartition, repository.TimelineKey(id, tenantID))
	if err := b.Exec(ctx); err != nil {
		return fmt.Errorf("purge %s: %w", id, err)
	}
	log.Info().Str("queue_id", id).Str("tenant_id", tenantID).Str("state", state).Msg("Purged")
	return nil
}

// ValueChanges returns the current view of a task.
func (e *Engine) ValueChanges(ctx context.Context, id, tenantID string) (models.QueueView, error) {
	q, c, err := e.loadRecords(ctx, id, tenantID)
	if err != nil {
		return models.QueueView{}, err
	}
	task, err := e.codec.Decode(q.Metadata)
	if err != nil {
		return models.QueueView{}, err
	}

	cfg := task.Config
	cfg.ExecutionAt = c.ExecutionAt
	cfg.ExecutionDelay = c.ExecutionDelay
	cfg.Repeat = c.RepeatLimit
	cfg.Retry = c.RetryLimit

	return models.QueueView{
		QueueSummary: q.QueueSummary,
		Config:       cfg,
		Updates: models.QueueUpdate{
			IsRepeatTerminated: c.IsRepeatTerminated,
			IsRetryTerminated:  c.IsRetryTerminated,
			OnComplete:         models.OnComplete{EstimateNextRepeatAt: c.EstimateNextRepeatAt},
			OnError:            models.OnError{EstimateNextRetryAt: c.EstimateNextRetryAt},
			RepeatCount:        c.FinalizeRepeat,
			RepeatLimit:        c.RepeatLimit,
			RetryCount:         c.FinalizeRetry,
			RetryLimit:         c.RetryLimit,
		},
	}, nil
}

// TimelineChanges returns the timeline of a task, oldest entry first.
func (e *Engine) TimelineChanges(ctx context.Context, id, tenantID string) ([]models.TimelineEntry, error) {
	raw, err := e.store.LRange(ctx, repository.TimelinePartition, repository.TimelineKey(id, tenantID))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}
	entries, err := repository.DecodeTimeline(raw)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func logSchedule(id, tenantID string, task models.TaskDefinition, summary models.QueueSummary) {
	log.Info().
		Str("queue_id", id).
		Str("tenant_id", tenantID).
		Str("method", task.HTTPRequest.Method).
		Int64("exec_at", summary.EstimateExecAt).
		Int64("retry", task.Config.Retry).
		Int64("repeat", task.Config.Repeat).
		Bool("currently_retry", summary.CurrentlyRetry).
		Bool("currently_repeat", summary.CurrentlyRepeat).
		Msg("Queued")
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
