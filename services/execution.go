package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/Sumit189/letItGoTasks/common/repository"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// execution is one live task run. Its lifecycle is
//
//	WAIT -> ATTEMPT -> (RETRY_WAIT | REPEAT_WAIT) -> ATTEMPT -> ... -> COMPLETED | ERROR
//
// and cancellation may cut in at any wait. Every state write goes through
// guard, which holds mu and checks ctx, so once stop returns nothing else is
// written except the status code of an attempt that was already in flight.
type execution struct {
	engine   *Engine
	id       string
	tenantID string
	task     models.TaskDefinition
	opt      RegisterOption

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	summary models.QueueSummary
}

func (x *execution) start() {
	x.engine.executions.Add(1)
	go x.run()
}

func (x *execution) stop() {
	x.mu.Lock()
	x.cancel()
	x.mu.Unlock()
}

func (x *execution) finished() bool {
	select {
	case <-x.done:
		return true
	case <-x.ctx.Done():
		return true
	default:
		return false
	}
}

func (x *execution) snapshot() models.QueueSummary {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.summary
}

func (x *execution) logger() zerolog.Logger {
	return log.With().Str("queue_id", x.id).Str("tenant_id", x.tenantID).Logger()
}

// guard runs fn unless the execution was cancelled. ok is false when fn did
// not run or failed; a failure is logged and ends the execution.
func (x *execution) guard(step string, fn func(ctx context.Context) error) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.ctx.Err() != nil {
		return false
	}
	ctx, cancel := storeContext()
	defer cancel()
	if err := fn(ctx); err != nil {
		l := x.logger()
		l.Error().Err(err).Str("step", step).Msg("Store write failed, abandoning execution")
		return false
	}
	return true
}

// sleepUntil waits for the given unix ms instant. False means cancelled.
func (x *execution) sleepUntil(at int64) bool {
	d := time.Until(time.UnixMilli(at))
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-x.ctx.Done():
		return false
	}
}

func (x *execution) queueKey() string  { return repository.QueueKey(x.id, x.tenantID) }
func (x *execution) configKey() string { return repository.ConfigKey(x.id, x.tenantID) }

func (x *execution) run() {
	defer x.engine.executions.Done()
	defer func() {
		close(x.done)
		x.cancel()
		x.engine.registry.remove(x)
	}()

	l := x.logger()
	cfg := x.task.Config

	continuingRepeat := x.opt.IsRepeatTerminated || (x.opt.IsPaused && x.opt.CurrentlyRepeat)
	continuingRetry := x.opt.IsRetryTerminated || (x.opt.IsPaused && x.opt.CurrentlyRetry)

	// A continuing run already spent the attempt that was pending when it stopped.
	retryBudget := int64(0)
	if cfg.Retry != 0 || cfg.RetryAt != 0 {
		retryBudget = cfg.Retry
		if continuingRetry {
			retryBudget--
		}
	}
	repeatEnabled := !(cfg.Repeat == 0 && cfg.RepeatAt != 0)
	runs := int64(1)
	if repeatEnabled {
		runs = cfg.Repeat + 1
		if continuingRepeat {
			runs = cfg.Repeat
		}
	}

	if !x.sleepUntil(x.snapshot().EstimateExecAt) {
		return
	}
	if runs <= 0 {
		x.complete()
		return
	}

	headers := cloneMap(x.task.HTTPRequest.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}
	firstSuccess, firstFailure := true, true

	for run := int64(1); ; run++ {
		retriesLeft := retryBudget
		for {
			code, err := x.attempt(headers)
			if err != nil {
				code = StatusCodeOf(err)
			}
			x.recordStatus(code)
			if x.ctx.Err() != nil {
				l.Info().Int("status_code", code).Msg("Execution cancelled during attempt")
				return
			}

			if err == nil {
				if firstSuccess {
					firstSuccess = false
					if continuingRepeat && !x.finalizeContinued(models.LabelRepeat, code) {
						return
					}
				}
				break
			}

			l.Warn().Err(err).Int("status_code", code).Msg("Dispatch failed")
			if firstFailure {
				firstFailure = false
				if continuingRetry && !x.finalizeContinued(models.LabelRetry, code) {
					return
				}
			}
			if retriesLeft <= 0 {
				x.fail(err, code)
				return
			}
			retriesLeft--
			if !x.awaitRetry(code, headers) {
				return
			}
		}

		if run >= runs {
			x.complete()
			return
		}
		if !x.awaitRepeat(x.snapshot().StatusCode, headers) {
			return
		}
	}
}

func (x *execution) attempt(headers map[string]string) (int, error) {
	req := x.task.HTTPRequest
	return x.engine.dispatcher.Dispatch(x.engine.dispatchCtx, DispatchRequest{
		URL:     req.URL,
		Method:  req.Method,
		Body:    req.Data,
		Params:  req.Params,
		Headers: cloneMap(headers),
		Timeout: time.Duration(x.task.Config.Timeout) * time.Millisecond,
	})
}

// recordStatus persists the outcome of an attempt. It runs even after a
// cancellation, but never recreates a record that was purged meanwhile.
func (x *execution) recordStatus(code int) {
	x.mu.Lock()
	x.summary.StatusCode = code
	x.mu.Unlock()

	ctx, cancel := storeContext()
	defer cancel()
	fields := repository.Fields{}.Int(repository.FieldStatusCode, int64(code))
	if _, err := x.engine.store.HSetIfExists(ctx, repository.QueuePartition, x.queueKey(), fields); err != nil {
		l := x.logger()
		l.Error().Err(err).Msg("Error writing status code")
	}
}

// finalizeContinued runs on the first outcome of a run that continues a
// paused or recovered retry/repeat: the pending step is now counted as fired.
func (x *execution) finalizeContinued(label string, code int) bool {
	var field, countKey, atKey, description string
	var at int64
	if label == models.LabelRepeat {
		field, countKey, atKey, at = repository.FieldFinalizeRepeat, "repeatCount", "repeatAt", x.task.Config.RepeatAt
		description = fmt.Sprintf(descSuccessCode, code)
	} else {
		field, countKey, atKey, at = repository.FieldFinalizeRetry, "retryCount", "retryAt", x.task.Config.RetryAt
		description = fmt.Sprintf(descErrorCode, code)
	}

	return x.guard("finalize "+label, func(ctx context.Context) error {
		n, err := x.engine.store.HIncrBy(ctx, repository.ConfigPartition, x.configKey(), field, 1)
		if err != nil {
			return err
		}
		meta := map[string]int64{countKey: n}
		if at != 0 {
			meta = map[string]int64{atKey: x.summary.EstimateExecAt}
		}
		entry := newEntry(label, description, meta)

		b := x.engine.store.Pipeline()
		if err := appendTimeline(b, x.id, x.tenantID, entry); err != nil {
			return err
		}
		if err := b.Exec(ctx); err != nil {
			return err
		}
		x.engine.publish(x.id, x.tenantID, entry)
		return nil
	})
}

// backoff is one retry or repeat dimension of the task config.
type backoff struct {
	repeat      bool
	count       int64 // configured count
	at          int64 // absolute one-shot time, 0 when count based
	interval    int64
	exponential bool
}

func (x *execution) retryBackoff() backoff {
	c := x.task.Config
	return backoff{at: c.RetryAt, count: c.Retry, interval: c.RetryInterval, exponential: c.RetryExponential}
}

func (x *execution) repeatBackoff() backoff {
	c := x.task.Config
	return backoff{repeat: true, at: c.RepeatAt, count: c.Repeat, interval: c.RepeatInterval, exponential: c.RepeatExponential}
}

// delay is the wait before the k-th count-based step.
func (b backoff) delay(k int64) int64 {
	if b.exponential {
		return b.interval * k
	}
	return b.interval
}

func (x *execution) awaitRetry(code int, headers map[string]string) bool {
	return x.await(x.retryBackoff(), code, headers)
}

func (x *execution) awaitRepeat(code int, headers map[string]string) bool {
	return x.await(x.repeatBackoff(), code, headers)
}

// await persists the next step, waits for it and tags the next attempt.
func (x *execution) await(b backoff, code int, headers map[string]string) bool {
	names := stepNames(b.repeat)
	var step, limit, nextAt int64

	ok := x.guard("arm "+names.label, func(ctx context.Context) error {
		now := nowMs()
		startEntry := b.at != 0
		if b.at != 0 {
			step, limit, nextAt = 1, 1, b.at
		} else {
			var err error
			step, err = x.engine.store.HIncrBy(ctx, repository.ConfigPartition, x.configKey(), names.countField, 1)
			if err != nil {
				return err
			}
			raw, err := x.engine.store.HGet(ctx, repository.ConfigPartition, x.configKey(), names.limitField)
			if err != nil {
				return err
			}
			if limit, err = strconv.ParseInt(raw, 10, 64); err != nil {
				return fmt.Errorf("%w: config field %q: %q", repository.ErrMalformedRecord, names.limitField, raw)
			}
			nextAt = now + b.delay(step)
			startEntry = step == 1
		}

		batch := x.engine.store.Pipeline()
		batch.HSet(repository.QueuePartition, x.queueKey(), repository.Fields{}.
			Bool(repository.FieldCurrentlyRepeat, b.repeat).
			Bool(repository.FieldCurrentlyRetry, !b.repeat).
			Int(repository.FieldEstimateExecAt, nextAt).
			Int(repository.FieldStatusCode, int64(code)))
		batch.HSet(repository.ConfigPartition, x.configKey(), repository.Fields{}.
			Int(repository.FieldEstimateNextRepeatAt, pick(b.repeat, nextAt)).
			Int(repository.FieldEstimateNextRetryAt, pick(!b.repeat, nextAt)).
			Int(repository.FieldEstimateExecAt, nextAt))

		var entries []models.TimelineEntry
		if startEntry {
			entries = append(entries, newEntry(names.startLabel, fmt.Sprintf(names.startDesc, code), nil))
			if err := appendTimeline(batch, x.id, x.tenantID, entries...); err != nil {
				return err
			}
		}
		if err := batch.Exec(ctx); err != nil {
			return err
		}
		x.engine.publish(x.id, x.tenantID, entries...)

		x.summary.CurrentlyRepeat = b.repeat
		x.summary.CurrentlyRetry = !b.repeat
		x.summary.EstimateExecAt = nextAt
		return nil
	})
	if !ok {
		return false
	}

	l := x.logger()
	l.Debug().Str("step", names.label).Int64("count", step).Int64("exec_at", nextAt).Msg("Armed next attempt")

	if !x.sleepUntil(nextAt) {
		return false
	}

	ok = x.guard("fire "+names.label, func(ctx context.Context) error {
		meta := map[string]int64{names.countMeta: step}
		if b.at != 0 {
			meta = map[string]int64{names.atMeta: b.at}
		}
		entry := newEntry(names.label, fmt.Sprintf(names.fireDesc, code), meta)

		batch := x.engine.store.Pipeline()
		batch.HIncrBy(repository.ConfigPartition, x.configKey(), names.finalizeField, 1)
		if err := appendTimeline(batch, x.id, x.tenantID, entry); err != nil {
			return err
		}
		if err := batch.Exec(ctx); err != nil {
			return err
		}
		x.engine.publish(x.id, x.tenantID, entry)
		return nil
	})
	if !ok {
		return false
	}

	headers[x.engine.header("Queue")] = x.id
	headers[x.engine.header(names.countHeader)] = strconv.FormatInt(step, 10)
	headers[x.engine.header(names.currentlyHeader)] = strconv.FormatBool(step != limit)
	return true
}

func (x *execution) complete() {
	entry := newEntry(models.LabelComplete, descCompleted, nil)
	x.terminate(models.StateCompleted, nil, entry)
}

func (x *execution) fail(err error, code int) {
	entry := newEntry(models.LabelError, err.Error(), nil)
	c := int64(code)
	x.terminate(models.StateError, &c, entry)
}

// terminate writes the final state, releases the tenant slot and schedules
// the keys for expiry, all in one batch.
func (x *execution) terminate(state models.State, code *int64, entry models.TimelineEntry) {
	ok := x.guard("terminate", func(ctx context.Context) error {
		now := nowMs()
		queue := repository.Fields{}.
			Int(repository.FieldEstimateExecAt, 0).
			Int(repository.FieldEstimateEndAt, now).
			Bool(repository.FieldCurrentlyRepeat, false).
			Bool(repository.FieldCurrentlyRetry, false).
			String(repository.FieldState, string(state))
		if code != nil {
			queue.Int(repository.FieldStatusCode, *code)
		}

		b := x.engine.store.Pipeline()
		b.HIncrBy(repository.TenantPartition, x.tenantID, repository.FieldTaskInQueue, -1)
		b.HSet(repository.QueuePartition, x.queueKey(), queue)
		b.HSet(repository.ConfigPartition, x.configKey(), repository.Fields{}.
			Int(repository.FieldEstimateNextRepeatAt, 0).
			Int(repository.FieldEstimateNextRetryAt, 0).
			Int(repository.FieldEstimateExecAt, 0).
			Int(repository.FieldEstimateEndAt, now))
		if err := appendTimeline(b, x.id, x.tenantID, entry); err != nil {
			return err
		}
		x.engine.expireAll(b, x.id, x.tenantID)
		if err := b.Exec(ctx); err != nil {
			return err
		}

		x.summary.State = state
		x.summary.EstimateExecAt = 0
		x.summary.EstimateEndAt = now
		x.summary.CurrentlyRepeat = false
		x.summary.CurrentlyRetry = false
		return nil
	})
	if !ok {
		return
	}

	l := x.logger()
	l.Info().Str("state", string(state)).Msg("Dequeue")
	x.engine.publish(x.id, x.tenantID, entry)
	x.engine.archive(x.id, x.tenantID)
}

func pick(cond bool, v int64) int64 {
	if cond {
		return v
	}
	return 0
}
