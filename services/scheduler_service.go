package services

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/Sumit189/letItGoTasks/common/repository"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	storeTimeout        = 5 * time.Second
	defaultHeaderPrefix = "X-LetItGo-Tasks"
	defaultRetention    = 7 * 24 * time.Hour
	defaultClaimTTL     = 3 * time.Minute
)

// TimelinePublisher receives every timeline entry after it was persisted.
type TimelinePublisher interface {
	Publish(queueID, tenantID string, entries ...models.TimelineEntry)
}

// Archiver keeps a copy of tasks that reached a terminal state.
type Archiver interface {
	SendToArchive(ctx context.Context, archive models.Archive) error
}

type EngineOptions struct {
	HeaderPrefix    string        // prefix of the injected X-*-Queue style headers
	Retention       time.Duration // TTL applied to the keys of terminal tasks
	InstanceID      string        // owner written into claim keys
	ClaimTTL        time.Duration
	RecoveryEnabled bool
}

type EngineOption func(*Engine)

func WithPublisher(p TimelinePublisher) EngineOption {
	return func(e *Engine) { e.publisher = p }
}

func WithArchiver(a Archiver) EngineOption {
	return func(e *Engine) { e.archiver = a }
}

// Engine turns task definitions into live, cancellable executions and keeps
// the persisted queue, config and timeline records in step with them.
type Engine struct {
	store      repository.Store
	dispatcher Dispatcher
	codec      *TaskCodec
	registry   *Registry
	publisher  TimelinePublisher
	archiver   Archiver
	opts       EngineOptions

	// dispatchCtx bounds in-flight HTTP attempts. It is only cancelled when
	// shutdown runs out of time.
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc

	recovered  atomic.Bool
	closed     atomic.Bool
	quit       chan struct{} // closed when Close starts
	executions sync.WaitGroup
	background sync.WaitGroup
}

func NewEngine(store repository.Store, dispatcher Dispatcher, codec *TaskCodec, opts EngineOptions, options ...EngineOption) *Engine {
	if opts.HeaderPrefix == "" {
		opts.HeaderPrefix = defaultHeaderPrefix
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = defaultClaimTTL
	}
	if opts.InstanceID == "" {
		opts.InstanceID = DefaultInstanceID()
	}

	e := &Engine{
		store:      store,
		dispatcher: dispatcher,
		codec:      codec,
		registry:   NewRegistry(),
		opts:       opts,
		quit:       make(chan struct{}),
	}
	e.dispatchCtx, e.dispatchCancel = context.WithCancel(context.Background())
	for _, o := range options {
		o(e)
	}
	return e
}

// DefaultInstanceID is the host name, so a restarted process owns the claims
// of its previous run. It falls back to a random id.
func DefaultInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return uuid.NewString()
}

func (e *Engine) Registry() *Registry { return e.registry }

// RegisterOption describes how a registration relates to earlier runs of the same task.
type RegisterOption struct {
	TenantID           string
	ID                 string // empty for a new task
	CurrentlyRepeat    bool
	CurrentlyRetry     bool
	StatusCode         int
	IsPaused           bool // resumed after a pause
	IsRetryTerminated  bool // re-armed after a restart while retrying
	IsRepeatTerminated bool // re-armed after a restart while repeating
}

// Register arms a new live execution and returns immediately. Lifecycle
// operations use prepare and launch directly so the execution only becomes
// visible once its records are persisted.
func (e *Engine) Register(task models.TaskDefinition, opt RegisterOption) (models.QueueSummary, error) {
	x, err := e.prepare(task, opt)
	if err != nil {
		return models.QueueSummary{}, err
	}
	if err := e.launch(x); err != nil {
		return models.QueueSummary{}, err
	}
	return x.snapshot(), nil
}

func (e *Engine) prepare(task models.TaskDefinition, opt RegisterOption) (*execution, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	if opt.TenantID == "" {
		return nil, ErrUnknownTenant
	}

	now := nowMs()
	id := opt.ID
	if id == "" {
		id = NewQueueID(now)
	}
	execAt := now + task.Config.ExecutionDelay
	if task.Config.ExecutionAt != 0 {
		execAt = task.Config.ExecutionAt
	}

	ctx, cancel := context.WithCancel(context.Background())
	x := &execution{
		engine:   e,
		id:       id,
		tenantID: opt.TenantID,
		task:     cloneTask(task),
		opt:      opt,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		summary: models.QueueSummary{
			ID:              id,
			State:           models.StateRunning,
			StatusCode:      opt.StatusCode,
			EstimateStartAt: now,
			EstimateExecAt:  execAt,
			CurrentlyRetry:  opt.CurrentlyRetry,
			CurrentlyRepeat: opt.CurrentlyRepeat,
		},
	}
	return x, nil
}

// launch registers x and arms its timer. Callers run it after the RUNNING
// write committed, so any state the reconciler reads for a registered
// execution is at least as new as that write.
func (e *Engine) launch(x *execution) error {
	if e.closed.Load() {
		x.stop()
		return ErrEngineClosed
	}
	if err := e.registry.add(x); err != nil {
		x.stop()
		return err
	}
	x.start()
	return nil
}

// Start attaches the change feed and recovers persisted RUNNING tasks. Both
// are best effort: a failure is logged and the engine still accepts tasks.
func (e *Engine) Start(ctx context.Context) {
	if err := e.TrackChanges(ctx); err != nil {
		log.Error().Err(err).Msg("Change feed unavailable, cross-instance cancels will not be observed")
	}
	if !e.opts.RecoveryEnabled {
		return
	}
	if _, err := e.Resubscribe(ctx); err != nil {
		log.Error().Err(err).Msg("Recovery failed")
	}
}

// abandon drops a prepared execution whose records could not be written.
func (e *Engine) abandon(x *execution) {
	x.stop()
}

// Close cancels every live execution and releases its claim but leaves the
// records RUNNING, so the next start of any instance recovers them.
// In-flight attempts get until ctx is done.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.quit)
	live := e.registry.snapshot()
	n := e.registry.CancelAll()
	log.Info().Int("executions", n).Msg("Stopping scheduling engine")
	e.releaseClaims(ctx, live)

	done := make(chan struct{})
	go func() {
		e.executions.Wait()
		e.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.dispatchCancel()
		return nil
	case <-ctx.Done():
		e.dispatchCancel()
		<-done
		return ctx.Err()
	}
}

func (e *Engine) releaseClaims(ctx context.Context, live []*execution) {
	b := e.store.Pipeline()
	released := 0
	for _, x := range live {
		// A finished execution already dropped its claim, or lost it to a pause.
		if x.finished() {
			continue
		}
		b.Del(repository.ConfigPartition, repository.ClaimKey(x.id, x.tenantID))
		released++
	}
	if released == 0 {
		return
	}
	if err := b.Exec(ctx); err != nil {
		log.Error().Err(err).Int("claims", released).Msg("Error releasing claims")
	}
}

// NewQueueID is eight upper-case hex characters followed by the ms timestamp.
func NewQueueID(now int64) string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8]) + strconv.FormatInt(now, 10)
}

func nowMs() int64 { return time.Now().UnixMilli() }

func storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func cloneTask(task models.TaskDefinition) models.TaskDefinition {
	task.HTTPRequest.Headers = cloneMap(task.HTTPRequest.Headers)
	task.HTTPRequest.Params = cloneMap(task.HTTPRequest.Params)
	return task
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (e *Engine) header(name string) string {
	return e.opts.HeaderPrefix + "-" + name
}

// appendTimeline pushes entries on the task's timeline inside b.
func appendTimeline(b repository.Batch, id, tenantID string, entries ...models.TimelineEntry) error {
	for _, entry := range entries {
		v, err := repository.EncodeTimelineEntry(entry)
		if err != nil {
			return err
		}
		b.RPush(repository.TimelinePartition, repository.TimelineKey(id, tenantID), v)
	}
	return nil
}

// expireAll sets the retention TTL on the three task keys and drops the claim.
func (e *Engine) expireAll(b repository.Batch, id, tenantID string) {
	b.Expire(repository.QueuePartition, repository.QueueKey(id, tenantID), e.opts.Retention)
	b.Expire(repository.ConfigPartition, repository.ConfigKey(id, tenantID), e.opts.Retention)
	b.Expire(repository.TimelinePartition, repository.TimelineKey(id, tenantID), e.opts.Retention)
	b.Del(repository.ConfigPartition, repository.ClaimKey(id, tenantID))
}

func (e *Engine) claim(b repository.Batch, id, tenantID string) {
	b.Set(repository.ConfigPartition, repository.ClaimKey(id, tenantID), e.opts.InstanceID, e.opts.ClaimTTL)
}

func (e *Engine) publish(id, tenantID string, entries ...models.TimelineEntry) {
	if e.publisher != nil && len(entries) > 0 {
		e.publisher.Publish(id, tenantID, entries...)
	}
}

// archive copies a terminal task to the archive in the background.
func (e *Engine) archive(id, tenantID string) {
	if e.archiver == nil {
		return
	}
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		ctx, cancel := storeContext()
		defer cancel()

		a, err := e.buildArchive(ctx, id, tenantID)
		if err != nil {
			log.Error().Err(err).Str("queue_id", id).Msg("Error reading task for archive")
			return
		}
		if err := e.archiver.SendToArchive(ctx, a); err != nil {
			log.Error().Err(err).Str("queue_id", id).Msg("Error archiving task")
		}
	}()
}

func (e *Engine) buildArchive(ctx context.Context, id, tenantID string) (models.Archive, error) {
	q, c, err := e.loadRecords(ctx, id, tenantID)
	if err != nil {
		return models.Archive{}, err
	}
	raw, err := e.store.LRange(ctx, repository.TimelinePartition, repository.TimelineKey(id, tenantID))
	if err != nil {
		return models.Archive{}, err
	}
	timeline, err := repository.DecodeTimeline(raw)
	if err != nil {
		return models.Archive{}, err
	}
	return models.Archive{
		QueueID:         id,
		TenantID:        tenantID,
		State:           q.State,
		StatusCode:      q.StatusCode,
		EstimateStartAt: q.EstimateStartAt,
		EstimateEndAt:   q.EstimateEndAt,
		FinalizeRetry:   c.FinalizeRetry,
		FinalizeRepeat:  c.FinalizeRepeat,
		Timeline:        timeline,
		ArchivedAt:      time.Now().UTC(),
	}, nil
}

// loadRecords reads and decodes the queue and config records. A missing record
// is ErrNotFound.
func (e *Engine) loadRecords(ctx context.Context, id, tenantID string) (models.QueueRecord, models.ConfigRecord, error) {
	qFields, err := e.store.HGetAll(ctx, repository.QueuePartition, repository.QueueKey(id, tenantID))
	if err != nil {
		return models.QueueRecord{}, models.ConfigRecord{}, err
	}
	cFields, err := e.store.HGetAll(ctx, repository.ConfigPartition, repository.ConfigKey(id, tenantID))
	if err != nil {
		return models.QueueRecord{}, models.ConfigRecord{}, err
	}
	q, err := repository.DecodeQueueRecord(qFields)
	if errors.Is(err, repository.ErrEmptyRecord) {
		return models.QueueRecord{}, models.ConfigRecord{}, ErrNotFound
	}
	if err != nil {
		return models.QueueRecord{}, models.ConfigRecord{}, err
	}
	c, err := repository.DecodeConfigRecord(cFields)
	if errors.Is(err, repository.ErrEmptyRecord) {
		return models.QueueRecord{}, models.ConfigRecord{}, ErrNotFound
	}
	if err != nil {
		return models.QueueRecord{}, models.ConfigRecord{}, err
	}
	return q, c, nil
}
