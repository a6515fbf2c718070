package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/Sumit189/letItGoTasks/common/repository"
	"github.com/Sumit189/letItGoTasks/common/utils"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

type dispatched struct {
	at      time.Time
	headers map[string]string
}

// fakeDispatcher answers attempt n (1-based) with respond(n).
type fakeDispatcher struct {
	mu       sync.Mutex
	attempts []dispatched
	respond  func(n int) (int, error)
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req DispatchRequest) (int, error) {
	d.mu.Lock()
	d.attempts = append(d.attempts, dispatched{at: time.Now(), headers: req.Headers})
	n := len(d.attempts)
	d.mu.Unlock()
	return d.respond(n)
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

func (d *fakeDispatcher) snapshot() []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatched(nil), d.attempts...)
}

func alwaysOK(int) (int, error) { return 200, nil }

func alwaysFail(int) (int, error) {
	return 500, &DispatchError{StatusCode: 500, Err: errors.New("unexpected response: 500 Internal Server Error")}
}

type testEnv struct {
	engine     *Engine
	store      repository.Store
	redis      *miniredis.Miniredis
	dispatcher *fakeDispatcher
	tenants    *TenantService
}

func newTestEnv(t *testing.T, respond func(n int) (int, error)) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := repository.RedisConnect(context.Background(), repository.RedisOptions{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cipher, err := utils.NewAES(testKey)
	require.NoError(t, err)

	d := &fakeDispatcher{respond: respond}
	e := NewEngine(store, d, NewTaskCodec(cipher), EngineOptions{InstanceID: "instance-a"})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Close(ctx)
	})

	return &testEnv{
		engine:     e,
		store:      store,
		redis:      mr,
		dispatcher: d,
		tenants:    NewTenantService(store, 10),
	}
}

func (env *testEnv) tenant(t *testing.T) string {
	t.Helper()
	tenant, err := env.tenants.Register(context.Background(), "owner@example.com")
	require.NoError(t, err)
	return tenant.ID
}

func (env *testEnv) field(t *testing.T, p repository.Partition, key, name string) string {
	t.Helper()
	v, err := env.store.HGet(context.Background(), p, key, name)
	require.NoError(t, err)
	return v
}

func (env *testEnv) state(t *testing.T, id, tenantID string) models.State {
	return models.State(env.field(t, repository.QueuePartition, repository.QueueKey(id, tenantID), repository.FieldState))
}

func (env *testEnv) inQueue(t *testing.T, tenantID string) string {
	return env.field(t, repository.TenantPartition, tenantID, repository.FieldTaskInQueue)
}

func (env *testEnv) labels(t *testing.T, id, tenantID string) []string {
	t.Helper()
	entries, err := env.engine.TimelineChanges(context.Background(), id, tenantID)
	require.NoError(t, err)
	labels := make([]string, 0, len(entries))
	for _, e := range entries {
		labels = append(labels, e.Label)
	}
	return labels
}

func i64(v int64) *int64 { return &v }
func flag(v bool) *bool  { return &v }

func postTask(cfg models.TaskConfigInput) models.TaskInput {
	return models.TaskInput{
		HTTPRequest: models.HTTPRequest{URL: "https://example.com/hook", Method: models.MethodPost, Data: `{"a":1}`},
		Config:      cfg,
	}
}

func TestRegisterRejectsDuplicateLiveID(t *testing.T) {
	env := newTestEnv(t, alwaysOK)
	task := postTask(models.TaskConfigInput{ExecutionDelay: i64(60000)}).Normalize()

	before := time.Now().UnixMilli()
	summary, err := env.engine.Register(task, RegisterOption{TenantID: "T1", ID: "Q1"})
	require.NoError(t, err)
	assert.Equal(t, "Q1", summary.ID)
	assert.Equal(t, models.StateRunning, summary.State)
	assert.GreaterOrEqual(t, summary.EstimateExecAt, before+60000)
	assert.True(t, env.engine.Registry().Has("Q1"))

	_, err = env.engine.Register(task, RegisterOption{TenantID: "T1", ID: "Q1"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	_, err = env.engine.Register(task, RegisterOption{})
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestRegisterUsesAbsoluteExecutionTime(t *testing.T) {
	env := newTestEnv(t, alwaysOK)
	at := time.Now().Add(time.Hour).UnixMilli()
	task := postTask(models.TaskConfigInput{ExecutionAt: i64(at)}).Normalize()

	summary, err := env.engine.Register(task, RegisterOption{TenantID: "T1"})
	require.NoError(t, err)
	assert.Equal(t, at, summary.EstimateExecAt)
	assert.Len(t, summary.ID, 8+len("1700000000000"))
}

func TestRetryExhaustionEndsInError(t *testing.T) {
	env := newTestEnv(t, alwaysFail)
	tenantID := env.tenant(t)

	start := time.Now()
	summary, err := env.engine.Subscribe(context.Background(), tenantID, postTask(models.TaskConfigInput{
		ExecutionDelay:   i64(100),
		Retry:            i64(2),
		RetryInterval:    i64(50),
		RetryExponential: flag(false),
	}))
	require.NoError(t, err)
	assert.Equal(t, "1", env.inQueue(t, tenantID))

	require.Eventually(t, func() bool {
		return env.state(t, summary.ID, tenantID) == models.StateError
	}, 3*time.Second, 10*time.Millisecond)

	attempts := env.dispatcher.snapshot()
	require.Len(t, attempts, 3)
	assert.GreaterOrEqual(t, attempts[0].at.Sub(start), 90*time.Millisecond)
	for i := 1; i < len(attempts); i++ {
		gap := attempts[i].at.Sub(attempts[i-1].at)
		assert.GreaterOrEqual(t, gap, 45*time.Millisecond)
		assert.Less(t, gap, 200*time.Millisecond)
	}
	assert.Equal(t, "2", attempts[2].headers["X-LetItGo-Tasks-Retry-Count"])
	assert.Equal(t, "false", attempts[2].headers["X-LetItGo-Tasks-Currently-Retry"])
	assert.Equal(t, summary.ID, attempts[1].headers["X-LetItGo-Tasks-Queue"])

	configKey := repository.ConfigKey(summary.ID, tenantID)
	assert.Equal(t, "2", env.field(t, repository.ConfigPartition, configKey, repository.FieldFinalizeRetry))
	assert.Equal(t, "500", env.field(t, repository.QueuePartition, repository.QueueKey(summary.ID, tenantID), repository.FieldStatusCode))
	assert.Equal(t, "0", env.inQueue(t, tenantID))
	assert.Equal(t, []string{
		models.LabelSubscribe, models.LabelError, models.LabelRetry, models.LabelRetry, models.LabelError,
	}, env.labels(t, summary.ID, tenantID))

	assert.Greater(t, env.redis.DB(1).TTL(repository.QueueKey(summary.ID, tenantID)), time.Duration(0))
	assert.False(t, env.redis.DB(2).Exists(repository.ClaimKey(summary.ID, tenantID)))
	assert.Eventually(t, func() bool { return env.engine.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRepeatCompletes(t *testing.T) {
	env := newTestEnv(t, alwaysOK)
	tenantID := env.tenant(t)

	summary, err := env.engine.Subscribe(context.Background(), tenantID, postTask(models.TaskConfigInput{
		Repeat:            i64(2),
		RepeatInterval:    i64(20),
		RepeatExponential: flag(false),
	}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.state(t, summary.ID, tenantID) == models.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	attempts := env.dispatcher.snapshot()
	require.Len(t, attempts, 3)
	assert.Empty(t, attempts[0].headers["X-LetItGo-Tasks-Repeat-Count"])
	assert.Equal(t, "1", attempts[1].headers["X-LetItGo-Tasks-Repeat-Count"])
	assert.Equal(t, "true", attempts[1].headers["X-LetItGo-Tasks-Currently-Repeat"])
	assert.Equal(t, "2", attempts[2].headers["X-LetItGo-Tasks-Repeat-Count"])
	assert.Equal(t, "false", attempts[2].headers["X-LetItGo-Tasks-Currently-Repeat"])

	configKey := repository.ConfigKey(summary.ID, tenantID)
	assert.Equal(t, "2", env.field(t, repository.ConfigPartition, configKey, repository.FieldFinalizeRepeat))
	assert.Equal(t, "0", env.field(t, repository.ConfigPartition, configKey, repository.FieldFinalizeRetry))
	assert.Equal(t, "0", env.inQueue(t, tenantID))
	assert.Equal(t, []string{
		models.LabelSubscribe, models.LabelComplete, models.LabelRepeat, models.LabelRepeat, models.LabelComplete,
	}, env.labels(t, summary.ID, tenantID))
}

func TestRetryThenSucceedCompletes(t *testing.T) {
	env := newTestEnv(t, func(n int) (int, error) {
		if n == 1 {
			return alwaysFail(n)
		}
		return 201, nil
	})
	tenantID := env.tenant(t)

	summary, err := env.engine.Subscribe(context.Background(), tenantID, postTask(models.TaskConfigInput{
		Retry:         i64(3),
		RetryInterval: i64(10),
	}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.state(t, summary.ID, tenantID) == models.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, env.dispatcher.count())
	assert.Equal(t, "201", env.field(t, repository.QueuePartition, repository.QueueKey(summary.ID, tenantID), repository.FieldStatusCode))
	assert.Equal(t, "1", env.field(t, repository.ConfigPartition, repository.ConfigKey(summary.ID, tenantID), repository.FieldFinalizeRetry))
}

func TestAbsoluteRetryFiresOnce(t *testing.T) {
	env := newTestEnv(t, alwaysFail)
	tenantID := env.tenant(t)
	retryAt := time.Now().Add(150 * time.Millisecond).UnixMilli()

	summary, err := env.engine.Subscribe(context.Background(), tenantID, postTask(models.TaskConfigInput{
		RetryAt: i64(retryAt),
	}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.state(t, summary.ID, tenantID) == models.StateError
	}, 3*time.Second, 10*time.Millisecond)

	attempts := env.dispatcher.snapshot()
	require.Len(t, attempts, 2)
	assert.GreaterOrEqual(t, attempts[1].at.UnixMilli(), retryAt)
	assert.Equal(t, "1", attempts[1].headers["X-LetItGo-Tasks-Retry-Count"])
	assert.Equal(t, "false", attempts[1].headers["X-LetItGo-Tasks-Currently-Retry"])

	entries, err := env.engine.TimelineChanges(context.Background(), summary.ID, tenantID)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, map[string]int64{"retryAt": retryAt}, entries[2].Metadata)
}

func TestBackoffDelay(t *testing.T) {
	exp := backoff{interval: 100, exponential: true}
	flat := backoff{interval: 100}
	for k := int64(1); k <= 5; k++ {
		assert.Equal(t, 100*k, exp.delay(k))
		assert.Equal(t, int64(100), flat.delay(k))
	}
}

func TestTimeoutIsRecordedAs429(t *testing.T) {
	env := newTestEnv(t, func(int) (int, error) {
		return 0, &DispatchError{Err: context.DeadlineExceeded}
	})
	tenantID := env.tenant(t)

	summary, err := env.engine.Subscribe(context.Background(), tenantID, postTask(models.TaskConfigInput{}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return env.state(t, summary.ID, tenantID) == models.StateError
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "429", env.field(t, repository.QueuePartition, repository.QueueKey(summary.ID, tenantID), repository.FieldStatusCode))
}

func TestCloseLeavesRecordsRunning(t *testing.T) {
	env := newTestEnv(t, alwaysOK)
	tenantID := env.tenant(t)

	summary, err := env.engine.Subscribe(context.Background(), tenantID, postTask(models.TaskConfigInput{ExecutionDelay: i64(60000)}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.engine.Close(ctx))

	assert.Equal(t, models.StateRunning, env.state(t, summary.ID, tenantID))
	assert.Equal(t, 0, env.engine.Registry().Len())
	assert.False(t, env.redis.DB(2).Exists(repository.ClaimKey(summary.ID, tenantID)), "the claim is released for the next instance")
	_, err = env.engine.Subscribe(context.Background(), tenantID, postTask(models.TaskConfigInput{}))
	assert.ErrorIs(t, err, ErrEngineClosed)
}
