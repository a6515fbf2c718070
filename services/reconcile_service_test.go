package services

import (
	"context"
	"testing"
	"time"

	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/Sumit189/letItGoTasks/common/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileStopsTasksPausedElsewhere(t *testing.T) {
	env := newTestEnv(t, alwaysOK)
	tenantID := env.tenant(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keep, err := env.engine.Subscribe(ctx, tenantID, postTask(models.TaskConfigInput{ExecutionDelay: i64(60000)}))
	require.NoError(t, err)
	stop, err := env.engine.Subscribe(ctx, tenantID, postTask(models.TaskConfigInput{ExecutionDelay: i64(60000)}))
	require.NoError(t, err)

	events := make(chan repository.ChangeEvent, 4)
	done := make(chan struct{})
	go func() {
		env.engine.Reconcile(ctx, events)
		close(done)
	}()

	keepKey := repository.QueueKey(keep.ID, tenantID)
	stopKey := repository.QueueKey(stop.ID, tenantID)
	env.redis.DB(1).HSet(stopKey, repository.FieldState, string(models.StatePaused))

	events <- repository.ChangeEvent{Partition: repository.QueuePartition, Operation: "expire", Key: stopKey}
	events <- repository.ChangeEvent{Partition: repository.QueuePartition, Operation: "hset", Key: keepKey}
	events <- repository.ChangeEvent{Partition: repository.QueuePartition, Operation: "hset", Key: "RC:QU:broken"}
	events <- repository.ChangeEvent{Partition: repository.QueuePartition, Operation: "hset", Key: stopKey}

	require.Eventually(t, func() bool { return !env.engine.Registry().Has(stop.ID) }, time.Second, 5*time.Millisecond)
	assert.True(t, env.engine.Registry().Has(keep.ID))

	close(events)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconcile did not return after the feed closed")
	}
}

func TestReconcileKeepsExecutionRegisteredAfterStaleRead(t *testing.T) {
	env := newTestEnv(t, alwaysOK)
	tenantID := env.tenant(t)
	ctx := context.Background()

	summary, err := env.engine.Subscribe(ctx, tenantID, postTask(models.TaskConfigInput{ExecutionDelay: i64(60000)}))
	require.NoError(t, err)
	require.NoError(t, env.engine.Pause(ctx, summary.ID, tenantID))
	queueKey := repository.QueueKey(summary.ID, tenantID)
	pauseEvent := repository.ChangeEvent{Partition: repository.QueuePartition, Operation: "hset", Key: queueKey}

	// The resumed run exists before its RUNNING write lands and the pause
	// event is only now delivered.
	task := postTask(models.TaskConfigInput{ExecutionDelay: i64(100)}).Normalize()
	x, err := env.engine.prepare(task, RegisterOption{TenantID: tenantID, ID: summary.ID, IsPaused: true})
	require.NoError(t, err)
	env.engine.reconcile(ctx, pauseEvent)
	assert.False(t, x.finished())

	env.redis.DB(1).HSet(queueKey, repository.FieldState, string(models.StateRunning))
	require.NoError(t, env.engine.launch(x))
	env.engine.reconcile(ctx, pauseEvent)
	assert.True(t, env.engine.Registry().Has(summary.ID))

	require.Eventually(t, func() bool {
		return env.state(t, summary.ID, tenantID) == models.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.dispatcher.count())
}

func TestPauseResumeWithFeedRunning(t *testing.T) {
	env := newTestEnv(t, alwaysOK)
	tenantID := env.tenant(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan repository.ChangeEvent, 8)
	go env.engine.Reconcile(ctx, events)

	summary, err := env.engine.Subscribe(ctx, tenantID, postTask(models.TaskConfigInput{ExecutionDelay: i64(300)}))
	require.NoError(t, err)
	queueKey := repository.QueueKey(summary.ID, tenantID)
	require.NoError(t, env.engine.Pause(ctx, summary.ID, tenantID))
	_, err = env.engine.Resume(ctx, summary.ID, tenantID)
	require.NoError(t, err)

	// Events of the pause arrive after the resume committed.
	for i := 0; i < 3; i++ {
		events <- repository.ChangeEvent{Partition: repository.QueuePartition, Operation: "hset", Key: queueKey}
	}
	require.Eventually(t, func() bool {
		return env.state(t, summary.ID, tenantID) == models.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.dispatcher.count())
}

func TestTrackChangesStopsWithContext(t *testing.T) {
	env := newTestEnv(t, alwaysOK)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, env.engine.TrackChanges(ctx))
	cancel()

	closed := make(chan struct{})
	go func() {
		env.engine.background.Wait()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("change feed still running after cancel")
	}
}
