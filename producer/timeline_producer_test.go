package producer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	failures int
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) snapshot() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.messages...)
}

func TestPublishWritesKeyedEvents(t *testing.T) {
	writer := &fakeWriter{}
	p := newTimelineProducer(writer)

	p.Publish("Q1", "T1",
		models.TimelineEntry{Label: models.LabelSubscribe, Description: "Register task resource", CreatedAt: 1},
		models.TimelineEntry{Label: models.LabelComplete, CreatedAt: 2},
	)

	require.Eventually(t, func() bool { return len(writer.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	require.NoError(t, p.Close())

	msgs := writer.snapshot()
	assert.Equal(t, "Q1", string(msgs[0].Key))

	var event TimelineEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &event))
	assert.Equal(t, "T1", event.TenantID)
	assert.Equal(t, models.LabelSubscribe, event.Entry.Label)
	assert.True(t, writer.closed)
}

func TestPublishRetriesFailedWrites(t *testing.T) {
	writer := &fakeWriter{failures: 2}
	p := newTimelineProducer(writer)

	p.Publish("Q2", "T1", models.TimelineEntry{Label: models.LabelRetry, CreatedAt: 3})

	require.Eventually(t, func() bool { return len(writer.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, p.Close())
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	writer := &fakeWriter{}
	p := newTimelineProducer(writer)
	require.NoError(t, p.Close())

	p.Publish("Q3", "T1", models.TimelineEntry{Label: models.LabelPause})
	assert.Empty(t, writer.snapshot())
}

func TestNewTimelineProducerRequiresBroker(t *testing.T) {
	_, err := NewTimelineProducer(context.Background(), Options{Topic: "tasks_timeline"})
	require.Error(t, err)
}
