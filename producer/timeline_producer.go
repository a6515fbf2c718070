package producer

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Sumit189/letItGoTasks/common/models"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/aws_msk_iam_v2"
)

const (
	kafkaProducerRetries = 3
	kafkaBatchSize       = 100
	kafkaBatchTimeout    = 10 * time.Millisecond
	publishBuffer        = 10000
	AuthMSKIAM           = "msk-iam"
)

type Options struct {
	Broker string
	Topic  string
	Auth   string // "" or "msk-iam"
}

// TimelineEvent is the message value published for every timeline entry.
type TimelineEvent struct {
	QueueID  string               `json:"queueId"`
	TenantID string               `json:"tenantId"`
	Entry    models.TimelineEntry `json:"entry"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// TimelineProducer streams timeline entries to Kafka. Publish never blocks the
// caller; when the buffer is full the event is dropped and logged.
type TimelineProducer struct {
	writer messageWriter
	events chan kafka.Message
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewTimelineProducer(ctx context.Context, opts Options) (*TimelineProducer, error) {
	writer, err := initKafkaWriter(ctx, opts)
	if err != nil {
		return nil, err
	}
	return newTimelineProducer(writer), nil
}

func newTimelineProducer(writer messageWriter) *TimelineProducer {
	p := &TimelineProducer{
		writer: writer,
		events: make(chan kafka.Message, publishBuffer),
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func initKafkaWriter(ctx context.Context, opts Options) (*kafka.Writer, error) {
	if opts.Broker == "" {
		return nil, errors.New("KAFKA_BROKER not set in environment")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Broker),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    kafkaBatchSize,
		BatchTimeout: kafkaBatchTimeout,
	}
	if opts.Auth == AuthMSKIAM {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		writer.Transport = &kafka.Transport{
			SASL: aws_msk_iam_v2.NewMechanism(awsCfg),
			TLS:  &tls.Config{},
		}
	}
	return writer, nil
}

func (p *TimelineProducer) Publish(queueID, tenantID string, entries ...models.TimelineEntry) {
	for _, entry := range entries {
		value, err := json.Marshal(TimelineEvent{QueueID: queueID, TenantID: tenantID, Entry: entry})
		if err != nil {
			log.Error().Err(err).Str("queue_id", queueID).Msg("Error marshaling timeline event")
			continue
		}
		msg := kafka.Message{
			Key:   []byte(queueID),
			Value: value,
			Time:  time.Now(),
		}
		select {
		case <-p.done:
			return
		default:
		}
		select {
		case p.events <- msg:
		default:
			log.Warn().Str("queue_id", queueID).Str("label", entry.Label).Msg("Timeline buffer full, dropping event")
		}
	}
}

func (p *TimelineProducer) run() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.events:
			batch := []kafka.Message{msg}
		drain:
			for len(batch) < kafkaBatchSize {
				select {
				case next := <-p.events:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			p.write(batch)
		case <-p.done:
			for {
				select {
				case msg := <-p.events:
					p.write([]kafka.Message{msg})
				default:
					return
				}
			}
		}
	}
}

// write retries with a linear backoff.
func (p *TimelineProducer) write(messages []kafka.Message) {
	var err error
	for attempt := 0; attempt < kafkaProducerRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = p.writer.WriteMessages(ctx, messages...)
		cancel()
		if err == nil {
			log.Debug().Int("count", len(messages)).Msg("Published timeline events")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("Failed to publish timeline events")
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	log.Error().Err(err).Int("count", len(messages)).Msg("Dropping timeline events after retries")
}

// Close flushes buffered events and closes the writer.
func (p *TimelineProducer) Close() error {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
	return p.writer.Close()
}
