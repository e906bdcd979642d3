package outbox

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"vaxbook/backend/internal/domain"
	"vaxbook/backend/internal/store"
)

// MessageWriter is the part of *kafka.Writer the relay uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	PollEvery time.Duration
	BatchSize int
}

// Publisher relays unpublished outbox events to Kafka, one topic per
// event type, keyed by appointment id.
type Publisher struct {
	repo      store.OutboxRepository
	writer    MessageWriter
	log       *slog.Logger
	pollEvery time.Duration
	batchSize int
}

func NewPublisher(repo store.OutboxRepository, writer MessageWriter, log *slog.Logger, cfg Config) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		repo:      repo,
		writer:    writer,
		log:       log.With(slog.String("component", "outbox_publisher")),
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// Run polls until ctx is done. The writer is closed on return.
func (p *Publisher) Run(ctx context.Context) error {
	defer func() {
		if err := p.writer.Close(); err != nil {
			p.log.Warn("kafka writer close failed", slog.Any("err", err))
		}
	}()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.PublishBatch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.log.Error("outbox publish failed", slog.Any("err", err))
				continue
			}
			if n > 0 {
				p.log.Debug("outbox events published", slog.Int("count", n))
			}
		}
	}
}

// PublishBatch writes one batch. Events are only marked published when
// Kafka acknowledged every message of the batch.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	return p.repo.Drain(ctx, p.batchSize, func(ctx context.Context, events []domain.OutboxEvent) error {
		msgs := make([]kafka.Message, 0, len(events))
		for _, e := range events {
			msgs = append(msgs, toMessage(ctx, e))
		}
		return p.writer.WriteMessages(ctx, msgs...)
	})
}

func toMessage(ctx context.Context, e domain.OutboxEvent) kafka.Message {
	carrier := &headerCarrier{headers: []kafka.Header{
		{Key: "event_id", Value: []byte(e.ID.String())},
		{Key: "event_type", Value: []byte(e.EventType)},
	}}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return kafka.Message{
		Topic:   e.EventType,
		Key:     []byte(e.AggregateID),
		Value:   e.Payload,
		Headers: carrier.headers,
		Time:    e.CreatedAt,
	}
}

type headerCarrier struct {
	headers []kafka.Header
}

func (c *headerCarrier) Get(key string) string {
	for _, h := range c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c *headerCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)
