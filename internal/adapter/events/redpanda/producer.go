// Package redpanda publishes session lifecycle events to a Redpanda/Kafka
// topic. Publishing is best-effort: the request path never fails because the
// event stream is down.
package redpanda

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/adaptive-testing/internal/domain"
)

// Producer wraps a Kafka producer and implements domain.EventPublisher.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer constructs a Producer and ensures the topic exists. Topic
// creation failure is tolerated; the broker may already have it.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewProducer: no seed brokers provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("op=redpanda.NewProducer: topic name cannot be empty")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewProducer: %w", err)
	}

	p := &Producer{client: client, topic: topic}
	if err := p.ensureTopic(); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}
	slog.Info("session event producer created", slog.Any("brokers", brokers), slog.String("topic", topic))
	return p, nil
}

// Publish emits one lifecycle event keyed by session id. The call blocks
// until the broker acks or the context ends.
func (p *Producer) Publish(ctx domain.Context, ev domain.SessionEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=redpanda.Publish: marshal: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.SessionID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "student_id", Value: []byte(ev.StudentID)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=redpanda.Publish: produce: %w", err)
	}
	slog.Debug("session event published",
		slog.String("type", ev.Type), slog.String("session_id", ev.SessionID))
	return nil
}

// Close closes the underlying client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}

// NopPublisher discards events; wired when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(domain.Context, domain.SessionEvent) error { return nil }
func (NopPublisher) Close()                                            {}
