// Package redpanda publishes and consumes the advisory job-created signal.
//
// The signal only shortens the time between intake and claim: workers poll
// the job store on an interval regardless, so a lost or duplicated record has
// no correctness impact.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/lusterai/enhance/internal/domain"
)

// notification is the wire payload of the advisory signal.
type notification struct {
	JobID     string    `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Producer implements domain.Notifier on a Kafka-compatible topic.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer constructs a Producer and ensures the topic exists.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
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
		return nil, fmt.Errorf("redpanda client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}
	return &Producer{client: client, topic: topic}, nil
}

// NotifyJobCreated publishes the advisory signal for one job. The produce is
// synchronous so intake can log delivery failures, but callers treat errors
// as non-fatal.
func (p *Producer) NotifyJobCreated(ctx domain.Context, jobID string) error {
	b, err := json.Marshal(notification{JobID: jobID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("op=notify.marshal: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(jobID),
		Value: b,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=notify.produce: %w", err)
	}
	slog.Debug("job notification published", slog.String("job_id", jobID), slog.String("topic", p.topic))
	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
