package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// Waker consumes the advisory topic and signals a channel so worker poll
// loops wake early. Offsets are auto-committed; a record is consumed at most
// for its wake value and never re-read on restart.
type Waker struct {
	client *kgo.Client
	wake   chan struct{}
}

// NewWaker constructs a Waker joined to the given consumer group.
func NewWaker(brokers []string, topic, group string) (*Waker, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda waker client: %w", err)
	}
	return &Waker{client: client, wake: make(chan struct{}, 1)}, nil
}

// Wake returns the channel that receives one signal per fetched batch.
func (w *Waker) Wake() <-chan struct{} { return w.wake }

// Run polls the topic until the context is cancelled. Fetch errors are logged
// and polling continues; the worker's interval poll covers any gap.
func (w *Waker) Run(ctx context.Context) {
	for {
		fetches := w.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				slog.Warn("waker fetch error", slog.String("topic", e.Topic), slog.Any("error", e.Err))
			}
			continue
		}
		if fetches.NumRecords() == 0 {
			continue
		}
		select {
		case w.wake <- struct{}{}:
		default:
			// A wake is already pending; the poll loop drains it soon.
		}
	}
}

// Close closes the consumer.
func (w *Waker) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
