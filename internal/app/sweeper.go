package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lusterai/enhance/internal/adapter/observability"
	"github.com/lusterai/enhance/internal/domain"
)

// Sweeper finalizes jobs whose lease expired after the retry budget ran out.
// Workers never finalize exhausted jobs themselves; the sweeper is the single
// place where "no worker will retry this" becomes a failed status and a
// refund.
type Sweeper struct {
	jobs     domain.JobStore
	interval time.Duration
}

// NewSweeper constructs a Sweeper.
func NewSweeper(jobs domain.JobStore, interval time.Duration) *Sweeper {
	if jobs == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{jobs: jobs, interval: interval}
}

// Run sweeps immediately and then on every tick until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "Sweeper.sweepOnce")
	defer span.End()

	swept, err := s.jobs.SweepExhausted(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.swept", swept))
	if swept > 0 {
		observability.JobsSweptTotal.Add(float64(swept))
		slog.Info("swept exhausted jobs", slog.Int("count", swept))
	}
}
