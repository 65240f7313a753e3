// Package worker runs the enhancement pool: claiming jobs under a lease,
// calling the image provider, and finalizing results.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lusterai/enhance/internal/adapter/observability"
	"github.com/lusterai/enhance/internal/domain"
	"github.com/lusterai/enhance/internal/imaging"
)

// Worker claims and processes enhancement jobs. Several goroutines run the
// claim loop concurrently; the database lease guarantees each job has a
// single holder at a time.
type Worker struct {
	Jobs             domain.JobStore
	Assets           domain.AssetRepository
	Store            domain.ObjectStore
	Enhancer         domain.Enhancer
	LeaseDuration    time.Duration
	ProviderDeadline time.Duration
	PollInterval     time.Duration
	Concurrency      int
	// Wake optionally delivers advisory signals that cut poll latency. The
	// interval poll alone is sufficient for correctness.
	Wake <-chan struct{}
}

// New constructs a Worker.
func New(jobs domain.JobStore, assets domain.AssetRepository, store domain.ObjectStore, enhancer domain.Enhancer, lease, providerDeadline, poll time.Duration, concurrency int, wake <-chan struct{}) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Worker{
		Jobs:             jobs,
		Assets:           assets,
		Store:            store,
		Enhancer:         enhancer,
		LeaseDuration:    lease,
		ProviderDeadline: providerDeadline,
		PollInterval:     poll,
		Concurrency:      concurrency,
		Wake:             wake,
	}
}

// Run starts the configured number of claim loops and blocks until the
// context ends and all of them drain.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, n)
		}(i)
	}
	wg.Wait()
}

// loop claims jobs until the queue is empty, then sleeps until the next poll
// tick or an advisory wake.
func (w *Worker) loop(ctx context.Context, n int) {
	lg := slog.Default().With(slog.Int("worker", n))
	for {
		if ctx.Err() != nil {
			lg.Info("worker stopping")
			return
		}
		job, err := w.Jobs.ClaimNext(ctx, w.LeaseDuration)
		switch {
		case errors.Is(err, domain.ErrNoJobAvailable):
			select {
			case <-ctx.Done():
				lg.Info("worker stopping")
				return
			case <-time.After(w.PollInterval):
			case <-w.Wake:
			}
			continue
		case err != nil:
			lg.Error("claim failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.PollInterval):
			}
			continue
		}
		observability.ClaimJob(job.RetryCount > 0)
		w.Process(ctx, job)
	}
}

// Process runs one claimed job to a terminal state or releases it to the
// lease. Transient provider errors leave the job processing so a later claim
// retries it; permanent errors and exhausted budgets finalize it with a
// refund.
func (w *Worker) Process(ctx context.Context, job domain.Job) {
	tracer := otel.Tracer("worker")
	ctx, span := tracer.Start(ctx, "Worker.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.tier", string(job.Tier)),
		attribute.Int("job.retry_count", job.RetryCount),
	)
	lg := slog.Default().With(slog.String("job_id", job.ID))

	// A reclaim that consumed the last retry delivers the job with its budget
	// already spent. Finalize without another provider attempt.
	if job.RetryCount >= job.MaxRetries {
		lg.Warn("retry budget exhausted at claim, finalizing", slog.Int("retry_count", job.RetryCount))
		if err := w.Jobs.CompleteFailure(ctx, job.ID, "max retries exceeded", true); err != nil {
			lg.Error("finalize failed", slog.Any("error", err))
			return
		}
		observability.FailJob("retries_exhausted", job.CreditsUsed)
		if asset, err := w.Assets.Get(ctx, job.AssetID, job.UserID); err == nil {
			w.deleteOriginal(ctx, lg, asset.ObjectKey)
		}
		return
	}

	asset, err := w.Assets.Get(ctx, job.AssetID, job.UserID)
	if err != nil {
		// A missing asset row can never recover; anything else may be a
		// transient database hiccup worth a lease retry.
		kind := domain.ErrProviderTransient
		if errors.Is(err, domain.ErrNotFound) {
			kind = domain.ErrProviderPermanent
		}
		w.finish(ctx, lg, job, "", fmt.Errorf("load asset: %w: %w", err, kind))
		return
	}
	output, err := w.enhanceOnce(ctx, job, asset)
	if err != nil {
		w.finish(ctx, lg, job, asset.ObjectKey, err)
		return
	}

	outputKey := domain.OutputKey(job.UserID, asset.ShootID, job.AssetID, job.ID)
	if err := w.Store.Put(ctx, outputKey, bytes.NewReader(output), "image/jpeg", map[string]string{
		"job-id":   job.ID,
		"asset-id": job.AssetID,
	}); err != nil {
		// Store write failures are transient; leave the job to the lease.
		lg.Warn("output store write failed, leaving job to lease", slog.Any("error", err))
		observability.JobsProcessing.Dec()
		return
	}
	if err := w.Jobs.CompleteSuccess(ctx, job.ID, outputKey); err != nil {
		lg.Error("complete failed", slog.Any("error", err))
		return
	}
	observability.CompleteJob()
	w.deleteOriginal(ctx, lg, asset.ObjectKey)
	lg.Info("job succeeded", slog.String("output_key", outputKey))
}

// enhanceOnce fetches the original, calls the provider under its deadline,
// and strips metadata from the result.
func (w *Worker) enhanceOnce(ctx context.Context, job domain.Job, asset domain.Asset) ([]byte, error) {
	original, err := w.Store.Get(ctx, asset.ObjectKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("original missing at %s: %w", asset.ObjectKey, domain.ErrProviderPermanent)
		}
		return nil, fmt.Errorf("read original: %w: %w", err, domain.ErrProviderTransient)
	}
	defer func() { _ = original.Close() }()

	callCtx := ctx
	if w.ProviderDeadline > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, w.ProviderDeadline)
		defer cancel()
	}
	raw, err := w.Enhancer.Enhance(callCtx, original, domain.ProviderParams(job.Tier, job.Prompt))
	if err != nil {
		return nil, err
	}
	clean, err := imaging.StripMetadata(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("strip metadata: %w: %w", err, domain.ErrProviderPermanent)
	}
	return clean, nil
}

// finish maps a processing error to its terminal or retriable outcome.
func (w *Worker) finish(ctx context.Context, lg *slog.Logger, job domain.Job, originalKey string, procErr error) {
	switch {
	case errors.Is(procErr, domain.ErrProviderPermanent):
		lg.Warn("job failed permanently", slog.Any("error", procErr))
		if err := w.Jobs.CompleteFailure(ctx, job.ID, procErr.Error(), true); err != nil {
			lg.Error("finalize failed", slog.Any("error", err))
			return
		}
		observability.FailJob("permanent", job.CreditsUsed)
		w.deleteOriginal(ctx, lg, originalKey)
	default:
		// Transient with retries remaining: the lease expires and another
		// claim picks the job up.
		lg.Info("job hit transient error, leaving to lease",
			slog.Int("retry_count", job.RetryCount), slog.Any("error", procErr))
		observability.JobsProcessing.Dec()
	}
}

// deleteOriginal removes the input object once a job is terminal; it bounds
// storage growth. Cleanup failures are logged and never surfaced.
func (w *Worker) deleteOriginal(ctx context.Context, lg *slog.Logger, key string) {
	if key == "" {
		return
	}
	if err := w.Store.Delete(ctx, key); err != nil {
		lg.Warn("original cleanup failed", slog.String("key", key), slog.Any("error", err))
	}
}
