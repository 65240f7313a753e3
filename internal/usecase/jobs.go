package usecase

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lusterai/enhance/internal/adapter/observability"
	"github.com/lusterai/enhance/internal/domain"
)

// JobService orchestrates job intake and status reads.
type JobService struct {
	Jobs       domain.JobStore
	Assets     domain.AssetRepository
	Ledger     domain.CreditLedger
	Notifier   domain.Notifier
	Store      domain.ObjectStore
	MaxRetries int
	PresignTTL time.Duration
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(j domain.JobStore, a domain.AssetRepository, l domain.CreditLedger, n domain.Notifier, st domain.ObjectStore, maxRetries int, presignTTL time.Duration) JobService {
	return JobService{Jobs: j, Assets: a, Ledger: l, Notifier: n, Store: st, MaxRetries: maxRetries, PresignTTL: presignTTL}
}

// Create validates the request, reserves credits, and enqueues the job. The
// reservation and the job row commit atomically; the advisory notification is
// best-effort afterwards.
func (s JobService) Create(ctx domain.Context, userID, assetID, prompt string, tier domain.Tier) (domain.Job, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" || len(prompt) > 2000 {
		return domain.Job{}, fmt.Errorf("%w: prompt must be 1-2000 characters", domain.ErrInvalidArgument)
	}
	if !tier.Valid() {
		return domain.Job{}, fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidArgument, tier)
	}
	asset, err := s.Assets.Get(ctx, assetID, userID)
	if err != nil {
		return domain.Job{}, err
	}
	if asset.ObjectKey == "" {
		return domain.Job{}, fmt.Errorf("asset %s has no confirmed upload: %w", assetID, domain.ErrFailedPrecondition)
	}

	job, err := s.Jobs.CreateWithReservation(ctx, domain.Job{
		AssetID:     assetID,
		UserID:      userID,
		Prompt:      prompt,
		Tier:        tier,
		CreditsUsed: tier.Cost(),
		MaxRetries:  s.MaxRetries,
	})
	if err != nil {
		return domain.Job{}, err
	}
	observability.EnqueueJob(string(tier), job.CreditsUsed)

	if s.Notifier != nil {
		if err := s.Notifier.NotifyJobCreated(ctx, job.ID); err != nil {
			slog.Warn("job notification failed, workers will pick it up by poll",
				slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	return job, nil
}

// JobDetail is a job with its audit trail and output URL.
type JobDetail struct {
	Job       domain.Job
	OutputURL string
	Events    []domain.JobEvent
}

// Get returns a job with its events, presigning the output for succeeded
// jobs.
func (s JobService) Get(ctx domain.Context, userID, jobID string) (JobDetail, error) {
	job, err := s.Jobs.Get(ctx, jobID, userID)
	if err != nil {
		return JobDetail{}, err
	}
	detail := JobDetail{Job: job}
	if job.Status == domain.JobSucceeded && job.OutputKey != "" {
		url, err := s.Store.PresignDownload(ctx, job.OutputKey, s.PresignTTL, "")
		if err != nil {
			slog.Warn("presign output failed", slog.String("job_id", job.ID), slog.Any("error", err))
		} else {
			detail.OutputURL = url
		}
	}
	events, err := s.Jobs.ListEvents(ctx, jobID)
	if err != nil {
		return JobDetail{}, err
	}
	detail.Events = events
	return detail, nil
}

// RefundResult reports a manual refund's effect.
type RefundResult struct {
	CreditsRefunded int64
	NewBalance      int64
}

// Refund manually returns a failed job's reservation. Non-terminal or
// succeeded jobs cannot be refunded; a repeated request reports the refund as
// already applied.
func (s JobService) Refund(ctx domain.Context, userID, jobID string) (RefundResult, error) {
	job, err := s.Jobs.Get(ctx, jobID, userID)
	if err != nil {
		return RefundResult{}, err
	}
	if job.Status != domain.JobFailed {
		return RefundResult{}, fmt.Errorf("job %s is %s, only failed jobs are refundable: %w", jobID, job.Status, domain.ErrFailedPrecondition)
	}
	if job.CreditsUsed == 0 {
		return RefundResult{}, fmt.Errorf("job %s reserved no credits: %w", jobID, domain.ErrFailedPrecondition)
	}
	balance, err := s.Ledger.Refund(ctx, userID, jobID, job.CreditsUsed)
	if err != nil {
		return RefundResult{}, err
	}
	observability.CreditsRefundedTotal.Add(float64(job.CreditsUsed))
	return RefundResult{CreditsRefunded: job.CreditsUsed, NewBalance: balance}, nil
}
