package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lusterai/enhance/internal/domain"
)

// JobRepo implements the durable job store on the jobs and job_events tables.
// Claim coordination relies on row locks (FOR UPDATE SKIP LOCKED) so any
// number of workers can poll the same table without handing out a job twice.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, asset_id, user_id, prompt, tier, status, output_key, error_message,
	credits_used, retry_count, max_retries, started_at, completed_at, lease_expires_at,
	created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.AssetID, &j.UserID, &j.Prompt, &j.Tier, &j.Status,
		&j.OutputKey, &j.ErrorMessage, &j.CreditsUsed, &j.RetryCount, &j.MaxRetries,
		&j.StartedAt, &j.CompletedAt, &j.LeaseExpiresAt, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// CreateWithReservation reserves the job's credit cost and inserts the queued
// job in one transaction. Either both take effect or neither does.
func (r *JobRepo) CreateWithReservation(ctx domain.Context, j domain.Job) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CreateWithReservation")
	defer span.End()
	span.SetAttributes(attribute.String("job.tier", string(j.Tier)))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var balance int64
	lq := `SELECT balance FROM credits WHERE user_id=$1 FOR UPDATE`
	if err := tx.QueryRow(ctx, lq, j.UserID).Scan(&balance); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.create_lock: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.create_lock: %w", err)
	}
	if balance < j.CreditsUsed {
		return domain.Job{}, fmt.Errorf("op=job.create: balance %d < cost %d: %w", balance, j.CreditsUsed, domain.ErrInsufficientCredits)
	}

	now := time.Now().UTC()
	uq := `UPDATE credits SET balance = balance - $2, updated_at = $3 WHERE user_id=$1`
	if _, err := tx.Exec(ctx, uq, j.UserID, j.CreditsUsed, now); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create_reserve: %w", err)
	}

	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	j.Status = domain.JobQueued
	j.CreatedAt = now
	j.UpdatedAt = now
	iq := `INSERT INTO jobs (id, asset_id, user_id, prompt, tier, status, credits_used, max_retries, created_at, updated_at)
	       VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`
	if _, err := tx.Exec(ctx, iq, j.ID, j.AssetID, j.UserID, j.Prompt, j.Tier, j.Status, j.CreditsUsed, j.MaxRetries, now); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create_insert: %w", err)
	}

	details, _ := json.Marshal(map[string]any{
		"prompt":       j.Prompt,
		"tier":         j.Tier,
		"credits_used": j.CreditsUsed,
	})
	eq := `INSERT INTO job_events (id, job_id, event_type, details, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := tx.Exec(ctx, eq, uuid.New().String(), j.ID, domain.EventCreated, details, now); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create_event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.create: %w", err)
	}
	return j, nil
}

// Get loads a job scoped to its owner.
func (r *JobRepo) Get(ctx domain.Context, id, userID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id=$1 AND user_id=$2`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id, userID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// ClaimNext locks one claimable job and marks it processing under a fresh
// lease. Queued jobs are claimed as-is; processing jobs whose lease has
// expired with retries remaining are reclaimed with retry_count incremented.
// The locked read and the update commit together, so two workers can never
// hold the same job.
func (r *JobRepo) ClaimNext(ctx domain.Context, leaseDuration time.Duration) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimNext")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	sq := `SELECT id, status, retry_count FROM jobs
	       WHERE status = 'queued'
	          OR (status = 'processing' AND lease_expires_at < $1 AND retry_count < max_retries)
	       ORDER BY created_at
	       FOR UPDATE SKIP LOCKED
	       LIMIT 1`
	var (
		id         string
		status     domain.JobStatus
		retryCount int
	)
	if err := tx.QueryRow(ctx, sq, now).Scan(&id, &status, &retryCount); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, domain.ErrNoJobAvailable
		}
		return domain.Job{}, fmt.Errorf("op=job.claim_select: %w", err)
	}
	reclaim := status == domain.JobProcessing

	retryInc := 0
	if reclaim {
		retryInc = 1
	}
	uq := `UPDATE jobs SET status = 'processing', retry_count = retry_count + $2,
	           started_at = COALESCE(started_at, $3), lease_expires_at = $4, updated_at = $3
	       WHERE id = $1
	       RETURNING ` + jobColumns
	j, err := scanJob(tx.QueryRow(ctx, uq, id, retryInc, now, now.Add(leaseDuration)))
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=job.claim_update: %w", err)
	}

	details, _ := json.Marshal(map[string]any{
		"started_at":  now,
		"is_retry":    reclaim,
		"retry_count": j.RetryCount,
	})
	eq := `INSERT INTO job_events (id, job_id, event_type, details, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := tx.Exec(ctx, eq, uuid.New().String(), j.ID, domain.EventStarted, details, now); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.claim_event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", err)
	}
	span.SetAttributes(attribute.String("job.id", j.ID), attribute.Bool("job.reclaim", reclaim))
	return j, nil
}

// CompleteSuccess finalizes a job as succeeded. Jobs already terminal are
// left untouched so a late worker cannot overwrite a sweeper's verdict.
func (r *JobRepo) CompleteSuccess(ctx domain.Context, jobID, outputKey string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CompleteSuccess")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.complete_success: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lq := `SELECT status, credits_used FROM jobs WHERE id=$1 FOR UPDATE`
	var (
		status      domain.JobStatus
		creditsUsed int64
	)
	if err := tx.QueryRow(ctx, lq, jobID).Scan(&status, &creditsUsed); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=job.complete_success: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.complete_success: %w", err)
	}
	if status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	uq := `UPDATE jobs SET status = 'succeeded', output_key = $2, completed_at = $3,
	           lease_expires_at = NULL, updated_at = $3
	       WHERE id = $1`
	if _, err := tx.Exec(ctx, uq, jobID, outputKey, now); err != nil {
		return fmt.Errorf("op=job.complete_success_update: %w", err)
	}

	details, _ := json.Marshal(map[string]any{
		"output_key":   outputKey,
		"completed_at": now,
		"credits_used": creditsUsed,
	})
	eq := `INSERT INTO job_events (id, job_id, event_type, details, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := tx.Exec(ctx, eq, uuid.New().String(), jobID, domain.EventCompleted, details, now); err != nil {
		return fmt.Errorf("op=job.complete_success_event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.complete_success: %w", err)
	}
	return nil
}

// CompleteFailure finalizes a job as failed and, when refund is set, returns
// its reservation in the same transaction. Jobs already terminal are left
// untouched; an already-recorded refund is not repeated.
func (r *JobRepo) CompleteFailure(ctx domain.Context, jobID, errMsg string, refund bool) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CompleteFailure")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.complete_failure: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := failInTx(ctx, tx, jobID, errMsg, refund, "job_failed"); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.complete_failure: %w", err)
	}
	return nil
}

// failInTx flips one locked job to failed, appends the failed event, and
// optionally refunds its reservation. Shared with the sweeper.
func failInTx(ctx domain.Context, tx pgx.Tx, jobID, errMsg string, refund bool, reason string) error {
	lq := `SELECT status, user_id, credits_used FROM jobs WHERE id=$1 FOR UPDATE`
	var (
		status      domain.JobStatus
		userID      string
		creditsUsed int64
	)
	if err := tx.QueryRow(ctx, lq, jobID).Scan(&status, &userID, &creditsUsed); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("op=job.fail_lock: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.fail_lock: %w", err)
	}
	if status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	uq := `UPDATE jobs SET status = 'failed', error_message = $2, completed_at = $3,
	           lease_expires_at = NULL, updated_at = $3
	       WHERE id = $1`
	if _, err := tx.Exec(ctx, uq, jobID, errMsg, now); err != nil {
		return fmt.Errorf("op=job.fail_update: %w", err)
	}

	refunded := int64(0)
	if refund && creditsUsed > 0 {
		if _, err := refundInTx(ctx, tx, userID, jobID, creditsUsed, reason); err != nil {
			if !errors.Is(err, domain.ErrAlreadyRefunded) {
				return err
			}
		} else {
			refunded = creditsUsed
		}
	}

	details, _ := json.Marshal(map[string]any{
		"error_message":    errMsg,
		"completed_at":     now,
		"credits_refunded": refunded,
	})
	eq := `INSERT INTO job_events (id, job_id, event_type, details, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := tx.Exec(ctx, eq, uuid.New().String(), jobID, domain.EventFailed, details, now); err != nil {
		return fmt.Errorf("op=job.fail_event: %w", err)
	}
	return nil
}

// SweepExhausted finalizes processing jobs whose lease expired after the
// retry budget ran out. Each job fails with a refund; the count of swept jobs
// is returned.
func (r *JobRepo) SweepExhausted(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SweepExhausted")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=job.sweep: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sq := `SELECT id FROM jobs
	       WHERE status = 'processing' AND lease_expires_at < $1 AND retry_count >= max_retries
	       FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, sq, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=job.sweep_select: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("op=job.sweep_scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("op=job.sweep_rows: %w", err)
	}

	for _, id := range ids {
		if err := failInTx(ctx, tx, id, "max retries exceeded", true, "retries_exhausted"); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=job.sweep: %w", err)
	}
	span.SetAttributes(attribute.Int("jobs.swept", len(ids)))
	return len(ids), nil
}

// AppendEvent records one audit event for a job.
func (r *JobRepo) AppendEvent(ctx domain.Context, jobID, eventType, detailsJSON string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AppendEvent")
	defer span.End()
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	q := `INSERT INTO job_events (id, job_id, event_type, details, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, uuid.New().String(), jobID, eventType, detailsJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.append_event: %w", err)
	}
	return nil
}

// ListEvents returns a job's audit trail, oldest first.
func (r *JobRepo) ListEvents(ctx domain.Context, jobID string) ([]domain.JobEvent, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListEvents")
	defer span.End()
	q := `SELECT id, job_id, event_type, details::text, created_at FROM job_events WHERE job_id=$1 ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_events: %w", err)
	}
	defer rows.Close()
	var events []domain.JobEvent
	for rows.Next() {
		var e domain.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=job.list_events_scan: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_events_rows: %w", err)
	}
	return events, nil
}
