package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/lusterai/enhance/internal/domain"
)

// CreditRepo implements the credit ledger on the credits, credit_events, and
// job_events tables.
type CreditRepo struct{ Pool PgxPool }

// NewCreditRepo constructs a CreditRepo with the given pool.
func NewCreditRepo(p PgxPool) *CreditRepo { return &CreditRepo{Pool: p} }

// Balance returns the current balance for a user.
func (r *CreditRepo) Balance(ctx domain.Context, userID string) (int64, error) {
	tracer := otel.Tracer("repo.credits")
	ctx, span := tracer.Start(ctx, "credits.Balance")
	defer span.End()
	q := `SELECT balance FROM credits WHERE user_id=$1`
	var balance int64
	if err := r.Pool.QueryRow(ctx, q, userID).Scan(&balance); err != nil {
		if err == pgx.ErrNoRows {
			return 0, fmt.Errorf("op=credits.balance: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=credits.balance: %w", err)
	}
	return balance, nil
}

// Refund returns a job's reservation to the user's balance. The
// credits_refunded job event doubles as the idempotency marker: a second
// refund for the same job observes it under the row lock and returns
// ErrAlreadyRefunded.
func (r *CreditRepo) Refund(ctx domain.Context, userID, jobID string, amount int64) (int64, error) {
	tracer := otel.Tracer("repo.credits")
	ctx, span := tracer.Start(ctx, "credits.Refund")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=credits.refund: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	balance, err := refundInTx(ctx, tx, userID, jobID, amount, "refund_requested")
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=credits.refund: %w", err)
	}
	return balance, nil
}

// refundInTx performs the locked balance increment plus the marker event. It
// is shared with the job store so failure finalization refunds in the same
// transaction that flips the job terminal.
func refundInTx(ctx domain.Context, tx pgx.Tx, userID, jobID string, amount int64, reason string) (int64, error) {
	var balance int64
	lq := `SELECT balance FROM credits WHERE user_id=$1 FOR UPDATE`
	if err := tx.QueryRow(ctx, lq, userID).Scan(&balance); err != nil {
		if err == pgx.ErrNoRows {
			return 0, fmt.Errorf("op=credits.refund_lock: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=credits.refund_lock: %w", err)
	}

	var refunded bool
	mq := `SELECT EXISTS (SELECT 1 FROM job_events WHERE job_id=$1 AND event_type=$2)`
	if err := tx.QueryRow(ctx, mq, jobID, domain.EventCreditsRefunded).Scan(&refunded); err != nil {
		return 0, fmt.Errorf("op=credits.refund_marker: %w", err)
	}
	if refunded {
		return 0, fmt.Errorf("op=credits.refund: %w", domain.ErrAlreadyRefunded)
	}

	uq := `UPDATE credits SET balance = balance + $2, updated_at = $3 WHERE user_id=$1 RETURNING balance`
	if err := tx.QueryRow(ctx, uq, userID, amount, time.Now().UTC()).Scan(&balance); err != nil {
		return 0, fmt.Errorf("op=credits.refund_update: %w", err)
	}

	details, _ := json.Marshal(map[string]any{
		"credits_refunded": amount,
		"new_balance":      balance,
		"reason":           reason,
	})
	eq := `INSERT INTO job_events (id, job_id, event_type, details, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := tx.Exec(ctx, eq, uuid.New().String(), jobID, domain.EventCreditsRefunded, details, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("op=credits.refund_event: %w", err)
	}
	return balance, nil
}

// ApplyDelta applies a signed balance change keyed by sourceRef. A replayed
// sourceRef inserts nothing and returns the current balance unchanged.
func (r *CreditRepo) ApplyDelta(ctx domain.Context, userID string, delta int64, sourceRef string) (int64, error) {
	tracer := otel.Tracer("repo.credits")
	ctx, span := tracer.Start(ctx, "credits.ApplyDelta")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=credits.apply_delta: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	iq := `INSERT INTO credit_events (id, user_id, delta, source_ref, created_at) VALUES ($1,$2,$3,$4,$5)
	       ON CONFLICT (source_ref) DO NOTHING`
	tag, err := tx.Exec(ctx, iq, uuid.New().String(), userID, delta, sourceRef, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("op=credits.apply_delta_event: %w", err)
	}

	var balance int64
	if tag.RowsAffected() == 0 {
		bq := `SELECT balance FROM credits WHERE user_id=$1`
		if err := tx.QueryRow(ctx, bq, userID).Scan(&balance); err != nil {
			return 0, fmt.Errorf("op=credits.apply_delta_balance: %w", err)
		}
	} else {
		uq := `UPDATE credits SET balance = balance + $2, updated_at = $3 WHERE user_id=$1 RETURNING balance`
		if err := tx.QueryRow(ctx, uq, userID, delta, time.Now().UTC()).Scan(&balance); err != nil {
			return 0, fmt.Errorf("op=credits.apply_delta_update: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=credits.apply_delta: %w", err)
	}
	return balance, nil
}
