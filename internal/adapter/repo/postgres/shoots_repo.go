package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lusterai/enhance/internal/domain"
)

// ShootRepo persists shoots using a minimal pgx pool.
type ShootRepo struct{ Pool PgxPool }

// NewShootRepo constructs a ShootRepo with the given pool.
func NewShootRepo(p PgxPool) *ShootRepo { return &ShootRepo{Pool: p} }

// Create inserts a new shoot and returns it with server-side fields filled.
func (r *ShootRepo) Create(ctx domain.Context, s domain.Shoot) (domain.Shoot, error) {
	tracer := otel.Tracer("repo.shoots")
	ctx, span := tracer.Start(ctx, "shoots.Create")
	defer span.End()
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	q := `INSERT INTO shoots (id, user_id, name, created_at, updated_at) VALUES ($1,$2,$3,$4,$4)`
	if _, err := r.Pool.Exec(ctx, q, s.ID, s.UserID, s.Name, now); err != nil {
		return domain.Shoot{}, fmt.Errorf("op=shoot.create: %w", err)
	}
	return s, nil
}

// Get loads a shoot scoped to its owner.
func (r *ShootRepo) Get(ctx domain.Context, id, userID string) (domain.Shoot, error) {
	tracer := otel.Tracer("repo.shoots")
	ctx, span := tracer.Start(ctx, "shoots.Get")
	defer span.End()
	q := `SELECT id, user_id, name, created_at, updated_at FROM shoots WHERE id=$1 AND user_id=$2`
	var s domain.Shoot
	if err := r.Pool.QueryRow(ctx, q, id, userID).Scan(&s.ID, &s.UserID, &s.Name, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Shoot{}, fmt.Errorf("op=shoot.get: %w", domain.ErrNotFound)
		}
		return domain.Shoot{}, fmt.Errorf("op=shoot.get: %w", err)
	}
	return s, nil
}

// ListByUser returns the user's shoots, newest first, with asset counts and
// per-status job counts for the derived shoot status.
func (r *ShootRepo) ListByUser(ctx domain.Context, userID string) ([]domain.ShootSummary, error) {
	tracer := otel.Tracer("repo.shoots")
	ctx, span := tracer.Start(ctx, "shoots.ListByUser")
	defer span.End()

	q := `SELECT id, user_id, name, created_at, updated_at FROM shoots WHERE user_id=$1 ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("op=shoot.list: %w", err)
	}
	var summaries []domain.ShootSummary
	index := map[string]int{}
	for rows.Next() {
		var s domain.Shoot
		if err := rows.Scan(&s.ID, &s.UserID, &s.Name, &s.CreatedAt, &s.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=shoot.list_scan: %w", err)
		}
		index[s.ID] = len(summaries)
		summaries = append(summaries, domain.ShootSummary{Shoot: s, JobStatuses: map[domain.JobStatus]int{}})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=shoot.list_rows: %w", err)
	}
	if len(summaries) == 0 {
		return summaries, nil
	}

	aq := `SELECT shoot_id, COUNT(*) FROM assets WHERE user_id=$1 GROUP BY shoot_id`
	arows, err := r.Pool.Query(ctx, aq, userID)
	if err != nil {
		return nil, fmt.Errorf("op=shoot.list_assets: %w", err)
	}
	for arows.Next() {
		var (
			shootID string
			count   int
		)
		if err := arows.Scan(&shootID, &count); err != nil {
			arows.Close()
			return nil, fmt.Errorf("op=shoot.list_assets_scan: %w", err)
		}
		if i, ok := index[shootID]; ok {
			summaries[i].AssetCount = count
		}
	}
	arows.Close()
	if err := arows.Err(); err != nil {
		return nil, fmt.Errorf("op=shoot.list_assets_rows: %w", err)
	}

	jq := `SELECT a.shoot_id, j.status, COUNT(*)
	       FROM jobs j JOIN assets a ON a.id = j.asset_id
	       WHERE j.user_id=$1 GROUP BY a.shoot_id, j.status`
	jrows, err := r.Pool.Query(ctx, jq, userID)
	if err != nil {
		return nil, fmt.Errorf("op=shoot.list_jobs: %w", err)
	}
	for jrows.Next() {
		var (
			shootID string
			status  domain.JobStatus
			count   int
		)
		if err := jrows.Scan(&shootID, &status, &count); err != nil {
			jrows.Close()
			return nil, fmt.Errorf("op=shoot.list_jobs_scan: %w", err)
		}
		if i, ok := index[shootID]; ok {
			summaries[i].JobStatuses[status] = count
		}
	}
	jrows.Close()
	if err := jrows.Err(); err != nil {
		return nil, fmt.Errorf("op=shoot.list_jobs_rows: %w", err)
	}
	return summaries, nil
}

// Delete removes a shoot and everything under it. Foreign keys cascade over
// assets, jobs, and job events; the object keys that referenced stored bytes
// are collected first and returned so the caller can clean the store.
func (r *ShootRepo) Delete(ctx domain.Context, id, userID string) (domain.DeletedShoot, error) {
	tracer := otel.Tracer("repo.shoots")
	ctx, span := tracer.Start(ctx, "shoots.Delete")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.DeletedShoot{}, fmt.Errorf("op=shoot.delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lq := `SELECT id FROM shoots WHERE id=$1 AND user_id=$2 FOR UPDATE`
	var shootID string
	if err := tx.QueryRow(ctx, lq, id, userID).Scan(&shootID); err != nil {
		if err == pgx.ErrNoRows {
			return domain.DeletedShoot{}, fmt.Errorf("op=shoot.delete: %w", domain.ErrNotFound)
		}
		return domain.DeletedShoot{}, fmt.Errorf("op=shoot.delete: %w", err)
	}

	var out domain.DeletedShoot
	kq := `SELECT a.object_key, COALESCE(j.output_key, '')
	       FROM assets a LEFT JOIN jobs j ON j.asset_id = a.id
	       WHERE a.shoot_id=$1`
	rows, err := tx.Query(ctx, kq, id)
	if err != nil {
		return domain.DeletedShoot{}, fmt.Errorf("op=shoot.delete_keys: %w", err)
	}
	seen := map[string]bool{}
	for rows.Next() {
		var objectKey, outputKey string
		if err := rows.Scan(&objectKey, &outputKey); err != nil {
			rows.Close()
			return domain.DeletedShoot{}, fmt.Errorf("op=shoot.delete_keys_scan: %w", err)
		}
		for _, k := range []string{objectKey, outputKey} {
			if k != "" && !seen[k] {
				seen[k] = true
				out.ObjectKeys = append(out.ObjectKeys, k)
			}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.DeletedShoot{}, fmt.Errorf("op=shoot.delete_keys_rows: %w", err)
	}

	cq := `SELECT
	           (SELECT COUNT(*) FROM assets WHERE shoot_id=$1),
	           (SELECT COUNT(*) FROM jobs j JOIN assets a ON a.id = j.asset_id WHERE a.shoot_id=$1),
	           (SELECT COUNT(*) FROM job_events e JOIN jobs j ON j.id = e.job_id
	                JOIN assets a ON a.id = j.asset_id WHERE a.shoot_id=$1)`
	if err := tx.QueryRow(ctx, cq, id).Scan(&out.Assets, &out.Jobs, &out.Events); err != nil {
		return domain.DeletedShoot{}, fmt.Errorf("op=shoot.delete_counts: %w", err)
	}

	dq := `DELETE FROM shoots WHERE id=$1`
	if _, err := tx.Exec(ctx, dq, id); err != nil {
		return domain.DeletedShoot{}, fmt.Errorf("op=shoot.delete_exec: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.DeletedShoot{}, fmt.Errorf("op=shoot.delete: %w", err)
	}
	span.SetAttributes(attribute.Int("shoot.assets_deleted", out.Assets))
	return out, nil
}
