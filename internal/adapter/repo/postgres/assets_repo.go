package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/lusterai/enhance/internal/domain"
)

// AssetRepo persists assets using a minimal pgx pool.
type AssetRepo struct{ Pool PgxPool }

// NewAssetRepo constructs an AssetRepo with the given pool.
func NewAssetRepo(p PgxPool) *AssetRepo { return &AssetRepo{Pool: p} }

// Create inserts a new asset and returns it with server-side fields filled.
func (r *AssetRepo) Create(ctx domain.Context, a domain.Asset) (domain.Asset, error) {
	tracer := otel.Tracer("repo.assets")
	ctx, span := tracer.Start(ctx, "assets.Create")
	defer span.End()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()
	q := `INSERT INTO assets (id, shoot_id, user_id, original_filename, object_key, file_size, mime_type, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := r.Pool.Exec(ctx, q, a.ID, a.ShootID, a.UserID, a.Filename, a.ObjectKey, a.Size, a.MIME, a.CreatedAt); err != nil {
		return domain.Asset{}, fmt.Errorf("op=asset.create: %w", err)
	}
	return a, nil
}

// Get loads an asset scoped to its owner.
func (r *AssetRepo) Get(ctx domain.Context, id, userID string) (domain.Asset, error) {
	tracer := otel.Tracer("repo.assets")
	ctx, span := tracer.Start(ctx, "assets.Get")
	defer span.End()
	q := `SELECT id, shoot_id, user_id, original_filename, object_key, file_size, mime_type, created_at
	      FROM assets WHERE id=$1 AND user_id=$2`
	var a domain.Asset
	err := r.Pool.QueryRow(ctx, q, id, userID).Scan(&a.ID, &a.ShootID, &a.UserID, &a.Filename, &a.ObjectKey, &a.Size, &a.MIME, &a.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Asset{}, fmt.Errorf("op=asset.get: %w", domain.ErrNotFound)
		}
		return domain.Asset{}, fmt.Errorf("op=asset.get: %w", err)
	}
	return a, nil
}

// ListByShoot returns the assets of a shoot, oldest first.
func (r *AssetRepo) ListByShoot(ctx domain.Context, shootID, userID string) ([]domain.Asset, error) {
	tracer := otel.Tracer("repo.assets")
	ctx, span := tracer.Start(ctx, "assets.ListByShoot")
	defer span.End()
	q := `SELECT id, shoot_id, user_id, original_filename, object_key, file_size, mime_type, created_at
	      FROM assets WHERE shoot_id=$1 AND user_id=$2 ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, shootID, userID)
	if err != nil {
		return nil, fmt.Errorf("op=asset.list: %w", err)
	}
	defer rows.Close()
	var assets []domain.Asset
	for rows.Next() {
		var a domain.Asset
		if err := rows.Scan(&a.ID, &a.ShootID, &a.UserID, &a.Filename, &a.ObjectKey, &a.Size, &a.MIME, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=asset.list_scan: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=asset.list_rows: %w", err)
	}
	return assets, nil
}

// ListJobs returns the jobs of an asset, newest first.
func (r *AssetRepo) ListJobs(ctx domain.Context, assetID string) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.assets")
	ctx, span := tracer.Start(ctx, "assets.ListJobs")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE asset_id=$1 ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, q, assetID)
	if err != nil {
		return nil, fmt.Errorf("op=asset.list_jobs: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=asset.list_jobs_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=asset.list_jobs_rows: %w", err)
	}
	return jobs, nil
}
