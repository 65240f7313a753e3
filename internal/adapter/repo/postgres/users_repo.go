package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/lusterai/enhance/internal/domain"
)

// UserRepo persists users using a minimal pgx pool.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// GetOrCreate upserts the user row and its zero-balance credit row. Called on
// first sight of an authenticated subject or a webhook payload.
func (r *UserRepo) GetOrCreate(ctx domain.Context, id, email string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetOrCreate")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.User{}, fmt.Errorf("op=user.get_or_create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	q := `INSERT INTO users (id, email, created_at, updated_at) VALUES ($1,$2,$3,$3)
	      ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, updated_at = EXCLUDED.updated_at
	      RETURNING id, email, created_at, updated_at`
	var u domain.User
	if err := tx.QueryRow(ctx, q, id, email, now).Scan(&u.ID, &u.Email, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return domain.User{}, fmt.Errorf("op=user.get_or_create: %w", err)
	}
	cq := `INSERT INTO credits (id, user_id, balance, created_at, updated_at) VALUES ($1,$2,0,$3,$3)
	       ON CONFLICT (user_id) DO NOTHING`
	if _, err := tx.Exec(ctx, cq, uuid.New().String(), id, now); err != nil {
		return domain.User{}, fmt.Errorf("op=user.get_or_create_credit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.User{}, fmt.Errorf("op=user.get_or_create: %w", err)
	}
	return u, nil
}
