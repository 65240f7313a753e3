package app

import (
	"context"
	"fmt"

	"github.com/lusterai/enhance/internal/domain"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the database and object store probes used by
// the readiness endpoint.
func BuildReadinessChecks(pool Pinger, store domain.ObjectStore) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	storeCheck := func(ctx context.Context) error {
		if store == nil {
			return fmt.Errorf("object store not configured")
		}
		return store.Ping(ctx)
	}
	return dbCheck, storeCheck
}
