package server

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/billing-reconciler/internal/config"
	"github.com/rcourtman/billing-reconciler/internal/dedupe"
	"github.com/rcourtman/billing-reconciler/internal/reconcile"
	"github.com/rcourtman/billing-reconciler/internal/registry"
	"github.com/rcourtman/billing-reconciler/internal/registry/postgres"
)

// Store is everything the service needs from a billing store backend.
type Store interface {
	reconcile.Store
	dedupe.ReceiptStore
	PruneEvents(ctx context.Context, olderThan time.Time) (int64, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*registry.BillingRegistry)(nil)
	_ Store = (*postgres.Store)(nil)
)

// OpenStore opens the configured store backend and applies its schema.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Store {
	case config.StorePostgres:
		store, err = postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
	default:
		store, err = registry.NewBillingRegistry(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open billing registry: %w", err)
		}
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Store, err)
	}
	log.Info().Str("store", cfg.Store).Msg("Billing store ready")
	return store, nil
}
