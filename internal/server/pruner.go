package server

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/billing-reconciler/internal/metrics"
)

type receiptPruner interface {
	PruneEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

// EventPruner deletes processed-event receipts older than the retention window.
type EventPruner struct {
	store     receiptPruner
	retention time.Duration
	now       func() time.Time
}

// NewEventPruner creates an EventPruner for store.
func NewEventPruner(store receiptPruner, retention time.Duration) *EventPruner {
	return &EventPruner{store: store, retention: retention, now: time.Now}
}

// Prune removes receipts processed before now minus the retention window.
func (p *EventPruner) Prune(ctx context.Context) (int64, error) {
	cutoff := p.now().UTC().Add(-p.retention)
	n, err := p.store.PruneEvents(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune event receipts: %w", err)
	}
	metrics.ReceiptsPrunedTotal.Add(float64(n))
	log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Pruned processed event receipts")
	return n, nil
}

// Schedule runs Prune on spec (standard cron syntax or descriptors such as
// @hourly). The returned scheduler is already started.
func (p *EventPruner) Schedule(ctx context.Context, spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if _, err := p.Prune(runCtx); err != nil {
			log.Error().Err(err).Msg("Scheduled receipt pruning failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule receipt pruning %q: %w", spec, err)
	}
	c.Start()
	log.Info().Str("schedule", spec).Dur("retention", p.retention).Msg("Receipt pruning scheduled")
	return c, nil
}
