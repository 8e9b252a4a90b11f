package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/rcourtman/billing-reconciler/internal/billing"
)

// EventProcessed reports whether a receipt exists for the provider event ID.
func (r *BillingRegistry) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_receipts WHERE event_id = ?`, eventID).Scan(&n); err != nil {
		return false, fmt.Errorf("check event receipt: %w", err)
	}
	return n > 0, nil
}

// RecordEvent inserts a receipt unless one already exists for the event ID.
// It reports whether a new row was written.
func (r *BillingRegistry) RecordEvent(ctx context.Context, receipt *billing.EventReceipt) (bool, error) {
	if receipt == nil || receipt.EventID == "" {
		return false, fmt.Errorf("event receipt requires an event id")
	}
	if receipt.ProcessedAt.IsZero() {
		receipt.ProcessedAt = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, `INSERT INTO event_receipts (id, event_id, event_type, processed_at)
		VALUES (?, ?, ?, ?) ON CONFLICT(event_id) DO NOTHING`,
		receipt.ID, receipt.EventID, receipt.EventType, receipt.ProcessedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("record event receipt: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// PruneEvents deletes receipts processed before olderThan.
func (r *BillingRegistry) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM event_receipts WHERE processed_at < ?`, olderThan.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune event receipts: %w", err)
	}
	return res.RowsAffected()
}
