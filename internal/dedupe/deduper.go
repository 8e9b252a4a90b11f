// Package dedupe gives at-most-once application of provider events keyed by
// the provider's event ID.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rcourtman/billing-reconciler/internal/billing"
	"github.com/rcourtman/billing-reconciler/internal/metrics"
)

// ErrInFlight is returned when another delivery of the same event holds the
// processing lock. Callers respond non-2xx so the provider retries later.
var ErrInFlight = errors.New("event is already being processed")

// ReceiptStore persists processed-event receipts.
type ReceiptStore interface {
	EventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordEvent(ctx context.Context, receipt *billing.EventReceipt) (bool, error)
}

// Locker grants short-lived exclusive processing rights for a key.
type Locker interface {
	// Acquire returns ok=false without error when the key is held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Deduper wraps event processing with a receipt check and an in-flight lock.
type Deduper struct {
	receipts ReceiptStore
	locker   Locker
	lockTTL  time.Duration
	now      func() time.Time
}

// New creates a Deduper. A nil locker uses an in-process MemoryLocker.
func New(receipts ReceiptStore, locker Locker) *Deduper {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Deduper{
		receipts: receipts,
		locker:   locker,
		lockTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Do runs fn unless the event was already processed. A receipt is recorded
// only after fn succeeds, so a failed attempt is retried in full on the
// next delivery. already reports a duplicate of a processed event.
func (d *Deduper) Do(ctx context.Context, eventID, eventType string, fn func(context.Context) error) (already bool, err error) {
	if d == nil {
		return false, errors.New("deduper is nil")
	}
	if strings.TrimSpace(eventID) == "" {
		return false, errors.New("event id is required")
	}
	if fn == nil {
		return false, errors.New("handler is required")
	}

	defer func() {
		switch {
		case already:
			metrics.DedupeTotal.WithLabelValues("duplicate").Inc()
		case errors.Is(err, ErrInFlight):
			metrics.DedupeTotal.WithLabelValues("in_flight").Inc()
		case err != nil:
			metrics.DedupeTotal.WithLabelValues("failed").Inc()
		default:
			metrics.DedupeTotal.WithLabelValues("processed").Inc()
		}
	}()

	done, err := d.receipts.EventProcessed(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("check event receipt: %w", err)
	}
	if done {
		return true, nil
	}

	release, acquired, err := d.locker.Acquire(ctx, lockKey(eventID), d.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire event lock: %w", err)
	}
	if !acquired {
		// The holder may have finished between the two checks.
		if done, err := d.receipts.EventProcessed(ctx, eventID); err == nil && done {
			return true, nil
		}
		return false, ErrInFlight
	}
	defer release()

	// Re-check under the lock: a previous holder may have recorded the
	// receipt after our first check.
	done, err = d.receipts.EventProcessed(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("check event receipt: %w", err)
	}
	if done {
		return true, nil
	}

	if err := fn(ctx); err != nil {
		return false, err
	}

	// An existing receipt here means a holder whose lock expired finished
	// first; the insert is skipped either way.
	if _, err := d.receipts.RecordEvent(ctx, &billing.EventReceipt{
		ID:          ulid.Make().String(),
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: d.now().UTC(),
	}); err != nil {
		return false, fmt.Errorf("record event receipt: %w", err)
	}
	return false, nil
}

func lockKey(eventID string) string {
	return "billing:event-lock:" + eventID
}
