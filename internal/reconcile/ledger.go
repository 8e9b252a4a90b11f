package reconcile

import (
	"context"
	"fmt"

	"github.com/rcourtman/billing-reconciler/internal/billing"
	"github.com/rcourtman/billing-reconciler/internal/metrics"
)

// LedgerWriter appends transactions and settles pending ones.
type LedgerWriter struct {
	store Store
}

// NewLedgerWriter creates a LedgerWriter.
func NewLedgerWriter(store Store) *LedgerWriter {
	return &LedgerWriter{store: store}
}

// Append writes a new transaction. Status defaults to completed and currency
// to USD.
func (w *LedgerWriter) Append(ctx context.Context, t *billing.Transaction) error {
	if t.Status == "" {
		t.Status = billing.TransactionCompleted
	}
	t.Currency = normalizeCurrency(t.Currency)
	if err := w.store.InsertTransaction(ctx, t); err != nil {
		return fmt.Errorf("append %s transaction: %w", t.Type, err)
	}
	return nil
}

// RecordTopUp settles the pending transaction when the event names one and
// otherwise appends tu.Record, granting tu.Credits in the same store
// transaction. When the credit grant fails nothing is written, so a retried
// delivery takes the same path again.
func (w *LedgerWriter) RecordTopUp(ctx context.Context, orgID string, tu billing.TopUp) (billing.TopUpResult, error) {
	if tu.Record != nil {
		if tu.Record.Status == "" {
			tu.Record.Status = billing.TransactionCompleted
		}
		tu.Record.Currency = normalizeCurrency(tu.Record.Currency)
	}

	result, err := w.store.ApplyTopUp(ctx, orgID, tu)
	if err != nil {
		if tu.PendingID != "" {
			return "", fmt.Errorf("settle transaction %s: %w", tu.PendingID, err)
		}
		return "", fmt.Errorf("append %s transaction: %w", billing.TransactionCreditTopUp, err)
	}
	if result.Effective() && !tu.Credits.IsZero() {
		metrics.CreditsGrantedTotal.Add(tu.Credits.InexactFloat64())
	}
	return result, nil
}
