package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rcourtman/billing-reconciler/internal/billing"
)

const transactionColumns = `id, organization_id, type, amount, credit_amount, currency, status,
	stripe_payment_intent_id, stripe_invoice_id, description, created_at`

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InsertTransaction appends a ledger record.
func (s *Store) InsertTransaction(ctx context.Context, t *billing.Transaction) error {
	return insertTransaction(ctx, s.db, t)
}

func insertTransaction(ctx context.Context, db dbtx, t *billing.Transaction) error {
	if t == nil {
		return fmt.Errorf("transaction is nil")
	}
	if t.ID == "" {
		id, err := billing.NewTransactionID()
		if err != nil {
			return err
		}
		t.ID = id
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := db.ExecContext(ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.OrganizationID, string(t.Type), t.Amount, t.CreditAmount, t.Currency, string(t.Status),
		t.StripePaymentIntentID, t.StripeInvoiceID, t.Description, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// SettleTransaction moves a pending transaction to a terminal status. The
// RETURNING clause distinguishes an applied settlement from a row that was
// already terminal or does not belong to orgID.
func (s *Store) SettleTransaction(ctx context.Context, id, orgID string, st billing.Settlement) (billing.SettleResult, error) {
	return settleTransaction(ctx, s.db, id, orgID, st)
}

func settleTransaction(ctx context.Context, db dbtx, id, orgID string, st billing.Settlement) (billing.SettleResult, error) {
	if !st.Status.IsTerminal() {
		return "", fmt.Errorf("settle transaction %s: status %q is not terminal", id, st.Status)
	}

	var settledID string
	err := db.QueryRowContext(ctx, `UPDATE transactions SET
		status = $1,
		description = COALESCE(NULLIF($2, ''), description),
		amount = COALESCE($3, amount),
		credit_amount = COALESCE($4, credit_amount)
		WHERE id = $5 AND organization_id = $6 AND status = 'pending'
		RETURNING id`,
		string(st.Status), st.Description, st.Amount, st.CreditAmount, id, orgID,
	).Scan(&settledID)
	if err == nil {
		return billing.SettleApplied, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("settle transaction: %w", err)
	}

	var status string
	err = db.QueryRowContext(ctx,
		`SELECT status FROM transactions WHERE id = $1 AND organization_id = $2`, id, orgID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.SettleNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("read transaction status: %w", err)
	}
	return billing.SettleAlreadySettled, nil
}

// ApplyTopUp writes the ledger record for a top-up and grants its credits in
// one database transaction. A pending transaction that is already settled
// leaves both the ledger and the balance untouched.
func (s *Store) ApplyTopUp(ctx context.Context, orgID string, tu billing.TopUp) (billing.TopUpResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin top-up: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result := billing.TopUpAppended
	if tu.PendingID != "" {
		settled, err := settleTransaction(ctx, tx, tu.PendingID, orgID, tu.Settlement)
		if err != nil {
			return "", err
		}
		switch settled {
		case billing.SettleApplied:
			result = billing.TopUpSettled
		case billing.SettleAlreadySettled:
			return billing.TopUpAlreadySettled, nil
		default:
			result = billing.TopUpFallback
		}
	}

	if result != billing.TopUpSettled {
		if tu.Record == nil {
			return "", fmt.Errorf("top-up for organization %s has no ledger record", orgID)
		}
		if result == billing.TopUpFallback && tu.FallbackDescription != "" {
			tu.Record.Description = tu.FallbackDescription
		}
		if err := insertTransaction(ctx, tx, tu.Record); err != nil {
			return "", err
		}
	}

	if !tu.Credits.IsZero() {
		if err := addCredits(ctx, tx, orgID, tu.Credits); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit top-up: %w", err)
	}
	return result, nil
}

// ListTransactions returns an organization's ledger, oldest first.
func (s *Store) ListTransactions(ctx context.Context, orgID string) ([]*billing.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+`
		FROM transactions WHERE organization_id = $1 ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*billing.Transaction
	for rows.Next() {
		var t billing.Transaction
		var txType, status string
		if err := rows.Scan(
			&t.ID, &t.OrganizationID, &txType, &t.Amount, &t.CreditAmount, &t.Currency, &status,
			&t.StripePaymentIntentID, &t.StripeInvoiceID, &t.Description, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Type = billing.TransactionType(txType)
		t.Status = billing.TransactionStatus(status)
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, &t)
	}
	return out, rows.Err()
}

const paymentMethodColumns = `id, organization_id, stripe_payment_method_id, type, is_default, created_at`

// CountPaymentMethods returns how many payment methods the organization has.
func (s *Store) CountPaymentMethods(ctx context.Context, orgID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payment_methods WHERE organization_id = $1`, orgID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count payment methods: %w", err)
	}
	return n, nil
}

// GetPaymentMethodByExternalID returns the organization's payment method with
// the given Stripe ID, or nil if absent.
func (s *Store) GetPaymentMethodByExternalID(ctx context.Context, orgID, externalID string) (*billing.PaymentMethod, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentMethodColumns+`
		FROM payment_methods WHERE organization_id = $1 AND stripe_payment_method_id = $2`, orgID, externalID)
	return scanPaymentMethod(row)
}

// InsertPaymentMethod stores a newly attached payment method.
func (s *Store) InsertPaymentMethod(ctx context.Context, pm *billing.PaymentMethod) error {
	if pm == nil {
		return fmt.Errorf("payment method is nil")
	}
	if pm.ID == "" {
		id, err := billing.NewPaymentMethodID()
		if err != nil {
			return err
		}
		pm.ID = id
	}
	if pm.CreatedAt.IsZero() {
		pm.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO payment_methods (`+paymentMethodColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		pm.ID, pm.OrganizationID, pm.StripePaymentMethodID, pm.Type, pm.IsDefault, pm.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payment method: %w", err)
	}
	return nil
}

// ListPaymentMethods returns an organization's payment methods, oldest first.
func (s *Store) ListPaymentMethods(ctx context.Context, orgID string) ([]*billing.PaymentMethod, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+paymentMethodColumns+`
		FROM payment_methods WHERE organization_id = $1 ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list payment methods: %w", err)
	}
	defer rows.Close()

	var out []*billing.PaymentMethod
	for rows.Next() {
		pm, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

func scanPaymentMethod(s scanner) (*billing.PaymentMethod, error) {
	var pm billing.PaymentMethod
	err := s.Scan(&pm.ID, &pm.OrganizationID, &pm.StripePaymentMethodID, &pm.Type, &pm.IsDefault, &pm.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment method: %w", err)
	}
	pm.CreatedAt = pm.CreatedAt.UTC()
	return &pm, nil
}

// EventProcessed reports whether a receipt exists for the event ID.
func (s *Store) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM event_receipts WHERE event_id = $1)`, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check event receipt: %w", err)
	}
	return exists, nil
}

// RecordEvent inserts a receipt unless one already exists for the event ID.
func (s *Store) RecordEvent(ctx context.Context, r *billing.EventReceipt) (bool, error) {
	if r == nil || r.EventID == "" {
		return false, fmt.Errorf("event receipt requires an event id")
	}
	if r.ProcessedAt.IsZero() {
		r.ProcessedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO event_receipts (id, event_id, event_type, processed_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT (event_id) DO NOTHING`,
		r.ID, r.EventID, r.EventType, r.ProcessedAt)
	if err != nil {
		return false, fmt.Errorf("record event receipt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record event receipt rows affected: %w", err)
	}
	return affected > 0, nil
}

// PruneEvents deletes receipts processed before olderThan.
func (s *Store) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_receipts WHERE processed_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune event receipts: %w", err)
	}
	return res.RowsAffected()
}
