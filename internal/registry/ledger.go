package registry

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
func (r *BillingRegistry) InsertTransaction(ctx context.Context, t *billing.Transaction) error {
	return insertTransaction(ctx, r.db, t)
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrganizationID, string(t.Type), t.Amount, t.CreditAmount, t.Currency, string(t.Status),
		t.StripePaymentIntentID, t.StripeInvoiceID, t.Description, t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// SettleTransaction moves a pending transaction owned by orgID to a terminal
// status. The update is conditional on the row still being pending, so a
// redelivered event cannot settle the same transaction twice.
func (r *BillingRegistry) SettleTransaction(ctx context.Context, id, orgID string, s billing.Settlement) (billing.SettleResult, error) {
	return settleTransaction(ctx, r.db, id, orgID, s)
}

func settleTransaction(ctx context.Context, db dbtx, id, orgID string, s billing.Settlement) (billing.SettleResult, error) {
	if !s.Status.IsTerminal() {
		return "", fmt.Errorf("settle transaction %s: status %q is not terminal", id, s.Status)
	}

	res, err := db.ExecContext(ctx, `UPDATE transactions SET
		status = ?,
		description = CASE WHEN ? = '' THEN description ELSE ? END,
		amount = COALESCE(?, amount),
		credit_amount = COALESCE(?, credit_amount)
		WHERE id = ? AND organization_id = ? AND status = 'pending'`,
		string(s.Status), s.Description, s.Description, s.Amount, s.CreditAmount, id, orgID,
	)
	if err != nil {
		return "", fmt.Errorf("settle transaction: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return billing.SettleApplied, nil
	}

	var status string
	err = db.QueryRowContext(ctx,
		`SELECT status FROM transactions WHERE id = ? AND organization_id = ?`, id, orgID).Scan(&status)
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
func (r *BillingRegistry) ApplyTopUp(ctx context.Context, orgID string, tu billing.TopUp) (billing.TopUpResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
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

// GetTransaction retrieves a transaction by ID, or nil if absent.
func (r *BillingRegistry) GetTransaction(ctx context.Context, id string) (*billing.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

// ListTransactions returns an organization's ledger, oldest first.
func (r *BillingRegistry) ListTransactions(ctx context.Context, orgID string) ([]*billing.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+transactionColumns+`
		FROM transactions WHERE organization_id = ? ORDER BY created_at, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*billing.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransaction(s scanner) (*billing.Transaction, error) {
	var t billing.Transaction
	var txType, status string
	var createdAt int64

	err := s.Scan(
		&t.ID, &t.OrganizationID, &txType, &t.Amount, &t.CreditAmount, &t.Currency, &status,
		&t.StripePaymentIntentID, &t.StripeInvoiceID, &t.Description, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	t.Type = billing.TransactionType(txType)
	t.Status = billing.TransactionStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &t, nil
}

const paymentMethodColumns = `id, organization_id, stripe_payment_method_id, type, is_default, created_at`

// CountPaymentMethods returns how many payment methods the organization has.
func (r *BillingRegistry) CountPaymentMethods(ctx context.Context, orgID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payment_methods WHERE organization_id = ?`, orgID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count payment methods: %w", err)
	}
	return n, nil
}

// GetPaymentMethodByExternalID finds an organization's payment method by its
// Stripe ID, or nil if absent.
func (r *BillingRegistry) GetPaymentMethodByExternalID(ctx context.Context, orgID, externalID string) (*billing.PaymentMethod, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+paymentMethodColumns+`
		FROM payment_methods WHERE organization_id = ? AND stripe_payment_method_id = ?`, orgID, externalID)
	return scanPaymentMethod(row)
}

// InsertPaymentMethod stores a newly attached payment method.
func (r *BillingRegistry) InsertPaymentMethod(ctx context.Context, pm *billing.PaymentMethod) error {
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

	_, err := r.db.ExecContext(ctx, `INSERT INTO payment_methods (`+paymentMethodColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		pm.ID, pm.OrganizationID, pm.StripePaymentMethodID, pm.Type, boolToInt(pm.IsDefault), pm.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert payment method: %w", err)
	}
	return nil
}

// ListPaymentMethods returns an organization's payment methods, oldest first.
func (r *BillingRegistry) ListPaymentMethods(ctx context.Context, orgID string) ([]*billing.PaymentMethod, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+paymentMethodColumns+`
		FROM payment_methods WHERE organization_id = ? ORDER BY created_at, rowid`, orgID)
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
	var isDefault int
	var createdAt int64

	err := s.Scan(&pm.ID, &pm.OrganizationID, &pm.StripePaymentMethodID, &pm.Type, &isDefault, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment method: %w", err)
	}
	pm.IsDefault = isDefault != 0
	pm.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &pm, nil
}
