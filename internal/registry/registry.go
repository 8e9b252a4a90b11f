// Package registry is the SQLite-backed billing entity store.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/billing-reconciler/internal/billing"
)

// BillingRegistry stores organizations, ledger transactions, payment methods
// and processed-event receipts in a single SQLite database.
type BillingRegistry struct {
	db *sql.DB
}

// NewBillingRegistry opens (or creates) the billing database in dir.
func NewBillingRegistry(dir string) (*BillingRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &BillingRegistry{db: db}
	if err := r.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Migrate creates any missing tables and indexes. It is idempotent.
func (r *BillingRegistry) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS organizations (
		id                     TEXT PRIMARY KEY,
		name                   TEXT NOT NULL DEFAULT '',
		plan                   TEXT NOT NULL DEFAULT 'free',
		credits                TEXT NOT NULL DEFAULT '0',
		stripe_customer_id     TEXT,
		stripe_subscription_id TEXT,
		plan_expires_at        INTEGER,
		subscription_cancelled INTEGER NOT NULL DEFAULT 0,
		trial_active           INTEGER NOT NULL DEFAULT 0,
		trial_start_at         INTEGER,
		trial_end_at           INTEGER,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_organizations_stripe_customer_id
		ON organizations(stripe_customer_id) WHERE stripe_customer_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS transactions (
		id                       TEXT PRIMARY KEY,
		organization_id          TEXT NOT NULL REFERENCES organizations(id),
		type                     TEXT NOT NULL,
		amount                   TEXT,
		credit_amount            TEXT,
		currency                 TEXT NOT NULL DEFAULT 'USD',
		status                   TEXT NOT NULL,
		stripe_payment_intent_id TEXT NOT NULL DEFAULT '',
		stripe_invoice_id        TEXT NOT NULL DEFAULT '',
		description              TEXT NOT NULL DEFAULT '',
		created_at               INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_org ON transactions(organization_id, created_at);

	CREATE TABLE IF NOT EXISTS payment_methods (
		id                       TEXT PRIMARY KEY,
		organization_id          TEXT NOT NULL REFERENCES organizations(id),
		stripe_payment_method_id TEXT NOT NULL,
		type                     TEXT NOT NULL DEFAULT '',
		is_default               INTEGER NOT NULL DEFAULT 0,
		created_at               INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_methods_org_external
		ON payment_methods(organization_id, stripe_payment_method_id);

	CREATE TABLE IF NOT EXISTS event_receipts (
		id           TEXT PRIMARY KEY,
		event_id     TEXT NOT NULL UNIQUE,
		event_type   TEXT NOT NULL DEFAULT '',
		processed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_event_receipts_processed_at ON event_receipts(processed_at);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init billing registry schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *BillingRegistry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (r *BillingRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const organizationColumns = `id, name, plan, credits, stripe_customer_id, stripe_subscription_id,
	plan_expires_at, subscription_cancelled, trial_active, trial_start_at, trial_end_at,
	created_at, updated_at`

// CreateOrganization inserts a new organization record.
func (r *BillingRegistry) CreateOrganization(ctx context.Context, org *billing.Organization) error {
	if org == nil {
		return fmt.Errorf("organization is nil")
	}
	now := time.Now().UTC()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = now
	}
	org.UpdatedAt = now
	if org.Plan == "" {
		org.Plan = billing.PlanFree
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO organizations (`+organizationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		org.ID, org.Name, string(org.Plan), org.Credits.String(),
		nullableString(org.StripeCustomerID), nullableString(org.StripeSubscriptionID),
		nullableTimeUnix(org.PlanExpiresAt), boolToInt(org.SubscriptionCancelled),
		boolToInt(org.TrialActive), nullableTimeUnix(org.TrialStartAt), nullableTimeUnix(org.TrialEndAt),
		org.CreatedAt.Unix(), org.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

// GetOrganization retrieves an organization by ID. It returns nil, nil when
// no such organization exists.
func (r *BillingRegistry) GetOrganization(ctx context.Context, id string) (*billing.Organization, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = ?`, id)
	return scanOrganization(row)
}

// GetOrganizationByCustomerID retrieves an organization by Stripe customer ID.
func (r *BillingRegistry) GetOrganizationByCustomerID(ctx context.Context, customerID string) (*billing.Organization, error) {
	if customerID == "" {
		return nil, nil
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE stripe_customer_id = ?`, customerID)
	return scanOrganization(row)
}

// SetOrganizationCustomerID persists the Stripe customer mapping.
func (r *BillingRegistry) SetOrganizationCustomerID(ctx context.Context, orgID, customerID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE organizations SET stripe_customer_id = ?, updated_at = ? WHERE id = ?`,
		customerID, time.Now().UTC().Unix(), orgID)
	if err != nil {
		return fmt.Errorf("set organization customer id: %w", err)
	}
	return requireAffected(res, "organization", orgID)
}

// UpdateOrganization applies a partial update and returns the number of rows
// affected (0 when the organization does not exist).
func (r *BillingRegistry) UpdateOrganization(ctx context.Context, orgID string, update billing.OrganizationUpdate) (int64, error) {
	if update.IsEmpty() {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin organization update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	org, err := scanOrganization(tx.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organizations WHERE id = ?`, orgID))
	if err != nil {
		return 0, err
	}
	if org == nil {
		return 0, nil
	}
	update.Apply(org)
	org.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `UPDATE organizations SET
		plan = ?, stripe_subscription_id = ?, plan_expires_at = ?, subscription_cancelled = ?,
		trial_active = ?, trial_start_at = ?, trial_end_at = ?, updated_at = ?
		WHERE id = ?`,
		string(org.Plan), nullableString(org.StripeSubscriptionID), nullableTimeUnix(org.PlanExpiresAt),
		boolToInt(org.SubscriptionCancelled), boolToInt(org.TrialActive),
		nullableTimeUnix(org.TrialStartAt), nullableTimeUnix(org.TrialEndAt),
		org.UpdatedAt.Unix(), orgID,
	)
	if err != nil {
		return 0, fmt.Errorf("update organization: %w", err)
	}
	affected, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit organization update: %w", err)
	}
	return affected, nil
}

// AddOrganizationCredits increments the organization's credit balance.
func (r *BillingRegistry) AddOrganizationCredits(ctx context.Context, orgID string, amount decimal.Decimal) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin credit update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := addCredits(ctx, tx, orgID, amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credit update: %w", err)
	}
	return nil
}

// addCredits must run inside a transaction. Credits are stored as exact
// decimal text, so the sum is computed here rather than with SQLite's
// floating point arithmetic.
func addCredits(ctx context.Context, tx *sql.Tx, orgID string, amount decimal.Decimal) error {
	var current decimal.Decimal
	err := tx.QueryRowContext(ctx, `SELECT credits FROM organizations WHERE id = ?`, orgID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("organization %s: %w", orgID, billing.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read organization credits: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE organizations SET credits = ?, updated_at = ? WHERE id = ?`,
		current.Add(amount).String(), time.Now().UTC().Unix(), orgID); err != nil {
		return fmt.Errorf("update organization credits: %w", err)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrganization(s scanner) (*billing.Organization, error) {
	var org billing.Organization
	var plan string
	var customerID, subscriptionID sql.NullString
	var planExpires, trialStart, trialEnd sql.NullInt64
	var cancelled, trialActive int
	var createdAt, updatedAt int64

	err := s.Scan(
		&org.ID, &org.Name, &plan, &org.Credits, &customerID, &subscriptionID,
		&planExpires, &cancelled, &trialActive, &trialStart, &trialEnd,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan organization: %w", err)
	}

	org.Plan = billing.Plan(plan)
	org.StripeCustomerID = customerID.String
	org.StripeSubscriptionID = subscriptionID.String
	org.PlanExpiresAt = unixPtr(planExpires)
	org.SubscriptionCancelled = cancelled != 0
	org.TrialActive = trialActive != 0
	org.TrialStartAt = unixPtr(trialStart)
	org.TrialEndAt = unixPtr(trialEnd)
	org.CreatedAt = time.Unix(createdAt, 0).UTC()
	org.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &org, nil
}

func requireAffected(res sql.Result, kind, id string) error {
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, billing.ErrNotFound)
	}
	return nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
