// Package postgres is the PostgreSQL implementation of the billing store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/rcourtman/billing-reconciler/internal/billing"
)

// Store is a billing store on top of a PostgreSQL database.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an existing connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id                     TEXT PRIMARY KEY,
	name                   TEXT NOT NULL DEFAULT '',
	plan                   TEXT NOT NULL DEFAULT 'free',
	credits                NUMERIC(20, 4) NOT NULL DEFAULT 0,
	stripe_customer_id     TEXT UNIQUE,
	stripe_subscription_id TEXT,
	plan_expires_at        TIMESTAMPTZ,
	subscription_cancelled BOOLEAN NOT NULL DEFAULT FALSE,
	trial_active           BOOLEAN NOT NULL DEFAULT FALSE,
	trial_start_at         TIMESTAMPTZ,
	trial_end_at           TIMESTAMPTZ,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transactions (
	id                       TEXT PRIMARY KEY,
	organization_id          TEXT NOT NULL REFERENCES organizations(id),
	type                     TEXT NOT NULL,
	amount                   NUMERIC(20, 4),
	credit_amount            NUMERIC(20, 4),
	currency                 TEXT NOT NULL DEFAULT 'USD',
	status                   TEXT NOT NULL,
	stripe_payment_intent_id TEXT NOT NULL DEFAULT '',
	stripe_invoice_id        TEXT NOT NULL DEFAULT '',
	description              TEXT NOT NULL DEFAULT '',
	created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_transactions_org ON transactions(organization_id, created_at);

CREATE TABLE IF NOT EXISTS payment_methods (
	id                       TEXT PRIMARY KEY,
	organization_id          TEXT NOT NULL REFERENCES organizations(id),
	stripe_payment_method_id TEXT NOT NULL,
	type                     TEXT NOT NULL DEFAULT '',
	is_default               BOOLEAN NOT NULL DEFAULT FALSE,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (organization_id, stripe_payment_method_id)
);

CREATE TABLE IF NOT EXISTS event_receipts (
	id           TEXT PRIMARY KEY,
	event_id     TEXT NOT NULL UNIQUE,
	event_type   TEXT NOT NULL DEFAULT '',
	processed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_receipts_processed_at ON event_receipts(processed_at);
`

// Migrate creates any missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const organizationColumns = `id, name, plan, credits, stripe_customer_id, stripe_subscription_id,
	plan_expires_at, subscription_cancelled, trial_active, trial_start_at, trial_end_at,
	created_at, updated_at`

// CreateOrganization inserts a new organization.
func (s *Store) CreateOrganization(ctx context.Context, org *billing.Organization) error {
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

	_, err := s.db.ExecContext(ctx, `INSERT INTO organizations (`+organizationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		org.ID, org.Name, string(org.Plan), org.Credits,
		nullString(org.StripeCustomerID), nullString(org.StripeSubscriptionID),
		nullTime(org.PlanExpiresAt), org.SubscriptionCancelled, org.TrialActive,
		nullTime(org.TrialStartAt), nullTime(org.TrialEndAt),
		org.CreatedAt, org.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

// GetOrganization returns the organization or nil if absent.
func (s *Store) GetOrganization(ctx context.Context, id string) (*billing.Organization, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, id)
	return scanOrganization(row)
}

// GetOrganizationByCustomerID returns the organization mapped to the Stripe
// customer, or nil if none is.
func (s *Store) GetOrganizationByCustomerID(ctx context.Context, customerID string) (*billing.Organization, error) {
	if customerID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+organizationColumns+` FROM organizations WHERE stripe_customer_id = $1`, customerID)
	return scanOrganization(row)
}

// SetOrganizationCustomerID persists the Stripe customer mapping.
func (s *Store) SetOrganizationCustomerID(ctx context.Context, orgID, customerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET stripe_customer_id = $1, updated_at = NOW() WHERE id = $2`,
		customerID, orgID)
	if err != nil {
		return fmt.Errorf("set organization customer id: %w", err)
	}
	return requireAffected(res, "organization", orgID)
}

// UpdateOrganization applies a partial update as a single UPDATE statement
// and returns the number of rows affected.
func (s *Store) UpdateOrganization(ctx context.Context, orgID string, u billing.OrganizationUpdate) (int64, error) {
	if u.IsEmpty() {
		return 0, nil
	}

	var sets []string
	var args []any
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.Plan != nil {
		set("plan", string(*u.Plan))
	}
	switch {
	case u.ClearSubscriptionID:
		set("stripe_subscription_id", nil)
	case u.StripeSubscriptionID != nil:
		set("stripe_subscription_id", *u.StripeSubscriptionID)
	}
	switch {
	case u.ClearPlanExpiresAt:
		set("plan_expires_at", nil)
	case u.PlanExpiresAt != nil:
		set("plan_expires_at", u.PlanExpiresAt.UTC())
	}
	if u.SubscriptionCancelled != nil {
		set("subscription_cancelled", *u.SubscriptionCancelled)
	}
	if u.TrialActive != nil {
		set("trial_active", *u.TrialActive)
	}
	if u.TrialStartAt != nil {
		set("trial_start_at", u.TrialStartAt.UTC())
	}
	if u.TrialEndAt != nil {
		set("trial_end_at", u.TrialEndAt.UTC())
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, orgID)

	query := fmt.Sprintf("UPDATE organizations SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update organization: %w", err)
	}
	return res.RowsAffected()
}

// AddOrganizationCredits increments the credit balance in one statement.
func (s *Store) AddOrganizationCredits(ctx context.Context, orgID string, amount decimal.Decimal) error {
	return addCredits(ctx, s.db, orgID, amount)
}

func addCredits(ctx context.Context, db dbtx, orgID string, amount decimal.Decimal) error {
	res, err := db.ExecContext(ctx,
		`UPDATE organizations SET credits = credits + $1, updated_at = NOW() WHERE id = $2`,
		amount, orgID)
	if err != nil {
		return fmt.Errorf("add organization credits: %w", err)
	}
	return requireAffected(res, "organization", orgID)
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrganization(s scanner) (*billing.Organization, error) {
	var org billing.Organization
	var plan string
	var customerID, subscriptionID sql.NullString
	var planExpires, trialStart, trialEnd sql.NullTime

	err := s.Scan(
		&org.ID, &org.Name, &plan, &org.Credits, &customerID, &subscriptionID,
		&planExpires, &org.SubscriptionCancelled, &org.TrialActive, &trialStart, &trialEnd,
		&org.CreatedAt, &org.UpdatedAt,
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
	org.PlanExpiresAt = timePtr(planExpires)
	org.TrialStartAt = timePtr(trialStart)
	org.TrialEndAt = timePtr(trialEnd)
	org.CreatedAt = org.CreatedAt.UTC()
	org.UpdatedAt = org.UpdatedAt.UTC()
	return &org, nil
}

func requireAffected(res sql.Result, kind, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s rows affected: %w", kind, id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, billing.ErrNotFound)
	}
	return nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time.UTC()
	return &ts
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
