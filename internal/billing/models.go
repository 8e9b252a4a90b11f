// Package billing defines the organization billing entities shared by the
// reconciler, the stores, and the HTTP surface.
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.jetify.com/typeid/v2"
)

// Plan is the billing tier of an organization.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Organization is the billed tenant.
type Organization struct {
	ID                    string          `json:"id"`
	Name                  string          `json:"name"`
	Plan                  Plan            `json:"plan"`
	Credits               decimal.Decimal `json:"credits"`
	StripeCustomerID      string          `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID  string          `json:"stripe_subscription_id,omitempty"`
	PlanExpiresAt         *time.Time      `json:"plan_expires_at,omitempty"`
	SubscriptionCancelled bool            `json:"subscription_cancelled"`
	TrialActive           bool            `json:"trial_active"`
	TrialStartAt          *time.Time      `json:"trial_start_at,omitempty"`
	TrialEndAt            *time.Time      `json:"trial_end_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// OrganizationUpdate is a partial update. Nil fields are left untouched; the
// Clear* flags null out the corresponding column.
type OrganizationUpdate struct {
	Plan                  *Plan
	StripeSubscriptionID  *string
	ClearSubscriptionID   bool
	PlanExpiresAt         *time.Time
	ClearPlanExpiresAt    bool
	SubscriptionCancelled *bool
	TrialActive           *bool
	TrialStartAt          *time.Time
	TrialEndAt            *time.Time
}

// IsEmpty reports whether the update would not change anything.
func (u OrganizationUpdate) IsEmpty() bool {
	return u.Plan == nil && u.StripeSubscriptionID == nil && !u.ClearSubscriptionID &&
		u.PlanExpiresAt == nil && !u.ClearPlanExpiresAt && u.SubscriptionCancelled == nil &&
		u.TrialActive == nil && u.TrialStartAt == nil && u.TrialEndAt == nil
}

// Apply copies the update onto org. Stores that keep whole rows (the SQLite
// registry) use this to share the field semantics with the SQL stores.
func (u OrganizationUpdate) Apply(org *Organization) {
	if org == nil {
		return
	}
	if u.Plan != nil {
		org.Plan = *u.Plan
	}
	if u.StripeSubscriptionID != nil {
		org.StripeSubscriptionID = *u.StripeSubscriptionID
	}
	if u.ClearSubscriptionID {
		org.StripeSubscriptionID = ""
	}
	if u.PlanExpiresAt != nil {
		ts := u.PlanExpiresAt.UTC()
		org.PlanExpiresAt = &ts
	}
	if u.ClearPlanExpiresAt {
		org.PlanExpiresAt = nil
	}
	if u.SubscriptionCancelled != nil {
		org.SubscriptionCancelled = *u.SubscriptionCancelled
	}
	if u.TrialActive != nil {
		org.TrialActive = *u.TrialActive
	}
	if u.TrialStartAt != nil {
		ts := u.TrialStartAt.UTC()
		org.TrialStartAt = &ts
	}
	if u.TrialEndAt != nil {
		ts := u.TrialEndAt.UTC()
		org.TrialEndAt = &ts
	}
}

// TransactionType classifies a ledger record.
type TransactionType string

const (
	TransactionCreditTopUp        TransactionType = "credit_topup"
	TransactionSubscriptionStart  TransactionType = "subscription_start"
	TransactionSubscriptionCancel TransactionType = "subscription_cancel"
	TransactionSubscriptionEnd    TransactionType = "subscription_end"
)

// TransactionStatus is the settlement state of a ledger record. A pending
// record moves to completed or failed exactly once.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionCompleted || s == TransactionFailed
}

// Transaction is an append-only ledger record.
type Transaction struct {
	ID                    string              `json:"id"`
	OrganizationID        string              `json:"organization_id"`
	Type                  TransactionType     `json:"type"`
	Amount                decimal.NullDecimal `json:"amount"`
	CreditAmount          decimal.NullDecimal `json:"credit_amount"`
	Currency              string              `json:"currency"`
	Status                TransactionStatus   `json:"status"`
	StripePaymentIntentID string              `json:"stripe_payment_intent_id,omitempty"`
	StripeInvoiceID       string              `json:"stripe_invoice_id,omitempty"`
	Description           string              `json:"description"`
	CreatedAt             time.Time           `json:"created_at"`
}

// Settlement carries the fields written when a pending transaction reaches a
// terminal status. Zero-valued optional fields keep the stored value.
type Settlement struct {
	Status       TransactionStatus
	Description  string
	Amount       decimal.NullDecimal
	CreditAmount decimal.NullDecimal
}

// SettleResult reports what a settlement attempt did.
type SettleResult string

const (
	SettleApplied        SettleResult = "applied"
	SettleAlreadySettled SettleResult = "already_settled"
	SettleNotFound       SettleResult = "not_found"
)

// TopUp is the ledger effect of a top-up payment outcome together with the
// credits it grants. Stores apply the ledger write and the credit increment
// in one transaction, or neither.
type TopUp struct {
	// PendingID is the pending transaction named by the event, if any.
	PendingID string
	// Settlement is applied to the pending transaction.
	Settlement Settlement
	// Record is inserted when PendingID is empty or names no transaction.
	Record *Transaction
	// FallbackDescription replaces Record.Description when PendingID names
	// no transaction.
	FallbackDescription string
	// Credits is added to the organization's balance. Zero adds nothing.
	Credits decimal.Decimal
}

// TopUpResult reports which ledger path a top-up took.
type TopUpResult string

const (
	TopUpAppended       TopUpResult = "appended"
	TopUpSettled        TopUpResult = "settled"
	TopUpFallback       TopUpResult = "fallback"
	TopUpAlreadySettled TopUpResult = "already_settled"
)

// Effective reports whether the top-up wrote anything. An already settled
// transaction means the event was applied before.
func (r TopUpResult) Effective() bool {
	return r != TopUpAlreadySettled
}

// PaymentMethod is a payment method attached to the organization's customer.
type PaymentMethod struct {
	ID                    string    `json:"id"`
	OrganizationID        string    `json:"organization_id"`
	StripePaymentMethodID string    `json:"stripe_payment_method_id"`
	Type                  string    `json:"type"`
	IsDefault             bool      `json:"is_default"`
	CreatedAt             time.Time `json:"created_at"`
}

// EventReceipt marks a provider event as fully processed.
type EventReceipt struct {
	ID          string    `json:"id"`
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

const (
	transactionIDPrefix   = "txn"
	paymentMethodIDPrefix = "pmr"
)

// NewTransactionID returns a K-sortable transaction ID of the form "txn_...".
func NewTransactionID() (string, error) {
	return newTypeID(transactionIDPrefix)
}

// NewPaymentMethodID returns a payment method record ID of the form "pmr_...".
func NewPaymentMethodID() (string, error) {
	return newTypeID(paymentMethodIDPrefix)
}

func newTypeID(prefix string) (string, error) {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		return "", fmt.Errorf("generate %s id: %w", prefix, err)
	}
	return tid.String(), nil
}
