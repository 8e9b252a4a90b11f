package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Provider event types that have a handler. Any other type is ignored.
const (
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
	EventPaymentIntentFailed      = "payment_intent.payment_failed"
	EventSetupIntentSucceeded     = "setup_intent.succeeded"
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventSubscriptionTrialWillEnd = "customer.subscription.trial_will_end"
)

// Event is an authenticated provider notification with its decoded payload.
type Event struct {
	ID      string
	Type    string
	Payload Payload
}

// Payload is the closed set of event payloads. The concrete type is fixed by
// the event type; Unknown covers every type without a handler.
type Payload interface {
	isPayload()
}

type (
	PaymentIntentSucceeded   struct{ PaymentIntent }
	PaymentIntentFailed      struct{ PaymentIntent }
	SetupIntentSucceeded     struct{ SetupIntent }
	CheckoutSessionCompleted struct{ CheckoutSession }
	InvoicePaymentSucceeded  struct{ Invoice }
	SubscriptionCreated      struct{ Subscription }
	SubscriptionUpdated      struct{ Subscription }
	SubscriptionDeleted      struct{ Subscription }
	SubscriptionTrialWillEnd struct{ Subscription }

	// Unknown carries the raw object of an event type with no handler.
	Unknown struct{ Raw json.RawMessage }
)

func (PaymentIntentSucceeded) isPayload()   {}
func (PaymentIntentFailed) isPayload()      {}
func (SetupIntentSucceeded) isPayload()     {}
func (CheckoutSessionCompleted) isPayload() {}
func (InvoicePaymentSucceeded) isPayload()  {}
func (SubscriptionCreated) isPayload()      {}
func (SubscriptionUpdated) isPayload()      {}
func (SubscriptionDeleted) isPayload()      {}
func (SubscriptionTrialWillEnd) isPayload() {}
func (Unknown) isPayload()                  {}

// ParseEvent decodes the data object of a provider event into the payload
// type registered for eventType.
func ParseEvent(id, eventType string, object json.RawMessage) (Event, error) {
	ev := Event{ID: id, Type: eventType}

	var err error
	switch eventType {
	case EventPaymentIntentSucceeded:
		var p PaymentIntentSucceeded
		err = json.Unmarshal(object, &p.PaymentIntent)
		ev.Payload = p
	case EventPaymentIntentFailed:
		var p PaymentIntentFailed
		err = json.Unmarshal(object, &p.PaymentIntent)
		ev.Payload = p
	case EventSetupIntentSucceeded:
		var p SetupIntentSucceeded
		err = json.Unmarshal(object, &p.SetupIntent)
		ev.Payload = p
	case EventCheckoutSessionCompleted:
		var p CheckoutSessionCompleted
		err = json.Unmarshal(object, &p.CheckoutSession)
		ev.Payload = p
	case EventInvoicePaymentSucceeded:
		var p InvoicePaymentSucceeded
		err = json.Unmarshal(object, &p.Invoice)
		ev.Payload = p
	case EventSubscriptionCreated:
		var p SubscriptionCreated
		err = json.Unmarshal(object, &p.Subscription)
		ev.Payload = p
	case EventSubscriptionUpdated:
		var p SubscriptionUpdated
		err = json.Unmarshal(object, &p.Subscription)
		ev.Payload = p
	case EventSubscriptionDeleted:
		var p SubscriptionDeleted
		err = json.Unmarshal(object, &p.Subscription)
		ev.Payload = p
	case EventSubscriptionTrialWillEnd:
		var p SubscriptionTrialWillEnd
		err = json.Unmarshal(object, &p.Subscription)
		ev.Payload = p
	default:
		ev.Payload = Unknown{Raw: object}
	}
	if err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return ev, nil
}

// Ref is a reference to another provider object. The provider sends either
// the bare ID or the expanded object; both decode to the ID.
type Ref string

func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Ref(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("decode object reference: %w", err)
	}
	*r = Ref(obj.ID)
	return nil
}

func (r Ref) String() string { return string(r) }

// Metadata is the provider's string key/value metadata.
type Metadata map[string]string

const (
	metadataOrganizationID = "organizationId"
	metadataTransactionID  = "transactionId"
	metadataBaseAmount     = "baseAmount"
)

// OrganizationID returns the organization identifier carried in metadata.
func (m Metadata) OrganizationID() string { return strings.TrimSpace(m[metadataOrganizationID]) }

// TransactionID returns the pending transaction identifier carried in metadata.
func (m Metadata) TransactionID() string { return strings.TrimSpace(m[metadataTransactionID]) }

// BaseAmount parses the credit amount net of fees. ok is false when the
// value is absent, unparseable, or not positive.
func (m Metadata) BaseAmount() (amount decimal.Decimal, ok bool) {
	raw := strings.TrimSpace(m[metadataBaseAmount])
	if raw == "" {
		return decimal.Zero, false
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, false
	}
	return amount, true
}

// PaymentIntent is the subset of a payment intent used for credit top-ups.
type PaymentIntent struct {
	ID               string        `json:"id"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	Customer         Ref           `json:"customer"`
	Metadata         Metadata      `json:"metadata"`
	LastPaymentError *PaymentError `json:"last_payment_error"`
}

// PaymentError is the provider's last payment error.
type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FailureMessage returns the last payment error message or "Unknown error".
func (p PaymentIntent) FailureMessage() string {
	if p.LastPaymentError != nil && p.LastPaymentError.Message != "" {
		return p.LastPaymentError.Message
	}
	return "Unknown error"
}

// SetupIntent is the subset of a setup intent used to store payment methods.
type SetupIntent struct {
	ID            string   `json:"id"`
	Customer      Ref      `json:"customer"`
	PaymentMethod Ref      `json:"payment_method"`
	Metadata      Metadata `json:"metadata"`
}

// CheckoutSession is the subset of a completed checkout session.
type CheckoutSession struct {
	ID           string   `json:"id"`
	Mode         string   `json:"mode"`
	AmountTotal  int64    `json:"amount_total"`
	Currency     string   `json:"currency"`
	Customer     Ref      `json:"customer"`
	Subscription Ref      `json:"subscription"`
	Invoice      Ref      `json:"invoice"`
	Metadata     Metadata `json:"metadata"`
}

// Invoice is the subset of a paid invoice.
type Invoice struct {
	ID            string         `json:"id"`
	AmountPaid    int64          `json:"amount_paid"`
	Currency      string         `json:"currency"`
	Customer      Ref            `json:"customer"`
	Subscription  Ref            `json:"subscription"`
	PaymentIntent Ref            `json:"payment_intent"`
	Metadata      Metadata       `json:"metadata"`
	Parent        *InvoiceParent `json:"parent"`
	Lines         struct {
		Data []LineItem `json:"data"`
	} `json:"lines"`
}

// InvoiceParent links an invoice to the subscription that produced it.
type InvoiceParent struct {
	SubscriptionDetails *struct {
		Subscription Ref `json:"subscription"`
	} `json:"subscription_details"`
}

// LineItem is an invoice line.
type LineItem struct {
	ID       string          `json:"id"`
	Metadata Metadata        `json:"metadata"`
	Parent   *LineItemParent `json:"parent"`
}

// LineItemParent links an invoice line to its subscription item.
type LineItemParent struct {
	SubscriptionItemDetails *struct {
		Subscription Ref `json:"subscription"`
	} `json:"subscription_item_details"`
}

// SubscriptionID returns the subscription that produced the invoice: the
// top-level field, then the parent details, then the first line item.
func (inv Invoice) SubscriptionID() string {
	if inv.Subscription != "" {
		return inv.Subscription.String()
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != "" {
		return inv.Parent.SubscriptionDetails.Subscription.String()
	}
	if len(inv.Lines.Data) > 0 {
		first := inv.Lines.Data[0]
		if first.Parent != nil && first.Parent.SubscriptionItemDetails != nil {
			return first.Parent.SubscriptionItemDetails.Subscription.String()
		}
	}
	return ""
}

// Subscription is the subset of a subscription object.
type Subscription struct {
	ID                string   `json:"id"`
	Status            string   `json:"status"`
	Customer          Ref      `json:"customer"`
	Metadata          Metadata `json:"metadata"`
	CancelAtPeriodEnd bool     `json:"cancel_at_period_end"`
	TrialStart        int64    `json:"trial_start"`
	TrialEnd          int64    `json:"trial_end"`
	LatestInvoice     Ref      `json:"latest_invoice"`
	Items             struct {
		Data []SubscriptionItem `json:"data"`
	} `json:"items"`
}

// SubscriptionItem is a priced item of a subscription.
type SubscriptionItem struct {
	ID               string `json:"id"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

// CurrentPeriodEnd returns the first item's period end, or nil if unknown.
func (s Subscription) CurrentPeriodEnd() *time.Time {
	if len(s.Items.Data) == 0 || s.Items.Data[0].CurrentPeriodEnd == 0 {
		return nil
	}
	ts := time.Unix(s.Items.Data[0].CurrentPeriodEnd, 0).UTC()
	return &ts
}

// Trial returns the trial window when both bounds are present.
func (s Subscription) Trial() (start, end time.Time, ok bool) {
	if s.TrialStart == 0 || s.TrialEnd == 0 {
		return time.Time{}, time.Time{}, false
	}
	return time.Unix(s.TrialStart, 0).UTC(), time.Unix(s.TrialEnd, 0).UTC(), true
}

// fromMinorUnits converts an amount in cents to currency units.
func fromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

// normalizeCurrency upper-cases an ISO currency code, defaulting to USD.
func normalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return "USD"
	}
	return c
}
