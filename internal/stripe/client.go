package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/subscription"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/billing-reconciler/internal/reconcile"
)

const subscriptionCacheSize = 1024

// Client implements reconcile.Provider against the Stripe API.
type Client struct {
	createCustomer      func(params *stripelib.CustomerParams) (*stripelib.Customer, error)
	attachPaymentMethod func(id string, params *stripelib.PaymentMethodAttachParams) (*stripelib.PaymentMethod, error)
	getPaymentMethod    func(id string, params *stripelib.PaymentMethodParams) (*stripelib.PaymentMethod, error)
	getSubscription     func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)

	subscriptions *expirable.LRU[string, reconcile.Metadata]
	group         singleflight.Group
}

var _ reconcile.Provider = (*Client)(nil)

// NewClient configures the Stripe API key and returns a provider client.
// Subscription metadata lookups are cached for cacheTTL; zero disables caching.
func NewClient(apiKey string, cacheTTL time.Duration) *Client {
	stripelib.Key = strings.TrimSpace(apiKey)

	c := &Client{
		createCustomer:      customer.New,
		attachPaymentMethod: paymentmethod.Attach,
		getPaymentMethod:    paymentmethod.Get,
		getSubscription:     subscription.Get,
	}
	if cacheTTL > 0 {
		c.subscriptions = expirable.NewLRU[string, reconcile.Metadata](subscriptionCacheSize, nil, cacheTTL)
	}
	return c
}

// CreateCustomer creates a Stripe customer tagged with the organization ID.
// The idempotency key keeps retried deliveries from creating a second customer.
func (c *Client) CreateCustomer(ctx context.Context, orgID string) (string, error) {
	params := &stripelib.CustomerParams{}
	params.Context = ctx
	params.AddMetadata("organizationId", orgID)
	params.SetIdempotencyKey("billing-customer-" + orgID)

	cus, err := c.createCustomer(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	if cus == nil || strings.TrimSpace(cus.ID) == "" {
		return "", errors.New("create stripe customer: empty customer id")
	}
	return cus.ID, nil
}

// AttachPaymentMethod attaches a payment method to a customer.
func (c *Client) AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) error {
	if !IsSafeStripeID(paymentMethodID) || !IsSafeStripeID(customerID) {
		return fmt.Errorf("attach payment method: invalid id %q or %q", paymentMethodID, customerID)
	}
	params := &stripelib.PaymentMethodAttachParams{Customer: stripelib.String(customerID)}
	params.Context = ctx
	if _, err := c.attachPaymentMethod(paymentMethodID, params); err != nil {
		return fmt.Errorf("attach payment method %s: %w", paymentMethodID, err)
	}
	return nil
}

// PaymentMethodType returns the payment method's type (card, sepa_debit, ...).
func (c *Client) PaymentMethodType(ctx context.Context, paymentMethodID string) (string, error) {
	if !IsSafeStripeID(paymentMethodID) {
		return "", fmt.Errorf("retrieve payment method: invalid id %q", paymentMethodID)
	}
	params := &stripelib.PaymentMethodParams{}
	params.Context = ctx
	pm, err := c.getPaymentMethod(paymentMethodID, params)
	if err != nil {
		return "", fmt.Errorf("retrieve payment method %s: %w", paymentMethodID, err)
	}
	if pm == nil {
		return "", fmt.Errorf("retrieve payment method %s: empty response", paymentMethodID)
	}
	return string(pm.Type), nil
}

// SubscriptionMetadata returns the subscription's metadata. Concurrent
// lookups for the same subscription share one API call.
func (c *Client) SubscriptionMetadata(ctx context.Context, subscriptionID string) (reconcile.Metadata, error) {
	if !IsSafeStripeID(subscriptionID) {
		return nil, fmt.Errorf("retrieve subscription: invalid id %q", subscriptionID)
	}
	if c.subscriptions != nil {
		if md, ok := c.subscriptions.Get(subscriptionID); ok {
			return md, nil
		}
	}

	v, err, _ := c.group.Do(subscriptionID, func() (any, error) {
		params := &stripelib.SubscriptionParams{}
		params.Context = ctx
		sub, err := c.getSubscription(subscriptionID, params)
		if err != nil {
			return nil, fmt.Errorf("retrieve subscription %s: %w", subscriptionID, err)
		}
		if sub == nil {
			return nil, fmt.Errorf("retrieve subscription %s: empty response", subscriptionID)
		}
		md := reconcile.Metadata(sub.Metadata)
		if c.subscriptions != nil {
			c.subscriptions.Add(subscriptionID, md)
		}
		return md, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(reconcile.Metadata), nil
}
