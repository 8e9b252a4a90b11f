package stripe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripelib "github.com/stripe/stripe-go/v82"
)

func TestCreateCustomerTagsOrganization(t *testing.T) {
	c := NewClient("sk_test_123", 0)
	var got *stripelib.CustomerParams
	c.createCustomer = func(params *stripelib.CustomerParams) (*stripelib.Customer, error) {
		got = params
		return &stripelib.Customer{ID: "cus_abc123"}, nil
	}

	id, err := c.CreateCustomer(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_abc123", id)
	require.NotNil(t, got)
	assert.Equal(t, "org_1", got.Metadata["organizationId"])
	require.NotNil(t, got.IdempotencyKey)
	assert.Equal(t, "billing-customer-org_1", *got.IdempotencyKey)
}

func TestCreateCustomerErrors(t *testing.T) {
	c := NewClient("sk_test_123", 0)
	c.createCustomer = func(*stripelib.CustomerParams) (*stripelib.Customer, error) {
		return nil, errors.New("api down")
	}
	_, err := c.CreateCustomer(context.Background(), "org_1")
	assert.ErrorContains(t, err, "api down")

	c.createCustomer = func(*stripelib.CustomerParams) (*stripelib.Customer, error) {
		return &stripelib.Customer{}, nil
	}
	_, err = c.CreateCustomer(context.Background(), "org_1")
	assert.Error(t, err)
}

func TestAttachAndTypePaymentMethod(t *testing.T) {
	c := NewClient("sk_test_123", 0)
	var attachedTo string
	c.attachPaymentMethod = func(id string, params *stripelib.PaymentMethodAttachParams) (*stripelib.PaymentMethod, error) {
		attachedTo = id + "->" + *params.Customer
		return &stripelib.PaymentMethod{ID: id}, nil
	}
	c.getPaymentMethod = func(id string, _ *stripelib.PaymentMethodParams) (*stripelib.PaymentMethod, error) {
		return &stripelib.PaymentMethod{ID: id, Type: stripelib.PaymentMethodTypeCard}, nil
	}

	require.NoError(t, c.AttachPaymentMethod(context.Background(), "pm_card_1", "cus_abc123"))
	assert.Equal(t, "pm_card_1->cus_abc123", attachedTo)

	typ, err := c.PaymentMethodType(context.Background(), "pm_card_1")
	require.NoError(t, err)
	assert.Equal(t, "card", typ)

	assert.Error(t, c.AttachPaymentMethod(context.Background(), "pm/../x", "cus_abc123"))
}

func TestSubscriptionMetadataCachesAndCoalesces(t *testing.T) {
	c := NewClient("sk_test_123", time.Minute)
	var calls atomic.Int32
	gate := make(chan struct{})
	c.getSubscription = func(id string, _ *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		calls.Add(1)
		<-gate
		return &stripelib.Subscription{ID: id, Metadata: map[string]string{"organizationId": "org_1"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			md, err := c.SubscriptionMetadata(context.Background(), "sub_123")
			assert.NoError(t, err)
			assert.Equal(t, "org_1", md.OrganizationID())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	md, err := c.SubscriptionMetadata(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.Equal(t, "org_1", md.OrganizationID())
	assert.LessOrEqual(t, calls.Load(), int32(5))
	before := calls.Load()

	_, err = c.SubscriptionMetadata(context.Background(), "sub_123")
	require.NoError(t, err)
	assert.Equal(t, before, calls.Load(), "cached lookup must not call the API")
}

func TestSubscriptionMetadataErrorNotCached(t *testing.T) {
	c := NewClient("sk_test_123", time.Minute)
	fail := true
	c.getSubscription = func(id string, _ *stripelib.SubscriptionParams) (*stripelib.Subscription, error) {
		if fail {
			return nil, errors.New("rate limited")
		}
		return &stripelib.Subscription{ID: id, Metadata: map[string]string{"organizationId": "org_2"}}, nil
	}

	_, err := c.SubscriptionMetadata(context.Background(), "sub_456")
	require.Error(t, err)

	fail = false
	md, err := c.SubscriptionMetadata(context.Background(), "sub_456")
	require.NoError(t, err)
	assert.Equal(t, "org_2", md.OrganizationID())
}

func TestIsSafeStripeID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"cus_123", true},
		{"sub_1AbC-x", true},
		{"pm_1", false},
		{"", false},
		{"cus_../etc", false},
		{"cus 123", false},
	}
	for _, tt := range tests {
		if got := IsSafeStripeID(tt.id); got != tt.want {
			t.Errorf("IsSafeStripeID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
