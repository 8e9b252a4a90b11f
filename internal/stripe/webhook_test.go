package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/rcourtman/billing-reconciler/internal/billing"
	"github.com/rcourtman/billing-reconciler/internal/dedupe"
	"github.com/rcourtman/billing-reconciler/internal/reconcile"
	"github.com/rcourtman/billing-reconciler/internal/registry"
)

const testSecret = "whsec_test_secret"

type stubProvider struct{}

func (stubProvider) CreateCustomer(context.Context, string) (string, error) {
	return "", errors.New("not supported")
}
func (stubProvider) AttachPaymentMethod(context.Context, string, string) error { return nil }
func (stubProvider) PaymentMethodType(context.Context, string) (string, error) { return "card", nil }
func (stubProvider) SubscriptionMetadata(context.Context, string) (reconcile.Metadata, error) {
	return nil, errors.New("not supported")
}

func newTestRegistry(t *testing.T) *registry.BillingRegistry {
	t.Helper()
	reg, err := registry.NewBillingRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewBillingRegistry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func newTestHandler(t *testing.T) (*WebhookHandler, *registry.BillingRegistry) {
	t.Helper()
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateOrganization(context.Background(), &billing.Organization{ID: "org_1", Name: "Acme"}))
	dispatcher := reconcile.NewDispatcher(reg, stubProvider{}, nil)
	return NewWebhookHandler(testSecret, dispatcher, dedupe.New(reg, nil)), reg
}

func signedWebhookRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body=%q", rec.Body.String())
	return body
}

const subscriptionCreatedEvent = `{"id":"evt_sub_created_1","object":"event","type":"customer.subscription.created","data":{"object":{"id":"sub_123","customer":"cus_123","status":"active","metadata":{"organizationId":"org_1"}}}}`

func TestWebhookAppliesEventOnce(t *testing.T) {
	handler, reg := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testSecret, subscriptionCreatedEvent))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"received": true}, decodeBody(t, rec))

	org, err := reg.GetOrganization(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, billing.PlanPro, org.Plan)
	assert.Equal(t, "sub_123", org.StripeSubscriptionID)

	processed, err := reg.EventProcessed(context.Background(), "evt_sub_created_1")
	require.NoError(t, err)
	assert.True(t, processed)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testSecret, subscriptionCreatedEvent))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"received": true, "duplicate": true}, decodeBody(t, rec))
}

func TestWebhookHandlerErrorIsRetryable(t *testing.T) {
	handler, reg := newTestHandler(t)

	// No baseAmount in metadata: the top-up cannot be credited.
	event := `{"id":"evt_pi_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","amount":2000,"currency":"usd","metadata":{"organizationId":"org_1"}}}}`

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, signedWebhookRequest(t, testSecret, event))
		require.Equal(t, http.StatusBadRequest, rec.Code, "delivery %d", i+1)
		msg, _ := decodeBody(t, rec)["error"].(string)
		assert.True(t, strings.HasPrefix(msg, "Webhook error: "), msg)
		assert.Contains(t, msg, billing.ErrMissingBaseAmount.Error())
	}

	processed, err := reg.EventProcessed(context.Background(), "evt_pi_1")
	require.NoError(t, err)
	assert.False(t, processed, "failed events must not be recorded")

	txns, err := reg.ListTransactions(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestWebhookUnknownEventAcknowledged(t *testing.T) {
	handler, _ := newTestHandler(t)

	event := `{"id":"evt_unknown_1","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_123"}}}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testSecret, event))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRejectsBadRequests(t *testing.T) {
	handler, _ := newTestHandler(t)

	t.Run("method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("missing signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(subscriptionCreatedEvent))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "missing Stripe signature", decodeBody(t, rec)["error"])
	})

	t.Run("wrong secret", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, signedWebhookRequest(t, "whsec_other", subscriptionCreatedEvent))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid Stripe signature", decodeBody(t, rec)["error"])
	})

	t.Run("no secret configured", func(t *testing.T) {
		h := NewWebhookHandler("", nil, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedWebhookRequest(t, testSecret, subscriptionCreatedEvent))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

type blockingDispatcher struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingDispatcher) Dispatch(context.Context, reconcile.Event) (reconcile.Outcome, error) {
	close(b.started)
	<-b.release
	return reconcile.OutcomeApplied, nil
}

func TestWebhookConcurrentDeliveryConflicts(t *testing.T) {
	reg := newTestRegistry(t)
	d := &blockingDispatcher{started: make(chan struct{}), release: make(chan struct{})}
	handler := NewWebhookHandler(testSecret, d, dedupe.New(reg, nil))

	first := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, signedWebhookRequest(t, testSecret, subscriptionCreatedEvent))
		first <- rec.Code
	}()
	<-d.started

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedWebhookRequest(t, testSecret, subscriptionCreatedEvent))
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(d.release)
	assert.Equal(t, http.StatusOK, <-first)
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(subscriptionCreatedEvent))
	require.NoError(t, err)
	assert.Equal(t, "evt_sub_created_1", ev.ID)
	assert.Equal(t, "customer.subscription.created", string(ev.Type))
	require.NotNil(t, ev.Data)
	assert.Contains(t, string(ev.Data.Raw), "sub_123")

	_, err = DecodeEvent([]byte(`{"object":"event"}`))
	assert.Error(t, err)
	_, err = DecodeEvent([]byte(`not json`))
	assert.Error(t, err)
}
