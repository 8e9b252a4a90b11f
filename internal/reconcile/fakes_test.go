package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rcourtman/billing-reconciler/internal/billing"
)

// memStore is an in-memory Store with optional failure injection.
type memStore struct {
	mu             sync.Mutex
	orgs           map[string]*billing.Organization
	txs            []*billing.Transaction
	paymentMethods []*billing.PaymentMethod
	nextID         int

	customerLookups int
	failUpdate      error
	failInsertTx    error
	failAddCredits  error
}

func newMemStore(orgs ...*billing.Organization) *memStore {
	s := &memStore{orgs: map[string]*billing.Organization{}}
	for _, org := range orgs {
		if org.Plan == "" {
			org.Plan = billing.PlanFree
		}
		s.orgs[org.ID] = org
	}
	return s
}

func (s *memStore) org(id string) billing.Organization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.orgs[id]
}

func (s *memStore) transactions() []billing.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]billing.Transaction, 0, len(s.txs))
	for _, t := range s.txs {
		out = append(out, *t)
	}
	return out
}

func (s *memStore) GetOrganization(_ context.Context, id string) (*billing.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[id]
	if !ok {
		return nil, nil
	}
	cp := *org
	return &cp, nil
}

func (s *memStore) GetOrganizationByCustomerID(_ context.Context, customerID string) (*billing.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customerLookups++
	for _, org := range s.orgs {
		if customerID != "" && org.StripeCustomerID == customerID {
			cp := *org
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) SetOrganizationCustomerID(_ context.Context, orgID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	org, ok := s.orgs[orgID]
	if !ok {
		return fmt.Errorf("organization %s: %w", orgID, billing.ErrNotFound)
	}
	org.StripeCustomerID = customerID
	return nil
}

func (s *memStore) UpdateOrganization(_ context.Context, orgID string, update billing.OrganizationUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate != nil {
		return 0, s.failUpdate
	}
	org, ok := s.orgs[orgID]
	if !ok {
		return 0, nil
	}
	update.Apply(org)
	return 1, nil
}

func (s *memStore) InsertTransaction(_ context.Context, t *billing.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsertTx != nil {
		return s.failInsertTx
	}
	s.insertLocked(t)
	return nil
}

func (s *memStore) insertLocked(t *billing.Transaction) {
	if t.ID == "" {
		s.nextID++
		t.ID = fmt.Sprintf("txn_%d", s.nextID)
	}
	cp := *t
	s.txs = append(s.txs, &cp)
}

// ApplyTopUp checks every step before mutating anything, so an injected
// failure leaves the store unchanged like a rolled back transaction.
func (s *memStore) ApplyTopUp(_ context.Context, orgID string, tu billing.TopUp) (billing.TopUpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending *billing.Transaction
	result := billing.TopUpAppended
	if tu.PendingID != "" {
		result = billing.TopUpFallback
		for _, t := range s.txs {
			if t.ID != tu.PendingID || t.OrganizationID != orgID {
				continue
			}
			if t.Status != billing.TransactionPending {
				return billing.TopUpAlreadySettled, nil
			}
			pending, result = t, billing.TopUpSettled
		}
	}

	if pending == nil && s.failInsertTx != nil {
		return "", s.failInsertTx
	}
	org, ok := s.orgs[orgID]
	if !tu.Credits.IsZero() {
		if s.failAddCredits != nil {
			return "", s.failAddCredits
		}
		if !ok {
			return "", fmt.Errorf("organization %s: %w", orgID, billing.ErrNotFound)
		}
	}

	if pending != nil {
		st := tu.Settlement
		pending.Status = st.Status
		if st.Description != "" {
			pending.Description = st.Description
		}
		if st.Amount.Valid {
			pending.Amount = st.Amount
		}
		if st.CreditAmount.Valid {
			pending.CreditAmount = st.CreditAmount
		}
	} else {
		if result == billing.TopUpFallback && tu.FallbackDescription != "" {
			tu.Record.Description = tu.FallbackDescription
		}
		s.insertLocked(tu.Record)
	}
	if !tu.Credits.IsZero() {
		org.Credits = org.Credits.Add(tu.Credits)
	}
	return result, nil
}

func (s *memStore) CountPaymentMethods(_ context.Context, orgID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, pm := range s.paymentMethods {
		if pm.OrganizationID == orgID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) GetPaymentMethodByExternalID(_ context.Context, orgID, externalID string) (*billing.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pm := range s.paymentMethods {
		if pm.OrganizationID == orgID && pm.StripePaymentMethodID == externalID {
			cp := *pm
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertPaymentMethod(_ context.Context, pm *billing.PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pm
	s.paymentMethods = append(s.paymentMethods, &cp)
	return nil
}

// fakeProvider records calls and delegates to optional func fields.
type fakeProvider struct {
	mu sync.Mutex

	createCustomer       func(ctx context.Context, orgID string) (string, error)
	attachPaymentMethod  func(ctx context.Context, pmID, customerID string) error
	paymentMethodType    func(ctx context.Context, pmID string) (string, error)
	subscriptionMetadata func(ctx context.Context, subID string) (Metadata, error)

	subscriptionCalls []string
	attached          []string
	customersCreated  int
}

func (p *fakeProvider) CreateCustomer(ctx context.Context, orgID string) (string, error) {
	p.mu.Lock()
	p.customersCreated++
	n := p.customersCreated
	p.mu.Unlock()
	if p.createCustomer != nil {
		return p.createCustomer(ctx, orgID)
	}
	return fmt.Sprintf("cus_new%d", n), nil
}

func (p *fakeProvider) AttachPaymentMethod(ctx context.Context, pmID, customerID string) error {
	p.mu.Lock()
	p.attached = append(p.attached, pmID+"->"+customerID)
	p.mu.Unlock()
	if p.attachPaymentMethod != nil {
		return p.attachPaymentMethod(ctx, pmID, customerID)
	}
	return nil
}

func (p *fakeProvider) PaymentMethodType(ctx context.Context, pmID string) (string, error) {
	if p.paymentMethodType != nil {
		return p.paymentMethodType(ctx, pmID)
	}
	return "card", nil
}

func (p *fakeProvider) SubscriptionMetadata(ctx context.Context, subID string) (Metadata, error) {
	p.mu.Lock()
	p.subscriptionCalls = append(p.subscriptionCalls, subID)
	p.mu.Unlock()
	if p.subscriptionMetadata != nil {
		return p.subscriptionMetadata(ctx, subID)
	}
	return nil, errors.New("subscription not found")
}

// recordingTelemetry captures tracked events.
type recordingTelemetry struct {
	mu     sync.Mutex
	events []TelemetryEvent
	panics bool
}

func (r *recordingTelemetry) Track(_ context.Context, ev TelemetryEvent) {
	if r.panics {
		panic("analytics down")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingTelemetry) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Name)
	}
	return out
}

type harness struct {
	store     *memStore
	provider  *fakeProvider
	telemetry *recordingTelemetry
	logs      *bytes.Buffer
	d         *Dispatcher
}

func newHarness(orgs ...*billing.Organization) *harness {
	h := &harness{
		store:     newMemStore(orgs...),
		provider:  &fakeProvider{},
		telemetry: &recordingTelemetry{},
		logs:      &bytes.Buffer{},
	}
	logger := zerolog.New(h.logs).Level(zerolog.DebugLevel)
	h.d = NewDispatcher(h.store, h.provider, h.telemetry, WithLogger(logger))
	return h
}

func (h *harness) dispatch(eventType string, object string) (Outcome, error) {
	ev, err := ParseEvent("evt_test", eventType, []byte(object))
	if err != nil {
		return "", err
	}
	return h.d.Dispatch(context.Background(), ev)
}
