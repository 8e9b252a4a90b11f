// Package reconcile applies billing provider events to organization billing
// state. It resolves the owning organization, writes the ledger, updates
// plan, credit and trial state, and emits analytics events.
package reconcile

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcourtman/billing-reconciler/internal/billing"
)

// Store is the persistence the reconciler needs. Point lookups return nil,
// nil when the entity does not exist.
type Store interface {
	GetOrganization(ctx context.Context, id string) (*billing.Organization, error)
	GetOrganizationByCustomerID(ctx context.Context, customerID string) (*billing.Organization, error)
	SetOrganizationCustomerID(ctx context.Context, orgID, customerID string) error
	UpdateOrganization(ctx context.Context, orgID string, update billing.OrganizationUpdate) (int64, error)

	InsertTransaction(ctx context.Context, t *billing.Transaction) error
	// ApplyTopUp writes the top-up ledger record and adds its credits
	// atomically.
	ApplyTopUp(ctx context.Context, orgID string, tu billing.TopUp) (billing.TopUpResult, error)

	CountPaymentMethods(ctx context.Context, orgID string) (int, error)
	GetPaymentMethodByExternalID(ctx context.Context, orgID, externalID string) (*billing.PaymentMethod, error)
	InsertPaymentMethod(ctx context.Context, pm *billing.PaymentMethod) error
}

// Provider is the billing provider API used for supplementary lookups and
// customer provisioning.
type Provider interface {
	CreateCustomer(ctx context.Context, orgID string) (customerID string, err error)
	AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) error
	PaymentMethodType(ctx context.Context, paymentMethodID string) (string, error)
	SubscriptionMetadata(ctx context.Context, subscriptionID string) (Metadata, error)
}

// Dispatcher routes events to their handlers.
type Dispatcher struct {
	store       Store
	resolver    *Resolver
	provisioner *Provisioner
	ledger      *LedgerWriter
	state       *StateUpdater
	telemetry   *telemetryAdapter

	logger zerolog.Logger
	tracer trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the base logger for event processing.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithTracerProvider sets the tracer provider for dispatch spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(tracerName) }
}

const tracerName = "github.com/rcourtman/billing-reconciler/internal/reconcile"

// NewDispatcher wires the reconciliation components. tel may be nil, in which
// case analytics events are discarded.
func NewDispatcher(store Store, provider Provider, tel Telemetry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:       store,
		resolver:    NewResolver(store, provider),
		provisioner: NewProvisioner(store, provider),
		ledger:      NewLedgerWriter(store),
		state:       NewStateUpdater(store),
		telemetry:   &telemetryAdapter{sink: tel},
		logger:      log.Logger,
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}
