package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcourtman/billing-reconciler/internal/metrics"
)

// Outcome summarizes what a handler did with an event.
type Outcome string

const (
	// OutcomeApplied means state or ledger changed.
	OutcomeApplied Outcome = "applied"
	// OutcomeSkipped means the event does not apply (e.g. a one-off checkout).
	OutcomeSkipped Outcome = "skipped"
	// OutcomeUnresolved means no existing organization matched the event.
	OutcomeUnresolved Outcome = "unresolved"
	// OutcomeDuplicate means the effect was already recorded.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event type has no handler.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeError means the handler failed and the event should be retried.
	OutcomeError Outcome = "error"
)

// Dispatch runs the handler for the event's type. Unknown types are logged
// and ignored. A returned error means the event was not (fully) applied and
// the provider should redeliver it.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (outcome Outcome, err error) {
	base := d.logger
	// Keep request-scoped fields such as request_id when the caller has them.
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		base = *l
	}
	logger := base.With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()
	ctx = logger.WithContext(ctx)

	ctx, span := d.tracer.Start(ctx, "reconcile.Dispatch",
		trace.WithAttributes(
			attribute.String("billing.event_id", ev.ID),
			attribute.String("billing.event_type", ev.Type),
		))
	defer func() {
		if err != nil {
			outcome = OutcomeError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("billing.outcome", string(outcome)))
		span.End()
		metrics.HandlerOutcomesTotal.WithLabelValues(ev.Type, string(outcome)).Inc()
	}()

	switch p := ev.Payload.(type) {
	case PaymentIntentSucceeded:
		return d.handlePaymentIntentSucceeded(ctx, p.PaymentIntent)
	case PaymentIntentFailed:
		return d.handlePaymentIntentFailed(ctx, p.PaymentIntent)
	case SetupIntentSucceeded:
		return d.handleSetupIntentSucceeded(ctx, p.SetupIntent)
	case CheckoutSessionCompleted:
		return d.handleCheckoutSessionCompleted(ctx, p.CheckoutSession)
	case InvoicePaymentSucceeded:
		return d.handleInvoicePaymentSucceeded(ctx, p.Invoice)
	case SubscriptionCreated:
		return d.handleSubscriptionCreated(ctx, p.Subscription)
	case SubscriptionUpdated:
		return d.handleSubscriptionUpdated(ctx, p.Subscription)
	case SubscriptionDeleted:
		return d.handleSubscriptionDeleted(ctx, p.Subscription)
	case SubscriptionTrialWillEnd:
		return d.handleTrialWillEnd(ctx, p.Subscription)
	case Unknown:
		logger.Info().Msg("Stripe webhook ignored (unhandled type)")
		return OutcomeIgnored, nil
	default:
		return "", fmt.Errorf("event %s: unsupported payload %T", ev.ID, ev.Payload)
	}
}

// resolve returns a nil resolution (and no error) when the organization is
// unresolvable. The returned context carries the organization ID in its
// logger.
func (d *Dispatcher) resolve(ctx context.Context, in ResolveInput) (*Resolution, context.Context, error) {
	res, err := d.resolver.Resolve(ctx, in)
	if errors.Is(err, ErrUnresolved) {
		return nil, ctx, nil
	}
	if err != nil {
		return nil, ctx, err
	}
	logger := zerolog.Ctx(ctx).With().Str("organization_id", res.OrganizationID).Logger()
	return res, logger.WithContext(ctx), nil
}
