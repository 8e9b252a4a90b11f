package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/rcourtman/billing-reconciler/internal/billing"
)

const (
	sourceCheckout            = "stripe_checkout"
	sourcePaymentIntent       = "payment_intent"
	sourceInvoice             = "stripe_invoice"
	sourceSubscriptionCreated = "stripe_subscription_created"
	sourceSubscriptionUpdated = "stripe_subscription_updated"
	sourceSubscriptionDeleted = "stripe_subscription_deleted"
	sourceTrialWillEnd        = "stripe_trial_will_end"
)

func (d *Dispatcher) handleCheckoutSessionCompleted(ctx context.Context, session CheckoutSession) (Outcome, error) {
	if session.Subscription == "" {
		zerolog.Ctx(ctx).Info().Str("session_id", session.ID).Msg("Not a subscription checkout session, skipping")
		return OutcomeSkipped, nil
	}
	subscriptionID := session.Subscription.String()

	res, ctx, err := d.resolve(ctx, ResolveInput{
		Metadata:       session.Metadata,
		CustomerID:     session.Customer.String(),
		SubscriptionID: subscriptionID,
	})
	if err != nil || res == nil {
		return unresolvedOr(err)
	}

	if err := d.ledger.Append(ctx, &billing.Transaction{
		OrganizationID:  res.OrganizationID,
		Type:            billing.TransactionSubscriptionStart,
		Amount:          decimal.NewNullDecimal(fromMinorUnits(session.AmountTotal)),
		Currency:        session.Currency,
		StripeInvoiceID: session.Invoice.String(),
		Description:     "Pro subscription started via Stripe Checkout",
	}); err != nil {
		return "", err
	}

	if err := d.state.Update(ctx, res.OrganizationID, billing.OrganizationUpdate{
		Plan:                  ptr(billing.PlanPro),
		StripeSubscriptionID:  &subscriptionID,
		SubscriptionCancelled: ptr(false),
	}); err != nil {
		return "", err
	}

	d.telemetry.emit(ctx, res.Organization, TelemetrySubscriptionCreated, map[string]any{
		"plan":           string(billing.PlanPro),
		"subscriptionId": subscriptionID,
		"source":         sourceCheckout,
	})

	zerolog.Ctx(ctx).Info().
		Str("subscription_id", subscriptionID).
		Str("previous_plan", string(res.Organization.Plan)).
		Msg("Upgraded organization to pro plan via checkout")
	return OutcomeApplied, nil
}

func (d *Dispatcher) handlePaymentIntentSucceeded(ctx context.Context, pi PaymentIntent) (Outcome, error) {
	res, ctx, err := d.resolve(ctx, ResolveInput{
		Metadata:   pi.Metadata,
		CustomerID: pi.Customer.String(),
	})
	if err != nil || res == nil {
		return unresolvedOr(err)
	}

	creditAmount, ok := pi.Metadata.BaseAmount()
	if !ok {
		return "", fmt.Errorf("payment intent %s: %w", pi.ID, billing.ErrMissingBaseAmount)
	}
	totalPaid := fromMinorUnits(pi.Amount)

	record := &billing.Transaction{
		OrganizationID:        res.OrganizationID,
		Type:                  billing.TransactionCreditTopUp,
		Amount:                decimal.NewNullDecimal(totalPaid),
		CreditAmount:          decimal.NewNullDecimal(creditAmount),
		Currency:              pi.Currency,
		Status:                billing.TransactionCompleted,
		StripePaymentIntentID: pi.ID,
		Description:           "Credit top-up via Stripe",
	}
	result, err := d.ledger.RecordTopUp(ctx, res.OrganizationID, billing.TopUp{
		PendingID: pi.Metadata.TransactionID(),
		Settlement: billing.Settlement{
			Status:       billing.TransactionCompleted,
			Description:  "Auto top-up completed via Stripe webhook",
			Amount:       decimal.NewNullDecimal(totalPaid),
			CreditAmount: decimal.NewNullDecimal(creditAmount),
		},
		Record:              record,
		FallbackDescription: "Credit top-up via Stripe (fallback)",
		Credits:             creditAmount,
	})
	if err != nil {
		return "", err
	}

	logger := zerolog.Ctx(ctx)
	if !result.Effective() {
		logger.Info().
			Str("transaction_id", pi.Metadata.TransactionID()).
			Msg("Top-up transaction already settled, not crediting again")
		return OutcomeDuplicate, nil
	}
	if result == billing.TopUpFallback {
		logger.Warn().
			Str("transaction_id", pi.Metadata.TransactionID()).
			Msg("Pending transaction not found, recorded fallback top-up")
	}

	d.telemetry.emit(ctx, res.Organization, TelemetryCreditsPurchased, map[string]any{
		"amount":    creditAmount.InexactFloat64(),
		"totalPaid": totalPaid.InexactFloat64(),
		"source":    sourcePaymentIntent,
	})

	logger.Info().
		Str("credit_amount", creditAmount.String()).
		Str("total_paid", totalPaid.String()).
		Str("ledger_result", string(result)).
		Msg("Added credits to organization")
	return OutcomeApplied, nil
}

func (d *Dispatcher) handlePaymentIntentFailed(ctx context.Context, pi PaymentIntent) (Outcome, error) {
	res, ctx, err := d.resolve(ctx, ResolveInput{
		Metadata:   pi.Metadata,
		CustomerID: pi.Customer.String(),
	})
	if err != nil || res == nil {
		return unresolvedOr(err)
	}

	var creditAmount decimal.NullDecimal
	if amt, ok := pi.Metadata.BaseAmount(); ok {
		creditAmount = decimal.NewNullDecimal(amt)
	}
	reason := pi.FailureMessage()

	result, err := d.ledger.RecordTopUp(ctx, res.OrganizationID, billing.TopUp{
		PendingID: pi.Metadata.TransactionID(),
		Settlement: billing.Settlement{
			Status:      billing.TransactionFailed,
			Description: "Auto top-up failed via Stripe webhook: " + reason,
		},
		Record: &billing.Transaction{
			OrganizationID:        res.OrganizationID,
			Type:                  billing.TransactionCreditTopUp,
			Amount:                decimal.NewNullDecimal(fromMinorUnits(pi.Amount)),
			CreditAmount:          creditAmount,
			Currency:              pi.Currency,
			Status:                billing.TransactionFailed,
			StripePaymentIntentID: pi.ID,
			Description:           "Credit top-up failed via Stripe: " + reason,
		},
		FallbackDescription: "Credit top-up failed via Stripe (fallback): " + reason,
	})
	if err != nil {
		return "", err
	}
	if !result.Effective() {
		zerolog.Ctx(ctx).Info().
			Str("transaction_id", pi.Metadata.TransactionID()).
			Msg("Top-up transaction already settled, ignoring failure")
		return OutcomeDuplicate, nil
	}

	zerolog.Ctx(ctx).Info().
		Str("reason", reason).
		Str("ledger_result", string(result)).
		Msg("Payment intent failed")
	return OutcomeApplied, nil
}

func (d *Dispatcher) handleSetupIntentSucceeded(ctx context.Context, si SetupIntent) (Outcome, error) {
	logger := zerolog.Ctx(ctx)
	orgID := si.Metadata.OrganizationID()
	paymentMethodID := si.PaymentMethod.String()
	if orgID == "" || paymentMethodID == "" {
		logger.Warn().
			Str("setup_intent_id", si.ID).
			Bool("has_organization", orgID != "").
			Bool("has_payment_method", paymentMethodID != "").
			Msg("Missing organizationId or payment_method in setup intent")
		return OutcomeSkipped, nil
	}

	sub := logger.With().Str("organization_id", orgID).Logger()
	ctx = sub.WithContext(ctx)
	logger = &sub

	customerID, err := d.provisioner.EnsureCustomer(ctx, orgID)
	if errors.Is(err, billing.ErrNotFound) {
		logger.Warn().Err(err).Msg("Setup intent references unknown organization")
		return OutcomeUnresolved, nil
	}
	if err != nil {
		logger.Error().Err(err).Str("setup_intent_id", si.ID).Msg("Failed to ensure billing customer, skipping setup intent")
		return OutcomeSkipped, nil
	}

	existing, err := d.store.GetPaymentMethodByExternalID(ctx, orgID, paymentMethodID)
	if err != nil {
		return "", fmt.Errorf("lookup payment method %s: %w", paymentMethodID, err)
	}
	if existing != nil {
		logger.Info().Str("payment_method_id", paymentMethodID).Msg("Payment method already stored")
		return OutcomeDuplicate, nil
	}

	if err := d.provisioner.provider.AttachPaymentMethod(ctx, paymentMethodID, customerID); err != nil {
		return "", fmt.Errorf("attach payment method %s: %w", paymentMethodID, err)
	}
	pmType, err := d.provisioner.provider.PaymentMethodType(ctx, paymentMethodID)
	if err != nil {
		return "", fmt.Errorf("retrieve payment method %s: %w", paymentMethodID, err)
	}

	count, err := d.store.CountPaymentMethods(ctx, orgID)
	if err != nil {
		return "", fmt.Errorf("count payment methods: %w", err)
	}
	pm := &billing.PaymentMethod{
		OrganizationID:        orgID,
		StripePaymentMethodID: paymentMethodID,
		Type:                  pmType,
		IsDefault:             count == 0,
	}
	if err := d.store.InsertPaymentMethod(ctx, pm); err != nil {
		return "", fmt.Errorf("store payment method %s: %w", paymentMethodID, err)
	}

	logger.Info().
		Str("payment_method_id", paymentMethodID).
		Str("type", pmType).
		Bool("is_default", pm.IsDefault).
		Msg("Stored payment method")
	return OutcomeApplied, nil
}

func (d *Dispatcher) handleInvoicePaymentSucceeded(ctx context.Context, inv Invoice) (Outcome, error) {
	subscriptionID := inv.SubscriptionID()
	if subscriptionID == "" {
		zerolog.Ctx(ctx).Info().Str("invoice_id", inv.ID).Msg("Not a subscription invoice, skipping")
		return OutcomeSkipped, nil
	}

	res, ctx, err := d.resolve(ctx, ResolveInput{
		Metadata:       inv.Metadata,
		LineItems:      inv.Lines.Data,
		SubscriptionID: subscriptionID,
		CustomerID:     inv.Customer.String(),
	})
	if err != nil || res == nil {
		return unresolvedOr(err)
	}

	if err := d.ledger.Append(ctx, &billing.Transaction{
		OrganizationID:        res.OrganizationID,
		Type:                  billing.TransactionSubscriptionStart,
		Amount:                decimal.NewNullDecimal(fromMinorUnits(inv.AmountPaid)),
		Currency:              inv.Currency,
		StripePaymentIntentID: inv.PaymentIntent.String(),
		StripeInvoiceID:       inv.ID,
		Description:           "Pro subscription started",
	}); err != nil {
		return "", err
	}

	if err := d.state.Update(ctx, res.OrganizationID, billing.OrganizationUpdate{
		Plan:                  ptr(billing.PlanPro),
		SubscriptionCancelled: ptr(false),
	}); err != nil {
		return "", err
	}

	d.telemetry.emit(ctx, res.Organization, TelemetrySubscriptionCreated, map[string]any{
		"plan":           string(billing.PlanPro),
		"subscriptionId": subscriptionID,
		"source":         sourceInvoice,
	})

	zerolog.Ctx(ctx).Info().
		Str("subscription_id", subscriptionID).
		Str("invoice_id", inv.ID).
		Msg("Upgraded organization to pro plan via invoice")
	return OutcomeApplied, nil
}

func (d *Dispatcher) handleSubscriptionCreated(ctx context.Context, sub Subscription) (Outcome, error) {
	res, ctx, err := d.resolve(ctx, ResolveInput{
		Metadata:       sub.Metadata,
		CustomerID:     sub.Customer.String(),
		SubscriptionID: sub.ID,
	})
	if err != nil || res == nil {
		return unresolvedOr(err)
	}

	update := billing.OrganizationUpdate{
		Plan:                  ptr(billing.PlanPro),
		StripeSubscriptionID:  ptr(sub.ID),
		SubscriptionCancelled: ptr(false),
	}
	props := map[string]any{
		"plan":           string(billing.PlanPro),
		"subscriptionId": sub.ID,
		"source":         sourceSubscriptionCreated,
	}

	event := TelemetrySubscriptionCreated
	trialStart, trialEnd, hasTrial := sub.Trial()
	if hasTrial {
		update.TrialStartAt = &trialStart
		update.TrialEndAt = &trialEnd
		update.TrialActive = ptr(true)
		props["trialStartDate"] = trialStart.Format(time.RFC3339)
		props["trialEndDate"] = trialEnd.Format(time.RFC3339)
		event = TelemetryTrialStarted
	}

	if err := d.state.Update(ctx, res.OrganizationID, update); err != nil {
		return "", err
	}

	d.telemetry.emit(ctx, res.Organization, event, props)

	zerolog.Ctx(ctx).Info().
		Str("subscription_id", sub.ID).
		Bool("trial", hasTrial).
		Msg("Recorded subscription for organization")
	return OutcomeApplied, nil
}

func (d *Dispatcher) handleSubscriptionUpdated(ctx context.Context, sub Subscription) (Outcome, error) {
	res, ctx, err := d.resolve(ctx, ResolveInput{
		Metadata:       sub.Metadata,
		CustomerID:     sub.Customer.String(),
		SubscriptionID: sub.ID,
	})
	if err != nil || res == nil {
		return unresolvedOr(err)
	}

	active := !sub.CancelAtPeriodEnd
	wasCancelled := res.Organization.SubscriptionCancelled

	if !active && !wasCancelled {
		if err := d.ledger.Append(ctx, &billing.Transaction{
			OrganizationID:  res.OrganizationID,
			Type:            billing.TransactionSubscriptionCancel,
			Currency:        "USD",
			StripeInvoiceID: sub.LatestInvoice.String(),
			Description:     "Pro subscription cancelled",
		}); err != nil {
			return "", err
		}
	}

	update := billing.OrganizationUpdate{SubscriptionCancelled: ptr(!active)}
	periodEnd := sub.CurrentPeriodEnd()
	if periodEnd != nil {
		update.PlanExpiresAt = periodEnd
	}
	if err := d.state.Update(ctx, res.OrganizationID, update); err != nil {
		return "", err
	}

	if active && wasCancelled {
		d.telemetry.emit(ctx, res.Organization, TelemetrySubscriptionReactivated, map[string]any{
			"plan":   string(billing.PlanPro),
			"source": sourceSubscriptionUpdated,
		})
		zerolog.Ctx(ctx).Info().Str("subscription_id", sub.ID).Msg("Reactivated subscription")
	}

	event := zerolog.Ctx(ctx).Info().
		Str("subscription_id", sub.ID).
		Bool("cancelled", !active)
	if periodEnd != nil {
		event = event.Time("plan_expires_at", *periodEnd)
	}
	event.Msg("Updated subscription for organization")
	return OutcomeApplied, nil
}

func (d *Dispatcher) handleSubscriptionDeleted(ctx context.Context, sub Subscription) (Outcome, error) {
	res, ctx, err := d.resolve(ctx, ResolveInput{
		Metadata:   sub.Metadata,
		CustomerID: sub.Customer.String(),
	})
	if err != nil || res == nil {
		return unresolvedOr(err)
	}

	if err := d.ledger.Append(ctx, &billing.Transaction{
		OrganizationID:  res.OrganizationID,
		Type:            billing.TransactionSubscriptionEnd,
		Currency:        "USD",
		StripeInvoiceID: sub.LatestInvoice.String(),
		Description:     "Pro subscription ended",
	}); err != nil {
		return "", err
	}

	if err := d.state.Update(ctx, res.OrganizationID, billing.OrganizationUpdate{
		Plan:                  ptr(billing.PlanFree),
		ClearSubscriptionID:   true,
		ClearPlanExpiresAt:    true,
		SubscriptionCancelled: ptr(false),
	}); err != nil {
		return "", err
	}

	d.telemetry.emit(ctx, res.Organization, TelemetrySubscriptionCancelled, map[string]any{
		"previousPlan": string(billing.PlanPro),
		"newPlan":      string(billing.PlanFree),
		"source":       sourceSubscriptionDeleted,
	})

	zerolog.Ctx(ctx).Info().Str("subscription_id", sub.ID).Msg("Downgraded organization to free plan")
	return OutcomeApplied, nil
}

func (d *Dispatcher) handleTrialWillEnd(ctx context.Context, sub Subscription) (Outcome, error) {
	res, ctx, err := d.resolve(ctx, ResolveInput{
		Metadata:       sub.Metadata,
		CustomerID:     sub.Customer.String(),
		SubscriptionID: sub.ID,
	})
	if err != nil || res == nil {
		return unresolvedOr(err)
	}

	if err := d.state.Update(ctx, res.OrganizationID, billing.OrganizationUpdate{
		TrialActive: ptr(false),
	}); err != nil {
		return "", err
	}

	d.telemetry.emit(ctx, res.Organization, TelemetryTrialWillEnd, map[string]any{
		"plan":           string(billing.PlanPro),
		"subscriptionId": sub.ID,
		"source":         sourceTrialWillEnd,
	})

	zerolog.Ctx(ctx).Info().Str("subscription_id", sub.ID).Msg("Marked trial as ending")
	return OutcomeApplied, nil
}

func unresolvedOr(err error) (Outcome, error) {
	if err != nil {
		return "", err
	}
	return OutcomeUnresolved, nil
}
