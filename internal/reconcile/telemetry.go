package reconcile

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/rcourtman/billing-reconciler/internal/billing"
)

// Analytics event names.
const (
	TelemetrySubscriptionCreated     = "subscription_created"
	TelemetrySubscriptionReactivated = "subscription_reactivated"
	TelemetrySubscriptionCancelled   = "subscription_cancelled"
	TelemetryCreditsPurchased        = "credits_purchased"
	TelemetryTrialStarted            = "trial_started"
	TelemetryTrialWillEnd            = "trial_will_end"
)

// TelemetryEvent is a business event about an organization. Sinks identify
// the organization group (with its name) before capturing the event.
type TelemetryEvent struct {
	OrganizationID   string
	OrganizationName string
	Name             string
	Properties       map[string]any
}

// Telemetry receives business events. Track must not block on delivery.
type Telemetry interface {
	Track(ctx context.Context, ev TelemetryEvent)
}

type telemetryAdapter struct {
	sink Telemetry
}

// emit hands the event to the sink. A panicking sink is contained here so
// analytics can never fail a billing transition.
func (a *telemetryAdapter) emit(ctx context.Context, org *billing.Organization, name string, props map[string]any) {
	if a == nil || a.sink == nil || org == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Debug().Interface("panic", r).Str("telemetry_event", name).Msg("Telemetry sink panicked")
		}
	}()

	if props == nil {
		props = map[string]any{}
	}
	props["organization"] = org.ID

	a.sink.Track(ctx, TelemetryEvent{
		OrganizationID:   org.ID,
		OrganizationName: org.Name,
		Name:             name,
		Properties:       props,
	})
}
