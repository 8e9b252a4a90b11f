package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/rcourtman/billing-reconciler/internal/billing"
)

// ErrUnresolved means no existing organization could be tied to an event.
var ErrUnresolved = errors.New("organization could not be resolved")

// Resolution sources, in fallback order.
const (
	SourceMetadata     = "metadata"
	SourceLineItem     = "line_item"
	SourceSubscription = "subscription"
	SourceCustomer     = "customer"
)

// ResolveInput is the partial identity information an event carries.
type ResolveInput struct {
	Metadata       Metadata
	LineItems      []LineItem
	SubscriptionID string
	CustomerID     string
}

// Resolution is a resolved, existing organization.
type Resolution struct {
	OrganizationID string
	Organization   *billing.Organization
	Source         string
}

// Resolver maps event payloads to organizations.
type Resolver struct {
	store    Store
	provider Provider
}

// NewResolver creates a Resolver.
func NewResolver(store Store, provider Provider) *Resolver {
	return &Resolver{store: store, provider: provider}
}

// Resolve walks the fallback chain: direct metadata, line item metadata in
// order, subscription metadata fetched from the provider, then the stored
// customer mapping. The first identifier found must name an existing
// organization. ErrUnresolved is returned when none does; store failures are
// returned as-is. A failed subscription fetch is logged and skipped.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput) (*Resolution, error) {
	logger := zerolog.Ctx(ctx)

	orgID, source := in.Metadata.OrganizationID(), SourceMetadata

	if orgID == "" {
		if item, ok := lo.Find(in.LineItems, func(li LineItem) bool {
			return li.Metadata.OrganizationID() != ""
		}); ok {
			orgID, source = item.Metadata.OrganizationID(), SourceLineItem
		}
	}

	if orgID == "" && in.SubscriptionID != "" && r.provider != nil {
		md, err := r.provider.SubscriptionMetadata(ctx, in.SubscriptionID)
		if err != nil {
			logger.Warn().Err(err).
				Str("subscription_id", in.SubscriptionID).
				Msg("Failed to retrieve subscription for organization lookup")
		} else if id := md.OrganizationID(); id != "" {
			orgID, source = id, SourceSubscription
		}
	}

	if orgID == "" && in.CustomerID != "" {
		org, err := r.store.GetOrganizationByCustomerID(ctx, in.CustomerID)
		if err != nil {
			return nil, fmt.Errorf("lookup organization by customer %s: %w", in.CustomerID, err)
		}
		if org != nil {
			logger.Debug().Str("organization_id", org.ID).Str("source", SourceCustomer).Msg("Resolved organization")
			return &Resolution{OrganizationID: org.ID, Organization: org, Source: SourceCustomer}, nil
		}
	}

	if orgID == "" {
		logger.Warn().
			Bool("has_metadata", len(in.Metadata) > 0).
			Str("customer_id", in.CustomerID).
			Str("subscription_id", in.SubscriptionID).
			Int("line_items", len(in.LineItems)).
			Msg("Organization not found for event data")
		return nil, ErrUnresolved
	}

	org, err := r.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load organization %s: %w", orgID, err)
	}
	if org == nil {
		logger.Warn().
			Str("organization_id", orgID).
			Str("source", source).
			Msg("Resolved organization does not exist")
		return nil, ErrUnresolved
	}

	logger.Debug().Str("organization_id", orgID).Str("source", source).Msg("Resolved organization")
	return &Resolution{OrganizationID: orgID, Organization: org, Source: source}, nil
}
