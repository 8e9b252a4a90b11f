package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rcourtman/billing-reconciler/internal/billing"
)

// Provisioner lazily creates provider customers for organizations.
type Provisioner struct {
	store    Store
	provider Provider
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(store Store, provider Provider) *Provisioner {
	return &Provisioner{store: store, provider: provider}
}

// EnsureCustomer returns the organization's provider customer ID, creating
// and persisting one if the organization has none. It fails with
// billing.ErrNotFound if the organization does not exist.
//
// A customer created remotely is not deleted if persisting the mapping fails;
// the next call creates another one.
func (p *Provisioner) EnsureCustomer(ctx context.Context, orgID string) (string, error) {
	org, err := p.store.GetOrganization(ctx, orgID)
	if err != nil {
		return "", fmt.Errorf("load organization %s: %w", orgID, err)
	}
	if org == nil {
		return "", fmt.Errorf("organization %s: %w", orgID, billing.ErrNotFound)
	}
	if org.StripeCustomerID != "" {
		return org.StripeCustomerID, nil
	}

	customerID, err := p.provider.CreateCustomer(ctx, orgID)
	if err != nil {
		return "", fmt.Errorf("create customer for organization %s: %w", orgID, err)
	}
	if err := p.store.SetOrganizationCustomerID(ctx, orgID, customerID); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("organization_id", orgID).
			Str("customer_id", customerID).
			Msg("Created Stripe customer but failed to persist mapping")
		return "", fmt.Errorf("persist customer %s for organization %s: %w", customerID, orgID, err)
	}

	zerolog.Ctx(ctx).Info().
		Str("organization_id", orgID).
		Str("customer_id", customerID).
		Msg("Created Stripe customer")
	return customerID, nil
}
