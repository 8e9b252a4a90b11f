package reconcile

import (
	"context"
	"fmt"

	"github.com/rcourtman/billing-reconciler/internal/billing"
)

// StateUpdater applies plan, trial and cancellation changes.
type StateUpdater struct {
	store Store
}

// NewStateUpdater creates a StateUpdater.
func NewStateUpdater(store Store) *StateUpdater {
	return &StateUpdater{store: store}
}

// Update applies a partial update to the organization. An update that
// matches no row fails with billing.ErrNotFound.
func (u *StateUpdater) Update(ctx context.Context, orgID string, update billing.OrganizationUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	affected, err := u.store.UpdateOrganization(ctx, orgID, update)
	if err != nil {
		return fmt.Errorf("update organization %s: %w", orgID, err)
	}
	if affected == 0 {
		return fmt.Errorf("update organization %s: %w", orgID, billing.ErrNotFound)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
