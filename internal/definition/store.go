package definition

import (
	"context"
	"time"

	"github.com/pitabwire/complyflow/model"
)

// Store persists workflow definitions and their trigger rows. Definitions
// are immutable once written; only the Active and IsLatest flags change.
type Store interface {
	// CreateVersion inserts a definition together with its trigger rows and
	// clears IsLatest on every earlier version of the same (tenant, name).
	// Returns CONFLICT if the version number is already taken.
	CreateVersion(ctx context.Context, def *model.WorkflowDefinition, triggers []model.WorkflowTrigger) error

	// Get retrieves a definition by ID, scoped to tenant.
	// Returns NOT_FOUND if the definition does not exist.
	Get(ctx context.Context, tenantID, id string) (*model.WorkflowDefinition, error)

	// GetLatest retrieves the latest version registered under name.
	// Returns NOT_FOUND if no version exists.
	GetLatest(ctx context.Context, tenantID, name string) (*model.WorkflowDefinition, error)

	// List returns definitions for a tenant matching the filters.
	List(ctx context.Context, tenantID string, filters Filters) ([]model.WorkflowDefinition, error)

	// Versions returns every version registered under name, oldest first.
	Versions(ctx context.Context, tenantID, name string) ([]model.WorkflowDefinition, error)

	// SetActive flips the active flag of a definition.
	SetActive(ctx context.Context, tenantID, id string, active bool) error
}

// TriggerStore is the runtime view of trigger rows used by the evaluator.
type TriggerStore interface {
	// ListTriggers returns enabled triggers of the given type that belong to
	// an active, latest definition of the tenant.
	ListTriggers(ctx context.Context, tenantID string, typ model.TriggerType) ([]model.WorkflowTrigger, error)

	// CompareAndSetLastTriggered advances last_triggered to next only if it
	// still equals prev (nil meaning never fired). It reports whether the
	// swap happened.
	CompareAndSetLastTriggered(ctx context.Context, triggerID string, prev *time.Time, next time.Time) (bool, error)

	// TenantsWithTriggers lists tenants owning at least one enabled trigger
	// of the given type.
	TenantsWithTriggers(ctx context.Context, typ model.TriggerType) ([]string, error)
}

// Filters narrows definition List queries.
type Filters struct {
	Category   string
	ActiveOnly bool
	LatestOnly bool
	Limit      int
	Offset     int
}
