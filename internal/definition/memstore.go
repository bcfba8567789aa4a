package definition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/complyflow/model"
)

// MemoryStore is an in-memory Store and TriggerStore. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*model.WorkflowDefinition
	triggers    map[string]*model.WorkflowTrigger
}

// NewMemoryStore creates a new in-memory definition store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*model.WorkflowDefinition),
		triggers:    make(map[string]*model.WorkflowTrigger),
	}
}

// CreateVersion stores a new definition version and its triggers.
func (s *MemoryStore) CreateVersion(_ context.Context, def *model.WorkflowDefinition, triggers []model.WorkflowTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.definitions[def.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("definition %s already exists", def.ID))
	}
	for _, d := range s.definitions {
		if d.TenantID == def.TenantID && d.Name == def.Name && d.Version == def.Version {
			return model.NewConflictError(fmt.Sprintf("definition %q version %d already exists", def.Name, def.Version))
		}
	}
	for _, d := range s.definitions {
		if d.TenantID == def.TenantID && d.Name == def.Name {
			d.IsLatest = false
		}
	}

	cp := *def
	s.definitions[def.ID] = &cp
	for _, t := range triggers {
		tc := t
		s.triggers[t.ID] = &tc
	}
	return nil
}

// Get retrieves a definition by tenant and ID.
func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (*model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.definitions[id]
	if !ok || d.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow definition %s not found", id))
	}
	cp := *d
	return &cp, nil
}

// GetLatest retrieves the latest version of a named definition.
func (s *MemoryStore) GetLatest(_ context.Context, tenantID, name string) (*model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.WorkflowDefinition
	for _, d := range s.definitions {
		if d.TenantID != tenantID || d.Name != name {
			continue
		}
		if latest == nil || d.Version > latest.Version {
			latest = d
		}
	}
	if latest == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", name))
	}
	cp := *latest
	return &cp, nil
}

// List returns definitions matching the filters, ordered by name then version.
func (s *MemoryStore) List(_ context.Context, tenantID string, filters Filters) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowDefinition
	for _, d := range s.definitions {
		if d.TenantID != tenantID {
			continue
		}
		if filters.Category != "" && d.Category != filters.Category {
			continue
		}
		if filters.ActiveOnly && !d.Active {
			continue
		}
		if filters.LatestOnly && !d.IsLatest {
			continue
		}
		result = append(result, *d)
	}
	sortDefinitions(result)
	return paginate(result, filters.Offset, filters.Limit), nil
}

// Versions returns all versions of a named definition, oldest first.
func (s *MemoryStore) Versions(_ context.Context, tenantID, name string) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowDefinition
	for _, d := range s.definitions {
		if d.TenantID == tenantID && d.Name == name {
			result = append(result, *d)
		}
	}
	sortDefinitions(result)
	return result, nil
}

// SetActive flips the active flag.
func (s *MemoryStore) SetActive(_ context.Context, tenantID, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.definitions[id]
	if !ok || d.TenantID != tenantID {
		return model.NewNotFoundError(fmt.Sprintf("workflow definition %s not found", id))
	}
	d.Active = active
	return nil
}

// ListTriggers returns enabled triggers of active, latest definitions.
func (s *MemoryStore) ListTriggers(_ context.Context, tenantID string, typ model.TriggerType) ([]model.WorkflowTrigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowTrigger
	for _, t := range s.triggers {
		if t.TenantID != tenantID || t.Type != typ || !t.Enabled {
			continue
		}
		d, ok := s.definitions[t.DefinitionID]
		if !ok || !d.Active || !d.IsLatest {
			continue
		}
		tc := *t
		if t.LastTriggered != nil {
			lt := *t.LastTriggered
			tc.LastTriggered = &lt
		}
		result = append(result, tc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CompareAndSetLastTriggered advances last_triggered if it still equals prev.
func (s *MemoryStore) CompareAndSetLastTriggered(_ context.Context, triggerID string, prev *time.Time, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.triggers[triggerID]
	if !ok {
		return false, model.NewNotFoundError(fmt.Sprintf("trigger %s not found", triggerID))
	}
	if !sameTime(t.LastTriggered, prev) {
		return false, nil
	}
	n := next
	t.LastTriggered = &n
	return true, nil
}

// TenantsWithTriggers lists tenants owning enabled triggers of the type.
func (s *MemoryStore) TenantsWithTriggers(_ context.Context, typ model.TriggerType) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var tenants []string
	for _, t := range s.triggers {
		if t.Type != typ || !t.Enabled || seen[t.TenantID] {
			continue
		}
		if d, ok := s.definitions[t.DefinitionID]; !ok || !d.Active || !d.IsLatest {
			continue
		}
		seen[t.TenantID] = true
		tenants = append(tenants, t.TenantID)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Len returns the number of stored definitions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.definitions)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sortDefinitions(defs []model.WorkflowDefinition) {
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Name != defs[j].Name {
			return defs[i].Name < defs[j].Name
		}
		return defs[i].Version < defs[j].Version
	})
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
