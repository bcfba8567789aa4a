package definition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/audit"
	"github.com/pitabwire/complyflow/model"
)

// ExecutionCounter reports how many executions of a definition have not yet
// reached a terminal state.
type ExecutionCounter interface {
	CountNonTerminal(ctx context.Context, tenantID, definitionID string) (int, error)
}

// snapshot is an immutable map of definition graphs indexed by ID. Graph
// content never changes after registration, so entries never go stale; only
// the flags do, and those are always read from the store.
type snapshot struct {
	graphs map[string]*model.WorkflowDefinition
}

// Registry validates, versions and serves workflow definitions.
type Registry struct {
	store      Store
	executions ExecutionCounter
	validator  *Validator
	audit      audit.Sink
	logger     *zap.Logger

	// Now returns the current time. Replaced in tests.
	Now func() time.Time

	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]

	// admitMu is held shared by execution starts and exclusively by
	// Deactivate, so a start cannot slip between the running-execution
	// count and the flag change.
	admitMu sync.RWMutex
}

// NewRegistry creates a Registry over the given store.
func NewRegistry(store Store, executions ExecutionCounter, sink audit.Sink, logger *zap.Logger) *Registry {
	r := &Registry{
		store:      store,
		executions: executions,
		validator:  NewValidator(),
		audit:      sink,
		logger:     logger.Named("definition"),
		Now:        func() time.Time { return time.Now().UTC() },
	}
	r.snap.Store(&snapshot{graphs: map[string]*model.WorkflowDefinition{}})
	return r
}

// Register validates def and stores it as a new version. Registering a name
// that already exists for the tenant creates the next version and makes it
// the latest; earlier versions stay untouched apart from losing IsLatest.
func (r *Registry) Register(ctx context.Context, def model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	def.TenantID = model.TenantFrom(ctx, def.TenantID)
	if def.TenantID == "" {
		return nil, model.NewValidationError([]model.FieldError{
			{Field: "tenant_id", Code: CodeRequired, Message: "tenant_id is required"},
		})
	}

	// 1. Validate structure, references and acyclicity.
	if verrs := r.validator.Validate(&def); len(verrs) > 0 {
		r.logger.Warn("definition rejected",
			zap.String("tenant_id", def.TenantID),
			zap.String("name", def.Name),
			zap.Int("errors", len(verrs)),
		)
		return nil, ToEnvelope(verrs)
	}

	// 2. Resolve the next version number.
	version := 1
	prev, err := r.store.GetLatest(ctx, def.TenantID, def.Name)
	switch {
	case err == nil:
		version = prev.Version + 1
	case model.ErrorCode(err) == model.ErrNotFound:
	default:
		return nil, fmt.Errorf("resolve latest definition: %w", err)
	}

	// 3. Assign identity and trigger rows.
	now := r.Now()
	def.ID = uuid.New().String()
	def.Version = version
	def.Active = true
	def.IsLatest = true
	def.CreatedAt = now
	def.CreatedBy = model.ActorFrom(ctx)

	def.Triggers = append([]model.TriggerDefinition(nil), def.Triggers...)
	triggers := make([]model.WorkflowTrigger, 0, len(def.Triggers))
	for i := range def.Triggers {
		b := &def.Triggers[i]
		name := b.Name
		if name == "" {
			name = b.ID
		}
		b.ID = uuid.New().String()
		triggers = append(triggers, model.WorkflowTrigger{
			ID:           b.ID,
			DefinitionID: def.ID,
			TenantID:     def.TenantID,
			Name:         name,
			Type:         b.Type,
			Condition:    b.Condition,
			Priority:     b.Priority,
			Cooldown:     parseCooldown(b.Cooldown),
			Schedule:     b.Schedule,
			Enabled:      b.IsEnabled(),
			CreatedAt:    now,
		})
	}

	// 4. Persist.
	if err := r.store.CreateVersion(ctx, &def, triggers); err != nil {
		return nil, fmt.Errorf("store definition: %w", err)
	}
	r.cache(&def)

	rec := audit.NewRecord(def.TenantID, model.AuditDefinition, def.ID, "definition.registered", def.CreatedBy, now)
	rec.NewState = "active"
	rec.Data = map[string]any{"name": def.Name, "version": def.Version}
	if prev != nil {
		rec.Data["supersedes"] = prev.ID
	}
	r.writeAudit(ctx, rec)

	r.logger.Info("definition registered",
		zap.String("tenant_id", def.TenantID),
		zap.String("definition_id", def.ID),
		zap.String("name", def.Name),
		zap.Int("version", def.Version),
		zap.Int("triggers", len(triggers)),
	)
	return &def, nil
}

// Deactivate clears the active flag. It is rejected while executions of the
// definition are still running unless force is set; forced deactivation
// leaves those executions running against their snapshot.
func (r *Registry) Deactivate(ctx context.Context, tenantID, id string, force bool) error {
	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	def, err := r.store.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !def.Active {
		return nil
	}

	running, err := r.executions.CountNonTerminal(ctx, tenantID, id)
	if err != nil {
		return fmt.Errorf("count running executions: %w", err)
	}
	if running > 0 && !force {
		return model.NewConflictError(fmt.Sprintf(
			"workflow definition %s has %d execution(s) in progress", id, running))
	}

	if err := r.store.SetActive(ctx, tenantID, id, false); err != nil {
		return err
	}

	actor := model.ActorFrom(ctx)
	rec := audit.NewRecord(tenantID, model.AuditDefinition, id, "definition.deactivated", actor, r.Now())
	rec.OldState = "active"
	rec.NewState = "inactive"
	rec.Data = map[string]any{"force": force, "running_executions": running}
	r.writeAudit(ctx, rec)

	r.logger.Info("definition deactivated",
		zap.String("tenant_id", tenantID),
		zap.String("definition_id", id),
		zap.Bool("force", force),
		zap.Int("running_executions", running),
	)
	return nil
}

// Admit calls start with the definition while it is guaranteed to stay
// active. It returns DEFINITION_INACTIVE without calling start when the
// definition is already deactivated.
func (r *Registry) Admit(ctx context.Context, tenantID, id string, start func(def *model.WorkflowDefinition) error) error {
	r.admitMu.RLock()
	defer r.admitMu.RUnlock()

	def, err := r.store.Get(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !def.Active {
		return model.NewDefinitionInactiveError(def.ID)
	}
	return start(def)
}

// Get returns a definition with its current flags.
func (r *Registry) Get(ctx context.Context, tenantID, id string) (*model.WorkflowDefinition, error) {
	return r.store.Get(ctx, tenantID, id)
}

// GetLatest returns the latest version registered under name.
func (r *Registry) GetLatest(ctx context.Context, tenantID, name string) (*model.WorkflowDefinition, error) {
	return r.store.GetLatest(ctx, tenantID, name)
}

// List returns definitions matching the filters.
func (r *Registry) List(ctx context.Context, tenantID string, filters Filters) ([]model.WorkflowDefinition, error) {
	return r.store.List(ctx, tenantID, filters)
}

// Versions returns every version registered under the name of definition id.
func (r *Registry) Versions(ctx context.Context, tenantID, id string) ([]model.WorkflowDefinition, error) {
	def, err := r.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return r.store.Versions(ctx, tenantID, def.Name)
}

// Snapshot returns the task graph of a definition for use by a running
// execution. Flags on the returned value may be stale.
func (r *Registry) Snapshot(ctx context.Context, tenantID, id string) (*model.WorkflowDefinition, error) {
	if def, ok := r.snap.Load().graphs[id]; ok && def.TenantID == tenantID {
		return def, nil
	}
	def, err := r.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	r.cache(def)
	return def, nil
}

// Validate runs validation without storing anything.
func (r *Registry) Validate(def *model.WorkflowDefinition) []VError {
	return r.validator.Validate(def)
}

// cache adds def to the snapshot with copy-on-write.
func (r *Registry) cache(def *model.WorkflowDefinition) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := r.snap.Load()
	next := &snapshot{graphs: make(map[string]*model.WorkflowDefinition, len(cur.graphs)+1)}
	for k, v := range cur.graphs {
		next.graphs[k] = v
	}
	cp := *def
	next.graphs[def.ID] = &cp
	r.snap.Store(next)
}

func (r *Registry) writeAudit(ctx context.Context, rec model.AuditRecord) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Write(ctx, rec); err != nil {
		r.logger.Error("audit write failed",
			zap.String("action", rec.Action),
			zap.String("entity_id", rec.EntityID),
			zap.Error(err),
		)
	}
}

func parseCooldown(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
