package workflow

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/config"
	"github.com/pitabwire/complyflow/internal/definition"
	"github.com/pitabwire/complyflow/internal/events"
	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/model"
)

// Definitions resolves the definitions executions run against.
type Definitions interface {
	// Admit runs start while the definition is held active.
	Admit(ctx context.Context, tenantID, id string, start func(def *model.WorkflowDefinition) error) error
	// Snapshot returns the immutable task graph of a definition version.
	Snapshot(ctx context.Context, tenantID, id string) (*model.WorkflowDefinition, error)
}

// Options tunes the scheduler.
type Options struct {
	DefaultSLA         time.Duration
	LockTimeout        time.Duration
	EscalationInterval time.Duration
	Retry              config.RetryConfig
}

// OptionsFromConfig maps engine configuration onto scheduler options.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		DefaultSLA:         cfg.DefaultSLA,
		LockTimeout:        cfg.LockTimeout,
		EscalationInterval: cfg.EscalationInterval,
		Retry:              cfg.Retry,
	}
}

// Scheduler owns execution and task state. Every mutation of one
// execution runs under that execution's lock inside a single store
// transaction, and state changes are published only after it commits.
type Scheduler struct {
	defs      Definitions
	store     Store
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	locks     *KeyedLock
	opts      Options

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

// NewScheduler creates a scheduler. publisher and metrics may be nil.
func NewScheduler(
	defs Definitions,
	store Store,
	publisher events.Publisher,
	metrics *observability.Metrics,
	logger *zap.Logger,
	opts Options,
) *Scheduler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	if opts.EscalationInterval <= 0 {
		opts.EscalationInterval = 24 * time.Hour
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	return &Scheduler{
		defs:      defs,
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		locks:     NewKeyedLock(),
		opts:      opts,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// StartExecution instantiates an active definition: the seeded context is
// validated, the execution is created and activated, and the initial
// frontier of tasks is created, all in one transaction.
func (s *Scheduler) StartExecution(ctx context.Context, req model.ExecutionRequest) (exec *model.WorkflowExecution, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.start_execution",
		observability.AttrTenantID.String(req.TenantID),
		observability.AttrDefinitionID.String(req.DefinitionID),
		observability.AttrTriggerType.String(string(req.TriggerType)),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		s.metrics.RecordOperation("start_execution", err, time.Since(start))
	}()

	// The definition must exist and stay active until the execution is
	// stored.
	var (
		def *model.WorkflowDefinition
		r   *run
	)
	err = s.defs.Admit(ctx, req.TenantID, req.DefinitionID, func(d *model.WorkflowDefinition) error {
		def = d
		var err error
		r, err = s.create(ctx, def, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	observability.AnnotateExecution(ctx, r.exec)
	s.metrics.RecordExecutionStart(def.Name, string(req.TriggerType))
	s.logger.Info("execution started", append(observability.ExecutionFields(r.exec),
		zap.String("definition", def.Name),
		zap.String("trigger_type", string(req.TriggerType)),
		zap.String("event_id", req.EventID),
	)...)
	s.publish(ctx, r)
	return cloneExecution(r.exec), nil
}

// create builds the execution in draft, activates it, grows the initial
// frontier and stores all of it in one transaction.
func (s *Scheduler) create(ctx context.Context, def *model.WorkflowDefinition, req model.ExecutionRequest) (*run, error) {
	// 1. Defaults overlaid by the seed, checked against the context schema.
	data := cloneMap(def.DefaultVariables)
	if data == nil {
		data = map[string]any{}
	}
	maps.Copy(data, cloneMap(req.SeedContext))
	if err := definition.ValidateContext(def.Name, def.ContextSchema, data); err != nil {
		return nil, model.NewValidationError([]model.FieldError{{
			Field:   "seed_context",
			Code:    "SCHEMA",
			Message: err.Error(),
		}})
	}

	sla := def.SLADuration()
	if sla <= 0 {
		sla = s.opts.DefaultSLA
	}

	var r *run
	err := s.retry(ctx, "start_execution", func() error {
		// 2. Build the execution in draft, activate it and grow the frontier.
		now := s.Now()
		e := &model.WorkflowExecution{
			ID:                uuid.New().String(),
			TenantID:          req.TenantID,
			DefinitionID:      def.ID,
			DefinitionName:    def.Name,
			DefinitionVersion: def.Version,
			TriggerID:         req.TriggerID,
			TriggerType:       req.TriggerType,
			State:             model.ExecutionDraft,
			ContextData:       cloneMap(data),
			ImpactAssessment:  req.ImpactAssessment,
			StartedBy:         model.ActorFrom(ctx),
			SLA:               sla,
			CreatedAt:         now,
			Version:           1,
		}
		e.Touch(now)

		rr := newRun(def, e, nil, now, e.StartedBy)
		rr.insert = true
		rr.audits = append(rr.audits, rr.record(model.AuditExecution, e.ID, ActionExecutionCreated, "", string(model.ExecutionDraft), map[string]any{
			"definition_version": def.Version,
			"trigger_id":         req.TriggerID,
			"trigger_type":       string(req.TriggerType),
			"event_id":           req.EventID,
			"impact_assessment":  len(req.ImpactAssessment) > 0,
		}))
		if err := rr.setExecState(model.ExecutionActive, ""); err != nil {
			return err
		}
		if err := rr.advance(); err != nil {
			return err
		}

		// 3. Persist everything together.
		if err := s.store.WithinTx(ctx, func(tx Tx) error { return rr.flush(ctx, tx) }); err != nil {
			return err
		}
		r = rr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Advance re-evaluates the frontier of an active execution.
func (s *Scheduler) Advance(ctx context.Context, tenantID, executionID string) (*model.WorkflowExecution, error) {
	r, err := s.mutate(ctx, "advance", tenantID, executionID, func(r *run) error {
		if r.exec.State != model.ExecutionActive {
			return model.NewExecutionNotActiveError(r.exec.ID, r.exec.State)
		}
		return r.advance()
	})
	if err != nil {
		return nil, err
	}
	return cloneExecution(r.exec), nil
}

// HandleTaskOutcome records the outcome of a task and advances its
// execution. Repeating the outcome a terminal task already has is a no-op
// reported as a duplicate.
func (s *Scheduler) HandleTaskOutcome(
	ctx context.Context,
	tenantID, taskID string,
	outcome model.TaskOutcome,
	result map[string]any,
) (*model.OutcomeResult, error) {
	if !outcome.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown outcome %q", outcome))
	}

	task, err := s.store.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}

	ctx = withSpanAttrs(ctx, observability.AttrTaskID.String(taskID), observability.AttrOutcome.String(string(outcome)))
	r, err := s.mutate(ctx, "handle_task_outcome", tenantID, task.ExecutionID, func(r *run) error {
		t, err := r.task(taskID)
		if err != nil {
			return err
		}

		// 1. Terminal tasks accept only a repeat of their own outcome.
		if t.State.Terminal() {
			if t.State == outcome.State() {
				r.duplicate = true
				return nil
			}
			return invalidTaskTransition(t, outcome.State())
		}

		// 2. The execution must still be running.
		if r.exec.State.Terminal() {
			return model.NewExecutionNotActiveError(r.exec.ID, r.exec.State)
		}

		// 3. Apply the outcome.
		switch outcome {
		case model.OutcomeCompleted:
			if err := r.completeTask(t, result); err != nil {
				return err
			}
		case model.OutcomeFailed:
			t.Attempts++
			if t.Attempts <= t.RetryBudget {
				r.retryTask(t, result)
				break
			}
			if result != nil {
				t.Result = result
			}
			if err := r.setTaskState(t, model.TaskFailed, map[string]any{"attempts": t.Attempts}); err != nil {
				return err
			}
		case model.OutcomeCancelled:
			if err := r.setTaskState(t, model.TaskCancelled, nil); err != nil {
				return err
			}
		}

		// 4. Advance.
		r.touch()
		return r.settle()
	})
	if err != nil {
		return nil, err
	}

	t := r.byID[taskID]
	return &model.OutcomeResult{
		TaskID:         t.ID,
		TaskState:      t.State,
		ExecutionID:    r.exec.ID,
		ExecutionState: r.exec.State,
		Progress:       r.exec.Progress,
		Duplicate:      r.duplicate,
	}, nil
}

// Pause stops frontier growth. Outcomes are still recorded while paused.
func (s *Scheduler) Pause(ctx context.Context, tenantID, executionID, reason string) (*model.WorkflowExecution, error) {
	return s.setState(ctx, "pause", tenantID, executionID, model.ExecutionPaused, reason)
}

// Resume reactivates a paused execution and catches the frontier up.
func (s *Scheduler) Resume(ctx context.Context, tenantID, executionID string) (*model.WorkflowExecution, error) {
	r, err := s.mutate(ctx, "resume", tenantID, executionID, func(r *run) error {
		if r.exec.State != model.ExecutionPaused {
			return invalidExecutionTransition(r.exec, model.ExecutionActive)
		}
		if err := r.setExecState(model.ExecutionActive, ""); err != nil {
			return err
		}
		r.touch()
		return r.advance()
	})
	if err != nil {
		return nil, err
	}
	return cloneExecution(r.exec), nil
}

// Cancel ends an execution and cancels its open tasks.
func (s *Scheduler) Cancel(ctx context.Context, tenantID, executionID, reason string) (*model.WorkflowExecution, error) {
	return s.setState(ctx, "cancel", tenantID, executionID, model.ExecutionCancelled, reason)
}

func (s *Scheduler) setState(ctx context.Context, op, tenantID, executionID string, to model.ExecutionState, reason string) (*model.WorkflowExecution, error) {
	r, err := s.mutate(ctx, op, tenantID, executionID, func(r *run) error {
		return r.setExecState(to, reason)
	})
	if err != nil {
		return nil, err
	}
	return cloneExecution(r.exec), nil
}

// Get returns an execution.
func (s *Scheduler) Get(ctx context.Context, tenantID, executionID string) (*model.WorkflowExecution, error) {
	return s.store.GetExecution(ctx, tenantID, executionID)
}

// List returns executions matching the filters.
func (s *Scheduler) List(ctx context.Context, tenantID string, filters model.ExecutionFilters) ([]model.WorkflowExecution, error) {
	return s.store.ListExecutions(ctx, tenantID, filters)
}

// Tasks returns the tasks of an execution.
func (s *Scheduler) Tasks(ctx context.Context, tenantID, executionID string) ([]model.WorkflowTask, error) {
	if _, err := s.store.GetExecution(ctx, tenantID, executionID); err != nil {
		return nil, err
	}
	return s.store.ListTasks(ctx, tenantID, executionID)
}

// GetTask returns a task.
func (s *Scheduler) GetTask(ctx context.Context, tenantID, taskID string) (*model.WorkflowTask, error) {
	return s.store.GetTask(ctx, tenantID, taskID)
}

// AuditTrail returns the audit records of an execution in write order.
func (s *Scheduler) AuditTrail(ctx context.Context, tenantID, executionID string) ([]model.AuditRecord, error) {
	if _, err := s.store.GetExecution(ctx, tenantID, executionID); err != nil {
		return nil, err
	}
	return s.store.AuditTrail(ctx, tenantID, executionID)
}

// CountNonTerminal counts open executions of a definition.
func (s *Scheduler) CountNonTerminal(ctx context.Context, tenantID, definitionID string) (int, error) {
	return s.store.CountNonTerminal(ctx, tenantID, definitionID)
}

// TenantState summarises a tenant's open executions for trigger predicates:
// "active_executions" and "paused_executions" are totals, "running" maps
// definition names to their open execution counts.
func (s *Scheduler) TenantState(ctx context.Context, tenantID string) (map[string]any, error) {
	running := map[string]any{}
	state := map[string]any{"running": running}
	for _, st := range []model.ExecutionState{model.ExecutionActive, model.ExecutionPaused} {
		execs, err := s.store.ListExecutions(ctx, tenantID, model.ExecutionFilters{State: st})
		if err != nil {
			return nil, err
		}
		state[string(st)+"_executions"] = len(execs)
		for _, e := range execs {
			n, _ := running[e.DefinitionName].(int)
			running[e.DefinitionName] = n + 1
		}
	}
	return state, nil
}

// mutate runs fn against a locked execution and commits what it changed.
// Transient store failures are retried with backoff; every attempt starts
// from freshly loaded state.
func (s *Scheduler) mutate(ctx context.Context, op, tenantID, executionID string, fn func(r *run) error) (r *run, err error) {
	start := time.Now()
	attrs := append(spanAttrs(ctx),
		observability.AttrTenantID.String(tenantID),
		observability.AttrExecutionID.String(executionID),
		observability.AttrActor.String(model.ActorFrom(ctx)),
	)
	ctx, span := observability.StartSpan(ctx, "workflow."+op, attrs...)
	defer func() {
		observability.EndSpanWithError(span, err)
		s.metrics.RecordOperation(op, err, time.Since(start))
	}()

	unlock, err := s.lock(ctx, executionID)
	if err != nil {
		return nil, err
	}

	actor := model.ActorFrom(ctx)
	err = s.locked(unlock, func() error {
		return s.retry(ctx, op, func() error {
			return s.store.WithinTx(ctx, func(tx Tx) error {
				exec, err := tx.LockExecution(ctx, tenantID, executionID)
				if err != nil {
					return err
				}
				def, err := s.defs.Snapshot(ctx, tenantID, exec.DefinitionID)
				if err != nil {
					return err
				}
				tasks, err := tx.ListTasks(ctx, executionID)
				if err != nil {
					return err
				}

				rr := newRun(def, exec, tasks, s.Now(), actor)
				if err := fn(rr); err != nil {
					return err
				}
				if err := rr.flush(ctx, tx); err != nil {
					return err
				}
				r = rr
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	observability.AnnotateExecution(ctx, r.exec)
	// Subscribers may call back into the scheduler, so changes go out only
	// once the execution lock is released.
	s.publish(ctx, r)
	return r, nil
}

// locked runs fn and releases the execution lock however fn returns.
func (s *Scheduler) locked(unlock func(), fn func() error) error {
	defer unlock()
	return fn()
}

func (s *Scheduler) lock(ctx context.Context, executionID string) (func(), error) {
	waitStart := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()

	unlock, err := s.locks.Lock(lockCtx, executionID)
	s.metrics.RecordLockWait(time.Since(waitStart))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, model.NewConflictError(fmt.Sprintf("execution %q is busy", executionID))
	}
	return unlock, nil
}

// retry runs fn until it succeeds, fails permanently, or the attempt
// budget is spent. Only transient errors are retried.
func (s *Scheduler) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	if s.opts.Retry.BackoffInitial > 0 {
		b.InitialInterval = s.opts.Retry.BackoffInitial
	}
	if s.opts.Retry.BackoffMultiplier > 0 {
		b.Multiplier = s.opts.Retry.BackoffMultiplier
	}
	if s.opts.Retry.BackoffMax > 0 {
		b.MaxInterval = s.opts.Retry.BackoffMax
	}
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !model.IsTransient(err) {
			return backoff.Permanent(err)
		}
		s.metrics.RecordStoreRetry(op)
		s.logger.Warn("transient failure, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.Retry.MaxAttempts-1)), ctx)
	return backoff.Retry(operation, policy)
}

// publish hands committed state changes to subscribers. The transition is
// already durable, so failures are logged and not returned.
func (s *Scheduler) publish(ctx context.Context, r *run) {
	for _, c := range r.changes {
		switch c.Type {
		case model.EventExecutionStateChanged:
			s.metrics.RecordExecutionTransition(r.exec.DefinitionName, c.To)
			s.logger.Info("execution state changed", observability.ChangeFields(c)...)
		case model.EventTaskStateChanged:
			typ, _ := c.Data["task_type"].(string)
			s.metrics.RecordTaskTransition(typ, c.To)
			s.logger.Debug("task state changed", observability.ChangeFields(c)...)
		}
	}
	if len(r.changes) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, r.changes...); err != nil {
		s.logger.Warn("publish state changes failed",
			zap.String("execution_id", r.exec.ID),
			zap.Int("changes", len(r.changes)),
			zap.Error(err),
		)
	}
}

type spanAttrsKey struct{}

// withSpanAttrs carries extra span attributes into the next mutate call.
func withSpanAttrs(ctx context.Context, attrs ...attribute.KeyValue) context.Context {
	return context.WithValue(ctx, spanAttrsKey{}, attrs)
}

func spanAttrs(ctx context.Context) []attribute.KeyValue {
	attrs, _ := ctx.Value(spanAttrsKey{}).([]attribute.KeyValue)
	return append([]attribute.KeyValue(nil), attrs...)
}
