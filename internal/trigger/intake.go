package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/definition"
	"github.com/pitabwire/complyflow/model"
)

// Intake feeds events through the evaluator and queues whatever fires.
type Intake struct {
	evaluator  *Evaluator
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewIntake wires an evaluator to a dispatcher.
func NewIntake(evaluator *Evaluator, dispatcher *Dispatcher, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{evaluator: evaluator, dispatcher: dispatcher, logger: logger.Named("intake")}
}

// Ingest evaluates the event and submits the resulting requests. The
// returned requests are the ones that were queued.
func (in *Intake) Ingest(ctx context.Context, event model.Event) ([]model.ExecutionRequest, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	// A partial evaluation still queues what fired before reporting.
	reqs, evalErr := in.evaluator.Evaluate(ctx, event)
	if err := in.dispatcher.Submit(ctx, reqs...); err != nil {
		return nil, fmt.Errorf("submit execution requests: %w", err)
	}
	if evalErr != nil {
		return nil, evalErr
	}
	return reqs, nil
}

// HandleStateChange turns scheduler transitions into internal trigger
// events: a task reaching completed raises task_completion, a task entering
// its approval gate raises approval_required. Other changes are ignored.
// It has the events.Handler signature so it can subscribe to a bus.
func (in *Intake) HandleStateChange(ctx context.Context, change model.StateChange) {
	event, ok := internalEvent(change)
	if !ok {
		return
	}
	if _, err := in.Ingest(ctx, event); err != nil {
		in.logger.Error("internal trigger evaluation failed",
			zap.String("tenant_id", change.TenantID),
			zap.String("event_type", string(event.Type)),
			zap.String("execution_id", change.ExecutionID),
			zap.String("task_id", change.TaskID),
			zap.Error(err),
		)
	}
}

func internalEvent(change model.StateChange) (model.Event, bool) {
	if change.Type != model.EventTaskStateChanged {
		return model.Event{}, false
	}
	var typ model.TriggerType
	switch model.TaskState(change.To) {
	case model.TaskCompleted:
		typ = model.TriggerTaskCompletion
	case model.TaskWaitingApproval:
		typ = model.TriggerApprovalRequired
	default:
		return model.Event{}, false
	}

	payload := map[string]any{
		"execution_id": change.ExecutionID,
		"task_id":      change.TaskID,
		"task_key":     change.TaskKey,
		"from":         change.From,
		"to":           change.To,
		"actor":        change.Actor,
	}
	for k, v := range change.Data {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	return model.Event{
		ID:         change.ID,
		Type:       typ,
		TenantID:   change.TenantID,
		Payload:    payload,
		OccurredAt: change.OccurredAt,
	}, true
}

// ScheduledSource emits one scheduled event per tenant that owns scheduled
// triggers. The evaluator decides per trigger whether its cron schedule is
// due.
type ScheduledSource struct {
	triggers definition.TriggerStore
	intake   *Intake
	logger   *zap.Logger

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

// NewScheduledSource creates a tick source.
func NewScheduledSource(triggers definition.TriggerStore, intake *Intake, logger *zap.Logger) *ScheduledSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduledSource{
		triggers: triggers,
		intake:   intake,
		logger:   logger.Named("scheduled"),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Tick evaluates scheduled triggers for every tenant. Event ids are derived
// from the tenant and the minute, so replicas ticking in the same minute
// are de-duplicated by the evaluator. It returns the number of requests
// queued.
func (s *ScheduledSource) Tick(ctx context.Context) (int, error) {
	tenants, err := s.triggers.TenantsWithTriggers(ctx, model.TriggerScheduled)
	if err != nil {
		return 0, fmt.Errorf("list scheduled tenants: %w", err)
	}

	now := s.Now().Truncate(time.Minute)
	var (
		queued int
		errs   []error
	)
	for _, tenantID := range tenants {
		reqs, err := s.intake.Ingest(ctx, model.Event{
			ID:         fmt.Sprintf("tick:%s:%s", tenantID, now.Format("200601021504")),
			Type:       model.TriggerScheduled,
			TenantID:   tenantID,
			Payload:    map[string]any{"tick": now.Format(time.RFC3339)},
			OccurredAt: now,
		})
		if err != nil {
			s.logger.Error("scheduled tick failed", zap.String("tenant_id", tenantID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		queued += len(reqs)
	}
	return queued, errors.Join(errs...)
}
