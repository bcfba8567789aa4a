// Package trigger decides which workflow definitions an event starts and
// hands the resulting execution requests to the scheduler.
package trigger

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/complyflow/internal/audit"
	"github.com/pitabwire/complyflow/internal/condition"
	"github.com/pitabwire/complyflow/internal/config"
	"github.com/pitabwire/complyflow/internal/definition"
	"github.com/pitabwire/complyflow/internal/events"
	"github.com/pitabwire/complyflow/internal/idempotency"
	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/model"
)

// Decisions recorded for every trigger the evaluator considers.
const (
	DecisionFired              = "fired"
	DecisionSuppressedCooldown = "suppressed_cooldown"
	DecisionNoMatch            = "no_match"
	DecisionPredicateError     = "predicate_error"
	DecisionSuperseded         = "superseded"
	DecisionLostRace           = "lost_race"
	DecisionStoreError         = "store_error"

	// DecisionNotDue is counted but not audited: every tick would
	// otherwise write one record per scheduled trigger.
	DecisionNotDue = "not_due"
)

// DefaultDedupeTTL is how long an event id is remembered.
const DefaultDedupeTTL = 24 * time.Hour

// StateProvider supplies the tenant state trigger predicates read through
// the state. prefix.
type StateProvider interface {
	TenantState(ctx context.Context, tenantID string) (map[string]any, error)
}

// StateFunc adapts a function to StateProvider.
type StateFunc func(ctx context.Context, tenantID string) (map[string]any, error)

// TenantState calls f.
func (f StateFunc) TenantState(ctx context.Context, tenantID string) (map[string]any, error) {
	return f(ctx, tenantID)
}

// Evaluator matches events against trigger bindings. Firing a trigger and
// advancing its last_triggered timestamp happen in one compare-and-set, so
// concurrent deliveries of qualifying events fire a trigger at most once
// per cooldown window.
type Evaluator struct {
	triggers  definition.TriggerStore
	sink      audit.Sink
	logger    *zap.Logger
	dedupe    idempotency.Store
	dedupeTTL time.Duration
	state     StateProvider
	publisher events.Publisher
	metrics   *observability.Metrics
	retry     config.RetryConfig

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithDeduplication drops events whose id was already seen within ttl.
func WithDeduplication(store idempotency.Store, ttl time.Duration) Option {
	return func(e *Evaluator) {
		e.dedupe = store
		if ttl > 0 {
			e.dedupeTTL = ttl
		}
	}
}

// WithStateProvider sets the source of state. fields.
func WithStateProvider(p StateProvider) Option {
	return func(e *Evaluator) { e.state = p }
}

// WithPublisher announces fired triggers.
func WithPublisher(p events.Publisher) Option {
	return func(e *Evaluator) { e.publisher = p }
}

// WithRetry bounds the retries of a trigger's compare-and-set on
// transient store errors.
func WithRetry(cfg config.RetryConfig) Option {
	return func(e *Evaluator) { e.retry = cfg }
}

// WithMetrics records decisions.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// NewEvaluator creates an evaluator over the given trigger store.
func NewEvaluator(triggers definition.TriggerStore, sink audit.Sink, logger *zap.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Evaluator{
		triggers:  triggers,
		sink:      sink,
		logger:    logger,
		dedupeTTL: DefaultDedupeTTL,
		publisher: events.Nop{},
		retry: config.RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    50 * time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        time.Second,
		},
		Now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns one execution request for every trigger the event
// fires. Triggers are considered highest priority first, oldest first on
// ties; once a definition has fired for this event, lower-ranked triggers
// of the same definition are superseded. A predicate that fails to
// evaluate counts as no match and never stops the remaining triggers.
//
// A trigger whose compare-and-set still fails after retrying is recorded
// as store_error. The event's claim is then released and the error is
// returned alongside the requests that did fire, so a redelivery is
// evaluated again.
func (e *Evaluator) Evaluate(ctx context.Context, event model.Event) (reqs []model.ExecutionRequest, err error) {
	if !event.Type.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown event type %q", event.Type))
	}
	if event.TenantID == "" {
		return nil, model.NewBadRequestError("tenant_id is required")
	}

	ctx, span := observability.StartSpan(ctx, "trigger.evaluate",
		observability.AttrTenantID.String(event.TenantID),
		observability.AttrEventID.String(event.ID),
		observability.AttrTriggerType.String(string(event.Type)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	now := e.Now()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}

	// 1. Load candidate triggers before claiming the event, so a store
	// outage leaves redelivery possible.
	triggers, err := e.triggers.ListTriggers(ctx, event.TenantID, event.Type)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}

	// 2. Drop redelivered events.
	var claim string
	if event.ID != "" && e.dedupe != nil {
		key := idempotency.FormatKey(event.TenantID, idempotency.ScopeEvent, event.ID)
		first, err := e.dedupe.Claim(ctx, key, e.dedupeTTL)
		if err != nil {
			return nil, fmt.Errorf("claim event: %w", err)
		}
		if !first {
			e.metrics.RecordEventDeduplicated()
			e.logger.Debug("duplicate event dropped",
				zap.String("tenant_id", event.TenantID),
				zap.String("event_id", event.ID),
			)
			return nil, nil
		}
		claim = key
	}
	if len(triggers) == 0 {
		return nil, nil
	}

	// 3. Rank.
	sort.SliceStable(triggers, func(i, j int) bool {
		a, b := triggers[i], triggers[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	src := condition.Sources{
		condition.SourceEvent: event.Payload,
		condition.SourceState: e.tenantState(ctx, event.TenantID),
	}

	// 4. Decide each trigger.
	var (
		records  []model.AuditRecord
		fired    []model.StateChange
		storeErr error
		started  = make(map[string]string) // definition id -> trigger id
	)
	for i := range triggers {
		t := &triggers[i]
		decision, detail := e.decide(ctx, t, event, src, started, now)

		e.metrics.RecordTriggerDecision(string(event.Type), decision)
		observability.RecordTriggerDecision(ctx, t.ID, decision)
		if decision == DecisionNotDue {
			continue
		}
		records = append(records, decisionRecord(t, event, decision, detail, now))

		if decision == DecisionStoreError && storeErr == nil {
			storeErr = fmt.Errorf("advance trigger %s: %s", t.ID, detail)
		}
		if decision != DecisionFired {
			continue
		}
		started[t.DefinitionID] = t.ID
		reqs = append(reqs, model.ExecutionRequest{
			DefinitionID:     t.DefinitionID,
			TriggerID:        t.ID,
			TriggerType:      event.Type,
			TenantID:         event.TenantID,
			EventID:          event.ID,
			SeedContext:      seedContext(t, event),
			ImpactAssessment: event.ImpactAssessment,
		})
		fired = append(fired, model.StateChange{
			ID:         uuid.New().String(),
			Type:       model.EventTriggerFired,
			TenantID:   event.TenantID,
			Actor:      model.SystemActor,
			OccurredAt: now,
			Data: map[string]any{
				"trigger_id":    t.ID,
				"trigger_name":  t.Name,
				"definition_id": t.DefinitionID,
				"event_id":      event.ID,
				"event_type":    string(event.Type),
			},
		})
		e.logger.Info("trigger fired", observability.TriggerFields(t, event.ID)...)
	}

	// 5. Record. The decisions are already committed through the
	// compare-and-set, so sink failures are logged only.
	if storeErr != nil {
		storeErr = model.NewStoreUnavailableError(storeErr)
		if claim != "" {
			if err := e.dedupe.Release(ctx, claim); err != nil {
				e.logger.Error("release event claim failed",
					zap.String("tenant_id", event.TenantID),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			}
		}
	}
	if len(records) == 0 {
		return reqs, storeErr
	}
	if err := e.sink.Write(ctx, records...); err != nil {
		e.logger.Error("write trigger audit failed", zap.Int("records", len(records)), zap.Error(err))
	}
	if len(fired) > 0 {
		if err := e.publisher.Publish(ctx, fired...); err != nil {
			e.logger.Warn("publish trigger firings failed", zap.Error(err))
		}
	}
	return reqs, storeErr
}

func (e *Evaluator) decide(
	ctx context.Context,
	t *model.WorkflowTrigger,
	event model.Event,
	src condition.Sources,
	started map[string]string,
	now time.Time,
) (decision, detail string) {
	if t.Type == model.TriggerScheduled && t.Schedule != "" && !scheduleDue(t, now) {
		return DecisionNotDue, ""
	}
	if t.CoolingDown(now) {
		return DecisionSuppressedCooldown, ""
	}

	if t.Condition != nil {
		ok, err := condition.Evaluate(t.Condition, src)
		if err != nil {
			e.logger.Warn("trigger predicate failed", append(observability.TriggerFields(t, event.ID), zap.Error(err))...)
			return DecisionPredicateError, err.Error()
		}
		if !ok {
			if ce := e.logger.Check(zapcore.DebugLevel, "trigger predicate did not match"); ce != nil {
				ce.Write(append(observability.TriggerFields(t, event.ID),
					zap.Any("payload", observability.RedactPayload(event.Payload)))...)
			}
			return DecisionNoMatch, ""
		}
	}

	if winner, ok := started[t.DefinitionID]; ok {
		return DecisionSuperseded, winner
	}

	var swapped bool
	err := withRetry(ctx, e.retry, e.metrics, "trigger_cas", func() error {
		var err error
		swapped, err = e.triggers.CompareAndSetLastTriggered(ctx, t.ID, t.LastTriggered, now)
		return err
	})
	if err != nil {
		e.logger.Error("advance trigger cooldown failed", append(observability.TriggerFields(t, event.ID), zap.Error(err))...)
		return DecisionStoreError, err.Error()
	}
	if !swapped {
		return DecisionLostRace, ""
	}
	return DecisionFired, ""
}

// scheduleDue reports whether the trigger's cron schedule has a slot
// between its last firing (or creation) and now. Unparsable schedules are
// rejected at registration, so a parse failure here is never due.
func scheduleDue(t *model.WorkflowTrigger, now time.Time) bool {
	sched, err := definition.ParseSchedule(t.Schedule)
	if err != nil {
		return false
	}
	from := t.CreatedAt
	if t.LastTriggered != nil {
		from = *t.LastTriggered
	}
	return !sched.Next(from).After(now)
}

func (e *Evaluator) tenantState(ctx context.Context, tenantID string) map[string]any {
	if e.state == nil {
		return nil
	}
	state, err := e.state.TenantState(ctx, tenantID)
	if err != nil {
		e.logger.Warn("load tenant state failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return nil
	}
	return state
}

func decisionRecord(t *model.WorkflowTrigger, event model.Event, decision, detail string, now time.Time) model.AuditRecord {
	rec := audit.NewRecord(event.TenantID, model.AuditTrigger, t.ID, "trigger."+decision, model.SystemActor, now)
	rec.NewState = decision
	rec.Data = map[string]any{
		"definition_id": t.DefinitionID,
		"event_id":      event.ID,
		"event_type":    string(event.Type),
		"priority":      t.Priority,
	}
	switch decision {
	case DecisionSuperseded:
		rec.Data["superseded_by"] = detail
	case DecisionPredicateError, DecisionStoreError:
		rec.Data["error"] = detail
	}
	return rec
}

// seedContext is the initial execution context contributed by the trigger:
// the event payload under "event" plus the trigger identity.
func seedContext(t *model.WorkflowTrigger, event model.Event) map[string]any {
	payload := make(map[string]any, len(event.Payload))
	maps.Copy(payload, event.Payload)
	return map[string]any{
		"event":        payload,
		"event_id":     event.ID,
		"event_type":   string(event.Type),
		"trigger_id":   t.ID,
		"trigger_name": t.Name,
	}
}
