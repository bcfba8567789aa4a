package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/audit"
	"github.com/pitabwire/complyflow/internal/config"
	"github.com/pitabwire/complyflow/internal/definition"
	"github.com/pitabwire/complyflow/internal/events"
	"github.com/pitabwire/complyflow/model"
)

// --- Test helpers ---

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	sched *Scheduler
	store *MemoryStore
	defs  *definition.Registry
	rec   *events.Recorder
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: NewMemoryStore(), rec: &events.Recorder{}, now: testEpoch}
	h.defs = definition.NewRegistry(definition.NewMemoryStore(), h.store, &audit.MemorySink{}, zap.NewNop())
	h.sched = NewScheduler(h.defs, h.store, h.rec, nil, zap.NewNop(), Options{
		DefaultSLA:         72 * time.Hour,
		LockTimeout:        5 * time.Second,
		EscalationInterval: 24 * time.Hour,
		Retry: config.RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        5 * time.Millisecond,
		},
	})
	h.sched.Now = func() time.Time { return h.now }
	return h
}

func testCtx() context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "alice", TenantID: "t1"})
}

func linearDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		TenantID: "t1",
		Name:     "d1",
		Tasks: []model.TaskDefinition{
			{ID: "A", Name: "Assess", Type: model.TaskTypeAssessment},
			{ID: "B", Name: "Remediate", Type: model.TaskTypeRemediation, DependsOn: []string{"A"}},
			{ID: "C", Name: "Attest", Type: model.TaskTypeAttestation, DependsOn: []string{"B"}},
		},
	}
}

// diamondDefinition is A -> (B, C) -> D.
func diamondDefinition() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		TenantID: "t1",
		Name:     "diamond",
		Tasks: []model.TaskDefinition{
			{ID: "A", Name: "Assess", Type: model.TaskTypeAssessment},
			{ID: "B", Name: "Legal review", Type: model.TaskTypeReview, DependsOn: []string{"A"}},
			{ID: "C", Name: "Collect evidence", Type: model.TaskTypeEvidenceCollection, DependsOn: []string{"A"}},
			{ID: "D", Name: "Attest", Type: model.TaskTypeAttestation, DependsOn: []string{"B", "C"}},
		},
	}
}

func (h *harness) register(t *testing.T, def model.WorkflowDefinition) *model.WorkflowDefinition {
	t.Helper()
	got, err := h.defs.Register(testCtx(), def)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return got
}

func (h *harness) start(t *testing.T, def *model.WorkflowDefinition, seed map[string]any) *model.WorkflowExecution {
	t.Helper()
	exec, err := h.sched.StartExecution(testCtx(), model.ExecutionRequest{
		DefinitionID: def.ID,
		TenantID:     "t1",
		TriggerType:  model.TriggerManual,
		SeedContext:  seed,
	})
	if err != nil {
		t.Fatalf("StartExecution() error = %v", err)
	}
	return exec
}

func (h *harness) task(t *testing.T, executionID, key string) *model.WorkflowTask {
	t.Helper()
	tasks, err := h.sched.Tasks(testCtx(), "t1", executionID)
	if err != nil {
		t.Fatalf("Tasks() error = %v", err)
	}
	for i := range tasks {
		if tasks[i].TaskKey == key {
			return &tasks[i]
		}
	}
	return nil
}

func (h *harness) mustTask(t *testing.T, executionID, key string) *model.WorkflowTask {
	t.Helper()
	task := h.task(t, executionID, key)
	if task == nil {
		t.Fatalf("task %s was never created", key)
	}
	return task
}

func (h *harness) outcome(t *testing.T, executionID, key string, outcome model.TaskOutcome, result map[string]any) *model.OutcomeResult {
	t.Helper()
	task := h.mustTask(t, executionID, key)
	res, err := h.sched.HandleTaskOutcome(testCtx(), "t1", task.ID, outcome, result)
	if err != nil {
		t.Fatalf("HandleTaskOutcome(%s, %s) error = %v", key, outcome, err)
	}
	return res
}

func (h *harness) exec(t *testing.T, id string) *model.WorkflowExecution {
	t.Helper()
	e, err := h.sched.Get(testCtx(), "t1", id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return e
}

func (h *harness) auditActions(t *testing.T, executionID string) []string {
	t.Helper()
	trail, err := h.sched.AuditTrail(testCtx(), "t1", executionID)
	if err != nil {
		t.Fatalf("AuditTrail() error = %v", err)
	}
	actions := make([]string, len(trail))
	for i, r := range trail {
		actions[i] = r.Action
	}
	return actions
}

func equalKeys(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// --- StartExecution ---

func TestScheduler_StartExecution_initialFrontier(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())

	exec := h.start(t, def, nil)

	if exec.State != model.ExecutionActive {
		t.Errorf("State = %s, want active", exec.State)
	}
	if !equalKeys(exec.CurrentTasks, []string{"A"}) {
		t.Errorf("CurrentTasks = %v, want [A]", exec.CurrentTasks)
	}
	if exec.Progress != 0 {
		t.Errorf("Progress = %v, want 0", exec.Progress)
	}
	if exec.StartedBy != "alice" {
		t.Errorf("StartedBy = %q, want alice", exec.StartedBy)
	}
	if exec.ExpiresAt == nil || !exec.ExpiresAt.Equal(testEpoch.Add(72*time.Hour)) {
		t.Errorf("ExpiresAt = %v, want default SLA from start", exec.ExpiresAt)
	}

	a := h.mustTask(t, exec.ID, "A")
	if a.State != model.TaskPending {
		t.Errorf("task A state = %s, want pending", a.State)
	}
	if h.task(t, exec.ID, "B") != nil {
		t.Error("task B created before its dependency completed")
	}

	want := []string{ActionExecutionCreated, ActionExecutionState, ActionTaskCreated}
	if got := h.auditActions(t, exec.ID); !equalKeys(got, want) {
		t.Errorf("audit actions = %v, want %v", got, want)
	}

	changes := h.rec.OfType(model.EventExecutionStateChanged)
	if len(changes) != 1 || changes[0].From != "draft" || changes[0].To != "active" {
		t.Errorf("execution changes = %+v, want one draft -> active", changes)
	}
}

func TestScheduler_StartExecution_assignedWhenDefinitionNamesAssignee(t *testing.T) {
	h := newHarness(t)
	d := linearDefinition()
	d.Tasks[0].Assignee = &model.Assignee{Role: "compliance-analyst"}
	d.Tasks[0].DueIn = "48h"
	def := h.register(t, d)

	exec := h.start(t, def, nil)

	a := h.mustTask(t, exec.ID, "A")
	if a.State != model.TaskAssigned || a.Assignee.Role != "compliance-analyst" {
		t.Errorf("task A = %s/%+v, want assigned to compliance-analyst", a.State, a.Assignee)
	}
	if a.DueDate == nil || !a.DueDate.Equal(testEpoch.Add(48*time.Hour)) {
		t.Errorf("DueDate = %v, want start + 48h", a.DueDate)
	}
	if a.Priority != model.PriorityMedium {
		t.Errorf("Priority = %q, want medium default", a.Priority)
	}
}

func TestScheduler_StartExecution_inactiveDefinition(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())
	if err := h.defs.Deactivate(testCtx(), "t1", def.ID, false); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	_, err := h.sched.StartExecution(testCtx(), model.ExecutionRequest{DefinitionID: def.ID, TenantID: "t1", TriggerType: model.TriggerManual})
	if model.ErrorCode(err) != model.ErrDefinitionInactive {
		t.Errorf("error = %v, want DEFINITION_INACTIVE", err)
	}
}

func TestScheduler_StartExecution_contextSchema(t *testing.T) {
	h := newHarness(t)
	d := linearDefinition()
	d.ContextSchema = map[string]any{
		"type":     "object",
		"required": []any{"region"},
		"properties": map[string]any{
			"region": map[string]any{"type": "string"},
		},
	}
	def := h.register(t, d)

	_, err := h.sched.StartExecution(testCtx(), model.ExecutionRequest{DefinitionID: def.ID, TenantID: "t1", TriggerType: model.TriggerManual})
	if model.ErrorCode(err) != model.ErrValidationError {
		t.Fatalf("error = %v, want VALIDATION_ERROR", err)
	}

	exec := h.start(t, def, map[string]any{"region": "EU"})
	if exec.ContextData["region"] != "EU" {
		t.Errorf("ContextData = %v, want seeded region", exec.ContextData)
	}
}

func TestScheduler_StartExecution_seedOverridesDefaults(t *testing.T) {
	h := newHarness(t)
	d := linearDefinition()
	d.DefaultVariables = map[string]any{"region": "US", "framework": "SOX"}
	d.SLA = "2h"
	def := h.register(t, d)

	exec := h.start(t, def, map[string]any{"region": "EU"})

	if exec.ContextData["region"] != "EU" || exec.ContextData["framework"] != "SOX" {
		t.Errorf("ContextData = %v, want seed over defaults", exec.ContextData)
	}
	if exec.SLA != 2*time.Hour {
		t.Errorf("SLA = %v, want definition SLA", exec.SLA)
	}
}

// --- HandleTaskOutcome ---

func TestScheduler_linearFailureStopsDownstream(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())
	exec := h.start(t, def, nil)

	h.outcome(t, exec.ID, "A", model.OutcomeCompleted, map[string]any{"score": 7})
	if h.task(t, exec.ID, "B") == nil {
		t.Fatal("task B not created after A completed")
	}

	res := h.outcome(t, exec.ID, "B", model.OutcomeFailed, nil)
	if res.ExecutionState != model.ExecutionFailed {
		t.Errorf("ExecutionState = %s, want failed", res.ExecutionState)
	}
	if h.task(t, exec.ID, "C") != nil {
		t.Error("task C created after required B failed")
	}

	got := h.exec(t, exec.ID)
	if !equalKeys(got.CompletedTasks, []string{"A"}) || !equalKeys(got.FailedTasks, []string{"B"}) {
		t.Errorf("completed = %v failed = %v", got.CompletedTasks, got.FailedTasks)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal execution")
	}
}

func TestScheduler_linearCompletion(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())
	exec := h.start(t, def, nil)

	h.outcome(t, exec.ID, "A", model.OutcomeCompleted, map[string]any{"score": 7})
	h.outcome(t, exec.ID, "B", model.OutcomeCompleted, nil)
	res := h.outcome(t, exec.ID, "C", model.OutcomeCompleted, nil)

	if res.ExecutionState != model.ExecutionCompleted || res.Progress != 100 {
		t.Errorf("result = %+v, want completed at 100%%", res)
	}
	got := h.exec(t, exec.ID)
	results, _ := got.ContextData["tasks"].(map[string]any)
	a, _ := results["A"].(map[string]any)
	if a["score"] != 7 {
		t.Errorf("context tasks.A = %v, want merged result", results["A"])
	}
	if len(got.CurrentTasks) != 0 {
		t.Errorf("CurrentTasks = %v, want none", got.CurrentTasks)
	}
}

func TestScheduler_HandleTaskOutcome_duplicate(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())
	exec := h.start(t, def, nil)

	h.outcome(t, exec.ID, "A", model.OutcomeCompleted, nil)
	before := len(h.auditActions(t, exec.ID))
	version := h.exec(t, exec.ID).Version

	res := h.outcome(t, exec.ID, "A", model.OutcomeCompleted, nil)
	if !res.Duplicate {
		t.Error("Duplicate = false, want true")
	}
	if after := len(h.auditActions(t, exec.ID)); after != before {
		t.Errorf("audit records = %d, want %d", after, before)
	}
	if v := h.exec(t, exec.ID).Version; v != version {
		t.Errorf("version = %d, want %d", v, version)
	}

	a := h.mustTask(t, exec.ID, "A")
	_, err := h.sched.HandleTaskOutcome(testCtx(), "t1", a.ID, model.OutcomeFailed, nil)
	if model.ErrorCode(err) != model.ErrInvalidTransition {
		t.Errorf("error = %v, want INVALID_TRANSITION", err)
	}
}

func TestScheduler_HandleTaskOutcome_unknownOutcome(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())
	exec := h.start(t, def, nil)
	a := h.mustTask(t, exec.ID, "A")

	_, err := h.sched.HandleTaskOutcome(testCtx(), "t1", a.ID, model.TaskOutcome("done"), nil)
	if model.ErrorCode(err) != model.ErrBadRequest {
		t.Errorf("error = %v, want BAD_REQUEST", err)
	}
}

func TestScheduler_HandleTaskOutcome_tenantIsolation(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())
	exec := h.start(t, def, nil)
	a := h.mustTask(t, exec.ID, "A")

	_, err := h.sched.HandleTaskOutcome(testCtx(), "t2", a.ID, model.OutcomeCompleted, nil)
	if model.ErrorCode(err) != model.ErrNotFound {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestScheduler_progressNeverDecreases(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, diamondDefinition())
	exec := h.start(t, def, nil)

	last := exec.Progress
	steps := []struct {
		key     string
		outcome model.TaskOutcome
	}{
		{"A", model.OutcomeCompleted},
		{"C", model.OutcomeCompleted},
		{"B", model.OutcomeCompleted},
		{"D", model.OutcomeCompleted},
	}
	for _, s := range steps {
		res := h.outcome(t, exec.ID, s.key, s.outcome, nil)
		if res.Progress < last {
			t.Fatalf("progress went from %v to %v after %s", last, res.Progress, s.key)
		}
		last = res.Progress
	}
	if last != 100 {
		t.Errorf("final progress = %v, want 100", last)
	}
}

func TestScheduler_concurrentOutcomesSerialize(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, diamondDefinition())
	exec := h.start(t, def, nil)
	h.outcome(t, exec.ID, "A", model.OutcomeCompleted, nil)

	b := h.mustTask(t, exec.ID, "B")
	c := h.mustTask(t, exec.ID, "C")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{b.ID, c.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.sched.HandleTaskOutcome(testCtx(), "t1", id, model.OutcomeCompleted, nil)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("HandleTaskOutcome() error = %v", err)
		}
	}

	tasks, err := h.sched.Tasks(testCtx(), "t1", exec.ID)
	if err != nil {
		t.Fatalf("Tasks() error = %v", err)
	}
	if len(tasks) != 4 {
		t.Fatalf("tasks = %d, want 4 (D created exactly once)", len(tasks))
	}
	got := h.exec(t, exec.ID)
	if !equalKeys(got.CurrentTasks, []string{"D"}) {
		t.Errorf("CurrentTasks = %v, want [D]", got.CurrentTasks)
	}
	if h.sched.locks.Len() != 0 {
		t.Errorf("lock entries = %d, want 0", h.sched.locks.Len())
	}
}

func TestScheduler_retryBudget(t *testing.T) {
	h := newHarness(t)
	d := linearDefinition()
	d.Tasks[0].RetryBudget = 1
	def := h.register(t, d)
	exec := h.start(t, def, nil)

	res := h.outcome(t, exec.ID, "A", model.OutcomeFailed, map[string]any{"error": "timeout"})
	if res.TaskState != model.TaskPending || res.ExecutionState != model.ExecutionActive {
		t.Fatalf("after first failure = %+v, want task pending and execution active", res)
	}
	a := h.mustTask(t, exec.ID, "A")
	if a.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", a.Attempts)
	}

	res = h.outcome(t, exec.ID, "A", model.OutcomeFailed, nil)
	if res.TaskState != model.TaskFailed || res.ExecutionState != model.ExecutionFailed {
		t.Errorf("after budget spent = %+v, want both failed", res)
	}

	actions := h.auditActions(t, exec.ID)
	retried := 0
	for _, a := range actions {
		if a == ActionTaskRetried {
			retried++
		}
	}
	if retried != 1 {
		t.Errorf("task.retried records = %d, want 1", retried)
	}
}

// --- Flow logic ---

func TestScheduler_optionalFailureSkipsDependents(t *testing.T) {
	h := newHarness(t)
	d := diamondDefinition()
	d.Tasks[1].Optional = true
	def := h.register(t, d)
	exec := h.start(t, def, nil)

	h.outcome(t, exec.ID, "A", model.OutcomeCompleted, nil)
	h.outcome(t, exec.ID, "B", model.OutcomeFailed, nil)
	res := h.outcome(t, exec.ID, "C", model.OutcomeCompleted, nil)

	dTask := h.mustTask(t, exec.ID, "D")
	if dTask.State != model.TaskSkipped || dTask.SkipReason != model.SkipUpstreamFailed {
		t.Errorf("task D = %s/%s, want skipped upstream_failed", dTask.State, dTask.SkipReason)
	}
	if res.ExecutionState != model.ExecutionCompleted {
		t.Errorf("ExecutionState = %s, want completed", res.ExecutionState)
	}
	// A and C ran; the failed optional B and the never-run D do not count.
	if res.Progress != 50 {
		t.Errorf("Progress = %v, want 50", res.Progress)
	}
	if got := h.exec(t, exec.ID).Progress; got != 50 {
		t.Errorf("execution Progress = %v, want 50", got)
	}
}

func TestScheduler_orJoin(t *testing.T) {
	h := newHarness(t)
	d := diamondDefinition()
	d.Tasks[1].Optional = true
	d.FlowLogic = []model.FlowRule{{Kind: model.FlowOrJoin, Task: "D"}}
	def := h.register(t, d)
	exec := h.start(t, def, nil)

	h.outcome(t, exec.ID, "A", model.OutcomeCompleted, nil)
	h.outcome(t, exec.ID, "B", model.OutcomeFailed, nil)
	if h.task(t, exec.ID, "D") != nil {
		t.Fatal("or_join task created with no completed dependency")
	}

	h.outcome(t, exec.ID, "C", model.OutcomeCompleted, nil)
	dTask := h.mustTask(t, exec.ID, "D")
	if dTask.State != model.TaskPending {
		t.Errorf("task D state = %s, want pending", dTask.State)
	}
}

func TestScheduler_skipIf(t *testing.T) {
	h := newHarness(t)
	d := linearDefinition()
	d.FlowLogic = []model.FlowRule{{
		Kind: model.FlowSkipIf,
		Task: "B",
		When: &model.Condition{Op: model.OpEq, Field: "context.tasks.A.low_risk", Value: true},
	}}
	def := h.register(t, d)
	exec := h.start(t, def, nil)

	h.outcome(t, exec.ID, "A", model.OutcomeCompleted, map[string]any{"low_risk": true})

	b := h.mustTask(t, exec.ID, "B")
	if b.State != model.TaskSkipped || b.SkipReason != model.SkipCondition {
		t.Errorf("task B = %s/%s, want skipped by condition", b.State, b.SkipReason)
	}
	c := h.mustTask(t, exec.ID, "C")
	if c.State != model.TaskPending {
		t.Errorf("task C state = %s, want pending after condition skip", c.State)
	}
	got := h.exec(t, exec.ID)
	if !equalKeys(got.SkippedTasks, []string{"B"}) {
		t.Errorf("SkippedTasks = %v, want [B]", got.SkippedTasks)
	}
	if got.Progress < 66 || got.Progress > 67 {
		t.Errorf("Progress = %v, want two of three tasks", got.Progress)
	}
}

// --- Pause, resume and cancel ---

func TestScheduler_pauseDefersFrontier(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())
	exec := h.start(t, def, nil)

	if _, err := h.sched.Pause(testCtx(), "t1", exec.ID, "audit freeze"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if _, err := h.sched.Advance(testCtx(), "t1", exec.ID); model.ErrorCode(err) != model.ErrExecutionNotActive {
		t.Errorf("Advance() on paused = %v, want EXECUTION_NOT_ACTIVE", err)
	}

	h.outcome(t, exec.ID, "A", model.OutcomeCompleted, nil)
	if h.task(t, exec.ID, "B") != nil {
		t.Fatal("task B created while paused")
	}

	resumed, err := h.sched.Resume(testCtx(), "t1", exec.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.State != model.ExecutionActive || !equalKeys(resumed.CurrentTasks, []string{"B"}) {
		t.Errorf("after resume = %s %v, want active with [B]", resumed.State, resumed.CurrentTasks)
	}

	if _, err := h.sched.Resume(testCtx(), "t1", exec.ID); model.ErrorCode(err) != model.ErrInvalidTransition {
		t.Errorf("Resume() on active = %v, want INVALID_TRANSITION", err)
	}
}

func TestScheduler_pausedRequiredFailureFails(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())
	exec := h.start(t, def, nil)

	if _, err := h.sched.Pause(testCtx(), "t1", exec.ID, ""); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	res := h.outcome(t, exec.ID, "A", model.OutcomeFailed, nil)
	if res.ExecutionState != model.ExecutionFailed {
		t.Errorf("ExecutionState = %s, want failed", res.ExecutionState)
	}
}

func TestScheduler_cancelPropagates(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, diamondDefinition())
	exec := h.start(t, def, nil)
	h.outcome(t, exec.ID, "A", model.OutcomeCompleted, nil)

	got, err := h.sched.Cancel(testCtx(), "t1", exec.ID, "regulation withdrawn")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got.State != model.ExecutionCancelled || got.Reason != "regulation withdrawn" {
		t.Errorf("execution = %s %q", got.State, got.Reason)
	}
	for _, key := range []string{"B", "C"} {
		if s := h.mustTask(t, exec.ID, key).State; s != model.TaskCancelled {
			t.Errorf("task %s state = %s, want cancelled", key, s)
		}
	}
	if h.mustTask(t, exec.ID, "A").State != model.TaskCompleted {
		t.Error("completed task A changed by cancellation")
	}

	res := h.outcome(t, exec.ID, "B", model.OutcomeCancelled, nil)
	if !res.Duplicate {
		t.Error("repeat of cancelled outcome not reported as duplicate")
	}
	b := h.mustTask(t, exec.ID, "B")
	if _, err := h.sched.HandleTaskOutcome(testCtx(), "t1", b.ID, model.OutcomeCompleted, nil); model.ErrorCode(err) != model.ErrInvalidTransition {
		t.Errorf("completing cancelled task = %v, want INVALID_TRANSITION", err)
	}
	if _, err := h.sched.Cancel(testCtx(), "t1", exec.ID, ""); model.ErrorCode(err) != model.ErrInvalidTransition {
		t.Errorf("second Cancel() = %v, want INVALID_TRANSITION", err)
	}
}

// --- Task actions ---

func TestScheduler_reviewAndApprovalGates(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, model.WorkflowDefinition{
		TenantID: "t1",
		Name:     "gated",
		Tasks: []model.TaskDefinition{{
			ID:               "policy",
			Name:             "Update policy",
			Type:             model.TaskTypeRemediation,
			Assignee:         &model.Assignee{Role: "analyst"},
			Reviewer:         &model.Assignee{Role: "compliance-lead"},
			RequiresApproval: true,
		}},
	})
	exec := h.start(t, def, nil)
	task := h.mustTask(t, exec.ID, "policy")
	ctx := testCtx()

	if _, err := h.sched.HandleTaskOutcome(ctx, "t1", task.ID, model.OutcomeCompleted, nil); model.ErrorCode(err) != model.ErrInvalidTransition {
		t.Fatalf("completing gated task directly = %v, want INVALID_TRANSITION", err)
	}

	steps := []struct {
		name string
		do   func() (*model.WorkflowTask, error)
		want model.TaskState
	}{
		{"start", func() (*model.WorkflowTask, error) { return h.sched.Start(ctx, "t1", task.ID) }, model.TaskInProgress},
		{"submit", func() (*model.WorkflowTask, error) { return h.sched.SubmitForReview(ctx, "t1", task.ID, nil) }, model.TaskWaitingReview},
		{"revise", func() (*model.WorkflowTask, error) { return h.sched.RequestRevision(ctx, "t1", task.ID, "cite the clause") }, model.TaskInProgress},
		{"resubmit", func() (*model.WorkflowTask, error) { return h.sched.SubmitForReview(ctx, "t1", task.ID, nil) }, model.TaskWaitingReview},
		{"review ok", func() (*model.WorkflowTask, error) { return h.sched.Approve(ctx, "t1", task.ID, "") }, model.TaskWaitingApproval},
		{"reject", func() (*model.WorkflowTask, error) { return h.sched.Reject(ctx, "t1", task.ID, "needs sign-off") }, model.TaskInProgress},
		{"submit again", func() (*model.WorkflowTask, error) { return h.sched.SubmitForReview(ctx, "t1", task.ID, nil) }, model.TaskWaitingReview},
		{"review again", func() (*model.WorkflowTask, error) { return h.sched.Approve(ctx, "t1", task.ID, "") }, model.TaskWaitingApproval},
		{"approve", func() (*model.WorkflowTask, error) { return h.sched.Approve(ctx, "t1", task.ID, "") }, model.TaskCompleted},
	}
	for _, s := range steps {
		got, err := s.do()
		if err != nil {
			t.Fatalf("%s: error = %v", s.name, err)
		}
		if got.State != s.want {
			t.Fatalf("%s: state = %s, want %s", s.name, got.State, s.want)
		}
	}

	if got := h.exec(t, exec.ID); got.State != model.ExecutionCompleted {
		t.Errorf("execution state = %s, want completed", got.State)
	}
}

func TestScheduler_submitWithoutGate(t *testing.T) {
	h := newHarness(t)
	d := linearDefinition()
	d.Tasks[0].Assignee = &model.Assignee{UserID: "bob"}
	def := h.register(t, d)
	exec := h.start(t, def, nil)
	a := h.mustTask(t, exec.ID, "A")

	if _, err := h.sched.Start(testCtx(), "t1", a.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := h.sched.SubmitForReview(testCtx(), "t1", a.ID, nil); model.ErrorCode(err) != model.ErrInvalidTransition {
		t.Errorf("SubmitForReview() = %v, want INVALID_TRANSITION", err)
	}
	if _, err := h.sched.Approve(testCtx(), "t1", a.ID, ""); model.ErrorCode(err) != model.ErrInvalidTransition {
		t.Errorf("Approve() = %v, want INVALID_TRANSITION", err)
	}
}

func TestScheduler_Assign(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())
	exec := h.start(t, def, nil)
	a := h.mustTask(t, exec.ID, "A")

	if _, err := h.sched.Assign(testCtx(), "t1", a.ID, model.Assignee{}); model.ErrorCode(err) != model.ErrValidationError {
		t.Errorf("Assign(empty) = %v, want VALIDATION_ERROR", err)
	}
	if _, err := h.sched.Start(testCtx(), "t1", a.ID); model.ErrorCode(err) != model.ErrInvalidTransition {
		t.Errorf("Start() on pending = %v, want INVALID_TRANSITION", err)
	}

	got, err := h.sched.Assign(testCtx(), "t1", a.ID, model.Assignee{UserID: "bob"})
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if got.State != model.TaskAssigned || got.Assignee.UserID != "bob" {
		t.Errorf("task = %s/%+v", got.State, got.Assignee)
	}

	got, err = h.sched.Assign(testCtx(), "t1", a.ID, model.Assignee{UserID: "carol"})
	if err != nil {
		t.Fatalf("reassign error = %v", err)
	}
	if got.Assignee.UserID != "carol" {
		t.Errorf("Assignee = %+v, want carol", got.Assignee)
	}
}

// --- Sweeps ---

func TestScheduler_ProcessExpirations(t *testing.T) {
	h := newHarness(t)
	d := linearDefinition()
	d.SLA = "1h"
	def := h.register(t, d)
	idle := h.start(t, def, nil)
	busy := h.start(t, def, nil)

	h.now = testEpoch.Add(50 * time.Minute)
	h.outcome(t, busy.ID, "A", model.OutcomeCompleted, nil)

	h.now = testEpoch.Add(90 * time.Minute)
	n, err := h.sched.ProcessExpirations(testCtx())
	if err != nil {
		t.Fatalf("ProcessExpirations() error = %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}

	if got := h.exec(t, idle.ID); got.State != model.ExecutionExpired {
		t.Errorf("idle execution = %s, want expired", got.State)
	}
	if s := h.mustTask(t, idle.ID, "A").State; s != model.TaskCancelled {
		t.Errorf("idle task A = %s, want cancelled", s)
	}
	if got := h.exec(t, busy.ID); got.State != model.ExecutionActive {
		t.Errorf("busy execution = %s, want active after activity pushed its deadline", got.State)
	}
}

func TestScheduler_ProcessOverdue(t *testing.T) {
	h := newHarness(t)
	d := linearDefinition()
	d.Tasks[0].DueIn = "4h"
	d.Tasks[0].Assignee = &model.Assignee{Role: "analyst"}
	def := h.register(t, d)
	exec := h.start(t, def, nil)

	h.now = testEpoch.Add(5 * time.Hour)
	n, err := h.sched.ProcessOverdue(testCtx())
	if err != nil || n != 1 {
		t.Fatalf("ProcessOverdue() = %d, %v, want 1", n, err)
	}
	a := h.mustTask(t, exec.ID, "A")
	if !a.Overdue || a.EscalationLevel != 1 || a.State != model.TaskAssigned {
		t.Errorf("task A = overdue %v level %d state %s", a.Overdue, a.EscalationLevel, a.State)
	}

	if n, _ := h.sched.ProcessOverdue(testCtx()); n != 0 {
		t.Errorf("second sweep at same level escalated %d tasks", n)
	}

	h.now = testEpoch.Add(29 * time.Hour)
	if n, _ := h.sched.ProcessOverdue(testCtx()); n != 1 {
		t.Errorf("sweep after another interval escalated %d tasks, want 1", n)
	}
	if a := h.mustTask(t, exec.ID, "A"); a.EscalationLevel != 2 {
		t.Errorf("EscalationLevel = %d, want 2", a.EscalationLevel)
	}

	overdue := h.rec.OfType(model.EventTaskOverdue)
	if len(overdue) != 2 {
		t.Fatalf("overdue events = %d, want 2", len(overdue))
	}
	if overdue[0].Data["assignee_role"] != "analyst" {
		t.Errorf("overdue event data = %v", overdue[0].Data)
	}
}

// --- Store failures ---

func TestScheduler_transientStoreFailureRetried(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())
	exec := h.start(t, def, nil)

	h.store.FailCommits(2)
	res := h.outcome(t, exec.ID, "A", model.OutcomeCompleted, nil)
	if res.TaskState != model.TaskCompleted {
		t.Errorf("TaskState = %s, want completed", res.TaskState)
	}
	if h.task(t, exec.ID, "B") == nil {
		t.Error("task B missing after retried commit")
	}
}

func TestScheduler_transientStoreFailureExhausted(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())
	exec := h.start(t, def, nil)
	a := h.mustTask(t, exec.ID, "A")

	h.store.FailCommits(10)
	_, err := h.sched.HandleTaskOutcome(testCtx(), "t1", a.ID, model.OutcomeCompleted, nil)
	if model.ErrorCode(err) != model.ErrStoreUnavailable {
		t.Fatalf("error = %v, want STORE_UNAVAILABLE", err)
	}
	h.store.FailCommits(0)

	if s := h.mustTask(t, exec.ID, "A").State; s != model.TaskPending {
		t.Errorf("task A = %s, want unchanged pending", s)
	}
	if h.task(t, exec.ID, "B") != nil {
		t.Error("partial write: task B exists after failed commit")
	}
}

func TestScheduler_publishesOnlyCommittedChanges(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())
	exec := h.start(t, def, nil)
	published := len(h.rec.Changes())

	a := h.mustTask(t, exec.ID, "A")
	h.store.FailCommits(10)
	_, _ = h.sched.HandleTaskOutcome(testCtx(), "t1", a.ID, model.OutcomeCompleted, nil)
	h.store.FailCommits(0)

	if got := len(h.rec.Changes()); got != published {
		t.Errorf("published changes = %d, want %d after failed commit", got, published)
	}
}

func TestScheduler_TenantState(t *testing.T) {
	h := newHarness(t)
	def := h.register(t, linearDefinition())
	h.start(t, def, nil)
	paused := h.start(t, def, nil)
	if _, err := h.sched.Pause(testCtx(), "t1", paused.ID, "hold"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	state, err := h.sched.TenantState(context.Background(), "t1")
	if err != nil {
		t.Fatalf("TenantState() error = %v", err)
	}
	if state["active_executions"] != 1 || state["paused_executions"] != 1 {
		t.Errorf("state = %v, want one active and one paused", state)
	}
	running, _ := state["running"].(map[string]any)
	if running["d1"] != 2 {
		t.Errorf("running[d1] = %v, want 2", running["d1"])
	}

	other, err := h.sched.TenantState(context.Background(), "t2")
	if err != nil {
		t.Fatalf("TenantState(t2) error = %v", err)
	}
	if other["active_executions"] != 0 {
		t.Errorf("t2 active_executions = %v, want 0", other["active_executions"])
	}
}
