package workflow

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/complyflow/internal/audit"
	"github.com/pitabwire/complyflow/internal/condition"
	"github.com/pitabwire/complyflow/internal/definition"
	"github.com/pitabwire/complyflow/model"
)

// Audit actions written by the scheduler.
const (
	ActionExecutionCreated = "execution.created"
	ActionExecutionState   = "execution.state_changed"
	ActionTaskCreated      = "task.created"
	ActionTaskState        = "task.state_changed"
	ActionTaskRetried      = "task.retried"
	ActionTaskOverdue      = "task.overdue"
)

// run is the working set of one scheduler transaction: an execution, its
// definition snapshot and its tasks, plus every write, audit record and
// state change the transaction produces. Nothing in a run is visible to
// other callers until flush commits.
type run struct {
	def   *model.WorkflowDefinition
	exec  *model.WorkflowExecution
	order []string
	now   time.Time
	actor string

	tasks   map[string]*model.WorkflowTask // key: task definition ID
	byID    map[string]*model.WorkflowTask
	created []*model.WorkflowTask
	isNew   map[string]bool
	dirty   map[string]bool

	insert    bool
	execDirty bool
	duplicate bool

	audits  []model.AuditRecord
	changes []model.StateChange
}

func newRun(def *model.WorkflowDefinition, exec *model.WorkflowExecution, tasks []model.WorkflowTask, now time.Time, actor string) *run {
	order, _ := definition.TopologicalOrder(def.Tasks)
	r := &run{
		def:   def,
		exec:  exec,
		order: order,
		now:   now,
		actor: actor,
		tasks: make(map[string]*model.WorkflowTask, len(tasks)),
		byID:  make(map[string]*model.WorkflowTask, len(tasks)),
		isNew: make(map[string]bool),
		dirty: make(map[string]bool),
	}
	for i := range tasks {
		t := &tasks[i]
		r.tasks[t.TaskKey] = t
		r.byID[t.ID] = t
	}
	return r
}

func (r *run) task(id string) (*model.WorkflowTask, error) {
	t, ok := r.byID[id]
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("task %q not found", id))
	}
	return t, nil
}

// setExecState moves the execution and records the transition. Failing,
// cancelling or expiring the execution cancels every non-terminal task.
func (r *run) setExecState(to model.ExecutionState, reason string) error {
	e := r.exec
	if !CanTransitionExecution(e.State, to) {
		return invalidExecutionTransition(e, to)
	}
	from := e.State
	e.State = to
	e.UpdatedAt = r.now
	if reason != "" {
		e.Reason = reason
	}
	if to.Terminal() {
		e.CompletedAt = &r.now
	}
	r.execDirty = true

	data := map[string]any{}
	if reason != "" {
		data["reason"] = reason
	}
	rec := r.record(model.AuditExecution, e.ID, ActionExecutionState, string(from), string(to), data)
	r.audits = append(r.audits, rec)
	r.changes = append(r.changes, model.StateChange{
		ID:          uuid.New().String(),
		Type:        model.EventExecutionStateChanged,
		TenantID:    e.TenantID,
		ExecutionID: e.ID,
		From:        string(from),
		To:          string(to),
		Actor:       rec.Actor,
		OccurredAt:  r.now,
		Data: map[string]any{
			"definition_id":   e.DefinitionID,
			"definition_name": e.DefinitionName,
			"reason":          reason,
		},
	})

	switch to {
	case model.ExecutionFailed, model.ExecutionCancelled, model.ExecutionExpired:
		cause := "execution_" + string(to)
		for _, key := range r.order {
			t, ok := r.tasks[key]
			if !ok || t.State.Terminal() {
				continue
			}
			if err := r.setTaskState(t, model.TaskCancelled, map[string]any{"reason": cause}); err != nil {
				return err
			}
		}
	}
	return nil
}

// setTaskState moves a task along a legal edge and records the transition.
func (r *run) setTaskState(t *model.WorkflowTask, to model.TaskState, data map[string]any) error {
	if !CanTransitionTask(t, to) {
		return invalidTaskTransition(t, to)
	}
	from := t.State
	t.State = to
	t.UpdatedAt = r.now
	if to.Terminal() {
		t.CompletedAt = &r.now
	}
	r.markDirty(t)
	r.taskChanged(t, ActionTaskState, from, to, data)
	return nil
}

// retryTask returns a failed attempt to the queue.
func (r *run) retryTask(t *model.WorkflowTask, result map[string]any) {
	from := t.State
	to := retryState(t)
	t.State = to
	t.UpdatedAt = r.now
	r.markDirty(t)
	data := map[string]any{
		"attempts":     t.Attempts,
		"retry_budget": t.RetryBudget,
	}
	if result != nil {
		data["result"] = result
	}
	r.taskChanged(t, ActionTaskRetried, from, to, data)
}

func (r *run) taskChanged(t *model.WorkflowTask, action string, from, to model.TaskState, data map[string]any) {
	rec := r.record(model.AuditTask, t.ID, action, string(from), string(to), data)
	r.audits = append(r.audits, rec)

	changeData := map[string]any{
		"definition_id":    r.exec.DefinitionID,
		"definition_name":  r.exec.DefinitionName,
		"task_type":        t.Type,
		"priority":         t.Priority,
		"assignee_role":    t.Assignee.Role,
		"assignee_user_id": t.Assignee.UserID,
	}
	for k, v := range data {
		changeData[k] = v
	}
	r.changes = append(r.changes, model.StateChange{
		ID:          uuid.New().String(),
		Type:        model.EventTaskStateChanged,
		TenantID:    t.TenantID,
		ExecutionID: t.ExecutionID,
		TaskID:      t.ID,
		TaskKey:     t.TaskKey,
		From:        string(from),
		To:          string(to),
		Actor:       rec.Actor,
		OccurredAt:  r.now,
		Data:        changeData,
	})
	r.execDirty = true
}

func (r *run) markDirty(t *model.WorkflowTask) {
	if !r.isNew[t.ID] {
		r.dirty[t.ID] = true
	}
}

func (r *run) record(entity, entityID, action, from, to string, data map[string]any) model.AuditRecord {
	rec := audit.NewRecord(r.exec.TenantID, entity, entityID, action, r.actor, r.now)
	rec.ExecutionID = r.exec.ID
	rec.OldState = from
	rec.NewState = to
	if len(data) > 0 {
		rec.Data = data
	}
	return rec
}

// createTask instantiates a task definition in the given state.
func (r *run) createTask(td *model.TaskDefinition, state model.TaskState, skipReason string, data map[string]any) *model.WorkflowTask {
	t := &model.WorkflowTask{
		ID:               uuid.New().String(),
		ExecutionID:      r.exec.ID,
		TenantID:         r.exec.TenantID,
		TaskKey:          td.ID,
		Name:             td.Name,
		Type:             td.Type,
		Priority:         td.Priority,
		RequiresApproval: td.RequiresApproval,
		Optional:         td.Optional,
		RetryBudget:      td.RetryBudget,
		State:            state,
		SkipReason:       skipReason,
		CreatedAt:        r.now,
		UpdatedAt:        r.now,
		Version:          1,
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}
	if td.Assignee != nil {
		t.Assignee = *td.Assignee
	}
	if td.Reviewer != nil {
		rv := *td.Reviewer
		t.Reviewer = &rv
	}
	if state.Terminal() {
		t.CompletedAt = &r.now
	} else if due := td.DueInDuration(); due > 0 {
		d := r.now.Add(due)
		t.DueDate = &d
	}

	r.tasks[t.TaskKey] = t
	r.byID[t.ID] = t
	r.isNew[t.ID] = true
	r.created = append(r.created, t)

	if data == nil {
		data = map[string]any{}
	}
	if skipReason != "" {
		data["skip_reason"] = skipReason
	}
	r.taskChanged(t, ActionTaskCreated, "", state, data)
	return t
}

// completeTask records a completed task and merges its result into the
// execution context under tasks.<task id>.
func (r *run) completeTask(t *model.WorkflowTask, result map[string]any) error {
	if result != nil {
		t.Result = result
	}
	data := map[string]any{}
	if result != nil {
		data["result"] = result
	}
	if err := r.setTaskState(t, model.TaskCompleted, data); err != nil {
		return err
	}

	if r.exec.ContextData == nil {
		r.exec.ContextData = map[string]any{}
	}
	results, _ := r.exec.ContextData["tasks"].(map[string]any)
	if results == nil {
		results = map[string]any{}
		r.exec.ContextData["tasks"] = results
	}
	if t.Result != nil {
		results[t.TaskKey] = cloneMap(t.Result)
	} else {
		results[t.TaskKey] = map[string]any{}
	}
	return nil
}

// touch records activity on the execution.
func (r *run) touch() {
	r.exec.Touch(r.now)
	r.execDirty = true
}

// settle drives the execution forward after a change: an active execution
// advances; a paused one only fails if a required task can no longer
// succeed.
func (r *run) settle() error {
	switch r.exec.State {
	case model.ExecutionActive:
		return r.advance()
	case model.ExecutionPaused:
		return r.failIfBlocked()
	}
	return nil
}

// advance grows the frontier in topological order, so tasks created or
// skipped in this pass are seen by their dependents in the same pass, and
// then resolves the execution if nothing is left to do.
func (r *run) advance() error {
	if r.exec.State != model.ExecutionActive {
		return nil
	}
	if err := r.failIfBlocked(); err != nil || r.exec.State != model.ExecutionActive {
		return err
	}

	for _, key := range r.order {
		if _, known := r.tasks[key]; known {
			continue
		}
		td, _ := r.def.TaskByID(key)
		switch r.readiness(td) {
		case depsWaiting:
			continue
		case depsBlocked:
			r.createTask(td, model.TaskSkipped, model.SkipUpstreamFailed, nil)
		case depsReady:
			skip, err := r.skipped(td)
			if err != nil {
				r.createTask(td, initialState(td), "", map[string]any{"skip_if_error": err.Error()})
				continue
			}
			if skip {
				r.createTask(td, model.TaskSkipped, model.SkipCondition, nil)
				continue
			}
			r.createTask(td, initialState(td), "", nil)
		}
	}

	if r.allTerminal() {
		return r.setExecState(model.ExecutionCompleted, "")
	}
	return nil
}

// failIfBlocked fails the execution when a required task failed or was
// cancelled.
func (r *run) failIfBlocked() error {
	for _, key := range r.order {
		t, ok := r.tasks[key]
		if !ok || t.Optional {
			continue
		}
		if t.State == model.TaskFailed || t.State == model.TaskCancelled {
			return r.setExecState(model.ExecutionFailed, fmt.Sprintf("required task %s %s", t.TaskKey, t.State))
		}
	}
	return nil
}

func (r *run) allTerminal() bool {
	for _, key := range r.order {
		t, ok := r.tasks[key]
		if !ok || !t.State.Terminal() {
			return false
		}
	}
	return true
}

type depsVerdict int

const (
	depsWaiting depsVerdict = iota
	depsReady
	depsBlocked
)

// readiness applies the task's join rule to the states of its
// dependencies. A completed dependency or one skipped by condition is
// satisfied; a failed, cancelled or upstream-skipped one blocks.
func (r *run) readiness(td *model.TaskDefinition) depsVerdict {
	if len(td.DependsOn) == 0 {
		return depsReady
	}

	orJoin := false
	for _, rule := range r.def.FlowRuleFor(td.ID) {
		if rule.Kind == model.FlowOrJoin {
			orJoin = true
		}
	}

	satisfied, blocking := 0, 0
	for _, dep := range td.DependsOn {
		t, ok := r.tasks[dep]
		if !ok {
			continue
		}
		switch {
		case t.State == model.TaskCompleted,
			t.State == model.TaskSkipped && t.SkipReason == model.SkipCondition:
			satisfied++
		case t.State == model.TaskFailed,
			t.State == model.TaskCancelled,
			t.State == model.TaskSkipped:
			blocking++
		}
	}

	n := len(td.DependsOn)
	if orJoin {
		switch {
		case satisfied > 0:
			return depsReady
		case blocking == n:
			return depsBlocked
		}
		return depsWaiting
	}
	switch {
	case blocking > 0:
		return depsBlocked
	case satisfied == n:
		return depsReady
	}
	return depsWaiting
}

// skipped evaluates the task's skip_if rules against the execution
// context.
func (r *run) skipped(td *model.TaskDefinition) (bool, error) {
	src := condition.Sources{condition.SourceContext: r.exec.ContextData}
	for _, rule := range r.def.FlowRuleFor(td.ID) {
		if rule.Kind != model.FlowSkipIf {
			continue
		}
		ok, err := condition.Evaluate(rule.When, src)
		if err != nil {
			return false, fmt.Errorf("skip_if on %s: %w", td.ID, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func initialState(td *model.TaskDefinition) model.TaskState {
	if td.Assignee.Empty() {
		return model.TaskPending
	}
	return model.TaskAssigned
}

// recompute rebuilds the task sets and progress from the task rows.
// Progress counts completed tasks and tasks skipped by a skip_if rule
// against the whole graph, so it never decreases. A task skipped because
// an upstream task failed never ran and does not count.
func (r *run) recompute() {
	e := r.exec
	e.CurrentTasks = e.CurrentTasks[:0]
	e.CompletedTasks = e.CompletedTasks[:0]
	e.FailedTasks = e.FailedTasks[:0]
	e.SkippedTasks = e.SkippedTasks[:0]

	done := 0
	for _, key := range r.order {
		t, ok := r.tasks[key]
		if !ok {
			continue
		}
		switch t.State {
		case model.TaskCompleted:
			e.CompletedTasks = append(e.CompletedTasks, key)
			done++
		case model.TaskFailed, model.TaskCancelled:
			e.FailedTasks = append(e.FailedTasks, key)
		case model.TaskSkipped:
			e.SkippedTasks = append(e.SkippedTasks, key)
			if t.SkipReason != model.SkipUpstreamFailed {
				done++
			}
		default:
			e.CurrentTasks = append(e.CurrentTasks, key)
		}
	}

	total := len(r.def.Tasks)
	if total == 0 {
		e.Progress = 100
		return
	}
	e.Progress = math.Round(float64(done)/float64(total)*10000) / 100
}

// flush writes the run through tx: the execution, changed tasks, new
// tasks, then the audit records.
func (r *run) flush(ctx context.Context, tx Tx) error {
	r.recompute()

	if r.insert {
		if err := tx.InsertExecution(ctx, r.exec); err != nil {
			return err
		}
	} else if r.execDirty {
		if err := tx.UpdateExecution(ctx, r.exec); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(r.dirty))
	for id := range r.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := tx.UpdateTask(ctx, r.byID[id]); err != nil {
			return err
		}
	}

	if len(r.created) > 0 {
		tasks := make([]model.WorkflowTask, len(r.created))
		for i, t := range r.created {
			tasks[i] = *t
		}
		if err := tx.InsertTasks(ctx, tasks...); err != nil {
			return err
		}
	}

	if len(r.audits) > 0 {
		if err := tx.AppendAudit(ctx, r.audits...); err != nil {
			return err
		}
	}
	return nil
}
