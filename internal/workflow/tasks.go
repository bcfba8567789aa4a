package workflow

import (
	"context"

	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/model"
)

// Assign sets or replaces a task's assignee.
func (s *Scheduler) Assign(ctx context.Context, tenantID, taskID string, assignee model.Assignee) (*model.WorkflowTask, error) {
	if assignee.Empty() {
		return nil, model.NewValidationError([]model.FieldError{{
			Field:   "assignee",
			Code:    "REQUIRED",
			Message: "assignee needs a role or a user_id",
		}})
	}
	return s.taskAction(ctx, "assign_task", tenantID, taskID, func(r *run, t *model.WorkflowTask) error {
		prev := t.Assignee
		t.Assignee = assignee
		err := r.setTaskState(t, model.TaskAssigned, map[string]any{
			"assignee_role":    assignee.Role,
			"assignee_user_id": assignee.UserID,
		})
		if err != nil {
			t.Assignee = prev
		}
		return err
	})
}

// Start marks an assigned task as being worked on.
func (s *Scheduler) Start(ctx context.Context, tenantID, taskID string) (*model.WorkflowTask, error) {
	return s.taskAction(ctx, "start_task", tenantID, taskID, func(r *run, t *model.WorkflowTask) error {
		return r.setTaskState(t, model.TaskInProgress, nil)
	})
}

// SubmitForReview hands finished work to the first gate the task has.
func (s *Scheduler) SubmitForReview(ctx context.Context, tenantID, taskID string, result map[string]any) (*model.WorkflowTask, error) {
	return s.taskAction(ctx, "submit_task", tenantID, taskID, func(r *run, t *model.WorkflowTask) error {
		to := model.TaskWaitingReview
		if t.Reviewer == nil {
			to = model.TaskWaitingApproval
		}
		if result != nil {
			t.Result = result
		}
		return r.setTaskState(t, to, nil)
	})
}

// RequestRevision sends a task under review back to its assignee.
func (s *Scheduler) RequestRevision(ctx context.Context, tenantID, taskID, comment string) (*model.WorkflowTask, error) {
	return s.taskAction(ctx, "request_revision", tenantID, taskID, func(r *run, t *model.WorkflowTask) error {
		if t.State != model.TaskWaitingReview {
			return invalidTaskTransition(t, model.TaskInProgress)
		}
		return r.setTaskState(t, model.TaskInProgress, commentData(comment))
	})
}

// Approve passes the task's current gate. A reviewed task that also
// requires approval moves on to approval; otherwise it completes.
func (s *Scheduler) Approve(ctx context.Context, tenantID, taskID, comment string) (*model.WorkflowTask, error) {
	return s.taskAction(ctx, "approve_task", tenantID, taskID, func(r *run, t *model.WorkflowTask) error {
		switch t.State {
		case model.TaskWaitingReview:
			if t.RequiresApproval {
				return r.setTaskState(t, model.TaskWaitingApproval, commentData(comment))
			}
		case model.TaskWaitingApproval:
		default:
			return invalidTaskTransition(t, model.TaskCompleted)
		}
		return r.completeTask(t, nil)
	})
}

// Reject sends a task awaiting approval back to its assignee.
func (s *Scheduler) Reject(ctx context.Context, tenantID, taskID, comment string) (*model.WorkflowTask, error) {
	return s.taskAction(ctx, "reject_task", tenantID, taskID, func(r *run, t *model.WorkflowTask) error {
		if t.State != model.TaskWaitingApproval {
			return invalidTaskTransition(t, model.TaskInProgress)
		}
		return r.setTaskState(t, model.TaskInProgress, commentData(comment))
	})
}

// taskAction applies a human action to a task of a running execution,
// records the activity and settles the execution.
func (s *Scheduler) taskAction(
	ctx context.Context,
	op, tenantID, taskID string,
	fn func(r *run, t *model.WorkflowTask) error,
) (*model.WorkflowTask, error) {
	task, err := s.store.GetTask(ctx, tenantID, taskID)
	if err != nil {
		return nil, err
	}

	ctx = withSpanAttrs(ctx, observability.AttrTaskID.String(taskID))
	r, err := s.mutate(ctx, op, tenantID, task.ExecutionID, func(r *run) error {
		if r.exec.State.Terminal() {
			return model.NewExecutionNotActiveError(r.exec.ID, r.exec.State)
		}
		t, err := r.task(taskID)
		if err != nil {
			return err
		}
		if err := fn(r, t); err != nil {
			return err
		}
		r.touch()
		return r.settle()
	})
	if err != nil {
		return nil, err
	}
	return cloneTask(r.byID[taskID]), nil
}

func commentData(comment string) map[string]any {
	if comment == "" {
		return nil
	}
	return map[string]any{"comment": comment}
}
