package workflow

import (
	"fmt"

	"github.com/pitabwire/complyflow/model"
)

// executionTransitions is the legal execution lifecycle. Terminal states
// have no outgoing edges.
var executionTransitions = map[model.ExecutionState][]model.ExecutionState{
	model.ExecutionDraft: {model.ExecutionActive},
	model.ExecutionActive: {
		model.ExecutionPaused,
		model.ExecutionCompleted, model.ExecutionFailed,
		model.ExecutionCancelled, model.ExecutionExpired,
	},
	model.ExecutionPaused: {
		model.ExecutionActive,
		model.ExecutionCompleted, model.ExecutionFailed,
		model.ExecutionCancelled, model.ExecutionExpired,
	},
}

// taskTransitions is the legal task lifecycle before gate rules are
// applied. failed and cancelled are reachable from every non-terminal
// state. assigned -> assigned is a reassignment.
var taskTransitions = map[model.TaskState][]model.TaskState{
	model.TaskPending: {
		model.TaskAssigned, model.TaskCompleted,
		model.TaskFailed, model.TaskCancelled,
	},
	model.TaskAssigned: {
		model.TaskAssigned, model.TaskInProgress, model.TaskCompleted,
		model.TaskFailed, model.TaskCancelled,
	},
	model.TaskInProgress: {
		model.TaskWaitingReview, model.TaskWaitingApproval, model.TaskCompleted,
		model.TaskFailed, model.TaskCancelled,
	},
	model.TaskWaitingReview: {
		model.TaskInProgress, model.TaskWaitingApproval, model.TaskCompleted,
		model.TaskFailed, model.TaskCancelled,
	},
	model.TaskWaitingApproval: {
		model.TaskInProgress, model.TaskCompleted,
		model.TaskFailed, model.TaskCancelled,
	},
}

// CanTransitionExecution reports whether from -> to is a legal execution
// transition.
func CanTransitionExecution(from, to model.ExecutionState) bool {
	for _, s := range executionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionTask reports whether t may move to the given state, taking
// its review and approval gates into account.
func CanTransitionTask(t *model.WorkflowTask, to model.TaskState) bool {
	legal := false
	for _, s := range taskTransitions[t.State] {
		if s == to {
			legal = true
			break
		}
	}
	if !legal {
		return false
	}

	switch to {
	case model.TaskAssigned:
		return !t.Assignee.Empty()
	case model.TaskWaitingReview:
		return t.Reviewer != nil
	case model.TaskWaitingApproval:
		if !t.RequiresApproval {
			return false
		}
		// The review gate comes first when the task has a reviewer.
		return t.State == model.TaskWaitingReview || t.Reviewer == nil
	case model.TaskCompleted:
		if !t.Gated() {
			return true
		}
		if t.State == model.TaskWaitingApproval {
			return true
		}
		return t.State == model.TaskWaitingReview && !t.RequiresApproval
	}
	return true
}

// retryState is where a failed task with retry budget left goes back to.
func retryState(t *model.WorkflowTask) model.TaskState {
	if t.Assignee.Empty() {
		return model.TaskPending
	}
	return model.TaskAssigned
}

func invalidTaskTransition(t *model.WorkflowTask, to model.TaskState) error {
	return model.NewInvalidTransitionError(
		fmt.Sprintf("task %q cannot move from %s to %s", t.TaskKey, t.State, to),
	)
}

func invalidExecutionTransition(e *model.WorkflowExecution, to model.ExecutionState) error {
	return model.NewInvalidTransitionError(
		fmt.Sprintf("execution %q cannot move from %s to %s", e.ID, e.State, to),
	)
}
