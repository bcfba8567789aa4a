package model

import (
	"encoding/json"
	"time"
)

// ExecutionState is the lifecycle state of a workflow execution.
type ExecutionState string

// Execution states.
const (
	ExecutionDraft     ExecutionState = "draft"
	ExecutionActive    ExecutionState = "active"
	ExecutionPaused    ExecutionState = "paused"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionCancelled ExecutionState = "cancelled"
	ExecutionExpired   ExecutionState = "expired"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionExpired:
		return true
	}
	return false
}

// WorkflowExecution is one instance of a definition for one tenant.
// CurrentTasks, CompletedTasks, FailedTasks and SkippedTasks hold task
// definition ids and are pairwise disjoint.
type WorkflowExecution struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	DefinitionID      string          `json:"definition_id"`
	DefinitionName    string          `json:"definition_name"`
	DefinitionVersion int             `json:"definition_version"`
	TriggerID         string          `json:"trigger_id,omitempty"`
	TriggerType       TriggerType     `json:"trigger_type,omitempty"`
	State             ExecutionState  `json:"state"`
	CurrentTasks      []string        `json:"current_tasks"`
	CompletedTasks    []string        `json:"completed_tasks"`
	FailedTasks       []string        `json:"failed_tasks"`
	SkippedTasks      []string        `json:"skipped_tasks"`
	ContextData       map[string]any  `json:"context_data"`
	ImpactAssessment  json.RawMessage `json:"impact_assessment,omitempty"`
	Progress          float64         `json:"progress"`
	Reason            string          `json:"reason,omitempty"`
	StartedBy         string          `json:"started_by"`
	SLA               time.Duration   `json:"sla,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	LastActivityAt    time.Time       `json:"last_activity_at"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Version           int             `json:"version"`
}

// Touch records activity at now and pushes the SLA deadline out.
func (e *WorkflowExecution) Touch(now time.Time) {
	e.UpdatedAt = now
	e.LastActivityAt = now
	if e.SLA > 0 {
		exp := now.Add(e.SLA)
		e.ExpiresAt = &exp
	}
}

// ExecutionFilters narrows List queries.
type ExecutionFilters struct {
	DefinitionID string
	State        ExecutionState
	Limit        int
	Offset       int
}

// TaskState is the lifecycle state of a workflow task.
type TaskState string

// Task states. Overdue is an advisory flag on the task rather than a state
// it moves into; TaskOverdue names that transition in audit records.
const (
	TaskPending         TaskState = "pending"
	TaskAssigned        TaskState = "assigned"
	TaskInProgress      TaskState = "in_progress"
	TaskWaitingReview   TaskState = "waiting_review"
	TaskWaitingApproval TaskState = "waiting_approval"
	TaskCompleted       TaskState = "completed"
	TaskFailed          TaskState = "failed"
	TaskCancelled       TaskState = "cancelled"
	TaskSkipped         TaskState = "skipped"
	TaskOverdue         TaskState = "overdue"
)

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// Skip reasons.
const (
	SkipCondition      = "condition"
	SkipUpstreamFailed = "upstream_failed"
)

// WorkflowTask is one node instance within an execution.
type WorkflowTask struct {
	ID               string         `json:"id"`
	ExecutionID      string         `json:"execution_id"`
	TenantID         string         `json:"tenant_id"`
	TaskKey          string         `json:"task_key"`
	Name             string         `json:"name"`
	Type             string         `json:"type"`
	Priority         string         `json:"priority"`
	Assignee         Assignee       `json:"assignee"`
	Reviewer         *Assignee      `json:"reviewer,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	Optional         bool           `json:"optional,omitempty"`
	DueDate          *time.Time     `json:"due_date,omitempty"`
	State            TaskState      `json:"state"`
	Overdue          bool           `json:"overdue"`
	EscalationLevel  int            `json:"escalation_level"`
	Attempts         int            `json:"attempts"`
	RetryBudget      int            `json:"retry_budget"`
	SkipReason       string         `json:"skip_reason,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	Version          int            `json:"version"`
}

// Gated reports whether the task passes through review or approval.
func (t *WorkflowTask) Gated() bool {
	return t.RequiresApproval || t.Reviewer != nil
}

// TaskOutcome is a terminal result submitted through the task-update API.
type TaskOutcome string

// Task outcomes.
const (
	OutcomeCompleted TaskOutcome = "completed"
	OutcomeFailed    TaskOutcome = "failed"
	OutcomeCancelled TaskOutcome = "cancelled"
)

// Valid reports whether o is a known outcome.
func (o TaskOutcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeFailed, OutcomeCancelled:
		return true
	}
	return false
}

// State returns the terminal task state the outcome maps to.
func (o TaskOutcome) State() TaskState {
	return TaskState(o)
}

// OutcomeResult is returned by the task-update API.
type OutcomeResult struct {
	TaskID         string         `json:"task_id"`
	TaskState      TaskState      `json:"task_state"`
	ExecutionID    string         `json:"execution_id"`
	ExecutionState ExecutionState `json:"execution_state"`
	Progress       float64        `json:"progress"`
	Duplicate      bool           `json:"duplicate,omitempty"`
}
