package model

import "time"

// Audit entity kinds.
const (
	AuditDefinition = "definition"
	AuditTrigger    = "trigger"
	AuditExecution  = "execution"
	AuditTask       = "task"
)

// AuditRecord is one append-only entry describing who changed what, and when.
type AuditRecord struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Action      string         `json:"action"`
	Actor       string         `json:"actor"`
	OldState    string         `json:"old_state,omitempty"`
	NewState    string         `json:"new_state,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// State change event types.
const (
	EventExecutionStateChanged = "execution.state_changed"
	EventTaskStateChanged      = "task.state_changed"
	EventTaskOverdue           = "task.overdue"
	EventTriggerFired          = "trigger.fired"
)

// StateChange is published after a transition commits. Fan-out to people
// and channels happens outside the engine.
type StateChange struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	TenantID    string         `json:"tenant_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	TaskKey     string         `json:"task_key,omitempty"`
	From        string         `json:"from,omitempty"`
	To          string         `json:"to,omitempty"`
	Actor       string         `json:"actor"`
	Data        map[string]any `json:"data,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}
