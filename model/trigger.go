package model

import (
	"encoding/json"
	"time"
)

// TriggerType enumerates the event kinds a trigger can bind to. Event types
// use the same enumeration.
type TriggerType string

// Trigger types.
const (
	TriggerRegulatoryChange    TriggerType = "regulatory_change"
	TriggerScheduled           TriggerType = "scheduled"
	TriggerManual              TriggerType = "manual"
	TriggerThresholdBreach     TriggerType = "threshold_breach"
	TriggerDeadlineApproaching TriggerType = "deadline_approaching"
	TriggerTaskCompletion      TriggerType = "task_completion"
	TriggerApprovalRequired    TriggerType = "approval_required"
	TriggerComplianceViolation TriggerType = "compliance_violation"
	TriggerSystemEvent         TriggerType = "system_event"
)

var triggerTypes = map[TriggerType]bool{
	TriggerRegulatoryChange:    true,
	TriggerScheduled:           true,
	TriggerManual:              true,
	TriggerThresholdBreach:     true,
	TriggerDeadlineApproaching: true,
	TriggerTaskCompletion:      true,
	TriggerApprovalRequired:    true,
	TriggerComplianceViolation: true,
	TriggerSystemEvent:         true,
}

// Valid reports whether t is one of the fixed trigger types.
func (t TriggerType) Valid() bool {
	return triggerTypes[t]
}

// WorkflowTrigger is the runtime row for a trigger binding. LastTriggered is
// the only mutable field and is only ever advanced by compare-and-set.
type WorkflowTrigger struct {
	ID            string        `json:"id"`
	DefinitionID  string        `json:"definition_id"`
	TenantID      string        `json:"tenant_id"`
	Name          string        `json:"name"`
	Type          TriggerType   `json:"type"`
	Condition     *Condition    `json:"condition,omitempty"`
	Priority      int           `json:"priority"`
	Cooldown      time.Duration `json:"cooldown"`
	Schedule      string        `json:"schedule,omitempty"`
	Enabled       bool          `json:"enabled"`
	LastTriggered *time.Time    `json:"last_triggered,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// CoolingDown reports whether the trigger may not fire at now.
func (t *WorkflowTrigger) CoolingDown(now time.Time) bool {
	if t.LastTriggered == nil || t.Cooldown <= 0 {
		return false
	}
	return now.Before(t.LastTriggered.Add(t.Cooldown))
}

// Event is the typed envelope consumed by the trigger evaluator.
type Event struct {
	ID         string         `json:"id,omitempty"`
	Type       TriggerType    `json:"type"`
	TenantID   string         `json:"tenant_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`

	// ImpactAssessment is an opaque assessor payload carried by
	// regulatory-change events that already have one.
	ImpactAssessment json.RawMessage `json:"impact_assessment,omitempty"`
}

// ExecutionRequest is emitted by the trigger evaluator for each trigger that
// fires.
type ExecutionRequest struct {
	DefinitionID     string          `json:"definition_id"`
	TriggerID        string          `json:"trigger_id"`
	TriggerType      TriggerType     `json:"trigger_type"`
	TenantID         string          `json:"tenant_id"`
	EventID          string          `json:"event_id,omitempty"`
	SeedContext      map[string]any  `json:"seed_context,omitempty"`
	ImpactAssessment json.RawMessage `json:"impact_assessment,omitempty"`
}
