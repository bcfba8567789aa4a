package model

import "time"

// DefinitionFile is the root structure of a definition YAML file. A file
// declares one or more workflow definitions for a single tenant.
type DefinitionFile struct {
	TenantID  string               `yaml:"tenant_id" json:"tenant_id"`
	Workflows []WorkflowDefinition `yaml:"workflows" json:"workflows"`

	// Checksum is computed at load time and not part of the YAML.
	Checksum string `yaml:"-" json:"-"`
	// SourceFile records the originating file path.
	SourceFile string `yaml:"-" json:"-"`
}

// WorkflowDefinition is an immutable, versioned workflow template. A new
// version is a new row; existing rows only ever change their Active and
// IsLatest flags.
type WorkflowDefinition struct {
	ID               string              `yaml:"id"                json:"id"`
	TenantID         string              `yaml:"tenant_id"         json:"tenant_id"`
	Name             string              `yaml:"name"              json:"name"`
	Version          int                 `yaml:"-"                 json:"version"`
	Category         string              `yaml:"category"          json:"category"`
	Description      string              `yaml:"description"       json:"description,omitempty"`
	Tasks            []TaskDefinition    `yaml:"tasks"             json:"tasks_definition"`
	Triggers         []TriggerDefinition `yaml:"triggers"          json:"triggers"`
	FlowLogic        []FlowRule          `yaml:"flow_logic"        json:"flow_logic,omitempty"`
	DefaultVariables map[string]any      `yaml:"default_variables" json:"default_variables,omitempty"`
	SLA              string              `yaml:"sla"               json:"sla,omitempty"`
	ContextSchema    map[string]any      `yaml:"context_schema"    json:"context_schema,omitempty"`
	Active           bool                `yaml:"-"                 json:"active"`
	IsLatest         bool                `yaml:"-"                 json:"is_latest"`
	CreatedBy        string              `yaml:"-"                 json:"created_by,omitempty"`
	CreatedAt        time.Time           `yaml:"-"                 json:"created_at"`

	// SourceChecksum fingerprints the file content a seeded definition was
	// registered from.
	SourceChecksum string `yaml:"-" json:"source_checksum,omitempty"`
}

// TaskByID returns the task definition with the given id.
func (d *WorkflowDefinition) TaskByID(id string) (*TaskDefinition, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i], true
		}
	}
	return nil, false
}

// FlowRuleFor returns the flow rules that apply to the given task.
func (d *WorkflowDefinition) FlowRuleFor(taskID string) []FlowRule {
	var rules []FlowRule
	for _, r := range d.FlowLogic {
		if r.Task == taskID {
			rules = append(rules, r)
		}
	}
	return rules
}

// SLADuration parses the SLA. Zero means the execution has no SLA of its own.
func (d *WorkflowDefinition) SLADuration() time.Duration {
	return parseDuration(d.SLA)
}

// Task types.
const (
	TaskTypeReview             = "review"
	TaskTypeApproval           = "approval"
	TaskTypeAttestation        = "attestation"
	TaskTypeRemediation        = "remediation"
	TaskTypeAssessment         = "assessment"
	TaskTypeEvidenceCollection = "evidence_collection"
	TaskTypeNotification       = "notification"
	TaskTypeAutomated          = "automated"
)

// Task priorities.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// TaskDefinition is one node of a definition's task graph.
type TaskDefinition struct {
	ID               string    `yaml:"id"                json:"id"`
	Name             string    `yaml:"name"              json:"name"`
	Type             string    `yaml:"type"              json:"type"`
	Priority         string    `yaml:"priority"          json:"priority,omitempty"`
	Description      string    `yaml:"description"       json:"description,omitempty"`
	DependsOn        []string  `yaml:"depends_on"        json:"depends_on,omitempty"`
	Assignee         *Assignee `yaml:"assignee"          json:"assignee,omitempty"`
	Reviewer         *Assignee `yaml:"reviewer"          json:"reviewer,omitempty"`
	RequiresApproval bool      `yaml:"requires_approval" json:"requires_approval,omitempty"`
	DueIn            string    `yaml:"due_in"            json:"due_in,omitempty"`
	RetryBudget      int       `yaml:"retry_budget"      json:"retry_budget,omitempty"`
	Optional         bool      `yaml:"optional"          json:"optional,omitempty"`
}

// DueInDuration parses DueIn. Zero means the task has no due date.
func (t *TaskDefinition) DueInDuration() time.Duration {
	return parseDuration(t.DueIn)
}

// Gated reports whether the task must pass the review or approval gates
// before it can complete.
func (t *TaskDefinition) Gated() bool {
	return t.RequiresApproval || t.Reviewer != nil
}

// Assignee identifies who is responsible for a task: a role, a specific
// user, or both once the user has been resolved.
type Assignee struct {
	Role   string `yaml:"role"    json:"role,omitempty"`
	UserID string `yaml:"user_id" json:"user_id,omitempty"`
}

// Empty reports whether neither a role nor a user is set.
func (a *Assignee) Empty() bool {
	return a == nil || (a.Role == "" && a.UserID == "")
}

// TriggerDefinition binds a trigger to a definition.
type TriggerDefinition struct {
	ID        string      `yaml:"id"        json:"id"`
	Name      string      `yaml:"name"      json:"name"`
	Type      TriggerType `yaml:"type"      json:"type"`
	Condition *Condition  `yaml:"condition" json:"condition,omitempty"`
	Priority  int         `yaml:"priority"  json:"priority"`
	Cooldown  string      `yaml:"cooldown"  json:"cooldown,omitempty"`
	Schedule  string      `yaml:"schedule"  json:"schedule,omitempty"`
	Enabled   *bool       `yaml:"enabled"   json:"enabled,omitempty"`
}

// IsEnabled treats an absent enabled flag as true.
func (t *TriggerDefinition) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// Flow rule kinds.
const (
	FlowAndJoin = "and_join"
	FlowOrJoin  = "or_join"
	FlowSkipIf  = "skip_if"
)

// FlowRule is one tagged variant of the flow-logic language. AndJoin is the
// implicit default for every task with dependencies.
type FlowRule struct {
	Kind string     `yaml:"kind" json:"kind"`
	Task string     `yaml:"task" json:"task"`
	When *Condition `yaml:"when" json:"when,omitempty"`
}

// Condition operators.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpContains = "contains"
	OpExists   = "exists"
	OpAnd      = "and"
	OpOr       = "or"
	OpNot      = "not"
	OpAlways   = "always"
)

// Condition is a predicate over dotted field paths. Leaf operators use Field
// and Value; and/or/not combine Args.
type Condition struct {
	Op    string      `yaml:"op"    json:"op"`
	Field string      `yaml:"field" json:"field,omitempty"`
	Value any         `yaml:"value" json:"value,omitempty"`
	Args  []Condition `yaml:"args"  json:"args,omitempty"`
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
