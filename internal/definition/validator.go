package definition

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pitabwire/complyflow/internal/condition"
	"github.com/pitabwire/complyflow/model"
)

// Validation error codes.
const (
	CodeRequired         = "REQUIRED"
	CodeInvalidEnum      = "INVALID_ENUM"
	CodeRefNotFound      = "REF_NOT_FOUND"
	CodeDuplicate        = "DUPLICATE"
	CodeCycle            = "CYCLE"
	CodeInvalidFormat    = "INVALID_FORMAT"
	CodeInvalidCondition = "INVALID_CONDITION"
	CodeInvalidSchema    = "INVALID_SCHEMA"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

var validTaskTypes = map[string]bool{
	model.TaskTypeReview:             true,
	model.TaskTypeApproval:           true,
	model.TaskTypeAttestation:        true,
	model.TaskTypeRemediation:        true,
	model.TaskTypeAssessment:         true,
	model.TaskTypeEvidenceCollection: true,
	model.TaskTypeNotification:       true,
	model.TaskTypeAutomated:          true,
}

var validPriorities = map[string]bool{
	model.PriorityLow:      true,
	model.PriorityMedium:   true,
	model.PriorityHigh:     true,
	model.PriorityCritical: true,
}

var validFlowKinds = map[string]bool{
	model.FlowAndJoin: true,
	model.FlowOrJoin:  true,
	model.FlowSkipIf:  true,
}

// scheduleParser accepts five-field cron expressions and descriptors such
// as @daily or @every 1h.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a scheduled trigger's cron expression.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(spec)
}

// Validator checks workflow definitions structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateFile checks every workflow in a definition file.
func (v *Validator) ValidateFile(file model.DefinitionFile) []VError {
	var errs []VError
	for i := range file.Workflows {
		errs = append(errs, v.validate(fmt.Sprintf("workflows[%d]", i), &file.Workflows[i])...)
	}
	return errs
}

// Validate checks a single definition. Paths are relative to the definition.
func (v *Validator) Validate(def *model.WorkflowDefinition) []VError {
	return v.validate("", def)
}

func (v *Validator) validate(prefix string, def *model.WorkflowDefinition) []VError {
	var errs []VError
	at := func(path string) string {
		if prefix == "" {
			return path
		}
		return prefix + "." + path
	}

	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, VError{Path: at("name"), Code: CodeRequired, Message: "name is required"})
	}
	if len(def.Tasks) == 0 {
		errs = append(errs, VError{Path: at("tasks"), Code: CodeRequired, Message: "at least one task is required"})
	}
	if def.SLA != "" {
		if d, err := time.ParseDuration(def.SLA); err != nil || d <= 0 {
			errs = append(errs, VError{Path: at("sla"), Code: CodeInvalidFormat, Message: fmt.Sprintf("sla %q is not a positive duration", def.SLA)})
		}
	}
	if _, err := CompileContextSchema(def.Name, def.ContextSchema); err != nil {
		errs = append(errs, VError{Path: at("context_schema"), Code: CodeInvalidSchema, Message: err.Error()})
	}

	taskIDs := make(map[string]bool, len(def.Tasks))
	for i, t := range def.Tasks {
		tp := at(fmt.Sprintf("tasks[%d]", i))
		if t.ID == "" {
			errs = append(errs, VError{Path: tp + ".id", Code: CodeRequired, Message: "task id is required"})
			continue
		}
		if taskIDs[t.ID] {
			errs = append(errs, VError{Path: tp + ".id", Code: CodeDuplicate, Message: fmt.Sprintf("duplicate task id %q", t.ID)})
		}
		taskIDs[t.ID] = true
	}

	for i, t := range def.Tasks {
		errs = append(errs, v.validateTask(at(fmt.Sprintf("tasks[%d]", i)), t, taskIDs)...)
	}

	if _, cyclic := TopologicalOrder(def.Tasks); len(cyclic) > 0 {
		errs = append(errs, VError{
			Path:    at("tasks"),
			Code:    CodeCycle,
			Message: fmt.Sprintf("dependency cycle involving tasks: %s", strings.Join(cyclic, ", ")),
		})
	}

	triggerIDs := make(map[string]bool, len(def.Triggers))
	for i, tr := range def.Triggers {
		tp := at(fmt.Sprintf("triggers[%d]", i))
		if tr.ID != "" {
			if triggerIDs[tr.ID] {
				errs = append(errs, VError{Path: tp + ".id", Code: CodeDuplicate, Message: fmt.Sprintf("duplicate trigger id %q", tr.ID)})
			}
			triggerIDs[tr.ID] = true
		}
		errs = append(errs, v.validateTrigger(tp, tr)...)
	}

	for i, r := range def.FlowLogic {
		errs = append(errs, v.validateFlowRule(at(fmt.Sprintf("flow_logic[%d]", i)), r, def, taskIDs)...)
	}

	return errs
}

func (v *Validator) validateTask(prefix string, t model.TaskDefinition, taskIDs map[string]bool) []VError {
	var errs []VError

	if t.Name == "" {
		errs = append(errs, VError{Path: prefix + ".name", Code: CodeRequired, Message: "task name is required"})
	}
	if t.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: CodeRequired, Message: "task type is required"})
	} else if !validTaskTypes[t.Type] {
		errs = append(errs, VError{Path: prefix + ".type", Code: CodeInvalidEnum, Message: fmt.Sprintf("invalid task type %q", t.Type)})
	}
	if t.Priority != "" && !validPriorities[t.Priority] {
		errs = append(errs, VError{Path: prefix + ".priority", Code: CodeInvalidEnum, Message: fmt.Sprintf("invalid priority %q", t.Priority)})
	}
	if t.DueIn != "" {
		if d, err := time.ParseDuration(t.DueIn); err != nil || d <= 0 {
			errs = append(errs, VError{Path: prefix + ".due_in", Code: CodeInvalidFormat, Message: fmt.Sprintf("due_in %q is not a positive duration", t.DueIn)})
		}
	}
	if t.RetryBudget < 0 {
		errs = append(errs, VError{Path: prefix + ".retry_budget", Code: CodeInvalidFormat, Message: "retry_budget must not be negative"})
	}
	if t.Reviewer != nil && t.Reviewer.Empty() {
		errs = append(errs, VError{Path: prefix + ".reviewer", Code: CodeRequired, Message: "reviewer needs a role or user_id"})
	}
	for j, dep := range t.DependsOn {
		dp := fmt.Sprintf("%s.depends_on[%d]", prefix, j)
		switch {
		case dep == t.ID:
			errs = append(errs, VError{Path: dp, Code: CodeCycle, Message: fmt.Sprintf("task %q depends on itself", t.ID)})
		case !taskIDs[dep]:
			errs = append(errs, VError{Path: dp, Code: CodeRefNotFound, Message: fmt.Sprintf("dependency %q not found in task graph", dep)})
		}
	}
	return errs
}

func (v *Validator) validateTrigger(prefix string, tr model.TriggerDefinition) []VError {
	var errs []VError

	if tr.Type == "" {
		errs = append(errs, VError{Path: prefix + ".type", Code: CodeRequired, Message: "trigger type is required"})
	} else if !tr.Type.Valid() {
		errs = append(errs, VError{Path: prefix + ".type", Code: CodeInvalidEnum, Message: fmt.Sprintf("unknown trigger type %q", tr.Type)})
	}
	if tr.Cooldown != "" {
		if d, err := time.ParseDuration(tr.Cooldown); err != nil || d < 0 {
			errs = append(errs, VError{Path: prefix + ".cooldown", Code: CodeInvalidFormat, Message: fmt.Sprintf("cooldown %q is not a duration", tr.Cooldown)})
		}
	}
	if tr.Schedule != "" {
		if tr.Type != model.TriggerScheduled {
			errs = append(errs, VError{Path: prefix + ".schedule", Code: CodeInvalidFormat, Message: "schedule is only allowed on scheduled triggers"})
		} else if _, err := ParseSchedule(tr.Schedule); err != nil {
			errs = append(errs, VError{Path: prefix + ".schedule", Code: CodeInvalidFormat, Message: fmt.Sprintf("invalid cron expression: %v", err)})
		}
	}
	if err := condition.Validate(tr.Condition, condition.SourceEvent, condition.SourceState); err != nil {
		errs = append(errs, VError{Path: prefix + ".condition", Code: CodeInvalidCondition, Message: err.Error()})
	}
	return errs
}

func (v *Validator) validateFlowRule(prefix string, r model.FlowRule, def *model.WorkflowDefinition, taskIDs map[string]bool) []VError {
	var errs []VError

	if !validFlowKinds[r.Kind] {
		errs = append(errs, VError{Path: prefix + ".kind", Code: CodeInvalidEnum, Message: fmt.Sprintf("invalid flow rule kind %q", r.Kind)})
	}
	if r.Task == "" {
		errs = append(errs, VError{Path: prefix + ".task", Code: CodeRequired, Message: "task is required"})
	} else if !taskIDs[r.Task] {
		errs = append(errs, VError{Path: prefix + ".task", Code: CodeRefNotFound, Message: fmt.Sprintf("task %q not found in task graph", r.Task)})
	}

	switch r.Kind {
	case model.FlowSkipIf:
		if r.When == nil {
			errs = append(errs, VError{Path: prefix + ".when", Code: CodeRequired, Message: "skip_if requires a when condition"})
		} else if err := condition.Validate(r.When, condition.SourceContext); err != nil {
			errs = append(errs, VError{Path: prefix + ".when", Code: CodeInvalidCondition, Message: err.Error()})
		}
	case model.FlowOrJoin:
		if t, ok := def.TaskByID(r.Task); ok && len(t.DependsOn) < 2 {
			errs = append(errs, VError{Path: prefix + ".task", Code: CodeInvalidFormat, Message: "or_join requires a task with at least two dependencies"})
		}
	}
	return errs
}

// ToEnvelope converts validation errors into the error returned to callers.
// A cycle anywhere in the graph takes precedence as CYCLIC_GRAPH.
func ToEnvelope(errs []VError) *model.ErrorEnvelope {
	details := make([]model.FieldError, 0, len(errs))
	cyclic := false
	for _, e := range errs {
		details = append(details, model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message})
		if e.Code == CodeCycle {
			cyclic = true
		}
	}
	if cyclic {
		return model.NewCyclicGraphError(details)
	}
	return model.NewValidationError(details)
}
