package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/complyflow/model"
)

// Store persists executions, their tasks and the audit trail.
type Store interface {
	// WithinTx runs fn in a transaction. Every write made through the Tx
	// commits together or not at all.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// GetExecution retrieves an execution by ID, scoped to a tenant.
	// Returns NOT_FOUND if the execution doesn't exist or belongs to a
	// different tenant.
	GetExecution(ctx context.Context, tenantID, id string) (*model.WorkflowExecution, error)

	// ListExecutions returns executions for a tenant, newest first.
	ListExecutions(ctx context.Context, tenantID string, filters model.ExecutionFilters) ([]model.WorkflowExecution, error)

	// GetTask retrieves a task by ID, scoped to a tenant.
	GetTask(ctx context.Context, tenantID, id string) (*model.WorkflowTask, error)

	// ListTasks returns the tasks of an execution in creation order.
	ListTasks(ctx context.Context, tenantID, executionID string) ([]model.WorkflowTask, error)

	// AuditTrail returns the audit records of an execution and its tasks in
	// the order they were written.
	AuditTrail(ctx context.Context, tenantID, executionID string) ([]model.AuditRecord, error)

	// AppendAudit writes audit records outside an execution transaction.
	AppendAudit(ctx context.Context, records ...model.AuditRecord) error

	// FindExpired returns active or paused executions whose expires_at is
	// before cutoff, across tenants.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowExecution, error)

	// FindOverdueTasks returns non-terminal tasks whose due date is before
	// cutoff, across tenants.
	FindOverdueTasks(ctx context.Context, cutoff time.Time) ([]model.WorkflowTask, error)

	// CountNonTerminal counts executions of a definition that have not
	// reached a terminal state.
	CountNonTerminal(ctx context.Context, tenantID, definitionID string) (int, error)
}

// Tx is the write side of a Store transaction.
type Tx interface {
	// LockExecution loads an execution and holds its row lock until the
	// transaction ends.
	LockExecution(ctx context.Context, tenantID, id string) (*model.WorkflowExecution, error)

	// InsertExecution persists a new execution.
	InsertExecution(ctx context.Context, e *model.WorkflowExecution) error

	// UpdateExecution persists e with optimistic locking. e.Version must
	// match the stored version and is incremented on success. Returns
	// CONFLICT if the version has changed.
	UpdateExecution(ctx context.Context, e *model.WorkflowExecution) error

	// InsertTasks persists new tasks.
	InsertTasks(ctx context.Context, tasks ...model.WorkflowTask) error

	// ListTasks returns the tasks of an execution as seen by the
	// transaction.
	ListTasks(ctx context.Context, executionID string) ([]model.WorkflowTask, error)

	// UpdateTask persists t with optimistic locking, like UpdateExecution.
	UpdateTask(ctx context.Context, t *model.WorkflowTask) error

	// AppendAudit writes audit records as part of the transaction.
	AppendAudit(ctx context.Context, records ...model.AuditRecord) error
}
