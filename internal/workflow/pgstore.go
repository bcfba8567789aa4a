package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/complyflow/internal/database"
	"github.com/pitabwire/complyflow/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. LockExecution takes a
// row lock, which serializes writers for one execution across replicas.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const executionColumns = `id, tenant_id, definition_id, definition_name, definition_version,
	trigger_id, trigger_type, state, current_tasks, completed_tasks, failed_tasks, skipped_tasks,
	context_data, impact_assessment, progress, reason, started_by, sla_ms,
	created_at, updated_at, last_activity_at, expires_at, completed_at, version`

const taskColumns = `id, execution_id, tenant_id, task_key, name, type, priority,
	assignee_role, assignee_user_id, reviewer, requires_approval, optional, due_date,
	state, overdue, escalation_level, attempts, retry_budget, skip_reason, result,
	created_at, updated_at, completed_at, version`

const auditColumns = `id, tenant_id, entity_type, entity_id, execution_id, action, actor,
	old_state, new_state, data, recorded_at`

// WithinTx runs fn in a database transaction.
func (s *PgStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return database.Classify("begin execution tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return database.Classify("commit execution tx", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID, scoped to tenant.
func (s *PgStore) GetExecution(ctx context.Context, tenantID, id string) (*model.WorkflowExecution, error) {
	return getExecution(ctx, s.pool, tenantID, id, "")
}

// ListExecutions returns executions for a tenant, newest first.
func (s *PgStore) ListExecutions(ctx context.Context, tenantID string, filters model.ExecutionFilters) ([]model.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.DefinitionID != "" {
		query += fmt.Sprintf(" AND definition_id = $%d", argIdx)
		args = append(args, filters.DefinitionID)
		argIdx++
	}
	if filters.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(filters.State))
		argIdx++
	}

	query += " ORDER BY created_at DESC, id"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return queryExecutions(ctx, s.pool, query, args...)
}

// GetTask retrieves a task by ID, scoped to tenant.
func (s *PgStore) GetTask(ctx context.Context, tenantID, id string) (*model.WorkflowTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM workflow_tasks
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("task %q not found", id))
	}
	if err != nil {
		return nil, database.Classify("query workflow task", err)
	}
	return t, nil
}

// ListTasks returns the tasks of an execution in creation order.
func (s *PgStore) ListTasks(ctx context.Context, tenantID, executionID string) ([]model.WorkflowTask, error) {
	if _, err := s.GetExecution(ctx, tenantID, executionID); err != nil {
		return nil, err
	}
	return listTasks(ctx, s.pool, executionID)
}

// AuditTrail returns the audit records of an execution in write order.
func (s *PgStore) AuditTrail(ctx context.Context, tenantID, executionID string) ([]model.AuditRecord, error) {
	if _, err := s.GetExecution(ctx, tenantID, executionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+auditColumns+`
		FROM audit_records
		WHERE tenant_id = $1 AND execution_id = $2
		ORDER BY seq`,
		tenantID, executionID,
	)
	if err != nil {
		return nil, database.Classify("query audit records", err)
	}
	defer rows.Close()

	var result []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var data []byte
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.EntityType, &r.EntityID, &r.ExecutionID, &r.Action, &r.Actor,
			&r.OldState, &r.NewState, &data, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if err := unmarshalJSON(data, &r.Data); err != nil {
			return nil, fmt.Errorf("unmarshal audit data: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify("iterate audit records", err)
	}
	return result, nil
}

// AppendAudit writes audit records outside an execution transaction.
func (s *PgStore) AppendAudit(ctx context.Context, records ...model.AuditRecord) error {
	return appendAudit(ctx, s.pool, records)
}

// FindExpired returns live executions whose SLA deadline is before cutoff.
func (s *PgStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.WorkflowExecution, error) {
	return queryExecutions(ctx, s.pool, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE state IN ('active', 'paused') AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC`,
		cutoff,
	)
}

// FindOverdueTasks returns non-terminal tasks due before cutoff.
func (s *PgStore) FindOverdueTasks(ctx context.Context, cutoff time.Time) ([]model.WorkflowTask, error) {
	return queryTasks(ctx, s.pool, `
		SELECT `+taskColumns+`
		FROM workflow_tasks
		WHERE due_date IS NOT NULL AND due_date < $1
		  AND state NOT IN ('completed', 'failed', 'cancelled', 'skipped')
		ORDER BY due_date ASC`,
		cutoff,
	)
}

// CountNonTerminal counts executions of a definition not yet terminal.
func (s *PgStore) CountNonTerminal(ctx context.Context, tenantID, definitionID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM workflow_executions
		WHERE tenant_id = $1 AND definition_id = $2
		  AND state NOT IN ('completed', 'failed', 'cancelled', 'expired')`,
		tenantID, definitionID,
	).Scan(&n)
	if err != nil {
		return 0, database.Classify("count executions", err)
	}
	return n, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- pgTx ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockExecution(ctx context.Context, tenantID, id string) (*model.WorkflowExecution, error) {
	return getExecution(ctx, t.tx, tenantID, id, " FOR UPDATE")
}

func (t *pgTx) InsertExecution(ctx context.Context, e *model.WorkflowExecution) error {
	args, err := executionArgs(e)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		args...,
	); err != nil {
		return database.Classify("insert workflow execution", err)
	}
	return nil
}

func (t *pgTx) UpdateExecution(ctx context.Context, e *model.WorkflowExecution) error {
	current, err := marshalJSON(nonNil(e.CurrentTasks))
	if err != nil {
		return err
	}
	completed, err := marshalJSON(nonNil(e.CompletedTasks))
	if err != nil {
		return err
	}
	failed, err := marshalJSON(nonNil(e.FailedTasks))
	if err != nil {
		return err
	}
	skipped, err := marshalJSON(nonNil(e.SkippedTasks))
	if err != nil {
		return err
	}
	contextData, err := marshalJSON(e.ContextData)
	if err != nil {
		return err
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_executions SET
			state = $1,
			current_tasks = $2,
			completed_tasks = $3,
			failed_tasks = $4,
			skipped_tasks = $5,
			context_data = $6,
			progress = $7,
			reason = $8,
			updated_at = $9,
			last_activity_at = $10,
			expires_at = $11,
			completed_at = $12,
			version = version + 1
		WHERE id = $13 AND version = $14`,
		string(e.State), current, completed, failed, skipped, contextData,
		e.Progress, e.Reason, e.UpdatedAt, e.LastActivityAt, e.ExpiresAt, e.CompletedAt,
		e.ID, e.Version,
	)
	if err != nil {
		return database.Classify("update workflow execution", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("execution %q version conflict (expected %d)", e.ID, e.Version),
		)
	}
	e.Version++
	return nil
}

func (t *pgTx) InsertTasks(ctx context.Context, tasks ...model.WorkflowTask) error {
	if len(tasks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range tasks {
		args, err := taskArgs(&tasks[i])
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO workflow_tasks (`+taskColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
			args...,
		)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return database.Classify("insert workflow tasks", err)
	}
	return nil
}

func (t *pgTx) ListTasks(ctx context.Context, executionID string) ([]model.WorkflowTask, error) {
	return listTasks(ctx, t.tx, executionID)
}

func (t *pgTx) UpdateTask(ctx context.Context, task *model.WorkflowTask) error {
	reviewer, err := marshalNullableJSON(task.Reviewer)
	if err != nil {
		return err
	}
	result, err := marshalNullableJSON(task.Result)
	if err != nil {
		return err
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE workflow_tasks SET
			assignee_role = $1,
			assignee_user_id = $2,
			reviewer = $3,
			due_date = $4,
			state = $5,
			overdue = $6,
			escalation_level = $7,
			attempts = $8,
			skip_reason = $9,
			result = $10,
			updated_at = $11,
			completed_at = $12,
			version = version + 1
		WHERE id = $13 AND version = $14`,
		task.Assignee.Role, task.Assignee.UserID, reviewer, task.DueDate,
		string(task.State), task.Overdue, task.EscalationLevel, task.Attempts,
		task.SkipReason, result, task.UpdatedAt, task.CompletedAt,
		task.ID, task.Version,
	)
	if err != nil {
		return database.Classify("update workflow task", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("task %q version conflict (expected %d)", task.ID, task.Version),
		)
	}
	task.Version++
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, records ...model.AuditRecord) error {
	return appendAudit(ctx, t.tx, records)
}

// --- shared queries ---

func getExecution(ctx context.Context, q querier, tenantID, id, suffix string) (*model.WorkflowExecution, error) {
	row := q.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE id = $1 AND tenant_id = $2`+suffix,
		id, tenantID,
	)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("execution %q not found", id))
	}
	if err != nil {
		return nil, database.Classify("query workflow execution", err)
	}
	return e, nil
}

func queryExecutions(ctx context.Context, q querier, query string, args ...any) ([]model.WorkflowExecution, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, database.Classify("query workflow executions", err)
	}
	defer rows.Close()

	var result []model.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow execution: %w", err)
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify("iterate workflow executions", err)
	}
	return result, nil
}

func listTasks(ctx context.Context, q querier, executionID string) ([]model.WorkflowTask, error) {
	return queryTasks(ctx, q, `
		SELECT `+taskColumns+`
		FROM workflow_tasks
		WHERE execution_id = $1
		ORDER BY created_at, task_key`,
		executionID,
	)
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]model.WorkflowTask, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, database.Classify("query workflow tasks", err)
	}
	defer rows.Close()

	var result []model.WorkflowTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow task: %w", err)
		}
		result = append(result, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify("iterate workflow tasks", err)
	}
	return result, nil
}

func appendAudit(ctx context.Context, q querier, records []model.AuditRecord) error {
	for _, r := range records {
		data, err := marshalNullableJSON(r.Data)
		if err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO audit_records (`+auditColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			r.ID, r.TenantID, r.EntityType, r.EntityID, r.ExecutionID, r.Action, r.Actor,
			r.OldState, r.NewState, data, r.Timestamp,
		); err != nil {
			return database.Classify("insert audit record", err)
		}
	}
	return nil
}

// --- row mapping ---

func executionArgs(e *model.WorkflowExecution) ([]any, error) {
	current, err := marshalJSON(nonNil(e.CurrentTasks))
	if err != nil {
		return nil, err
	}
	completed, err := marshalJSON(nonNil(e.CompletedTasks))
	if err != nil {
		return nil, err
	}
	failed, err := marshalJSON(nonNil(e.FailedTasks))
	if err != nil {
		return nil, err
	}
	skipped, err := marshalJSON(nonNil(e.SkippedTasks))
	if err != nil {
		return nil, err
	}
	contextData, err := marshalJSON(e.ContextData)
	if err != nil {
		return nil, err
	}
	var impact []byte
	if len(e.ImpactAssessment) > 0 {
		impact = []byte(e.ImpactAssessment)
	}
	return []any{
		e.ID, e.TenantID, e.DefinitionID, e.DefinitionName, e.DefinitionVersion,
		e.TriggerID, string(e.TriggerType), string(e.State), current, completed, failed, skipped,
		contextData, impact, e.Progress, e.Reason, e.StartedBy, e.SLA.Milliseconds(),
		e.CreatedAt, e.UpdatedAt, e.LastActivityAt, e.ExpiresAt, e.CompletedAt, e.Version,
	}, nil
}

func scanExecution(row pgx.Row) (*model.WorkflowExecution, error) {
	var e model.WorkflowExecution
	var triggerType, state string
	var current, completed, failed, skipped, contextData, impact []byte
	var slaMs int64
	if err := row.Scan(
		&e.ID, &e.TenantID, &e.DefinitionID, &e.DefinitionName, &e.DefinitionVersion,
		&e.TriggerID, &triggerType, &state, &current, &completed, &failed, &skipped,
		&contextData, &impact, &e.Progress, &e.Reason, &e.StartedBy, &slaMs,
		&e.CreatedAt, &e.UpdatedAt, &e.LastActivityAt, &e.ExpiresAt, &e.CompletedAt, &e.Version,
	); err != nil {
		return nil, err
	}
	e.TriggerType = model.TriggerType(triggerType)
	e.State = model.ExecutionState(state)
	e.SLA = time.Duration(slaMs) * time.Millisecond
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{current, &e.CurrentTasks},
		{completed, &e.CompletedTasks},
		{failed, &e.FailedTasks},
		{skipped, &e.SkippedTasks},
		{contextData, &e.ContextData},
	} {
		if err := unmarshalJSON(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("unmarshal execution %s: %w", e.ID, err)
		}
	}
	if len(impact) > 0 {
		e.ImpactAssessment = json.RawMessage(impact)
	}
	return &e, nil
}

func taskArgs(t *model.WorkflowTask) ([]any, error) {
	reviewer, err := marshalNullableJSON(t.Reviewer)
	if err != nil {
		return nil, err
	}
	result, err := marshalNullableJSON(t.Result)
	if err != nil {
		return nil, err
	}
	return []any{
		t.ID, t.ExecutionID, t.TenantID, t.TaskKey, t.Name, t.Type, t.Priority,
		t.Assignee.Role, t.Assignee.UserID, reviewer, t.RequiresApproval, t.Optional, t.DueDate,
		string(t.State), t.Overdue, t.EscalationLevel, t.Attempts, t.RetryBudget, t.SkipReason, result,
		t.CreatedAt, t.UpdatedAt, t.CompletedAt, t.Version,
	}, nil
}

func scanTask(row pgx.Row) (*model.WorkflowTask, error) {
	var t model.WorkflowTask
	var state string
	var reviewer, result []byte
	if err := row.Scan(
		&t.ID, &t.ExecutionID, &t.TenantID, &t.TaskKey, &t.Name, &t.Type, &t.Priority,
		&t.Assignee.Role, &t.Assignee.UserID, &reviewer, &t.RequiresApproval, &t.Optional, &t.DueDate,
		&state, &t.Overdue, &t.EscalationLevel, &t.Attempts, &t.RetryBudget, &t.SkipReason, &result,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt, &t.Version,
	); err != nil {
		return nil, err
	}
	t.State = model.TaskState(state)
	if err := unmarshalJSON(reviewer, &t.Reviewer); err != nil {
		return nil, fmt.Errorf("unmarshal task reviewer: %w", err)
	}
	if err := unmarshalJSON(result, &t.Result); err != nil {
		return nil, fmt.Errorf("unmarshal task result: %w", err)
	}
	return &t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return b, nil
}

// marshalNullableJSON encodes nil pointers and nil maps as SQL NULL.
func marshalNullableJSON[T any](v T) ([]byte, error) {
	b, err := marshalJSON(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

func unmarshalJSON(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
