package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/complyflow/model"
)

// MemoryStore is an in-memory Store. Transactions stage their writes and
// apply them under a single lock at commit, re-checking versions, so a
// failed transaction leaves nothing behind. Suitable for testing and
// single-instance deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*model.WorkflowExecution
	tasks      map[string]*model.WorkflowTask
	taskOrder  map[string][]string // key: execution ID
	audits     []model.AuditRecord

	failCommits int
}

// NewMemoryStore creates a new in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*model.WorkflowExecution),
		tasks:      make(map[string]*model.WorkflowTask),
		taskOrder:  make(map[string][]string),
	}
}

// FailCommits makes the next n commits fail with STORE_UNAVAILABLE. For
// testing.
func (s *MemoryStore) FailCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = n
}

// WithinTx runs fn against a staging transaction and commits it if fn
// succeeds.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		store:       s,
		execUpdates: make(map[string]*model.WorkflowExecution),
		execBase:    make(map[string]int),
		taskUpdates: make(map[string]*model.WorkflowTask),
		taskBase:    make(map[string]int),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCommits > 0 {
		s.failCommits--
		return model.NewStoreUnavailableError(errors.New("injected commit failure"))
	}

	for _, e := range tx.execInserts {
		if _, exists := s.executions[e.ID]; exists {
			return model.NewConflictError(fmt.Sprintf("execution %q already exists", e.ID))
		}
	}
	for id, base := range tx.execBase {
		cur, ok := s.executions[id]
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf("execution %q not found", id))
		}
		if cur.Version != base {
			return versionConflict("execution", id, base, cur.Version)
		}
	}
	for _, t := range tx.taskInserts {
		if _, exists := s.tasks[t.ID]; exists {
			return model.NewConflictError(fmt.Sprintf("task %q already exists", t.ID))
		}
		for _, id := range s.taskOrder[t.ExecutionID] {
			if s.tasks[id].TaskKey == t.TaskKey {
				return model.NewConflictError(fmt.Sprintf("task %q already exists in execution %q", t.TaskKey, t.ExecutionID))
			}
		}
	}
	for id, base := range tx.taskBase {
		cur, ok := s.tasks[id]
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf("task %q not found", id))
		}
		if cur.Version != base {
			return versionConflict("task", id, base, cur.Version)
		}
	}

	for _, e := range tx.execInserts {
		s.executions[e.ID] = cloneExecution(e)
	}
	for id, e := range tx.execUpdates {
		s.executions[id] = cloneExecution(e)
	}
	for _, t := range tx.taskInserts {
		s.tasks[t.ID] = cloneTask(t)
		s.taskOrder[t.ExecutionID] = append(s.taskOrder[t.ExecutionID], t.ID)
	}
	for id, t := range tx.taskUpdates {
		s.tasks[id] = cloneTask(t)
	}
	s.audits = append(s.audits, tx.audits...)
	return nil
}

// GetExecution retrieves an execution by ID, scoped to tenant.
func (s *MemoryStore) GetExecution(_ context.Context, tenantID, id string) (*model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.execution(tenantID, id)
}

// execution returns a copy of a stored execution. Caller holds mu.
func (s *MemoryStore) execution(tenantID, id string) (*model.WorkflowExecution, error) {
	e, ok := s.executions[id]
	if !ok || e.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("execution %q not found", id))
	}
	return cloneExecution(e), nil
}

// ListExecutions returns executions for a tenant, newest first.
func (s *MemoryStore) ListExecutions(_ context.Context, tenantID string, filters model.ExecutionFilters) ([]model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowExecution
	for _, e := range s.executions {
		if e.TenantID != tenantID {
			continue
		}
		if filters.DefinitionID != "" && e.DefinitionID != filters.DefinitionID {
			continue
		}
		if filters.State != "" && e.State != filters.State {
			continue
		}
		result = append(result, *cloneExecution(e))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return paginate(result, filters.Offset, filters.Limit), nil
}

// GetTask retrieves a task by ID, scoped to tenant.
func (s *MemoryStore) GetTask(_ context.Context, tenantID, id string) (*model.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok || t.TenantID != tenantID {
		return nil, model.NewNotFoundError(fmt.Sprintf("task %q not found", id))
	}
	return cloneTask(t), nil
}

// ListTasks returns the tasks of an execution in creation order.
func (s *MemoryStore) ListTasks(_ context.Context, tenantID, executionID string) ([]model.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.execution(tenantID, executionID); err != nil {
		return nil, err
	}
	return s.tasksOf(executionID), nil
}

// tasksOf copies the committed tasks of an execution. Caller holds mu.
func (s *MemoryStore) tasksOf(executionID string) []model.WorkflowTask {
	ids := s.taskOrder[executionID]
	result := make([]model.WorkflowTask, 0, len(ids))
	for _, id := range ids {
		result = append(result, *cloneTask(s.tasks[id]))
	}
	return result
}

// AuditTrail returns the audit records of an execution in write order.
func (s *MemoryStore) AuditTrail(_ context.Context, tenantID, executionID string) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.execution(tenantID, executionID); err != nil {
		return nil, err
	}
	var result []model.AuditRecord
	for _, r := range s.audits {
		if r.TenantID == tenantID && r.ExecutionID == executionID {
			result = append(result, r)
		}
	}
	return result, nil
}

// AppendAudit appends records outside a transaction.
func (s *MemoryStore) AppendAudit(_ context.Context, records ...model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, records...)
	return nil
}

// Audits returns every audit record written so far. For testing.
func (s *MemoryStore) Audits() []model.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.AuditRecord(nil), s.audits...)
}

// FindExpired returns live executions whose SLA deadline is before cutoff.
func (s *MemoryStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowExecution
	for _, e := range s.executions {
		if e.State != model.ExecutionActive && e.State != model.ExecutionPaused {
			continue
		}
		if e.ExpiresAt != nil && e.ExpiresAt.Before(cutoff) {
			result = append(result, *cloneExecution(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(*result[j].ExpiresAt) })
	return result, nil
}

// FindOverdueTasks returns non-terminal tasks due before cutoff.
func (s *MemoryStore) FindOverdueTasks(_ context.Context, cutoff time.Time) ([]model.WorkflowTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowTask
	for _, t := range s.tasks {
		if t.State.Terminal() || t.DueDate == nil {
			continue
		}
		if t.DueDate.Before(cutoff) {
			result = append(result, *cloneTask(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DueDate.Before(*result[j].DueDate) })
	return result, nil
}

// CountNonTerminal counts executions of a definition not yet terminal.
func (s *MemoryStore) CountNonTerminal(_ context.Context, tenantID, definitionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.executions {
		if e.TenantID == tenantID && e.DefinitionID == definitionID && !e.State.Terminal() {
			n++
		}
	}
	return n, nil
}

// --- memTx ---

type memTx struct {
	store *MemoryStore

	execInserts []*model.WorkflowExecution
	execUpdates map[string]*model.WorkflowExecution
	execBase    map[string]int // version each updated execution was read at

	taskInserts []*model.WorkflowTask
	taskUpdates map[string]*model.WorkflowTask
	taskBase    map[string]int

	audits []model.AuditRecord
}

// LockExecution reads the committed execution. Serialization of writers is
// provided by the caller's keyed lock and the version check at commit.
func (tx *memTx) LockExecution(_ context.Context, tenantID, id string) (*model.WorkflowExecution, error) {
	if e, ok := tx.execUpdates[id]; ok {
		if e.TenantID != tenantID {
			return nil, model.NewNotFoundError(fmt.Sprintf("execution %q not found", id))
		}
		return cloneExecution(e), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	return tx.store.execution(tenantID, id)
}

func (tx *memTx) InsertExecution(_ context.Context, e *model.WorkflowExecution) error {
	tx.execInserts = append(tx.execInserts, cloneExecution(e))
	return nil
}

func (tx *memTx) UpdateExecution(_ context.Context, e *model.WorkflowExecution) error {
	for i, ins := range tx.execInserts {
		if ins.ID == e.ID {
			tx.execInserts[i] = cloneExecution(e)
			return nil
		}
	}
	if _, staged := tx.execUpdates[e.ID]; !staged {
		tx.store.mu.RLock()
		cur, ok := tx.store.executions[e.ID]
		var curVersion int
		if ok {
			curVersion = cur.Version
		}
		tx.store.mu.RUnlock()
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf("execution %q not found", e.ID))
		}
		if curVersion != e.Version {
			return versionConflict("execution", e.ID, e.Version, curVersion)
		}
		tx.execBase[e.ID] = e.Version
	}
	e.Version++
	tx.execUpdates[e.ID] = cloneExecution(e)
	return nil
}

func (tx *memTx) InsertTasks(_ context.Context, tasks ...model.WorkflowTask) error {
	for i := range tasks {
		tx.taskInserts = append(tx.taskInserts, cloneTask(&tasks[i]))
	}
	return nil
}

func (tx *memTx) ListTasks(_ context.Context, executionID string) ([]model.WorkflowTask, error) {
	tx.store.mu.RLock()
	result := tx.store.tasksOf(executionID)
	tx.store.mu.RUnlock()

	for i := range result {
		if t, ok := tx.taskUpdates[result[i].ID]; ok {
			result[i] = *cloneTask(t)
		}
	}
	for _, t := range tx.taskInserts {
		if t.ExecutionID == executionID {
			result = append(result, *cloneTask(t))
		}
	}
	return result, nil
}

func (tx *memTx) UpdateTask(_ context.Context, t *model.WorkflowTask) error {
	for i, ins := range tx.taskInserts {
		if ins.ID == t.ID {
			tx.taskInserts[i] = cloneTask(t)
			return nil
		}
	}
	if _, staged := tx.taskUpdates[t.ID]; !staged {
		tx.store.mu.RLock()
		cur, ok := tx.store.tasks[t.ID]
		var curVersion int
		if ok {
			curVersion = cur.Version
		}
		tx.store.mu.RUnlock()
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf("task %q not found", t.ID))
		}
		if curVersion != t.Version {
			return versionConflict("task", t.ID, t.Version, curVersion)
		}
		tx.taskBase[t.ID] = t.Version
	}
	t.Version++
	tx.taskUpdates[t.ID] = cloneTask(t)
	return nil
}

func (tx *memTx) AppendAudit(_ context.Context, records ...model.AuditRecord) error {
	tx.audits = append(tx.audits, records...)
	return nil
}

// --- helpers ---

func versionConflict(kind, id string, expected, actual int) error {
	return model.NewConflictError(
		fmt.Sprintf("%s %q version conflict (expected %d, got %d)", kind, id, expected, actual),
	)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneExecution(e *model.WorkflowExecution) *model.WorkflowExecution {
	cp := *e
	cp.CurrentTasks = append([]string(nil), e.CurrentTasks...)
	cp.CompletedTasks = append([]string(nil), e.CompletedTasks...)
	cp.FailedTasks = append([]string(nil), e.FailedTasks...)
	cp.SkippedTasks = append([]string(nil), e.SkippedTasks...)
	cp.ContextData = cloneMap(e.ContextData)
	cp.ImpactAssessment = append([]byte(nil), e.ImpactAssessment...)
	cp.ExpiresAt = cloneTime(e.ExpiresAt)
	cp.CompletedAt = cloneTime(e.CompletedAt)
	return &cp
}

func cloneTask(t *model.WorkflowTask) *model.WorkflowTask {
	cp := *t
	if t.Reviewer != nil {
		r := *t.Reviewer
		cp.Reviewer = &r
	}
	cp.Result = cloneMap(t.Result)
	cp.DueDate = cloneTime(t.DueDate)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	default:
		return v
	}
}
