package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/model"
)

// ProcessExpirations expires every open execution whose SLA deadline has
// passed. Deadlines are rechecked under the execution lock, so activity
// racing the sweep wins. Returns the number of executions expired.
func (s *Scheduler) ProcessExpirations(ctx context.Context) (int, error) {
	now := s.Now()
	due, err := s.store.FindExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		r, err := s.mutate(ctx, "expire", e.TenantID, e.ID, func(r *run) error {
			if r.exec.State.Terminal() || r.exec.ExpiresAt == nil || !r.exec.ExpiresAt.Before(r.now) {
				return nil
			}
			return r.setExecState(model.ExecutionExpired, "sla_exceeded")
		})
		if err != nil {
			s.logger.Warn("expire execution failed", append(observability.ExecutionFields(&e), zap.Error(err))...)
			continue
		}
		if r.exec.State == model.ExecutionExpired && len(r.changes) > 0 {
			expired++
		}
	}

	s.metrics.RecordSweep("expiry", expired)
	if expired > 0 {
		s.logger.Info("executions expired", zap.Int("count", expired))
	}
	return expired, ctx.Err()
}

// ProcessOverdue flags tasks past their due date and raises their
// escalation level by one for every escalation interval they stay
// overdue. A task is announced once per level. Returns the number of
// tasks escalated.
func (s *Scheduler) ProcessOverdue(ctx context.Context) (int, error) {
	now := s.Now()
	due, err := s.store.FindOverdueTasks(ctx, now)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, task := range due {
		if ctx.Err() != nil {
			break
		}
		taskID := task.ID
		r, err := s.mutate(ctx, "escalate", task.TenantID, task.ExecutionID, func(r *run) error {
			t, err := r.task(taskID)
			if err != nil {
				return err
			}
			if t.State.Terminal() || t.DueDate == nil || !t.DueDate.Before(r.now) {
				return nil
			}
			level := 1 + int(r.now.Sub(*t.DueDate)/s.opts.EscalationInterval)
			if level <= t.EscalationLevel {
				return nil
			}
			r.escalate(t, level)
			return nil
		})
		if err != nil {
			s.logger.Warn("escalate task failed", append(observability.TaskFields(&task), zap.Error(err))...)
			continue
		}
		if len(r.changes) > 0 {
			escalated++
		}
	}

	s.metrics.RecordSweep("overdue", escalated)
	if escalated > 0 {
		s.logger.Info("tasks escalated", zap.Int("count", escalated))
	}
	return escalated, ctx.Err()
}

// escalate marks t overdue at the given level. The task state is
// unchanged.
func (r *run) escalate(t *model.WorkflowTask, level int) {
	t.Overdue = true
	t.EscalationLevel = level
	t.UpdatedAt = r.now
	r.markDirty(t)

	data := map[string]any{
		"escalation_level": level,
		"due_date":         t.DueDate.Format(time.RFC3339),
	}
	rec := r.record(model.AuditTask, t.ID, ActionTaskOverdue, string(t.State), string(model.TaskOverdue), data)
	r.audits = append(r.audits, rec)
	r.changes = append(r.changes, model.StateChange{
		ID:          uuid.New().String(),
		Type:        model.EventTaskOverdue,
		TenantID:    t.TenantID,
		ExecutionID: t.ExecutionID,
		TaskID:      t.ID,
		TaskKey:     t.TaskKey,
		From:        string(t.State),
		To:          string(model.TaskOverdue),
		Actor:       rec.Actor,
		OccurredAt:  r.now,
		Data: map[string]any{
			"task_type":        t.Type,
			"priority":         t.Priority,
			"escalation_level": level,
			"assignee_role":    t.Assignee.Role,
			"assignee_user_id": t.Assignee.UserID,
			"due_date":         t.DueDate.Format(time.RFC3339),
		},
	})
}
