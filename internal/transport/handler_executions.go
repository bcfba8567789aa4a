package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/complyflow/internal/workflow"
	"github.com/pitabwire/complyflow/model"
)

func handleExecutionStart(scheduler *workflow.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var body struct {
			DefinitionID string         `json:"definition_id"`
			Context      map[string]any `json:"context"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}
		if body.DefinitionID == "" {
			WriteValidationError(w, []model.FieldError{
				{Field: "definition_id", Code: "REQUIRED", Message: "definition_id is required"},
			})
			return
		}

		exec, err := scheduler.StartExecution(r.Context(), model.ExecutionRequest{
			DefinitionID: body.DefinitionID,
			TriggerType:  model.TriggerManual,
			TenantID:     rctx.TenantID,
			SeedContext:  body.Context,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, exec)
	}
}

func handleExecutionList(scheduler *workflow.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		filters := model.ExecutionFilters{
			DefinitionID: r.URL.Query().Get("definition_id"),
			State:        model.ExecutionState(r.URL.Query().Get("state")),
		}
		var err error
		if filters.Limit, filters.Offset, err = pagination(r); err != nil {
			WriteError(w, err)
			return
		}

		execs, err := scheduler.List(r.Context(), rctx.TenantID, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, newList(execs))
	}
}

func handleExecutionGet(scheduler *workflow.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		exec, err := scheduler.Get(r.Context(), rctx.TenantID, chi.URLParam(r, "executionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, exec)
	}
}

func handleExecutionTasks(scheduler *workflow.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		tasks, err := scheduler.Tasks(r.Context(), rctx.TenantID, chi.URLParam(r, "executionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, newList(tasks))
	}
}

func handleExecutionAudit(scheduler *workflow.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		records, err := scheduler.AuditTrail(r.Context(), rctx.TenantID, chi.URLParam(r, "executionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, newList(records))
	}
}

func handleExecutionPause(scheduler *workflow.Scheduler) http.HandlerFunc {
	return executionAction(true, func(ctx context.Context, tenantID, id, reason string) (*model.WorkflowExecution, error) {
		return scheduler.Pause(ctx, tenantID, id, reason)
	})
}

func handleExecutionResume(scheduler *workflow.Scheduler) http.HandlerFunc {
	return executionAction(false, func(ctx context.Context, tenantID, id, _ string) (*model.WorkflowExecution, error) {
		return scheduler.Resume(ctx, tenantID, id)
	})
}

func handleExecutionCancel(scheduler *workflow.Scheduler) http.HandlerFunc {
	return executionAction(true, func(ctx context.Context, tenantID, id, reason string) (*model.WorkflowExecution, error) {
		return scheduler.Cancel(ctx, tenantID, id, reason)
	})
}

func handleExecutionAdvance(scheduler *workflow.Scheduler) http.HandlerFunc {
	return executionAction(false, func(ctx context.Context, tenantID, id, _ string) (*model.WorkflowExecution, error) {
		return scheduler.Advance(ctx, tenantID, id)
	})
}

// executionAction handles POST /v1/executions/{id}/<action>. When
// withReason is set an optional {"reason": "..."} body is read.
func executionAction(
	withReason bool,
	fn func(ctx context.Context, tenantID, id, reason string) (*model.WorkflowExecution, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if withReason {
			if err := decodeJSON(r, &body, true); err != nil {
				WriteError(w, err)
				return
			}
		}

		exec, err := fn(r.Context(), rctx.TenantID, chi.URLParam(r, "executionId"), body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, exec)
	}
}
