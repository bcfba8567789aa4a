package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/idempotency"
	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/internal/workflow"
	"github.com/pitabwire/complyflow/model"
)

// IdempotencyKeyHeader carries the client key for task outcome updates.
const IdempotencyKeyHeader = "Idempotency-Key"

const defaultIdempotencyTTL = 24 * time.Hour

type outcomeBody struct {
	TaskID     string            `json:"task_id"`
	Outcome    model.TaskOutcome `json:"outcome"`
	ResultData map[string]any    `json:"result_data,omitempty"`
}

// handleTaskOutcome records a terminal task outcome. With an
// Idempotency-Key header a repeated request returns the first response;
// reusing the key with a different body is a CONFLICT.
func handleTaskOutcome(scheduler *workflow.Scheduler, store idempotency.Store, ttl time.Duration) http.HandlerFunc {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var body outcomeBody
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}
		var fields []model.FieldError
		if body.TaskID == "" {
			fields = append(fields, model.FieldError{Field: "task_id", Code: "REQUIRED", Message: "task_id is required"})
		}
		if !body.Outcome.Valid() {
			fields = append(fields, model.FieldError{Field: "outcome", Code: "INVALID_ENUM", Message: "outcome must be completed, failed or cancelled"})
		}
		if len(fields) > 0 {
			WriteValidationError(w, fields)
			return
		}

		// Check idempotency.
		clientKey := sanitizeHeader(r.Header.Get(IdempotencyKeyHeader))
		var key, fingerprint string
		if clientKey != "" && store != nil {
			var err error
			key = idempotency.FormatKey(rctx.TenantID, idempotency.ScopeTaskOutcome, clientKey)
			if fingerprint, err = idempotency.Fingerprint(body); err != nil {
				WriteError(w, err)
				return
			}
			cached, found, err := store.Check(r.Context(), key, fingerprint)
			if err != nil {
				WriteError(w, err)
				return
			}
			if found {
				w.Header().Set("Idempotent-Replayed", "true")
				writeRawJSON(w, http.StatusOK, cached)
				return
			}
		}

		result, err := scheduler.HandleTaskOutcome(r.Context(), rctx.TenantID, body.TaskID, body.Outcome, body.ResultData)
		if err != nil {
			WriteError(w, err)
			return
		}

		// Store the response for replays. Best-effort.
		if key != "" {
			saveOutcome(r.Context(), store, key, fingerprint, result, ttl)
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func saveOutcome(ctx context.Context, store idempotency.Store, key, fingerprint string, result *model.OutcomeResult, ttl time.Duration) {
	logger := observability.LoggerFrom(ctx, zap.NewNop())
	raw, err := json.Marshal(result)
	if err == nil {
		err = store.Save(ctx, key, fingerprint, raw, ttl)
	}
	if err != nil {
		logger.Warn("failed to store idempotent response", zap.String("task_id", result.TaskID), zap.Error(err))
	}
}

func writeRawJSON(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func handleTaskGet(scheduler *workflow.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		task, err := scheduler.GetTask(r.Context(), rctx.TenantID, chi.URLParam(r, "taskId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

func handleTaskAssign(scheduler *workflow.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var assignee model.Assignee
		if err := decodeJSON(r, &assignee, false); err != nil {
			WriteError(w, err)
			return
		}
		task, err := scheduler.Assign(r.Context(), rctx.TenantID, chi.URLParam(r, "taskId"), assignee)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

func handleTaskStart(scheduler *workflow.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		task, err := scheduler.Start(r.Context(), rctx.TenantID, chi.URLParam(r, "taskId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

func handleTaskSubmit(scheduler *workflow.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var body struct {
			Result map[string]any `json:"result"`
		}
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}
		task, err := scheduler.SubmitForReview(r.Context(), rctx.TenantID, chi.URLParam(r, "taskId"), body.Result)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

func handleTaskRequestRevision(scheduler *workflow.Scheduler) http.HandlerFunc {
	return reviewAction(scheduler.RequestRevision)
}

func handleTaskApprove(scheduler *workflow.Scheduler) http.HandlerFunc {
	return reviewAction(scheduler.Approve)
}

func handleTaskReject(scheduler *workflow.Scheduler) http.HandlerFunc {
	return reviewAction(scheduler.Reject)
}

// reviewAction handles the review transitions that take an optional
// {"comment": "..."} body.
func reviewAction(fn func(ctx context.Context, tenantID, taskID, comment string) (*model.WorkflowTask, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		var body struct {
			Comment string `json:"comment"`
		}
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}
		task, err := fn(r.Context(), rctx.TenantID, chi.URLParam(r, "taskId"), body.Comment)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}
