package transport

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/pitabwire/complyflow/internal/trigger"
	"github.com/pitabwire/complyflow/model"
)

type firedTrigger struct {
	DefinitionID string `json:"definition_id"`
	TriggerID    string `json:"trigger_id"`
}

type eventAccepted struct {
	EventID string         `json:"event_id"`
	Fired   []firedTrigger `json:"fired"`
}

// handleEventIngest accepts an external event for trigger evaluation.
// Executions start asynchronously; the response lists the triggers that
// fired. A redelivered event id is accepted with nothing fired.
func handleEventIngest(intake *trigger.Intake) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var event model.Event
		if err := decodeJSON(r, &event, false); err != nil {
			WriteError(w, err)
			return
		}
		event.TenantID = rctx.TenantID
		if event.ID == "" {
			event.ID = uuid.New().String()
		}

		reqs, err := intake.Ingest(r.Context(), event)
		if err != nil {
			WriteError(w, err)
			return
		}

		fired := make([]firedTrigger, 0, len(reqs))
		for _, req := range reqs {
			fired = append(fired, firedTrigger{DefinitionID: req.DefinitionID, TriggerID: req.TriggerID})
		}
		WriteJSON(w, http.StatusAccepted, eventAccepted{EventID: event.ID, Fired: fired})
	}
}
