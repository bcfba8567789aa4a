package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/complyflow/internal/definition"
	"github.com/pitabwire/complyflow/model"
)

func handleDefinitionRegister(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var def model.WorkflowDefinition
		if err := decodeJSON(r, &def, false); err != nil {
			WriteError(w, err)
			return
		}
		def.TenantID = rctx.TenantID

		stored, err := registry.Register(r.Context(), def)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, stored)
	}
}

func handleDefinitionList(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		filters := definition.Filters{Category: q.Get("category")}
		var err error
		if filters.ActiveOnly, err = queryBool(q.Get("active")); err != nil {
			WriteError(w, model.NewBadRequestError("active must be a boolean"))
			return
		}
		if filters.LatestOnly, err = queryBool(q.Get("latest")); err != nil {
			WriteError(w, model.NewBadRequestError("latest must be a boolean"))
			return
		}
		if filters.Limit, filters.Offset, err = pagination(r); err != nil {
			WriteError(w, err)
			return
		}

		defs, err := registry.List(r.Context(), rctx.TenantID, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, newList(defs))
	}
}

func handleDefinitionGet(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		def, err := registry.Get(r.Context(), rctx.TenantID, chi.URLParam(r, "definitionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleDefinitionVersions(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}
		versions, err := registry.Versions(r.Context(), rctx.TenantID, chi.URLParam(r, "definitionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, newList(versions))
	}
}

func handleDefinitionDeactivate(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx, ok := requestContext(w, r)
		if !ok {
			return
		}

		var body struct {
			Force bool `json:"force"`
		}
		if err := decodeJSON(r, &body, true); err != nil {
			WriteError(w, err)
			return
		}

		id := chi.URLParam(r, "definitionId")
		if err := registry.Deactivate(r.Context(), rctx.TenantID, id, body.Force); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
	}
}

// requestContext returns the caller's RequestContext or writes a 401.
func requestContext(w http.ResponseWriter, r *http.Request) (*model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return nil, false
	}
	return rctx, true
}

func queryBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

// pagination reads limit and offset query parameters.
func pagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 0 {
			return 0, 0, model.NewBadRequestError("limit must be a non-negative integer")
		}
	}
	if s := q.Get("offset"); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil || offset < 0 {
			return 0, 0, model.NewBadRequestError("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
