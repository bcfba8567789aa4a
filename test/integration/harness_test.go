package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/model"
)

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		var body observability.HealthResponse
		h.AssertJSON(t, h.GET("/health", ""), http.StatusOK, &body)
		if body.Status != "ok" {
			t.Errorf("health status = %q, want ok", body.Status)
		}
	})

	t.Run("ready", func(t *testing.T) {
		var body observability.ReadinessResponse
		h.AssertJSON(t, h.GET("/ready", ""), http.StatusOK, &body)
		for _, check := range []string{"definitions", "impact_assessor"} {
			if body.Checks[check].Status != "ok" {
				t.Errorf("check %s = %+v, want ok", check, body.Checks[check])
			}
		}
	})

	t.Run("metrics", func(t *testing.T) {
		h.AssertStatus(t, h.GET("/metrics", ""), http.StatusOK)
	})
}

func TestHarness_SeededDefinitions(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())

	var list List[model.WorkflowDefinition]
	h.AssertJSON(t, h.GET("/v1/definitions", token), http.StatusOK, &list)
	if list.Count != 3 {
		t.Fatalf("count = %d, want 3", list.Count)
	}

	names := map[string]bool{}
	for _, def := range list.Items {
		names[def.Name] = true
		if def.TenantID != TestTenant {
			t.Errorf("%s tenant = %q, want %q", def.Name, def.TenantID, TestTenant)
		}
		if !def.Active {
			t.Errorf("%s inactive after seeding", def.Name)
		}
	}
	for _, want := range []string{"regulatory-change-response", "evidence-refresh", "policy-review"} {
		if !names[want] {
			t.Errorf("definition %q not seeded", want)
		}
	}
}

func TestHarness_DefinitionDetail(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())
	def := h.DefinitionByName("regulatory-change-response")

	var got model.WorkflowDefinition
	h.AssertJSON(t, h.GET("/v1/definitions/"+def.ID, token), http.StatusOK, &got)
	if got.Version != def.Version {
		t.Errorf("version = %d, want %d", got.Version, def.Version)
	}
	if len(got.Tasks) != 3 {
		t.Errorf("tasks = %d, want 3", len(got.Tasks))
	}
	if len(got.Triggers) != 1 || got.Triggers[0].Name != "dora-published" {
		t.Errorf("triggers = %+v, want dora-published", got.Triggers)
	}
}

func TestHarness_UnknownRoute(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AdminClaims())

	h.AssertStatus(t, h.GET("/v1/nothing-here", token), http.StatusNotFound)
}

func TestHarness_APIDescription(t *testing.T) {
	h := NewTestHarness(t)

	var body struct {
		OpenAPI string         `json:"openapi"`
		Paths   map[string]any `json:"paths"`
	}
	h.AssertJSON(t, h.GET("/openapi.json", ""), http.StatusOK, &body)
	if body.OpenAPI == "" {
		t.Error("openapi version missing")
	}
	if _, ok := body.Paths["/v1/events"]; !ok {
		t.Error("/v1/events not described")
	}
}
