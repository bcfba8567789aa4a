// Package integration provides a reusable test harness for end-to-end
// testing of the complyflow server. It starts the full HTTP stack with
// in-memory stores, the in-process event bus, a running dispatcher, a mock
// Impact Assessor and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/audit"
	"github.com/pitabwire/complyflow/internal/capability"
	"github.com/pitabwire/complyflow/internal/config"
	"github.com/pitabwire/complyflow/internal/definition"
	"github.com/pitabwire/complyflow/internal/events"
	"github.com/pitabwire/complyflow/internal/idempotency"
	"github.com/pitabwire/complyflow/internal/impact"
	"github.com/pitabwire/complyflow/internal/observability"
	"github.com/pitabwire/complyflow/internal/openapi"
	"github.com/pitabwire/complyflow/internal/transport"
	"github.com/pitabwire/complyflow/internal/trigger"
	"github.com/pitabwire/complyflow/internal/workflow"
	"github.com/pitabwire/complyflow/model"
)

// TestTenant owns the fixture definitions.
const TestTenant = "acme-corp"

// TestHarness encapsulates a fully wired server for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry   *definition.Registry
	Scheduler  *workflow.Scheduler
	Executions *workflow.MemoryStore
	Assessor   *MockAssessor
	Impact     *impact.Client

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	policyFile     string
	withoutImpact  bool
	impact         func(*config.ImpactConfig)
	handlerTimeout time.Duration
}

// WithDefinitions sets the definition directories seeded at startup.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithoutAssessor runs the server without an Impact Assessor.
func WithoutAssessor() HarnessOption {
	return func(c *harnessConfig) {
		c.withoutImpact = true
	}
}

// WithImpactConfig adjusts the Impact Assessor client configuration.
func WithImpactConfig(fn func(*config.ImpactConfig)) HarnessOption {
	return func(c *harnessConfig) {
		c.impact = fn
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// NewTestHarness creates and starts a full server instance. Everything is
// torn down when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{handlerTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir(), "definitions")}
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir(), "policies.yaml")
	}

	h := &TestHarness{t: t}
	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())

	// Step 1: Token issuer and config.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Identity.Issuer = h.issuer.issuer
	h.cfg.Identity.Audience = h.issuer.audience
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Engine.Workers = 2
	h.cfg.Engine.Retry.BackoffInitial = time.Millisecond
	h.cfg.Engine.Retry.BackoffMax = 10 * time.Millisecond

	// Step 2: Stores and event bus.
	defStore := definition.NewMemoryStore()
	h.Executions = workflow.NewMemoryStore()
	idem := idempotency.NewMemoryStore()
	bus := events.NewMemoryBus(h.cfg.Events.BufferSize, metrics, logger)

	// Step 3: Engine.
	sink := audit.MultiSink{audit.NewStoreSink(h.Executions), audit.NewLogSink(logger)}
	h.Registry = definition.NewRegistry(defStore, h.Executions, sink, logger)
	h.Scheduler = workflow.NewScheduler(h.Registry, h.Executions, events.Multi{bus}, metrics, logger,
		workflow.OptionsFromConfig(h.cfg.Engine))

	// Step 4: Impact Assessor.
	var assessor trigger.Assessor
	if !hc.withoutImpact {
		h.Assessor = newMockAssessor(t)
		impactCfg := h.cfg.Impact
		impactCfg.BaseURL = h.Assessor.URL()
		impactCfg.Timeout = 2 * time.Second
		impactCfg.Retry.BackoffInitial = time.Millisecond
		impactCfg.Retry.BackoffMax = 5 * time.Millisecond
		if hc.impact != nil {
			hc.impact(&impactCfg)
		}
		h.Impact = impact.New(impactCfg, metrics, logger)
		assessor = h.Impact
	}

	// Step 5: Trigger pipeline.
	evaluator := trigger.NewEvaluator(defStore, sink, logger,
		trigger.WithDeduplication(idem, h.cfg.Idempotency.TTL),
		trigger.WithStateProvider(h.Scheduler),
		trigger.WithRetry(h.cfg.Engine.Retry),
		trigger.WithMetrics(metrics),
	)
	dispatcher := trigger.NewDispatcher(h.Scheduler, assessor, h.cfg.Engine, metrics, logger)
	intake := trigger.NewIntake(evaluator, dispatcher, logger)
	unsubscribe := bus.Subscribe("internal-triggers", intake.HandleStateChange)

	done := make(chan struct{})
	go func() {
		defer close(done)
		dispatcher.Run(ctx)
	}()

	// Step 6: Seed definitions.
	files, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if err := definition.Seed(ctx, h.Registry, files, logger); err != nil {
		t.Fatalf("seed definitions: %v", err)
	}

	// Step 7: Authorization.
	policy, err := capability.NewStaticPolicy(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}

	// Step 8: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return true },
	}
	if h.Impact != nil {
		readiness.ImpactAssessor = h.Impact
	}

	api, err := openapi.Load()
	if err != nil {
		t.Fatalf("load api description: %v", err)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Definitions:  h.Registry,
		Scheduler:    h.Scheduler,
		Intake:       intake,
		Idempotency:  idem,
		Readiness:    readiness,
		Capabilities: capability.NewResolver(policy, 0),
		API:          api,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		unsubscribe()
		bus.Close()
		cancel()
		<-done
	})
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error code of an error response.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q", body.Error.Code, code)
	}
}

// --- Domain helpers ---

// List is the envelope of collection responses.
type List[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

// DefinitionByName returns the latest fixture definition registered under name.
func (h *TestHarness) DefinitionByName(name string) *model.WorkflowDefinition {
	h.t.Helper()
	def, err := h.Registry.GetLatest(context.Background(), TestTenant, name)
	if err != nil {
		h.t.Fatalf("definition %q: %v", name, err)
	}
	return def
}

// ExecutionsOf lists the executions of a definition through the API.
func (h *TestHarness) ExecutionsOf(definitionID, token string) []model.WorkflowExecution {
	h.t.Helper()
	var list List[model.WorkflowExecution]
	h.AssertJSON(h.t, h.GET("/v1/executions?definition_id="+definitionID, token), http.StatusOK, &list)
	return list.Items
}

// Tasks lists the tasks of an execution through the API, keyed by task key.
func (h *TestHarness) Tasks(executionID, token string) map[string]model.WorkflowTask {
	h.t.Helper()
	var list List[model.WorkflowTask]
	h.AssertJSON(h.t, h.GET("/v1/executions/"+executionID+"/tasks", token), http.StatusOK, &list)
	out := make(map[string]model.WorkflowTask, len(list.Items))
	for _, task := range list.Items {
		out[task.TaskKey] = task
	}
	return out
}

// WaitFor polls cond until it returns true or the timeout elapses.
func (h *TestHarness) WaitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %s waiting for %s", timeout, what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// --- Default test claims ---

// AdminClaims returns TestClaims for a compliance_admin user.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		TenantID:  TestTenant,
		Email:     "admin@acme.example.com",
		Roles:     []string{"compliance_admin"},
	}
}

// OfficerClaims returns TestClaims for a compliance_officer user.
func OfficerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-officer",
		TenantID:  TestTenant,
		Email:     "officer@acme.example.com",
		Roles:     []string{"compliance_officer"},
	}
}

// AnalystClaims returns TestClaims for a compliance_analyst user.
func AnalystClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-analyst",
		TenantID:  TestTenant,
		Email:     "analyst@acme.example.com",
		Roles:     []string{"compliance_analyst"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
