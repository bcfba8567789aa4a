package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockAssessor is a configurable HTTP test server that simulates the Impact
// Assessor. Responses are served from a queue; the last one repeats once
// the queue is drained. Every request is recorded.
type MockAssessor struct {
	t      *testing.T
	server *httptest.Server

	mu        sync.Mutex
	responses []*mockResponse
	current   int
	received  []*RecordedRequest
	healthy   bool
}

// RecordedRequest captures a request received by the mock assessor.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

type mockResponse struct {
	status int
	body   any
	delay  time.Duration
}

// DefaultAssessment is served when no response has been configured.
func DefaultAssessment() map[string]any {
	return map[string]any{
		"risk_level":        "high",
		"affected_controls": []any{"ICT-01", "ICT-07"},
	}
}

func newMockAssessor(t *testing.T) *MockAssessor {
	t.Helper()

	ma := &MockAssessor{t: t, healthy: true}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/assessments", ma.handleAssess)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		ma.mu.Lock()
		healthy := ma.healthy
		ma.mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	ma.server = httptest.NewServer(mux)
	t.Cleanup(ma.server.Close)
	return ma
}

func (ma *MockAssessor) handleAssess(w http.ResponseWriter, r *http.Request) {
	rec := &RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	}
	if data, err := io.ReadAll(r.Body); err == nil && len(data) > 0 {
		json.Unmarshal(data, &rec.Body)
	}

	ma.mu.Lock()
	ma.received = append(ma.received, rec)
	resp := ma.next()
	ma.mu.Unlock()

	if resp.delay > 0 {
		time.Sleep(resp.delay)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.body != nil {
		json.NewEncoder(w).Encode(resp.body)
	}
}

// next returns the response for the current request. Callers hold mu.
func (ma *MockAssessor) next() *mockResponse {
	if len(ma.responses) == 0 {
		return &mockResponse{status: http.StatusOK, body: DefaultAssessment()}
	}
	resp := ma.responses[ma.current]
	if ma.current < len(ma.responses)-1 {
		ma.current++
	}
	return resp
}

// URL returns the base URL of the mock assessor.
func (ma *MockAssessor) URL() string {
	return ma.server.URL
}

// RespondWith queues a response with the given status and body.
func (ma *MockAssessor) RespondWith(status int, body any) *MockAssessor {
	return ma.RespondWithDelay(status, body, 0)
}

// RespondWithDelay queues a response that is sent after delay.
func (ma *MockAssessor) RespondWithDelay(status int, body any, delay time.Duration) *MockAssessor {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.responses = append(ma.responses, &mockResponse{status: status, body: body, delay: delay})
	return ma
}

// SetHealthy controls the /health endpoint.
func (ma *MockAssessor) SetHealthy(healthy bool) {
	ma.mu.Lock()
	ma.healthy = healthy
	ma.mu.Unlock()
}

// Reset clears configured responses and recorded requests.
func (ma *MockAssessor) Reset() {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.responses = nil
	ma.current = 0
	ma.received = nil
}

// Requests returns every assessment request received so far.
func (ma *MockAssessor) Requests() []*RecordedRequest {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	out := make([]*RecordedRequest, len(ma.received))
	copy(out, ma.received)
	return out
}
