package agentclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slideforge/slideforge/pkg/resilience"
)

func newTestClient(endpoint string) *Client {
	cfg := Config{
		Endpoint:            endpoint,
		APIVersion:          "2025-11-15-preview",
		ModelDeploymentName: "gpt-test",
		Timeout:             10 * time.Second,
		Breaker:             resilience.BreakerOpts{FailThreshold: 100, Timeout: time.Second, HalfOpenMax: 1},
		RateLimitPerSec:     1000,
		RateBurst:           1000,
	}
	return New(cfg, StaticToken("test-token"), nil, nil)
}

func TestBuildURL_AppendsAPIVersion(t *testing.T) {
	c := newTestClient("https://foundry.example.com")
	u, err := c.buildURL("agents")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	if got := u; got != "https://foundry.example.com/agents?api-version=2025-11-15-preview" {
		t.Errorf("unexpected url: %s", got)
	}
}

func TestBuildURL_CollapsesDuplicateOpenAISegment(t *testing.T) {
	c := newTestClient("https://foundry.example.com/openai")
	u, err := c.buildURL("openai/responses")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	if got := u; got != "https://foundry.example.com/openai/responses?api-version=2025-11-15-preview" {
		t.Errorf("expected collapsed segment, got %s", got)
	}
}

func TestBuildURL_PreservesExistingAPIVersion(t *testing.T) {
	c := newTestClient("https://foundry.example.com")
	u, err := c.buildURL("agents?api-version=custom")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	if got := u; got != "https://foundry.example.com/agents?api-version=custom" {
		t.Errorf("expected preserved api-version, got %s", got)
	}
}

func TestRetryLoop_SucceedsAfterTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": "ok"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	var out createAgentResponse
	err := c.doRequest(context.Background(), requestSpec{method: http.MethodGet, path: "agents"}, &out)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if out.ID != "ok" {
		t.Errorf("unexpected response: %+v", out)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryLoop_NonRetryableStatusReturnsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.doRequest(context.Background(), requestSpec{method: http.MethodGet, path: "agents"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly 1 call for non-retryable status, got %d", calls)
	}
}

func TestListAgentsByName_EnvelopeShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "a1", "name": "Planner"},
				{"id": "a2", "definition": map[string]any{"name": "Web-Research"}},
				{"id": "a3"},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	m, err := c.ListAgentsByName(context.Background())
	if err != nil {
		t.Fatalf("ListAgentsByName: %v", err)
	}
	if m["planner"] != "a1" {
		t.Errorf("expected planner=a1, got %v", m)
	}
	if m["web-research"] != "a2" {
		t.Errorf("expected web-research=a2, got %v", m)
	}
	if len(m) != 2 {
		t.Errorf("expected nameless item skipped, got %v", m)
	}
}

func TestListAgentsByName_BareArrayShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "b1", "name": "Validator"},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	m, err := c.ListAgentsByName(context.Background())
	if err != nil {
		t.Fatalf("ListAgentsByName: %v", err)
	}
	if m["validator"] != "b1" {
		t.Errorf("expected validator=b1, got %v", m)
	}
}

func TestWaitVectorStoreReady_PollsUntilCompleted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		status := "in_progress"
		if n >= 2 {
			status = "completed"
		}
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.WaitVectorStoreReady(context.Background(), "vs1", 10*time.Second)
	if err != nil {
		t.Fatalf("WaitVectorStoreReady: %v", err)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Errorf("expected at least 2 polls, got %d", calls)
	}
}

func TestWaitVectorStoreReady_TimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "in_progress"})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	err := c.WaitVectorStoreReady(context.Background(), "vs1", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestBuildUserInput_TextOnly(t *testing.T) {
	parts := BuildUserInput("hi", "")
	if len(parts) != 1 || parts[0].Type != "input_text" || parts[0].Text != "hi" {
		t.Errorf("unexpected parts: %+v", parts)
	}
}

func TestBuildUserInput_WithImage(t *testing.T) {
	parts := BuildUserInput("hi", "data:image/png;base64,AAAA")
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if parts[0].Type != "input_text" || parts[0].Text != "hi" {
		t.Errorf("unexpected text part: %+v", parts[0])
	}
	if parts[1].Type != "input_image" || parts[1].ImageURL != "data:image/png;base64,AAAA" {
		t.Errorf("unexpected image part: %+v", parts[1])
	}
}

func TestTokenCache_ReusesWhileValid(t *testing.T) {
	prov := &countingProvider{token: "tok1"}
	cfg := Config{Endpoint: "https://example.com", Timeout: 10 * time.Second}
	c := New(cfg, prov, nil, nil)

	tok1, err := c.getToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tok2, err := c.getToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok1 != tok2 {
		t.Errorf("expected cached token reused, got %s then %s", tok1, tok2)
	}
	if prov.calls != 1 {
		t.Errorf("expected exactly 1 token acquisition, got %d", prov.calls)
	}
}

type countingProvider struct {
	token string
	calls int
}

func (p *countingProvider) Token(context.Context, string) (Token, error) {
	p.calls++
	return Token{Value: p.token, ExpiresAt: time.Now().Add(time.Hour)}, nil
}
