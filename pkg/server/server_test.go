package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pario-ai/parley/pkg/cache"
	"github.com/pario-ai/parley/pkg/config"
	"github.com/pario-ai/parley/pkg/gateway"
	"github.com/pario-ai/parley/pkg/history"
	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/ratelimit"
	"github.com/pario-ai/parley/pkg/router"
	"github.com/pario-ai/parley/pkg/store/sqlite"
)

func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string              `json:"model"`
			Messages []map[string]string `json:"messages"`
			Stream   bool                `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reply := "echo: " + req.Messages[len(req.Messages)-1]["content"]
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, word := range strings.SplitAfter(reply, " ") {
				fmt.Fprintf(w, "data: {\"model\":%q,\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", req.Model, word)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"model":%q,"choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":8,"completion_tokens":4,"total_tokens":12}}`,
			req.Model, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupServer(t *testing.T) *Server {
	t.Helper()
	up := echoUpstream(t)

	st, err := sqlite.New(filepath.Join(t.TempDir(), "store.db"), sqlite.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{{Name: "openai", URL: up.URL, APIKey: "sk-test"}}
	cfg.Models = []models.ProviderModel{{ID: "gpt-4o-mini", Provider: "openai", ContextWindow: 128000, MaxOutputTokens: 4096}}
	rtr, err := router.New(cfg, up.Client(), nil)
	if err != nil {
		t.Fatal(err)
	}

	gw := gateway.New(gateway.Deps{
		Router:  rtr,
		History: history.New(st, history.Options{}, nil),
		Limiter: ratelimit.New(st, map[string]models.TierLimit{
			"free": {RequestsPerWindow: 2, Window: time.Minute},
			"pro":  {RequestsPerWindow: 100, Window: time.Minute},
		}, "free", nil),
		Cache: cache.New(st, cache.Options{}, nil),
	}, gateway.Options{SystemPreamble: "Be brief."}, nil)

	return New(":0", gw, st, nil)
}

func postTurn(srv *Server, user, tier, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUser, user)
	}
	if tier != "" {
		req.Header.Set(HeaderTier, tier)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestTurnJSON(t *testing.T) {
	srv := setupServer(t)

	w := postTurn(srv, "alice", "pro", `{"session_id":"s1","model":"gpt-4o-mini","text":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get(HeaderCache) != "miss" {
		t.Error("expected cache miss on first request")
	}
	if w.Header().Get(HeaderRequestID) == "" {
		t.Error("expected generated request id")
	}
	if w.Header().Get("X-RateLimit-Remaining") != "99" {
		t.Errorf("expected 99 remaining, got %q", w.Header().Get("X-RateLimit-Remaining"))
	}

	var body turnResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Response.Content != "echo: hi" || body.Response.TokensUsed != 12 {
		t.Errorf("unexpected response %+v", body.Response)
	}

	w2 := postTurn(srv, "alice", "pro", `{"session_id":"s2","model":"gpt-4o-mini","text":"hi"}`)
	if w2.Header().Get(HeaderCache) != "hit" {
		t.Error("expected cache hit on identical prompt")
	}
}

func TestMissingUser(t *testing.T) {
	srv := setupServer(t)
	w := postTurn(srv, "", "", `{"session_id":"s1","model":"gpt-4o-mini","text":"hi"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestRateLimited(t *testing.T) {
	srv := setupServer(t)

	for i := range 2 {
		body := fmt.Sprintf(`{"session_id":"s1","model":"gpt-4o-mini","text":"q%d"}`, i)
		if w := postTurn(srv, "bob", "free", body); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := postTurn(srv, "bob", "free", `{"session_id":"s1","model":"gpt-4o-mini","text":"q3"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
	retry := w.Header().Get("Retry-After")
	if retry == "" || retry == "0" {
		t.Errorf("expected Retry-After header, got %q", retry)
	}
	if w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected 0 remaining, got %q", w.Header().Get("X-RateLimit-Remaining"))
	}

	var body errorEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Type != "rate_limited" || body.RateLimit == nil || body.RateLimit.Allowed {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
	if body.RateLimit.RetryAfter == nil || *body.RateLimit.RetryAfter > 60 {
		t.Errorf("expected retryAfter <= 60, got %v", body.RateLimit.RetryAfter)
	}

	// Other users are unaffected.
	if w := postTurn(srv, "carol", "free", `{"session_id":"s1","model":"gpt-4o-mini","text":"q"}`); w.Code != http.StatusOK {
		t.Errorf("expected 200 for another user, got %d", w.Code)
	}
}

func TestInvalidRequests(t *testing.T) {
	srv := setupServer(t)

	cases := map[string]string{
		"bad json":      `{"session_id":`,
		"unknown model": `{"session_id":"s1","model":"mystery-1","text":"hi"}`,
		"empty text":    `{"session_id":"s1","model":"gpt-4o-mini","text":""}`,
	}
	for name, body := range cases {
		w := postTurn(srv, "dave", "pro", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, w.Code)
		}
	}
}

func TestStreamSSE(t *testing.T) {
	srv := setupServer(t)

	w := postTurn(srv, "erin", "pro", `{"session_id":"s1","model":"gpt-4o-mini","text":"tell me more","stream":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	var events []string
	var content strings.Builder
	var done models.LLMResponse
	scanner := bufio.NewScanner(w.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
			events = append(events, event)
		case strings.HasPrefix(line, "data: "):
			data := []byte(strings.TrimPrefix(line, "data: "))
			switch event {
			case "chunk":
				var c struct {
					Delta string `json:"delta"`
				}
				if err := json.Unmarshal(data, &c); err != nil {
					t.Fatal(err)
				}
				content.WriteString(c.Delta)
			case "done":
				if err := json.Unmarshal(data, &done); err != nil {
					t.Fatal(err)
				}
			}
		}
	}

	if len(events) < 2 || events[len(events)-1] != "done" {
		t.Fatalf("unexpected events %v", events)
	}
	if content.String() != "echo: tell me more" || done.Content != content.String() {
		t.Errorf("streamed %q, done %q", content.String(), done.Content)
	}
}

func TestModels(t *testing.T) {
	srv := setupServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var body struct {
		Models []models.ProviderModel `json:"models"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Models) != 1 || body.Models[0].ID != "gpt-4o-mini" {
		t.Errorf("unexpected models %+v", body.Models)
	}
}

func TestClearHistory(t *testing.T) {
	srv := setupServer(t)
	postTurn(srv, "frank", "pro", `{"session_id":"s1","model":"gpt-4o-mini","text":"hi"}`)

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/s1/history", nil)
	req.Header.Set(HeaderUser, "frank")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	srv := setupServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("unexpected health response %d %s", w.Code, w.Body.String())
	}
}
