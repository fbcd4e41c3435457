package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kilimcininkoroglu/kiroproxy/internal/config"
	"github.com/kilimcininkoroglu/kiroproxy/internal/credpool"
	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/model"
	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/parser"
	"github.com/kilimcininkoroglu/kiroproxy/internal/upstream"
)

func writeTestCredentials(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	future := time.Now().Add(time.Hour)
	creds := make([]model.Credential, 0, n)
	for i := 1; i <= n; i++ {
		creds = append(creds, model.Credential{
			ID:           int64(i),
			RefreshToken: "refresh-token-long-enough-0123456789012345678901234567890123456789",
			AccessToken:  "access",
			ExpiresAt:    &future,
			Priority:     i,
		})
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// newTestServer wires a Server whose upstream calls are redirected to upHandler
// via upstream.TestBaseURL, with apiKey as the front-end key and no admin key
// unless admin is true.
func newTestServer(t *testing.T, upHandler http.Handler, admin bool) (*Server, *httptest.Server) {
	return newTestServerN(t, upHandler, admin, 1)
}

// newTestServerN is newTestServer with a configurable seeded credential
// count, for tests exercising admin operations across multiple entries
// without going through POST /admin/credentials (which performs a real
// OAuth refresh round trip the pool's own exported surface has no hook to
// fake from outside package credpool).
func newTestServerN(t *testing.T, upHandler http.Handler, admin bool, n int) (*Server, *httptest.Server) {
	t.Helper()
	up := httptest.NewServer(upHandler)
	t.Cleanup(up.Close)
	upstream.TestBaseURL = up.URL
	t.Cleanup(func() { upstream.TestBaseURL = "" })

	credPath := writeTestCredentials(t, n)
	statsPath := filepath.Join(filepath.Dir(credPath), "stats.json")
	pool, err := credpool.Open(credPath, statsPath, credpool.RegionDefaults{Region: "us-east-1"}, credpool.ModePriority)
	if err != nil {
		t.Fatalf("credpool.Open: %v", err)
	}
	uc := upstream.NewClient(pool, upstream.Identity{KiroVersion: "1.0"}, upstream.RegionDefaults{Region: "us-east-1"}, 0)

	cfg := config.Config{APIKey: "test-api-key"}
	if admin {
		cfg.AdminAPIKey = "test-admin-key"
	}
	return NewServer(cfg, pool, uc, nil), up
}

func doRequest(t *testing.T, s *Server, method, path, apiKey string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func encodedFrame(t *testing.T, headers parser.Headers, payload string) []byte {
	t.Helper()
	b, err := parser.EncodeFrame(parser.Frame{Headers: headers, Payload: []byte(payload)})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	return b
}

func assistantResponseFrame(t *testing.T, content string) []byte {
	return encodedFrame(t, parser.Headers{
		":message-type": parser.StringValue("event"),
		":event-type":   parser.StringValue("assistantResponseEvent"),
	}, `{"content":`+jsonString(content)+`}`)
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func contextUsageFrame(t *testing.T, pct float64) []byte {
	return encodedFrame(t, parser.Headers{
		":message-type": parser.StringValue("event"),
		":event-type":   parser.StringValue("contextUsageEvent"),
	}, `{"contextUsagePercentage":`+jsonFloat(pct)+`}`)
}

func jsonFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func TestHandleModelsRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), false)

	rec := doRequest(t, s, http.MethodGet, "/v1/models", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/models", "wrong-key", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/v1/models", "test-api-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct key, got %d", rec.Code)
	}
	var body struct {
		Data []modelListing `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) == 0 {
		t.Fatalf("expected non-empty model listing")
	}
}

func TestConstantTimeKeyMatch(t *testing.T) {
	if constantTimeKeyMatch("abc", "abcd") {
		t.Fatalf("expected length mismatch to fail")
	}
	if constantTimeKeyMatch("", "") {
		t.Fatalf("expected empty want to always fail")
	}
	if !constantTimeKeyMatch("secret", "secret") {
		t.Fatalf("expected equal keys to match")
	}
	if constantTimeKeyMatch("secrey", "secret") {
		t.Fatalf("expected differing keys to fail")
	}
}

func TestAdminSurfaceHiddenWhenUnconfigured(t *testing.T) {
	s, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), false)

	rec := doRequest(t, s, http.MethodGet, "/admin/credentials", "anything", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when adminApiKey unset, got %d", rec.Code)
	}
}

func TestAdminSurfaceRejectsWrongKey(t *testing.T) {
	s, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), true)

	rec := doRequest(t, s, http.MethodGet, "/admin/credentials", "wrong", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong admin key, got %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/admin/credentials", "test-admin-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for correct admin key, got %d", rec.Code)
	}
}

func TestHandleMessagesNonStreaming(t *testing.T) {
	s, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(assistantResponseFrame(t, "hello"))
	}), false)

	reqBody, _ := json.Marshal(map[string]any{
		"model": "claude-sonnet-4-5",
		"messages": []map[string]any{
			{"role": "user", "content": "hi"},
		},
	})
	rec := doRequest(t, s, http.MethodPost, "/v1/messages", "test-api-key", reqBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v; body=%s", err, rec.Body.String())
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "hello" {
		t.Fatalf("unexpected content: %+v", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Fatalf("unexpected stop_reason: %s", resp.StopReason)
	}
}

func TestHandleMessagesStreamingSSEWellFormed(t *testing.T) {
	s, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(assistantResponseFrame(t, "hi there"))
	}), false)

	reqBody, _ := json.Marshal(map[string]any{
		"model":  "claude-sonnet-4-5",
		"stream": true,
		"messages": []map[string]any{
			{"role": "user", "content": "hi"},
		},
	})
	rec := doRequest(t, s, http.MethodPost, "/v1/messages", "test-api-key", reqBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := rec.Body.String()
	if !strings.HasPrefix(out, "event: message_start\n") {
		t.Fatalf("expected stream to begin with message_start, got: %s", out)
	}
	if !strings.Contains(out, "event: message_stop\n") {
		t.Fatalf("expected stream to contain message_stop, got: %s", out)
	}
	if strings.Index(out, "event: message_start") > strings.Index(out, "event: message_stop") {
		t.Fatalf("message_start must precede message_stop")
	}
}

func TestBufferedVsLiveInputTokens(t *testing.T) {
	upHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(contextUsageFrame(t, 50))
		w.Write(assistantResponseFrame(t, "hi"))
	})

	reqBody, _ := json.Marshal(map[string]any{
		"model":  "claude-sonnet-4-5",
		"stream": true,
		"messages": []map[string]any{
			{"role": "user", "content": "hi"},
		},
	})

	sLive, _ := newTestServer(t, upHandler, false)
	liveRec := doRequest(t, sLive, http.MethodPost, "/v1/messages", "test-api-key", reqBody)
	liveTokens := firstMessageStartInputTokens(t, liveRec.Body.String())

	sBuf, _ := newTestServer(t, upHandler, false)
	bufRec := doRequest(t, sBuf, http.MethodPost, "/cc/v1/messages", "test-api-key", reqBody)
	bufTokens := firstMessageStartInputTokens(t, bufRec.Body.String())

	// 50% of a 200000-token window.
	if bufTokens != 100000 {
		t.Fatalf("expected buffered message_start to carry the measured input token count, got %d", bufTokens)
	}
	if liveTokens == bufTokens {
		t.Fatalf("expected live message_start (pre-request estimate) to differ from buffered (measured), both were %d", liveTokens)
	}
}

func firstMessageStartInputTokens(t *testing.T, sse string) int {
	t.Helper()
	const marker = "event: message_start\ndata: "
	idx := strings.Index(sse, marker)
	if idx == -1 {
		t.Fatalf("no message_start event found in %s", sse)
	}
	rest := sse[idx+len(marker):]
	end := strings.Index(rest, "\n\n")
	if end == -1 {
		t.Fatalf("malformed message_start event")
	}
	var payload struct {
		Message struct {
			Usage struct {
				InputTokens int `json:"input_tokens"`
			} `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal([]byte(rest[:end]), &payload); err != nil {
		t.Fatalf("decode message_start: %v", err)
	}
	return payload.Message.Usage.InputTokens
}

func TestWebSearchShortCircuit(t *testing.T) {
	s, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"jsonrpc":"2.0","id":"x","result":{"content":[{"text":"search result summary"}]}}`))
	}), false)

	reqBody, _ := json.Marshal(map[string]any{
		"model":  "claude-sonnet-4-5",
		"stream": true,
		"messages": []map[string]any{
			{"role": "user", "content": "what's the weather"},
		},
		"tools": []map[string]any{
			{"name": "web_search"},
		},
	})
	rec := doRequest(t, s, http.MethodPost, "/v1/messages", "test-api-key", reqBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := rec.Body.String()
	for _, want := range []string{"server_tool_use", "web_search_tool_result", "search result summary", "message_stop"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestCountTokensLocalEstimate(t *testing.T) {
	s, _ := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), false)

	reqBody, _ := json.Marshal(map[string]any{
		"model": "claude-sonnet-4-5",
		"messages": []map[string]any{
			{"role": "user", "content": "this is a reasonably long test message for counting"},
		},
	})
	rec := doRequest(t, s, http.MethodPost, "/v1/messages/count_tokens", "test-api-key", reqBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.InputTokens <= 0 {
		t.Fatalf("expected a positive token estimate, got %d", out.InputTokens)
	}
}

func TestAdminCredentialCRUD(t *testing.T) {
	s, _ := newTestServerN(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), true, 2)

	rec := doRequest(t, s, http.MethodGet, "/admin/credentials", "test-admin-key", nil)
	var list []credpool.AdminEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 seeded credentials, got %d", len(list))
	}
	targetID := list[1].ID
	idPath := strconv.FormatInt(targetID, 10)

	priorityBody, _ := json.Marshal(map[string]int{"priority": 9})
	rec = doRequest(t, s, http.MethodPost, "/admin/credentials/"+idPath+"/priority", "test-admin-key", priorityBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("priority: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	disableBody, _ := json.Marshal(map[string]bool{"disabled": true})
	rec = doRequest(t, s, http.MethodPost, "/admin/credentials/"+idPath+"/disable", "test-admin-key", disableBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("disable: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/admin/credentials", "test-admin-key", nil)
	list = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list after disable: %v", err)
	}
	for _, e := range list {
		if e.ID == targetID {
			if !e.Disabled {
				t.Fatalf("expected credential %d to be disabled", targetID)
			}
			if e.Priority != 9 {
				t.Fatalf("expected priority 9, got %d", e.Priority)
			}
		}
	}

	rec = doRequest(t, s, http.MethodDelete, "/admin/credentials/"+idPath, "test-admin-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200 for a disabled credential, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/admin/credentials", "test-admin-key", nil)
	list = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list after delete: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 credential after delete, got %d", len(list))
	}
}
