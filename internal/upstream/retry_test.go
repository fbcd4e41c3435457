package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kilimcininkoroglu/kiroproxy/internal/credpool"
	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/model"
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

func newTestClient(t *testing.T, n int) (*Client, *credpool.Pool) {
	t.Helper()
	credPath := writeTestCredentials(t, n)
	statsPath := filepath.Join(filepath.Dir(credPath), "stats.json")
	pool, err := credpool.Open(credPath, statsPath, credpool.RegionDefaults{Region: "us-east-1"}, credpool.ModePriority)
	if err != nil {
		t.Fatalf("credpool.Open: %v", err)
	}
	c := NewClient(pool, Identity{KiroVersion: "1.0"}, RegionDefaults{Region: "us-east-1"}, 0)
	return c, pool
}

func TestSendSucceedsOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()
	TestBaseURL = srv.URL
	defer func() { TestBaseURL = "" }()

	c, _ := newTestClient(t, 1)
	body, err := c.Send(context.Background(), model.Conversation{}, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "ok" {
		t.Fatalf("unexpected body %q", data)
	}
}

func TestSendFailsOverOnQuotaExceeded(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusPaymentRequired)
			w.Write([]byte(`{"reason":"MONTHLY_REQUEST_COUNT"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()
	TestBaseURL = srv.URL
	defer func() { TestBaseURL = "" }()

	c, pool := newTestClient(t, 2)
	body, err := c.Send(context.Background(), model.Conversation{}, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	body.Close()

	snap := pool.Snapshot()
	var disabledCount int
	for _, e := range snap {
		if e.Disabled {
			disabledCount++
			if e.DisabledReason != model.DisabledQuotaExceeded {
				t.Fatalf("expected QuotaExceeded, got %v", e.DisabledReason)
			}
		}
	}
	if disabledCount != 1 {
		t.Fatalf("expected exactly one disabled credential, got %d", disabledCount)
	}
}

func TestSendBubbles400Immediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"bad request"}`))
	}))
	defer srv.Close()
	TestBaseURL = srv.URL
	defer func() { TestBaseURL = "" }()

	c, _ := newTestClient(t, 2)
	_, err := c.Send(context.Background(), model.Conversation{}, "")
	if err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one call for a 400, got %d", calls)
	}
}

func TestRequestTooLargeFailsFast(t *testing.T) {
	c, _ := newTestClient(t, 1)
	c.maxRequestBodyBytes = 1
	_, err := c.Send(context.Background(), model.Conversation{ConversationID: "x"}, "")
	if err == nil {
		t.Fatalf("expected RequestTooLargeError")
	}
}

func TestEnhanceMessageKnownReason(t *testing.T) {
	reason, msg := enhanceMessage([]byte(`{"reason":"CONTENT_LENGTH_EXCEEDS_THRESHOLD"}`))
	if reason != "CONTENT_LENGTH_EXCEEDS_THRESHOLD" {
		t.Fatalf("unexpected reason %q", reason)
	}
	if msg == "" {
		t.Fatalf("expected a friendly message")
	}
}

func TestEnhanceMessageUnknownReason(t *testing.T) {
	_, msg := enhanceMessage([]byte(`{"reason":"WEIRD_THING","message":"oops"}`))
	if msg != "oops (reason: WEIRD_THING)" {
		t.Fatalf("unexpected message %q", msg)
	}
}
