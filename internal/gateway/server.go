// Package gateway exposes the Anthropic-shaped HTTP front end, the admin
// JSON API, and the web_search short-circuit, all driven by the upstream
// retry client and the credential pool.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kilimcininkoroglu/kiroproxy/internal/config"
	"github.com/kilimcininkoroglu/kiroproxy/internal/credpool"
	"github.com/kilimcininkoroglu/kiroproxy/internal/upstream"
)

// maxRequestBodySize is the front-end body size cap, per spec.md §6
// "Body size limit 50 MiB" — distinct from the (smaller, configurable)
// upstream request-size pre-check in internal/upstream.
const maxRequestBodySize = 50 << 20

// Server is the HTTP front end: Anthropic-shaped endpoints, the admin API,
// and the web_search short-circuit, wired to one credential pool and one
// upstream client.
type Server struct {
	cfg      config.Config
	pool     *credpool.Pool
	upstream *upstream.Client
	logger   *config.Logger

	httpServer *http.Server
	listener   net.Listener
	ready      chan struct{}
}

// NewServer builds a Server bound to pool/uc for the given config.
func NewServer(cfg config.Config, pool *credpool.Pool, uc *upstream.Client, logger *config.Logger) *Server {
	return &Server{cfg: cfg, pool: pool, upstream: uc, logger: logger, ready: make(chan struct{})}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Start binds the configured address and serves until Shutdown is called
// or the listener errors. Blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln
	close(s.ready)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{Handler: withCORS(mux)}
	s.logf("gateway listening on %s", s.cfg.Addr())
	fmt.Fprintf(os.Stderr, "kiroproxy listening on %s\n", s.cfg.Addr())

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Ready is closed once the listener is bound, for tests/callers that need
// to know the server is ready to accept connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, valid only after Start has begun
// listening (after Ready is closed).
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully stops the HTTP server and flushes any pending
// credential-pool stats-file writes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logf("gateway shutting down")
	if s.pool != nil {
		s.pool.Flush()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/models", s.withAuth(s.handleModels))
	mux.HandleFunc("POST /v1/messages", s.withAuth(s.handleMessagesLive))
	mux.HandleFunc("POST /v1/messages/count_tokens", s.withAuth(s.handleCountTokens))
	mux.HandleFunc("POST /cc/v1/messages", s.withAuth(s.handleMessagesBuffered))
	mux.HandleFunc("POST /cc/v1/messages/count_tokens", s.withAuth(s.handleCountTokens))

	mux.HandleFunc("GET /admin/credentials", s.withAdminAuth(s.handleAdminList))
	mux.HandleFunc("POST /admin/credentials", s.withAdminAuth(s.handleAdminAdd))
	mux.HandleFunc("DELETE /admin/credentials/{id}", s.withAdminAuth(s.handleAdminDelete))
	mux.HandleFunc("POST /admin/credentials/{id}/disable", s.withAdminAuth(s.handleAdminDisable))
	mux.HandleFunc("POST /admin/credentials/{id}/priority", s.withAdminAuth(s.handleAdminPriority))
	mux.HandleFunc("POST /admin/credentials/{id}/reset", s.withAdminAuth(s.handleAdminReset))
	mux.HandleFunc("GET /admin/credentials/{id}/usage", s.withAdminAuth(s.handleAdminUsage))
	mux.HandleFunc("GET /admin/load-balancing-mode", s.withAdminAuth(s.handleAdminGetMode))
	mux.HandleFunc("POST /admin/load-balancing-mode", s.withAdminAuth(s.handleAdminSetMode))
}

// withAuth enforces spec.md §4.G front-end API-key auth: constant-time
// comparison against cfg.APIKey, accepted via either x-api-key or
// Authorization: Bearer.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !constantTimeKeyMatch(requestAPIKey(r), s.cfg.APIKey) {
			writeAnthropicError(w, http.StatusUnauthorized, ErrTypeAuthentication, "invalid x-api-key")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		next(w, r)
	}
}

// withAdminAuth gates the admin surface on adminApiKey, refusing all
// requests when it is unset (disabling the admin collaborator entirely,
// per spec.md §6).
func (s *Server) withAdminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminAPIKey == "" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		if !constantTimeKeyMatch(requestAPIKey(r), s.cfg.AdminAPIKey) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func requestAPIKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("x-api-key")); v != "" {
		return v
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const bearer = "Bearer "
	if strings.HasPrefix(auth, bearer) {
		return strings.TrimSpace(strings.TrimPrefix(auth, bearer))
	}
	return ""
}

// constantTimeKeyMatch reports whether got equals want without the
// short-circuit behavior of ==, per spec.md §8 invariant 8. A length
// mismatch is rejected without comparing any bytes, matching
// subtle.ConstantTimeCompare's own contract.
func constantTimeKeyMatch(got, want string) bool {
	if want == "" || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// withCORS allows any origin/method/header, per spec.md §6.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: write json response: %v\n", err)
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

// pingInterval is the SSE keep-alive cadence during upstream silence.
const pingInterval = 25 * time.Second
