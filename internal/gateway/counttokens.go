package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/kilimcininkoroglu/kiroproxy/internal/anthropic"
)

// countTokensHTTPClient is a short-lived client for the optional remote
// count-tokens delegate, separate from the long-lived streamHTTPClient the
// upstream package owns since this call never carries the Kiro identity
// headers.
var countTokensHTTPClient = &http.Client{Timeout: 30 * time.Second}

// handleCountTokens serves POST /v1/messages/count_tokens and
// POST /cc/v1/messages/count_tokens identically: delegate to the
// configured external service when countTokensApiUrl is set, else fall
// back to the local character-based estimator.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	if s.cfg.CountTokensAPIURL == "" {
		writeJSON(w, http.StatusOK, map[string]int{"input_tokens": anthropic.EstimateInputTokens(req)})
		return
	}

	n, err := s.delegateCountTokens(r, req)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]int{"input_tokens": anthropic.EstimateInputTokens(req)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"input_tokens": n})
}

func (s *Server) delegateCountTokens(r *http.Request, req anthropic.Request) (int, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}

	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.cfg.CountTokensAPIURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.cfg.CountTokensAPIKey != "" {
		switch s.cfg.CountTokensAuthType {
		case "bearer", "":
			httpReq.Header.Set("Authorization", "Bearer "+s.cfg.CountTokensAPIKey)
		case "x-api-key":
			httpReq.Header.Set("x-api-key", s.cfg.CountTokensAPIKey)
		}
	}

	resp, err := countTokensHTTPClient.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return 0, err
	}
	return out.InputTokens, nil
}
