package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/kilimcininkoroglu/kiroproxy/internal/anthropic"
)

// modelListing is one entry of GET /v1/models's data array.
type modelListing struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
}

var listedModels = []modelListing{
	{ID: "claude-opus-4-6-20260115", Type: "model", DisplayName: "Claude Opus 4.6"},
	{ID: "claude-opus-4-5-20251101", Type: "model", DisplayName: "Claude Opus 4.5"},
	{ID: "claude-sonnet-4-5-20250929", Type: "model", DisplayName: "Claude Sonnet 4.5"},
	{ID: "claude-sonnet-4-20250514", Type: "model", DisplayName: "Claude Sonnet 4"},
	{ID: "claude-haiku-4-5-20251001", Type: "model", DisplayName: "Claude Haiku 4.5"},
	{ID: "claude-3-5-haiku-20241022", Type: "model", DisplayName: "Claude Haiku 3.5"},
	{ID: "claude-3-7-sonnet-20250219", Type: "model", DisplayName: "Claude Sonnet 3.7"},
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": listedModels})
}

// decodeRequest parses the inbound body into an anthropic.Request,
// reporting a 400 invalid_request_error on any decode failure.
func decodeRequest(w http.ResponseWriter, r *http.Request) (anthropic.Request, bool) {
	var req anthropic.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAnthropicError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "invalid JSON body: "+err.Error())
		return anthropic.Request{}, false
	}
	if len(req.Messages) == 0 {
		writeAnthropicError(w, http.StatusBadRequest, ErrTypeInvalidRequest, "messages must not be empty")
		return anthropic.Request{}, false
	}
	return req, true
}

// resolveAndConvert resolves the inbound model id, reporting a 400 on
// failure. Conversion of the request happens later, in serveMessages.
func (s *Server) resolveAndConvert(w http.ResponseWriter, req anthropic.Request) (anthropic.ResolvedModel, bool) {
	resolved, err := anthropic.ResolveModel(req.Model, s.cfg.ThinkingSuffix)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, ErrTypeInvalidRequest, err.Error())
		return anthropic.ResolvedModel{}, false
	}
	return resolved, true
}

// isWebSearchShortCircuit reports whether the request's tools field is
// exactly the single web_search tool, per spec.md §4.G.
func isWebSearchShortCircuit(req anthropic.Request) bool {
	return len(req.Tools) == 1 && req.Tools[0].Name == "web_search"
}

// handleMessagesLive serves POST /v1/messages: streaming SSE forwarded as
// it is produced, or a buffered JSON response when stream is false.
func (s *Server) handleMessagesLive(w http.ResponseWriter, r *http.Request) {
	s.serveMessages(w, r, false)
}

// handleMessagesBuffered serves POST /cc/v1/messages: the §4.D buffered
// streaming variant, where message_start.usage.input_tokens always carries
// the upstream-measured value.
func (s *Server) handleMessagesBuffered(w http.ResponseWriter, r *http.Request) {
	s.serveMessages(w, r, true)
}

func (s *Server) serveMessages(w http.ResponseWriter, r *http.Request, buffered bool) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	if isWebSearchShortCircuit(req) {
		s.serveWebSearch(w, r, req)
		return
	}

	resolved, ok := s.resolveAndConvert(w, req)
	if !ok {
		return
	}

	conv, err := anthropic.Convert(req, anthropic.ConvertOptions{ThinkingSuffix: s.cfg.ThinkingSuffix}, resolved.Upstream, resolved.Thinking, resolved.Agentic)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, ErrTypeInvalidRequest, err.Error())
		return
	}

	ctx := r.Context()
	body, err := s.upstream.Send(ctx, conv, req.Model)
	if err != nil {
		status, errType, msg := classifyUpstreamError(err)
		writeAnthropicError(w, status, errType, msg)
		return
	}
	defer body.Close()

	messageID := "msg_" + uuid.NewString()
	estimatedInput := anthropic.EstimateInputTokens(req)
	state := anthropic.NewStreamState(messageID, req.Model, estimatedInput, resolved.Thinking != anthropic.ThinkingOff, resolved.OneM)

	if !req.Stream {
		evts, err := decodeAllEvents(body)
		if err != nil {
			writeAnthropicError(w, http.StatusBadGateway, ErrTypeAPI, err.Error())
			return
		}
		resp := anthropic.Assemble(state, evts)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAnthropicError(w, http.StatusInternalServerError, ErrTypeInternal, "streaming not supported")
		return
	}

	if buffered {
		evts, err := decodeAllEvents(body)
		if err != nil {
			writeAnthropicError(w, http.StatusBadGateway, ErrTypeAPI, err.Error())
			return
		}
		for _, evt := range anthropic.BufferedStream(state, evts) {
			emitSSE(w, flusher, evt)
		}
		return
	}

	for _, evt := range state.Start() {
		emitSSE(w, flusher, evt)
	}
	streamLive(ctx, w, flusher, state, body)
}

// emitSSE encodes and writes one SSE event, ignoring a marshal failure
// (which would indicate a bug in a payload struct, not a request error).
func emitSSE(w http.ResponseWriter, flusher http.Flusher, evt anthropic.SSEEvent) {
	b, err := evt.Encode()
	if err != nil {
		return
	}
	w.Write(b)
	flusher.Flush()
}
