package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/kilimcininkoroglu/kiroproxy/internal/anthropic"
)

// mcpRequest is the minimal JSON-RPC envelope used to call /mcp — a single
// stateless request/response pair, not the session-oriented
// modelcontextprotocol/go-sdk client (see DESIGN.md).
type mcpRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  mcpCallParams `json:"params"`
}

type mcpCallParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

type mcpResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *mcpError       `json:"error,omitempty"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// serveWebSearch implements spec.md §4.G's web_search short-circuit: call
// /mcp directly instead of the normal generateAssistantResponse path, then
// synthesize the fixed SSE sequence
// message_start -> server_tool_use -> web_search_tool_result -> text (in
// 100-char chunks) -> message_delta -> message_stop.
func (s *Server) serveWebSearch(w http.ResponseWriter, r *http.Request, req anthropic.Request) {
	query := lastUserText(req)

	call := mcpRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "tools/call",
		Params:  mcpCallParams{Name: "web_search", Arguments: map[string]string{"query": query}},
	}
	body, err := json.Marshal(call)
	if err != nil {
		writeAnthropicError(w, http.StatusInternalServerError, ErrTypeInternal, err.Error())
		return
	}

	raw, err := s.upstream.McpCall(r.Context(), req.Model, body)
	if err != nil {
		status, errType, msg := classifyUpstreamError(err)
		writeAnthropicError(w, status, errType, msg)
		return
	}

	var resp mcpResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		writeAnthropicError(w, http.StatusBadGateway, ErrTypeAPI, "invalid /mcp response: "+err.Error())
		return
	}
	if resp.Error != nil {
		writeAnthropicError(w, http.StatusBadGateway, ErrTypeAPI, resp.Error.Message)
		return
	}

	writeWebSearchSSE(w, req.Model, query, resp.Result)
}

// lastUserText extracts the text of the final user-role message, for use
// as the web_search query.
func lastUserText(req anthropic.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != "user" {
			continue
		}
		var plain string
		if err := json.Unmarshal(m.Content, &plain); err == nil {
			return plain
		}
		var blocks []anthropic.Block
		if err := json.Unmarshal(m.Content, &blocks); err == nil {
			for _, b := range blocks {
				if b.Type == anthropic.BlockText {
					return b.Text
				}
			}
		}
	}
	return ""
}

// chunkText splits s into runs of at most n runes, for the text block's
// 100-char streaming chunks.
func chunkText(s string, n int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var out []string
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

const webSearchChunkSize = 100

// writeWebSearchSSE emits the fixed web_search SSE sequence. serveMessages
// takes the web_search short-circuit before looking at the stream flag, so
// non-streaming requests receive this same SSE sequence, not a JSON body.
func writeWebSearchSSE(w http.ResponseWriter, modelName, query string, result json.RawMessage) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAnthropicError(w, http.StatusInternalServerError, ErrTypeInternal, "streaming not supported")
		return
	}

	messageID := "msg_" + uuid.NewString()
	toolUseID := "srvtoolu_" + uuid.NewString()

	emit := func(name string, data any) {
		evt := anthropic.SSEEvent{Name: name, Data: data}
		emitSSE(w, flusher, evt)
	}

	var msg struct {
		ID           string          `json:"id"`
		Type         string          `json:"type"`
		Role         string          `json:"role"`
		Content      []any           `json:"content"`
		Model        string          `json:"model"`
		StopReason   *string         `json:"stop_reason"`
		StopSequence *string         `json:"stop_sequence"`
		Usage        anthropic.Usage `json:"usage"`
	}
	msg.ID = messageID
	msg.Type = "message"
	msg.Role = "assistant"
	msg.Content = []any{}
	msg.Model = modelName
	emit("message_start", map[string]any{"type": "message_start", "message": msg})

	emit("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": 0,
		"content_block": map[string]any{
			"type":  anthropic.BlockServerToolUse,
			"id":    toolUseID,
			"name":  "web_search",
			"input": map[string]string{"query": query},
		},
	})
	emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})

	emit("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": 1,
		"content_block": map[string]any{
			"type":        anthropic.BlockWebSearchToolResult,
			"tool_use_id": toolUseID,
			"content":     result,
		},
	})
	emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": 1})

	summary := webSearchSummary(result)
	emit("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         2,
		"content_block": map[string]any{"type": anthropic.BlockText, "text": ""},
	})
	for _, chunk := range chunkText(summary, webSearchChunkSize) {
		emit("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 2,
			"delta": map[string]string{"type": "text_delta", "text": chunk},
		})
	}
	emit("content_block_stop", map[string]any{"type": "content_block_stop", "index": 2})

	emit("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": anthropic.StopEndTurn, "stop_sequence": nil},
		"usage": anthropic.Usage{InputTokens: 0, OutputTokens: len(summary) / 4},
	})
	emit("message_stop", map[string]any{"type": "message_stop"})
}

// webSearchSummary extracts a plain-text rendering of the /mcp tool result
// for the synthesized text block, falling back to the raw JSON if it isn't
// the expected {content:[{text}]} shape.
func webSearchSummary(result json.RawMessage) string {
	var shaped struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &shaped); err == nil && len(shaped.Content) > 0 {
		out := ""
		for _, c := range shaped.Content {
			out += c.Text
		}
		return out
	}
	return string(result)
}
