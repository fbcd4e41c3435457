// Package anthropic translates between the Anthropic Messages API wire
// shape and the upstream Kiro conversation/event model, and implements the
// SSE re-emission state machine.
package anthropic

import "encoding/json"

// Request is the inbound POST /v1/messages body.
type Request struct {
	Model     string          `json:"model"`
	Messages  []Message       `json:"messages"`
	System    json.RawMessage `json:"system,omitempty"`
	MaxTokens int             `json:"max_tokens,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
	Tools     []Tool          `json:"tools,omitempty"`
	Metadata  *Metadata       `json:"metadata,omitempty"`
	Thinking  *ThinkingConfig `json:"thinking,omitempty"`
}

// Metadata carries request-scoped identity hints.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// ThinkingConfig is the inbound thinking-mode request, when present.
type ThinkingConfig struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Message is one turn in the inbound messages array. Content is either a
// plain string or an array of typed blocks — both are valid JSON shapes for
// the same field, so it is decoded into RawMessage and resolved by
// flattenMessages in convert.go.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Block is a single content block, inbound or outbound. Only the fields
// relevant to its Type are populated.
type Block struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ImageSource is the inbound base64 image block's nested source object.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Tool is the inbound tool declaration.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Usage is the token accounting reported in message_start/message_delta.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the assembled non-streaming POST /v1/messages response body.
type Response struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Role         string  `json:"role"`
	Content      []Block `json:"content"`
	Model        string  `json:"model"`
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
	Usage        Usage   `json:"usage"`
}

// ErrorBody is the JSON error envelope returned to front-end clients.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the Anthropic-shaped error type/message pair.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error type constants used in ErrorDetail.Type, per spec.md §6.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeAuthentication = "authentication_error"
	ErrTypeNotFound       = "not_found"
	ErrTypeRateLimit      = "rate_limit_error"
	ErrTypeAPI            = "api_error"
	ErrTypeOverloaded     = "overloaded_error"
	ErrTypeInternal       = "internal_error"
)

// Block type constants.
const (
	BlockText                = "text"
	BlockThinking            = "thinking"
	BlockImage               = "image"
	BlockToolUse             = "tool_use"
	BlockToolResult          = "tool_result"
	BlockServerToolUse       = "server_tool_use"
	BlockWebSearchToolResult = "web_search_tool_result"
)

// Stop reason constants.
const (
	StopEndTurn               = "end_turn"
	StopToolUse               = "tool_use"
	StopMaxTokens             = "max_tokens"
	StopContextWindowExceeded = "model_context_window_exceeded"
)
