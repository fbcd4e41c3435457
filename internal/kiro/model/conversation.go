package model

import "encoding/json"

// ImageSource carries base64-encoded inline image bytes.
type ImageSource struct {
	Bytes string `json:"bytes"`
}

// Image is a decoded inline image attachment, as sent in the upstream
// request body. Format is one of jpeg/png/gif/webp.
type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ToolDefinition is the upstream-shaped tool schema.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolResultContent is one text chunk of a tool result's content array.
type ToolResultContent struct {
	Text string `json:"text"`
}

// ToolResult is the upstream-shaped answer to a prior tool_use.
type ToolResult struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []ToolResultContent `json:"content"`
	Status    string              `json:"status"` // "success" | "error"
	IsError   bool                `json:"isError"`
}

// ToolResultStatus values.
const (
	ToolResultSuccess = "success"
	ToolResultError   = "error"
)

// MessageContext carries the tools available and any tool_results being
// answered, attached to a user turn.
type MessageContext struct {
	ToolResults []ToolResult     `json:"toolResults,omitempty"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
}

// UserInputMessage is the current_message / user-turn payload shape.
type UserInputMessage struct {
	Content                 string         `json:"content"`
	ModelID                 string         `json:"modelId"`
	Origin                  string         `json:"origin,omitempty"`
	Images                  []Image        `json:"images,omitempty"`
	UserInputMessageContext MessageContext `json:"userInputMessageContext"`
}

// CurrentMessage wraps the current turn the way the upstream expects it.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// ToolUseEntry is an assistant's recorded tool invocation in history.
type ToolUseEntry struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// UserMessage is a history user turn's payload.
type UserMessage struct {
	Content                 string         `json:"content"`
	ModelID                 string         `json:"modelId"`
	Origin                  string         `json:"origin,omitempty"`
	Images                  []Image        `json:"images,omitempty"`
	UserInputMessageContext MessageContext `json:"userInputMessageContext,omitempty"`
}

// AssistantMessage is a history assistant turn's payload. ToolUses is a
// pointer-like nil slice: when an assistant's tool_uses becomes empty after
// repair, it must be omitted entirely rather than serialized as `[]`.
type AssistantMessage struct {
	Content  string         `json:"content"`
	ToolUses []ToolUseEntry `json:"toolUses,omitempty"`
}

// HistoryUserMessage is the wrapped form of a user history entry.
type HistoryUserMessage struct {
	UserInputMessage UserMessage `json:"userInputMessage"`
}

// HistoryAssistantMessage is the wrapped form of an assistant history entry.
type HistoryAssistantMessage struct {
	AssistantResponseMessage AssistantMessage `json:"assistantResponseMessage"`
}

// HistoryEntry is one alternating user/assistant turn. Exactly one of User/
// Assistant is set, selected by IsUser — the Go analogue of the tagged
// `Message` variant (serde `untagged` enum) in spec.md §3.
type HistoryEntry struct {
	IsUser    bool
	User      HistoryUserMessage
	Assistant HistoryAssistantMessage
}

// NewUserHistoryEntry builds a user history entry.
func NewUserHistoryEntry(msg UserMessage) HistoryEntry {
	return HistoryEntry{IsUser: true, User: HistoryUserMessage{UserInputMessage: msg}}
}

// NewAssistantHistoryEntry builds an assistant history entry.
func NewAssistantHistoryEntry(msg AssistantMessage) HistoryEntry {
	return HistoryEntry{Assistant: HistoryAssistantMessage{AssistantResponseMessage: msg}}
}

// MarshalJSON emits the untagged wire shape: a user entry serializes as
// {"userInputMessage": {...}}, an assistant entry as
// {"assistantResponseMessage": {...}}.
func (h HistoryEntry) MarshalJSON() ([]byte, error) {
	if h.IsUser {
		return json.Marshal(h.User)
	}
	return json.Marshal(h.Assistant)
}

// UnmarshalJSON recovers the tag by probing for the userInputMessage key,
// matching the untagged-enum convention the Rust source uses.
func (h *HistoryEntry) UnmarshalJSON(data []byte) error {
	var probe struct {
		UserInputMessage json.RawMessage `json:"userInputMessage"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.UserInputMessage != nil {
		var u HistoryUserMessage
		if err := json.Unmarshal(data, &u); err != nil {
			return err
		}
		*h = HistoryEntry{IsUser: true, User: u}
		return nil
	}
	var a HistoryAssistantMessage
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*h = HistoryEntry{Assistant: a}
	return nil
}

// Conversation is the full upstream-shaped request body.
type Conversation struct {
	AgentContinuationID string         `json:"agentContinuationId,omitempty"`
	AgentTaskType       string         `json:"agentTaskType,omitempty"`
	ChatTriggerType     string         `json:"chatTriggerType,omitempty"`
	CurrentMessage      CurrentMessage `json:"currentMessage"`
	ConversationID      string         `json:"conversationId"`
	History             []HistoryEntry `json:"history,omitempty"`
}

const (
	DefaultAgentTaskType   = "vibe"
	DefaultChatTriggerType = "MANUAL"
	MessageOrigin          = "AI_EDITOR"
)
