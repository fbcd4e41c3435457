// Package events provides a typed view over decoded Kiro frames.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/parser"
)

// Kind identifies which variant an Event carries.
type Kind int

const (
	KindAssistantResponse Kind = iota
	KindToolUse
	KindContextUsage
	KindMetering
	KindException
	KindError
	KindUnknown
)

// AssistantResponse carries incremental assistant text.
type AssistantResponse struct {
	Content string `json:"content"`
}

// ToolUse carries a (possibly partial) tool invocation.
type ToolUse struct {
	Name      string `json:"name"`
	ToolUseID string `json:"toolUseId"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`
}

// ContextUsage carries the upstream's running context-window usage.
type ContextUsage struct {
	ContextUsagePercentage float64 `json:"contextUsagePercentage"`
}

// Exception carries an upstream exception frame. Both fields come from the
// frame itself, not a JSON payload: ExceptionType is the :exception-type
// header, Message is the raw payload bytes.
type Exception struct {
	ExceptionType string
	Message       string
}

// Error carries an upstream error frame. ErrorCode is the :error-code
// header; ErrorMessage is the raw payload bytes.
type Error struct {
	ErrorCode    string
	ErrorMessage string
}

// Event is a tagged union produced from a decoded Frame after reading its
// :message-type and :event-type headers.
type Event struct {
	Kind              Kind
	AssistantResponse AssistantResponse
	ToolUse           ToolUse
	ContextUsage      ContextUsage
	Exception         Exception
	Error             Error
}

const (
	headerMessageType    = ":message-type"
	headerEventType      = ":event-type"
	headerExceptionType  = ":exception-type"
	headerErrorCode      = ":error-code"
	messageTypeEvent     = "event"
	messageTypeException = "exception"
	messageTypeError     = "error"

	eventTypeAssistantResponse = "assistantResponseEvent"
	eventTypeToolUse           = "toolUseEvent"
	eventTypeContextUsage      = "contextUsageEvent"
	eventTypeMetering          = "meteringEvent"
)

// FromFrame classifies a decoded frame and unmarshals its JSON payload
// (camelCase keys, unknown fields tolerated — the zero value of
// encoding/json already ignores fields it doesn't recognize) into the
// matching Event variant.
func FromFrame(f parser.Frame) (Event, error) {
	switch f.Headers.String(headerMessageType) {
	case messageTypeEvent:
		return decodeEventFrame(f)
	case messageTypeException:
		return Event{Kind: KindException, Exception: Exception{
			ExceptionType: f.Headers.String(headerExceptionType),
			Message:       string(f.Payload),
		}}, nil
	case messageTypeError:
		return Event{Kind: KindError, Error: Error{
			ErrorCode:    f.Headers.String(headerErrorCode),
			ErrorMessage: string(f.Payload),
		}}, nil
	default:
		return Event{Kind: KindUnknown}, nil
	}
}

func decodeEventFrame(f parser.Frame) (Event, error) {
	switch f.Headers.String(headerEventType) {
	case eventTypeAssistantResponse:
		var a AssistantResponse
		if err := json.Unmarshal(f.Payload, &a); err != nil {
			return Event{}, fmt.Errorf("events: decode assistantResponseEvent: %w", err)
		}
		return Event{Kind: KindAssistantResponse, AssistantResponse: a}, nil
	case eventTypeToolUse:
		var tu ToolUse
		if err := json.Unmarshal(f.Payload, &tu); err != nil {
			return Event{}, fmt.Errorf("events: decode toolUseEvent: %w", err)
		}
		return Event{Kind: KindToolUse, ToolUse: tu}, nil
	case eventTypeContextUsage:
		var cu ContextUsage
		if err := json.Unmarshal(f.Payload, &cu); err != nil {
			return Event{}, fmt.Errorf("events: decode contextUsageEvent: %w", err)
		}
		return Event{Kind: KindContextUsage, ContextUsage: cu}, nil
	case eventTypeMetering:
		return Event{Kind: KindMetering}, nil
	default:
		return Event{Kind: KindUnknown}, nil
	}
}
