package events

import (
	"testing"

	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/parser"
)

func TestFromFrameDispatch(t *testing.T) {
	tests := []struct {
		name    string
		headers parser.Headers
		payload string
		want    Kind
	}{
		{
			name:    "assistant response",
			headers: parser.Headers{":message-type": parser.StringValue("event"), ":event-type": parser.StringValue("assistantResponseEvent")},
			payload: `{"content":"hi","extra":"ignored"}`,
			want:    KindAssistantResponse,
		},
		{
			name:    "tool use",
			headers: parser.Headers{":message-type": parser.StringValue("event"), ":event-type": parser.StringValue("toolUseEvent")},
			payload: `{"name":"Write","toolUseId":"t1","input":"{}","stop":true}`,
			want:    KindToolUse,
		},
		{
			name:    "context usage",
			headers: parser.Headers{":message-type": parser.StringValue("event"), ":event-type": parser.StringValue("contextUsageEvent")},
			payload: `{"contextUsagePercentage":42.5}`,
			want:    KindContextUsage,
		},
		{
			name:    "metering",
			headers: parser.Headers{":message-type": parser.StringValue("event"), ":event-type": parser.StringValue("meteringEvent")},
			payload: `{}`,
			want:    KindMetering,
		},
		{
			name:    "unknown event type",
			headers: parser.Headers{":message-type": parser.StringValue("event"), ":event-type": parser.StringValue("somethingElse")},
			payload: `{}`,
			want:    KindUnknown,
		},
		{
			name: "exception",
			headers: parser.Headers{
				":message-type":   parser.StringValue("exception"),
				":exception-type": parser.StringValue("ContentLengthExceededException"),
			},
			payload: `too long`,
			want:    KindException,
		},
		{
			name: "error",
			headers: parser.Headers{
				":message-type": parser.StringValue("error"),
				":error-code":   parser.StringValue("E1"),
			},
			payload: `bad`,
			want:    KindError,
		},
		{
			name:    "unknown message type",
			headers: parser.Headers{":message-type": parser.StringValue("ping")},
			payload: `{}`,
			want:    KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := FromFrame(parser.Frame{Headers: tt.headers, Payload: []byte(tt.payload)})
			if err != nil {
				t.Fatalf("FromFrame: %v", err)
			}
			if evt.Kind != tt.want {
				t.Fatalf("Kind = %v, want %v", evt.Kind, tt.want)
			}
		})
	}
}

func TestExceptionFieldsFromHeaders(t *testing.T) {
	evt, err := FromFrame(parser.Frame{
		Headers: parser.Headers{
			":message-type":   parser.StringValue("exception"),
			":exception-type": parser.StringValue("ContentLengthExceededException"),
		},
		Payload: []byte("too long"),
	})
	if err != nil {
		t.Fatalf("FromFrame: %v", err)
	}
	if evt.Exception.ExceptionType != "ContentLengthExceededException" {
		t.Fatalf("ExceptionType = %q", evt.Exception.ExceptionType)
	}
	if evt.Exception.Message != "too long" {
		t.Fatalf("Message = %q", evt.Exception.Message)
	}
}

func TestErrorFieldsFromHeaders(t *testing.T) {
	evt, err := FromFrame(parser.Frame{
		Headers: parser.Headers{
			":message-type": parser.StringValue("error"),
			":error-code":   parser.StringValue("E1"),
		},
		Payload: []byte("bad"),
	})
	if err != nil {
		t.Fatalf("FromFrame: %v", err)
	}
	if evt.Error.ErrorCode != "E1" {
		t.Fatalf("ErrorCode = %q", evt.Error.ErrorCode)
	}
	if evt.Error.ErrorMessage != "bad" {
		t.Fatalf("ErrorMessage = %q", evt.Error.ErrorMessage)
	}
}

func TestToolUseFields(t *testing.T) {
	evt, err := FromFrame(parser.Frame{
		Headers: parser.Headers{":message-type": parser.StringValue("event"), ":event-type": parser.StringValue("toolUseEvent")},
		Payload: []byte(`{"name":"Edit","toolUseId":"abc","input":"{\"path\":","stop":false}`),
	})
	if err != nil {
		t.Fatalf("FromFrame: %v", err)
	}
	if evt.ToolUse.Name != "Edit" || evt.ToolUse.ToolUseID != "abc" || evt.ToolUse.Stop {
		t.Fatalf("unexpected tool use: %+v", evt.ToolUse)
	}
}
