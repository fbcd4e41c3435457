package anthropic

import "encoding/json"

// SSEEvent is one emittable Server-Sent Event: a name and its JSON payload.
// Event names and payload shapes mirror Anthropic's own Messages API.
type SSEEvent struct {
	Name string
	Data any
}

// Encode serializes the event into the `event: <name>\ndata: <json>\n\n`
// wire form the front-end HTTP surface writes directly to the response.
func (e SSEEvent) Encode() ([]byte, error) {
	b, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(e.Name)+len(b)+16)
	out = append(out, "event: "...)
	out = append(out, e.Name...)
	out = append(out, "\ndata: "...)
	out = append(out, b...)
	out = append(out, "\n\n"...)
	return out, nil
}

const (
	eventMessageStart      = "message_start"
	eventContentBlockStart = "content_block_start"
	eventContentBlockDelta = "content_block_delta"
	eventContentBlockStop  = "content_block_stop"
	eventMessageDelta      = "message_delta"
	eventMessageStop       = "message_stop"
	eventPing              = "ping"
)

type messageStartPayload struct {
	Type    string `json:"type"`
	Message struct {
		ID           string  `json:"id"`
		Type         string  `json:"type"`
		Role         string  `json:"role"`
		Content      []any   `json:"content"`
		Model        string  `json:"model"`
		StopReason   *string `json:"stop_reason"`
		StopSequence *string `json:"stop_sequence"`
		Usage        Usage   `json:"usage"`
	} `json:"message"`
}

type contentBlockStartPayload struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock any    `json:"content_block"`
}

type textBlockStart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type thinkingBlockStart struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

type toolUseBlockStart struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input any    `json:"input"`
}

type contentBlockDeltaPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta any    `json:"delta"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type thinkingDelta struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

type inputJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

type contentBlockStopPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDeltaPayload struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason   string  `json:"stop_reason"`
		StopSequence *string `json:"stop_sequence"`
	} `json:"delta"`
	Usage Usage `json:"usage"`
}

type messageStopPayload struct {
	Type string `json:"type"`
}

type pingPayload struct {
	Type string `json:"type"`
}

// PingEvent is the keep-alive event emitted every 25s of upstream silence.
func PingEvent() SSEEvent {
	return SSEEvent{Name: eventPing, Data: pingPayload{Type: "ping"}}
}
