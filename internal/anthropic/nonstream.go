package anthropic

import "github.com/kilimcininkoroglu/kiroproxy/internal/kiro/events"

// Assemble drives a StreamState through the full event sequence and builds
// the buffered POST /v1/messages response body. It reuses the exact same
// StreamState used for the streaming path (spec.md §4.D "Non-streaming
// variant" Design Note) rather than a separate accumulation path.
func Assemble(state *StreamState, evts []events.Event) Response {
	state.Start()
	for _, evt := range evts {
		state.Feed(evt)
	}
	state.Flush()
	state.Final()

	return Response{
		ID:           state.messageID,
		Type:         "message",
		Role:         "assistant",
		Content:      state.Blocks(),
		Model:        state.model,
		StopReason:   state.StopReasonValue(),
		StopSequence: nil,
		Usage: Usage{
			InputTokens:  state.inputTokensNow(),
			OutputTokens: state.OutputTokenEstimate(),
		},
	}
}
