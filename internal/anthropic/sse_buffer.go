package anthropic

import "github.com/kilimcininkoroglu/kiroproxy/internal/kiro/events"

// BufferedStream drives state through the full event sequence before
// emitting message_start, so message_start.usage.input_tokens carries the
// upstream-measured value (from a contextUsageEvent already seen) instead
// of the pre-request estimate. This is the "buffered streaming variant"
// used by the /cc/v1/ endpoint family; it reuses the same StreamState the
// live /v1/ path drives, reordering only when Start is called relative to
// Feed (Start has no internal ordering dependency on prior Feed calls).
func BufferedStream(state *StreamState, evts []events.Event) []SSEEvent {
	var body []SSEEvent
	for _, evt := range evts {
		body = append(body, state.Feed(evt)...)
	}
	body = append(body, state.Flush()...)

	out := state.Start()
	out = append(out, body...)
	out = append(out, state.Final()...)
	return out
}
