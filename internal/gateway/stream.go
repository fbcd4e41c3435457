package gateway

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/kilimcininkoroglu/kiroproxy/internal/anthropic"
	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/events"
	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/parser"
)

// streamLive multiplexes upstream frame reads with a ping timer, forwarding
// each Feed/Flush/Final result to the client as soon as it is produced, per
// spec.md §5 "each streaming response owns one task that multiplexes
// upstream reads with a ping timer". On client disconnect (ctx.Done) it
// closes the upstream body without releasing or disabling the acquired
// credential, per spec.md §5 "Cancellation".
func streamLive(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, state *anthropic.StreamState, body io.ReadCloser) {
	frames := make(chan events.Event)
	done := make(chan struct{})

	go func() {
		defer close(frames)
		dec := parser.NewDecoder()
		buf := make([]byte, readBufSize)
		for {
			select {
			case <-done:
				return
			default:
			}
			n, readErr := body.Read(buf)
			if n > 0 {
				if err := dec.Feed(buf[:n]); err == nil {
					for {
						frame, ok, err := dec.Decode()
						if err != nil || !ok {
							break
						}
						evt, err := events.FromFrame(frame)
						if err != nil {
							continue
						}
						select {
						case frames <- evt:
						case <-done:
							return
						}
					}
				}
			}
			if readErr != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer close(done)
	defer body.Close()

	// A plain select gives frames and the ping tick equal odds when both are
	// ready; ticker.Reset on every received event keeps the observable
	// cadence correct regardless (a ping only ever fires after a real gap).
	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-frames:
			if !ok {
				for _, out := range state.Flush() {
					emitSSE(w, flusher, out)
				}
				for _, out := range state.Final() {
					emitSSE(w, flusher, out)
				}
				return
			}
			ticker.Reset(pingInterval)
			for _, out := range state.Feed(evt) {
				emitSSE(w, flusher, out)
			}

		case <-ticker.C:
			emitSSE(w, flusher, anthropic.PingEvent())
		}
	}
}
