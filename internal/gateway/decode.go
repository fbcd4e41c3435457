package gateway

import (
	"fmt"
	"io"

	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/events"
	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/parser"
)

// readBufSize is the chunk size used to pull bytes off the upstream
// response body into the frame decoder.
const readBufSize = 32 * 1024

// decodeAllEvents drains body to EOF through a fresh frame decoder,
// returning every event in wire order. Used by the non-streaming and
// buffered-streaming response paths, which both need the complete event
// sequence before they can emit anything.
func decodeAllEvents(body io.Reader) ([]events.Event, error) {
	dec := parser.NewDecoder()
	var out []events.Event
	buf := make([]byte, readBufSize)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := dec.Feed(buf[:n]); err != nil {
				return nil, fmt.Errorf("gateway: decoder buffer: %w", err)
			}
			for {
				frame, ok, err := dec.Decode()
				if err != nil {
					return out, nil
				}
				if !ok {
					break
				}
				evt, err := events.FromFrame(frame)
				if err != nil {
					continue
				}
				out = append(out, evt)
			}
		}
		if readErr == io.EOF {
			return out, nil
		}
		if readErr != nil {
			return out, nil
		}
	}
}
