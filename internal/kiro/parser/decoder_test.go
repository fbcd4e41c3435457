package parser

import (
	"bytes"
	"testing"
)

func sampleFrames(t *testing.T) [][]byte {
	t.Helper()
	frames := []Frame{
		{Headers: Headers{":message-type": StringValue("event"), ":event-type": StringValue("assistantResponseEvent")}, Payload: []byte(`{"content":"hello"}`)},
		{Headers: Headers{":message-type": StringValue("event")}, Payload: []byte(`{"content":"world"}`)},
		{Headers: Headers{}, Payload: []byte("x")},
	}
	var out [][]byte
	for _, f := range frames {
		b, err := EncodeFrame(f)
		if err != nil {
			t.Fatalf("EncodeFrame: %v", err)
		}
		out = append(out, b)
	}
	return out
}

func TestDecoderRoundTripWholeStream(t *testing.T) {
	frames := sampleFrames(t)
	var all []byte
	for _, f := range frames {
		all = append(all, f...)
	}

	d := NewDecoder()
	if err := d.Feed(all); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	for i := range frames {
		frame, ok, err := d.Decode()
		if err != nil || !ok {
			t.Fatalf("Decode() frame %d: ok=%v err=%v", i, ok, err)
		}
		if frame.Headers.String(":message-type") != "event" && i != len(frames)-1 {
			// last frame deliberately has no headers
		}
	}
	if _, ok, _ := d.Decode(); ok {
		t.Fatalf("expected no more frames")
	}
}

// TestDecoderRoundTripChunked feeds the same concatenated stream split at
// every possible byte boundary and checks the frame count always matches —
// the decoder must be idempotent under arbitrary chunking (invariant 4).
func TestDecoderRoundTripChunked(t *testing.T) {
	frames := sampleFrames(t)
	var all []byte
	for _, f := range frames {
		all = append(all, f...)
	}

	chunkSizes := []int{1, 2, 3, 7, 16, len(all)}
	for _, size := range chunkSizes {
		d := NewDecoder()
		decoded := 0
		for i := 0; i < len(all); i += size {
			end := i + size
			if end > len(all) {
				end = len(all)
			}
			if err := d.Feed(all[i:end]); err != nil {
				t.Fatalf("Feed: %v", err)
			}
			for {
				_, ok, err := d.Decode()
				if err != nil {
					t.Fatalf("Decode chunkSize=%d: %v", size, err)
				}
				if !ok {
					break
				}
				decoded++
			}
		}
		if decoded != len(frames) {
			t.Fatalf("chunkSize=%d: decoded %d frames, want %d", size, decoded, len(frames))
		}
	}
}

func TestDecoderMessageCrcMismatchConsumesFrame(t *testing.T) {
	frames := sampleFrames(t)
	corrupt := append([]byte(nil), frames[0]...)
	// Flip a byte inside the payload region (well past the prelude+headers).
	corrupt[len(corrupt)-6] ^= 0xFF

	d := NewDecoder()
	if err := d.Feed(corrupt); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	_, ok, err := d.Decode()
	if ok {
		t.Fatalf("expected decode failure on corrupted frame")
	}
	if err != nil {
		t.Fatalf("single corruption should not stop the decoder: %v", err)
	}
	stats := d.Stats()
	if stats.FramesDecoded != 0 {
		t.Fatalf("expected 0 frames decoded, got %d", stats.FramesDecoded)
	}
	if stats.BytesSkipped != len(corrupt) {
		t.Fatalf("expected the whole frame (%d bytes) skipped, got %d", len(corrupt), stats.BytesSkipped)
	}
}

func TestDecoderStopsAfterConsecutiveErrors(t *testing.T) {
	d := NewDecoder()
	garbage := bytes.Repeat([]byte{0xFF}, 64)
	if err := d.Feed(garbage); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	_, _, err := d.Decode()
	if err != ErrStopped {
		t.Fatalf("Decode() err = %v, want ErrStopped", err)
	}
	if d.Stats().State != StateStopped {
		t.Fatalf("state = %v, want Stopped", d.Stats().State)
	}
	// Further decode calls refuse until Resume.
	if _, _, err := d.Decode(); err != ErrStopped {
		t.Fatalf("Decode() after stop = %v, want ErrStopped", err)
	}
	d.Resume()
	if d.Stats().State == StateStopped {
		t.Fatalf("Resume() did not clear Stopped state")
	}
}

func TestDecoderBufferOverflow(t *testing.T) {
	d := NewDecoderWithCap(4)
	if err := d.Feed([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Feed within cap: %v", err)
	}
	if err := d.Feed([]byte{5}); err != ErrBufferOverflow {
		t.Fatalf("Feed over cap = %v, want ErrBufferOverflow", err)
	}
}

func TestDecoderNeedsMoreData(t *testing.T) {
	frames := sampleFrames(t)
	d := NewDecoder()
	// Feed everything but the last 3 bytes of the first frame.
	partial := frames[0][:len(frames[0])-3]
	if err := d.Feed(partial); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	_, ok, err := d.Decode()
	if ok || err != nil {
		t.Fatalf("Decode() on partial frame = ok=%v err=%v, want (false, nil)", ok, err)
	}
}
