package parser

// State is the lifecycle state of a streaming Decoder.
type State int

const (
	StateReady State = iota
	StateParsing
	StateRecovering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateParsing:
		return "parsing"
	case StateRecovering:
		return "recovering"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// maxConsecutiveErrors is the threshold at which the decoder gives up and
// transitions to StateStopped until explicitly resumed.
const maxConsecutiveErrors = 5

// DefaultBufferCap is the default cap on the decoder's internal buffer.
const DefaultBufferCap = 16 * 1024 * 1024

// RecoveryEvent records one skip-and-retry the decoder performed.
type RecoveryEvent struct {
	Cause        error
	BytesSkipped int
	WholeFrame   bool
}

// Stats summarizes a Decoder's lifetime counters.
type Stats struct {
	FramesDecoded     int
	ConsecutiveErrors int
	BytesSkipped      int
	State             State
}

// Decoder is a streaming decoder for Kiro's binary frame format. It owns an
// append-only byte buffer capped at BufferCap and recovers from corrupt or
// misaligned frame boundaries by skipping bytes, per spec: prelude errors
// (bad CRC, out-of-range total_length) skip exactly one byte since the
// frame boundary was likely misaligned; data errors (bad message CRC,
// malformed headers) skip the whole declared frame when it's fully
// buffered, otherwise fall back to a single-byte skip.
type Decoder struct {
	buf       []byte
	bufferCap int

	state             State
	framesDecoded     int
	consecutiveErrors int
	bytesSkipped      int
	recoveryEvents    []RecoveryEvent
}

// NewDecoder creates a Decoder with the default 16 MiB buffer cap.
func NewDecoder() *Decoder {
	return &Decoder{bufferCap: DefaultBufferCap, state: StateReady}
}

// NewDecoderWithCap creates a Decoder with an explicit buffer cap, mainly
// for tests exercising BufferOverflow without allocating 16 MiB.
func NewDecoderWithCap(cap int) *Decoder {
	return &Decoder{bufferCap: cap, state: StateReady}
}

// Feed appends bytes to the decoder's internal buffer. It fails with
// ErrBufferOverflow if the resulting buffer would exceed the cap.
func (d *Decoder) Feed(b []byte) error {
	if len(d.buf)+len(b) > d.bufferCap {
		return ErrBufferOverflow
	}
	d.buf = append(d.buf, b...)
	return nil
}

// Stats returns a snapshot of the decoder's counters.
func (d *Decoder) Stats() Stats {
	return Stats{
		FramesDecoded:     d.framesDecoded,
		ConsecutiveErrors: d.consecutiveErrors,
		BytesSkipped:      d.bytesSkipped,
		State:             d.state,
	}
}

// RecoveryEvents returns every skip-and-retry recorded so far.
func (d *Decoder) RecoveryEvents() []RecoveryEvent {
	return d.recoveryEvents
}

// Resume clears the Stopped state after an operator has inspected and
// accepted the situation (e.g. restarted the upstream connection).
func (d *Decoder) Resume() {
	if d.state == StateStopped {
		d.state = StateReady
		d.consecutiveErrors = 0
	}
}

// Decode attempts to produce the next frame from the buffered bytes.
// It returns (frame, true, nil) on success, (Frame{}, false, nil) when more
// data is needed, and (Frame{}, false, ErrStopped) once recovery has
// exhausted its budget. Decode recovers internally from prelude/data errors
// by skipping bytes and retrying until it finds a frame, runs out of
// buffered data, or stops.
func (d *Decoder) Decode() (Frame, bool, error) {
	if d.state == StateStopped {
		return Frame{}, false, ErrStopped
	}
	d.state = StateParsing

	for {
		frame, consumed, err := tryDecodeFrame(d.buf)
		if err == nil {
			d.buf = d.buf[consumed:]
			d.framesDecoded++
			d.consecutiveErrors = 0
			d.state = StateReady
			return frame, true, nil
		}
		if err == ErrNeedMoreData {
			d.state = StateReady
			return Frame{}, false, nil
		}

		d.state = StateRecovering
		d.consecutiveErrors++
		skip := d.recover(err, consumed)
		d.bytesSkipped += skip
		d.recoveryEvents = append(d.recoveryEvents, RecoveryEvent{
			Cause:        err,
			BytesSkipped: skip,
			WholeFrame:   skip > 1,
		})

		if d.consecutiveErrors >= maxConsecutiveErrors {
			d.state = StateStopped
			return Frame{}, false, ErrStopped
		}
		if skip == 0 {
			// Nothing could be skipped (buffer too short to even act) —
			// treat as needing more data rather than spinning.
			d.state = StateReady
			return Frame{}, false, nil
		}
	}
}

// recover applies the skip strategy for a decode failure and returns how
// many bytes it removed from the front of the buffer.
func (d *Decoder) recover(err error, declaredFrameLen int) int {
	if isPreludeError(err) {
		if len(d.buf) == 0 {
			return 0
		}
		d.buf = d.buf[1:]
		return 1
	}
	// Data error: skip the whole declared frame if it's fully covered by the
	// buffer, otherwise fall back to a single byte.
	if declaredFrameLen > 0 && declaredFrameLen <= len(d.buf) {
		d.buf = d.buf[declaredFrameLen:]
		return declaredFrameLen
	}
	if len(d.buf) == 0 {
		return 0
	}
	d.buf = d.buf[1:]
	return 1
}
