package parser

import "errors"

// Sentinel decode errors. Prelude errors (bad CRC or out-of-range length)
// and data errors (bad message CRC or malformed headers) drive different
// recovery strategies in Decoder.Decode — see frame.go and decoder.go.
var (
	ErrPreludeCrcMismatch    = errors.New("parser: prelude crc mismatch")
	ErrTotalLengthOutOfRange = errors.New("parser: total_length out of range")
	ErrMessageCrcMismatch    = errors.New("parser: message crc mismatch")
	ErrMalformedHeaders      = errors.New("parser: malformed headers")
	ErrNeedMoreData          = errors.New("parser: need more data")
	ErrBufferOverflow        = errors.New("parser: buffer overflow")
	ErrStopped               = errors.New("parser: decoder stopped after too many consecutive errors")
)

// isPreludeError reports whether err should trigger the single-byte skip
// recovery strategy (frame boundary likely misaligned) rather than the
// whole-frame skip strategy used for data errors.
func isPreludeError(err error) bool {
	return errors.Is(err, ErrPreludeCrcMismatch) || errors.Is(err, ErrTotalLengthOutOfRange)
}
