package parser

import "encoding/binary"

const (
	// MinTotalLength is the smallest legal frame: 12-byte prelude+CRC plus a
	// 4-byte trailing message CRC, with zero headers and zero payload.
	MinTotalLength = 16
	// MaxTotalLength bounds a single frame at 16 MiB.
	MaxTotalLength = 16 * 1024 * 1024

	preludeLen    = 8 // total_length(4) + header_length(4)
	preludeCrcLen = 4
	messageCrcLen = 4
	// minFrameHeaderBytes is bytes 0..12 (prelude + prelude crc), the amount
	// needed before total_length/header_length can even be read.
	minFrameHeaderBytes = preludeLen + preludeCrcLen
)

// Frame is a single decoded Kiro event-stream frame.
type Frame struct {
	Headers Headers
	Payload []byte
}

// EncodeFrame serializes headers+payload into the full wire frame, computing
// both CRCs. Exported for test fixtures across packages (none of the
// production server code emits frames — Kiro is the frame producer — but
// round-trip tests, and other packages' tests simulating a Kiro response,
// need an encoder).
func EncodeFrame(f Frame) ([]byte, error) {
	headerBytes, err := encodeHeaders(f.Headers)
	if err != nil {
		return nil, err
	}
	totalLength := preludeLen + preludeCrcLen + len(headerBytes) + len(f.Payload) + messageCrcLen

	buf := make([]byte, 0, totalLength)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(totalLength))
	buf = append(buf, lenBuf[:]...)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headerBytes)))
	buf = append(buf, lenBuf[:]...)

	preludeCRC := checksum(buf[:preludeLen])
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], preludeCRC)
	buf = append(buf, crcBuf[:]...)

	buf = append(buf, headerBytes...)
	buf = append(buf, f.Payload...)

	messageCRC := checksum(buf)
	binary.BigEndian.PutUint32(crcBuf[:], messageCRC)
	buf = append(buf, crcBuf[:]...)

	return buf, nil
}

// tryDecodeFrame attempts to decode exactly one frame from the front of buf.
// It returns the frame, the number of bytes the frame occupied, and an
// error. ErrNeedMoreData means buf doesn't yet contain a full frame (the
// caller should wait for more bytes, not skip anything). Any other error is
// classified by the caller (Decoder.Decode) into prelude vs. data recovery.
func tryDecodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < minFrameHeaderBytes {
		return Frame{}, 0, ErrNeedMoreData
	}

	totalLength := int(binary.BigEndian.Uint32(buf[0:4]))
	headerLength := int(binary.BigEndian.Uint32(buf[4:8]))

	if totalLength < MinTotalLength || totalLength > MaxTotalLength {
		return Frame{}, 0, ErrTotalLengthOutOfRange
	}
	if headerLength > totalLength-minFrameHeaderBytes-messageCrcLen {
		return Frame{}, 0, ErrTotalLengthOutOfRange
	}

	expectedPreludeCRC := checksum(buf[0:preludeLen])
	actualPreludeCRC := binary.BigEndian.Uint32(buf[preludeLen : preludeLen+preludeCrcLen])
	if expectedPreludeCRC != actualPreludeCRC {
		return Frame{}, 0, ErrPreludeCrcMismatch
	}

	if len(buf) < totalLength {
		return Frame{}, 0, ErrNeedMoreData
	}

	payloadLen := totalLength - minFrameHeaderBytes - headerLength - messageCrcLen
	if payloadLen < 0 {
		return Frame{}, totalLength, ErrMalformedHeaders
	}

	messageBytes := buf[:totalLength-messageCrcLen]
	expectedMessageCRC := checksum(messageBytes)
	actualMessageCRC := binary.BigEndian.Uint32(buf[totalLength-messageCrcLen : totalLength])
	if expectedMessageCRC != actualMessageCRC {
		return Frame{}, totalLength, ErrMessageCrcMismatch
	}

	headerStart := minFrameHeaderBytes
	headerEnd := headerStart + headerLength
	headers, err := decodeHeaders(buf[headerStart:headerEnd])
	if err != nil {
		return Frame{}, totalLength, err
	}

	payload := append([]byte(nil), buf[headerEnd:headerEnd+payloadLen]...)
	return Frame{Headers: headers, Payload: payload}, totalLength, nil
}
