package parser

import (
	"encoding/binary"
	"fmt"
)

// ValueType is the wire tag for a header value.
type ValueType uint8

const (
	ValueTypeBoolTrue  ValueType = 0
	ValueTypeBoolFalse ValueType = 1
	ValueTypeInt8      ValueType = 2
	ValueTypeInt16     ValueType = 3
	ValueTypeInt32     ValueType = 4
	ValueTypeInt64     ValueType = 5
	ValueTypeBytes     ValueType = 6
	ValueTypeString    ValueType = 7
	ValueTypeTimestamp ValueType = 8
	ValueTypeUUID      ValueType = 9
)

// Value is a tagged union of the header value types Kiro's frames carry.
type Value struct {
	Type      ValueType
	Bool      bool
	Int       int64
	Bytes     []byte
	Str       string
	Timestamp int64
	UUID      [16]byte
}

// BoolValue constructs a bool header value.
func BoolValue(b bool) Value {
	t := ValueTypeBoolFalse
	if b {
		t = ValueTypeBoolTrue
	}
	return Value{Type: t, Bool: b}
}

// StringValue constructs a string header value.
func StringValue(s string) Value { return Value{Type: ValueTypeString, Str: s} }

// Headers is the decoded `:name -> value` map of one frame.
type Headers map[string]Value

// String returns the string form of a header, or "" if absent or not a string.
func (h Headers) String(name string) string {
	v, ok := h[name]
	if !ok || v.Type != ValueTypeString {
		return ""
	}
	return v.Str
}

// encodeHeaders serializes headers in the repeating
// name_len(u8) | name | type(u8) | value layout.
func encodeHeaders(h Headers) ([]byte, error) {
	var out []byte
	for name, v := range h {
		if len(name) > 255 {
			return nil, fmt.Errorf("parser: header name %q exceeds 255 bytes", name)
		}
		out = append(out, byte(len(name)))
		out = append(out, name...)
		out = append(out, byte(v.Type))
		switch v.Type {
		case ValueTypeBoolTrue, ValueTypeBoolFalse:
			// no payload
		case ValueTypeInt8:
			out = append(out, byte(int8(v.Int)))
		case ValueTypeInt16:
			var b [2]byte
			binary.BigEndian.PutUint16(b[:], uint16(int16(v.Int)))
			out = append(out, b[:]...)
		case ValueTypeInt32:
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(int32(v.Int)))
			out = append(out, b[:]...)
		case ValueTypeInt64, ValueTypeTimestamp:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(v.Int))
			if v.Type == ValueTypeTimestamp {
				binary.BigEndian.PutUint64(b[:], uint64(v.Timestamp))
			}
			out = append(out, b[:]...)
		case ValueTypeBytes:
			var lb [2]byte
			binary.BigEndian.PutUint16(lb[:], uint16(len(v.Bytes)))
			out = append(out, lb[:]...)
			out = append(out, v.Bytes...)
		case ValueTypeString:
			var lb [2]byte
			binary.BigEndian.PutUint16(lb[:], uint16(len(v.Str)))
			out = append(out, lb[:]...)
			out = append(out, v.Str...)
		case ValueTypeUUID:
			out = append(out, v.UUID[:]...)
		default:
			return nil, fmt.Errorf("parser: unknown header value type %d", v.Type)
		}
	}
	return out, nil
}

// decodeHeaders parses the header block. It returns ErrMalformedHeaders if
// the block is truncated or carries an unknown value type.
func decodeHeaders(buf []byte) (Headers, error) {
	h := make(Headers)
	i := 0
	for i < len(buf) {
		nameLen := int(buf[i])
		i++
		if i+nameLen > len(buf) {
			return nil, ErrMalformedHeaders
		}
		name := string(buf[i : i+nameLen])
		i += nameLen
		if i >= len(buf) {
			return nil, ErrMalformedHeaders
		}
		vt := ValueType(buf[i])
		i++
		v := Value{Type: vt}
		switch vt {
		case ValueTypeBoolTrue:
			v.Bool = true
		case ValueTypeBoolFalse:
			v.Bool = false
		case ValueTypeInt8:
			if i+1 > len(buf) {
				return nil, ErrMalformedHeaders
			}
			v.Int = int64(int8(buf[i]))
			i++
		case ValueTypeInt16:
			if i+2 > len(buf) {
				return nil, ErrMalformedHeaders
			}
			v.Int = int64(int16(binary.BigEndian.Uint16(buf[i : i+2])))
			i += 2
		case ValueTypeInt32:
			if i+4 > len(buf) {
				return nil, ErrMalformedHeaders
			}
			v.Int = int64(int32(binary.BigEndian.Uint32(buf[i : i+4])))
			i += 4
		case ValueTypeInt64:
			if i+8 > len(buf) {
				return nil, ErrMalformedHeaders
			}
			v.Int = int64(binary.BigEndian.Uint64(buf[i : i+8]))
			i += 8
		case ValueTypeTimestamp:
			if i+8 > len(buf) {
				return nil, ErrMalformedHeaders
			}
			v.Timestamp = int64(binary.BigEndian.Uint64(buf[i : i+8]))
			i += 8
		case ValueTypeBytes:
			if i+2 > len(buf) {
				return nil, ErrMalformedHeaders
			}
			n := int(binary.BigEndian.Uint16(buf[i : i+2]))
			i += 2
			if i+n > len(buf) {
				return nil, ErrMalformedHeaders
			}
			v.Bytes = append([]byte(nil), buf[i:i+n]...)
			i += n
		case ValueTypeString:
			if i+2 > len(buf) {
				return nil, ErrMalformedHeaders
			}
			n := int(binary.BigEndian.Uint16(buf[i : i+2]))
			i += 2
			if i+n > len(buf) {
				return nil, ErrMalformedHeaders
			}
			v.Str = string(buf[i : i+n])
			i += n
		case ValueTypeUUID:
			if i+16 > len(buf) {
				return nil, ErrMalformedHeaders
			}
			copy(v.UUID[:], buf[i:i+16])
			i += 16
		default:
			return nil, ErrMalformedHeaders
		}
		h[name] = v
	}
	return h, nil
}
