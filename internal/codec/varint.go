package codec

import "errors"

// ErrCorrupt is returned when a byte stream cannot be parsed as valid codec
// framing: truncated varints, unknown packet types, or a codec size
// underflow. Per the error handling design, this is fatal to the reader
// session that hit it — the caller decides the restart policy.
var ErrCorrupt = errors.New("codec: corrupt stream")

// PutVarint appends v to dst using unsigned LEB128 (7 data bits per byte,
// high bit set on every byte but the last). This is the "varint2" encoding
// referenced throughout the binary-delta wire format.
func PutVarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// Varint returns the LEB128 encoding of v as a new slice.
func Varint(v uint64) []byte {
	return PutVarint(make([]byte, 0, 10), v)
}

// GetVarint decodes one LEB128 varint from the front of data, returning the
// value and the number of bytes consumed. It returns ErrCorrupt if data ends
// before a terminating byte is found.
func GetVarint(data []byte) (v uint64, n int, err error) {
	var shift uint
	for i, b := range data {
		if shift >= 64 {
			return 0, 0, ErrCorrupt
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrCorrupt
}
