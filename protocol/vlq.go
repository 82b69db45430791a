package protocol

import "errors"

// ErrTruncated means the data ended inside a value.
var ErrTruncated = errors.New("truncated VLQ value")

// EncodeVLQInt writes v as a Klipper VLQ: 7 bits per byte, most significant
// first, 0x80 marking a continuation. Values in [-32, 96) take one byte, so
// small negative servo positions stay short.
func EncodeVLQInt(output OutputBuffer, v int32) {
	var buf [5]byte
	output.Output(appendVLQ(buf[:0], v))
}

// EncodeVLQUint writes v; %u and %hu share the signed encoding.
func EncodeVLQUint(output OutputBuffer, v uint32) {
	EncodeVLQInt(output, int32(v))
}

func appendVLQ(dst []byte, v int32) []byte {
	for shift := 28; shift >= 7; shift -= 7 {
		// Values inside [-2^(shift-2), 3*2^(shift-2)) fit below this byte
		if v < -(1<<(shift-2)) || v >= 3<<(shift-2) {
			dst = append(dst, byte(v>>shift)&0x7F|0x80)
		}
	}
	return append(dst, byte(v)&0x7F)
}

// DecodeVLQInt consumes one value from the front of data. On error data is
// left untouched.
func DecodeVLQInt(data *[]byte) (int32, error) {
	buf := *data
	if len(buf) == 0 {
		return 0, ErrTruncated
	}
	c := buf[0]
	v := uint32(c & 0x7F)
	if c&0x60 == 0x60 {
		v |= ^uint32(0x1F)
	}
	i := 1
	for c&0x80 != 0 {
		if i >= len(buf) {
			return 0, ErrTruncated
		}
		c = buf[i]
		i++
		v = v<<7 | uint32(c&0x7F)
	}
	*data = buf[i:]
	return int32(v), nil
}

// DecodeVLQUint consumes one unsigned value from the front of data.
func DecodeVLQUint(data *[]byte) (uint32, error) {
	v, err := DecodeVLQInt(data)
	return uint32(v), err
}

// EncodeVLQBytes writes a length-prefixed byte string (%*s).
func EncodeVLQBytes(output OutputBuffer, data []byte) {
	EncodeVLQUint(output, uint32(len(data)))
	output.Output(data)
}

// DecodeVLQBytes consumes a length-prefixed byte string. The result aliases
// data.
func DecodeVLQBytes(data *[]byte) ([]byte, error) {
	rest := *data
	n, err := DecodeVLQUint(&rest)
	if err != nil {
		return nil, err
	}
	if uint32(len(rest)) < n {
		return nil, ErrTruncated
	}
	*data = rest[n:]
	return rest[:n], nil
}
