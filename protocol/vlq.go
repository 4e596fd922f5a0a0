package protocol

import "errors"

var ErrShortVLQ = errors.New("vlq: truncated value")

// AppendVLQ appends the variable length encoding of v to dst. Each byte
// carries 7 bits, most significant group first, with bit 7 marking a
// continuation. Values in [-32, 96) take one byte; bit 6 of the first byte
// set together with bit 5 marks a negative value.
func AppendVLQ(dst []byte, v int32) []byte {
	for shift := 28; shift > 0; shift -= 7 {
		lo := -(int32(1) << (shift - 2))
		hi := int32(3) << (shift - 2)
		if v < lo || v >= hi {
			dst = append(dst, byte(v>>shift)&0x7f|0x80)
		}
	}
	return append(dst, byte(v)&0x7f)
}

// EncodeVLQInt writes v to output.
func EncodeVLQInt(output OutputBuffer, v int32) {
	var buf [5]byte
	output.Output(AppendVLQ(buf[:0], v))
}

// EncodeVLQUint writes v to output using the signed encoding's bit pattern.
func EncodeVLQUint(output OutputBuffer, v uint32) {
	EncodeVLQInt(output, int32(v))
}

// EncodeVLQBytes writes a length prefix followed by b.
func EncodeVLQBytes(output OutputBuffer, b []byte) {
	EncodeVLQUint(output, uint32(len(b)))
	output.Output(b)
}

// EncodeVLQString writes a length prefix followed by s.
func EncodeVLQString(output OutputBuffer, s string) {
	EncodeVLQBytes(output, []byte(s))
}

// DecodeVLQInt reads one value from the front of *data and advances it.
func DecodeVLQInt(data *[]byte) (int32, error) {
	b := *data
	if len(b) == 0 {
		return 0, ErrShortVLQ
	}
	c := b[0]
	v := uint32(c & 0x7f)
	if c&0x60 == 0x60 {
		v |= ^uint32(0x1f)
	}
	i := 1
	for c&0x80 != 0 {
		if i == len(b) {
			return 0, ErrShortVLQ
		}
		c = b[i]
		i++
		v = v<<7 | uint32(c&0x7f)
	}
	*data = b[i:]
	return int32(v), nil
}

// DecodeVLQUint reads one unsigned value from the front of *data.
func DecodeVLQUint(data *[]byte) (uint32, error) {
	v, err := DecodeVLQInt(data)
	return uint32(v), err
}

// DecodeVLQBytes reads a length-prefixed byte string. The result aliases
// *data.
func DecodeVLQBytes(data *[]byte) ([]byte, error) {
	rest := *data
	n, err := DecodeVLQUint(&rest)
	if err != nil {
		return nil, err
	}
	if uint32(len(rest)) < n {
		return nil, ErrShortVLQ
	}
	*data = rest[n:]
	return rest[:n], nil
}

// DecodeVLQString reads a length-prefixed string.
func DecodeVLQString(data *[]byte) (string, error) {
	b, err := DecodeVLQBytes(data)
	return string(b), err
}
