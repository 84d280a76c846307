package codec

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrVarIntTooLong = errors.New("codec: varint too long")
	ErrShortBuffer   = errors.New("codec: short buffer")
	ErrStringTooLong = errors.New("codec: string too long")
)

const maxVarIntLen = 5

// ReadVarInt decodes a protocol varint from the front of b and returns the
// value and the number of bytes consumed.
func ReadVarInt(b []byte) (int32, int, error) {
	var v uint32
	for i := 0; i < maxVarIntLen; i++ {
		if i >= len(b) {
			return 0, 0, ErrShortBuffer
		}
		c := b[i]
		v |= uint32(c&0x7f) << (7 * i)
		if c&0x80 == 0 {
			return int32(v), i + 1, nil
		}
	}
	return 0, 0, ErrVarIntTooLong
}

// ReadVarIntFrom decodes a varint from a byte stream.
func ReadVarIntFrom(r io.ByteReader) (int32, error) {
	var v uint32
	for i := 0; i < maxVarIntLen; i++ {
		c, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint32(c&0x7f) << (7 * i)
		if c&0x80 == 0 {
			return int32(v), nil
		}
	}
	return 0, ErrVarIntTooLong
}

// AppendVarInt appends v in varint encoding.
func AppendVarInt(dst []byte, v int32) []byte {
	u := uint32(v)
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}

// VarIntSize returns the encoded length of v.
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}

// ReadString decodes a varint-prefixed UTF-8 string of at most maxLen bytes.
func ReadString(b []byte, maxLen int) (string, int, error) {
	l, n, err := ReadVarInt(b)
	if err != nil {
		return "", 0, err
	}
	if l < 0 || int(l) > maxLen {
		return "", 0, fmt.Errorf("%w: %d", ErrStringTooLong, l)
	}
	end := n + int(l)
	if end > len(b) {
		return "", 0, ErrShortBuffer
	}
	return string(b[n:end]), end, nil
}

// AppendString appends s with a varint length prefix.
func AppendString(dst []byte, s string) []byte {
	dst = AppendVarInt(dst, int32(len(s)))
	return append(dst, s...)
}
