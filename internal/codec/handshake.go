package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Handshake packet id and next-state values.
const (
	HandshakePacketID = 0x00

	NextStatus   = 1
	NextLogin    = 2
	NextTransfer = 3

	maxHostLength = 255
)

var ErrBadHandshake = errors.New("codec: malformed handshake")

// Handshake is the first serverbound packet of every connection.
type Handshake struct {
	Protocol  int32
	Address   string
	Port      uint16
	NextState int32
}

// ParseHandshake decodes a handshake body, the packet id excluded.
func ParseHandshake(body []byte) (Handshake, error) {
	var h Handshake
	pv, n, err := ReadVarInt(body)
	if err != nil {
		return h, fmt.Errorf("%w: version: %w", ErrBadHandshake, err)
	}
	h.Protocol = pv
	body = body[n:]

	addr, n, err := ReadString(body, maxHostLength)
	if err != nil {
		return h, fmt.Errorf("%w: address: %w", ErrBadHandshake, err)
	}
	h.Address = addr
	body = body[n:]

	if len(body) < 2 {
		return h, fmt.Errorf("%w: port: %w", ErrBadHandshake, ErrShortBuffer)
	}
	h.Port = binary.BigEndian.Uint16(body)
	body = body[2:]

	next, _, err := ReadVarInt(body)
	if err != nil {
		return h, fmt.Errorf("%w: next state: %w", ErrBadHandshake, err)
	}
	h.NextState = next
	return h, nil
}

// AppendHandshake appends the handshake body, the packet id excluded.
func AppendHandshake(dst []byte, h Handshake) []byte {
	dst = AppendVarInt(dst, h.Protocol)
	dst = AppendString(dst, h.Address)
	dst = binary.BigEndian.AppendUint16(dst, h.Port)
	return AppendVarInt(dst, h.NextState)
}
