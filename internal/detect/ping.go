package detect

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"versionbridge/internal/codec"
)

const (
	maxStatusLength = 32767 * 4
	// protocol version sent by pings that do not know the server version
	pingProtocol = -1
)

// DialFunc opens a connection to a backend.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Status is the version part of a server list ping response.
type Status struct {
	Name     string `json:"name"`
	Protocol int    `json:"protocol"`
}

// Ping performs a server list ping against addr and returns the version the
// server reports.
func Ping(ctx context.Context, dial DialFunc, addr string) (Status, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Status{}, errors.Wrapf(err, "address %s", addr)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Status{}, errors.Wrapf(err, "port %s", portStr)
	}

	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return Status{}, errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	hs := codec.AppendVarInt(nil, codec.HandshakePacketID)
	hs = codec.AppendHandshake(hs, codec.Handshake{
		Protocol:  pingProtocol,
		Address:   host,
		Port:      uint16(port),
		NextState: codec.NextStatus,
	})

	var out []byte
	out = appendFrame(out, hs)
	out = appendFrame(out, []byte{0x00})
	if _, err := conn.Write(out); err != nil {
		return Status{}, errors.Wrapf(err, "write status request to %s", addr)
	}

	br := bufio.NewReader(conn)
	length, err := codec.ReadVarIntFrom(br)
	if err != nil {
		return Status{}, errors.Wrapf(err, "read status length from %s", addr)
	}
	if length <= 0 || length > codec.MaxFrameSize {
		return Status{}, errors.Errorf("status frame from %s: bad length %d", addr, length)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(br, frame); err != nil {
		return Status{}, errors.Wrapf(err, "read status from %s", addr)
	}

	id, n, err := codec.ReadVarInt(frame)
	if err != nil {
		return Status{}, errors.Wrapf(err, "status packet id from %s", addr)
	}
	if id != 0x00 {
		return Status{}, errors.Errorf("status from %s: unexpected packet 0x%02x", addr, id)
	}
	body, _, err := codec.ReadString(frame[n:], maxStatusLength)
	if err != nil {
		return Status{}, errors.Wrapf(err, "status body from %s", addr)
	}

	var resp struct {
		Version Status `json:"version"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return Status{}, errors.Wrapf(err, "decode status from %s", addr)
	}
	return resp.Version, nil
}

func appendFrame(dst, packet []byte) []byte {
	dst = codec.AppendVarInt(dst, int32(len(packet)))
	return append(dst, packet...)
}

// DefaultDial dials with a plain net.Dialer.
func DefaultDial(timeout time.Duration) DialFunc {
	d := &net.Dialer{Timeout: timeout}
	return d.DialContext
}
