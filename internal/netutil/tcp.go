// Package netutil applies per-connection socket options.
package netutil

import (
	"net"
	"time"
)

// TCPOptions are the socket options applied to relay connections. Zero
// values leave the system defaults in place.
type TCPOptions struct {
	NoDelay         bool          `yaml:"no_delay"`
	KeepAlive       bool          `yaml:"keep_alive"`
	KeepAlivePeriod time.Duration `yaml:"keep_alive_period"`
	ReadBuffer      int           `yaml:"read_buffer"`
	WriteBuffer     int           `yaml:"write_buffer"`
}

// ApplyTCPOptions sets opts on conn. Non-TCP connections are left alone and
// failures are ignored: the options are tuning, not requirements.
func ApplyTCPOptions(conn net.Conn, opts TCPOptions) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(opts.NoDelay)
	if opts.ReadBuffer > 0 {
		_ = tc.SetReadBuffer(opts.ReadBuffer)
	}
	if opts.WriteBuffer > 0 {
		_ = tc.SetWriteBuffer(opts.WriteBuffer)
	}
	if opts.KeepAlive {
		_ = tc.SetKeepAlive(true)
		if opts.KeepAlivePeriod > 0 {
			_ = tc.SetKeepAlivePeriod(opts.KeepAlivePeriod)
		}
	}
}
