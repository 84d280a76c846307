package engine

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// PacketTracker counts packets and enforces a packets-per-second ceiling
// on received packets. A non-positive limit disables enforcement.
type PacketTracker struct {
	limiter  *rate.Limiter
	received atomic.Uint64
	sent     atomic.Uint64
}

// NewPacketTracker creates a tracker allowing maxPPS packets per second with
// a burst of one second's worth.
func NewPacketTracker(maxPPS int) *PacketTracker {
	t := &PacketTracker{}
	if maxPPS > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(maxPPS), maxPPS)
	}
	return t
}

// IncrementReceived counts a received packet and reports whether it stays
// within the limit.
func (t *PacketTracker) IncrementReceived() bool {
	t.received.Add(1)
	return t.limiter == nil || t.limiter.Allow()
}

// IncrementSent counts a sent packet.
func (t *PacketTracker) IncrementSent() {
	t.sent.Add(1)
}

// Received returns the number of packets received.
func (t *PacketTracker) Received() uint64 { return t.received.Load() }

// Sent returns the number of packets sent.
func (t *PacketTracker) Sent() uint64 { return t.sent.Load() }
