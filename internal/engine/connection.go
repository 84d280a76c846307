package engine

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"versionbridge/internal/buffer"
	"versionbridge/internal/codec"
	"versionbridge/internal/pipeline"
	"versionbridge/internal/version"
)

// VersionProvider picks the version a session is treated as talking to.
type VersionProvider interface {
	ClosestServerProtocol(s *UserConnection) (version.Version, error)
}

// Options configures a UserConnection.
type Options struct {
	Role        Role
	Channel     *pipeline.Channel
	Destination string
	Versions    *version.Registry
	Provider    VersionProvider
	Protocols   *ProtocolRegistry
	MaxPPS      int
}

// UserConnection is the default Session. It tracks the connection state,
// negotiates versions on the handshake and runs the protocol path.
type UserConnection struct {
	role        Role
	channel     *pipeline.Channel
	destination string
	versions    *version.Registry
	provider    VersionProvider
	protocols   *ProtocolRegistry

	info    *ProtocolInfo
	tracker *PacketTracker
	log     zerolog.Logger

	active            atomic.Bool
	pendingDisconnect atomic.Bool
	onDisconnect      atomic.Pointer[func(reason string)]
}

var _ Session = (*UserConnection)(nil)

// NewUserConnection creates an active session.
func NewUserConnection(opts Options) *UserConnection {
	if opts.Protocols == nil {
		opts.Protocols = NewProtocolRegistry()
	}
	s := &UserConnection{
		role:        opts.Role,
		channel:     opts.Channel,
		destination: opts.Destination,
		versions:    opts.Versions,
		provider:    opts.Provider,
		protocols:   opts.Protocols,
		info:        newProtocolInfo(),
		tracker:     NewPacketTracker(opts.MaxPPS),
	}
	lg := log.Logger
	if opts.Channel != nil {
		lg = *opts.Channel.Logger()
	}
	s.log = lg.With().Str("component", "engine").Stringer("role", opts.Role).Logger()
	s.active.Store(true)
	return s
}

// Role returns which side of the leg the relay plays.
func (s *UserConnection) Role() Role { return s.role }

// ClientSide reports whether the relay is the client on this leg.
func (s *UserConnection) ClientSide() bool { return s.role == RoleClientSide }

// Channel returns the transport, or nil for a detached session.
func (s *UserConnection) Channel() *pipeline.Channel { return s.channel }

// Destination returns the backend name of a client-side session.
func (s *UserConnection) Destination() string { return s.destination }

// Info returns the negotiated version state.
func (s *UserConnection) Info() *ProtocolInfo { return s.info }

// Tracker returns the packet counters.
func (s *UserConnection) Tracker() *PacketTracker { return s.tracker }

// Active reports whether frames still need transforming.
func (s *UserConnection) Active() bool { return s.active.Load() }

// SetActive toggles transformation.
func (s *UserConnection) SetActive(v bool) { s.active.Store(v) }

// PendingDisconnect reports whether Disconnect was called.
func (s *UserConnection) PendingDisconnect() bool { return s.pendingDisconnect.Load() }

// OnDisconnect sets the function Disconnect uses to end the connection.
// Without one the channel is closed.
func (s *UserConnection) OnDisconnect(fn func(reason string)) {
	s.onDisconnect.Store(&fn)
}

// Disconnect marks the session for disconnection. Later serverbound frames
// are refused; clientbound frames still pass so a kick can reach the player.
func (s *UserConnection) Disconnect(reason string) {
	if !s.pendingDisconnect.CompareAndSwap(false, true) {
		return
	}
	s.log.Info().Str("reason", reason).Msg("disconnecting")
	if fn := s.onDisconnect.Load(); fn != nil {
		(*fn)(reason)
		return
	}
	if s.channel != nil {
		_ = s.channel.Close()
	}
}

func (s *UserConnection) inboundDirection() Direction {
	if s.ClientSide() {
		return Clientbound
	}
	return Serverbound
}

func (s *UserConnection) outboundDirection() Direction {
	if s.ClientSide() {
		return Serverbound
	}
	return Clientbound
}

func (s *UserConnection) check(dir Direction) bool {
	if dir == Clientbound {
		s.tracker.IncrementSent()
		return true
	}
	if s.pendingDisconnect.Load() {
		return false
	}
	if s.ClientSide() {
		return true
	}
	if !s.tracker.IncrementReceived() {
		s.Disconnect("exceeded packet rate limit")
		return false
	}
	return true
}

// CheckInbound reports whether a frame read from the peer may proceed.
func (s *UserConnection) CheckInbound() bool { return s.check(s.inboundDirection()) }

// CheckOutbound reports whether a frame written to the peer may proceed.
func (s *UserConnection) CheckOutbound() bool { return s.check(s.outboundDirection()) }

// ShouldTransform reports whether frames need to pass through the engine.
func (s *UserConnection) ShouldTransform() bool { return s.active.Load() }

// TransformInbound rewrites a frame read from the peer.
func (s *UserConnection) TransformInbound(buf *buffer.Buffer, cancel CancelFunc) error {
	return s.transform(buf, s.inboundDirection(), cancel)
}

// TransformOutbound rewrites a frame written to the peer.
func (s *UserConnection) TransformOutbound(buf *buffer.Buffer, cancel CancelFunc) error {
	return s.transform(buf, s.outboundDirection(), cancel)
}

func (s *UserConnection) transform(buf *buffer.Buffer, dir Direction, cancel CancelFunc) error {
	if cancel == nil {
		cancel = Cancel
	}
	data := buf.Bytes()
	id, n, err := codec.ReadVarInt(data)
	if err != nil {
		return fmt.Errorf("engine: read packet id: %w", err)
	}
	pkt := &Packet{ID: id, Data: data[n:], State: s.info.State(), Dir: dir}
	if err := s.base(pkt); err != nil {
		return s.fail("base", err, cancel)
	}

	path := s.info.Path()
	if dir == Serverbound {
		for _, p := range path {
			if err := p.Transform(s, pkt); err != nil {
				return s.fail(p.Name(), err, cancel)
			}
		}
	} else {
		for i := len(path) - 1; i >= 0; i-- {
			if err := path[i].Transform(s, pkt); err != nil {
				return s.fail(path[i].Name(), err, cancel)
			}
		}
	}

	out := make([]byte, 0, codec.VarIntSize(pkt.ID)+len(pkt.Data))
	out = codec.AppendVarInt(out, pkt.ID)
	out = append(out, pkt.Data...)
	buf.Set(out)
	return nil
}

func (s *UserConnection) fail(step string, err error, cancel CancelFunc) error {
	if errors.Is(err, ErrCancelled) {
		return cancel(err)
	}
	return fmt.Errorf("engine: %s: %w", step, err)
}

type sessionKey struct{}

// Attach stores s on ch.
func Attach(ch *pipeline.Channel, s *UserConnection) {
	ch.SetAttr(sessionKey{}, s)
}

// FromChannel returns the session attached to ch.
func FromChannel(ch *pipeline.Channel) (*UserConnection, bool) {
	v, ok := ch.Attr(sessionKey{})
	if !ok {
		return nil, false
	}
	s, ok := v.(*UserConnection)
	return s, ok
}
