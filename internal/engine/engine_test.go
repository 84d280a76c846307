package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"versionbridge/internal/buffer"
	"versionbridge/internal/codec"
	"versionbridge/internal/version"
)

var (
	v47  = version.Version{ID: 47, Name: "1.8.x"}
	v110 = version.Version{ID: 110, Name: "1.9.4"}
	v340 = version.Version{ID: 340, Name: "1.12.2"}
)

func testRegistry(t *testing.T) *version.Registry {
	t.Helper()
	r, err := version.NewRegistry(v47, v110, v340)
	require.NoError(t, err)
	return r
}

func handshake(pv int32, next int32) []byte {
	b := codec.AppendVarInt(nil, codec.HandshakePacketID)
	b = codec.AppendVarInt(b, pv)
	b = codec.AppendString(b, "play.example.net")
	b = append(b, 0x63, 0xdd)
	return codec.AppendVarInt(b, next)
}

type fixedProvider struct {
	v   version.Version
	err error
}

func (p fixedProvider) ClosestServerProtocol(*UserConnection) (version.Version, error) {
	return p.v, p.err
}

// shiftProtocol adds delta to serverbound packet ids and subtracts it from
// clientbound ones. Packet id 0x7f is cancelled.
type shiftProtocol struct {
	name  string
	delta int32
	trace *[]string
}

func (p shiftProtocol) Name() string { return p.name }

func (p shiftProtocol) Transform(_ *UserConnection, pkt *Packet) error {
	if p.trace != nil {
		*p.trace = append(*p.trace, p.name)
	}
	if pkt.State != StatePlay {
		return nil
	}
	if pkt.ID == 0x7f {
		return ErrCancelled
	}
	if pkt.Dir == Serverbound {
		pkt.ID += p.delta
	} else {
		pkt.ID -= p.delta
	}
	return nil
}

func TestHandshakeWithoutPathDeactivates(t *testing.T) {
	pool := buffer.NewPool(64)
	s := NewUserConnection(Options{
		Versions: testRegistry(t),
		Provider: fixedProvider{v: v340},
	})
	require.True(t, s.ShouldTransform())

	raw := handshake(47, 2)
	buf := pool.Copy(raw)
	defer buf.Release()
	require.NoError(t, s.TransformInbound(buf, Cancel))

	assert.Equal(t, raw, buf.Bytes())
	assert.Equal(t, v47, s.Info().ProtocolVersion())
	assert.Equal(t, v340, s.Info().ServerVersion())
	assert.Equal(t, StateLogin, s.Info().State())
	assert.False(t, s.ShouldTransform())
}

func TestHandshakeUnknownServerKeepsPeerVersion(t *testing.T) {
	s := NewUserConnection(Options{
		Role:     RoleClientSide,
		Versions: testRegistry(t),
		Provider: fixedProvider{v: version.Unknown},
	})
	buf := buffer.NewPool(64).Copy(handshake(340, 1))
	defer buf.Release()
	require.NoError(t, s.TransformOutbound(buf, Cancel))
	assert.Equal(t, v340, s.Info().ServerVersion())
	assert.Equal(t, StateStatus, s.Info().State())
}

func TestHandshakeProviderError(t *testing.T) {
	boom := errors.New("boom")
	s := NewUserConnection(Options{Provider: fixedProvider{err: boom}})
	buf := buffer.NewPool(64).Copy(handshake(47, 2))
	defer buf.Release()
	err := s.TransformInbound(buf, Cancel)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrCancelled)
}

func TestHandshakeRejectsInvalidNextState(t *testing.T) {
	s := NewUserConnection(Options{})
	buf := buffer.NewPool(64).Copy(handshake(47, 9))
	defer buf.Release()
	require.Error(t, s.TransformInbound(buf, Cancel))
}

func TestProtocolPathRunsInDirectionOrder(t *testing.T) {
	var trace []string
	protocols := NewProtocolRegistry()
	require.NoError(t, protocols.Register(v47, v110, shiftProtocol{name: "a", delta: 1, trace: &trace}))
	require.NoError(t, protocols.Register(v110, v340, shiftProtocol{name: "b", delta: 2, trace: &trace}))

	pool := buffer.NewPool(64)
	s := NewUserConnection(Options{
		Versions:  testRegistry(t),
		Provider:  fixedProvider{v: v340},
		Protocols: protocols,
	})

	hs := pool.Copy(handshake(47, 2))
	require.NoError(t, s.TransformInbound(hs, Cancel))
	pv, _, err := codec.ReadVarInt(hs.Bytes()[1:])
	require.NoError(t, err)
	assert.EqualValues(t, 340, pv, "handshake version rewritten")
	hs.Release()
	require.True(t, s.ShouldTransform())
	assert.Equal(t, []string{"a", "b"}, trace)

	success := pool.Copy([]byte{loginSuccessPacketID, 0x01})
	require.NoError(t, s.TransformOutbound(success, Cancel))
	success.Release()
	assert.Equal(t, StatePlay, s.Info().State())

	trace = trace[:0]
	in := pool.Copy([]byte{0x10, 0xaa})
	require.NoError(t, s.TransformInbound(in, Cancel))
	assert.Equal(t, []byte{0x13, 0xaa}, in.Bytes())
	in.Release()
	assert.Equal(t, []string{"a", "b"}, trace)

	trace = trace[:0]
	out := pool.Copy([]byte{0x13, 0xbb})
	require.NoError(t, s.TransformOutbound(out, Cancel))
	assert.Equal(t, []byte{0x10, 0xbb}, out.Bytes())
	out.Release()
	assert.Equal(t, []string{"b", "a"}, trace)

	drop := pool.Copy([]byte{0x7f})
	err = s.TransformInbound(drop, Cancel)
	drop.Release()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, pool.Outstanding())
}

func TestProtocolRegistryPath(t *testing.T) {
	r := NewProtocolRegistry()
	a := shiftProtocol{name: "47->110"}
	b := shiftProtocol{name: "110->340"}
	direct := shiftProtocol{name: "47->340"}
	require.NoError(t, r.Register(v47, v110, a))
	require.NoError(t, r.Register(v110, v340, b))

	path, ok := r.Path(v47, v340)
	require.True(t, ok)
	assert.Equal(t, []Protocol{a, b}, path)

	require.NoError(t, r.Register(v47, v340, direct))
	path, ok = r.Path(v47, v340)
	require.True(t, ok)
	assert.Equal(t, []Protocol{direct}, path)

	path, ok = r.Path(v340, v340)
	assert.True(t, ok)
	assert.Empty(t, path)

	_, ok = r.Path(v340, v47)
	assert.False(t, ok)

	assert.Error(t, r.Register(v47, v110, a))
	assert.Error(t, r.Register(v47, v47, a))
}

func TestPacketRateLimitDisconnects(t *testing.T) {
	var reason string
	s := NewUserConnection(Options{MaxPPS: 2})
	s.OnDisconnect(func(r string) { reason = r })

	assert.True(t, s.CheckInbound())
	assert.True(t, s.CheckInbound())
	assert.False(t, s.CheckInbound())
	assert.True(t, s.PendingDisconnect())
	assert.NotEmpty(t, reason)
	assert.False(t, s.CheckInbound())
	assert.EqualValues(t, 3, s.Tracker().Received())

	// clientbound traffic is only counted
	assert.True(t, s.CheckOutbound())
	assert.EqualValues(t, 1, s.Tracker().Sent())
}

func TestDisconnectRefusesServerboundOnly(t *testing.T) {
	s := NewUserConnection(Options{})
	s.OnDisconnect(func(string) {})
	s.Disconnect("kicked")
	s.Disconnect("again")

	assert.True(t, s.PendingDisconnect())
	assert.False(t, s.CheckInbound())
	assert.True(t, s.CheckOutbound())
	assert.EqualValues(t, 1, s.Tracker().Sent())
}

func TestClientSideChecks(t *testing.T) {
	s := NewUserConnection(Options{Role: RoleClientSide, MaxPPS: 1})
	for i := 0; i < 5; i++ {
		assert.True(t, s.CheckInbound())
		assert.True(t, s.CheckOutbound())
	}
	s.OnDisconnect(func(string) {})
	s.Disconnect("test")
	assert.True(t, s.CheckInbound())
	assert.False(t, s.CheckOutbound())
}

func TestCancelWrapsSentinel(t *testing.T) {
	cause := errors.New("cause")
	err := Cancel(cause)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCancelled, Cancel(nil))
}
