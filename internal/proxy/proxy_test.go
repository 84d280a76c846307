package proxy

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"versionbridge/internal/codec"
	"versionbridge/internal/pipeline"
)

const ioTimeout = 5 * time.Second

func packet(id int32, body ...[]byte) []byte {
	p := codec.AppendVarInt(nil, id)
	for _, b := range body {
		p = append(p, b...)
	}
	return p
}

func str(s string) []byte { return codec.AppendString(nil, s) }

// uncompressed wraps pkt as a below-threshold compressed payload.
func uncompressed(pkt []byte) []byte { return append(codec.AppendVarInt(nil, 0), pkt...) }

func handshake(next int32) []byte {
	return packet(codec.HandshakePacketID, codec.AppendHandshake(nil, codec.Handshake{
		Protocol:  340,
		Address:   "play.example.net",
		Port:      25565,
		NextState: next,
	}))
}

func writeFrame(t *testing.T, w io.Writer, payload []byte) {
	t.Helper()
	_, err := w.Write(append(codec.AppendVarInt(nil, int32(len(payload))), payload...))
	require.NoError(t, err)
}

func readFrame(t *testing.T, r *bufio.Reader) []byte {
	t.Helper()
	n, err := codec.ReadVarIntFrom(r)
	require.NoError(t, err)
	b := make([]byte, n)
	_, err = io.ReadFull(r, b)
	require.NoError(t, err)
	return b
}

type peer struct {
	conn net.Conn
	r    *bufio.Reader
}

func newPeer(c net.Conn) *peer {
	c.SetDeadline(time.Now().Add(ioTimeout))
	return &peer{conn: c, r: bufio.NewReader(c)}
}

// fakeBackend accepts connections and hands them to the test.
type fakeBackend struct {
	ln    net.Listener
	conns chan net.Conn
}

func startBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fb := &fakeBackend{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			fb.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return fb
}

func (fb *fakeBackend) accept(t *testing.T) *peer {
	t.Helper()
	select {
	case c := <-fb.conns:
		t.Cleanup(func() { c.Close() })
		return newPeer(c)
	case <-time.After(ioTimeout):
		t.Fatal("backend was never dialed")
		return nil
	}
}

func startServer(t *testing.T, backends ...Backend) (*Server, string) {
	t.Helper()
	s := NewServer(Options{
		SupportedVersions: []int{340, 47},
		Backends:          func() []Backend { return backends },
		ConnectTimeout:    time.Second,
	})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.AddListener(ln)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(ioTimeout):
			t.Error("serve did not return")
		}
	})
	return s, ln.Addr().String()
}

func dial(t *testing.T, addr string) *peer {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return newPeer(c)
}

func TestLoginIsRelayedWithMirroredCompression(t *testing.T) {
	fb := startBackend(t)
	s, addr := startServer(t, Backend{Name: "lobby", Address: fb.ln.Addr().String()})

	connected := make(chan *Bridge, 1)
	s.OnServerConnected(func(b *Bridge) { connected <- b })

	client := dial(t, addr)
	writeFrame(t, client.conn, handshake(codec.NextLogin))
	writeFrame(t, client.conn, packet(0x00, str("Steve")))

	backend := fb.accept(t)
	assert.Equal(t, handshake(codec.NextLogin), readFrame(t, backend.r))
	assert.Equal(t, packet(0x00, str("Steve")), readFrame(t, backend.r))

	setCompression := packet(setCompressionPacketID, codec.AppendVarInt(nil, 256))
	loginSuccess := packet(loginSuccessPacketID, str("0000-uuid"), str("Steve"))
	writeFrame(t, backend.conn, setCompression)
	writeFrame(t, backend.conn, uncompressed(loginSuccess))

	assert.Equal(t, setCompression, readFrame(t, client.r))
	assert.Equal(t, uncompressed(loginSuccess), readFrame(t, client.r))

	var bridge *Bridge
	select {
	case bridge = <-connected:
	case <-time.After(ioTimeout):
		t.Fatal("server connected hook did not fire")
	}
	assert.Equal(t, "lobby", bridge.Server.Name)
	assert.False(t, bridge.LoggingIn())
	assert.EqualValues(t, 340, bridge.Handshake.Protocol)
	for _, p := range []*pipeline.Pipeline{bridge.Frontend.Pipeline(), bridge.Backend.Pipeline()} {
		assert.GreaterOrEqual(t, p.Index(codec.DecompressName), 0)
		assert.GreaterOrEqual(t, p.Index(codec.CompressName), 0)
	}
	name, ok := ServerName(bridge.Backend)
	assert.True(t, ok)
	assert.Equal(t, "lobby", name)

	chat := packet(0x03, str("hello"))
	writeFrame(t, client.conn, uncompressed(chat))
	assert.Equal(t, uncompressed(chat), readFrame(t, backend.r))

	// Closing the player side closes the backend side.
	client.conn.Close()
	_, err := backend.r.ReadByte()
	assert.Error(t, err)
}

func TestStatusPingIsRelayed(t *testing.T) {
	fb := startBackend(t)
	_, addr := startServer(t, Backend{Name: "lobby", Address: fb.ln.Addr().String()})

	client := dial(t, addr)
	writeFrame(t, client.conn, handshake(codec.NextStatus))
	writeFrame(t, client.conn, packet(0x00))

	backend := fb.accept(t)
	assert.Equal(t, handshake(codec.NextStatus), readFrame(t, backend.r))
	assert.Equal(t, packet(0x00), readFrame(t, backend.r))

	// 0x03 is not Set Compression outside of login.
	resp := packet(0x03, str(`{"version":{"name":"1.12.2","protocol":340}}`))
	writeFrame(t, backend.conn, resp)
	assert.Equal(t, resp, readFrame(t, client.r))
}

func TestBackendsAreTriedInOrder(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := dead.Addr().String()
	dead.Close()

	fb := startBackend(t)
	_, addr := startServer(t,
		Backend{Name: "gone", Address: deadAddr},
		Backend{Name: "fallback", Address: fb.ln.Addr().String()},
	)

	client := dial(t, addr)
	writeFrame(t, client.conn, handshake(codec.NextLogin))
	backend := fb.accept(t)
	assert.Equal(t, handshake(codec.NextLogin), readFrame(t, backend.r))
}

func TestPlayerIsDroppedWithoutBackend(t *testing.T) {
	_, addr := startServer(t)

	client := dial(t, addr)
	writeFrame(t, client.conn, handshake(codec.NextLogin))
	_, err := client.r.ReadByte()
	assert.Error(t, err)
}

func TestFirstPacketMustBeHandshake(t *testing.T) {
	fb := startBackend(t)
	_, addr := startServer(t, Backend{Name: "lobby", Address: fb.ln.Addr().String()})

	client := dial(t, addr)
	writeFrame(t, client.conn, packet(0x05, str("nope")))
	_, err := client.r.ReadByte()
	assert.Error(t, err)
	assert.Empty(t, fb.conns)
}

func TestEncryptionRequestClosesBridge(t *testing.T) {
	fb := startBackend(t)
	_, addr := startServer(t, Backend{Name: "lobby", Address: fb.ln.Addr().String()})

	client := dial(t, addr)
	writeFrame(t, client.conn, handshake(codec.NextLogin))
	backend := fb.accept(t)
	readFrame(t, backend.r)

	writeFrame(t, backend.conn, packet(encryptionRequestPacketID, str(""), []byte{0x00}))
	_, err := client.r.ReadByte()
	assert.Error(t, err)
}

func TestHandlersCanBeWrapped(t *testing.T) {
	fb := startBackend(t)
	s := NewServer(Options{
		Backends: func() []Backend { return []Backend{{Name: "lobby", Address: fb.ln.Addr().String()}} },
	})

	var listenerHooks atomic.Int32
	remove := s.OnListenerAdded(func(l *Listener) {
		listenerHooks.Add(1)
		native := l.ChildHandler()
		l.SetChildHandler(NewInitializer("wrapped-"+native.Name(), func(ch *pipeline.Channel) error {
			ch.SetAttr("wrapped", true)
			return native.InitChannel(ch)
		}))
	})

	var backendInits atomic.Int32
	native := s.BackendHandler()
	s.SetBackendHandler(NewInitializer("wrapped-backend", func(ch *pipeline.Channel) error {
		backendInits.Add(1)
		return native.InitChannel(ch)
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l := s.AddListener(ln)
	assert.Equal(t, "wrapped-frontend", l.ChildHandler().Name())
	assert.EqualValues(t, 1, listenerHooks.Load())

	remove()
	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	l2 := s.AddListener(ln2)
	assert.Equal(t, "frontend", l2.ChildHandler().Name())
	assert.Len(t, s.Listeners(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	client := dial(t, ln.Addr().String())
	writeFrame(t, client.conn, handshake(codec.NextLogin))
	backend := fb.accept(t)
	readFrame(t, backend.r)
	assert.EqualValues(t, 1, backendInits.Load())
}

func TestRejectingInitializerDropsConnection(t *testing.T) {
	s, addr := startServer(t)
	for _, l := range s.Listeners() {
		l.SetChildHandler(NewInitializer("reject", func(ch *pipeline.Channel) error {
			return ch.Close()
		}))
	}
	client := dial(t, addr)
	_, err := client.r.ReadByte()
	assert.Error(t, err)
}

func TestServeTwice(t *testing.T) {
	s, _ := startServer(t)
	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.serving
	}, ioTimeout, 10*time.Millisecond)
	assert.ErrorIs(t, s.Serve(context.Background()), ErrServing)
}

func TestSupportedVersionsSorted(t *testing.T) {
	s := NewServer(Options{SupportedVersions: []int{340, 47, 107}})
	assert.Equal(t, []int{47, 107, 340}, s.SupportedVersions())
}
