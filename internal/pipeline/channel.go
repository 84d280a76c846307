package pipeline

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"versionbridge/internal/buffer"
)

const readChunkSize = 32 * 1024

var channelIDs atomic.Uint64

// ErrorHandler is invoked when a stage fails. The default handler logs the
// error and closes the channel.
type ErrorHandler func(ch *Channel, err error)

// Channel is one transport with its stage chain.
type Channel struct {
	id       uint64
	conn     net.Conn
	alloc    *buffer.Pool
	pipeline *Pipeline
	attrs    sync.Map
	log      zerolog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool

	mu      sync.Mutex
	onClose []func(*Channel)
	onError ErrorHandler
}

// NewChannel wraps conn. A nil conn yields a detached channel whose writes
// are discarded at the head, used for probing pipeline initializers.
func NewChannel(conn net.Conn, alloc *buffer.Pool) *Channel {
	if alloc == nil {
		alloc = buffer.NewPool(buffer.DefaultSize)
	}
	ch := &Channel{
		id:    channelIDs.Add(1),
		conn:  conn,
		alloc: alloc,
	}
	ch.log = log.With().Uint64("channel", ch.id).Logger()
	ch.pipeline = newPipeline(ch)
	return ch
}

// ID returns the process-unique channel id.
func (ch *Channel) ID() uint64 { return ch.id }

// Conn returns the transport, nil for detached channels.
func (ch *Channel) Conn() net.Conn { return ch.conn }

// Pipeline returns the stage chain.
func (ch *Channel) Pipeline() *Pipeline { return ch.pipeline }

// Alloc returns the buffer pool used by the stages of this channel.
func (ch *Channel) Alloc() *buffer.Pool { return ch.alloc }

// Logger returns a logger tagged with the channel id.
func (ch *Channel) Logger() *zerolog.Logger { return &ch.log }

// RemoteAddr returns the peer address or "" for detached channels.
func (ch *Channel) RemoteAddr() string {
	if ch.conn == nil || ch.conn.RemoteAddr() == nil {
		return ""
	}
	return ch.conn.RemoteAddr().String()
}

// Active reports whether the channel is still open.
func (ch *Channel) Active() bool { return !ch.closed.Load() }

// SetAttr stores a channel attribute.
func (ch *Channel) SetAttr(key, value interface{}) { ch.attrs.Store(key, value) }

// Attr loads a channel attribute.
func (ch *Channel) Attr(key interface{}) (interface{}, bool) { return ch.attrs.Load(key) }

// OnClose registers fn to run once the channel closes. If the channel is
// already closed fn runs immediately.
func (ch *Channel) OnClose(fn func(*Channel)) {
	ch.mu.Lock()
	if !ch.closed.Load() {
		ch.onClose = append(ch.onClose, fn)
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	fn(ch)
}

// SetErrorHandler replaces the stage failure handler.
func (ch *Channel) SetErrorHandler(h ErrorHandler) {
	ch.mu.Lock()
	ch.onError = h
	ch.mu.Unlock()
}

// Close closes the transport and runs the close callbacks once. Callbacks
// may close other channels, including ones whose callbacks close this one.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed.Load() {
		ch.mu.Unlock()
		return nil
	}
	ch.closed.Store(true)
	hooks := ch.onClose
	ch.onClose = nil
	ch.mu.Unlock()

	var err error
	if ch.conn != nil {
		err = ch.conn.Close()
	}
	for _, fn := range hooks {
		fn(ch)
	}
	return err
}

func (ch *Channel) exception(err error) {
	ch.mu.Lock()
	h := ch.onError
	ch.mu.Unlock()
	if h != nil {
		h(ch, err)
		return
	}
	ch.log.Warn().Err(err).Msg("pipeline failure, closing channel")
	ch.Close()
}

// FireRead passes in through the inbound stages. Ownership of in moves to
// the pipeline. A stage failure is handed to the error handler and returned.
func (ch *Channel) FireRead(in *buffer.Buffer) error {
	if !ch.Active() {
		in.Release()
		return ErrClosed
	}
	if err := ch.pipeline.fireRead(in); err != nil {
		ch.exception(err)
		return err
	}
	return nil
}

// Write passes in through the outbound stages and writes the result to the
// transport. Ownership of in moves to the pipeline. Writes are serialized.
func (ch *Channel) Write(in *buffer.Buffer) *Promise {
	p := NewPromise()

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	if !ch.Active() {
		in.Release()
		p.Fail(ErrClosed)
		return p
	}

	msgs, err := ch.pipeline.fireWrite(in, p)
	if err != nil {
		p.Fail(err)
		ch.exception(err)
		return p
	}

	for _, m := range msgs {
		if err == nil && ch.conn != nil {
			_, err = ch.conn.Write(m.Bytes())
		}
		m.Release()
	}
	if err != nil {
		p.Fail(err)
		ch.exception(err)
		return p
	}
	p.Succeed()
	return p
}

// Serve reads from the transport and fires every chunk through the
// pipeline until the transport fails, ctx is done or the channel closes.
func (ch *Channel) Serve(ctx context.Context) error {
	if ch.conn == nil {
		return ErrClosed
	}
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()
	defer ch.Close()

	chunk := make([]byte, readChunkSize)
	for {
		n, err := ch.conn.Read(chunk)
		if n > 0 {
			if ferr := ch.FireRead(ch.alloc.Copy(chunk[:n])); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || !ch.Active() {
				return nil
			}
			return err
		}
	}
}
