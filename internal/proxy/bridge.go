package proxy

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"versionbridge/internal/codec"
	"versionbridge/internal/logging"
	"versionbridge/internal/metrics"
	"versionbridge/internal/netutil"
	"versionbridge/internal/pipeline"
)

type attrKey int

const (
	serverNameKey attrKey = iota
	bridgeKey
)

// Bridge joins a player channel to its backend channel.
type Bridge struct {
	Frontend  *pipeline.Channel
	Backend   *pipeline.Channel
	Server    Backend
	Handshake codec.Handshake

	loggingIn atomic.Bool
}

// LoggingIn reports whether the backend has not sent Login Success yet.
func (b *Bridge) LoggingIn() bool { return b.loggingIn.Load() }

// Close closes both sides.
func (b *Bridge) Close() {
	b.Frontend.Close()
	b.Backend.Close()
}

func (b *Bridge) setCompression(threshold int) error {
	if err := codec.SetCompression(b.Frontend.Pipeline(), threshold); err != nil {
		return errors.Wrap(err, "player compression")
	}
	if err := codec.SetCompression(b.Backend.Pipeline(), threshold); err != nil {
		return errors.Wrap(err, "backend compression")
	}
	b.Backend.Logger().Debug().Int("threshold", threshold).Str("server", b.Server.Name).Msg("compression enabled")
	return nil
}

// BridgeOf returns the bridge a channel belongs to.
func BridgeOf(ch *pipeline.Channel) (*Bridge, bool) {
	v, ok := ch.Attr(bridgeKey)
	if !ok {
		return nil, false
	}
	b, ok := v.(*Bridge)
	return b, ok
}

// SetServerName tags a backend channel with the name of its server.
func SetServerName(ch *pipeline.Channel, name string) { ch.SetAttr(serverNameKey, name) }

// ServerName returns the backend name of a backend channel.
func ServerName(ch *pipeline.Channel) (string, bool) {
	v, ok := ch.Attr(serverNameKey)
	if !ok {
		return "", false
	}
	name, ok := v.(string)
	return name, ok
}

// connect tries the backends in priority order and bridges front to the
// first one that accepts.
func (s *Server) connect(front *pipeline.Channel, hs codec.Handshake) (*Bridge, error) {
	backends := s.opts.Backends()
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	var lastErr error
	for _, target := range backends {
		b, err := s.dialBackend(front, target, hs)
		if err == nil {
			return b, nil
		}
		logging.DebugWarn(front.Logger(), err).Str("server", target.Name).Msg("backend unavailable")
		lastErr = err
	}
	return nil, lastErr
}

func (s *Server) dialBackend(front *pipeline.Channel, target Backend, hs codec.Handshake) (*Bridge, error) {
	ctx := s.context()
	dctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	conn, err := s.opts.Dial(dctx, "tcp", target.Address)
	cancel()
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s (%s)", target.Name, target.Address)
	}

	netutil.ApplyTCPOptions(conn, s.opts.TCP)
	back := pipeline.NewChannel(conn, s.alloc)
	b := &Bridge{Frontend: front, Backend: back, Server: target, Handshake: hs}
	b.loggingIn.Store(hs.NextState == codec.NextLogin || hs.NextState == codec.NextTransfer)
	SetServerName(back, target.Name)
	back.SetAttr(bridgeKey, b)

	init := s.BackendHandler()
	if err := init.InitChannel(back); err != nil {
		back.Close()
		return nil, errors.Wrapf(err, "init %s connection", target.Name)
	}
	if !back.Active() {
		return nil, errors.Errorf("%s connection rejected by %s", target.Name, init.Name())
	}

	front.SetAttr(bridgeKey, b)
	metrics.IncBridges()
	back.OnClose(func(*pipeline.Channel) {
		metrics.DecBridges()
		front.Close()
	})
	front.OnClose(func(*pipeline.Channel) { back.Close() })

	go func() {
		err := back.Serve(ctx)
		logging.DebugWarn(back.Logger(), err).Str("server", target.Name).Msg("backend connection closed")
	}()
	front.Logger().Info().Str("server", target.Name).Str("remote", front.RemoteAddr()).Msg("player bridged")
	return b, nil
}
