// Package proxy is the host relay: it accepts player connections, builds
// their native pipelines and bridges each one to a backend server.
//
// Pipeline setup goes through replaceable initializers so that other
// subsystems can wrap them and add stages of their own.
package proxy

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"versionbridge/internal/buffer"
	"versionbridge/internal/netutil"
	"versionbridge/internal/pipeline"
)

var (
	ErrServing    = errors.New("proxy: already serving")
	ErrNoBackends = errors.New("proxy: no backend servers")
)

const defaultConnectTimeout = 5 * time.Second

// Initializer prepares the pipeline of a newly created channel. Returning an
// error or closing the channel rejects the connection.
type Initializer interface {
	Name() string
	InitChannel(ch *pipeline.Channel) error
}

type initializerFunc struct {
	name string
	fn   func(ch *pipeline.Channel) error
}

func (f initializerFunc) Name() string                           { return f.name }
func (f initializerFunc) InitChannel(ch *pipeline.Channel) error { return f.fn(ch) }

// NewInitializer adapts fn to an Initializer.
func NewInitializer(name string, fn func(ch *pipeline.Channel) error) Initializer {
	return initializerFunc{name: name, fn: fn}
}

// Backend is one server players can be sent to.
type Backend struct {
	Name    string
	Address string
}

// DialFunc opens a connection to a backend.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configure a Server.
type Options struct {
	// SupportedVersions are the protocol ids the relay itself speaks.
	SupportedVersions []int
	// Backends returns the servers in priority order. Players go to the
	// first one that accepts the connection.
	Backends       func() []Backend
	ConnectTimeout time.Duration
	Dial           DialFunc
	Alloc          *buffer.Pool
	// TCP is applied to accepted and dialed connections.
	TCP netutil.TCPOptions
}

// Listener is one accepting socket with its child initializer.
type Listener struct {
	ln net.Listener

	mu    sync.RWMutex
	child Initializer

	accepting bool // guarded by Server.mu
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// ChildHandler returns the initializer run for accepted connections.
func (l *Listener) ChildHandler() Initializer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.child
}

// SetChildHandler replaces the initializer for connections accepted from now
// on.
func (l *Listener) SetChildHandler(i Initializer) {
	l.mu.Lock()
	l.child = i
	l.mu.Unlock()
}

// ServerConnectedHook runs once a bridged player finished logging in to a
// backend.
type ServerConnectedHook func(b *Bridge)

// Server is the relay.
type Server struct {
	opts  Options
	alloc *buffer.Pool

	mu            sync.RWMutex
	listeners     []*Listener
	backend       Initializer
	seq           uint64
	listenerHooks map[uint64]func(*Listener)
	connectHooks  map[uint64]ServerConnectedHook
	ctx           context.Context
	start         func(*Listener)
	serving       bool
}

// NewServer creates a relay. Listeners are added with Listen or AddListener.
func NewServer(opts Options) *Server {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}
	if opts.Backends == nil {
		opts.Backends = func() []Backend { return nil }
	}
	alloc := opts.Alloc
	if alloc == nil {
		alloc = buffer.NewPool(buffer.DefaultSize)
	}
	s := &Server{
		opts:          opts,
		alloc:         alloc,
		listenerHooks: make(map[uint64]func(*Listener)),
		connectHooks:  make(map[uint64]ServerConnectedHook),
		ctx:           context.Background(),
	}
	s.backend = NewInitializer("backend", s.initBackend)
	return s
}

// SupportedVersions returns the protocol ids the relay speaks, oldest
// first.
func (s *Server) SupportedVersions() []int {
	out := append([]int(nil), s.opts.SupportedVersions...)
	sort.Ints(out)
	return out
}

// Listen binds addr and adds it as a listener.
func (s *Server) Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return s.AddListener(ln), nil
}

// AddListener adds ln with the native frontend initializer. Listener hooks
// run before the first connection is accepted.
func (s *Server) AddListener(ln net.Listener) *Listener {
	l := &Listener{ln: ln, child: NewInitializer("frontend", s.initFrontend)}

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	hooks := make([]func(*Listener), 0, len(s.listenerHooks))
	for _, seq := range sortedKeys(s.listenerHooks) {
		hooks = append(hooks, s.listenerHooks[seq])
	}
	s.mu.Unlock()

	for _, h := range hooks {
		h(l)
	}
	s.mu.Lock()
	s.startLocked(l)
	s.mu.Unlock()
	log.Info().Str("addr", ln.Addr().String()).Msg("listener added")
	return l
}

// Listeners returns the current listeners.
func (s *Server) Listeners() []*Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Listener(nil), s.listeners...)
}

// OnListenerAdded registers fn for listeners added from now on. The
// returned func unregisters it.
func (s *Server) OnListenerAdded(fn func(*Listener)) (remove func()) {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.listenerHooks[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listenerHooks, id)
		s.mu.Unlock()
	}
}

// BackendHandler returns the initializer run for backend connections.
func (s *Server) BackendHandler() Initializer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

// SetBackendHandler replaces the backend initializer.
func (s *Server) SetBackendHandler(i Initializer) {
	s.mu.Lock()
	s.backend = i
	s.mu.Unlock()
}

// OnServerConnected registers h. The returned func unregisters it.
func (s *Server) OnServerConnected(h ServerConnectedHook) (remove func()) {
	s.mu.Lock()
	s.seq++
	id := s.seq
	s.connectHooks[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.connectHooks, id)
		s.mu.Unlock()
	}
}

func (s *Server) fireServerConnected(b *Bridge) {
	s.mu.RLock()
	hooks := make([]ServerConnectedHook, 0, len(s.connectHooks))
	for _, seq := range sortedKeys(s.connectHooks) {
		hooks = append(hooks, s.connectHooks[seq])
	}
	s.mu.RUnlock()
	for _, h := range hooks {
		h(b)
	}
}

func (s *Server) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// Serve accepts on every listener until ctx is done or a listener fails.
// Listeners added while serving start accepting immediately. All listeners
// and bridged connections are closed on return.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	start := func(l *Listener) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.accept(ctx, l); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}()
	}

	s.mu.Lock()
	if s.serving {
		s.mu.Unlock()
		return ErrServing
	}
	s.serving = true
	s.ctx = ctx
	s.start = start
	for _, l := range s.listeners {
		s.startLocked(l)
	}
	s.mu.Unlock()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()

	s.mu.Lock()
	s.start = nil
	ls := append([]*Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range ls {
		l.ln.Close()
	}
	wg.Wait()
	return err
}

func (s *Server) startLocked(l *Listener) {
	if s.start == nil || l.accepting {
		return
	}
	l.accepting = true
	s.start(l)
}

func (s *Server) accept(ctx context.Context, l *Listener) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Warn().Err(err).Str("addr", l.Addr().String()).Msg("accept error")
				continue
			}
			return err
		}
		go s.handleConn(ctx, l, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, l *Listener, conn net.Conn) {
	netutil.ApplyTCPOptions(conn, s.opts.TCP)
	ch := pipeline.NewChannel(conn, s.alloc)
	init := l.ChildHandler()
	if err := init.InitChannel(ch); err != nil {
		ch.Logger().Debug().Err(err).Str("initializer", init.Name()).Str("remote", ch.RemoteAddr()).Msg("connection rejected")
		ch.Close()
		return
	}
	if !ch.Active() {
		return
	}
	ch.Logger().Debug().Str("remote", ch.RemoteAddr()).Msg("player connected")
	if err := ch.Serve(ctx); err != nil {
		ch.Logger().Debug().Err(err).Msg("player connection closed")
	}
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
