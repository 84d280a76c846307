// Package platform owns what the relay registers with its host: connection
// hooks, cleanup callbacks and background tasks. Unload removes all of it.
package platform

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"versionbridge/internal/engine"
	"versionbridge/internal/logging"
	"versionbridge/internal/metrics"
	"versionbridge/internal/proxy"
	"versionbridge/internal/version"
)

var ErrUnloaded = errors.New("platform: loader unloaded")

// Host is where connection hooks are registered.
type Host interface {
	OnServerConnected(h proxy.ServerConnectedHook) (remove func())
}

// Task is a background job. It must return once ctx is done.
type Task func(ctx context.Context) error

type task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Loader is safe for concurrent use.
type Loader struct {
	host   Host
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
	wg     sync.WaitGroup

	mu       sync.Mutex
	cleanups []func()
	tasks    map[uint64]*task
	seq      uint64
	unloaded bool
}

// NewLoader creates a loader whose tasks stop when parent is done or on
// Unload.
func NewLoader(parent context.Context, host Host) *Loader {
	ctx, cancel := context.WithCancel(parent)
	return &Loader{
		host:   host,
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("component", "platform").Logger(),
		tasks:  make(map[uint64]*task),
	}
}

// Load registers the built-in hooks.
func (l *Loader) Load() error {
	return l.OnServerConnected(l.announceVersion)
}

// OnServerConnected registers h with the host until Unload.
func (l *Loader) OnServerConnected(h proxy.ServerConnectedHook) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unloaded {
		return ErrUnloaded
	}
	l.cleanups = append(l.cleanups, l.host.OnServerConnected(h))
	return nil
}

// Defer runs fn on Unload. Callbacks run in reverse registration order.
func (l *Loader) Defer(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unloaded {
		return ErrUnloaded
	}
	l.cleanups = append(l.cleanups, fn)
	return nil
}

// Go starts fn in the background. The returned stop func cancels it and
// waits for it to return; it must not be called from fn itself.
func (l *Loader) Go(name string, fn Task) (stop func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unloaded {
		return nil, ErrUnloaded
	}

	ctx, cancel := context.WithCancel(l.ctx)
	l.seq++
	id := l.seq
	t := &task{name: name, cancel: cancel, done: make(chan struct{})}
	l.tasks[id] = t

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(t.done)
		err := fn(ctx)
		l.mu.Lock()
		delete(l.tasks, id)
		l.mu.Unlock()
		logging.DebugWarn(&l.log, err).Str("task", name).Msg("task stopped")
	}()
	l.log.Debug().Str("task", name).Msg("task started")

	return func() {
		cancel()
		<-t.done
	}, nil
}

// Tasks returns the names of the running tasks.
func (l *Loader) Tasks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.tasks))
	for _, t := range l.tasks {
		names = append(names, t.name)
	}
	sort.Strings(names)
	return names
}

// Unload stops every task, then runs the cleanups in reverse order. It is
// safe to call more than once.
func (l *Loader) Unload() {
	l.mu.Lock()
	if l.unloaded {
		l.mu.Unlock()
		return
	}
	l.unloaded = true
	cleanups := l.cleanups
	l.cleanups = nil
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	l.log.Debug().Int("cleanups", len(cleanups)).Msg("unloaded")
}

// announceVersion reports which versions a finished login ended up with.
func (l *Loader) announceVersion(b *proxy.Bridge) {
	client := version.Version{ID: int(b.Handshake.Protocol)}
	server := version.Unknown
	if s, ok := engine.FromChannel(b.Frontend); ok {
		client = s.Info().ProtocolVersion()
	}
	if s, ok := engine.FromChannel(b.Backend); ok {
		server = s.Info().ServerVersion()
	}

	l.log.Info().
		Str("server", b.Server.Name).
		Str("remote", b.Frontend.RemoteAddr()).
		Stringer("client_version", client).
		Stringer("server_version", server).
		Msg("player joined backend")
	metrics.IncServerConnect(b.Server.Name, versionLabel(server))
}

func versionLabel(v version.Version) string {
	if v.Name != "" {
		return v.Name
	}
	return v.String()
}
