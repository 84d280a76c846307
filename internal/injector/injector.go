// Package injector decorates the host relay's channel initializers so that
// every player and backend connection gets a session and a pair of
// interceptors next to the native packet anchors.
package injector

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"versionbridge/internal/codec"
	"versionbridge/internal/engine"
	"versionbridge/internal/intercept"
	"versionbridge/internal/metrics"
	"versionbridge/internal/negotiate"
	"versionbridge/internal/pipeline"
	"versionbridge/internal/proxy"
	"versionbridge/internal/version"
)

var (
	ErrAnchorMissing       = errors.New("injector: anchor stage missing")
	ErrNoListeners         = errors.New("injector: host has no listeners")
	ErrNoSupportedVersions = errors.New("injector: no supported versions")
	ErrUninjectUnsupported = errors.New("injector: uninject is not supported")
)

// Host is the part of the relay the injector decorates.
type Host interface {
	Listeners() []*proxy.Listener
	OnListenerAdded(fn func(*proxy.Listener)) (remove func())
	BackendHandler() proxy.Initializer
	SetBackendHandler(i proxy.Initializer)
	SupportedVersions() []int
}

// Options configure an Injector.
type Options struct {
	Host      Host
	Versions  *version.Registry
	Detector  negotiate.Detector
	Protocols *engine.ProtocolRegistry
	// MaxPPS returns the current packets-per-second ceiling for new
	// sessions. Nil or non-positive disables the limit.
	MaxPPS func() int
}

type wrapRecord struct {
	listener *proxy.Listener
	original string
	wrapper  string
}

// Injector is safe for concurrent use.
type Injector struct {
	opts      Options
	provider  *negotiate.Provider
	inventory *Inventory
	log       zerolog.Logger

	mu         sync.Mutex
	injected   bool
	removeHook func()

	// wrapMu is separate from mu: listener hooks run while Inject holds mu.
	wrapMu  sync.Mutex
	wrapped map[*proxy.Listener]bool
	records []wrapRecord
	backend *wrapRecord
}

var _ negotiate.Supported = (*Injector)(nil)

// New creates an injector. Nothing is decorated before Inject.
func New(opts Options) *Injector {
	if opts.Protocols == nil {
		opts.Protocols = engine.NewProtocolRegistry()
	}
	i := &Injector{
		opts:      opts,
		inventory: newInventory(),
		log:       log.With().Str("component", "injector").Logger(),
		wrapped:   make(map[*proxy.Listener]bool),
	}
	i.provider = negotiate.New(i, opts.Detector, opts.Versions)
	return i
}

// Provider returns the version provider handed to new sessions.
func (i *Injector) Provider() *negotiate.Provider { return i.provider }

// Inventory returns the set of injected channels.
func (i *Injector) Inventory() *Inventory { return i.inventory }

// Inject decorates every current listener, the backend initializer and all
// listeners added later. A second call is a no-op. Nothing is decorated
// when it fails.
func (i *Injector) Inject() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.injected {
		return nil
	}

	host := i.opts.Host
	listeners := host.Listeners()
	if len(listeners) == 0 {
		return ErrNoListeners
	}
	if i.opts.Versions == nil || i.opts.Versions.Len() == 0 {
		return version.ErrEmptyRegistry
	}
	if len(host.SupportedVersions()) == 0 {
		return ErrNoSupportedVersions
	}

	for _, l := range listeners {
		if err := dryRun(l.ChildHandler()); err != nil {
			return fmt.Errorf("listener %s: %w", l.Addr(), err)
		}
	}
	backend := host.BackendHandler()
	if err := dryRun(backend); err != nil {
		return fmt.Errorf("backend initializer: %w", err)
	}

	i.removeHook = host.OnListenerAdded(i.wrapListener)
	for _, l := range listeners {
		i.wrapListener(l)
	}
	w := i.wrap(backend, engine.RoleClientSide)
	host.SetBackendHandler(w)
	i.wrapMu.Lock()
	i.backend = &wrapRecord{original: backend.Name(), wrapper: w.Name()}
	i.wrapMu.Unlock()
	i.injected = true

	i.log.Info().Int("listeners", len(listeners)).Ints("supported", host.SupportedVersions()).Msg("injected")
	return nil
}

// Uninject is not supported: interceptors cannot be removed from live
// channels.
func (i *Injector) Uninject() error {
	i.log.Error().Msg("uninject is not supported, restart the relay instead")
	return ErrUninjectUnsupported
}

// Injected reports whether Inject succeeded.
func (i *Injector) Injected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.injected
}

// Stop stops decorating listeners added from now on. Channels already
// injected keep their interceptors.
func (i *Injector) Stop() {
	i.mu.Lock()
	remove := i.removeHook
	i.removeHook = nil
	i.mu.Unlock()
	if remove != nil {
		remove()
	}
}

// ServerProtocolVersion returns the lowest version the relay supports.
func (i *Injector) ServerProtocolVersion() (version.Version, error) {
	vs, err := i.ServerProtocolVersions()
	if err != nil {
		return version.Unknown, err
	}
	return vs[0], nil
}

// ServerProtocolVersions returns the versions the relay supports, oldest
// first.
func (i *Injector) ServerProtocolVersions() ([]version.Version, error) {
	ids := i.opts.Host.SupportedVersions()
	if len(ids) == 0 {
		return nil, ErrNoSupportedVersions
	}
	out := make([]version.Version, 0, len(ids))
	for _, id := range ids {
		if i.opts.Versions != nil {
			out = append(out, i.opts.Versions.Lookup(id))
		} else {
			out = append(out, version.Version{ID: id})
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].OlderThan(out[b]) })
	return out, nil
}

func (i *Injector) wrapListener(l *proxy.Listener) {
	orig := l.ChildHandler()
	w := i.wrap(orig, engine.RoleServerSide)

	i.wrapMu.Lock()
	if i.wrapped[l] {
		i.wrapMu.Unlock()
		return
	}
	i.wrapped[l] = true
	i.records = append(i.records, wrapRecord{listener: l, original: orig.Name(), wrapper: w.Name()})
	i.wrapMu.Unlock()

	l.SetChildHandler(w)
	i.log.Debug().Str("addr", l.Addr().String()).Str("initializer", orig.Name()).Msg("listener wrapped")
}

func (i *Injector) wrap(orig proxy.Initializer, role engine.Role) proxy.Initializer {
	return &wrapper{injector: i, orig: orig, role: role}
}

type wrapper struct {
	injector *Injector
	orig     proxy.Initializer
	role     engine.Role
}

func (w *wrapper) Name() string { return "versionbridge(" + w.orig.Name() + ")" }

// InitChannel runs the wrapped initializer and injects the channel unless
// the initializer rejected it.
func (w *wrapper) InitChannel(ch *pipeline.Channel) error {
	if err := w.orig.InitChannel(ch); err != nil {
		return err
	}
	if !ch.Active() {
		return nil
	}
	return w.injector.injectChannel(ch, w.role)
}

func (i *Injector) injectChannel(ch *pipeline.Channel, role engine.Role) error {
	p := ch.Pipeline()
	if intercept.Installed(p) {
		return nil
	}
	if err := checkAnchors(p); err != nil {
		return err
	}

	var dest string
	if role == engine.RoleClientSide {
		dest, _ = proxy.ServerName(ch)
	}
	maxPPS := 0
	if i.opts.MaxPPS != nil {
		maxPPS = i.opts.MaxPPS()
	}
	s := engine.NewUserConnection(engine.Options{
		Role:        role,
		Channel:     ch,
		Destination: dest,
		Versions:    i.opts.Versions,
		Provider:    i.provider,
		Protocols:   i.opts.Protocols,
		MaxPPS:      maxPPS,
	})
	if err := intercept.New(s).Install(p, codec.PacketDecoderName, codec.PacketEncoderName); err != nil {
		return fmt.Errorf("install interceptors: %w", err)
	}
	engine.Attach(ch, s)

	i.inventory.add(ch, role)
	metrics.IncInjected(role.String())
	ch.OnClose(func(c *pipeline.Channel) {
		i.inventory.remove(c.ID())
		metrics.DecInjected()
	})
	return nil
}

func dryRun(init proxy.Initializer) error {
	ch := pipeline.NewChannel(nil, nil)
	defer ch.Close()
	if err := init.InitChannel(ch); err != nil {
		return fmt.Errorf("dry run of %s: %w", init.Name(), err)
	}
	if err := checkAnchors(ch.Pipeline()); err != nil {
		return fmt.Errorf("%s: %w", init.Name(), err)
	}
	return nil
}

func checkAnchors(p *pipeline.Pipeline) error {
	for _, name := range []string{codec.PacketDecoderName, codec.PacketEncoderName} {
		if p.Index(name) < 0 {
			return fmt.Errorf("%w: %s", ErrAnchorMissing, name)
		}
	}
	return nil
}
