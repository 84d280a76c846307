package detect

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"versionbridge/internal/metrics"
	"versionbridge/internal/version"
)

const maxConcurrentProbes = 8

// Server is one backend to probe.
type Server struct {
	Name    string
	Address string
}

// ProberOptions configures a Prober.
type ProberOptions struct {
	// Servers returns the current backend list. It is called once per round
	// so configuration changes take effect without a restart.
	Servers   func() []Server
	Timeout   time.Duration
	Save      bool
	StateFile string
	Dial      DialFunc
}

// Prober pings every backend and records the versions they report.
type Prober struct {
	detector *Detector
	registry *version.Registry
	opts     ProberOptions
	log      zerolog.Logger
	rounds   atomic.Uint64
}

// NewProber creates a prober feeding d.
func NewProber(d *Detector, reg *version.Registry, opts ProberOptions) *Prober {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = DefaultDial(opts.Timeout)
	}
	return &Prober{
		detector: d,
		registry: reg,
		opts:     opts,
		log:      log.With().Str("component", "prober").Logger(),
	}
}

// Rounds returns the number of completed probe rounds.
func (p *Prober) Rounds() uint64 { return p.rounds.Load() }

// ProbeAll pings every backend concurrently. Unreachable backends are logged
// and keep their previous state. It returns the number of versions that
// changed.
func (p *Prober) ProbeAll(ctx context.Context) (int, error) {
	start := time.Now()
	var servers []Server
	if p.opts.Servers != nil {
		servers = p.opts.Servers()
	}

	var changed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for _, s := range servers {
		s := s
		g.Go(func() error {
			v, err := p.Probe(gctx, s)
			metrics.ObserveProbe(s.Name, err == nil)
			if err != nil {
				p.log.Debug().Err(err).Str("server", s.Name).Msg("probe failed")
				return nil
			}
			if p.detector.SetProtocolVersion(s.Name, v) {
				changed.Add(1)
				p.log.Info().Str("server", s.Name).Stringer("version", v).Msg("detected server version")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(changed.Load()), err
	}
	p.rounds.Add(1)
	metrics.ObserveProbeRound(time.Since(start))

	n := int(changed.Load())
	if n > 0 && p.opts.Save && p.opts.StateFile != "" {
		if err := p.detector.SaveState(p.opts.StateFile); err != nil {
			return n, err
		}
	}
	return n, ctx.Err()
}

// Probe pings one backend.
func (p *Prober) Probe(ctx context.Context, s Server) (version.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	st, err := Ping(ctx, p.opts.Dial, s.Address)
	if err != nil {
		return version.Unknown, err
	}
	v := p.registry.Lookup(st.Protocol)
	if v.Name == "" {
		v.Name = st.Name
	}
	return v, nil
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.ProbeAll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn().Err(err).Msg("probe round failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
