package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"versionbridge/internal/config"
	"versionbridge/internal/detect"
	"versionbridge/internal/injector"
	"versionbridge/internal/logging"
	"versionbridge/internal/metrics"
	"versionbridge/internal/platform"
	"versionbridge/internal/proxy"
	"versionbridge/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	reloader, err := config.NewReloadable(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	defer reloader.Close()

	cfg := reloader.Get()
	if err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, reloader); err != nil {
		log.Error().Err(err).Msg("relay stopped")
		reloader.Close()
		os.Exit(1)
	}
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Stringer("signal", s).Msg("shutting down")
	cancel()
}

func run(ctx context.Context, reloader *config.ReloadableConfig) error {
	cfg := reloader.Get()

	reg, err := version.Default()
	if err != nil {
		return fmt.Errorf("version table: %w", err)
	}

	detector := detect.New(cfg.ServerProtocolVersions(reg))
	if cfg.PingSave {
		if err := detector.LoadState(cfg.StateFile, reg); err != nil {
			log.Warn().Err(err).Msg("ignoring saved detector state")
		}
	}

	server := proxy.NewServer(proxy.Options{
		SupportedVersions: cfg.SupportedVersions,
		Backends:          func() []proxy.Backend { return backends(reloader.Get()) },
		ConnectTimeout:    cfg.ConnectTimeout,
		TCP:               cfg.TCP,
	})
	if _, err := server.Listen(cfg.Listen); err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	inj := injector.New(injector.Options{
		Host:     server,
		Versions: reg,
		Detector: detector,
		MaxPPS:   func() int { return reloader.Get().PacketLimits.MaxPPS },
	})
	if err := inj.Inject(); err != nil {
		return fmt.Errorf("inject: %w", err)
	}

	loader := platform.NewLoader(ctx, server)
	defer loader.Unload()
	if err := loader.Load(); err != nil {
		return err
	}
	if err := loader.Defer(inj.Stop); err != nil {
		return err
	}

	prober := &proberTask{loader: loader, detector: detector, reg: reg, reloader: reloader}
	prober.restart(cfg)

	if cfg.Metrics.Listen != "" {
		web := metrics.NewWebServer(cfg.Metrics.Listen,
			metrics.WithPprof(cfg.Metrics.Pprof),
			metrics.WithDump(func() any {
				return map[string]any{
					"injector": inj.Dump(),
					"detected": detector.DetectedProtocolVersions(),
				}
			}),
		)
		if _, err := loader.Go("metrics", web.Start); err != nil {
			return err
		}
	}

	reloader.Watch(func(old, next *config.Config) {
		detector.SetConfigured(next.ServerProtocolVersions(reg))
		if err := logging.SetLevel(next.Logging.Level); err != nil {
			log.Warn().Err(err).Msg("keeping previous log level")
		}
		if old.PingInterval != next.PingInterval || old.PingTimeout != next.PingTimeout ||
			old.PingSave != next.PingSave || old.StateFile != next.StateFile {
			prober.restart(next)
		}
		log.Info().Int("servers", len(next.Servers)).Msg("configuration applied")
	})

	log.Info().
		Str("listen", cfg.Listen).
		Str("default_server", cfg.DefaultBackend().Name).
		Ints("supported_versions", cfg.SupportedVersions).
		Msg("relay started")
	return server.Serve(ctx)
}

func backends(cfg *config.Config) []proxy.Backend {
	out := make([]proxy.Backend, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		out = append(out, proxy.Backend{Name: s.Name, Address: s.Address})
	}
	return out
}

// proberTask restarts the background prober when its settings change.
type proberTask struct {
	loader   *platform.Loader
	detector *detect.Detector
	reg      *version.Registry
	reloader *config.ReloadableConfig

	mu   sync.Mutex
	stop func()
}

func (p *proberTask) restart(cfg *config.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
	if !cfg.ProbeEnabled() {
		log.Info().Msg("backend version probing disabled")
		return
	}

	prober := detect.NewProber(p.detector, p.reg, detect.ProberOptions{
		Servers: func() []detect.Server {
			cur := p.reloader.Get()
			out := make([]detect.Server, 0, len(cur.Servers))
			for _, s := range cur.Servers {
				out = append(out, detect.Server{Name: s.Name, Address: s.Address})
			}
			return out
		},
		Timeout:   cfg.PingTimeout,
		Save:      cfg.PingSave,
		StateFile: cfg.StateFile,
	})
	interval := cfg.PingInterval
	stop, err := p.loader.Go("prober", func(ctx context.Context) error {
		return prober.Run(ctx, interval)
	})
	if err != nil {
		log.Warn().Err(err).Msg("prober not started")
		return
	}
	p.stop = stop
}
