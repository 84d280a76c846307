package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// DumpFunc produces the diagnostic snapshot served on /debug/dump.
type DumpFunc func() any

// WebServer serves /metrics, /healthz and the debug endpoints.
type WebServer struct {
	addr        string
	gatherer    prometheus.Gatherer
	dump        DumpFunc
	enablePprof bool
	startTime   time.Time
	srv         *http.Server
}

// WebServerOption configures a WebServer.
type WebServerOption func(*WebServer)

// WithPprof enables /debug/pprof/* endpoints.
func WithPprof(enable bool) WebServerOption {
	return func(ws *WebServer) {
		ws.enablePprof = enable
	}
}

// WithDump sets the /debug/dump source.
func WithDump(fn DumpFunc) WebServerOption {
	return func(ws *WebServer) {
		ws.dump = fn
	}
}

// WithGatherer replaces the default Prometheus registry.
func WithGatherer(g prometheus.Gatherer) WebServerOption {
	return func(ws *WebServer) {
		ws.gatherer = g
	}
}

// NewWebServer creates a status server listening on addr.
func NewWebServer(addr string, opts ...WebServerOption) *WebServer {
	ws := &WebServer{
		addr:      addr,
		gatherer:  prometheus.DefaultGatherer,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(ws)
	}
	return ws
}

// Handler returns the server's routes.
func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/debug/dump", s.handleDump)
	mux.HandleFunc("/debug/status/text", s.handleTextStatus)

	if s.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Start listens on the configured address and serves until ctx is done.
func (s *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.addr, err)
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("component", "metrics").Str("addr", ln.Addr().String()).Msg("status server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *WebServer) handleDump(w http.ResponseWriter, r *http.Request) {
	if s.dump == nil {
		http.Error(w, "no dump source", http.StatusNotFound)
		return
	}
	s.writeJSON(w, s.dump())
}

// writeJSON writes JSON response.
func (s *WebServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// handleTextStatus returns a human-readable text status.
func (s *WebServer) handleTextStatus(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(s.startTime).Truncate(time.Second)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "=== versionbridge status ===\n\n")
	fmt.Fprintf(w, "Uptime:       %s\n", uptime)
	fmt.Fprintf(w, "Go Version:   %s\n", runtime.Version())
	fmt.Fprintf(w, "Platform:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(w, "Goroutines:   %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "--- Memory ---\n")
	fmt.Fprintf(w, "Alloc:        %s\n", formatBytes(m.Alloc))
	fmt.Fprintf(w, "Sys:          %s\n", formatBytes(m.Sys))
	fmt.Fprintf(w, "NumGC:        %d\n\n", m.NumGC)

	fmt.Fprintf(w, "--- Probes ---\n")
	if last := LastProbe(); last.IsZero() {
		fmt.Fprintf(w, "Last round:   never\n")
	} else {
		fmt.Fprintf(w, "Last round:   %s ago\n", time.Since(last).Truncate(time.Second))
	}
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
