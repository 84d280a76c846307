// Package metrics exposes the relay's Prometheus counters and the HTTP
// status server.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Frame outcomes.
const (
	OutcomePassthrough = "passthrough"
	OutcomeTransformed = "transformed"
	OutcomeCancelled   = "cancelled"
	OutcomeFailed      = "failed"
)

// Negotiation outcomes.
const (
	NegotiationExact     = "exact"
	NegotiationTooOld    = "too_old"
	NegotiationClosest   = "closest"
	NegotiationExhausted = "exhausted"
	NegotiationBackend   = "backend"
)

var (
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "versionbridge_frames_total",
		Help: "Frames seen by the interceptors by direction and outcome",
	}, []string{"direction", "outcome"})

	compressionCorrectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "versionbridge_compression_corrections_total",
		Help: "Interceptor reorders after compression was enabled, by triggering side",
	}, []string{"side"})

	negotiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "versionbridge_negotiations_total",
		Help: "Version negotiations by outcome",
	}, []string{"outcome"})

	injectedChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "versionbridge_injected_channels",
		Help: "Channels currently carrying interceptors",
	})

	injectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "versionbridge_injected_channels_total",
		Help: "Channels the interceptors were added to, by role",
	}, []string{"role"})

	probesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "versionbridge_probes_total",
		Help: "Backend version probes by server and result",
	}, []string{"server", "result"})

	probeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "versionbridge_probe_duration_seconds",
		Help:    "Duration of a full probe round",
		Buckets: prometheus.DefBuckets,
	})

	serverConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "versionbridge_server_connects_total",
		Help: "Backend logins by server and client version",
	}, []string{"server", "version"})

	bridgesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "versionbridge_bridges_active",
		Help: "Client connections currently relayed",
	})
)

var lastProbeUnix atomic.Int64

func IncFrame(direction, outcome string) { framesTotal.WithLabelValues(direction, outcome).Inc() }
func IncCompressionCorrection(side string) {
	compressionCorrectionsTotal.WithLabelValues(side).Inc()
}
func IncNegotiation(outcome string) { negotiationsTotal.WithLabelValues(outcome).Inc() }

// IncInjected records a channel that received the interceptors.
func IncInjected(role string) {
	injectedChannels.Inc()
	injectedTotal.WithLabelValues(role).Inc()
}

// DecInjected records a closed injected channel.
func DecInjected() { injectedChannels.Dec() }

// ObserveProbe records one backend probe result.
func ObserveProbe(server string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	probesTotal.WithLabelValues(server, result).Inc()
}

// ObserveProbeRound records the duration of a probe round.
func ObserveProbeRound(d time.Duration) {
	probeDuration.Observe(d.Seconds())
	lastProbeUnix.Store(time.Now().Unix())
}

// LastProbe returns when the last probe round finished.
func LastProbe() time.Time {
	n := lastProbeUnix.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

func IncServerConnect(server, version string) {
	serverConnectsTotal.WithLabelValues(server, version).Inc()
}

func IncBridges() { bridgesActive.Inc() }
func DecBridges() { bridgesActive.Dec() }
