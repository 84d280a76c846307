// Package negotiate decides which protocol version each connection leg is
// treated as speaking.
package negotiate

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"versionbridge/internal/engine"
	"versionbridge/internal/metrics"
	"versionbridge/internal/version"
)

// Supported exposes the versions the host relay speaks natively.
type Supported interface {
	// ServerProtocolVersion returns the lowest supported version.
	ServerProtocolVersion() (version.Version, error)
	// ServerProtocolVersions returns all supported versions, oldest first.
	ServerProtocolVersions() ([]version.Version, error)
}

// Detector reports the version a named backend speaks.
type Detector interface {
	ServerProtocolVersion(name string) version.Version
}

// Provider implements engine.VersionProvider.
type Provider struct {
	supported Supported
	detector  Detector
	registry  *version.Registry
	log       zerolog.Logger
}

var _ engine.VersionProvider = (*Provider)(nil)

// New creates a provider.
func New(supported Supported, detector Detector, registry *version.Registry) *Provider {
	return &Provider{
		supported: supported,
		detector:  detector,
		registry:  registry,
		log:       log.With().Str("component", "negotiate").Logger(),
	}
}

// ClosestServerProtocol returns the version the session's peer is treated
// as talking to. Backend legs use the detected version of their
// destination; frontend legs map the client version onto the relay's
// supported set.
func (p *Provider) ClosestServerProtocol(s *engine.UserConnection) (version.Version, error) {
	if s.ClientSide() {
		metrics.IncNegotiation(metrics.NegotiationBackend)
		return p.detector.ServerProtocolVersion(s.Destination()), nil
	}
	return p.frontend(s.Info().ProtocolVersion())
}

func (p *Provider) frontend(peer version.Version) (version.Version, error) {
	sorted, err := p.supported.ServerProtocolVersions()
	if err != nil {
		return version.Unknown, fmt.Errorf("supported versions: %w", err)
	}

	for _, v := range sorted {
		if v.ID == peer.ID {
			metrics.IncNegotiation(metrics.NegotiationExact)
			return peer, nil
		}
	}

	if len(sorted) > 0 && peer.OlderThan(sorted[0]) {
		metrics.IncNegotiation(metrics.NegotiationTooOld)
		return p.supported.ServerProtocolVersion()
	}

	// first match in descending order wins, even if a closer unregistered
	// id exists
	for i := len(sorted) - 1; i >= 0; i-- {
		v := sorted[i]
		if peer.NewerThan(v) && p.registry.IsRegistered(v.ID) {
			metrics.IncNegotiation(metrics.NegotiationClosest)
			return p.registry.Lookup(v.ID), nil
		}
	}

	p.log.Error().Stringer("peer", peer).Msg("panic, no protocol id found")
	metrics.IncNegotiation(metrics.NegotiationExhausted)
	return peer, nil
}
