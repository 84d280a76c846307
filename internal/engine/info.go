package engine

import (
	"sync"

	"versionbridge/internal/version"
)

// ProtocolInfo is the negotiated version state of a session.
type ProtocolInfo struct {
	mu            sync.RWMutex
	state         State
	protocol      version.Version
	serverVersion version.Version
	path          []Protocol
}

func newProtocolInfo() *ProtocolInfo {
	return &ProtocolInfo{
		protocol:      version.Unknown,
		serverVersion: version.Unknown,
	}
}

// State returns the connection state.
func (i *ProtocolInfo) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// SetState moves the connection to s.
func (i *ProtocolInfo) SetState(s State) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
}

// ProtocolVersion returns the version the peer announced.
func (i *ProtocolInfo) ProtocolVersion() version.Version {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.protocol
}

// SetProtocolVersion records the peer version.
func (i *ProtocolInfo) SetProtocolVersion(v version.Version) {
	i.mu.Lock()
	i.protocol = v
	i.mu.Unlock()
}

// ServerVersion returns the version the peer is treated as talking to.
func (i *ProtocolInfo) ServerVersion() version.Version {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.serverVersion
}

// SetServerVersion records the negotiated server version.
func (i *ProtocolInfo) SetServerVersion(v version.Version) {
	i.mu.Lock()
	i.serverVersion = v
	i.mu.Unlock()
}

// Path returns the protocol steps between peer and server version.
func (i *ProtocolInfo) Path() []Protocol {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.path
}

func (i *ProtocolInfo) setPath(p []Protocol) {
	i.mu.Lock()
	i.path = p
	i.mu.Unlock()
}
