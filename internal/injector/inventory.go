package injector

import (
	"sort"
	"sync"

	"versionbridge/internal/engine"
	"versionbridge/internal/pipeline"
	"versionbridge/internal/version"
)

type injectedChannel struct {
	ch   *pipeline.Channel
	role engine.Role
}

// Inventory is the set of injected channels, keyed by channel id.
type Inventory struct {
	mu       sync.Mutex
	channels map[uint64]injectedChannel
}

func newInventory() *Inventory {
	return &Inventory{channels: make(map[uint64]injectedChannel)}
}

func (inv *Inventory) add(ch *pipeline.Channel, role engine.Role) {
	inv.mu.Lock()
	inv.channels[ch.ID()] = injectedChannel{ch: ch, role: role}
	inv.mu.Unlock()
}

func (inv *Inventory) remove(id uint64) {
	inv.mu.Lock()
	delete(inv.channels, id)
	inv.mu.Unlock()
}

// Len returns the number of live injected channels.
func (inv *Inventory) Len() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.channels)
}

// Contains reports whether the channel with the given id is injected.
func (inv *Inventory) Contains(id uint64) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	_, ok := inv.channels[id]
	return ok
}

// ChannelInfo describes one injected channel.
type ChannelInfo struct {
	ID            uint64   `json:"id"`
	Role          string   `json:"role"`
	Remote        string   `json:"remote,omitempty"`
	Destination   string   `json:"destination,omitempty"`
	State         string   `json:"state,omitempty"`
	PeerVersion   int      `json:"peer_version"`
	ServerVersion int      `json:"server_version"`
	Active        bool     `json:"active"`
	Stages        []string `json:"stages"`
}

// Snapshot returns the injected channels ordered by id.
func (inv *Inventory) Snapshot() []ChannelInfo {
	inv.mu.Lock()
	chans := make([]injectedChannel, 0, len(inv.channels))
	for _, c := range inv.channels {
		chans = append(chans, c)
	}
	inv.mu.Unlock()

	out := make([]ChannelInfo, 0, len(chans))
	for _, c := range chans {
		info := ChannelInfo{
			ID:            c.ch.ID(),
			Role:          c.role.String(),
			Remote:        c.ch.RemoteAddr(),
			PeerVersion:   version.Unknown.ID,
			ServerVersion: version.Unknown.ID,
			Stages:        c.ch.Pipeline().Names(),
		}
		if s, ok := engine.FromChannel(c.ch); ok {
			info.Destination = s.Destination()
			info.State = s.Info().State().String()
			info.PeerVersion = s.Info().ProtocolVersion().ID
			info.ServerVersion = s.Info().ServerVersion().ID
			info.Active = s.Active()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// HandlerInfo names a decorated initializer and the one it wraps.
type HandlerInfo struct {
	Addr     string `json:"addr,omitempty"`
	Wrapper  string `json:"wrapper"`
	Original string `json:"original"`
}

// Dump is a read-only snapshot of the injector.
type Dump struct {
	Injected          bool              `json:"injected"`
	SupportedVersions []version.Version `json:"supported_versions"`
	Listeners         []HandlerInfo     `json:"listeners"`
	Backend           *HandlerInfo      `json:"backend,omitempty"`
	Channels          []ChannelInfo     `json:"channels"`
}

// Dump returns the current state for diagnostics.
func (i *Injector) Dump() Dump {
	d := Dump{Injected: i.Injected(), Channels: i.inventory.Snapshot()}
	if vs, err := i.ServerProtocolVersions(); err == nil {
		d.SupportedVersions = vs
	}

	i.wrapMu.Lock()
	for _, r := range i.records {
		d.Listeners = append(d.Listeners, HandlerInfo{
			Addr:     r.listener.Addr().String(),
			Wrapper:  r.wrapper,
			Original: r.original,
		})
	}
	if i.backend != nil {
		d.Backend = &HandlerInfo{Wrapper: i.backend.wrapper, Original: i.backend.original}
	}
	i.wrapMu.Unlock()
	return d
}
