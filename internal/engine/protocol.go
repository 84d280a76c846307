package engine

import (
	"fmt"
	"sync"

	"versionbridge/internal/version"
)

// Packet is a decoded frame handed to protocol steps. Data excludes the
// packet id. Steps may rewrite ID and Data in place.
type Packet struct {
	ID    int32
	Data  []byte
	State State
	Dir   Direction
}

// Protocol is one translation step between two adjacent protocol versions.
// Returning an error matching ErrCancelled drops the packet.
type Protocol interface {
	Name() string
	Transform(s *UserConnection, pkt *Packet) error
}

type step struct {
	to       int
	protocol Protocol
}

// ProtocolRegistry holds the registered translation steps. Each step maps a
// client-facing version to a server-facing one.
type ProtocolRegistry struct {
	mu    sync.RWMutex
	steps map[int][]step
}

// NewProtocolRegistry creates an empty registry.
func NewProtocolRegistry() *ProtocolRegistry {
	return &ProtocolRegistry{steps: make(map[int][]step)}
}

// Register adds a step translating between client version from and server
// version to.
func (r *ProtocolRegistry) Register(from, to version.Version, p Protocol) error {
	if from.ID == to.ID {
		return fmt.Errorf("engine: protocol %s maps %s onto itself", p.Name(), from)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.steps[from.ID] {
		if s.to == to.ID {
			return fmt.Errorf("engine: step %d -> %d already registered", from.ID, to.ID)
		}
	}
	r.steps[from.ID] = append(r.steps[from.ID], step{to: to.ID, protocol: p})
	return nil
}

// Path returns the shortest chain of steps from client to server, ordered
// client first. Equal versions yield an empty path. ok is false when no
// chain exists.
func (r *ProtocolRegistry) Path(client, server version.Version) (path []Protocol, ok bool) {
	if client.ID == server.ID {
		return nil, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	type hop struct {
		prev     int
		protocol Protocol
	}
	seen := map[int]hop{client.ID: {}}
	queue := []int{client.ID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, s := range r.steps[cur] {
			if _, dup := seen[s.to]; dup {
				continue
			}
			seen[s.to] = hop{prev: cur, protocol: s.protocol}
			if s.to == server.ID {
				for at := server.ID; at != client.ID; at = seen[at].prev {
					path = append(path, seen[at].protocol)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path, true
			}
			queue = append(queue, s.to)
		}
	}
	return nil, false
}
