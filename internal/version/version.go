// Package version holds the process-wide registry of known protocol
// versions. A Registry is immutable once built and safe for concurrent use.
package version

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
)

var (
	ErrEmptyRegistry = errors.New("version: empty registry")
	ErrDuplicateID   = errors.New("version: duplicate protocol id")
)

//go:embed versions.yaml
var defaultTable []byte

// Version identifies one protocol version. Versions are ordered by ID.
type Version struct {
	ID       int      `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Includes []string `yaml:"includes,omitempty" json:"-"`
}

// Unknown marks the absence of a known version.
var Unknown = Version{ID: -1, Name: "unknown"}

// Known reports whether v is a real version.
func (v Version) Known() bool { return v.ID >= 0 }

// OlderThan reports whether v precedes o.
func (v Version) OlderThan(o Version) bool { return v.ID < o.ID }

// NewerThan reports whether v follows o.
func (v Version) NewerThan(o Version) bool { return v.ID > o.ID }

func (v Version) String() string {
	if v.Name == "" {
		return fmt.Sprintf("%d", v.ID)
	}
	return fmt.Sprintf("%s (%d)", v.Name, v.ID)
}

// Registry maps protocol ids to versions.
type Registry struct {
	byID   map[int]Version
	sorted []Version
}

// NewRegistry builds a registry from vs.
func NewRegistry(vs ...Version) (*Registry, error) {
	if len(vs) == 0 {
		return nil, ErrEmptyRegistry
	}
	r := &Registry{byID: make(map[int]Version, len(vs))}
	for _, v := range vs {
		if v.ID < 0 {
			return nil, fmt.Errorf("version: negative protocol id %d", v.ID)
		}
		if _, dup := r.byID[v.ID]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateID, v.ID)
		}
		r.byID[v.ID] = v
		r.sorted = append(r.sorted, v)
	}
	sort.Slice(r.sorted, func(i, j int) bool { return r.sorted[i].ID < r.sorted[j].ID })
	return r, nil
}

// Load parses a YAML version table.
func Load(data []byte) (*Registry, error) {
	var vs []Version
	if err := yaml.Unmarshal(data, &vs); err != nil {
		return nil, fmt.Errorf("parse version table: %w", err)
	}
	return NewRegistry(vs...)
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// Default returns the registry built from the embedded version table.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultReg, defaultErr = Load(defaultTable)
	})
	return defaultReg, defaultErr
}

// Get returns the version with the given id.
func (r *Registry) Get(id int) (Version, bool) {
	v, ok := r.byID[id]
	return v, ok
}

// Lookup returns the registered version for id, or a bare Version carrying
// only the id when it is not registered.
func (r *Registry) Lookup(id int) Version {
	if v, ok := r.byID[id]; ok {
		return v
	}
	return Version{ID: id}
}

// IsRegistered reports whether id is known.
func (r *Registry) IsRegistered(id int) bool {
	_, ok := r.byID[id]
	return ok
}

// Sorted returns all versions, oldest first. The slice is a copy.
func (r *Registry) Sorted() []Version {
	out := make([]Version, len(r.sorted))
	copy(out, r.sorted)
	return out
}

// Lowest returns the oldest version.
func (r *Registry) Lowest() Version { return r.sorted[0] }

// Highest returns the newest version.
func (r *Registry) Highest() Version { return r.sorted[len(r.sorted)-1] }

// Len returns the number of versions.
func (r *Registry) Len() int { return len(r.sorted) }

// Closest resolves a human version string such as "1.12.2" or "1.8.x".
func (r *Registry) Closest(name string) (Version, bool) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return Unknown, false
	}
	for _, v := range r.sorted {
		if strings.ToLower(v.Name) == name {
			return v, true
		}
		for _, inc := range v.Includes {
			if inc == name {
				return v, true
			}
		}
	}
	for _, v := range r.sorted {
		prefix, ok := strings.CutSuffix(strings.ToLower(v.Name), ".x")
		if !ok {
			continue
		}
		if name == prefix || strings.HasPrefix(name, prefix+".") {
			return v, true
		}
	}
	return Unknown, false
}
