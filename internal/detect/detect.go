// Package detect tracks which protocol version every backend speaks.
//
// Versions come from three places, in order of precedence: what the
// prober last observed, what the configuration pins for the backend, and
// the configured "default" entry.
package detect

import (
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"

	"versionbridge/internal/version"
)

// DefaultServer is the configuration key used for backends without an
// explicit entry.
const DefaultServer = "default"

// Detector is safe for concurrent use.
type Detector struct {
	mu         sync.RWMutex
	configured map[string]version.Version
	detected   map[string]version.Version
}

// New creates a detector with the configured versions.
func New(configured map[string]version.Version) *Detector {
	d := &Detector{detected: make(map[string]version.Version)}
	d.SetConfigured(configured)
	return d
}

// SetConfigured replaces the configured versions.
func (d *Detector) SetConfigured(configured map[string]version.Version) {
	c := maps.Clone(configured)
	if c == nil {
		c = make(map[string]version.Version)
	}
	d.mu.Lock()
	d.configured = c
	d.mu.Unlock()
}

// ServerProtocolVersion returns the version of the named backend, or
// version.Unknown.
func (d *Detector) ServerProtocolVersion(name string) version.Version {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if v, ok := d.detected[name]; ok {
		return v
	}
	if v, ok := d.configured[name]; ok {
		return v
	}
	if v, ok := d.configured[DefaultServer]; ok {
		return v
	}
	return version.Unknown
}

// SetProtocolVersion records a detected version and reports whether it
// differs from the previous one.
func (d *Detector) SetProtocolVersion(name string, v version.Version) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, ok := d.detected[name]
	d.detected[name] = v
	return !ok || old.ID != v.ID
}

// DetectedProtocolVersions returns a copy of the detected versions.
func (d *Detector) DetectedProtocolVersions() map[string]version.Version {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return maps.Clone(d.detected)
}

type stateFile struct {
	Detected map[string]int `yaml:"detected"`
}

// SaveState writes the detected versions to path.
func (d *Detector) SaveState(path string) error {
	st := stateFile{Detected: make(map[string]int)}
	for name, v := range d.DetectedProtocolVersions() {
		st.Detected[name] = v.ID
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "encode detector state")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".detected-*")
	if err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "save %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "save %s", path)
}

// LoadState restores detected versions saved by SaveState. A missing file
// is not an error.
func (d *Detector) LoadState(path string, reg *version.Registry) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "load %s", path)
	}
	var st stateFile
	if err := yaml.Unmarshal(data, &st); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, id := range st.Detected {
		d.detected[name] = reg.Lookup(id)
	}
	return nil
}
