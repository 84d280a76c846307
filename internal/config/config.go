// Package config loads and validates the relay configuration.
package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog/log"

	"versionbridge/internal/netutil"
	"versionbridge/internal/version"
)

// DefaultServer is the server_protocols key used for unlisted backends.
const DefaultServer = "default"

type Config struct {
	Listen            string             `yaml:"listen"`
	Servers           []Server           `yaml:"servers"`
	SupportedVersions []int              `yaml:"supported_versions"`
	ServerProtocols   map[string]any     `yaml:"server_protocols"`
	ConnectTimeout    time.Duration      `yaml:"connect_timeout"`
	PingInterval      time.Duration      `yaml:"ping_interval"`
	PingTimeout       time.Duration      `yaml:"ping_timeout"`
	PingSave          bool               `yaml:"ping_save"`
	StateFile         string             `yaml:"state_file"`
	PacketLimits      PacketLimits       `yaml:"packet_limits"`
	TCP               netutil.TCPOptions `yaml:"tcp"`
	Metrics           Metrics            `yaml:"metrics"`
	Logging           Logging            `yaml:"logging"`
}

// Server is a backend. The first entry is where new connections go.
type Server struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

type PacketLimits struct {
	MaxPPS int `yaml:"max_pps"` // <= 0 disables the limit
}

type Metrics struct {
	Listen string `yaml:"listen"`
	Pprof  bool   `yaml:"pprof"` // expose /debug/pprof/* endpoints on metrics listener
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json | auto
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes, defaults and validates data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":25577"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.StateFile == "" {
		c.StateFile = "detected.yaml"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "auto"
	}
	sort.Ints(c.SupportedVersions)
}

func (c *Config) validate() error {
	var allErrors []error

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		allErrors = append(allErrors, fmt.Errorf("listen %q: %w", c.Listen, err))
	}
	if len(c.Servers) == 0 {
		allErrors = append(allErrors, fmt.Errorf("servers: at least one backend is required"))
	}
	seen := make(map[string]bool)
	for i, s := range c.Servers {
		if s.Name == "" {
			allErrors = append(allErrors, fmt.Errorf("servers[%d]: name is required", i))
		} else if s.Name == DefaultServer {
			allErrors = append(allErrors, fmt.Errorf("servers[%d]: name %q is reserved", i, DefaultServer))
		} else if seen[s.Name] {
			allErrors = append(allErrors, fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if _, _, err := net.SplitHostPort(s.Address); err != nil {
			allErrors = append(allErrors, fmt.Errorf("servers[%d] address %q: %w", i, s.Address, err))
		}
	}
	if len(c.SupportedVersions) == 0 {
		allErrors = append(allErrors, fmt.Errorf("supported_versions: at least one protocol id is required"))
	}
	for i, id := range c.SupportedVersions {
		if id < 0 {
			allErrors = append(allErrors, fmt.Errorf("supported_versions: negative protocol id %d", id))
		}
		if i > 0 && c.SupportedVersions[i-1] == id {
			allErrors = append(allErrors, fmt.Errorf("supported_versions: duplicate protocol id %d", id))
		}
	}
	if c.PingTimeout < 0 {
		allErrors = append(allErrors, fmt.Errorf("ping_timeout must not be negative"))
	}
	if c.ConnectTimeout < 0 {
		allErrors = append(allErrors, fmt.Errorf("connect_timeout must not be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "auto", "console", "json":
	default:
		allErrors = append(allErrors, fmt.Errorf("logging.format %q: want auto, console or json", c.Logging.Format))
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			allErrors = append(allErrors, fmt.Errorf("metrics.listen %q: %w", c.Metrics.Listen, err))
		}
	}
	return writeErr(allErrors)
}

func writeErr(allErrors []error) error {
	if len(allErrors) == 0 {
		return nil
	}
	messages := make([]string, 0, len(allErrors))
	for _, err := range allErrors {
		messages = append(messages, err.Error())
	}
	return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}

// ProbeEnabled reports whether backends are pinged periodically.
func (c *Config) ProbeEnabled() bool { return c.PingInterval > 0 }

// DefaultBackend returns the first configured server.
func (c *Config) DefaultBackend() Server { return c.Servers[0] }

// Server returns the backend with the given name.
func (c *Config) Server(name string) (Server, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return Server{}, false
}

// ServerProtocolVersions resolves server_protocols against reg. Entries
// may be protocol ids or version names; entries that resolve to neither
// are dropped. A missing default entry is filled with the lowest supported
// version.
func (c *Config) ServerProtocolVersions(reg *version.Registry) map[string]version.Version {
	out := make(map[string]version.Version, len(c.ServerProtocols)+1)
	for name, raw := range c.ServerProtocols {
		v, ok := resolveProtocol(raw, reg)
		if !ok {
			log.Warn().Str("component", "config").Str("server", name).Interface("value", raw).Msg("dropping invalid server protocol")
			continue
		}
		out[name] = v
	}
	if _, ok := out[DefaultServer]; !ok && len(c.SupportedVersions) > 0 {
		out[DefaultServer] = reg.Lookup(c.SupportedVersions[0])
	}
	return out
}

func resolveProtocol(raw any, reg *version.Registry) (version.Version, bool) {
	var id int64
	switch v := raw.(type) {
	case int:
		id = int64(v)
	case int64:
		id = v
	case uint64:
		if v > math.MaxInt32 {
			return version.Unknown, false
		}
		id = int64(v)
	case float64:
		if v != math.Trunc(v) {
			return version.Unknown, false
		}
		id = int64(v)
	case string:
		return reg.Closest(v)
	default:
		return version.Unknown, false
	}
	if id < 0 || id > math.MaxInt32 {
		return version.Unknown, false
	}
	return reg.Lookup(int(id)), true
}
