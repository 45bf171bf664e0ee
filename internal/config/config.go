// Package config provides configuration management for the bus server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"

	"github.com/vmsbus/vms-server/internal/vms"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds the server configuration.
type Config struct {
	Network          NetworkConfig     `yaml:"network"`
	Storage          StorageConfig     `yaml:"storage"`
	Audit            AuditConfig       `yaml:"audit"`
	Metrics          MetricsConfig     `yaml:"metrics"`
	Publishers       []PublisherConfig `yaml:"publishers"`
	HalSubscriptions []vms.Layer       `yaml:"hal_subscriptions"`
}

// NetworkConfig holds peer-to-peer settings.
type NetworkConfig struct {
	Listen      []string `yaml:"listen"`
	Bootstrap   []string `yaml:"bootstrap"`
	TopicPrefix string   `yaml:"topic_prefix"`
	MaxConns    int      `yaml:"max_connections"`
	EnableMDNS  bool     `yaml:"enable_mdns"`
}

// StorageConfig holds the data directory used for the node key.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig controls the transition journal.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// PublisherConfig declares a publisher known at startup and what it offers.
type PublisherConfig struct {
	Info   string        `yaml:"info"`
	Layers []LayerConfig `yaml:"layers"`
}

// LayerConfig is one offered layer and the layers it needs.
type LayerConfig struct {
	vms.Layer `yaml:",inline"`
	DependsOn []vms.Layer `yaml:"depends_on,omitempty"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".vms")

	return &Config{
		Network: NetworkConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4101",
				"/ip4/0.0.0.0/tcp/8101/ws",
			},
			Bootstrap:   []string{},
			TopicPrefix: "/vms",
			MaxConns:    200,
			EnableMDNS:  true,
		},
		Storage: StorageConfig{
			Path: filepath.Join(base, "data"),
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(base, "audit"),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9101",
		},
		Publishers:       []PublisherConfig{},
		HalSubscriptions: []vms.Layer{},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".vms", "config.yaml")
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks addresses and publisher declarations.
func (c *Config) Validate() error {
	for _, addr := range c.Network.Listen {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("%w: listen address %q: %v", ErrInvalidConfig, addr, err)
		}
	}
	for _, addr := range c.Network.Bootstrap {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("%w: bootstrap address %q: %v", ErrInvalidConfig, addr, err)
		}
	}
	if c.Network.MaxConns <= 0 {
		return fmt.Errorf("%w: max_connections must be positive", ErrInvalidConfig)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("%w: metrics enabled without a listen address", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.Publishers))
	for i, p := range c.Publishers {
		if p.Info == "" {
			return fmt.Errorf("%w: publisher %d has no info", ErrInvalidConfig, i)
		}
		if seen[p.Info] {
			return fmt.Errorf("%w: publisher %q declared twice", ErrInvalidConfig, p.Info)
		}
		seen[p.Info] = true
	}
	return nil
}

// Offerings registers each configured publisher through register and returns
// its offering under the id register hands back.
func (c *Config) Offerings(register func(info []byte) int) []vms.Offering {
	out := make([]vms.Offering, 0, len(c.Publishers))
	for _, p := range c.Publishers {
		id := register([]byte(p.Info))
		deps := make([]vms.LayerDependency, 0, len(p.Layers))
		for _, l := range p.Layers {
			deps = append(deps, vms.NewLayerDependency(l.Layer, l.DependsOn...))
		}
		out = append(out, vms.NewOffering(id, deps...))
	}
	return out
}
