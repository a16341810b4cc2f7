package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen         = ":8080"
	DefaultWSPath         = "/"
	DefaultAntiSpam       = 2 * time.Second
	DefaultStatusInterval = 60 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultConfigFile     = "chatrelay.toml"
)

var (
	ErrNoPeers              = errors.New("no peers configured")
	ErrDuplicateName        = errors.New("duplicate peer name")
	ErrDuplicateDestination = errors.New("duplicate chat destination")
	ErrInvalidCredential    = errors.New("credential has surrounding whitespace or a '|'")
)

var validate = validator.New()

// Duration is a time.Duration that decodes from strings like "2s" in both
// TOML and YAML files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// PeerConfig describes one remote game server. The map key it is stored
// under in Config.Peers is its credential.
type PeerConfig struct {
	// Name is the human-facing name, also used by console commands.
	Name string `toml:"name" yaml:"name" validate:"required"`
	// Address is the host:port used by the fallback status poller.
	Address string `toml:"address,omitempty" yaml:"address,omitempty" validate:"omitempty,hostname_port"`
	// ChatDestination is the external channel that mirrors this peer's chat.
	ChatDestination string `toml:"chat_destination,omitempty" yaml:"chat_destination,omitempty"`
	// StatusDestination is the external channel holding the status post.
	StatusDestination string `toml:"status_destination,omitempty" yaml:"status_destination,omitempty"`
}

// Config is the hub configuration loaded from chatrelay.toml (or .yaml).
type Config struct {
	Listen         string                `toml:"listen" yaml:"listen" validate:"required"`
	WSPath         string                `toml:"ws_path" yaml:"ws_path" validate:"required,startswith=/"`
	DataDir        string                `toml:"data_dir,omitempty" yaml:"data_dir,omitempty"`
	CommandChannel string                `toml:"command_channel,omitempty" yaml:"command_channel,omitempty"`
	AntiSpam       Duration              `toml:"anti_spam" yaml:"anti_spam"`
	StatusInterval Duration              `toml:"status_interval" yaml:"status_interval"`
	WriteTimeout   Duration              `toml:"write_timeout" yaml:"write_timeout"`
	// StatusQuery makes the fallback poller try the UDP query protocol
	// first, which reports every online player instead of a sample.
	StatusQuery    bool                  `toml:"status_query,omitempty" yaml:"status_query,omitempty"`
	// TrustedProxies lists reverse proxies (IPs or CIDRs) whose
	// X-Forwarded-For header is believed. Empty means the header is ignored.
	TrustedProxies []string              `toml:"trusted_proxies,omitempty" yaml:"trusted_proxies,omitempty" validate:"dive,cidr|ip"`
	Peers          map[string]PeerConfig `toml:"peers" yaml:"peers"`
}

// Env holds process-level overrides read from the environment (and .env).
type Env struct {
	// Port follows the hosting-platform convention of a bare PORT variable.
	Port       string `env:"PORT"`
	Listen     string `env:"CHATRELAY_LISTEN"`
	ConfigPath string `env:"CHATRELAY_CONFIG"`
	DataDir    string `env:"CHATRELAY_DATA_DIR"`
	AdminToken string `env:"CHATRELAY_ADMIN_TOKEN"`
	LogLevel   string `env:"CHATRELAY_LOG_LEVEL" envDefault:"info"`
}

// LoadEnv loads .env from the working directory when present and parses
// the CHATRELAY_* variables.
func LoadEnv() (Env, error) {
	_ = godotenv.Load()

	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// Load reads the hub configuration from path, applies env overrides and
// defaults, and validates it.
func Load(path string, e Env) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv(e)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(e Env) {
	if e.Listen != "" {
		c.Listen = e.Listen
	} else if e.Port != "" {
		c.Listen = net.JoinHostPort("0.0.0.0", e.Port)
	}
	if e.DataDir != "" {
		c.DataDir = e.DataDir
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.WSPath == "" {
		c.WSPath = DefaultWSPath
	}
	if c.AntiSpam.Duration == 0 {
		c.AntiSpam.Duration = DefaultAntiSpam
	}
	if c.StatusInterval.Duration == 0 {
		c.StatusInterval.Duration = DefaultStatusInterval
	}
	if c.WriteTimeout.Duration == 0 {
		c.WriteTimeout.Duration = DefaultWriteTimeout
	}
}

// Validate checks field constraints on the hub settings and every peer,
// then makes sure the reverse indexes can be built without collisions.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.AntiSpam.Duration < 0 || c.StatusInterval.Duration <= 0 || c.WriteTimeout.Duration <= 0 {
		return fmt.Errorf("durations must be positive")
	}
	if len(c.Peers) == 0 {
		return ErrNoPeers
	}
	for credential, peer := range c.Peers {
		if strings.TrimSpace(credential) == "" {
			return fmt.Errorf("peer %q: empty credential", peer.Name)
		}
		// Peers send the credential in an AUTH frame, which is trimmed and
		// split on the pipe delimiter before lookup.
		if strings.TrimSpace(credential) != credential || strings.Contains(credential, "|") {
			return fmt.Errorf("peer %q: %w", peer.Name, ErrInvalidCredential)
		}
		if err := validate.Struct(peer); err != nil {
			return fmt.Errorf("peer %q: %w", peer.Name, err)
		}
	}
	_, err := NewTable(c.Peers)
	return err
}

// TrustedProxyPrefixes returns TrustedProxies as prefixes; a bare IP becomes
// a single-address prefix. Entries that fail to parse are skipped.
func (c *Config) TrustedProxyPrefixes() []netip.Prefix {
	var out []netip.Prefix
	for _, p := range c.TrustedProxies {
		if strings.Contains(p, "/") {
			if prefix, err := netip.ParsePrefix(p); err == nil {
				out = append(out, prefix.Masked())
			}
			continue
		}
		if addr, err := netip.ParseAddr(p); err == nil {
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
		}
	}
	return out
}

// Table builds the credential table for the loaded peers.
func (c *Config) Table() (*Table, error) {
	return NewTable(c.Peers)
}
