// Package config loads the autowiki configuration: a YAML file, defaults,
// and environment overrides, validated against an embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/autowiki/internal/transport"
)

//go:embed schema.cue
var schemaSource string

// Environment variables that override file settings.
const (
	EnvPersistenceDir = "AUTOWIKI_PERSISTENCE_DIR"
	EnvPort           = "PORT"
	EnvPeers          = "AUTOWIKI_PEERS"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StoreFramelog = "framelog"
)

// Duration is a time.Duration written as a Go duration string ("1s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// MarshalText renders d as a duration string in JSON output.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Compaction configures background compaction.
type Compaction struct {
	Threshold int      `yaml:"threshold" json:"threshold"`
	Interval  Duration `yaml:"interval" json:"interval"`
}

// Reconnect configures the client reconnect backoff.
type Reconnect struct {
	Initial Duration `yaml:"initial" json:"initial"`
	Max     Duration `yaml:"max" json:"max"`
}

// Config is the complete configuration.
type Config struct {
	// Listen is the relay server address.
	Listen string `yaml:"listen" json:"listen"`
	// DataDir holds the record store and the peer secret.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// SecretFile defaults to <data_dir>/peer.key.
	SecretFile string `yaml:"secret_file" json:"secret_file"`
	// Store selects the record store backend.
	Store string `yaml:"store" json:"store"`
	// Peers are relay servers to sync with, as [secret@]host[:port].
	Peers            []string   `yaml:"peers" json:"peers"`
	Compaction       Compaction `yaml:"compaction" json:"compaction"`
	FlushInterval    Duration   `yaml:"flush_interval" json:"flush_interval"`
	HandshakeTimeout Duration   `yaml:"handshake_timeout" json:"handshake_timeout"`
	Reconnect        Reconnect  `yaml:"reconnect" json:"reconnect"`
	CacheSize        int        `yaml:"cache_size" json:"cache_size"`
	// Metrics serves /metrics next to the sync endpoint.
	Metrics bool `yaml:"metrics" json:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:  fmt.Sprintf(":%d", transport.DefaultPort),
		DataDir: "data",
		Store:   StoreSQLite,
		Peers:   []string{},
		Compaction: Compaction{
			Threshold: 100,
			Interval:  Duration(time.Minute),
		},
		FlushInterval:    Duration(time.Second),
		HandshakeTimeout: Duration(10 * time.Second),
		Reconnect: Reconnect{
			Initial: Duration(500 * time.Millisecond),
			Max:     Duration(30 * time.Second),
		},
		CacheSize: 256,
		Metrics:   true,
	}
}

// Load reads the configuration at path over the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	if cfg.Peers == nil {
		cfg.Peers = []string{}
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPersistenceDir); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		host, _, err := net.SplitHostPort(c.Listen)
		if err != nil {
			return fmt.Errorf("%s: listen %q: %w", EnvPort, c.Listen, err)
		}
		c.Listen = net.JoinHostPort(host, v)
	}
	if v, ok := lookup(EnvPeers); ok {
		c.Peers = []string{}
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Peers = append(c.Peers, p)
			}
		}
	}
	return nil
}

// Validate checks c against the schema and parses the peer addresses.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	// Round-trip through YAML so the value carries the file's field names
	// and duration strings.
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var generic map[string]any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(generic))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := c.PeerAddresses(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Reconnect.Max < c.Reconnect.Initial {
		return fmt.Errorf("invalid config: reconnect.max %s is below reconnect.initial %s",
			c.Reconnect.Max.Std(), c.Reconnect.Initial.Std())
	}
	return nil
}

// SecretPath is where the peer secret lives.
func (c Config) SecretPath() string {
	if c.SecretFile != "" {
		return c.SecretFile
	}
	return filepath.Join(c.DataDir, "peer.key")
}

// StorePath is the record store location: a database file for sqlite, a
// directory for framelog.
func (c Config) StorePath() string {
	if c.Store == StoreFramelog {
		return filepath.Join(c.DataDir, "log")
	}
	return filepath.Join(c.DataDir, "autowiki.db")
}

// PeerAddresses parses Peers.
func (c Config) PeerAddresses() ([]transport.PeerAddress, error) {
	out := make([]transport.PeerAddress, 0, len(c.Peers))
	for _, p := range c.Peers {
		addr, err := transport.ParsePeerAddress(p)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// TransportSettings derives connection settings.
func (c Config) TransportSettings() transport.Settings {
	s := transport.DefaultSettings()
	s.HandshakeTimeout = c.HandshakeTimeout.Std()
	return s
}

// Backoff derives the reconnect schedule.
func (c Config) Backoff() transport.Backoff {
	b := transport.DefaultBackoff()
	b.Initial = c.Reconnect.Initial.Std()
	b.Max = c.Reconnect.Max.Std()
	return b
}

// YAML renders c as a config file.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
