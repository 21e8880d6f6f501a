package session

import (
	"encoding/hex"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from "6h" style strings in
// both YAML documents and environment variables.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", string(text))
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config wires a Session. Values come from an optional YAML file with
// environment variables layered on top; unset fields fall back to the
// defaults below.
type Config struct {
	// StorePath is the sqlite file backing the cache and the offline
	// queue. Empty means in-memory only: nothing survives a restart.
	StorePath string `env:"NEARMARKET_STORE_PATH" yaml:"store_path"`

	// RedisAddr switches the persisted tier to redis. Takes precedence
	// over StorePath when both are set.
	RedisAddr     string `env:"NEARMARKET_REDIS_ADDR"     yaml:"redis_addr"`
	RedisPassword string `env:"NEARMARKET_REDIS_PASSWORD" yaml:"redis_password"`
	RedisDB       int    `env:"NEARMARKET_REDIS_DB"       yaml:"redis_db"`

	// EncryptionKey is a hex-encoded 32-byte key. When set, chat records
	// are encrypted at rest; other namespaces stay in the clear so prefix
	// invalidation works.
	EncryptionKey string `env:"NEARMARKET_ENCRYPTION_KEY" yaml:"encryption_key"`

	CacheTTL      Duration `env:"NEARMARKET_CACHE_TTL"       yaml:"cache_ttl"`
	FirstPageSize int      `env:"NEARMARKET_FIRST_PAGE_SIZE" yaml:"first_page_size"`
	NextPageSize  int      `env:"NEARMARKET_NEXT_PAGE_SIZE"  yaml:"next_page_size"`

	// ProbeInterval <= 0 disables the connectivity probe loop; the app
	// then drives the monitor itself via SetOnline.
	ProbeInterval Duration `env:"NEARMARKET_PROBE_INTERVAL" yaml:"probe_interval"`
	ProbeAddr     string   `env:"NEARMARKET_PROBE_ADDR"     yaml:"probe_addr"`
}

const (
	defaultCacheTTL      = 6 * time.Hour
	defaultFirstPageSize = 20
	defaultNextPageSize  = 10
	defaultProbeAddr     = "1.1.1.1:443"
)

// LoadConfig reads the YAML file at path (skipped when path is empty),
// overlays environment variables, and fills remaining zero values with
// defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "session: read config")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrap(err, "session: parse config")
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "session: parse env")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CacheTTL <= 0 {
		c.CacheTTL = Duration(defaultCacheTTL)
	}
	if c.FirstPageSize <= 0 {
		c.FirstPageSize = defaultFirstPageSize
	}
	if c.NextPageSize <= 0 {
		c.NextPageSize = defaultNextPageSize
	}
	if c.ProbeAddr == "" {
		c.ProbeAddr = defaultProbeAddr
	}
}

func (c *Config) validate() error {
	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil {
			return errors.Wrap(err, "session: encryption key is not hex")
		}
		if len(key) != 32 {
			return errors.Newf("session: encryption key must be 32 bytes, got %d", len(key))
		}
	}
	return nil
}

// encryptionKey returns the decoded key, or nil when none is configured.
// validate has already checked the encoding.
func (c *Config) encryptionKey() []byte {
	if c.EncryptionKey == "" {
		return nil
	}
	key, _ := hex.DecodeString(c.EncryptionKey)
	return key
}
