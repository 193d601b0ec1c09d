package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"dead-mans-switch/internal/core"
)

// EnvPrefix prefixes every environment override, e.g. DMS_STORE_DRIVER.
const EnvPrefix = "DMS"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Policy    PolicyConfig    `yaml:"policy"`
	Clock     ClockConfig     `yaml:"clock"`
	Store     StoreConfig     `yaml:"store"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Log       LogConfig       `yaml:"log"`
	Audit     AuditConfig     `yaml:"audit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
	// MaxSkew bounds how far a signed request timestamp may be from now.
	MaxSkew time.Duration `yaml:"max_skew" split_words:"true"`
	// Per identity request rate, zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" split_words:"true"`
	RateBurst int     `yaml:"rate_burst" split_words:"true"`
}

// PolicyConfig is the genesis policy. Once a store has recorded one, changing
// it here makes the server refuse to start.
type PolicyConfig struct {
	MinDelay uint64 `yaml:"min_delay" split_words:"true"`
	MaxDelay uint64 `yaml:"max_delay" split_words:"true"`
}

func (p PolicyConfig) GlobalPolicy() core.GlobalPolicy {
	return core.GlobalPolicy{MinDelay: core.Tick(p.MinDelay), MaxDelay: core.Tick(p.MaxDelay)}
}

const (
	ClockWall   = "wall"
	ClockManual = "manual"
)

type ClockConfig struct {
	Mode string `yaml:"mode"`
	// Wall clock: height zero at Genesis, one tick per Interval.
	Genesis  time.Time     `yaml:"genesis"`
	Interval time.Duration `yaml:"interval"`
	// Manual clock: starting height.
	Start uint64 `yaml:"start"`
}

const (
	DriverMemory   = "memory"
	DriverJSON     = "json"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type StoreConfig struct {
	Driver  string `yaml:"driver"`
	DataDir string `yaml:"data_dir" split_words:"true"`
	// DSN for sqlite (a file path) and postgres.
	DSN   string      `yaml:"dsn"`
	Redis RedisConfig `yaml:"redis"`
	// CacheSize puts an LRU of that many contracts in front of the store.
	CacheSize int `yaml:"cache_size" split_words:"true"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LedgerConfig struct {
	// Root may issue set_balance on the reference ledger.
	Root    string            `yaml:"root"`
	Genesis map[string]uint64 `yaml:"genesis"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuditConfig struct {
	// Path of the append-only audit file, empty disables the file.
	Path string `yaml:"path"`
}

type TelemetryConfig struct {
	// OTLPEndpoint enables metric export over gRPC when set.
	OTLPEndpoint   string        `yaml:"otlp_endpoint" split_words:"true"`
	Insecure       bool          `yaml:"insecure"`
	ExportInterval time.Duration `yaml:"export_interval" split_words:"true"`
	ServiceName    string        `yaml:"service_name" split_words:"true"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxSkew:         5 * time.Minute,
			RateLimit:       5,
			RateBurst:       10,
		},
		Policy: PolicyConfig{MinDelay: 10, MaxDelay: 5_256_000},
		Clock: ClockConfig{
			Mode:     ClockWall,
			Genesis:  time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
			Interval: 6 * time.Second,
		},
		Store: StoreConfig{
			Driver:  DriverJSON,
			DataDir: "./data",
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "dms"},
		},
		Log:   LogConfig{Level: "info", Format: "json"},
		Audit: AuditConfig{Path: "./data/audit.log"},
		Telemetry: TelemetryConfig{
			ExportInterval: 30 * time.Second,
			ServiceName:    "dead-mans-switch",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies DMS_*
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decodeYAML(file, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.Policy.GlobalPolicy().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.MaxSkew <= 0 {
		return errors.New("server.max_skew must be positive")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit cannot be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		return errors.New("server.rate_burst must be at least 1 when rate limiting")
	}

	switch c.Clock.Mode {
	case ClockWall:
		if c.Clock.Interval <= 0 {
			return errors.New("clock.interval must be positive")
		}
		if c.Clock.Genesis.IsZero() {
			return errors.New("clock.genesis is required for the wall clock")
		}
	case ClockManual:
	default:
		return fmt.Errorf("clock.mode %q: want %s or %s", c.Clock.Mode, ClockWall, ClockManual)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverJSON:
		if c.Store.DataDir == "" {
			return errors.New("store.data_dir is required for the json store")
		}
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s store", c.Store.Driver)
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.CacheSize < 0 {
		return errors.New("store.cache_size cannot be negative")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q: want json or text", c.Log.Format)
	}
	if c.Telemetry.OTLPEndpoint != "" && c.Telemetry.ExportInterval <= 0 {
		return errors.New("telemetry.export_interval must be positive")
	}
	return nil
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
