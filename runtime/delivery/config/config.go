// Package config loads a2a-ledger configuration.
//
// Configuration comes from three layers, later layers overriding earlier
// ones: built-in defaults, an optional YAML file, and A2A_* environment
// variables.
//
// Environment variables:
//
//	A2A_BACKEND              - store backend: memory, mongo, redis or sqlite (default: "memory")
//	A2A_DEFAULT_TTL          - record lifetime (default: "24h")
//	A2A_MAX_GAP_BUFFER       - out-of-order acks buffered per session (default: 1024)
//	A2A_PURGE_INTERVAL       - interval between expiry purges (default: "1m")
//	A2A_RETRY_MAX_ATTEMPTS   - resends per message (default: 5)
//	A2A_RETRY_BASE_DELAY     - first backoff delay (default: "1s")
//	A2A_RETRY_MAX_DELAY      - backoff cap (default: "30s")
//	A2A_RETRY_MULTIPLIER     - backoff multiplier (default: 2)
//	A2A_RETRY_JITTER         - jitter factor (default: 0.1)
//	A2A_RETRY_POLL_INTERVAL  - retry driver polling interval (default: "1s")
//	A2A_RETRY_RESEND_RATE    - resends per second (default: 100)
//	A2A_RETRY_STALE_AFTER    - age at which UNKNOWN messages are resent (default: "30s")
//	A2A_MONGO_URI            - MongoDB connection URI
//	A2A_MONGO_DATABASE       - MongoDB database (default: "a2a")
//	A2A_REDIS_ADDR           - Redis address (default: "localhost:6379")
//	A2A_REDIS_PASSWORD       - Redis password (optional)
//	A2A_REDIS_MAP            - replicated map name (default: "a2a-ledger")
//	A2A_SQLITE_PATH          - SQLite database file (default: "a2a-ledger.db")
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/a2a-ledger/runtime/delivery"
	"goa.design/a2a-ledger/runtime/delivery/retransmit"
	"goa.design/a2a-ledger/runtime/delivery/session"
)

type (
	// Config is the full a2a-ledger configuration.
	Config struct {
		Backend       Backend       `yaml:"backend"`
		DefaultTTL    time.Duration `yaml:"defaultTTL"`
		MaxGapBuffer  int           `yaml:"maxGapBuffer"`
		PurgeInterval time.Duration `yaml:"purgeInterval"`
		Retry         Retry         `yaml:"retry"`
		Mongo         Mongo         `yaml:"mongo"`
		Redis         Redis         `yaml:"redis"`
		SQLite        SQLite        `yaml:"sqlite"`
	}

	// Backend names a store implementation.
	Backend string

	// Retry configures the retransmitter and its driver.
	Retry struct {
		MaxAttempts       int           `yaml:"maxAttempts"`
		BaseDelay         time.Duration `yaml:"baseDelay"`
		MaxDelay          time.Duration `yaml:"maxDelay"`
		BackoffMultiplier float64       `yaml:"backoffMultiplier"`
		JitterFactor      float64       `yaml:"jitterFactor"`
		PollInterval      time.Duration `yaml:"pollInterval"`
		ResendRate        float64       `yaml:"resendRate"`
		StaleAfter        time.Duration `yaml:"staleAfter"`
	}

	// Mongo configures the MongoDB store.
	Mongo struct {
		URI      string        `yaml:"uri"`
		Database string        `yaml:"database"`
		Timeout  time.Duration `yaml:"timeout"`
	}

	// Redis configures the replicated-map store.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		MapName  string `yaml:"mapName"`
	}

	// SQLite configures the SQLite store.
	SQLite struct {
		Path string `yaml:"path"`
	}
)

const (
	BackendMemory Backend = "memory"
	BackendMongo  Backend = "mongo"
	BackendRedis  Backend = "redis"
	BackendSQLite Backend = "sqlite"
)

// Default returns the built-in configuration.
func Default() Config {
	p := retransmit.DefaultPolicy()
	return Config{
		Backend:       BackendMemory,
		DefaultTTL:    delivery.DefaultTTL,
		MaxGapBuffer:  session.DefaultMaxGapBuffer,
		PurgeInterval: time.Minute,
		Retry: Retry{
			MaxAttempts:       p.MaxAttempts,
			BaseDelay:         p.BaseDelay,
			MaxDelay:          p.MaxDelay,
			BackoffMultiplier: p.BackoffMultiplier,
			JitterFactor:      p.JitterFactor,
			PollInterval:      retransmit.DefaultInterval,
			ResendRate:        retransmit.DefaultResendRate,
			StaleAfter:        retransmit.DefaultStaleAfter,
		},
		Mongo: Mongo{
			Database: "a2a",
			Timeout:  5 * time.Second,
		},
		Redis: Redis{
			Addr:    "localhost:6379",
			MapName: "a2a-ledger",
		},
		SQLite: SQLite{
			Path: "a2a-ledger.db",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// not empty) and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode overlays the YAML document data onto cfg. Unknown fields are
// rejected.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg with A2A_* variables returned by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}
	if v, ok := e.str("A2A_BACKEND"); ok {
		c.Backend = Backend(v)
	}
	e.duration("A2A_DEFAULT_TTL", &c.DefaultTTL)
	e.integer("A2A_MAX_GAP_BUFFER", &c.MaxGapBuffer)
	e.duration("A2A_PURGE_INTERVAL", &c.PurgeInterval)
	e.integer("A2A_RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts)
	e.duration("A2A_RETRY_BASE_DELAY", &c.Retry.BaseDelay)
	e.duration("A2A_RETRY_MAX_DELAY", &c.Retry.MaxDelay)
	e.float("A2A_RETRY_MULTIPLIER", &c.Retry.BackoffMultiplier)
	e.float("A2A_RETRY_JITTER", &c.Retry.JitterFactor)
	e.duration("A2A_RETRY_POLL_INTERVAL", &c.Retry.PollInterval)
	e.float("A2A_RETRY_RESEND_RATE", &c.Retry.ResendRate)
	e.duration("A2A_RETRY_STALE_AFTER", &c.Retry.StaleAfter)
	e.text("A2A_MONGO_URI", &c.Mongo.URI)
	e.text("A2A_MONGO_DATABASE", &c.Mongo.Database)
	e.text("A2A_REDIS_ADDR", &c.Redis.Addr)
	e.text("A2A_REDIS_PASSWORD", &c.Redis.Password)
	e.text("A2A_REDIS_MAP", &c.Redis.MapName)
	e.text("A2A_SQLITE_PATH", &c.SQLite.Path)
	return errors.Join(e.errs...)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	case BackendMongo:
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("mongo backend requires mongo.uri"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.DefaultTTL <= 0 {
		errs = append(errs, errors.New("defaultTTL must be positive"))
	}
	if c.MaxGapBuffer <= 0 {
		errs = append(errs, errors.New("maxGapBuffer must be positive"))
	}
	if c.PurgeInterval <= 0 {
		errs = append(errs, errors.New("purgeInterval must be positive"))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.maxAttempts must not be negative"))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.Retry.BackoffMultiplier <= 0 {
		errs = append(errs, errors.New("retry.backoffMultiplier must be positive"))
	}
	if c.Retry.JitterFactor < 0 {
		errs = append(errs, errors.New("retry.jitterFactor must not be negative"))
	}
	if c.Retry.PollInterval <= 0 {
		errs = append(errs, errors.New("retry.pollInterval must be positive"))
	}
	if c.Retry.ResendRate <= 0 {
		errs = append(errs, errors.New("retry.resendRate must be positive"))
	}
	if c.Retry.StaleAfter <= 0 {
		errs = append(errs, errors.New("retry.staleAfter must be positive"))
	}
	return errors.Join(errs...)
}

// Policy returns the retransmit policy described by the configuration.
func (c *Config) Policy() retransmit.Policy {
	return retransmit.Policy{
		MaxAttempts:       c.Retry.MaxAttempts,
		BaseDelay:         c.Retry.BaseDelay,
		MaxDelay:          c.Retry.MaxDelay,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		JitterFactor:      c.Retry.JitterFactor,
		Classifier:        retransmit.IsRetryable,
	}
}

// SessionOptions returns the session manager options described by the
// configuration.
func (c *Config) SessionOptions() []session.Option {
	return []session.Option{
		session.WithMaxGapBuffer(c.MaxGapBuffer),
	}
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) str(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) text(key string, dst *string) {
	if v, ok := e.str(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.str(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = i
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.str(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.str(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}
