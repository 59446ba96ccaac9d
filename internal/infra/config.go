package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"auction_go/internal/domain"
)

// Config holds every setting of the auction process.
// LoadConfig reads the YAML file first, then lets the environment override it.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Engine struct {
		InboxSize        int    `yaml:"inbox_size"`
		EnqueueTimeoutMS int    `yaml:"enqueue_timeout_ms"`
		DumpDir          string `yaml:"dump_dir"`
	} `yaml:"engine"`

	Auction struct {
		MinReputation          decimal.Decimal `yaml:"min_reputation"`
		ExtendThresholdSeconds int64           `yaml:"extend_threshold_seconds"`
		ExtendDurationSeconds  int64           `yaml:"extend_duration_seconds"`
		SweepIntervalMS        int             `yaml:"sweep_interval_ms"`
	} `yaml:"auction"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"nats"`

	WS struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"ws"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &domain.ConfigError{Field: path, Err: domain.ErrConfigNotFound}
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// .env is optional; real environment variables win over it
	_ = godotenv.Load()
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the settings used for keys the file leaves out.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "auction"
	cfg.Engine.InboxSize = 256
	cfg.Engine.EnqueueTimeoutMS = 2000
	cfg.Engine.DumpDir = "dumps"
	cfg.Auction.MinReputation = decimal.RequireFromString("0.80")
	cfg.Auction.ExtendThresholdSeconds = 300
	cfg.Auction.ExtendDurationSeconds = 600
	cfg.Auction.SweepIntervalMS = 1000
	cfg.Storage.Path = "data/auction.db"
	cfg.NATS.URL = "nats://127.0.0.1:4222"
	cfg.WS.Addr = ":8081"
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	return cfg
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Engine.InboxSize <= 0 {
		return &domain.ConfigError{Field: "engine.inbox_size", Err: fmt.Errorf("must be positive, got %d", c.Engine.InboxSize)}
	}
	if c.Engine.EnqueueTimeoutMS <= 0 {
		return &domain.ConfigError{Field: "engine.enqueue_timeout_ms", Err: fmt.Errorf("must be positive, got %d", c.Engine.EnqueueTimeoutMS)}
	}
	if c.Auction.MinReputation.IsNegative() || c.Auction.MinReputation.GreaterThan(decimal.NewFromInt(1)) {
		return &domain.ConfigError{Field: "auction.min_reputation", Err: fmt.Errorf("must be within [0,1], got %s", c.Auction.MinReputation)}
	}
	if c.Auction.ExtendThresholdSeconds < 0 || c.Auction.ExtendDurationSeconds < 0 {
		return &domain.ConfigError{Field: "auction.extend", Err: fmt.Errorf("soft-close seconds must not be negative")}
	}
	if c.Auction.SweepIntervalMS <= 0 {
		return &domain.ConfigError{Field: "auction.sweep_interval_ms", Err: fmt.Errorf("must be positive, got %d", c.Auction.SweepIntervalMS)}
	}
	if c.Storage.Path == "" {
		return &domain.ConfigError{Field: "storage.path", Err: fmt.Errorf("required")}
	}
	if c.NATS.Enabled && !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return &domain.ConfigError{Field: "nats.url", Err: fmt.Errorf("invalid NATS URL: %s", c.NATS.URL)}
	}
	if c.WS.Enabled && c.WS.Addr == "" {
		return &domain.ConfigError{Field: "ws.addr", Err: fmt.Errorf("required when ws is enabled")}
	}
	return nil
}

// Policy returns the default soft-close policy.
func (c *Config) Policy() domain.AuctionPolicy {
	return domain.AuctionPolicy{
		ExtendThresholdSeconds: c.Auction.ExtendThresholdSeconds,
		ExtendDurationSeconds:  c.Auction.ExtendDurationSeconds,
	}
}

// EnqueueTimeout returns the engine's enqueue timeout.
func (c *Config) EnqueueTimeout() time.Duration {
	return time.Duration(c.Engine.EnqueueTimeoutMS) * time.Millisecond
}

// SweepInterval returns the deadline sweep period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Auction.SweepIntervalMS) * time.Millisecond
}

// overrideWithEnv replaces config values with AUCTION_* variables when set.
func overrideWithEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setInt("AUCTION_INBOX_SIZE", &cfg.Engine.InboxSize)
	setInt("AUCTION_ENQUEUE_TIMEOUT_MS", &cfg.Engine.EnqueueTimeoutMS)
	setStr("AUCTION_DUMP_DIR", &cfg.Engine.DumpDir)
	if v := os.Getenv("AUCTION_MIN_REPUTATION"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.Auction.MinReputation = d
		}
	}
	setInt64("AUCTION_EXTEND_THRESHOLD_SECONDS", &cfg.Auction.ExtendThresholdSeconds)
	setInt64("AUCTION_EXTEND_DURATION_SECONDS", &cfg.Auction.ExtendDurationSeconds)
	setInt("AUCTION_SWEEP_INTERVAL_MS", &cfg.Auction.SweepIntervalMS)
	setStr("AUCTION_DB_PATH", &cfg.Storage.Path)
	setBool("AUCTION_NATS_ENABLED", &cfg.NATS.Enabled)
	setStr("AUCTION_NATS_URL", &cfg.NATS.URL)
	setBool("AUCTION_WS_ENABLED", &cfg.WS.Enabled)
	setStr("AUCTION_WS_ADDR", &cfg.WS.Addr)
	setStr("AUCTION_LOG_LEVEL", &cfg.Logging.Level)
}
