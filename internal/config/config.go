// Package config loads the broker's runtime configuration from the
// environment (and an optional .env file) and validates it, most notably
// the keepalive pathological-value rule.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-sourced setting the broker and its
// ambient stack need. TCP listener setup, TLS termination, and CLI
// parsing remain the caller's concern; this struct only carries values.
type Config struct {
	Addr string `env:"PSMB_ADDR" envDefault:"0.0.0.0"`
	Port int    `env:"PSMB_PORT" envDefault:"3880"`

	MaxWorkers       int `env:"PSMB_MAX_WORKERS" envDefault:"32"`
	WorkerQueueSize  int `env:"PSMB_WORKER_QUEUE_SIZE" envDefault:"1024"`
	KeepaliveSeconds int `env:"PSMB_KEEPALIVE_SECONDS" envDefault:"-1"`
	MaxKeepaliveMiss int `env:"PSMB_MAX_KEEPALIVE_MISSES" envDefault:"3"`
	MaxStringBytes   int `env:"PSMB_MAX_STRING_BYTES" envDefault:"65536"`

	TLSCertFile string `env:"PSMB_TLS_CERT_FILE" envDefault:""`
	TLSKeyFile  string `env:"PSMB_TLS_KEY_FILE" envDefault:""`

	LogLevel  string `env:"PSMB_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"PSMB_LOG_FORMAT" envDefault:"json"`

	MetricsAddr string `env:"PSMB_METRICS_ADDR" envDefault:":9880"`

	MaxConnections int `env:"PSMB_MAX_CONNECTIONS" envDefault:"0"` // 0 = auto-detect from cgroup

	ConnRatePerSec       float64 `env:"PSMB_CONN_RATE_PER_SEC" envDefault:"1.0"`
	ConnBurst            int     `env:"PSMB_CONN_BURST" envDefault:"10"`
	GlobalConnRatePerSec float64 `env:"PSMB_GLOBAL_CONN_RATE_PER_SEC" envDefault:"50.0"`
	GlobalConnBurst      int     `env:"PSMB_GLOBAL_CONN_BURST" envDefault:"300"`

	CPURejectThreshold float64 `env:"PSMB_CPU_REJECT_THRESHOLD" envDefault:"90.0"`
	CPUPauseThreshold  float64 `env:"PSMB_CPU_PAUSE_THRESHOLD" envDefault:"75.0"`

	KafkaBridgeBrokers string `env:"PSMB_KAFKA_BRIDGE_BROKERS" envDefault:""`
	KafkaBridgeTopics  string `env:"PSMB_KAFKA_BRIDGE_TOPICS" envDefault:""`
	KafkaBridgeGroup   string `env:"PSMB_KAFKA_BRIDGE_GROUP" envDefault:"psmb-bridge"`
}

// Load reads .env (if present) then the process environment into a fresh
// Config, validates it, and returns it. logger may be nil during the
// startup bootstrap phase before a structured logger exists.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects keepalive intervals in (0,3] seconds as pathological,
// plus the general sanity checks a deployable process needs.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("PSMB_ADDR is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PSMB_PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("PSMB_MAX_WORKERS must be > 0, got %d", c.MaxWorkers)
	}
	if c.WorkerQueueSize < 1 {
		return fmt.Errorf("PSMB_WORKER_QUEUE_SIZE must be > 0, got %d", c.WorkerQueueSize)
	}
	if c.KeepaliveSeconds > 0 && c.KeepaliveSeconds <= 3 {
		return fmt.Errorf("PSMB_KEEPALIVE_SECONDS in (0,3] is pathological, got %d", c.KeepaliveSeconds)
	}
	if c.MaxKeepaliveMiss < 1 {
		return fmt.Errorf("PSMB_MAX_KEEPALIVE_MISSES must be > 0, got %d", c.MaxKeepaliveMiss)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("PSMB_TLS_CERT_FILE and PSMB_TLS_KEY_FILE must both be set or both empty")
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("PSMB_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("PSMB_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("PSMB_LOG_LEVEL must be one of debug,info,warn,error (got %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("PSMB_LOG_FORMAT must be one of json,console (got %s)", c.LogFormat)
	}
	return nil
}

// Print writes a human-readable startup banner for local operators
// running without a log aggregator in front of them.
func (c *Config) Print() {
	fmt.Println("=== psmbd configuration ===")
	fmt.Printf("Listen:              %s:%d\n", c.Addr, c.Port)
	fmt.Printf("Max workers:         %d (queue %d)\n", c.MaxWorkers, c.WorkerQueueSize)
	fmt.Printf("Keepalive:           %ds (max misses %d)\n", c.KeepaliveSeconds, c.MaxKeepaliveMiss)
	fmt.Printf("Max string bytes:    %d\n", c.MaxStringBytes)
	fmt.Printf("TLS:                 %s\n", tlsDescription(c))
	fmt.Printf("Metrics addr:        %s\n", c.MetricsAddr)
	fmt.Printf("Max connections:     %s\n", maxConnDescription(c))
	fmt.Printf("Conn rate limits:    ip=%.1f/s burst=%d global=%.1f/s burst=%d\n",
		c.ConnRatePerSec, c.ConnBurst, c.GlobalConnRatePerSec, c.GlobalConnBurst)
	fmt.Printf("CPU thresholds:      reject=%.1f%% pause=%.1f%%\n", c.CPURejectThreshold, c.CPUPauseThreshold)
	fmt.Printf("Log:                 level=%s format=%s\n", c.LogLevel, c.LogFormat)
	if c.KafkaBridgeBrokers != "" {
		fmt.Printf("Kafka bridge:        brokers=%s topics=%s group=%s\n", c.KafkaBridgeBrokers, c.KafkaBridgeTopics, c.KafkaBridgeGroup)
	}
	fmt.Println("============================")
}

func tlsDescription(c *Config) string {
	if c.TLSCertFile == "" {
		return "disabled"
	}
	return fmt.Sprintf("enabled (cert=%s)", c.TLSCertFile)
}

func maxConnDescription(c *Config) string {
	if c.MaxConnections == 0 {
		return "auto (cgroup-detected)"
	}
	return fmt.Sprintf("%d", c.MaxConnections)
}

// MetricsFlushInterval is how often the broker samples resource-guard
// state for both admission decisions and the /metrics gauges.
const MetricsFlushInterval = 15 * time.Second
