// Package config handles configuration for the sync client: defaults,
// JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for a sync client instance.
//
// Fields:
//   - ServerAddr: base URL of the sync server (e.g. http://127.0.0.1:8080).
//   - ClientID: stable identity of this replica; generated on first run if empty.
//   - DatabasePath: SQLite file holding the mutation log, checkpoint and records.
//   - AuthToken: bearer token presented on every request.
//   - SyncInterval: how often a sync cycle is triggered while online.
//   - OnlineCheckInterval: how often the connectivity monitor probes the server.
//   - RequestTimeout: per-push network timeout.
//   - BatchSize: maximum mutations drained per push.
//   - MaxRetries: transient-failure retries per cycle before surfacing.
//   - BackoffBase: first exponential backoff delay.
type Config struct {
	ServerAddr          string
	ClientID            string
	DatabasePath        string
	AuthToken           string
	SyncInterval        time.Duration
	OnlineCheckInterval time.Duration
	RequestTimeout      time.Duration
	BatchSize           int
	MaxRetries          int
	BackoffBase         time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerAddr = "http://127.0.0.1:8080"
	c.DatabasePath = "sync.db"
	c.SyncInterval = 30 * time.Second
	c.OnlineCheckInterval = 3 * time.Second
	c.RequestTimeout = 10 * time.Second
	c.BatchSize = 100
	c.MaxRetries = 5
	c.BackoffBase = 500 * time.Millisecond
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
