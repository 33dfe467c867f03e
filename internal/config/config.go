// Package config holds runtime settings for the keepsync CLI and the
// loading pipeline: defaults, then a JSON file, then command-line flags,
// with later sources taking precedence.
package config

import "time"

// RemoteKind selects the remote adapter implementation.
type RemoteKind string

const (
	RemoteWebDAV RemoteKind = "webdav"
	RemoteS3     RemoteKind = "s3"
)

// WebDAVConfig configures the WebDAV remote.
type WebDAVConfig struct {
	BaseURL  string
	Username string
	Password string
}

// S3Config configures the S3-compatible remote.
type S3Config struct {
	Region    string
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Config holds runtime settings for keepsync.
type Config struct {
	// DatabasePath is the local sqlite database file.
	DatabasePath string

	// Remote selects which adapter talks to the remote store.
	Remote RemoteKind
	WebDAV WebDAVConfig
	S3     S3Config

	// SyncInterval is the periodic cycle interval; SyncDebounce delays a
	// run-on-change trigger so edit bursts collapse into one cycle.
	SyncInterval time.Duration
	SyncDebounce time.Duration

	// LockTTL bounds the remote sync lock held during a cycle.
	LockTTL time.Duration

	// TombstoneRetention is how long confirmed-deleted items are kept
	// before physical purge.
	TombstoneRetention time.Duration

	// CacheDir and CacheBudgetBytes bound the local resource cache.
	// A budget of zero disables eviction.
	CacheDir         string
	CacheBudgetBytes int64
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabasePath = "keepsync.db"
	c.Remote = RemoteWebDAV
	c.SyncInterval = 5 * time.Minute
	c.SyncDebounce = 2 * time.Second
	c.LockTTL = 2 * time.Minute
	c.TombstoneRetention = 7 * 24 * time.Hour
	c.CacheDir = "resources"
	c.CacheBudgetBytes = 256 << 20
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
