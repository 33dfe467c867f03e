package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/keepsync/internal/flagx"
	"github.com/dmitrijs2005/keepsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations may
// be given as strings like "5m" or as integer nanoseconds; values are copied
// into the runtime Config after parsing.
type JsonConfig struct {
	DatabasePath string `json:"database_path"`
	Remote       string `json:"remote"`

	WebDAV struct {
		BaseURL  string `json:"base_url"`
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"webdav"`

	S3 struct {
		Region    string `json:"region"`
		Endpoint  string `json:"endpoint"`
		Bucket    string `json:"bucket"`
		AccessKey string `json:"access_key"`
		SecretKey string `json:"secret_key"`
	} `json:"s3"`

	SyncInterval       timex.Duration `json:"sync_interval"`
	SyncDebounce       timex.Duration `json:"sync_debounce"`
	LockTTL            timex.Duration `json:"lock_ttl"`
	TombstoneRetention timex.Duration `json:"tombstone_retention"`

	CacheDir         string `json:"cache_dir"`
	CacheBudgetBytes int64  `json:"cache_budget_bytes"`
}

// parseJson overlays cfg with values loaded from the JSON file named by the
// -c/-config flags. Absent file path means no JSON is loaded. Only fields
// present in the file override the current value.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.DatabasePath != "" {
		cfg.DatabasePath = jc.DatabasePath
	}
	if jc.Remote != "" {
		cfg.Remote = RemoteKind(jc.Remote)
	}
	if jc.WebDAV.BaseURL != "" {
		cfg.WebDAV.BaseURL = jc.WebDAV.BaseURL
	}
	if jc.WebDAV.Username != "" {
		cfg.WebDAV.Username = jc.WebDAV.Username
	}
	if jc.WebDAV.Password != "" {
		cfg.WebDAV.Password = jc.WebDAV.Password
	}
	if jc.S3.Region != "" {
		cfg.S3.Region = jc.S3.Region
	}
	if jc.S3.Endpoint != "" {
		cfg.S3.Endpoint = jc.S3.Endpoint
	}
	if jc.S3.Bucket != "" {
		cfg.S3.Bucket = jc.S3.Bucket
	}
	if jc.S3.AccessKey != "" {
		cfg.S3.AccessKey = jc.S3.AccessKey
	}
	if jc.S3.SecretKey != "" {
		cfg.S3.SecretKey = jc.S3.SecretKey
	}
	if jc.SyncInterval.Duration > 0 {
		cfg.SyncInterval = jc.SyncInterval.Duration
	}
	if jc.SyncDebounce.Duration > 0 {
		cfg.SyncDebounce = jc.SyncDebounce.Duration
	}
	if jc.LockTTL.Duration > 0 {
		cfg.LockTTL = jc.LockTTL.Duration
	}
	if jc.TombstoneRetention.Duration > 0 {
		cfg.TombstoneRetention = jc.TombstoneRetention.Duration
	}
	if jc.CacheDir != "" {
		cfg.CacheDir = jc.CacheDir
	}
	if jc.CacheBudgetBytes > 0 {
		cfg.CacheBudgetBytes = jc.CacheBudgetBytes
	}
}
