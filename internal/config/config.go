// Package config loads and validates the proxy's configuration record.
// Loading and validation are treated as an external collaborator to the
// core request-handling engine (internal/proxy): the only contract between
// this package and the core is a validated *Config.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AsyncUpload configures background upload staging.
type AsyncUpload struct {
	Enabled            bool   `yaml:"enabled"`
	CacheDir           string `yaml:"cacheDir"`
	MaxPendingUploadMB int64  `yaml:"maxPendingUploadMB"`
}

// Logging configures the log sink.
type Logging struct {
	File string `yaml:"file"`
}

// Config is the fully validated, immutable-for-the-life-of-the-process
// configuration record consumed at startup.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Bucket   string `yaml:"bucket"`
	S3Prefix string `yaml:"s3Prefix"`

	IdleMinutes          int `yaml:"idleMinutes"`
	SocketTimeoutSeconds int `yaml:"socketTimeoutSeconds"`

	ErrorsBeforePausing int `yaml:"errorsBeforePausing"`
	PauseMinutes        int `yaml:"pauseMinutes"`

	AllowOffline     bool `yaml:"allowOffline"`
	AllowGccDepfiles bool `yaml:"allowGccDepfiles"`

	MaxEntrySizeBytes int64 `yaml:"maxEntrySizeBytes"`

	// Memory cache capacity controls, independent from the upload cap
	// above, though applyDefaults ties CacheMaxEntryBytes to
	// MaxEntrySizeBytes when left unset, since deployments generally want
	// "too big to upload" and "too big to cache" to agree.
	MaxTotalCacheBytes int64 `yaml:"maxTotalCacheBytes"`
	CacheMaxEntryBytes int64 `yaml:"cacheMaxEntryBytes"`

	AsyncUpload AsyncUpload `yaml:"asyncUpload"`
	Logging     Logging     `yaml:"logging"`

	// Debug enables verbose logging of every remote object-store call,
	// via internal/objectstore.Debug.
	Debug bool `yaml:"debug"`
}

// applyDefaults fills in zero-valued fields with sane operational
// defaults before Validate runs.
func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.SocketTimeoutSeconds == 0 {
		c.SocketTimeoutSeconds = 30
	}
	if c.ErrorsBeforePausing == 0 {
		c.ErrorsBeforePausing = 5
	}
	if c.PauseMinutes == 0 {
		c.PauseMinutes = 5
	}
	if c.MaxTotalCacheBytes == 0 {
		c.MaxTotalCacheBytes = 512 * 1024 * 1024
	}
	if c.CacheMaxEntryBytes == 0 && c.MaxEntrySizeBytes != 0 {
		c.CacheMaxEntryBytes = c.MaxEntrySizeBytes
	}
	if c.AsyncUpload.Enabled && c.AsyncUpload.CacheDir == "" {
		c.AsyncUpload.CacheDir = "/tmp/s3cacheproxy-spool"
	}
	// The pending-upload budget gates every PUT's spool admission,
	// synchronous or async, not just async mode, so it needs a default
	// regardless of whether AsyncUpload.Enabled is set.
	if c.AsyncUpload.MaxPendingUploadMB == 0 {
		c.AsyncUpload.MaxPendingUploadMB = 512
	}
}

// Validate checks the record for internal consistency. Every field the
// core touches must be sane before the server starts.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.IdleMinutes < 0 {
		return fmt.Errorf("idleMinutes must be >= 0")
	}
	if c.SocketTimeoutSeconds <= 0 {
		return fmt.Errorf("socketTimeoutSeconds must be > 0")
	}
	if c.ErrorsBeforePausing <= 0 {
		return fmt.Errorf("errorsBeforePausing must be > 0")
	}
	if c.PauseMinutes <= 0 {
		return fmt.Errorf("pauseMinutes must be > 0")
	}
	if c.MaxEntrySizeBytes < 0 {
		return fmt.Errorf("maxEntrySizeBytes must be >= 0")
	}
	if c.MaxTotalCacheBytes <= 0 {
		return fmt.Errorf("maxTotalCacheBytes must be > 0")
	}
	if c.AsyncUpload.MaxPendingUploadMB <= 0 {
		return fmt.Errorf("asyncUpload.maxPendingUploadMB must be > 0")
	}
	if c.AsyncUpload.Enabled && c.AsyncUpload.CacheDir == "" {
		return fmt.Errorf("asyncUpload.cacheDir is required when asyncUpload.enabled")
	}
	return nil
}

// Load reads and parses a YAML config file at path, applies defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// MaxPendingUploadBytes returns the configured pending-upload budget in bytes.
func (c *Config) MaxPendingUploadBytes() int64 {
	return c.AsyncUpload.MaxPendingUploadMB * 1024 * 1024
}
