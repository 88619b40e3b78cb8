// Package config handles loading and parsing of DeltaGlider proxy configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the DeltaGlider proxy.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Backend BackendConfig `yaml:"backend"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	Region          string `yaml:"region"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // Graceful shutdown timeout in seconds.
}

// EngineConfig holds delta-engine tuning settings. See internal/engine.Config,
// which this is converted into at startup.
type EngineConfig struct {
	// MaxDeltaRatio is the compression-ratio threshold above which a
	// deltaspace's first object is stored passthrough instead of seeding a
	// reference baseline.
	MaxDeltaRatio float64 `yaml:"max_delta_ratio"`
	// MaxObjectSize caps the size, in bytes, of any single stored object
	// (passthrough or reconstructed delta payload).
	MaxObjectSize uint64 `yaml:"max_object_size"`
	// CacheSizeMB bounds the byte-weighted reference cache.
	CacheSizeMB int `yaml:"cache_size_mb"`
	// CodecConcurrency bounds how many xdelta3 encode/decode operations may
	// run at once. Zero means the engine uses the number of CPUs
	// (runtime.NumCPU).
	CodecConcurrency int `yaml:"codec_concurrency"`
	// VerifyOnRead re-hashes every retrieved object against its recorded
	// SHA-256 before returning it to the client.
	VerifyOnRead bool `yaml:"verify_on_read"`
	// MultipartIdleTimeout discards multipart uploads that have seen no
	// activity for this long.
	MultipartIdleTimeout int `yaml:"multipart_idle_timeout_seconds"`
}

// BackendConfig selects and configures the storage backend.
type BackendConfig struct {
	// Kind is "filesystem" or "s3".
	Kind       string                  `yaml:"kind"`
	Filesystem FilesystemBackendConfig `yaml:"filesystem"`
	S3         S3BackendConfig         `yaml:"s3"`
}

// FilesystemBackendConfig holds local-disk backend settings.
type FilesystemBackendConfig struct {
	// Path is the root directory under which `{bucket}/deltaspaces/...` is laid out.
	Path string `yaml:"path"`
}

// S3BackendConfig holds upstream S3-compatible backend settings.
type S3BackendConfig struct {
	// Bucket is the single upstream bucket that fronts every logical bucket
	// this proxy exposes (see internal/storage.S3Backend).
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// AuthConfig holds the single shared proxy credential pair used for SigV4
// verification. Leaving both fields empty disables request signing.
type AuthConfig struct {
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"log_level"`
	// Format is the log output format: "text" or "json".
	Format string `yaml:"format"`
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config, with defaults applied for anything the file left unset.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallback := filepath.Join(filepath.Dir(path), "deltaglider-proxy.example.yaml")
		var fallbackErr error
		data, fallbackErr = os.ReadFile(fallback)
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// applyEnvOverrides layers a handful of operationally-relevant environment
// variables over the file-loaded config, matching the env var names the
// original used (DGP_*) where the settings have a direct equivalent here.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DGP_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("DGP_DATA_DIR"); v != "" {
		cfg.Backend.Kind = "filesystem"
		cfg.Backend.Filesystem.Path = v
	}
	if v := os.Getenv("DGP_S3_ENDPOINT"); v != "" {
		cfg.Backend.Kind = "s3"
		cfg.Backend.S3.Endpoint = v
	}
	if v := os.Getenv("DGP_S3_REGION"); v != "" {
		cfg.Backend.S3.Region = v
	}
	if v := os.Getenv("DGP_BE_AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Backend.S3.AccessKeyID = v
	}
	if v := os.Getenv("DGP_BE_AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Backend.S3.SecretAccessKey = v
	}
	if v := os.Getenv("DGP_MAX_DELTA_RATIO"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.MaxDeltaRatio = parsed
		}
	}
	if v := os.Getenv("DGP_MAX_OBJECT_SIZE"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Engine.MaxObjectSize = parsed
		}
	}
	if v := os.Getenv("DGP_CACHE_MB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Engine.CacheSizeMB = parsed
		}
	}
	if v := os.Getenv("DGP_ACCESS_KEY_ID"); v != "" {
		cfg.Auth.AccessKeyID = v
	}
	if v := os.Getenv("DGP_SECRET_ACCESS_KEY"); v != "" {
		cfg.Auth.SecretAccessKey = v
	}
	if v := os.Getenv("DGP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "0.0.0.0:9000",
			Region:          "us-east-1",
			ShutdownTimeout: 30,
		},
		Engine: EngineConfig{
			MaxDeltaRatio:        0.8,
			MaxObjectSize:        5 * 1024 * 1024 * 1024, // 5 GiB
			CacheSizeMB:          256,
			MultipartIdleTimeout: 86400,
		},
		Backend: BackendConfig{
			Kind: "filesystem",
			Filesystem: FilesystemBackendConfig{
				Path: "./data/objects",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = "0.0.0.0:9000"
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = "us-east-1"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Engine.MaxDeltaRatio == 0 {
		cfg.Engine.MaxDeltaRatio = 0.8
	}
	if cfg.Engine.MaxObjectSize == 0 {
		cfg.Engine.MaxObjectSize = 5 * 1024 * 1024 * 1024
	}
	if cfg.Engine.CacheSizeMB == 0 {
		cfg.Engine.CacheSizeMB = 256
	}
	if cfg.Engine.MultipartIdleTimeout == 0 {
		cfg.Engine.MultipartIdleTimeout = 86400
	}
	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = "filesystem"
	}
	if cfg.Backend.Filesystem.Path == "" {
		cfg.Backend.Filesystem.Path = "./data/objects"
	}
	if cfg.Backend.S3.Region == "" {
		cfg.Backend.S3.Region = cfg.Server.Region
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
