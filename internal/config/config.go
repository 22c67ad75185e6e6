package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort            = 8080
	defaultDataDir         = "data"
	defaultMaxRetryCount   = 3
	defaultMaxFileSize     = 10 << 20
	defaultMaxFiles        = 10
	defaultMaxRequestBytes = 64 << 20
	defaultHTTPTimeout     = 30 * time.Second
	defaultLogLevel        = "info"
)

const (
	BackendDir  = "dir"
	BackendHTTP = "http"
	BackendS3   = "s3"
)

// Validation mirrors upload.Limits.
type Validation struct {
	Accept   []string `yaml:"accept"`
	MinSize  int64    `yaml:"min_size"`
	MaxSize  int64    `yaml:"max_size"`
	MaxFiles int      `yaml:"max_files"`
}

type HTTPBackend struct {
	Endpoint  string        `yaml:"endpoint"`
	FieldName string        `yaml:"field_name"`
	Timeout   time.Duration `yaml:"timeout"`
}

type S3Backend struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Prefix       string `yaml:"prefix"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// Config describes runtime configuration for the service.
type Config struct {
	Port                 int            `yaml:"port"`
	DataDir              string         `yaml:"data_dir"`
	LogLevel             string         `yaml:"log_level"`
	Backend              string         `yaml:"backend"`
	MaxRetryCount        int            `yaml:"max_retry_count"`
	AutoRetry            bool           `yaml:"auto_retry"`
	RetryDelay           time.Duration  `yaml:"retry_delay"`
	ShiftOnMaxFiles      bool           `yaml:"shift_on_max_files"`
	MaxConcurrentUploads int            `yaml:"max_concurrent_uploads"`
	MaxRequestBytes      int64          `yaml:"max_request_bytes"`
	Validation           Validation     `yaml:"validation"`
	HTTP                 HTTPBackend    `yaml:"http"`
	S3                   S3Backend      `yaml:"s3"`
	ErrorMessages        map[int]string `yaml:"error_messages"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:            defaultPort,
		DataDir:         defaultDataDir,
		LogLevel:        defaultLogLevel,
		Backend:         BackendDir,
		MaxRetryCount:   defaultMaxRetryCount,
		MaxRequestBytes: defaultMaxRequestBytes,
		Validation: Validation{
			MaxSize:  defaultMaxFileSize,
			MaxFiles: defaultMaxFiles,
		},
		HTTP: HTTPBackend{Timeout: defaultHTTPTimeout},
	}
}

// Load reads YAML config from the provided path and applies DROPZONE_*
// environment overrides. A missing or empty file yields defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("env overrides: %w", err)
	}
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == "" {
		cfg.Backend = BackendDir
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = defaultMaxRequestBytes
	}
	if cfg.HTTP.Timeout <= 0 {
		cfg.HTTP.Timeout = defaultHTTPTimeout
	}
	cfg.Validation.Accept = normalizeAccept(cfg.Validation.Accept)
}

// Validate rejects settings the upload manager cannot work with.
func (c Config) Validate() error {
	var errs []error
	if c.MaxRetryCount < 0 {
		errs = append(errs, fmt.Errorf("invalid max_retry_count: %d (must be >= 0)", c.MaxRetryCount))
	}
	if c.MaxConcurrentUploads < 0 {
		errs = append(errs, fmt.Errorf("invalid max_concurrent_uploads: %d (must be >= 0)", c.MaxConcurrentUploads))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid retry_delay: %s", c.RetryDelay))
	}
	v := c.Validation
	if v.MinSize < 0 || v.MaxSize < 0 || v.MaxFiles < 0 {
		errs = append(errs, errors.New("validation limits must not be negative"))
	}
	if v.MaxSize > 0 && v.MinSize > v.MaxSize {
		errs = append(errs, fmt.Errorf("validation.min_size %d exceeds max_size %d", v.MinSize, v.MaxSize))
	}
	switch c.Backend {
	case BackendDir:
	case BackendHTTP:
		if c.HTTP.Endpoint == "" {
			errs = append(errs, errors.New("http.endpoint is required for the http backend"))
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	return errors.Join(errs...)
}

// normalizeAccept trims and deduplicates accept patterns; extensions are
// lower-cased, media types are kept as written.
func normalizeAccept(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, raw := range in {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		if !strings.Contains(p, "/") {
			p = strings.ToLower(p)
			if !strings.HasPrefix(p, ".") {
				p = "." + p
			}
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
