package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "DROPZONE_"

// LoadDotEnv populates the process environment from a .env file. Variables
// already set win over the file, and a missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

type envReader struct {
	errs []error
}

func (r *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *envReader) setString(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) setInt(key string, dst *int) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) setInt64(key string, dst *int64) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) setBool(key string, dst *bool) {
	if v, ok := r.lookup(key); ok {
		switch strings.ToLower(v) {
		case "true", "yes", "on", "1":
			*dst = true
		case "false", "no", "off", "0":
			*dst = false
		default:
			r.errs = append(r.errs, fmt.Errorf("invalid boolean value %q for %s%s", v, envPrefix, key))
		}
	}
}

func (r *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		*dst = d
	}
}

func (r *envReader) setList(key string, dst *[]string) {
	if v, ok := r.lookup(key); ok {
		*dst = strings.FieldsFunc(v, func(c rune) bool { return c == ',' || c == ' ' })
	}
}

func applyEnv(cfg *Config) error {
	var r envReader
	r.setInt("PORT", &cfg.Port)
	r.setString("DATA_DIR", &cfg.DataDir)
	r.setString("LOG_LEVEL", &cfg.LogLevel)
	r.setString("BACKEND", &cfg.Backend)
	r.setInt("MAX_RETRY_COUNT", &cfg.MaxRetryCount)
	r.setBool("AUTO_RETRY", &cfg.AutoRetry)
	r.setDuration("RETRY_DELAY", &cfg.RetryDelay)
	r.setBool("SHIFT_ON_MAX_FILES", &cfg.ShiftOnMaxFiles)
	r.setInt("MAX_CONCURRENT_UPLOADS", &cfg.MaxConcurrentUploads)
	r.setInt64("MAX_REQUEST_BYTES", &cfg.MaxRequestBytes)
	r.setList("ACCEPT", &cfg.Validation.Accept)
	r.setInt64("MIN_SIZE", &cfg.Validation.MinSize)
	r.setInt64("MAX_SIZE", &cfg.Validation.MaxSize)
	r.setInt("MAX_FILES", &cfg.Validation.MaxFiles)
	r.setString("HTTP_ENDPOINT", &cfg.HTTP.Endpoint)
	r.setString("HTTP_FIELD_NAME", &cfg.HTTP.FieldName)
	r.setDuration("HTTP_TIMEOUT", &cfg.HTTP.Timeout)
	r.setString("S3_BUCKET", &cfg.S3.Bucket)
	r.setString("S3_REGION", &cfg.S3.Region)
	r.setString("S3_ENDPOINT", &cfg.S3.Endpoint)
	r.setString("S3_ACCESS_KEY", &cfg.S3.AccessKey)
	r.setString("S3_SECRET_KEY", &cfg.S3.SecretKey)
	r.setString("S3_PREFIX", &cfg.S3.Prefix)
	r.setBool("S3_USE_PATH_STYLE", &cfg.S3.UsePathStyle)
	return errors.Join(r.errs...)
}
