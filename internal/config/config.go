package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissingToken is returned when HF_API_TOKEN is not configured.
var ErrMissingToken = errors.New("HF_API_TOKEN is not set")

// Config holds process-wide settings resolved once at startup.
type Config struct {
	HTTPAddr string
	LogLevel string

	HFToken            string
	HFAPIURL           string
	HFModelID          string
	HFTimeout          time.Duration
	HFRetryUnavailable int

	UploadSpoolDir string

	RedisAddr string
	CacheTTL  time.Duration

	DatabaseDSN string

	AppAPIKey          string
	RateLimitPerMinute int
	CORSAllowOrigins   []string
}

// Load reads a .env file when present and resolves the configuration from the
// environment. A missing credential is fatal.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config using the provided lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	env := func(key, fallback string) string {
		if value := strings.TrimSpace(getenv(key)); value != "" {
			return value
		}
		return fallback
	}

	cfg := &Config{
		HTTPAddr:       env("HTTP_ADDR", ":5000"),
		LogLevel:       env("LOG_LEVEL", "info"),
		HFToken:        env("HF_API_TOKEN", ""),
		HFAPIURL:       strings.TrimRight(env("HF_API_URL", "https://router.huggingface.co/hf-inference/models"), "/"),
		HFModelID:      env("HF_MODEL_ID", "prithivMLmods/deepfake-detector-model-v1"),
		UploadSpoolDir: env("UPLOAD_SPOOL_DIR", ""),
		RedisAddr:      env("REDIS_ADDR", ""),
		DatabaseDSN:    env("DATABASE_DSN", ""),
		AppAPIKey:      env("APP_API_KEY", ""),
	}
	if cfg.HFToken == "" {
		return nil, ErrMissingToken
	}

	var err error
	if cfg.HFTimeout, err = parseDuration("HF_TIMEOUT", env("HF_TIMEOUT", "30s")); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = parseDuration("CACHE_TTL", env("CACHE_TTL", "10m")); err != nil {
		return nil, err
	}
	if cfg.HFRetryUnavailable, err = parseNonNegativeInt("HF_RETRY_UNAVAILABLE", env("HF_RETRY_UNAVAILABLE", "1")); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = parseNonNegativeInt("RATE_LIMIT_PER_MINUTE", env("RATE_LIMIT_PER_MINUTE", "60")); err != nil {
		return nil, err
	}

	for _, origin := range strings.Split(env("CORS_ALLOW_ORIGINS", "*"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSAllowOrigins = append(cfg.CORSAllowOrigins, origin)
		}
	}

	return cfg, nil
}

// ModelURL is the full inference endpoint for the configured model.
func (c *Config) ModelURL() string {
	return c.HFAPIURL + "/" + c.HFModelID
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", key, raw)
	}
	return d, nil
}

func parseNonNegativeInt(key, raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, raw)
	}
	return n, nil
}
