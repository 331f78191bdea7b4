package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	MediaBackendFS = "fs"
	MediaBackendS3 = "s3"
)

// Config holds all configuration for the server.
type Config struct {
	Env      string
	LogLevel string

	DatabaseDSN string
	RedisAddr   string // empty = single instance, in-process delivery

	JWTSecret      string
	JWTSecretParam string // SSM parameter name, resolved at startup when JWTSecret is empty
	TokenTTL       time.Duration

	MediaBackend  string
	MediaDir      string
	MediaBucket   string
	PublicBaseURL string

	MaxAttachmentBytes int64
	MaxAttachments     int

	AllowedOrigins []string
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DatabaseDSN:    os.Getenv("DB_DSN"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTSecretParam: os.Getenv("JWT_SECRET_PARAM"),
		MediaBackend:   getEnv("MEDIA_BACKEND", MediaBackendFS),
		MediaDir:       getEnv("MEDIA_DIR", "./uploads"),
		MediaBucket:    os.Getenv("MEDIA_BUCKET"),
		PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
	}

	var err error
	if cfg.TokenTTL, err = time.ParseDuration(getEnv("TOKEN_TTL", "24h")); err != nil {
		return nil, fmt.Errorf("TOKEN_TTL: %w", err)
	}
	if cfg.MaxAttachmentBytes, err = strconv.ParseInt(getEnv("MAX_ATTACHMENT_BYTES", "10485760"), 10, 64); err != nil {
		return nil, fmt.Errorf("MAX_ATTACHMENT_BYTES: %w", err)
	}
	if cfg.MaxAttachments, err = strconv.Atoi(getEnv("MAX_ATTACHMENTS", "5")); err != nil {
		return nil, fmt.Errorf("MAX_ATTACHMENTS: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseDSN == "" {
		errs = append(errs, errors.New("DB_DSN is not set"))
	}
	if c.JWTSecret == "" && c.JWTSecretParam == "" {
		errs = append(errs, errors.New("one of JWT_SECRET or JWT_SECRET_PARAM must be set"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("TOKEN_TTL must be positive"))
	}
	switch c.MediaBackend {
	case MediaBackendFS:
		if c.MediaDir == "" {
			errs = append(errs, errors.New("MEDIA_DIR is required for the fs media backend"))
		}
	case MediaBackendS3:
		if c.MediaBucket == "" {
			errs = append(errs, errors.New("MEDIA_BUCKET is required for the s3 media backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown MEDIA_BACKEND %q", c.MediaBackend))
	}
	if c.MaxAttachmentBytes <= 0 {
		errs = append(errs, errors.New("MAX_ATTACHMENT_BYTES must be positive"))
	}
	if c.MaxAttachments < 1 {
		errs = append(errs, errors.New("MAX_ATTACHMENTS must be at least 1"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// MaxRequestBytes bounds a whole multipart submission: every attachment at the
// limit plus room for the text fields. It saturates instead of overflowing.
func (c *Config) MaxRequestBytes() int64 {
	const fields = 1 << 20
	n := int64(max(c.MaxAttachments, 1))
	if c.MaxAttachmentBytes > (math.MaxInt64-fields)/n {
		return math.MaxInt64
	}
	return c.MaxAttachmentBytes*n + fields
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
