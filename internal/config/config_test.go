package config

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DSN", "postgres://u:p@localhost:5432/chat")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, MediaBackendFS, cfg.MediaBackend)
	assert.Equal(t, int64(10<<20), cfg.MaxAttachmentBytes)
	assert.Equal(t, 5, cfg.MaxAttachments)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("ENV", "production")
	t.Setenv("TOKEN_TTL", "1h")
	t.Setenv("MAX_ATTACHMENT_BYTES", "1024")
	t.Setenv("MAX_ATTACHMENTS", "2")
	t.Setenv("PUBLIC_BASE_URL", "https://chat.example.com/")
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:3000, https://app.example.com ,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.Equal(t, int64(1024), cfg.MaxAttachmentBytes)
	assert.Equal(t, "https://chat.example.com", cfg.PublicBaseURL)
	assert.Equal(t, []string{"http://localhost:3000", "https://app.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(2*1024+1<<20), cfg.MaxRequestBytes())
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_PARAM", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DSN")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_SecretFromParameterStore(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/chat")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_PARAM", "/chat/jwt-secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/chat/jwt-secret", cfg.JWTSecretParam)
}

func TestLoad_BadNumbers(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_ATTACHMENT_BYTES", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_ATTACHMENT_BYTES")
}

func TestValidate_MediaBackend(t *testing.T) {
	cfg := &Config{
		DatabaseDSN:        "dsn",
		JWTSecret:          "s",
		TokenTTL:           time.Hour,
		MediaBackend:       MediaBackendS3,
		MaxAttachmentBytes: 1,
		MaxAttachments:     1,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEDIA_BUCKET")

	cfg.MediaBucket = "bucket"
	assert.NoError(t, cfg.Validate())

	cfg.MediaBackend = "ftp"
	assert.ErrorContains(t, cfg.Validate(), "unknown MEDIA_BACKEND")
}

func TestLoad_RejectsZeroAttachments(t *testing.T) {
	setRequired(t)
	t.Setenv("MAX_ATTACHMENTS", "0")

	_, err := Load()
	assert.ErrorContains(t, err, "MAX_ATTACHMENTS")
}

func TestMaxRequestBytes(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		count int
		want  int64
	}{
		{name: "one clip", bytes: 10 << 20, count: 1, want: 10<<20 + 1<<20},
		{name: "several", bytes: 10 << 20, count: 5, want: 50<<20 + 1<<20},
		{name: "zero count still fits one", bytes: 10 << 20, count: 0, want: 10<<20 + 1<<20},
		{name: "saturates", bytes: math.MaxInt64 / 2, count: 4, want: math.MaxInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{MaxAttachmentBytes: tt.bytes, MaxAttachments: tt.count}
			assert.Equal(t, tt.want, cfg.MaxRequestBytes())
			assert.Greater(t, cfg.MaxRequestBytes(), tt.bytes)
		})
	}
}
