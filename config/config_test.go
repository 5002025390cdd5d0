package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("API_BASE_URL", "")
	t.Setenv("API_KEY", "")
	t.Setenv("AWS_BUCKET", "")

	cfg := Load()

	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 60, cfg.MaxPolls)
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 5, cfg.MaxFiles)
	assert.Equal(t, int64(50*1024*1024), cfg.MaxFileSize)
	assert.False(t, cfg.VendorConfigured())
	assert.False(t, cfg.ArchiveEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://vendor.example/")
	t.Setenv("API_KEY", "secret")
	t.Setenv("CONVERSION_POLL_INTERVAL", "250ms")
	t.Setenv("API_TIMEOUT", "30")
	t.Setenv("REDIS_PREFIX", "app:")
	t.Setenv("S3_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "eu-west-3")
	t.Setenv("COOKIE_SECURE", "off")

	cfg := Load()

	assert.Equal(t, "https://vendor.example", cfg.APIBaseURL)
	assert.True(t, cfg.VendorConfigured())
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.APITimeout)
	assert.Equal(t, "app:conversion:status:b1", cfg.StatusKey("b1"))
	assert.Equal(t, "app:session:abc", cfg.SessionKey("abc"))
	assert.Equal(t, "eu-west-3", cfg.S3Region)
	assert.False(t, cfg.CookieSecure)
}

func TestDatabaseURL_PasswordOptional(t *testing.T) {
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PASSWORD", "")
	assert.NotContains(t, databaseURL(), "password=")

	t.Setenv("DB_PASSWORD", "p@ss w")
	assert.Contains(t, databaseURL(), "host=db")
	assert.Contains(t, databaseURL(), "password=p@ss w")
}
