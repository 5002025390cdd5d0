package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string
	LogLevel   string
	LogFormat  string

	APIBaseURL         string
	APIKey             string
	APITimeout         time.Duration
	PaymentReportKarta string
	PaymentReportDjam  string

	AuthURL         string
	AuthAnonKey     string
	SessionCacheTTL time.Duration
	CookieSecure    bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	StatusTTL     time.Duration

	DatabaseEnabled bool
	DatabaseURL     string

	S3Bucket       string
	S3Region       string
	AWSS3AccessKey string
	AWSS3SecretKey string
	S3Endpoint     string
	S3UsePathStyle bool
	ArchiveURLTTL  time.Duration

	WorkerCount      int
	QueueSize        int
	BatchIdleTimeout time.Duration

	PollInterval time.Duration
	MaxPolls     int
	MaxAttempts  int
	RetryDelay   time.Duration

	MaxFiles    int
	MaxFileSize int64
}

// Load resolves the configuration once at startup. A .env file in the
// working directory is read first when present; real environment variables
// take precedence over it.
func Load() *Config {
	_ = godotenv.Load()

	redisPrefix := getEnv("REDIS_PREFIX", "")

	return &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "json"),

		APIBaseURL:         strings.TrimRight(getEnv("API_BASE_URL", ""), "/"),
		APIKey:             getEnv("API_KEY", ""),
		APITimeout:         getEnvDuration("API_TIMEOUT", 120*time.Second),
		PaymentReportKarta: getEnv("PAYMENT_REPORT_KARTA", ""),
		PaymentReportDjam:  getEnv("PAYMENT_REPORT_DJAM", ""),

		// Prefer the server-side names, fall back to the public ones
		AuthURL:         strings.TrimRight(getEnvWithFallback("SUPABASE_URL", "NEXT_PUBLIC_SUPABASE_URL", ""), "/"),
		AuthAnonKey:     getEnvWithFallback("SUPABASE_ANON_KEY", "NEXT_PUBLIC_SUPABASE_ANON_KEY", ""),
		SessionCacheTTL: getEnvDuration("SESSION_CACHE_TTL", 60*time.Second),
		CookieSecure:    getEnvBool("COOKIE_SECURE", true),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_CONVERSION_DB", 3),
		RedisPrefix:   redisPrefix,
		StatusTTL:     getEnvDuration("CONVERSION_STATUS_TTL", time.Hour),

		DatabaseEnabled: getEnvBool("DB_ENABLED", true),
		DatabaseURL:     databaseURL(),

		S3Bucket:       getEnv("AWS_BUCKET", ""),
		S3Region:       getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey: getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey: getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		ArchiveURLTTL:  getEnvDuration("ARCHIVE_URL_TTL", 15*time.Minute),

		WorkerCount:      getEnvInt("CONVERSION_WORKER_COUNT", 3),
		QueueSize:        getEnvInt("CONVERSION_QUEUE_SIZE", 64),
		BatchIdleTimeout: getEnvDuration("BATCH_IDLE_TIMEOUT", 30*time.Minute),

		PollInterval: getEnvDuration("CONVERSION_POLL_INTERVAL", 2*time.Second),
		MaxPolls:     getEnvInt("CONVERSION_MAX_POLLS", 60),
		MaxAttempts:  getEnvInt("CONVERSION_MAX_ATTEMPTS", 2),
		RetryDelay:   getEnvDuration("CONVERSION_RETRY_DELAY", 500*time.Millisecond),

		MaxFiles:    getEnvInt("UPLOAD_MAX_FILES", 5),
		MaxFileSize: int64(getEnvInt("UPLOAD_MAX_FILE_SIZE", 50*1024*1024)),
	}
}

// VendorConfigured reports whether the conversion API can be reached.
func (c *Config) VendorConfigured() bool {
	return c.APIBaseURL != "" && c.APIKey != ""
}

// ArchiveEnabled reports whether bulk archives are stored in S3.
func (c *Config) ArchiveEnabled() bool {
	return c.S3Bucket != ""
}

// StatusKey builds a Redis key for the live status hash of a batch.
func (c *Config) StatusKey(batchID string) string {
	return applyPrefix("conversion:status:"+batchID, c.RedisPrefix)
}

// SessionKey builds a Redis key for a cached session.
func (c *Config) SessionKey(digest string) string {
	return applyPrefix("session:"+digest, c.RedisPrefix)
}

func databaseURL() string {
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "pdfxml")
	dbUser := getEnv("DB_USERNAME", "pdfxml")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")
	dbSSLRootCert := getEnv("DB_SSLROOTCERT", "")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	dbURL := fmt.Sprintf("host=%s port=%s dbname=%s user=%s sslmode=%s",
		dbHost, dbPort, dbName, dbUser, dbSSLMode)
	if dbPassword != "" {
		dbURL += fmt.Sprintf(" password=%s", dbPassword)
	}
	if dbSSLRootCert != "" {
		dbURL += fmt.Sprintf(" sslrootcert=%s", dbSSLRootCert)
	}
	return dbURL
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("2s", "500ms") or a bare
// number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
