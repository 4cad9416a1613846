// Package config centralizes how yardkeep reads environment variables and
// exposes them as strongly typed values.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config represents runtime configuration for the API server, the worker,
// and the CLI.
type Config struct {
	Address string

	// Storage. Driver is "sqlite" (default, on-device) or "postgres".
	DBDriver   string
	SQLitePath string
	DatabaseDSN string

	// Queue (asynq over redis).
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Workers       int

	// Uploads.
	MaxUploadBytes int64

	// Identification.
	Provider         string // mock | gemini | plantnet
	GeminiAPIKey     string
	GeminiModel      string
	PlantNetAPIKey   string
	PlantNetBaseURL  string
	MaxDimension     int
	JPEGQuality      int
	IdentifyTimeout  time.Duration
	StaleIdentifying time.Duration

	// Identify endpoint rate limiting.
	IdentifyRateLimit    int
	IdentifyRateInterval time.Duration
	RateLimitCapacity    int

	// Share URLs.
	SigningSecret []byte
	SignedURLTTL  time.Duration

	// Archive (S3-compatible, optional).
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Region    string
	S3UseSSL    bool
}

const (
	defaultAddress          = ":8080"
	defaultMaxUploadBytes   = 25 << 20 // 25 MiB
	defaultRedisAddr        = "127.0.0.1:6379"
	defaultWorkers          = 2
	defaultMaxDimension     = 1024
	defaultJPEGQuality      = 82
	defaultIdentifyTimeout  = 20 * time.Second
	defaultStaleIdentifying = 5 * time.Minute
	defaultIdentifyRate     = 6
	defaultRateInterval     = time.Minute
	defaultRateCapacity     = 1024
	defaultSignedTTL        = 5 * time.Minute
	defaultArchiveBucket    = "yardkeep-archive"
)

// Load reads configuration from environment variables, falling back to
// defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Address:     readEnv("YARDKEEP_ADDRESS", defaultAddress),
		DBDriver:    readEnv("YARDKEEP_DB_DRIVER", "sqlite"),
		SQLitePath:  readEnv("YARDKEEP_SQLITE_PATH", defaultSQLitePath()),
		DatabaseDSN: os.Getenv("YARDKEEP_DB_DSN"),

		RedisAddr:     readEnv("YARDKEEP_REDIS_ADDR", defaultRedisAddr),
		RedisPassword: os.Getenv("YARDKEEP_REDIS_PASSWORD"),
		RedisDB:       parseInt("YARDKEEP_REDIS_DB", 0),
		Workers:       parseInt("YARDKEEP_WORKERS", defaultWorkers),

		MaxUploadBytes: parseInt64("YARDKEEP_MAX_UPLOAD_BYTES", defaultMaxUploadBytes),

		Provider:         readEnv("YARDKEEP_PROVIDER", "mock"),
		GeminiAPIKey:     os.Getenv("YARDKEEP_GEMINI_API_KEY"),
		GeminiModel:      os.Getenv("YARDKEEP_GEMINI_MODEL"),
		PlantNetAPIKey:   os.Getenv("YARDKEEP_PLANTNET_API_KEY"),
		PlantNetBaseURL:  os.Getenv("YARDKEEP_PLANTNET_URL"),
		MaxDimension:     parseInt("YARDKEEP_MAX_DIMENSION", defaultMaxDimension),
		JPEGQuality:      parseInt("YARDKEEP_JPEG_QUALITY", defaultJPEGQuality),
		IdentifyTimeout:  parseDuration("YARDKEEP_IDENTIFY_TIMEOUT", defaultIdentifyTimeout),
		StaleIdentifying: parseDuration("YARDKEEP_STALE_IDENTIFYING", defaultStaleIdentifying),

		IdentifyRateLimit:    parseInt("YARDKEEP_IDENTIFY_RATE", defaultIdentifyRate),
		IdentifyRateInterval: parseDuration("YARDKEEP_IDENTIFY_RATE_INTERVAL", defaultRateInterval),
		RateLimitCapacity:    parseInt("YARDKEEP_RATE_CAPACITY", defaultRateCapacity),

		SigningSecret: parseSecret("YARDKEEP_SIGNING_SECRET"),
		SignedURLTTL:  parseDuration("YARDKEEP_SIGNED_TTL", defaultSignedTTL),

		S3Endpoint:  os.Getenv("YARDKEEP_S3_ENDPOINT"),
		S3AccessKey: os.Getenv("YARDKEEP_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("YARDKEEP_S3_SECRET_KEY"),
		S3Bucket:    readEnv("YARDKEEP_S3_BUCKET", defaultArchiveBucket),
		S3Region:    os.Getenv("YARDKEEP_S3_REGION"),
		S3UseSSL:    parseBool("YARDKEEP_S3_USE_SSL", true),
	}
	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		return nil, fmt.Errorf("unknown YARDKEEP_DB_DRIVER %q", cfg.DBDriver)
	}
	if cfg.DBDriver == "postgres" && cfg.DatabaseDSN == "" {
		return nil, fmt.Errorf("YARDKEEP_DB_DSN is required with the postgres driver")
	}
	if cfg.SigningSecret == nil {
		cfg.SigningSecret = randomSecret()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = defaultMaxDimension
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = defaultJPEGQuality
	}
	if cfg.IdentifyTimeout <= 0 {
		cfg.IdentifyTimeout = defaultIdentifyTimeout
	}
	if cfg.StaleIdentifying <= cfg.IdentifyTimeout {
		cfg.StaleIdentifying = defaultStaleIdentifying
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = defaultSignedTTL
	}
	return cfg, nil
}

// ArchiveConfigured reports whether the optional S3 archive is set up.
func (c *Config) ArchiveConfigured() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

func defaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "yardkeep.db"
	}
	return filepath.Join(home, ".local", "share", "yardkeep", "yardkeep.db")
}

func readEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func parseInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseSecret(key string) []byte {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return []byte(v)
	}
	return nil
}

func randomSecret() []byte {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return []byte(hex.EncodeToString([]byte("fallbacksecret")))
	}
	return buf
}
