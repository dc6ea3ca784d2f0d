// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Index backends understood by the search engine.
const (
	IndexMemory   = "memory"
	IndexPGVector = "pgvector"
	IndexQdrant   = "qdrant"
)

// Config is the full runtime configuration of the service.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	DatabaseDriver string
	DatabaseDSN    string

	RedisAddr      string
	SearchCacheTTL time.Duration

	JWTSecret   string
	JWTAudience string

	// EmbedderAddr is the gRPC inference service. Empty selects the
	// in-process thumbnail model.
	EmbedderAddr      string
	InferenceWorkers  int
	InferenceTimeout  time.Duration
	RegistrationScore int

	IndexBackend      string
	IndexNProbe       int
	IndexRebuildEvery time.Duration

	QdrantHost       string
	QdrantPort       int
	QdrantAPIKey     string
	QdrantCollection string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	KafkaBrokers []string
	KafkaTopic   string

	OTLPExport bool
	AppEnv     string

	SearchRatePerSecond float64
	SearchRateBurst     int
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),

		DatabaseDriver: getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseDSN:    getEnv("DATABASE_DSN", "host=postgres user=petid password=petid_password dbname=petid port=5432 sslmode=disable"),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		SearchCacheTTL: getDuration("SEARCH_CACHE_TTL", time.Minute),

		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),

		EmbedderAddr:      os.Getenv("EMBEDDER_ADDR"),
		InferenceWorkers:  getInt("INFERENCE_WORKERS", runtime.NumCPU()),
		InferenceTimeout:  getDuration("INFERENCE_TIMEOUT", 10*time.Second),
		RegistrationScore: getInt("REGISTRATION_MIN_QUALITY", 50),

		IndexBackend:      getEnv("INDEX_BACKEND", IndexMemory),
		IndexNProbe:       getInt("INDEX_NPROBE", 8),
		IndexRebuildEvery: getDuration("INDEX_REBUILD_INTERVAL", 10*time.Minute),

		QdrantHost:       getEnv("QDRANT_HOST", "qdrant"),
		QdrantPort:       getInt("QDRANT_PORT", 6334),
		QdrantAPIKey:     os.Getenv("QDRANT_API_KEY"),
		QdrantCollection: getEnv("QDRANT_COLLECTION", "snout_biometries"),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", "minio"),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", "minio_password"),
		MinioBucket:    getEnv("MINIO_BUCKET", "snout-snapshots"),
		MinioUseSSL:    getBool("MINIO_USE_SSL", false),

		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "biometry.events"),

		OTLPExport: getBool("OTEL_EXPORT_ENABLED", false),
		AppEnv:     getEnv("APP_ENV", "development"),

		SearchRatePerSecond: getFloat("SEARCH_RATE_PER_SECOND", 2),
		SearchRateBurst:     getInt("SEARCH_RATE_BURST", 5),
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.IndexBackend {
	case IndexMemory, IndexPGVector, IndexQdrant:
	default:
		return fmt.Errorf("config: unknown INDEX_BACKEND %q", c.IndexBackend)
	}
	if c.IndexBackend == IndexPGVector && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("config: INDEX_BACKEND=pgvector requires the postgres driver")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.InferenceWorkers <= 0 {
		c.InferenceWorkers = 1
	}
	if c.RegistrationScore < 0 || c.RegistrationScore > 100 {
		return fmt.Errorf("config: REGISTRATION_MIN_QUALITY must be within [0,100], got %d", c.RegistrationScore)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
