package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"

	"github.com/markdave123-py/sapling/internal/models"
)

type Config struct {
	DatabaseURL  string
	SslCertPath  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	S3Endpoint   string

	AIAPIKey       string
	EmbedModel     string
	EmbedDim       int
	EmbedBatchSize int
	EmbedRPS       float64
	GenModel       string

	ChunkTargetTokens  int
	ChunkMaxTokens     int
	ChunkOverlapTokens int

	IngestWorkers   int
	IngestQueueSize int
	StageTimeout    time.Duration
	ClaimLease      time.Duration
	StaleAfter      time.Duration
	SweepInterval   time.Duration

	MaxUploadBytes int64
	JWTSecret      string
	AllowedOrigins []string
	Port           string
	Debug          bool
}

// LoadConfig loads the environment variables (and an optional .env file) and validates them.
func LoadConfig() (*Config, error) {

	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "sapling-sources"),
		S3Endpoint:   getEnv("S3_ENDPOINT", ""),

		AIAPIKey:       getEnv("GEMINI_API_KEY", ""),
		EmbedModel:     getEnv("EMBED_MODEL", "gemini-embedding-001"),
		EmbedDim:       getEnvInt("EMBED_DIM", models.EmbeddingDimensions),
		EmbedBatchSize: getEnvInt("EMBED_BATCH_SIZE", 100),
		EmbedRPS:       getEnvFloat("EMBED_RPS", 5),
		GenModel:       getEnv("GEN_MODEL", "gemini-2.0-flash"),

		ChunkTargetTokens:  getEnvInt("CHUNK_TARGET_TOKENS", 600),
		ChunkMaxTokens:     getEnvInt("CHUNK_MAX_TOKENS", 800),
		ChunkOverlapTokens: getEnvInt("CHUNK_OVERLAP_TOKENS", 100),

		IngestWorkers:   getEnvInt("INGEST_WORKERS", 4),
		IngestQueueSize: getEnvInt("INGEST_QUEUE_SIZE", 64),
		StageTimeout:    getEnvDuration("STAGE_TIMEOUT", 2*time.Minute),
		ClaimLease:      getEnvDuration("CLAIM_LEASE", 15*time.Minute),
		StaleAfter:      getEnvDuration("STALE_AFTER", 30*time.Minute),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),

		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
		Port:           getEnv("PORT", "8080"),
		Debug:          getEnv("DEBUG", "false") == "true",
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks required settings and the relative ordering of the chunk sizes.
// A mismatched embedding dimension is rejected here rather than at insert time.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DatabaseURL, validation.Required),
		validation.Field(&c.AIAPIKey, validation.Required),
		validation.Field(&c.JWTSecret, validation.Required),
		validation.Field(&c.BucketName, validation.Required),
		validation.Field(&c.EmbedDim, validation.Required,
			validation.In(models.EmbeddingDimensions).Error(fmt.Sprintf("must be %d to match the vector column", models.EmbeddingDimensions))),
		validation.Field(&c.EmbedBatchSize, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.EmbedRPS, validation.Required, validation.Min(0.01)),
		validation.Field(&c.ChunkOverlapTokens, validation.Required, validation.Min(1),
			validation.Max(c.ChunkTargetTokens-1).Error("must be smaller than CHUNK_TARGET_TOKENS")),
		validation.Field(&c.ChunkTargetTokens, validation.Required,
			validation.Max(c.ChunkMaxTokens).Error("must not exceed CHUNK_MAX_TOKENS")),
		validation.Field(&c.ChunkMaxTokens, validation.Required),
		validation.Field(&c.IngestWorkers, validation.Required, validation.Min(1)),
		validation.Field(&c.IngestQueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.StageTimeout, validation.Required),
		validation.Field(&c.ClaimLease, validation.Required),
		validation.Field(&c.MaxUploadBytes, validation.Required, validation.Min(int64(1))),
	)
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("WARN: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("WARN: %s=%q not a number, using default %v", key, v, def)
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("WARN: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
