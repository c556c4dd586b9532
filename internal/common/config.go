package common

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/joseph-ayodele/assignment-grader/constants"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Queue    QueueConfig
	LLM      LLMConfig
	Cache    CacheConfig
	Ingest   IngestConfig
	LogLevel slog.Level
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // postgres | sqlite | memory
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr string
	GRPCAddr string
}

// QueueConfig holds per-stage worker pool settings
type QueueConfig struct {
	Concurrency map[string]int
	MaxAttempts int
	BaseDelay   time.Duration
	// Retry overrides MaxAttempts and BaseDelay per stage queue.
	Retry map[string]QueueRetry
}

type QueueRetry struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// LLMConfig holds model provider and rate limiting configuration
type LLMConfig struct {
	OpenAIKey       string
	OpenAIBaseURL   string
	GeminiKey       string
	GeminiBaseURL   string
	DeepSeekKey     string
	DeepSeekBaseURL string

	DefaultModels   []string
	ExtractionModel string
	Temperature     float32

	MinInterval    time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	RateLimitDelay time.Duration
	MaxDelay       time.Duration
	CallTimeout    time.Duration
}

// CacheConfig holds status cache configuration
type CacheConfig struct {
	RedisURL string
	TTL      time.Duration
}

// IngestConfig holds drop-folder and reconciliation configuration
type IngestConfig struct {
	Dir                 string
	Debounce            time.Duration
	ReconcileStaleAfter time.Duration
}

// LoadConfig loads configuration from environment variables, reading a .env file first when present.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}

	concurrency := make(map[string]int, len(constants.StageQueues))
	for _, q := range constants.StageQueues {
		def := constants.DefaultQueueConcurrency
		if q == constants.QueueSubmission {
			def = 4
		}
		concurrency[q] = getEnvAsInt("QUEUE_"+strings.ToUpper(q)+"_CONCURRENCY", def)
	}

	maxAttempts := getEnvAsInt("QUEUE_MAX_ATTEMPTS", constants.DefaultJobMaxAttempts)
	baseDelay := getEnvAsDuration("QUEUE_BASE_DELAY", constants.DefaultJobBaseDelay)
	retry := make(map[string]QueueRetry, len(constants.StageQueues))
	for _, q := range constants.StageQueues {
		prefix := "QUEUE_" + strings.ToUpper(q)
		retry[q] = QueueRetry{
			MaxAttempts: getEnvAsInt(prefix+"_MAX_ATTEMPTS", maxAttempts),
			BaseDelay:   getEnvAsDuration(prefix+"_BASE_DELAY", baseDelay),
		}
	}

	return &Config{
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "postgres"),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr: getEnv("GRPC_ADDR", ":9090"),
		},
		Queue: QueueConfig{
			Concurrency: concurrency,
			MaxAttempts: maxAttempts,
			BaseDelay:   baseDelay,
			Retry:       retry,
		},
		LLM: LLMConfig{
			OpenAIKey:       getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			GeminiKey:       getEnv("GEMINI_API_KEY", ""),
			GeminiBaseURL:   getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
			DeepSeekKey:     getEnv("DEEPSEEK_API_KEY", ""),
			DeepSeekBaseURL: getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
			DefaultModels:   getEnvAsList("DEFAULT_MODELS", constants.DefaultModels),
			ExtractionModel: getEnv("EXTRACTION_MODEL", constants.DefaultModels[0]),
			Temperature:     getEnvAsFloat32("LLM_TEMPERATURE", 0.1),
			MinInterval:     getEnvAsDuration("LLM_MIN_INTERVAL", constants.DefaultMinRequestInterval),
			MaxAttempts:     getEnvAsInt("LLM_MAX_ATTEMPTS", constants.DefaultModelMaxAttempts),
			BaseDelay:       getEnvAsDuration("LLM_BASE_DELAY", constants.DefaultModelBaseDelay),
			RateLimitDelay:  getEnvAsDuration("LLM_RATE_LIMIT_DELAY", constants.DefaultRateLimitDelay),
			MaxDelay:        getEnvAsDuration("LLM_MAX_DELAY", constants.DefaultModelMaxDelay),
			CallTimeout:     getEnvAsDuration("LLM_CALL_TIMEOUT", constants.DefaultModelCallTimeout),
		},
		Cache: CacheConfig{
			RedisURL: getEnv("REDIS_URL", ""),
			TTL:      getEnvAsDuration("STATUS_CACHE_TTL", 30*time.Second),
		},
		Ingest: IngestConfig{
			Dir:                 getEnv("INGEST_DIR", ""),
			Debounce:            getEnvAsDuration("INGEST_DEBOUNCE", 500*time.Millisecond),
			ReconcileStaleAfter: getEnvAsDuration("RECONCILE_STALE_AFTER", 30*time.Minute),
		},
		LogLevel: getEnvAsLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvAsLevel(key string, defaultValue slog.Level) slog.Level {
	var lvl slog.Level
	if value := os.Getenv(key); value != "" {
		if err := lvl.UnmarshalText([]byte(value)); err == nil {
			return lvl
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
		}
	case "memory":
	default:
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be postgres, sqlite or memory", ErrInvalidInput)
	}
	if c.LLM.OpenAIKey == "" && c.LLM.GeminiKey == "" && c.LLM.DeepSeekKey == "" {
		return NewAppError("CONFIG_ERROR", "at least one of OPENAI_API_KEY, GEMINI_API_KEY, DEEPSEEK_API_KEY is required", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.LLM.MinInterval < 0 || c.LLM.MaxAttempts < 1 || c.Queue.MaxAttempts < 1 {
		return NewAppError("CONFIG_ERROR", "rate limit interval and attempt budgets must be positive", ErrInvalidInput)
	}
	for name, r := range c.Queue.Retry {
		if r.MaxAttempts < 1 || r.BaseDelay < 0 {
			return NewAppError("CONFIG_ERROR", "retry settings of queue "+name+" must be positive", ErrInvalidInput)
		}
	}
	return nil
}
