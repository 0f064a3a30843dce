package common

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"

	"github.com/joseph-ayodele/bill-extractor/constants"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	LLM       LLMConfig
	Log       LogConfig
	RateLimit RateLimitConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string        `env:"DB_DRIVER" envDefault:"sqlite"`
	DSN              string        `env:"DB_URL" envDefault:"file:extraction.db"`
	MaxConns         int32         `env:"DB_MAX_CONNS" envDefault:"20"`
	MinConns         int32         `env:"DB_MIN_CONNS" envDefault:"5"`
	MaxConnLifetime  time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"30m"`
	MaxConnIdleTime  time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`
	DialTimeout      time.Duration `env:"DB_DIAL_TIMEOUT" envDefault:"3s"`
	StatementTimeout time.Duration `env:"DB_STATEMENT_TIMEOUT" envDefault:"0s"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8000"`
	GRPCAddr      string `env:"GRPC_ADDR" envDefault:":8080"`
	MaxUploadMB   int    `env:"MAX_UPLOAD_MB" envDefault:"25"`
	MaxBatchFiles int    `env:"MAX_BATCH_FILES" envDefault:"100"`
}

// WorkerConfig holds worker pool and task lifecycle configuration
type WorkerConfig struct {
	Count             int                        `env:"WORKER_COUNT" envDefault:"4"`
	ExtractTimeout    time.Duration              `env:"EXTRACT_TIMEOUT" envDefault:"2m"`
	ExtractRetries    uint                       `env:"EXTRACT_RETRIES" envDefault:"0"`
	ExtractRatePerSec float64                    `env:"EXTRACT_RATE_PER_SEC" envDefault:"0"`
	PersistRetries    uint                       `env:"PERSIST_RETRIES" envDefault:"3"`
	PersistRetryDelay time.Duration              `env:"PERSIST_RETRY_DELAY" envDefault:"200ms"`
	CompletionPolicy  constants.CompletionPolicy `env:"COMPLETION_POLICY" envDefault:"any_success"`
	Retention         time.Duration              `env:"RETENTION" envDefault:"0s"`
	SweepInterval     time.Duration              `env:"RETENTION_SWEEP_INTERVAL" envDefault:"1h"`
}

// StorageConfig holds document storage configuration. S3 is used when Endpoint is set.
type StorageConfig struct {
	UploadDir   string `env:"UPLOAD_DIR" envDefault:"./uploads"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Bucket    string `env:"S3_BUCKET" envDefault:"documents"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3UseSSL    bool   `env:"S3_USE_SSL" envDefault:"false"`
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	Model       string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	APIKey      string        `env:"OPENAI_API_KEY"`
	BaseURL     string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	Temperature float32       `env:"OPENAI_TEMPERATURE" envDefault:"0"`
	Timeout     time.Duration `env:"OPENAI_TIMEOUT" envDefault:"45s"`
	Pdftotext   string        `env:"PDFTOTEXT_BIN" envDefault:"pdftotext"`
	OCRFallback bool          `env:"OCR_FALLBACK" envDefault:"false"`
	Pdftoppm    string        `env:"PDFTOPPM_BIN" envDefault:"pdftoppm"`
	Tesseract   string        `env:"TESSERACT_BIN" envDefault:"tesseract"`
	OCRLang     string        `env:"TESSERACT_LANG" envDefault:"eng"`
	OCRMaxPages int           `env:"OCR_MAX_PAGES" envDefault:"5"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level      string `env:"LOG_LEVEL" envDefault:"info"`
	Format     string `env:"LOG_FORMAT" envDefault:"text"`
	File       string `env:"LOG_FILE"`
	MaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"28"`
}

// RateLimitConfig holds the submission rate limiter configuration. Disabled when RedisAddr is empty.
type RateLimitConfig struct {
	RedisAddr string        `env:"REDIS_ADDR"`
	RedisDB   int           `env:"REDIS_DB" envDefault:"0"`
	Limit     int           `env:"RATE_LIMIT" envDefault:"10"`
	Window    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1s"`
}

// LoadConfig loads configuration from environment variables, after applying an
// optional .env file from the working directory.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, NewAppError("CONFIG_ERROR", "load .env", err)
	}
	return ParseConfig(nil)
}

// ParseConfig parses configuration from environ, or the process environment when environ is nil.
func ParseConfig(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, NewAppError("CONFIG_ERROR", "parse environment", err)
	}
	return cfg, nil
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return NewAppError("CONFIG_ERROR", "DB_DRIVER must be sqlite or postgres", ErrInvalidInput)
	}
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" && c.Server.GRPCAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR or GRPC_ADDR is required", ErrInvalidInput)
	}
	if c.Server.MaxBatchFiles <= 0 {
		return NewAppError("CONFIG_ERROR", "MAX_BATCH_FILES must be positive", ErrInvalidInput)
	}
	if c.Worker.Count <= 0 {
		return NewAppError("CONFIG_ERROR", "WORKER_COUNT must be positive", ErrInvalidInput)
	}
	if c.Worker.ExtractTimeout <= 0 {
		return NewAppError("CONFIG_ERROR", "EXTRACT_TIMEOUT must be positive", ErrInvalidInput)
	}
	switch c.Worker.CompletionPolicy {
	case constants.PolicyAnySuccess, constants.PolicyAllSuccess:
	default:
		return NewAppError("CONFIG_ERROR", "COMPLETION_POLICY must be any_success or all_success", ErrInvalidInput)
	}
	if c.Storage.S3Endpoint != "" && strings.TrimSpace(c.Storage.S3Bucket) == "" {
		return NewAppError("CONFIG_ERROR", "S3_BUCKET is required with S3_ENDPOINT", ErrInvalidInput)
	}
	return nil
}
