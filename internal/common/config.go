package common

import (
	"errors"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/receipts-pipeline/constants"
)

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Log        LogConfig
	Storage    StorageConfig
	Upload     UploadConfig
	OCR        OCRConfig
	LLM        LLMConfig
	Validation ValidationConfig
	Queue      QueueConfig
	Worker     WorkerConfig
	Sweep      SweepConfig
	Events     EventsConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // postgres | sqlite | mysql
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
	AutoMigrate      bool
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr    string
	GRPCAddr    string
	CORSOrigins []string
}

type LogConfig struct {
	Level  string // debug | info | warn | error
	Format string // json | text
}

// StorageConfig selects the content store backend.
type StorageConfig struct {
	Backend   string // local | bolt | gcs
	Dir       string
	BoltPath  string
	GCSBucket string
	GCSPrefix string
}

type UploadConfig struct {
	MaxBytes    int64
	AllowedMIME []string
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	Engine        string // tesseract | gemini | none
	TesseractPath string
	TessdataDir   string
	Lang          string
	Timeout       time.Duration
	GeminiModel   string
	GeminiAPIKey  string
}

// LLMConfig holds extraction provider configuration
type LLMConfig struct {
	Provider    string // openai | gemini
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float32
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type ValidationConfig struct {
	ReconcileTolerance decimal.Decimal
	DefaultCurrency    string
}

// QueueConfig holds job queue configuration
type QueueConfig struct {
	Backend           string // sql | redis
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisPrefix       string
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	RetryBase         time.Duration
	RetryMax          time.Duration
	PollInterval      time.Duration
}

type WorkerConfig struct {
	Count          int
	ProcessTimeout time.Duration
}

type SweepConfig struct {
	PendingAge time.Duration
	Interval   time.Duration
}

type EventsConfig struct {
	Backend   string // log | pubsub
	ProjectID string
	TopicID   string
}

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are ignored; variables already set win.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return WrapError(err, "load "+f)
		}
	}
	return nil
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	_ = LoadEnvFiles()

	openAIKey := getEnv("OPENAI_API_KEY", "")
	geminiKey := getEnv("GEMINI_API_KEY", "")
	provider := strings.ToLower(getEnv("LLM_PROVIDER", "openai"))
	apiKey := getEnv("LLM_API_KEY", "")
	model := getEnv("LLM_MODEL", "")
	if apiKey == "" {
		apiKey = openAIKey
		if provider == "gemini" {
			apiKey = geminiKey
		}
	}
	if model == "" {
		model = getEnv("OPENAI_MODEL", "gpt-4o-mini")
		if provider == "gemini" {
			model = "gemini-2.5-flash"
		}
	}

	return &Config{
		Database: DatabaseConfig{
			Driver:           strings.ToLower(getEnv("DB_DRIVER", "postgres")),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
			AutoMigrate:      getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Server: ServerConfig{
			HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
			GRPCAddr:    getEnv("GRPC_ADDR", ":8081"),
			CORSOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Storage: StorageConfig{
			Backend:   strings.ToLower(getEnv("STORAGE_BACKEND", "local")),
			Dir:       getEnv("STORAGE_DIR", "./data/content"),
			BoltPath:  getEnv("STORAGE_BOLT_PATH", "./data/content.db"),
			GCSBucket: getEnv("STORAGE_GCS_BUCKET", ""),
			GCSPrefix: getEnv("STORAGE_GCS_PREFIX", "receipts"),
		},
		Upload: UploadConfig{
			MaxBytes:    getEnvAsInt64("UPLOAD_MAX_BYTES", constants.DefaultMaxUploadBytes),
			AllowedMIME: getEnvAsList("UPLOAD_ALLOWED_MIME", constants.DefaultAllowedMIME),
		},
		OCR: OCRConfig{
			Engine:        strings.ToLower(getEnv("OCR_ENGINE", "tesseract")),
			TesseractPath: getEnv("TESSERACT_PATH", "tesseract"),
			TessdataDir:   getEnv("TESSDATA_PREFIX", ""),
			Lang:          getEnv("OCR_LANG", "eng"),
			Timeout:       getEnvAsDuration("OCR_TIMEOUT", 30*time.Second),
			GeminiModel:   getEnv("OCR_GEMINI_MODEL", "gemini-1.5-flash"),
			GeminiAPIKey:  geminiKey,
		},
		LLM: LLMConfig{
			Provider:    provider,
			Model:       model,
			APIKey:      apiKey,
			BaseURL:     getEnv("LLM_BASE_URL", ""),
			Temperature: getEnvAsFloat32("LLM_TEMPERATURE", 0.0),
			Timeout:     getEnvAsDuration("EXTRACTION_TIMEOUT", 60*time.Second),
			MaxAttempts: getEnvAsInt("EXTRACTION_MAX_ATTEMPTS", 3),
			BackoffBase: getEnvAsDuration("EXTRACTION_BACKOFF_BASE", 500*time.Millisecond),
			BackoffMax:  getEnvAsDuration("EXTRACTION_BACKOFF_MAX", 8*time.Second),
		},
		Validation: ValidationConfig{
			ReconcileTolerance: getEnvAsDecimal("VALIDATION_RECONCILE_TOLERANCE", decimal.RequireFromString("0.05")),
			DefaultCurrency:    strings.ToUpper(getEnv("VALIDATION_DEFAULT_CURRENCY", "USD")),
		},
		Queue: QueueConfig{
			Backend:           strings.ToLower(getEnv("QUEUE_BACKEND", "sql")),
			RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword:     getEnv("REDIS_PASSWORD", ""),
			RedisDB:           getEnvAsInt("REDIS_DB", 0),
			RedisPrefix:       getEnv("REDIS_PREFIX", "receipts"),
			VisibilityTimeout: getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			MaxDeliveries:     getEnvAsInt("QUEUE_MAX_DELIVERIES", 5),
			RetryBase:         getEnvAsDuration("QUEUE_RETRY_BASE", 2*time.Second),
			RetryMax:          getEnvAsDuration("QUEUE_RETRY_MAX", 2*time.Minute),
			PollInterval:      getEnvAsDuration("QUEUE_POLL_INTERVAL", 500*time.Millisecond),
		},
		Worker: WorkerConfig{
			Count:          getEnvAsInt("WORKER_COUNT", 4),
			ProcessTimeout: getEnvAsDuration("WORKER_PROCESS_TIMEOUT", 4*time.Minute),
		},
		Sweep: SweepConfig{
			PendingAge: getEnvAsDuration("SWEEP_PENDING_AGE", 10*time.Minute),
			Interval:   getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		},
		Events: EventsConfig{
			Backend:   strings.ToLower(getEnv("EVENTS_BACKEND", "log")),
			ProjectID: getEnv("PUBSUB_PROJECT_ID", ""),
			TopicID:   getEnv("PUBSUB_TOPIC_ID", "receipt-status"),
		},
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

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
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

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
	return out
}

// Validate checks everything a processing daemon needs.
func (c *Config) Validate() error {
	if err := c.ValidateCore(); err != nil {
		return err
	}
	return c.ValidateExtraction()
}

// ValidateCore checks the sections every tool uses: database, storage,
// upload limits, queue and events.
func (c *Config) ValidateCore() error {
	if c.Database.DSN == "" {
		return configError("DB_URL is required")
	}
	if !slices.Contains([]string{"postgres", "sqlite", "mysql"}, c.Database.Driver) {
		return configError("DB_DRIVER must be postgres, sqlite or mysql")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Dir == "" {
			return configError("STORAGE_DIR is required")
		}
	case "bolt":
		if c.Storage.BoltPath == "" {
			return configError("STORAGE_BOLT_PATH is required")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return configError("STORAGE_GCS_BUCKET is required")
		}
	default:
		return configError("unknown STORAGE_BACKEND " + c.Storage.Backend)
	}
	if c.Upload.MaxBytes <= 0 {
		return configError("UPLOAD_MAX_BYTES must be positive")
	}
	if !slices.Contains([]string{"sql", "redis"}, c.Queue.Backend) {
		return configError("QUEUE_BACKEND must be sql or redis")
	}
	if c.Queue.VisibilityTimeout <= 0 || c.Queue.MaxDeliveries < 1 {
		return configError("queue visibility timeout and max deliveries must be positive")
	}
	if c.Worker.Count < 1 {
		return configError("WORKER_COUNT must be at least 1")
	}
	if c.Events.Backend == "pubsub" && c.Events.ProjectID == "" {
		return configError("PUBSUB_PROJECT_ID is required for pubsub events")
	}
	return nil
}

// ValidateOCR checks the OCR section alone.
func (c *Config) ValidateOCR() error {
	if !slices.Contains([]string{"tesseract", "gemini", "none"}, c.OCR.Engine) {
		return configError("OCR_ENGINE must be tesseract, gemini or none")
	}
	if c.OCR.Engine == "gemini" && c.OCR.GeminiAPIKey == "" {
		return configError("GEMINI_API_KEY is required for the gemini OCR engine")
	}
	return nil
}

// ValidateExtraction checks the OCR, model and validation sections.
func (c *Config) ValidateExtraction() error {
	if err := c.ValidateOCR(); err != nil {
		return err
	}
	if !slices.Contains([]string{"openai", "gemini"}, c.LLM.Provider) {
		return configError("LLM_PROVIDER must be openai or gemini")
	}
	if c.LLM.APIKey == "" {
		return configError("LLM_API_KEY is required")
	}
	if c.LLM.MaxAttempts < 1 {
		return configError("EXTRACTION_MAX_ATTEMPTS must be at least 1")
	}
	if len(c.Validation.DefaultCurrency) != 3 {
		return configError("VALIDATION_DEFAULT_CURRENCY must be an ISO 4217 code")
	}
	if c.Validation.ReconcileTolerance.IsNegative() {
		return configError("VALIDATION_RECONCILE_TOLERANCE must not be negative")
	}
	return nil
}

func configError(msg string) error {
	return NewAppError(CodeConfig, msg, ErrInvalidInput)
}
