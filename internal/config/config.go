package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/basel-ax/streamgen/internal/logger"
)

// DBConfig holds database configuration
type DBConfig struct {
	Host            string        `env:"DB_HOST" env-required:"true"`
	Port            int           `env:"DB_PORT" env-default:"5432"`
	User            string        `env:"DB_USER" env-required:"true"`
	Password        string        `env:"DB_PASSWORD" env-required:"true"`
	Database        string        `env:"DB_NAME" env-required:"true"`
	SSLMode         string        `env:"DB_SSL_MODE" env-default:"disable"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" env-default:"25"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
}

// UpstreamConfig holds the image provider endpoints
type UpstreamConfig struct {
	OpenAIBaseURL         string        `env:"OPENAI_BASE_URL" env-default:"https://api.openai.com/v1"`
	OpenAIAPIKey          string        `env:"OPENAI_API_KEY"`
	OpenAIModel           string        `env:"OPENAI_IMAGE_MODEL" env-default:"gpt-image-1"`
	PromptModel           string        `env:"OPENAI_PROMPT_MODEL" env-default:"gpt-4o-mini"`
	GeminiBaseURL         string        `env:"GEMINI_BASE_URL" env-default:"https://generativelanguage.googleapis.com/v1beta"`
	GeminiAPIKey          string        `env:"GEMINI_API_KEY"`
	GeminiModel           string        `env:"GEMINI_IMAGE_MODEL" env-default:"gemini-2.0-flash-preview-image-generation"`
	ImageSize             string        `env:"IMAGE_SIZE" env-default:"auto"`
	PartialImages         int           `env:"PARTIAL_IMAGES" env-default:"2"`
	Timeout               time.Duration `env:"UPSTREAM_TIMEOUT" env-default:"5m"`
	ResponseHeaderTimeout time.Duration `env:"UPSTREAM_RESPONSE_HEADER_TIMEOUT" env-default:"60s"`
}

// StorageConfig holds file store settings
type StorageConfig struct {
	ImageDir        string `env:"IMAGE_DIR" env-required:"true"`
	ThumbnailDir    string `env:"THUMBNAIL_DIR"`
	ThumbnailMaxDim int    `env:"THUMBNAIL_MAX_DIM" env-default:"256"`
	PublicBaseURL   string `env:"IMAGE_PUBLIC_BASE_URL"`
}

// BatchConfig bounds batch submissions
type BatchConfig struct {
	MaxCount        int `env:"BATCH_MAX_COUNT" env-default:"4"`
	MaxPromptLength int `env:"BATCH_MAX_PROMPT_LENGTH" env-default:"4000"`
}

// CronConfig holds scheduled job settings
type CronConfig struct {
	ThumbnailSchedule string `env:"CRON_THUMBNAIL_SCHEDULE" env-default:"0 */10 * * * *"`
	ThumbnailBatch    int    `env:"CRON_THUMBNAIL_BATCH" env-default:"50"`
}

// Config holds all configuration for the application
type Config struct {
	AppEnv      string `env:"APP_ENV" env-default:"development"`
	HTTPAddr    string `env:"HTTP_ADDR" env-default:":8080"`
	PricingPath string `env:"PRICING_TABLE_PATH"`
	Logger      logger.Config
	DB          DBConfig
	Upstream    UpstreamConfig
	Storage     StorageConfig
	Batch       BatchConfig
	Cron        CronConfig
}

// Load loads the configuration from the environment. A .env file in the
// working directory is read first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values cleanenv cannot express
func (c *Config) Validate() error {
	if c.Upstream.OpenAIAPIKey == "" && c.Upstream.GeminiAPIKey == "" {
		return errors.New("OPENAI_API_KEY or GEMINI_API_KEY is required")
	}
	if c.Batch.MaxCount < 1 {
		return fmt.Errorf("BATCH_MAX_COUNT must be positive, got %d", c.Batch.MaxCount)
	}
	if c.Batch.MaxPromptLength < 1 {
		return fmt.Errorf("BATCH_MAX_PROMPT_LENGTH must be positive, got %d", c.Batch.MaxPromptLength)
	}
	if c.Upstream.PartialImages < 0 || c.Upstream.PartialImages > 3 {
		return fmt.Errorf("PARTIAL_IMAGES must be between 0 and 3, got %d", c.Upstream.PartialImages)
	}
	if c.Storage.ThumbnailMaxDim < 1 {
		return fmt.Errorf("THUMBNAIL_MAX_DIM must be positive, got %d", c.Storage.ThumbnailMaxDim)
	}
	if c.DB.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be positive, got %d", c.DB.MaxOpenConns)
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}
