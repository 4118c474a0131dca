// Package config assembles process configuration from an optional YAML
// defaults file and the environment, environment winning. Load never
// guesses required secrets; Validate reports what is missing before the
// process touches any backend.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds everything the orderflow process needs from its host.
type Config struct {
	LogLevel  string `yaml:"log_level" validate:"oneof=DEBUG INFO WARN ERROR"`
	LogFormat string `yaml:"log_format" validate:"oneof=text json"`

	DatabaseURL string `yaml:"database_url" validate:"required"`

	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	LLM         LLMConfig         `yaml:"llm"`
	Worker      WorkerConfig      `yaml:"worker"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`

	// MasterSecret derives the key that seals ERP connection configs.
	MasterSecret string `yaml:"master_secret" validate:"required,min=16"`

	// MaxUploadBytes caps a single ingested document.
	MaxUploadBytes int64 `yaml:"max_upload_bytes" validate:"gt=0"`
}

// ObjectStoreConfig selects the document archive backend.
type ObjectStoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=fs s3 gcs"`

	// fs backend.
	Dir       string `yaml:"dir" validate:"required_if=Backend fs"`
	BaseURL   string `yaml:"base_url"`
	URLSecret string `yaml:"url_secret"`

	// s3 backend.
	S3Bucket   string `yaml:"s3_bucket" validate:"required_if=Backend s3"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`

	// gcs backend.
	GCSBucket string `yaml:"gcs_bucket" validate:"required_if=Backend gcs"`
}

// LLMConfig points at an OpenAI-compatible provider.
type LLMConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	TextModel   string  `yaml:"text_model"`
	VisionModel string  `yaml:"vision_model"`
	RedisURL    string  `yaml:"redis_url"` // empty = in-process limiter
	RateRPS     float64 `yaml:"rate_rps" validate:"gt=0"`
	RateBurst   int     `yaml:"rate_burst" validate:"gt=0"`
}

// WorkerConfig tunes the background engine and the periodic scheduler.
type WorkerConfig struct {
	Count        int           `yaml:"count" validate:"gte=1,lte=64"`
	Lease        time.Duration `yaml:"lease" validate:"gt=0"`
	AckInterval  time.Duration `yaml:"ack_interval" validate:"gt=0"`
	SweepHourUTC int           `yaml:"sweep_hour_utc" validate:"gte=0,lte=23"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SampleRate   float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
	InsecureGRPC bool    `yaml:"insecure_grpc"`
}

// Load builds the configuration: defaults, then the YAML file named by
// ORDERFLOW_CONFIG (when set), then environment variables.
func Load() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv("ORDERFLOW_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.mergeEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel:       "INFO",
		LogFormat:      "text",
		MaxUploadBytes: 25 << 20,
		ObjectStore: ObjectStoreConfig{
			Backend: "fs",
			Dir:     "./data/objects",
		},
		LLM: LLMConfig{
			RateRPS:   2,
			RateBurst: 4,
		},
		Worker: WorkerConfig{
			Count:       4,
			Lease:       2 * time.Minute,
			AckInterval: time.Minute,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Environment: "development",
			SampleRate:  1.0,
		},
	}
}

func (c *Config) mergeEnv() {
	setStr(&c.LogLevel, "LOG_LEVEL")
	setStr(&c.LogFormat, "LOG_FORMAT")
	setStr(&c.DatabaseURL, "DATABASE_URL")
	setStr(&c.MasterSecret, "ORDERFLOW_MASTER_SECRET")
	setInt64(&c.MaxUploadBytes, "MAX_UPLOAD_BYTES")

	setStr(&c.ObjectStore.Backend, "OBJECT_STORE_BACKEND")
	setStr(&c.ObjectStore.Dir, "OBJECT_STORE_DIR")
	setStr(&c.ObjectStore.BaseURL, "OBJECT_STORE_BASE_URL")
	setStr(&c.ObjectStore.URLSecret, "OBJECT_STORE_URL_SECRET")
	setStr(&c.ObjectStore.S3Bucket, "OBJECT_STORE_S3_BUCKET")
	setStr(&c.ObjectStore.S3Region, "OBJECT_STORE_S3_REGION")
	setStr(&c.ObjectStore.S3Endpoint, "OBJECT_STORE_S3_ENDPOINT")
	setStr(&c.ObjectStore.GCSBucket, "OBJECT_STORE_GCS_BUCKET")

	setStr(&c.LLM.APIKey, "LLM_API_KEY")
	setStr(&c.LLM.BaseURL, "LLM_BASE_URL")
	setStr(&c.LLM.TextModel, "LLM_TEXT_MODEL")
	setStr(&c.LLM.VisionModel, "LLM_VISION_MODEL")
	setStr(&c.LLM.RedisURL, "REDIS_URL")
	setFloat(&c.LLM.RateRPS, "LLM_RATE_RPS")
	setInt(&c.LLM.RateBurst, "LLM_RATE_BURST")

	setInt(&c.Worker.Count, "WORKER_COUNT")
	setDuration(&c.Worker.Lease, "WORKER_LEASE")
	setDuration(&c.Worker.AckInterval, "ACK_POLL_INTERVAL")
	setInt(&c.Worker.SweepHourUTC, "RETENTION_SWEEP_HOUR_UTC")

	setBool(&c.Telemetry.Enabled, "OTEL_ENABLED")
	setStr(&c.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setStr(&c.Telemetry.Environment, "ORDERFLOW_ENV")
	setFloat(&c.Telemetry.SampleRate, "OTEL_SAMPLE_RATE")
	setBool(&c.Telemetry.InsecureGRPC, "OTEL_INSECURE")
}

// Validate checks the assembled configuration against the struct rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("config: field %s fails rule %q", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
