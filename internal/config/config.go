package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Backend       BackendConfig       `yaml:"backend" json:"backend"`
	Upload        UploadConfig        `yaml:"upload" json:"upload"`
	Backoff       BackoffConfig       `yaml:"backoff" json:"backoff"`
	Processing    ProcessingConfig    `yaml:"processing" json:"processing"`
	Status        StatusConfig        `yaml:"status" json:"status"`
	Source        SourceConfig        `yaml:"source" json:"source"`
	Intake        IntakeConfig        `yaml:"intake" json:"intake"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port            int    `yaml:"port" json:"port"`
	Host            string `yaml:"host" json:"host"`
	HealthCheckPort int    `yaml:"health_check_port" json:"health_check_port"`
}

// BackendConfig locates the remote storage/processing backend
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url" json:"base_url"`
	PushURL        string        `yaml:"push_url" json:"push_url"`
	Token          string        `yaml:"token" json:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

type UploadConfig struct {
	ChunkSize         int64    `yaml:"chunk_size" json:"chunk_size"`
	MaxFileSize       int64    `yaml:"max_file_size" json:"max_file_size"`
	AllowedExtensions []string `yaml:"allowed_extensions" json:"allowed_extensions"`
	MaxRetries        int      `yaml:"max_retries" json:"max_retries"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`
}

type ProcessingConfig struct {
	JobRetention  time.Duration `yaml:"job_retention" json:"job_retention"`
	FairnessMode  string        `yaml:"fairness_mode" json:"fairness_mode"`
	StageTimeout  time.Duration `yaml:"stage_timeout" json:"stage_timeout"`
	StageAttempts int           `yaml:"stage_attempts" json:"stage_attempts"` // tries per stage on transient failures
	Formats       []string      `yaml:"formats" json:"formats"`
	Qualities     []string      `yaml:"qualities" json:"qualities"`
}

type StatusConfig struct {
	Mode                 string        `yaml:"mode" json:"mode"`
	PollInterval         time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
}

type SourceConfig struct {
	Type      string          `yaml:"type" json:"type"`
	AzureBlob AzureBlobSource `yaml:"azure_blob" json:"azure_blob"`
	S3        S3Source        `yaml:"s3" json:"s3"`
}

type AzureBlobSource struct {
	Account        string `yaml:"account" json:"account"`
	AccountKey     string `yaml:"account_key" json:"account_key"`
	EndpointSuffix string `yaml:"endpoint_suffix" json:"endpoint_suffix"`
}

type S3Source struct {
	Region string `yaml:"region" json:"region"`
}

type IntakeConfig struct {
	AMQP AMQPConfig `yaml:"amqp" json:"amqp"`
}

type AMQPConfig struct {
	URL   string `yaml:"url" json:"url"`
	Queue string `yaml:"queue" json:"queue"`
}

type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level" json:"log_level"`
	MetricsPort int    `yaml:"metrics_port" json:"metrics_port"`
}

const (
	FairnessStrictPriority = "strict-priority"

	StatusModePush = "push"
	StatusModePoll = "poll"
)

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			HealthCheckPort: 8081,
		},
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8080",
			RequestTimeout: 60 * time.Second,
		},
		Upload: UploadConfig{
			ChunkSize:         2 << 20,
			MaxFileSize:       5 << 30,
			AllowedExtensions: []string{".mp4", ".mov", ".avi", ".mkv", ".webm", ".m4v"},
			MaxRetries:        3,
		},
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
		},
		Processing: ProcessingConfig{
			JobRetention:  24 * time.Hour,
			FairnessMode:  FairnessStrictPriority,
			StageTimeout:  30 * time.Minute,
			StageAttempts: 3,
			Formats:       []string{"mp4", "hls"},
			Qualities:     []string{"1080p", "720p", "480p"},
		},
		Status: StatusConfig{
			Mode:                 StatusModePush,
			PollInterval:         2 * time.Second,
			MaxReconnectAttempts: 5,
		},
		Source: SourceConfig{
			Type: "local",
		},
		Intake: IntakeConfig{
			AMQP: AMQPConfig{
				Queue: "video_processing_queue",
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			MetricsPort: 9090,
		},
	}
}

// Load loads configuration from config.yaml (if present) and environment variables
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit config file path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		yamlFile, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", path, err)
		}

		if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
			return nil, fmt.Errorf("error parsing %s: %w", path, err)
		}
	}

	loadFromEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(cfg *Config) {
	// Server config
	envInt("SERVER_PORT", &cfg.Server.Port)
	envString("SERVER_HOST", &cfg.Server.Host)
	envInt("SERVER_HEALTH_CHECK_PORT", &cfg.Server.HealthCheckPort)

	// Backend
	envString("BACKEND_BASE_URL", &cfg.Backend.BaseURL)
	envString("BACKEND_PUSH_URL", &cfg.Backend.PushURL)
	envString("BACKEND_TOKEN", &cfg.Backend.Token)
	envDuration("BACKEND_REQUEST_TIMEOUT", &cfg.Backend.RequestTimeout)

	// Upload
	envInt64("UPLOAD_CHUNK_SIZE", &cfg.Upload.ChunkSize)
	envInt64("UPLOAD_MAX_FILE_SIZE", &cfg.Upload.MaxFileSize)
	if val := os.Getenv("UPLOAD_ALLOWED_EXTENSIONS"); val != "" {
		cfg.Upload.AllowedExtensions = splitList(val)
	}
	envInt("UPLOAD_MAX_RETRIES", &cfg.Upload.MaxRetries)

	// Backoff
	envDuration("BACKOFF_INITIAL_DELAY", &cfg.Backoff.InitialDelay)
	envDuration("BACKOFF_MAX_DELAY", &cfg.Backoff.MaxDelay)
	if val := os.Getenv("BACKOFF_MULTIPLIER"); val != "" {
		if m, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Backoff.Multiplier = m
		}
	}

	// Processing
	envDuration("PROCESSING_JOB_RETENTION", &cfg.Processing.JobRetention)
	envString("PROCESSING_FAIRNESS_MODE", &cfg.Processing.FairnessMode)
	envDuration("PROCESSING_STAGE_TIMEOUT", &cfg.Processing.StageTimeout)
	envInt("PROCESSING_STAGE_ATTEMPTS", &cfg.Processing.StageAttempts)
	if val := os.Getenv("PROCESSING_FORMATS"); val != "" {
		cfg.Processing.Formats = splitList(val)
	}
	if val := os.Getenv("PROCESSING_QUALITIES"); val != "" {
		cfg.Processing.Qualities = splitList(val)
	}

	// Status channel
	if val := os.Getenv("STATUS_MODE"); val != "" {
		cfg.Status.Mode = strings.ToLower(val)
	}
	envDuration("STATUS_POLL_INTERVAL", &cfg.Status.PollInterval)
	envInt("STATUS_MAX_RECONNECT_ATTEMPTS", &cfg.Status.MaxReconnectAttempts)

	// Sources
	envString("SOURCE_TYPE", &cfg.Source.Type)
	envString("SOURCE_AZURE_BLOB_ACCOUNT", &cfg.Source.AzureBlob.Account)
	envString("SOURCE_AZURE_BLOB_ACCOUNT_KEY", &cfg.Source.AzureBlob.AccountKey)
	envString("SOURCE_AZURE_BLOB_ENDPOINT_SUFFIX", &cfg.Source.AzureBlob.EndpointSuffix)
	envString("SOURCE_S3_REGION", &cfg.Source.S3.Region)

	// Intake
	envString("INTAKE_AMQP_URL", &cfg.Intake.AMQP.URL)
	envString("INTAKE_AMQP_QUEUE", &cfg.Intake.AMQP.Queue)

	// Observability config
	if val := os.Getenv("OBSERVABILITY_LOG_LEVEL"); val != "" {
		cfg.Observability.LogLevel = strings.ToLower(val)
	}
	envInt("OBSERVABILITY_METRICS_PORT", &cfg.Observability.MetricsPort)
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration and reports every problem it finds
func Validate(cfg *Config) error {
	var result *multierror.Error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid server port: %d", cfg.Server.Port))
	}

	if cfg.Server.HealthCheckPort <= 0 || cfg.Server.HealthCheckPort > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid health check port: %d", cfg.Server.HealthCheckPort))
	}

	if cfg.Backend.BaseURL == "" {
		result = multierror.Append(result, fmt.Errorf("backend base url is required"))
	}

	if cfg.Upload.ChunkSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("chunk size must be positive: %d", cfg.Upload.ChunkSize))
	}

	if cfg.Upload.MaxFileSize <= 0 {
		result = multierror.Append(result, fmt.Errorf("max file size must be positive: %d", cfg.Upload.MaxFileSize))
	}

	if cfg.Upload.MaxRetries <= 0 {
		result = multierror.Append(result, fmt.Errorf("max retries must be positive: %d", cfg.Upload.MaxRetries))
	}

	if cfg.Backoff.InitialDelay < 0 || cfg.Backoff.MaxDelay < cfg.Backoff.InitialDelay {
		result = multierror.Append(result, fmt.Errorf("invalid backoff delays: initial %s, max %s",
			cfg.Backoff.InitialDelay, cfg.Backoff.MaxDelay))
	}

	if cfg.Backoff.Multiplier < 1 {
		result = multierror.Append(result, fmt.Errorf("backoff multiplier must be at least 1: %g", cfg.Backoff.Multiplier))
	}

	if cfg.Processing.FairnessMode != FairnessStrictPriority {
		result = multierror.Append(result, fmt.Errorf("unsupported fairness mode: %s", cfg.Processing.FairnessMode))
	}

	if cfg.Processing.JobRetention <= 0 {
		result = multierror.Append(result, fmt.Errorf("job retention must be positive: %s", cfg.Processing.JobRetention))
	}

	if cfg.Processing.StageAttempts <= 0 {
		result = multierror.Append(result, fmt.Errorf("stage attempts must be positive: %d", cfg.Processing.StageAttempts))
	}

	if len(cfg.Processing.Formats) == 0 || len(cfg.Processing.Qualities) == 0 {
		result = multierror.Append(result, fmt.Errorf("at least one output format and quality is required"))
	}

	if cfg.Status.Mode != StatusModePush && cfg.Status.Mode != StatusModePoll {
		result = multierror.Append(result, fmt.Errorf("invalid status mode: %s", cfg.Status.Mode))
	}

	if cfg.Status.PollInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("poll interval must be positive: %s", cfg.Status.PollInterval))
	}

	if cfg.Status.MaxReconnectAttempts < 0 {
		result = multierror.Append(result, fmt.Errorf("max reconnect attempts must not be negative: %d", cfg.Status.MaxReconnectAttempts))
	}

	validSourceTypes := []string{"local", "http", "azure-blob", "s3"}
	if !contains(validSourceTypes, cfg.Source.Type) {
		result = multierror.Append(result, fmt.Errorf("invalid source type: %s", cfg.Source.Type))
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, cfg.Observability.LogLevel) {
		result = multierror.Append(result, fmt.Errorf("invalid log level: %s", cfg.Observability.LogLevel))
	}

	return result.ErrorOrNil()
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
