package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the ingest config file.
var ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	DataDir  string `yaml:"dataDir"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	CredentialKey string `yaml:"credentialKey"`

	GitHubAPIURL string `yaml:"githubAPIURL"`
	ArchiveRef   string `yaml:"archiveRef"`

	OpenAIBaseURL     string `yaml:"openaiBaseURL"`
	OpenAIAPIKey      string `yaml:"openaiAPIKey"`
	AssistantModel    string `yaml:"assistantModel"`
	UploadConcurrency int    `yaml:"uploadConcurrency"`

	FlattenAllowedExtensions []string          `yaml:"flattenAllowedExtensions"`
	FlattenRemap             map[string]string `yaml:"flattenRemap"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	// ArchiveDir retains archives on local disk when no MinIO endpoint is set.
	ArchiveDir string `yaml:"archiveDir"`

	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`
	// QueueClaimIdleSeconds is how long a delivered job may sit unacked before
	// another consumer reclaims it. It must exceed LockTTLSeconds.
	QueueClaimIdleSeconds int `yaml:"queueClaimIdleSeconds"`
	LockTTLSeconds        int `yaml:"lockTTLSeconds"`

	// InternalJWTVerifyPublicKeys is "kid=path,kid2=path2"; empty disables
	// the internal job API.
	InternalJWTVerifyPublicKeys string `yaml:"internalJwtVerifyPublicKeys"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Port == "" {
		cfg.Port = "8084"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "repochat:ingest:jobs"
	}
	if cfg.QueueConcurrency == 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.LockTTLSeconds == 0 {
		cfg.LockTTLSeconds = 1800
	}
	if cfg.QueueClaimIdleSeconds == 0 {
		cfg.QueueClaimIdleSeconds = 2100
	}
	// Override with environment variables
	if v := os.Getenv("REPOCHAT_INGEST_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("REPOCHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REPOCHAT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("CREDENTIAL_KEY"); v != "" {
		cfg.CredentialKey = v
	}
	if v := os.Getenv("REPOCHAT_GITHUB_API_URL"); v != "" {
		cfg.GitHubAPIURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("REPOCHAT_OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.MinioSecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.MinioBucket = v
	}
	if v := os.Getenv("REPOCHAT_ARCHIVE_DIR"); v != "" {
		cfg.ArchiveDir = v
	}
	if v := os.Getenv("INGEST_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("INGEST_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("INGEST_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("INGEST_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxRetries = n
		}
	}
	if v := os.Getenv("INGEST_QUEUE_RETRY_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueRetryDelaySeconds = n
		}
	}
	if v := os.Getenv("INGEST_QUEUE_CLAIM_IDLE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueClaimIdleSeconds = n
		}
	}
	if v := os.Getenv("INGEST_LOCK_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LockTTLSeconds = n
		}
	}
	if v := os.Getenv("INGEST_UPLOAD_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadConcurrency = n
		}
	}
	if v := os.Getenv("REPOCHAT_INTERNAL_JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		cfg.InternalJWTVerifyPublicKeys = v
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if strings.TrimSpace(cfg.CredentialKey) == "" {
		return errors.New("config: credentialKey is required (set CREDENTIAL_KEY)")
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return errors.New("config: openaiAPIKey is required (set OPENAI_API_KEY)")
	}
	if cfg.QueueConcurrency < 1 {
		return errors.New("config: queueConcurrency must be >= 1 (set in config.yaml or INGEST_QUEUE_CONCURRENCY)")
	}
	if cfg.QueueMaxRetries < 0 || cfg.QueueRetryDelaySeconds < 0 || cfg.UploadConcurrency < 0 {
		return errors.New("config: queue retries, retry delay and upload concurrency must be >= 0")
	}
	if cfg.LockTTLSeconds < 1 {
		return errors.New("config: lockTTLSeconds must be >= 1 (set in config.yaml or INGEST_LOCK_TTL_SECONDS)")
	}
	if cfg.QueueClaimIdleSeconds <= cfg.LockTTLSeconds {
		return fmt.Errorf("config: queueClaimIdleSeconds (%d) must exceed lockTTLSeconds (%d)", cfg.QueueClaimIdleSeconds, cfg.LockTTLSeconds)
	}
	return nil
}
