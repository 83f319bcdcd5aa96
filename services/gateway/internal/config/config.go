package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the gateway config file.
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

	ClientURL          string   `yaml:"clientURL"`
	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	TrustedProxyCIDRs  []string `yaml:"trustedProxyCidrs"`

	GitHubClientID     string `yaml:"githubClientID"`
	GitHubClientSecret string `yaml:"githubClientSecret"`
	GitHubCallbackURL  string `yaml:"githubCallbackURL"`
	GitHubAPIURL       string `yaml:"githubAPIURL"`
	ArchiveRef         string `yaml:"archiveRef"`

	SessionSecret       string `yaml:"sessionSecret"`
	SessionTTL          string `yaml:"sessionTTL"`
	SessionCookieName   string `yaml:"sessionCookieName"`
	SessionCookieSecure bool   `yaml:"sessionCookieSecure"`

	OpenAIBaseURL     string `yaml:"openaiBaseURL"`
	OpenAIAPIKey      string `yaml:"openaiAPIKey"`
	AssistantModel    string `yaml:"assistantModel"`
	UploadConcurrency int    `yaml:"uploadConcurrency"`
	StreamBuffer      int    `yaml:"streamBuffer"`

	FlattenAllowedExtensions []string          `yaml:"flattenAllowedExtensions"`
	FlattenRemap             map[string]string `yaml:"flattenRemap"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	// ArchiveDir retains archives on local disk when no MinIO endpoint is set.
	ArchiveDir string `yaml:"archiveDir"`

	QueueName string `yaml:"queueName"`
	// IngestServiceURL routes job requests through the ingest service
	// instead of writing to the queue directly.
	IngestServiceURL          string `yaml:"ingestServiceURL"`
	InternalJWTPrivateKeyPath string `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTKeyID          string `yaml:"internalJwtKeyId"`

	LoginRateLimitPerMinute  int `yaml:"loginRateLimitPerMinute"`
	IngestRateLimitPerMinute int `yaml:"ingestRateLimitPerMinute"`
	QueryRateLimitPerMinute  int `yaml:"queryRateLimitPerMinute"`
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
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.SessionCookieName == "" {
		cfg.SessionCookieName = "repochat_session"
	}
	if cfg.SessionTTL == "" {
		cfg.SessionTTL = "168h"
	}
	if cfg.LoginRateLimitPerMinute == 0 {
		cfg.LoginRateLimitPerMinute = 20
	}
	if cfg.IngestRateLimitPerMinute == 0 {
		cfg.IngestRateLimitPerMinute = 5
	}
	if cfg.QueryRateLimitPerMinute == 0 {
		cfg.QueryRateLimitPerMinute = 30
	}
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "REPOCHAT_GATEWAY_PORT")
	setString(&cfg.LogLevel, "REPOCHAT_LOG_LEVEL")
	setString(&cfg.DataDir, "REPOCHAT_DATA_DIR")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.CredentialKey, "CREDENTIAL_KEY")
	setString(&cfg.ClientURL, "REPOCHAT_CLIENT_URL")
	if v := os.Getenv("REPOCHAT_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("REPOCHAT_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	setString(&cfg.GitHubClientID, "GITHUB_CLIENT_ID")
	setString(&cfg.GitHubClientSecret, "GITHUB_CLIENT_SECRET")
	setString(&cfg.GitHubCallbackURL, "REPOCHAT_GITHUB_CALLBACK_URL")
	setString(&cfg.GitHubAPIURL, "REPOCHAT_GITHUB_API_URL")
	setString(&cfg.SessionSecret, "SESSION_SECRET")
	setString(&cfg.SessionTTL, "REPOCHAT_SESSION_TTL")
	if v := os.Getenv("REPOCHAT_SESSION_COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.SessionCookieSecure = b
		}
	}
	setString(&cfg.OpenAIBaseURL, "REPOCHAT_OPENAI_BASE_URL")
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.AssistantModel, "REPOCHAT_ASSISTANT_MODEL")
	setInt(&cfg.StreamBuffer, "REPOCHAT_STREAM_BUFFER")
	setInt(&cfg.UploadConcurrency, "REPOCHAT_UPLOAD_CONCURRENCY")
	if v := os.Getenv("REPOCHAT_FLATTEN_ALLOWED_EXTENSIONS"); v != "" {
		cfg.FlattenAllowedExtensions = splitCSV(v)
	}
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	setString(&cfg.ArchiveDir, "REPOCHAT_ARCHIVE_DIR")
	setString(&cfg.QueueName, "REPOCHAT_QUEUE_NAME")
	setString(&cfg.IngestServiceURL, "REPOCHAT_INGEST_SERVICE_URL")
	setString(&cfg.InternalJWTPrivateKeyPath, "REPOCHAT_INTERNAL_JWT_PRIVATE_KEY_PATH")
	setString(&cfg.InternalJWTKeyID, "REPOCHAT_INTERNAL_JWT_KEY_ID")
	setInt(&cfg.LoginRateLimitPerMinute, "REPOCHAT_LOGIN_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.IngestRateLimitPerMinute, "REPOCHAT_INGEST_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.QueryRateLimitPerMinute, "REPOCHAT_QUERY_RATE_LIMIT_PER_MINUTE")
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for sessions, rate limiting and jobs")
	}
	if strings.TrimSpace(cfg.CredentialKey) == "" {
		return errors.New("config: credentialKey is required (set CREDENTIAL_KEY)")
	}
	if strings.TrimSpace(cfg.ClientURL) == "" {
		return errors.New("config: clientURL is required (set in config.yaml)")
	}
	if cfg.GitHubClientID == "" || cfg.GitHubClientSecret == "" {
		return errors.New("config: githubClientID and githubClientSecret are required")
	}
	if strings.TrimSpace(cfg.GitHubCallbackURL) == "" {
		return errors.New("config: githubCallbackURL is required (set in config.yaml)")
	}
	if len(cfg.SessionSecret) < 32 {
		return errors.New("config: sessionSecret must be at least 32 bytes (set SESSION_SECRET)")
	}
	if _, err := ParseSessionTTL(cfg.SessionTTL); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return errors.New("config: openaiAPIKey is required (set OPENAI_API_KEY)")
	}
	if cfg.IngestServiceURL != "" && strings.TrimSpace(cfg.InternalJWTPrivateKeyPath) == "" {
		return errors.New("config: internalJwtPrivateKeyPath is required when ingestServiceURL is set")
	}
	if cfg.StreamBuffer < 0 || cfg.UploadConcurrency < 0 {
		return errors.New("config: streamBuffer and uploadConcurrency must be >= 0")
	}
	if cfg.LoginRateLimitPerMinute < 0 || cfg.IngestRateLimitPerMinute < 0 || cfg.QueryRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	return nil
}

// ParseSessionTTL parses the session lifetime.
func ParseSessionTTL(value string) (time.Duration, error) {
	dur, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || dur <= 0 {
		return 0, fmt.Errorf("config: invalid sessionTTL %q", value)
	}
	return dur, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
