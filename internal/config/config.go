package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/terminal-bench/attestd/internal/services/safety"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Port           string        `yaml:"port"`
	DatabaseURL    string        `yaml:"database_url"`
	RedisURL       string        `yaml:"redis_url"`
	MinioEndpoint  string        `yaml:"minio_endpoint"`
	MinioAccessKey string        `yaml:"minio_access_key"`
	MinioSecretKey string        `yaml:"minio_secret_key"`
	MinioBucket    string        `yaml:"minio_bucket"`
	MinioSecure    bool          `yaml:"minio_secure"`
	JWTSecret      string        `yaml:"jwt_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	EncryptionKey  string        `yaml:"encryption_key"`
	SigningKey     string        `yaml:"signing_key"`
	// ApproverKey is the hex public key approval signatures must verify under
	ApproverKey string `yaml:"approver_public_key"`
	// OperatorKeys maps operator id to a bcrypt hash of its API key
	OperatorKeys    map[string]string `yaml:"operator_keys"`
	RateLimitPerMin int               `yaml:"max_requests_per_minute"`
	ApprovalTimeout time.Duration     `yaml:"approval_timeout"`
	ArchiveChunk    int               `yaml:"archive_chunk_size"`
	Limits          safety.Limits     `yaml:"limits"`
	AllowedOrigins  []string          `yaml:"allowed_origins"`
	LogLevel        string            `yaml:"log_level"`
	Debug           bool              `yaml:"debug"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Port:            "8000",
		MinioBucket:     "attestd-audit",
		TokenTTL:        time.Hour,
		RateLimitPerMin: 100,
		ApprovalTimeout: 300 * time.Second,
		ArchiveChunk:    5 * 1024 * 1024,
		Limits:          safety.DefaultLimits(),
		LogLevel:        "info",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.MinioEndpoint = getEnv("MINIO_ENDPOINT", c.MinioEndpoint)
	c.MinioAccessKey = getEnv("MINIO_ACCESS_KEY", c.MinioAccessKey)
	c.MinioSecretKey = getEnv("MINIO_SECRET_KEY", c.MinioSecretKey)
	c.MinioBucket = getEnv("MINIO_BUCKET", c.MinioBucket)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.EncryptionKey = getEnv("ENCRYPTION_KEY", c.EncryptionKey)
	c.SigningKey = getEnv("SIGNING_KEY", c.SigningKey)
	c.ApproverKey = getEnv("APPROVER_PUBLIC_KEY", c.ApproverKey)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	var err error
	if c.Debug, err = getEnvBool("DEBUG", c.Debug); err != nil {
		return err
	}
	if c.MinioSecure, err = getEnvBool("MINIO_SECURE", c.MinioSecure); err != nil {
		return err
	}
	if c.RateLimitPerMin, err = getEnvInt("MAX_REQUESTS_PER_MINUTE", c.RateLimitPerMin); err != nil {
		return err
	}
	if c.ArchiveChunk, err = getEnvInt("ARCHIVE_CHUNK_SIZE", c.ArchiveChunk); err != nil {
		return err
	}
	if c.Limits.MaxBlocks, err = getEnvInt("MAX_DATA_BLOCKS", c.Limits.MaxBlocks); err != nil {
		return err
	}
	if c.Limits.MaxBlockSize, err = getEnvInt64("MAX_BLOCK_SIZE", c.Limits.MaxBlockSize); err != nil {
		return err
	}
	if c.Limits.MaxTotalSize, err = getEnvInt64("MAX_TOTAL_SIZE", c.Limits.MaxTotalSize); err != nil {
		return err
	}
	if c.ApprovalTimeout, err = getEnvSeconds("APPROVAL_TIMEOUT_SECONDS", c.ApprovalTimeout); err != nil {
		return err
	}
	if c.TokenTTL, err = getEnvSeconds("TOKEN_TTL_SECONDS", c.TokenTTL); err != nil {
		return err
	}

	// OPERATOR_KEYS=alice:$2a$...,bob:$2a$...
	if raw := os.Getenv("OPERATOR_KEYS"); raw != "" {
		keys := make(map[string]string)
		for _, pair := range strings.Split(raw, ",") {
			id, hash, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok || id == "" || hash == "" {
				return errors.Errorf("OPERATOR_KEYS: malformed entry %q", pair)
			}
			keys[id] = hash
		}
		c.OperatorKeys = keys
	}

	if c.Debug {
		c.AllowedOrigins = []string{"*"}
	} else if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}

	return nil
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.RateLimitPerMin <= 0 {
		return errors.Errorf("max_requests_per_minute must be positive, got %d", c.RateLimitPerMin)
	}
	if c.ApprovalTimeout <= 0 {
		return errors.Errorf("approval_timeout must be positive, got %s", c.ApprovalTimeout)
	}
	if c.ArchiveChunk <= 0 {
		return errors.Errorf("archive_chunk_size must be positive, got %d", c.ArchiveChunk)
	}
	if c.Limits.MaxBlocks <= 0 || c.Limits.MaxBlockSize <= 0 || c.Limits.MaxTotalSize <= 0 {
		return errors.New("input limits must be positive")
	}
	if len(c.OperatorKeys) > 0 && c.JWTSecret == "" {
		return errors.New("operator_keys require jwt_secret")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.Wrapf(err, "%s", key)
	}
	return b, nil
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	return n, nil
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	return n, nil
}

func getEnvSeconds(key string, defaultValue time.Duration) (time.Duration, error) {
	n, err := getEnvInt(key, -1)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return defaultValue, nil
	}
	return time.Duration(n) * time.Second, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
