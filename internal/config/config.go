// Package config loads the service configuration once at startup. Values are
// layered: built-in defaults, then an optional YAML file, then .env and the
// process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/example/androidvision/internal/provider"
)

const (
	StorageDisk  = "disk"
	StorageRedis = "redis"
	StorageS3    = "s3"
)

type Config struct {
	Port            string        `env:"PORT" yaml:"port"`
	PublicBaseURL   string        `env:"PUBLIC_BASE_URL" yaml:"public_base_url"`
	LogLevel        string        `env:"LOG_LEVEL" yaml:"log_level"`
	AIProvider      string        `env:"AI_PROVIDER" yaml:"ai_provider"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" yaml:"provider_timeout"`
	CleanupTimeout  time.Duration `env:"CLEANUP_TIMEOUT" yaml:"cleanup_timeout"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `env:"MAX_UPLOAD_BYTES" yaml:"max_upload_bytes"`

	GitHub  GitHubConfig  `yaml:"github"`
	Azure   AzureConfig   `yaml:"azure"`
	Storage StorageConfig `yaml:"storage"`

	// DatabaseDSN enables the inference audit log when set.
	DatabaseDSN string `env:"DATABASE_DSN" yaml:"database_dsn"`
	// GRPCAddr enables the gRPC health service when set.
	GRPCAddr string `env:"GRPC_ADDR" yaml:"grpc_addr"`
}

type GitHubConfig struct {
	Token       string  `env:"GITHUB_TOKEN" yaml:"token"`
	Endpoint    string  `env:"GITHUB_AI_ENDPOINT" yaml:"endpoint"`
	Model       string  `env:"GITHUB_AI_MODEL" yaml:"model"`
	Temperature float64 `env:"GITHUB_AI_TEMPERATURE" yaml:"temperature"`
	MaxTokens   int64   `env:"GITHUB_AI_MAX_TOKENS" yaml:"max_tokens"`
}

type AzureConfig struct {
	Key         string  `env:"AZURE_AI_KEY" yaml:"key"`
	Endpoint    string  `env:"AZURE_AI_ENDPOINT" yaml:"endpoint"`
	Deployment  string  `env:"AZURE_AI_MODEL_DEPLOYMENT" yaml:"deployment"`
	APIVersion  string  `env:"AZURE_AI_API_VERSION" yaml:"api_version"`
	Temperature float64 `env:"AZURE_AI_TEMPERATURE" yaml:"temperature"`
	MaxTokens   int64   `env:"AZURE_AI_MAX_TOKENS" yaml:"max_tokens"`
}

type StorageConfig struct {
	Backend       string        `env:"STORAGE_BACKEND" yaml:"backend"`
	Dir           string        `env:"STORAGE_DIR" yaml:"dir"`
	SweepTTL      time.Duration `env:"STORAGE_SWEEP_TTL" yaml:"sweep_ttl"`
	SweepInterval time.Duration `env:"STORAGE_SWEEP_INTERVAL" yaml:"sweep_interval"`

	RedisAddr   string        `env:"REDIS_ADDR" yaml:"redis_addr"`
	RedisPrefix string        `env:"REDIS_PREFIX" yaml:"redis_prefix"`
	RedisTTL    time.Duration `env:"REDIS_ARTIFACT_TTL" yaml:"redis_ttl"`

	S3Bucket     string        `env:"S3_BUCKET" yaml:"s3_bucket"`
	S3Prefix     string        `env:"S3_PREFIX" yaml:"s3_prefix"`
	S3PresignTTL time.Duration `env:"S3_PRESIGN_TTL" yaml:"s3_presign_ttl"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() *Config {
	return &Config{
		Port:            "3000",
		PublicBaseURL:   "http://localhost:3000",
		LogLevel:        "info",
		AIProvider:      string(provider.GitHub),
		ProviderTimeout: 60 * time.Second,
		CleanupTimeout:  10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxUploadBytes:  20 << 20,
		GitHub: GitHubConfig{
			Endpoint:    provider.DefaultGitHubEndpoint,
			Model:       provider.DefaultGitHubModel,
			Temperature: provider.DefaultTemperature,
			MaxTokens:   provider.DefaultMaxTokens,
		},
		Azure: AzureConfig{
			Deployment:  provider.DefaultAzureDeployment,
			APIVersion:  provider.DefaultAzureAPIVersion,
			Temperature: provider.DefaultTemperature,
			MaxTokens:   provider.DefaultMaxTokens,
		},
		Storage: StorageConfig{
			Backend:       StorageDisk,
			Dir:           "uploads",
			SweepTTL:      15 * time.Minute,
			SweepInterval: 5 * time.Minute,
			RedisAddr:     "localhost:6379",
			RedisPrefix:   "artifact:",
			RedisTTL:      10 * time.Minute,
			S3PresignTTL:  15 * time.Minute,
		},
	}
}

// Load reads .env (if present), the YAML file named by CONFIG_FILE (if set)
// and the environment, then validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the service cannot start with: an unknown
// default provider, or a default provider without its credential.
func (c *Config) Validate() error {
	id, err := provider.ParseID(c.AIProvider)
	if err != nil {
		return fmt.Errorf("AI_PROVIDER: %w", err)
	}
	c.AIProvider = string(id)

	selected := c.Providers()[id]
	if !selected.HasCredential() {
		return fmt.Errorf("%w: %s requires %s", provider.ErrMissingCredential, id, credentialVar(id))
	}
	if id == provider.Azure && strings.TrimSpace(c.Azure.Endpoint) == "" {
		return errors.New("azure requires AZURE_AI_ENDPOINT")
	}

	switch c.Storage.Backend {
	case StorageDisk, StorageRedis:
	case StorageS3:
		if c.Storage.S3Bucket == "" {
			return errors.New("STORAGE_BACKEND=s3 requires S3_BUCKET")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.Storage.Backend)
	}

	if err := validateSampling("GITHUB_AI", c.GitHub.Temperature, c.GitHub.MaxTokens); err != nil {
		return err
	}
	if err := validateSampling("AZURE_AI", c.Azure.Temperature, c.Azure.MaxTokens); err != nil {
		return err
	}

	if c.ProviderTimeout <= 0 {
		return errors.New("PROVIDER_TIMEOUT must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// Providers returns the per-provider configuration handed to the adapters.
func (c *Config) Providers() map[provider.ID]provider.Config {
	githubTemp, azureTemp := c.GitHub.Temperature, c.Azure.Temperature
	return map[provider.ID]provider.Config{
		provider.GitHub: {
			Credential:  c.GitHub.Token,
			Endpoint:    c.GitHub.Endpoint,
			Model:       c.GitHub.Model,
			Temperature: &githubTemp,
			MaxTokens:   c.GitHub.MaxTokens,
		},
		provider.Azure: {
			Credential:  c.Azure.Key,
			Endpoint:    c.Azure.Endpoint,
			Model:       c.Azure.Deployment,
			APIVersion:  c.Azure.APIVersion,
			Temperature: &azureTemp,
			MaxTokens:   c.Azure.MaxTokens,
		},
	}
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

func validateSampling(prefix string, temperature float64, maxTokens int64) error {
	if temperature < 0 || temperature > 2 {
		return fmt.Errorf("%s_TEMPERATURE must be between 0 and 2, got %v", prefix, temperature)
	}
	if maxTokens <= 0 {
		return fmt.Errorf("%s_MAX_TOKENS must be positive", prefix)
	}
	return nil
}

func credentialVar(id provider.ID) string {
	if id == provider.Azure {
		return "AZURE_AI_KEY"
	}
	return "GITHUB_TOKEN"
}
