package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/phiguard/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Chain         ChainConfig
	Redis         RedisConfig
	Keys          KeysConfig
	Archive       ArchiveConfig
	Verification  VerificationConfig
	Observability ObservabilityConfig

	// PolicyFile is the access policy YAML. It is watched for changes.
	PolicyFile string
}

// ServerConfig holds admin HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig selects the chain and record database.
type DatabaseConfig struct {
	Driver      string
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
}

// ChainConfig tunes the audit chain writer and verifier.
type ChainConfig struct {
	ChainID          string
	LockTimeout      time.Duration
	AppendTimeout    time.Duration
	VerifyPageSize   int
	RedisLock        bool
	RedisLockTTL     time.Duration
	AlertChannel     string
	DecryptWorkers   int
	EnableRedisAlert bool
}

// RedisConfig holds Redis connection settings. An empty URL disables Redis.
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// KeysConfig selects the field key provider.
type KeysConfig struct {
	// Provider is one of static, vault or kms.
	Provider string

	// StaticKeys is "version:base64,version:base64". Development only.
	StaticKeys string

	VaultAddress   string
	VaultToken     string
	VaultNamespace string
	VaultMount     string
	VaultPrefix    string

	KMSRegion   string
	KMSManifest string

	CacheSize int
	CacheTTL  time.Duration
}

// ArchiveConfig configures S3 archival of verified chain segments. An empty
// bucket disables archival.
type ArchiveConfig struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Prefix       string
}

// VerificationConfig schedules the background chain verification.
type VerificationConfig struct {
	Enabled  bool
	Schedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Chain:         loadChainConfig(),
		Redis:         loadRedisConfig(),
		Keys:          loadKeysConfig(),
		Archive:       loadArchiveConfig(),
		Verification:  loadVerificationConfig(),
		Observability: loadObservabilityConfig(),
		PolicyFile:    getEnv("PHIGUARD_POLICY_FILE", "configs/policy.yaml"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PHIGUARD_HOST", "0.0.0.0"),
		Port:            getEnv("PHIGUARD_PORT", "9090"),
		ReadTimeout:     getEnvDuration("PHIGUARD_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PHIGUARD_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("PHIGUARD_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PHIGUARD_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:      getEnv("PHIGUARD_DB_DRIVER", "postgres"),
		URL:         getEnv("PHIGUARD_DB_URL", ""),
		MaxConns:    getEnvInt("PHIGUARD_DB_MAX_CONNS", 20),
		MinConns:    getEnvInt("PHIGUARD_DB_MIN_CONNS", 5),
		Timeout:     getEnvDuration("PHIGUARD_DB_TIMEOUT", 5*time.Second),
		MaxLifetime: getEnvDuration("PHIGUARD_DB_MAX_LIFETIME", 30*time.Minute),
	}
}

func loadChainConfig() ChainConfig {
	return ChainConfig{
		ChainID:          getEnv("PHIGUARD_CHAIN_ID", "default"),
		LockTimeout:      getEnvDuration("PHIGUARD_CHAIN_LOCK_TIMEOUT", 2*time.Second),
		AppendTimeout:    getEnvDuration("PHIGUARD_CHAIN_APPEND_TIMEOUT", 5*time.Second),
		VerifyPageSize:   getEnvInt("PHIGUARD_CHAIN_VERIFY_PAGE_SIZE", 1000),
		RedisLock:        getEnvBool("PHIGUARD_CHAIN_REDIS_LOCK", false),
		RedisLockTTL:     getEnvDuration("PHIGUARD_CHAIN_REDIS_LOCK_TTL", 10*time.Second),
		AlertChannel:     getEnv("PHIGUARD_ALERT_CHANNEL", "phiguard:alerts"),
		DecryptWorkers:   getEnvInt("PHIGUARD_DECRYPT_WORKERS", 8),
		EnableRedisAlert: getEnvBool("PHIGUARD_REDIS_ALERTS", false),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("PHIGUARD_REDIS_URL", ""),
		Password:   getEnv("PHIGUARD_REDIS_PASSWORD", ""),
		DB:         getEnvInt("PHIGUARD_REDIS_DB", 0),
		MaxRetries: getEnvInt("PHIGUARD_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("PHIGUARD_REDIS_POOL_SIZE", 10),
	}
}

func loadKeysConfig() KeysConfig {
	return KeysConfig{
		Provider:       strings.ToLower(getEnv("PHIGUARD_KEY_PROVIDER", "vault")),
		StaticKeys:     getEnv("PHIGUARD_STATIC_KEYS", ""),
		VaultAddress:   getEnv("PHIGUARD_VAULT_ADDR", ""),
		VaultToken:     getEnv("PHIGUARD_VAULT_TOKEN", ""),
		VaultNamespace: getEnv("PHIGUARD_VAULT_NAMESPACE", ""),
		VaultMount:     getEnv("PHIGUARD_VAULT_MOUNT", "secret"),
		VaultPrefix:    getEnv("PHIGUARD_VAULT_PREFIX", "phiguard/keys"),
		KMSRegion:      getEnv("PHIGUARD_KMS_REGION", "us-east-1"),
		KMSManifest:    getEnv("PHIGUARD_KMS_MANIFEST", "configs/keys.yaml"),
		CacheSize:      getEnvInt("PHIGUARD_KEY_CACHE_SIZE", 256),
		CacheTTL:       getEnvDuration("PHIGUARD_KEY_CACHE_TTL", 5*time.Minute),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Bucket:       getEnv("PHIGUARD_ARCHIVE_BUCKET", ""),
		Region:       getEnv("PHIGUARD_ARCHIVE_REGION", "us-east-1"),
		Endpoint:     getEnv("PHIGUARD_ARCHIVE_ENDPOINT", ""),
		AccessKey:    getEnv("PHIGUARD_ARCHIVE_ACCESS_KEY", ""),
		SecretKey:    getEnv("PHIGUARD_ARCHIVE_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("PHIGUARD_ARCHIVE_USE_PATH_STYLE", false),
		Prefix:       getEnv("PHIGUARD_ARCHIVE_PREFIX", "archive"),
	}
}

func loadVerificationConfig() VerificationConfig {
	return VerificationConfig{
		Enabled:  getEnvBool("PHIGUARD_VERIFY_ENABLED", true),
		Schedule: getEnv("PHIGUARD_VERIFY_SCHEDULE", "@every 1h"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("PHIGUARD_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("PHIGUARD_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PHIGUARD_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PHIGUARD_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PHIGUARD_OTEL_SERVICE_NAME", "phiguard"),
		OTelServiceVersion: getEnv("PHIGUARD_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PHIGUARD_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	if c.Chain.ChainID == "" {
		return fmt.Errorf("chain id is required")
	}
	if c.Chain.LockTimeout <= 0 || c.Chain.AppendTimeout <= 0 {
		return fmt.Errorf("chain lock and append timeouts must be positive")
	}
	if (c.Chain.RedisLock || c.Chain.EnableRedisAlert) && c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required for redis locking or alerts")
	}

	switch c.Keys.Provider {
	case "static":
		if _, err := c.Keys.StaticMasters(); err != nil {
			return err
		}
	case "vault":
		if c.Keys.VaultMount == "" {
			return fmt.Errorf("vault mount is required for the vault key provider")
		}
	case "kms":
		if c.Keys.KMSManifest == "" {
			return fmt.Errorf("key manifest is required for the kms key provider")
		}
	default:
		return fmt.Errorf("invalid key provider: %s (must be static, vault, or kms)", c.Keys.Provider)
	}

	if c.Verification.Enabled && c.Verification.Schedule == "" {
		return fmt.Errorf("verification schedule is required when verification is enabled")
	}

	if c.PolicyFile == "" {
		return fmt.Errorf("policy file is required")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// StaticMasters decodes StaticKeys into master secrets by version.
func (k KeysConfig) StaticMasters() (map[int][]byte, error) {
	if k.StaticKeys == "" {
		return nil, fmt.Errorf("static keys are required for the static key provider")
	}
	masters := make(map[int][]byte)
	for _, pair := range strings.Split(k.StaticKeys, ",") {
		version, encoded, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, fmt.Errorf("static key entry must be version:base64")
		}
		v, err := strconv.Atoi(version)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("static key version %q is invalid", version)
		}
		master, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("static key v%d is not valid base64", v)
		}
		masters[v] = master
	}
	return masters, nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
