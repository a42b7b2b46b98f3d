package conf

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/devricklin/autoreply/internal/biz/usecase"
)

// Config represents application configuration
type Config struct {
	// Storage configuration
	Storage StorageConfig

	// Accounts directory file
	AccountsFile string

	// Reconciliation and maintenance loops
	Reconcile ReconcileConfig

	// Intake pipeline
	Intake IntakeConfig

	// Redis configuration (optional, shared dedup index)
	Redis RedisConfig

	// AMQP configuration (optional, settings-change events)
	AMQP AMQPConfig

	// Admin HTTP + MCP listen address
	AdminAddr string

	// Debug mode
	Debug    bool
	LogLevel string
}

// StorageConfig contains SQLite configuration
type StorageConfig struct {
	DBPath string
}

// ReconcileConfig contains timing for reconciliation and maintenance loops
type ReconcileConfig struct {
	RefreshInterval   time.Duration
	Concurrency       int
	TransportTimeout  time.Duration
	LivenessInterval  time.Duration
	PresenceMin       time.Duration
	PresenceMax       time.Duration
	HandlerRetryDelay time.Duration
	DialogWindow      int
}

// IntakeConfig contains dedup and cooldown configuration
type IntakeConfig struct {
	DedupTTL        time.Duration
	DedupCapacity   int
	DMCooldown      time.Duration
	DMCooldownForce bool
}

// RedisConfig contains Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AMQPConfig contains RabbitMQ configuration
type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	dbPath := os.Getenv("AUTOREPLY_DB_PATH")
	if dbPath == "" {
		homeDir, _ := os.UserHomeDir()
		dbPath = filepath.Join(homeDir, ".autoreply", "autoreply.db")
	}

	accountsFile := os.Getenv("ACCOUNTS_FILE")
	if accountsFile == "" {
		accountsFile = "configs/accounts.yaml"
	}

	adminAddr := os.Getenv("ADMIN_ADDR")
	if adminAddr == "" {
		adminAddr = "127.0.0.1:9877"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	return &Config{
		Storage: StorageConfig{
			DBPath: dbPath,
		},
		AccountsFile: accountsFile,
		Reconcile: ReconcileConfig{
			RefreshInterval:   envSeconds("REFRESH_INTERVAL_SECONDS", 300),
			Concurrency:       envInt("RECONCILE_CONCURRENCY", 4),
			TransportTimeout:  envSeconds("TRANSPORT_TIMEOUT_SECONDS", 30),
			LivenessInterval:  envSeconds("LIVENESS_INTERVAL_SECONDS", 300),
			PresenceMin:       envSeconds("PRESENCE_MIN_SECONDS", 60),
			PresenceMax:       envSeconds("PRESENCE_MAX_SECONDS", 180),
			HandlerRetryDelay: time.Duration(envInt("HANDLER_RETRY_DELAY_MS", 500)) * time.Millisecond,
			DialogWindow:      envInt("DIALOG_WINDOW", 20),
		},
		Intake: IntakeConfig{
			DedupTTL:        time.Duration(envInt("DEDUP_TTL_MINUTES", 1440)) * time.Minute,
			DedupCapacity:   envInt("DEDUP_CAPACITY", 10000),
			DMCooldown:      envSeconds("DM_COOLDOWN_SECONDS", 300),
			DMCooldownForce: os.Getenv("DM_COOLDOWN_ENFORCE") == "true",
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
		},
		AMQP: AMQPConfig{
			URL:      os.Getenv("AMQP_URL"),
			Exchange: envString("AMQP_EXCHANGE", "autoreply.settings"),
			Queue:    envString("AMQP_QUEUE", "autoreply.settings.reconcile"),
		},
		AdminAddr: adminAddr,
		Debug:     os.Getenv("DEBUG") == "true",
		LogLevel:  logLevel,
	}
}

func envString(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func envInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

// ToIntakeConfig converts to the intake usecase configuration
func (c *Config) ToIntakeConfig() usecase.IntakeConfig {
	return usecase.IntakeConfig{CooldownEnforce: c.Intake.DMCooldownForce}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.DBPath == "" {
		return &ConfigError{Field: "AUTOREPLY_DB_PATH", Message: "required"}
	}
	if c.Reconcile.Concurrency <= 0 {
		return &ConfigError{Field: "RECONCILE_CONCURRENCY", Message: "must be positive"}
	}
	if c.Reconcile.RefreshInterval <= 0 {
		return &ConfigError{Field: "REFRESH_INTERVAL_SECONDS", Message: "must be positive"}
	}
	if c.Reconcile.LivenessInterval <= 0 {
		return &ConfigError{Field: "LIVENESS_INTERVAL_SECONDS", Message: "must be positive"}
	}
	if c.Reconcile.PresenceMin <= 0 || c.Reconcile.PresenceMax < c.Reconcile.PresenceMin {
		return &ConfigError{Field: "PRESENCE_MIN_SECONDS/PRESENCE_MAX_SECONDS", Message: "need 0 < min <= max"}
	}
	if c.Reconcile.DialogWindow <= 0 {
		return &ConfigError{Field: "DIALOG_WINDOW", Message: "must be positive"}
	}
	if c.Intake.DedupCapacity <= 0 {
		return &ConfigError{Field: "DEDUP_CAPACITY", Message: "must be positive"}
	}
	if c.AMQP.URL != "" && c.AMQP.Queue == "" {
		return &ConfigError{Field: "AMQP_QUEUE", Message: "required when AMQP_URL is set"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}
