package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted by MIRROR_BACKEND / REMOTE_BACKEND / REMOTE_TARGET.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSheets   = "sheets"
	BackendOutbox   = "outbox"
)

var (
	mirrorBackends = []string{BackendSQLite, BackendMemory}
	remoteBackends = []string{BackendMemory, BackendPostgres, BackendRedis, BackendSheets, BackendOutbox}
	targetBackends = []string{BackendPostgres, BackendRedis, BackendSheets}
)

type Config struct {
	// HTTP Server
	Port     string
	LogLevel string

	// Local mirror
	MirrorBackend   string
	MirrorDBPath    string
	MirrorNamespace string
	MirrorCacheSize int

	// Remote store
	RemoteBackend string
	// RemoteTarget is the store the outbox worker writes to and the outbox
	// remote reads from.
	RemoteTarget string

	// Postgres
	DatabaseURL string

	// Redis
	RedisURL       string
	RedisKeyPrefix string

	// Google Sheets
	GoogleSpreadsheetID      string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
	GoogleBudgetsSheet       string
	GoogleExpensesSheet      string

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Sync
	SyncDebounce  time.Duration
	RemoteTimeout time.Duration

	// Identity
	IdentityJWTSecret string
	IdentityJWTIssuer string
}

func Load() *Config {
	cfg := &Config{
		Port:     getEnv("PORT", "8081"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		MirrorBackend:   getEnv("MIRROR_BACKEND", BackendSQLite),
		MirrorDBPath:    getEnv("MIRROR_DB_PATH", "./data/mirror.db"),
		MirrorNamespace: getEnv("MIRROR_NAMESPACE", "expense-tracker"),
		MirrorCacheSize: getEnvInt("MIRROR_CACHE_SIZE", 16),

		RemoteBackend: getEnv("REMOTE_BACKEND", BackendMemory),
		RemoteTarget:  getEnv("REMOTE_TARGET", BackendPostgres),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisURL:       getEnv("REDIS_URL", ""),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "fintrack"),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", getEnv("GOOGLE_APPLICATION_CREDENTIALS", "")),
		GoogleBudgetsSheet:       getEnv("GOOGLE_BUDGETS_SHEET", "Budgets"),
		GoogleExpensesSheet:      getEnv("GOOGLE_EXPENSES_SHEET", "Expenses"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "fintrack"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "remote_writes"),

		SyncDebounce:  getEnvDuration("SYNC_DEBOUNCE", 2*time.Second),
		RemoteTimeout: getEnvDuration("REMOTE_TIMEOUT", 0),

		IdentityJWTSecret: getEnv("IDENTITY_JWT_SECRET", ""),
		IdentityJWTIssuer: getEnv("IDENTITY_JWT_ISSUER", ""),
	}

	return cfg
}

// Validate validates the configuration used by the app process.
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// No degraded mode exists without identity.
	if strings.TrimSpace(c.IdentityJWTSecret) == "" {
		errors = append(errors, "IDENTITY_JWT_SECRET is required")
	} else if len(c.IdentityJWTSecret) < 16 {
		errors = append(errors, "IDENTITY_JWT_SECRET must be at least 16 characters")
	}

	if !slices.Contains(mirrorBackends, c.MirrorBackend) {
		errors = append(errors, fmt.Sprintf("invalid mirror backend '%s': must be one of %v", c.MirrorBackend, mirrorBackends))
	}
	if c.MirrorBackend == BackendSQLite {
		if c.MirrorDBPath == "" {
			errors = append(errors, "mirror database path cannot be empty when using sqlite mirror")
		} else if err := ensureDir(c.MirrorDBPath); err != nil {
			errors = append(errors, err.Error())
		}
	}
	if strings.TrimSpace(c.MirrorNamespace) == "" {
		errors = append(errors, "mirror namespace cannot be empty")
	}
	if c.MirrorCacheSize < 0 {
		errors = append(errors, fmt.Sprintf("invalid mirror cache size %d: must not be negative", c.MirrorCacheSize))
	}

	if !slices.Contains(remoteBackends, c.RemoteBackend) {
		errors = append(errors, fmt.Sprintf("invalid remote backend '%s': must be one of %v", c.RemoteBackend, remoteBackends))
	} else {
		errors = append(errors, c.validateRemote(c.RemoteBackend)...)
	}

	if c.SyncDebounce < 10*time.Millisecond {
		errors = append(errors, fmt.Sprintf("invalid sync debounce %v: must be at least 10ms", c.SyncDebounce))
	} else if c.SyncDebounce > time.Minute {
		errors = append(errors, fmt.Sprintf("invalid sync debounce %v: must be at most 1 minute", c.SyncDebounce))
	}
	if c.RemoteTimeout < 0 {
		errors = append(errors, fmt.Sprintf("invalid remote timeout %v: must not be negative", c.RemoteTimeout))
	}

	return combine(errors)
}

// ValidateWorker validates the configuration used by the outbox worker.
func (c *Config) ValidateWorker() error {
	var errors []string
	if c.AMQPURL == "" {
		errors = append(errors, "AMQP_URL is required for the worker")
	}
	errors = append(errors, c.validateAMQP()...)
	if !slices.Contains(targetBackends, c.RemoteTarget) {
		errors = append(errors, fmt.Sprintf("invalid remote target '%s': must be one of %v", c.RemoteTarget, targetBackends))
	} else {
		errors = append(errors, c.validateRemote(c.RemoteTarget)...)
	}
	return combine(errors)
}

func (c *Config) validateRemote(backend string) []string {
	var errors []string
	switch backend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errors = append(errors, "DATABASE_URL is required when using postgres remote")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errors = append(errors, "REDIS_URL is required when using redis remote")
		}
	case BackendSheets:
		if c.GoogleSpreadsheetID == "" {
			errors = append(errors, "Google Spreadsheet ID is required when using sheets remote")
		}
		if c.GoogleServiceAccountJSON == "" && c.GoogleServiceAccountFile == "" {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE must be provided for sheets remote")
		}
		if c.GoogleServiceAccountFile != "" {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
	case BackendOutbox:
		if c.AMQPURL == "" {
			errors = append(errors, "AMQP_URL is required when using outbox remote")
		}
		errors = append(errors, c.validateAMQP()...)
		if !slices.Contains(targetBackends, c.RemoteTarget) {
			errors = append(errors, fmt.Sprintf("invalid remote target '%s': must be one of %v", c.RemoteTarget, targetBackends))
		} else {
			errors = append(errors, c.validateRemote(c.RemoteTarget)...)
		}
	}
	return errors
}

func (c *Config) validateAMQP() []string {
	if c.AMQPURL == "" {
		return nil
	}
	var errors []string
	if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
		errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
	} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
		errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
	}
	if c.AMQPExchange == "" {
		errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
	}
	if c.AMQPQueue == "" {
		errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
	}
	return errors
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create mirror database directory '%s': %v", dir, err)
		}
	}
	return nil
}

func combine(errors []string) error {
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
