package backend

import (
	"fmt"
	"time"

	"fintrack/internal/config"
)

// Type names a persistence backend
type Type string

const (
	Memory   Type = config.BackendMemory
	SQLite   Type = config.BackendSQLite
	Postgres Type = config.BackendPostgres
	Redis    Type = config.BackendRedis
	Sheets   Type = config.BackendSheets
	Outbox   Type = config.BackendOutbox
)

// String implements fmt.Stringer
func (t Type) String() string {
	return string(t)
}

// IsValidMirror reports whether t can back the local mirror
func (t Type) IsValidMirror() bool {
	return t == SQLite || t == Memory
}

// IsValidRemote reports whether t can back the remote store
func (t Type) IsValidRemote() bool {
	switch t {
	case Memory, Postgres, Redis, Sheets, Outbox:
		return true
	default:
		return false
	}
}

// IsValidTarget reports whether t can receive outbox writes
func (t Type) IsValidTarget() bool {
	return t == Postgres || t == Redis || t == Sheets
}

// Config holds configuration for backend creation
type Config struct {
	Mirror Type
	Remote Type
	Target Type

	// Local mirror
	MirrorDBPath    string
	MirrorNamespace string
	MirrorCacheSize int
	MirrorCacheTTL  time.Duration

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
}

// FromAppConfig converts the application config to backend config
func FromAppConfig(appConfig *config.Config) (Config, error) {
	if appConfig == nil {
		return Config{}, fmt.Errorf("app config is nil")
	}

	cfg := Config{
		Mirror: Type(appConfig.MirrorBackend),
		Remote: Type(appConfig.RemoteBackend),
		Target: Type(appConfig.RemoteTarget),

		MirrorDBPath:    appConfig.MirrorDBPath,
		MirrorNamespace: appConfig.MirrorNamespace,
		MirrorCacheSize: appConfig.MirrorCacheSize,
		MirrorCacheTTL:  30 * time.Minute,

		DatabaseURL: appConfig.DatabaseURL,

		RedisURL:       appConfig.RedisURL,
		RedisKeyPrefix: appConfig.RedisKeyPrefix,

		GoogleSpreadsheetID:      appConfig.GoogleSpreadsheetID,
		GoogleServiceAccountJSON: appConfig.GoogleServiceAccountJSON,
		GoogleServiceAccountFile: appConfig.GoogleServiceAccountFile,
		GoogleBudgetsSheet:       appConfig.GoogleBudgetsSheet,
		GoogleExpensesSheet:      appConfig.GoogleExpensesSheet,

		AMQPURL:      appConfig.AMQPURL,
		AMQPExchange: appConfig.AMQPExchange,
		AMQPQueue:    appConfig.AMQPQueue,
	}
	if !cfg.Mirror.IsValidMirror() {
		return Config{}, fmt.Errorf("invalid mirror backend in config: %s", cfg.Mirror)
	}
	if !cfg.Remote.IsValidRemote() {
		return Config{}, fmt.Errorf("invalid remote backend in config: %s", cfg.Remote)
	}
	return cfg, nil
}
