package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"fintrack/internal/amqp"
	"fintrack/internal/cache"
	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/mirror"
	"fintrack/internal/remote/memory"
	"fintrack/internal/remote/outbox"
	"fintrack/internal/remote/postgres"
	"fintrack/internal/remote/redis"
	"fintrack/internal/remote/sheets"
	"fintrack/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *applog.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *applog.Logger) Factory {
	return &DefaultFactory{
		logger: applog.OrDefault(logger, applog.ComponentApp),
	}
}

// CreateMirror implements Factory.CreateMirror
func (f *DefaultFactory) CreateMirror(ctx context.Context, cfg Config) (*MirrorResult, error) {
	var (
		kv      mirror.KV
		cleanup CleanupFunc = noCleanup
	)

	switch cfg.Mirror {
	case SQLite:
		repo, err := storage.NewSQLiteRepository(cfg.MirrorDBPath, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite mirror: %w", err)
		}
		kv, cleanup = repo, repo.Close
		f.logger.InfoContext(ctx, "Initialized SQLite mirror", "db_path", cfg.MirrorDBPath)
	case Memory:
		kv = mirror.NewMemoryKV()
		f.logger.WarnContext(ctx, "Initialized in-memory mirror, local data will not survive a restart")
	default:
		return nil, fmt.Errorf("unsupported mirror backend: %s", cfg.Mirror)
	}

	var m mirror.Mirror = mirror.NewKVMirror(kv,
		mirror.WithNamespace(cfg.MirrorNamespace),
		mirror.WithLogger(f.logger))

	if cfg.MirrorCacheSize > 0 {
		ttl := cfg.MirrorCacheTTL
		if ttl <= 0 {
			ttl = 30 * time.Minute
		}
		lru := cache.NewLRUCache[core.AppState](cfg.MirrorCacheSize, ttl)
		manager := cache.NewManager(f.logger)
		manager.Register(lru)
		manager.StartCleanup(ttl / 2)

		m = mirror.NewCached(m, lru)
		closeKV := cleanup
		cleanup = func() error {
			manager.Stop()
			return closeKV()
		}
	}

	return &MirrorResult{Mirror: m, Cleanup: cleanup}, nil
}

// CreateRemote implements Factory.CreateRemote
func (f *DefaultFactory) CreateRemote(ctx context.Context, cfg Config) (*RemoteResult, error) {
	switch cfg.Remote {
	case Memory:
		f.logger.WarnContext(ctx, "Initialized in-memory remote, nothing is shared across devices")
		return &RemoteResult{Store: memory.New(), Cleanup: noCleanup}, nil
	case Outbox:
		return f.createOutbox(ctx, cfg)
	case Postgres, Redis, Sheets:
		return f.createStore(ctx, cfg.Remote, cfg)
	default:
		return nil, fmt.Errorf("unsupported remote backend: %s", cfg.Remote)
	}
}

// CreateTarget implements Factory.CreateTarget
func (f *DefaultFactory) CreateTarget(ctx context.Context, cfg Config) (*RemoteResult, error) {
	if !cfg.Target.IsValidTarget() {
		return nil, fmt.Errorf("unsupported remote target: %s", cfg.Target)
	}
	return f.createStore(ctx, cfg.Target, cfg)
}

func (f *DefaultFactory) createStore(ctx context.Context, t Type, cfg Config) (*RemoteResult, error) {
	switch t {
	case Postgres:
		store, err := postgres.Open(ctx, cfg.DatabaseURL, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres remote: %w", err)
		}
		f.logger.InfoContext(ctx, "Initialized postgres remote")
		return &RemoteResult{Store: store, Cleanup: store.Close}, nil
	case Redis:
		store, err := redis.Open(ctx, cfg.RedisURL, cfg.RedisKeyPrefix, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis remote: %w", err)
		}
		f.logger.InfoContext(ctx, "Initialized redis remote", "key_prefix", cfg.RedisKeyPrefix)
		return &RemoteResult{Store: store, Cleanup: store.Close}, nil
	case Sheets:
		store, err := sheets.New(ctx, sheets.Config{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			CredentialsJSON: cfg.GoogleServiceAccountJSON,
			CredentialsFile: cfg.GoogleServiceAccountFile,
			BudgetsSheet:    cfg.GoogleBudgetsSheet,
			ExpensesSheet:   cfg.GoogleExpensesSheet,
		}, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Google Sheets remote: %w", err)
		}
		f.logger.InfoContext(ctx, "Initialized Google Sheets remote", "spreadsheet_id", cfg.GoogleSpreadsheetID)
		return &RemoteResult{Store: store, Cleanup: noCleanup}, nil
	default:
		return nil, fmt.Errorf("unsupported remote backend: %s", t)
	}
}

// createOutbox publishes writes to the broker and reads from the target
// store the worker applies them to.
func (f *DefaultFactory) createOutbox(ctx context.Context, cfg Config) (*RemoteResult, error) {
	target, err := f.CreateTarget(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, f.logger)
	if err != nil {
		_ = target.Cleanup()
		return nil, fmt.Errorf("failed to initialize AMQP client: %w", err)
	}

	f.logger.InfoContext(ctx, "Initialized outbox remote",
		"exchange", cfg.AMQPExchange,
		"queue", cfg.AMQPQueue,
		"target", cfg.Target.String())

	return &RemoteResult{
		Store: outbox.New(client, target.Store, f.logger),
		Cleanup: func() error {
			var result *multierror.Error
			result = multierror.Append(result, client.Close())
			result = multierror.Append(result, target.Cleanup())
			return result.ErrorOrNil()
		},
	}, nil
}
