package main

import (
	"context"
	"os"
	"time"

	"fintrack/internal/backend"
	"fintrack/internal/cli"
	apphttp "fintrack/internal/http"
	"fintrack/internal/identity"
	applog "fintrack/internal/log"
	"fintrack/internal/services"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	cfg := cli.LoadAndValidateConfig(logger)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", applog.FieldError, err)
		os.Exit(1)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	factory := backend.NewFactory(logger)
	mirrorRes, err := factory.CreateMirror(startCtx, backendCfg)
	if err != nil {
		logger.Error("Failed to open local mirror", applog.FieldError, err, applog.FieldBackend, backendCfg.Mirror)
		os.Exit(1)
	}
	remoteRes, err := factory.CreateRemote(startCtx, backendCfg)
	if err != nil {
		_ = mirrorRes.Cleanup()
		logger.Error("Failed to open remote store", applog.FieldError, err, applog.FieldBackend, backendCfg.Remote)
		os.Exit(1)
	}

	verifier, err := identity.NewJWTVerifier(cfg.IdentityJWTSecret, cfg.IdentityJWTIssuer)
	if err != nil {
		logger.Error("Failed to configure identity", applog.FieldError, err)
		os.Exit(1)
	}

	syncCore := services.NewSyncCore(mirrorRes.Mirror, remoteRes.Store,
		services.WithDebounce(cfg.SyncDebounce),
		services.WithRemoteTimeout(cfg.RemoteTimeout),
		services.WithLogger(logger))

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Sync:     syncCore,
		Expenses: services.NewExpenseService(syncCore, logger),
		Identity: identity.NewEdgeDetector(syncCore, logger),
		Verifier: verifier,
		Logger:   logger,
	})

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
		// Flush before sign-out: sign-out drops a pending save.
		if err := syncCore.Flush(ctx); err != nil {
			logger.Warn("Pending remote writes not finished", applog.FieldError, err)
		}
		syncCore.SignOut(ctx)
		if err := remoteRes.Cleanup(); err != nil {
			logger.Error("Remote cleanup error", applog.FieldError, err)
		}
		if err := mirrorRes.Cleanup(); err != nil {
			logger.Error("Mirror cleanup error", applog.FieldError, err)
		}
	})

	logger.Info("Starting fintrack server",
		"port", cfg.Port,
		"mirror", backendCfg.Mirror,
		"remote", backendCfg.Remote)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
