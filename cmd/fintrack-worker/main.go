package main

import (
	"context"
	"os"
	"time"

	"fintrack/internal/amqp"
	"fintrack/internal/backend"
	"fintrack/internal/cli"
	applog "fintrack/internal/log"
	"fintrack/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"))
	logger.Info("Starting fintrack-worker")

	cfg := cli.LoadAndValidateWorkerConfig(logger)

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", applog.FieldError, err)
		os.Exit(1)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	target, err := backend.NewFactory(logger).CreateTarget(startCtx, backendCfg)
	if err != nil {
		logger.Error("Failed to open target store", applog.FieldError, err, applog.FieldBackend, backendCfg.Target)
		os.Exit(1)
	}
	defer func() {
		if err := target.Cleanup(); err != nil {
			logger.Error("Target cleanup error", applog.FieldError, err)
		}
	}()

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", applog.FieldError, err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	// Cancelling ctx stops consumption; the in-flight message is settled first.
	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	w := worker.New(target.Store, 5*time.Minute, logger)
	if err := w.Run(ctx, amqpClient); err != nil {
		logger.Error("Message consumption failed", applog.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	s := w.Stats()
	logger.Info("Worker shutdown complete",
		"saves", s.Saves,
		"deletes", s.Deletes,
		"failures", s.Failures,
		"stale", s.Stale)
}
