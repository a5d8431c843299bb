// main package for the lipsync-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/book-expert/lipsync-service/internal/app"
	"github.com/book-expert/lipsync-service/internal/config"
	"github.com/book-expert/lipsync-service/internal/objectstore"
	"github.com/book-expert/lipsync-service/internal/worker"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"
)

func setupLogger(logPath, name string) (*logger.Logger, error) {
	log, err := logger.New(logPath, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func loadConfig() (*config.Config, error) {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "lipsync-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return nil, err
	}

	defer func() {
		_ = bootstrapLog.Close()
	}()

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 3. Initialize the final logger based on the loaded configuration
	log, err := setupLogger(cfg.Paths.BaseLogsDir, "lipsync-service.log")
	if err != nil {
		return err
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	inputs, err := objectstore.New(jetstreamContext, cfg.NATS.InputBucket)
	if err != nil {
		return err
	}

	outputs, err := objectstore.New(jetstreamContext, cfg.NATS.OutputBucket)
	if err != nil {
		return err
	}

	runtime, err := app.New(cfg, log)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := runtime.Close(context.Background())
		if closeErr != nil {
			log.Warn("%v", closeErr)
		}
	}()

	err = runtime.Supervisor.Start(ctx)
	if err != nil {
		log.Warn("Worker did not start, it will be retried on the first job: %v", err)
	}

	_ = runtime.Preload(ctx, cfg.Preload.DefaultSubject)

	workDir := cfg.Paths.WorkDir
	if workDir == "" {
		workDir = filepath.Join(cfg.Paths.OutputDir, "work")
	}

	natsWorker := worker.NewNatsWorker(natsConnection, worker.Config{
		Subject:    cfg.NATS.RequestSubject,
		QueueGroup: cfg.NATS.QueueGroup,
		WorkDir:    workDir,
		JobTimeout: config.Seconds(cfg.Pipeline.JobTimeoutSeconds),
	}, inputs, outputs, runtime.Service, log)

	// 4. Log confirmation message
	logMessage := "Lipsync-Service successfully initialized. Listening for jobs on subject: %s"
	log.System(logMessage, cfg.NATS.RequestSubject)

	return natsWorker.Run(ctx)
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
