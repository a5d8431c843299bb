// main package for the resident lip-sync worker. It is launched by the
// lipsync-service supervisor and speaks the line protocol on stdin/stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/lipsync-service/internal/cache"
	"github.com/book-expert/lipsync-service/internal/config"
	"github.com/book-expert/lipsync-service/internal/engine"
	"github.com/book-expert/lipsync-service/internal/resident"
	"github.com/book-expert/logger"
)

func run() error {
	// stdout carries protocol responses only; everything else goes to stderr.
	protocolOut := os.Stdout
	os.Stdout = os.Stderr

	bootstrapLog, err := logger.New(os.TempDir(), "lipsync-worker-bootstrap.log")
	if err != nil {
		return fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	cfg, err := config.Load(bootstrapLog)
	_ = bootstrapLog.Close()

	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	err = cfg.ValidateEngine()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Paths.BaseLogsDir, fmt.Sprintf("lipsync-worker-%d.log", os.Getpid()))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	inference, err := engine.New(engine.Config{
		AnalyzeCommand:    cfg.Engine.AnalyzeCommand,
		SynthesizeCommand: cfg.Engine.SynthesizeCommand,
		Env:               cfg.Engine.Env,
		Timeout:           config.Seconds(cfg.Engine.TimeoutSeconds),
	}, log)
	if err != nil {
		return err
	}

	store, err := cache.New(cfg.Cache.Root, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return resident.NewServer(inference, store, log).Serve(ctx, os.Stdin, protocolOut)
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Worker exited with error: %v\n", err)
		os.Exit(1)
	}
}
