// Package app assembles the worker supervisor, the precompute cache, the chunk
// pipeline and the lip-sync service from a loaded configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/lipsync-service/internal/cache"
	"github.com/book-expert/lipsync-service/internal/config"
	"github.com/book-expert/lipsync-service/internal/encoder"
	"github.com/book-expert/lipsync-service/internal/lipsync"
	"github.com/book-expert/lipsync-service/internal/pipeline"
	"github.com/book-expert/lipsync-service/internal/supervisor"
	"github.com/book-expert/logger"
	"github.com/panjf2000/ants/v2"
)

// Runtime owns the long-lived pieces of a lip-sync process.
type Runtime struct {
	Supervisor *supervisor.Supervisor
	Service    *lipsync.Service
	Cache      *cache.Cache

	pool *ants.Pool
	log  *logger.Logger
}

// New builds a Runtime. The worker is not started; it is launched on Start or
// on the first command.
func New(cfg *config.Config, log *logger.Logger) (*Runtime, error) {
	return NewWithLauncher(cfg, nil, log)
}

// NewWithLauncher builds a Runtime around launcher. A nil launcher runs the
// configured worker command.
func NewWithLauncher(cfg *config.Config, launcher supervisor.Launcher, log *logger.Logger) (*Runtime, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	identity, err := cache.ParseIdentity(cfg.Cache.Identity)
	if err != nil {
		return nil, err
	}

	store, err := cache.New(cfg.Cache.Root, log)
	if err != nil {
		return nil, err
	}

	pool, err := ants.NewPool(cfg.Pipeline.EncodeWorkers)
	if err != nil {
		return nil, fmt.Errorf("failed to create encode pool: %w", err)
	}

	if launcher == nil {
		launcher = &supervisor.ExecLauncher{
			Path: cfg.Supervisor.WorkerCommand[0],
			Args: cfg.Supervisor.WorkerCommand[1:],
			Env:  cfg.Supervisor.WorkerEnv,
			Dir:  "",
			Log:  log,
		}
	}

	resident := supervisor.New(launcher, supervisor.Options{
		HandshakeTimeout: config.Seconds(cfg.Supervisor.HandshakeTimeoutSeconds),
		RequestTimeout:   config.Seconds(cfg.Supervisor.RequestTimeoutSeconds),
		LockTimeout:      config.Seconds(cfg.Supervisor.LockTimeoutSeconds),
		StopGrace:        config.Seconds(cfg.Supervisor.StopGraceSeconds),
		Resetter:         store,
	}, log)

	ffmpeg := encoder.New(encoder.Config{
		FFmpegPath:   cfg.Encoder.FFmpegPath,
		FFprobePath:  cfg.Encoder.FFprobePath,
		Preset:       cfg.Encoder.Preset,
		CRF:          cfg.Encoder.CRF,
		FPS:          cfg.Encoder.FPS,
		Resolution:   cfg.Encoder.Resolution,
		AudioBitrate: cfg.Encoder.AudioBitrate,
		SampleRate:   cfg.Encoder.SampleRate,
	}, log)

	chunked := pipeline.New(ffmpeg, pool, pipeline.Config{
		MaxChunk: config.Seconds(cfg.Pipeline.MaxChunkSeconds),
		Cleanup:  cfg.Pipeline.Cleanup,
	}, log)

	service := lipsync.New(resident, store, chunked, lipsync.Config{
		Identity:  identity,
		OutputDir: cfg.Paths.OutputDir,
	}, log)

	return &Runtime{
		Supervisor: resident,
		Service:    service,
		Cache:      store,
		pool:       pool,
		log:        log,
	}, nil
}

// Preload warms sourcePath. Failures are logged and returned; an empty path is
// a no-op.
func (r *Runtime) Preload(ctx context.Context, sourcePath string) error {
	if sourcePath == "" {
		return nil
	}

	subject, err := r.Service.SubjectFromPath(sourcePath)
	if err != nil {
		r.log.Warn("Failed to resolve default subject %s: %v", sourcePath, err)

		return err
	}

	_, err = r.Service.EnsurePrecomputed(ctx, subject)
	if err != nil {
		r.log.Warn("Failed to preload default subject %s: %v", subject.Key, err)

		return err
	}

	r.log.Info("Preloaded default subject %s", subject.Key)

	return nil
}

// Close stops the worker and releases the encode pool.
func (r *Runtime) Close(ctx context.Context) error {
	defer r.pool.Release()

	err := r.Supervisor.Stop(ctx)
	if err != nil && !errors.Is(err, supervisor.ErrStopped) {
		return fmt.Errorf("failed to stop worker: %w", err)
	}

	return nil
}
