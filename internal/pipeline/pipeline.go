// Package pipeline splits long inputs into bounded chunks, generates each
// chunk in order against the single worker, encodes the chunk outputs in the
// background and joins them back into one video.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/logger"
	"github.com/panjf2000/ants/v2"
)

// DefaultMaxChunk is the longest chunk handed to the worker in one command.
const DefaultMaxChunk = 3 * time.Second

const (
	dirPermissions  = 0o750
	chunkNameFormat = "chunk_%03d.wav"
	encodedFormat   = "encoded_%03d.mp4"
	finalName       = "final.mp4"
)

const (
	logFmtSplit       = "job %s: %s of input split into %d chunks"
	logFmtChunkDone   = "job %s: chunk %d/%d generated in %s"
	logFmtFinished    = "job %s: finished in %s -> %s"
	logFmtAborted     = "job %s: aborted at chunk %d: %v"
	logFmtCleanupFail = "job %s: failed to remove %s: %v"
)

var (
	// ErrNoOutputs indicates a concatenation of nothing.
	ErrNoOutputs = errors.New("no chunk outputs to concatenate")
	// ErrEmptyInputRef indicates a job without input.
	ErrEmptyInputRef = errors.New("job input_ref cannot be empty")
)

// GenerateFunc produces the raw video for one chunk.
type GenerateFunc func(ctx context.Context, chunk core.Chunk) (string, error)

// ChunkError reports the chunk a pipeline aborted on.
type ChunkError struct {
	Index int
	Stage string
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d %s failed: %v", e.Index, e.Stage, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Config tunes a Pipeline.
type Config struct {
	MaxChunk time.Duration
	// Cleanup removes the chunk and encoded intermediates after success.
	Cleanup bool
}

// Pipeline runs chunked jobs.
type Pipeline struct {
	encoder core.Encoder
	pool    *ants.Pool
	config  Config
	log     *logger.Logger
}

// New creates a Pipeline. Encodes are submitted to pool so chunk N is encoded
// while chunk N+1 is being generated.
func New(encoder core.Encoder, pool *ants.Pool, cfg Config, log *logger.Logger) *Pipeline {
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = DefaultMaxChunk
	}

	return &Pipeline{
		encoder: encoder,
		pool:    pool,
		config:  cfg,
		log:     log,
	}
}

// MaxChunk returns the configured chunk bound.
func (p *Pipeline) MaxChunk() time.Duration {
	return p.config.MaxChunk
}

// Run generates job in chunks no longer than maxChunk (the configured bound
// when zero) and returns the path of the assembled video. Chunks are generated
// strictly in index order; any failure aborts the run and no partial output
// is returned.
func (p *Pipeline) Run(ctx context.Context, job core.Job, maxChunk time.Duration, generate GenerateFunc) (string, error) {
	if job.InputRef == "" {
		return "", ErrEmptyInputRef
	}

	if maxChunk <= 0 {
		maxChunk = p.config.MaxChunk
	}

	began := time.Now()

	total, err := p.encoder.Probe(ctx, job.InputRef)
	if err != nil {
		return "", fmt.Errorf("failed to probe input: %w", err)
	}

	segments, err := Split(total, maxChunk)
	if err != nil {
		return "", err
	}

	p.log.Info(logFmtSplit, job.ID, total, len(segments))

	jobDir := filepath.Join(job.OutputDir, job.ID)

	err = os.MkdirAll(jobDir, dirPermissions)
	if err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}

	encoded, err := p.generateAll(ctx, job, jobDir, segments, generate)
	if err != nil {
		return "", err
	}

	final, err := p.Concatenate(ctx, encoded, filepath.Join(jobDir, finalName))
	if err != nil {
		return "", err
	}

	if p.config.Cleanup && len(segments) > 1 {
		p.cleanup(job, jobDir, len(segments))
	}

	p.log.Info(logFmtFinished, job.ID, time.Since(began), final)

	return final, nil
}

// Concatenate joins outputs in order into output. A single output is returned
// as-is without touching the encoder.
func (p *Pipeline) Concatenate(ctx context.Context, outputs []string, output string) (string, error) {
	switch len(outputs) {
	case 0:
		return "", ErrNoOutputs
	case 1:
		return outputs[0], nil
	}

	err := p.encoder.Concat(ctx, outputs, output)
	if err != nil {
		return "", fmt.Errorf("failed to concatenate %d chunks: %w", len(outputs), err)
	}

	return output, nil
}

// encodeState collects background encode results.
type encodeState struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	outputs []string
	err     error
}

func (s *encodeState) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		s.err = err
	}
}

func (s *encodeState) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (p *Pipeline) generateAll(
	ctx context.Context,
	job core.Job,
	jobDir string,
	segments []Segment,
	generate GenerateFunc,
) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := &encodeState{
		wg:      sync.WaitGroup{},
		mu:      sync.Mutex{},
		outputs: make([]string, len(segments)),
		err:     nil,
	}

	abort := func(index int, err error) ([]string, error) {
		cancel()
		state.wg.Wait()
		p.log.Error(logFmtAborted, job.ID, index, err)

		return nil, err
	}

	for _, segment := range segments {
		err := ctx.Err()
		if err == nil {
			err = state.failed()
		}

		if err != nil {
			return abort(segment.Index, err)
		}

		chunk, err := p.prepareChunk(ctx, job, jobDir, segment, len(segments))
		if err != nil {
			return abort(segment.Index, &ChunkError{Index: segment.Index, Stage: "cut", Err: err})
		}

		began := time.Now()

		raw, err := generate(ctx, chunk)
		if err != nil {
			return abort(segment.Index, &ChunkError{Index: segment.Index, Stage: "generate", Err: err})
		}

		p.log.Info(logFmtChunkDone, job.ID, segment.Index+1, len(segments), time.Since(began))

		err = p.submitEncode(ctx, state, segment.Index, raw, jobDir)
		if err != nil {
			return abort(segment.Index, &ChunkError{Index: segment.Index, Stage: "encode", Err: err})
		}
	}

	state.wg.Wait()

	err := state.failed()
	if err != nil {
		return nil, err
	}

	return state.outputs, nil
}

// prepareChunk cuts a segment out of the input. A single segment covers the
// whole input, which is then used directly.
func (p *Pipeline) prepareChunk(
	ctx context.Context,
	job core.Job,
	jobDir string,
	segment Segment,
	total int,
) (core.Chunk, error) {
	chunk := core.Chunk{
		Job: core.Job{
			ID:         fmt.Sprintf("%s-%03d", job.ID, segment.Index),
			SubjectKey: job.SubjectKey,
			InputRef:   job.InputRef,
			OutputDir:  filepath.Join(jobDir, fmt.Sprintf("%03d", segment.Index)),
		},
		Index:    segment.Index,
		Start:    segment.Start,
		Duration: segment.Duration,
	}

	err := os.MkdirAll(chunk.OutputDir, dirPermissions)
	if err != nil {
		return core.Chunk{}, fmt.Errorf("failed to create chunk dir: %w", err)
	}

	if total == 1 {
		return chunk, nil
	}

	chunk.InputRef = filepath.Join(jobDir, fmt.Sprintf(chunkNameFormat, segment.Index))

	err = p.encoder.Cut(ctx, job.InputRef, segment.Start, segment.Duration, chunk.InputRef)
	if err != nil {
		return core.Chunk{}, err
	}

	return chunk, nil
}

func (p *Pipeline) submitEncode(ctx context.Context, state *encodeState, index int, raw, jobDir string) error {
	output := filepath.Join(jobDir, fmt.Sprintf(encodedFormat, index))

	state.wg.Add(1)

	err := p.pool.Submit(func() {
		defer state.wg.Done()

		err := p.encoder.Encode(ctx, raw, output)
		if err != nil {
			state.fail(&ChunkError{Index: index, Stage: "encode", Err: err})

			return
		}

		state.mu.Lock()
		state.outputs[index] = output
		state.mu.Unlock()
	})
	if err != nil {
		state.wg.Done()

		return fmt.Errorf("failed to schedule encode: %w", err)
	}

	return nil
}

func (p *Pipeline) cleanup(job core.Job, jobDir string, count int) {
	for index := range count {
		for _, path := range []string{
			filepath.Join(jobDir, fmt.Sprintf(chunkNameFormat, index)),
			filepath.Join(jobDir, fmt.Sprintf(encodedFormat, index)),
			filepath.Join(jobDir, fmt.Sprintf("%03d", index)),
		} {
			err := os.RemoveAll(path)
			if err != nil {
				p.log.Warn(logFmtCleanupFail, job.ID, path, err)
			}
		}
	}
}
