// Package lipsync is the caller-facing API of the service: it ensures a
// subject is precomputed at most once, turns audio into lip-synced video
// through the supervised worker and splits long audio into chunks.
package lipsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/lipsync-service/internal/cache"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/pipeline"
	"github.com/book-expert/lipsync-service/internal/protocol"
	"github.com/book-expert/lipsync-service/internal/supervisor"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	logFmtCacheHit     = "subject %s already precomputed"
	logFmtPrecomputed  = "subject %s precomputed (worker cache hit: %t)"
	logFmtRebound      = "source %s changed identity %s -> %s, dropping stale binding"
	logFmtGenerated    = "generated %s for subject %s in %s"
	logFmtChunkedStart = "chunked job %s for subject %s"
)

// forcedKeyPrefix keeps forced precomputes out of the non-forced flight.
const forcedKeyPrefix = "force:"

var (
	// ErrEmptySubject indicates a subject without a key or source.
	ErrEmptySubject = errors.New("subject key and source path are required")
	// ErrEmptyInput indicates a generate without input audio.
	ErrEmptyInput = errors.New("input cannot be empty")
	// ErrWaitAbandoned indicates a caller that stopped waiting for a shared
	// precompute; the precompute itself keeps running.
	ErrWaitAbandoned = errors.New("stopped waiting for precompute")
)

// Executor sends commands to the resident worker.
type Executor interface {
	Execute(ctx context.Context, cmd protocol.Command) (*protocol.Response, error)
	Health() supervisor.Health
}

// Config holds the service settings.
type Config struct {
	Identity  cache.Identity
	OutputDir string
}

// Health extends the worker health with the cache view.
type Health struct {
	supervisor.Health

	CachedSubjects int      `json:"cached_subjects"`
	LastJob        *Timings `json:"last_job,omitempty"`
}

// Timings are the stage durations of one finished generate job. Assemble
// covers chunk cutting, encoding and concatenation not overlapped by
// generation.
type Timings struct {
	SubjectKey        string    `json:"subject_key"`
	Chunks            int       `json:"chunks"`
	PrecomputeSeconds float64   `json:"precompute_seconds"`
	GenerateSeconds   float64   `json:"generate_seconds"`
	AssembleSeconds   float64   `json:"assemble_seconds"`
	TotalSeconds      float64   `json:"total_seconds"`
	FinishedAt        time.Time `json:"finished_at"`
}

type precomputeResult struct {
	artifact *core.PrecomputeArtifact
	took     time.Duration
}

// Service is safe for concurrent use.
type Service struct {
	executor Executor
	cache    *cache.Cache
	pipeline *pipeline.Pipeline
	config   Config
	log      *logger.Logger
	group    singleflight.Group

	mu       sync.Mutex
	bindings map[string]string
	last     *Timings
}

// New creates a Service. store is the supervisor-side view of the worker's
// cache directory; it should also be the supervisor's Resetter.
func New(
	executor Executor,
	store *cache.Cache,
	chunked *pipeline.Pipeline,
	cfg Config,
	log *logger.Logger,
) *Service {
	return &Service{
		executor: executor,
		cache:    store,
		pipeline: chunked,
		config:   cfg,
		log:      log,
		group:    singleflight.Group{},
		mu:       sync.Mutex{},
		bindings: make(map[string]string),
		last:     nil,
	}
}

// SubjectFromPath derives a subject from its source file using the
// configured identity mode.
func (s *Service) SubjectFromPath(sourcePath string) (core.Subject, error) {
	subject, err := cache.SubjectFor(sourcePath, s.config.Identity)
	if err != nil {
		return core.Subject{}, invalid(err)
	}

	return subject, nil
}

// EnsurePrecomputed returns the artifact for subject, sending a precompute
// command only when neither cache tier has it. Concurrent calls for one
// subject share a single command; each caller stops waiting when its own ctx
// is done.
func (s *Service) EnsurePrecomputed(ctx context.Context, subject core.Subject) (*core.PrecomputeArtifact, error) {
	result, err := s.ensure(ctx, subject)
	if err != nil {
		return nil, err
	}

	return result.artifact, nil
}

// Refresh discards any cached artifact for subject and derives it again. It
// never joins an in-flight non-forced precompute.
func (s *Service) Refresh(ctx context.Context, subject core.Subject) (*core.PrecomputeArtifact, error) {
	err := validateSubject(subject)
	if err != nil {
		return nil, err
	}

	s.bind(subject)
	s.cache.Invalidate(subject.Key)

	result, err := s.shared(ctx, forcedKeyPrefix+subject.Key, func(sharedCtx context.Context) (*precomputeResult, error) {
		return s.precompute(sharedCtx, subject, true)
	})
	if err != nil {
		return nil, err
	}

	return result.artifact, nil
}

// Generate produces one video for inputRef.
func (s *Service) Generate(
	ctx context.Context,
	subject core.Subject,
	inputRef string,
	tuning core.Tuning,
) (string, error) {
	began := time.Now()

	tuning, err := validateGenerate(subject, inputRef, tuning)
	if err != nil {
		return "", err
	}

	prepared, err := s.ensure(ctx, subject)
	if err != nil {
		return "", err
	}

	output, took, err := s.generate(ctx, subject, inputRef, s.config.OutputDir, tuning)
	if err != nil {
		return "", err
	}

	s.record(Timings{
		SubjectKey:        subject.Key,
		Chunks:            1,
		PrecomputeSeconds: prepared.took.Seconds(),
		GenerateSeconds:   took.Seconds(),
		AssembleSeconds:   0,
		TotalSeconds:      time.Since(began).Seconds(),
		FinishedAt:        time.Now(),
	})

	return output, nil
}

// GenerateChunked splits inputRef into chunks no longer than maxChunk,
// generates them in order and returns the assembled video. The subject is
// precomputed once before the first chunk.
func (s *Service) GenerateChunked(
	ctx context.Context,
	subject core.Subject,
	inputRef string,
	maxChunk time.Duration,
	tuning core.Tuning,
) (string, error) {
	began := time.Now()

	tuning, err := validateGenerate(subject, inputRef, tuning)
	if err != nil {
		return "", err
	}

	if maxChunk < 0 {
		return "", invalid(pipeline.ErrNonPositiveMaxChunk)
	}

	prepared, err := s.ensure(ctx, subject)
	if err != nil {
		return "", err
	}

	job := core.Job{
		ID:         uuid.NewString(),
		SubjectKey: subject.Key,
		InputRef:   inputRef,
		OutputDir:  s.config.OutputDir,
	}

	s.log.Info(logFmtChunkedStart, job.ID, subject.Key)

	var (
		chunks     int
		generating time.Duration
	)

	// Chunks are generated one after another, so the counters need no lock.
	output, err := s.pipeline.Run(ctx, job, maxChunk, func(ctx context.Context, chunk core.Chunk) (string, error) {
		raw, took, generateErr := s.generate(ctx, subject, chunk.InputRef, chunk.OutputDir, tuning)
		chunks++
		generating += took

		return raw, generateErr
	})
	if err != nil {
		return "", err
	}

	total := time.Since(began)

	s.record(Timings{
		SubjectKey:        subject.Key,
		Chunks:            chunks,
		PrecomputeSeconds: prepared.took.Seconds(),
		GenerateSeconds:   generating.Seconds(),
		AssembleSeconds:   max(total-prepared.took-generating, 0).Seconds(),
		TotalSeconds:      total.Seconds(),
		FinishedAt:        time.Now(),
	})

	return output, nil
}

// Health reports the worker handle, the number of subjects held in memory and
// the stage timings of the last finished job.
func (s *Service) Health() Health {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	return Health{
		Health:         s.executor.Health(),
		CachedSubjects: s.cache.Len(),
		LastJob:        last,
	}
}

// ensure is EnsurePrecomputed that also reports how long the precompute
// command took; a cache hit took zero.
func (s *Service) ensure(ctx context.Context, subject core.Subject) (*precomputeResult, error) {
	err := validateSubject(subject)
	if err != nil {
		return nil, err
	}

	s.bind(subject)

	artifact, ok := s.cache.Lookup(subject.Key)
	if ok {
		s.log.Info(logFmtCacheHit, subject.Key)

		return &precomputeResult{artifact: artifact, took: 0}, nil
	}

	return s.shared(ctx, subject.Key, func(sharedCtx context.Context) (*precomputeResult, error) {
		hit, found := s.cache.Lookup(subject.Key)
		if found {
			return &precomputeResult{artifact: hit, took: 0}, nil
		}

		return s.precompute(sharedCtx, subject, false)
	})
}

// shared runs fn once per key among concurrent callers. fn runs detached from
// any single caller's cancellation and is bounded by the supervisor's own
// timeouts; every caller waits on its own ctx.
func (s *Service) shared(
	ctx context.Context,
	key string,
	fn func(ctx context.Context) (*precomputeResult, error),
) (*precomputeResult, error) {
	detached := context.WithoutCancel(ctx)

	results := s.group.DoChan(key, func() (any, error) {
		return fn(detached)
	})

	select {
	case result := <-results:
		if result.Err != nil {
			return nil, result.Err
		}

		shared, _ := result.Val.(*precomputeResult)

		return shared, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrWaitAbandoned, ctx.Err())
	}
}

func (s *Service) precompute(ctx context.Context, subject core.Subject, force bool) (*precomputeResult, error) {
	began := time.Now()

	resp, err := s.executor.Execute(ctx, protocol.Precompute{
		SubjectKey: subject.Key,
		SourceRef:  subject.SourcePath,
		OutputDir:  s.config.OutputDir,
		Force:      force,
	})
	if err != nil {
		return nil, err
	}

	if resp.IsFailure() {
		return nil, failureError(protocol.ActionPrecompute, subject.Key, resp)
	}

	if resp.Artifact == nil {
		return nil, ErrMissingArtifact
	}

	err = s.cache.Remember(resp.Artifact)
	if err != nil {
		return nil, fmt.Errorf("worker artifact for %s is unusable: %w", subject.Key, err)
	}

	s.log.Info(logFmtPrecomputed, subject.Key, resp.Cached)

	return &precomputeResult{artifact: resp.Artifact, took: time.Since(began)}, nil
}

func (s *Service) generate(
	ctx context.Context,
	subject core.Subject,
	inputRef, outputDir string,
	tuning core.Tuning,
) (string, time.Duration, error) {
	began := time.Now()

	resp, err := s.executor.Execute(ctx, protocol.Generate{
		SubjectKey: subject.Key,
		SourceRef:  subject.SourcePath,
		InputRef:   inputRef,
		OutputDir:  outputDir,
		Tuning:     tuning,
	})
	if err != nil {
		return "", 0, err
	}

	if resp.IsFailure() {
		return "", 0, failureError(protocol.ActionGenerate, subject.Key, resp)
	}

	if resp.OutputPath == "" {
		return "", 0, ErrMissingOutput
	}

	took := time.Since(began)
	s.log.Info(logFmtGenerated, resp.OutputPath, subject.Key, took)

	return resp.OutputPath, took, nil
}

func (s *Service) record(timings Timings) {
	s.mu.Lock()
	s.last = &timings
	s.mu.Unlock()
}

// bind records which key a source currently has. A source whose key changed
// loses its stale in-memory entry.
func (s *Service) bind(subject core.Subject) {
	s.mu.Lock()
	previous, ok := s.bindings[subject.SourcePath]
	s.bindings[subject.SourcePath] = subject.Key
	s.mu.Unlock()

	if ok && previous != subject.Key {
		s.log.Info(logFmtRebound, subject.SourcePath, previous, subject.Key)
		s.cache.Invalidate(previous)
	}
}

func validateSubject(subject core.Subject) error {
	if subject.Key == "" || subject.SourcePath == "" {
		return invalid(ErrEmptySubject)
	}

	return nil
}

func validateGenerate(subject core.Subject, inputRef string, tuning core.Tuning) (core.Tuning, error) {
	err := validateSubject(subject)
	if err != nil {
		return core.Tuning{}, err
	}

	if inputRef == "" {
		return core.Tuning{}, invalid(ErrEmptyInput)
	}

	tuning = tuning.WithDefaults()

	err = tuning.Validate()
	if err != nil {
		return core.Tuning{}, invalid(err)
	}

	return tuning, nil
}
