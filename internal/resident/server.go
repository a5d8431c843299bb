// Package resident implements the command loop of the long-running inference
// worker: it reads protocol requests from stdin, consults the precompute cache,
// delegates to the inference engine and writes exactly one response per request.
package resident

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/lipsync-service/internal/cache"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/protocol"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

const (
	dirPermissions   = 0o750
	jobDirTimeLayout = "2006_01_02_15.04.05"
)

const (
	logFmtReady          = "worker ready, accepting commands"
	logFmtCommand        = "handling %s for subject %s"
	logFmtCacheHit       = "precompute cache hit for %s"
	logFmtAnalyzed       = "analyzed subject %s in %s"
	logFmtSynthesized    = "synthesized %s in %s"
	logFmtBadRequest     = "rejecting malformed request: %v"
	logFmtWorkDirCleanup = "failed to remove precompute work dir %s: %v"
	logFmtQuit           = "quit received, shutting down"
)

var (
	// ErrSubjectKeyEmpty indicates a request without a subject key.
	ErrSubjectKeyEmpty = errors.New("subject_key cannot be empty")
	// ErrSourceRefEmpty indicates a precompute that cannot be derived for lack of a source.
	ErrSourceRefEmpty = errors.New("source_ref cannot be empty")
	// ErrInputRefEmpty indicates a generate without input audio.
	ErrInputRefEmpty = errors.New("input_ref cannot be empty")
	// ErrOutputDirEmpty indicates a request without an output directory.
	ErrOutputDirEmpty = errors.New("output_dir cannot be empty")
	// ErrSubjectNotPrecomputed indicates a generate for an uncached subject without a source_ref.
	ErrSubjectNotPrecomputed = errors.New("subject is not precomputed and no source_ref was given")
	// ErrNoArtifact indicates an engine that reported success without an artifact.
	ErrNoArtifact = errors.New("engine returned no artifact")
)

// Server is the worker-side protocol endpoint.
type Server struct {
	engine core.Engine
	cache  *cache.Cache
	log    *logger.Logger
}

// NewServer creates a Server. The cache is the worker's own mirror; it is the
// only writer of the cache directory.
func NewServer(engine core.Engine, store *cache.Cache, log *logger.Logger) *Server {
	return &Server{
		engine: engine,
		cache:  store,
		log:    log,
	}
}

// Serve writes the ready handshake and then answers requests from in until
// in is exhausted, a quit is received, or ctx is done between requests.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	err := protocol.Respond(out, protocol.Ready())
	if err != nil {
		return err
	}

	s.log.Info(logFmtReady)

	reader := protocol.NewReader(in)

	for {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return fmt.Errorf("worker stopped: %w", ctxErr)
		}

		line, readErr := reader.ReadLine()
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}

			return fmt.Errorf("failed to read command: %w", readErr)
		}

		if len(line) == 0 {
			continue
		}

		resp, quit := s.handleLine(ctx, line)

		err = protocol.Respond(out, resp)
		if err != nil {
			return err
		}

		if quit {
			s.log.Info(logFmtQuit)

			return nil
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) (protocol.Response, bool) {
	cmd, err := protocol.DecodeCommand(line)
	if err != nil {
		s.log.Warn(logFmtBadRequest, err)

		if errors.Is(err, protocol.ErrUnknownAction) {
			return protocol.Failure(protocol.CodeUnknownAction, err), false
		}

		return protocol.Failure(protocol.CodeBadRequest, err), false
	}

	switch typed := cmd.(type) {
	case protocol.Precompute:
		return s.handlePrecompute(ctx, typed), false
	case protocol.Generate:
		return s.handleGenerate(ctx, typed), false
	case protocol.Ping:
		return protocol.Pong(), false
	case protocol.Quit:
		return protocol.Bye(), true
	default:
		return protocol.Failure(protocol.CodeUnknownAction, fmt.Errorf("%w: %T", protocol.ErrUnknownAction, cmd)), false
	}
}

func (s *Server) handlePrecompute(ctx context.Context, cmd protocol.Precompute) protocol.Response {
	s.log.Info(logFmtCommand, protocol.ActionPrecompute, cmd.SubjectKey)

	err := validatePrecompute(cmd)
	if err != nil {
		return protocol.Failure(protocol.CodeBadRequest, err)
	}

	artifact, cached, err := s.ensureArtifact(ctx, cmd.SubjectKey, cmd.SourceRef, cmd.OutputDir, cmd.Force)
	if err != nil {
		return failureFor(err)
	}

	return protocol.PrecomputeOK(artifact, cached)
}

func (s *Server) handleGenerate(ctx context.Context, cmd protocol.Generate) protocol.Response {
	s.log.Info(logFmtCommand, protocol.ActionGenerate, cmd.SubjectKey)

	tuning := cmd.Tuning.WithDefaults()

	err := validateGenerate(cmd, tuning)
	if err != nil {
		return protocol.Failure(protocol.CodeBadRequest, err)
	}

	artifact, cached, err := s.ensureArtifact(ctx, cmd.SubjectKey, cmd.SourceRef, cmd.OutputDir, false)
	if err != nil {
		return failureFor(err)
	}

	jobDir := filepath.Join(cmd.OutputDir, time.Now().Format(jobDirTimeLayout)+"-"+uuid.NewString()[:8])

	err = os.MkdirAll(jobDir, dirPermissions)
	if err != nil {
		return protocol.Failure(protocol.CodeEngine, fmt.Errorf("failed to create job dir: %w", err))
	}

	start := time.Now()

	outputPath, err := s.engine.Synthesize(ctx, artifact, cmd.InputRef, tuning, jobDir)
	if err != nil {
		return protocol.Failure(protocol.CodeEngine, fmt.Errorf("synthesis failed: %w", err))
	}

	s.log.Info(logFmtSynthesized, outputPath, time.Since(start))

	return protocol.GenerateOK(outputPath, artifact, cached)
}

// ensureArtifact returns the cached artifact for subjectKey, deriving and
// storing it on a miss. The bool reports a cache hit.
func (s *Server) ensureArtifact(
	ctx context.Context,
	subjectKey, sourceRef, outputDir string,
	force bool,
) (*core.PrecomputeArtifact, bool, error) {
	if !force {
		artifact, ok := s.cache.Lookup(subjectKey)
		if ok {
			s.log.Info(logFmtCacheHit, subjectKey)

			return artifact, true, nil
		}
	}

	if sourceRef == "" {
		return nil, false, ErrSubjectNotPrecomputed
	}

	workDir := filepath.Join(outputDir, "precompute-"+uuid.NewString())
	defer func() {
		removeErr := os.RemoveAll(workDir)
		if removeErr != nil {
			s.log.Warn(logFmtWorkDirCleanup, workDir, removeErr)
		}
	}()

	err := os.MkdirAll(workDir, dirPermissions)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create precompute work dir: %w", err)
	}

	start := time.Now()

	derived, err := s.engine.Analyze(ctx, core.Subject{Key: subjectKey, SourcePath: sourceRef}, workDir)
	if err != nil {
		return nil, false, fmt.Errorf("face analysis failed: %w", err)
	}

	if derived == nil {
		return nil, false, ErrNoArtifact
	}

	derived.SubjectKey = subjectKey
	derived.SourcePath = sourceRef
	derived.CreatedAt = time.Now()

	stored, err := s.cache.Store(derived)
	if err != nil {
		return nil, false, err
	}

	s.log.Info(logFmtAnalyzed, subjectKey, time.Since(start))

	return stored, false, nil
}

func failureFor(err error) protocol.Response {
	var writeErr *cache.WriteError
	if errors.As(err, &writeErr) {
		return protocol.Failure(protocol.CodeCacheWrite, err)
	}

	if errors.Is(err, ErrSubjectNotPrecomputed) {
		return protocol.Failure(protocol.CodeBadRequest, err)
	}

	return protocol.Failure(protocol.CodeEngine, err)
}

func validatePrecompute(cmd protocol.Precompute) error {
	if cmd.SubjectKey == "" {
		return ErrSubjectKeyEmpty
	}

	if cmd.SourceRef == "" {
		return ErrSourceRefEmpty
	}

	if cmd.OutputDir == "" {
		return ErrOutputDirEmpty
	}

	return nil
}

func validateGenerate(cmd protocol.Generate, tuning core.Tuning) error {
	if cmd.SubjectKey == "" {
		return ErrSubjectKeyEmpty
	}

	if cmd.InputRef == "" {
		return ErrInputRefEmpty
	}

	if cmd.OutputDir == "" {
		return ErrOutputDirEmpty
	}

	err := tuning.Validate()
	if err != nil {
		return fmt.Errorf("invalid tuning: %w", err)
	}

	return nil
}
