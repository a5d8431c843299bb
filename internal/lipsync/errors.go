package lipsync

import (
	"errors"
	"fmt"

	"github.com/book-expert/lipsync-service/internal/cache"
	"github.com/book-expert/lipsync-service/internal/protocol"
	"github.com/book-expert/lipsync-service/internal/supervisor"
)

var (
	// ErrInvalidRequest marks caller input that can never succeed as given.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrMissingArtifact indicates a precompute answer without an artifact.
	ErrMissingArtifact = errors.New("worker returned no artifact")
	// ErrMissingOutput indicates a generate answer without an output path.
	ErrMissingOutput = errors.New("worker returned no output path")
	// ErrWorkerCacheWrite is wrapped by the cache.WriteError rebuilt from a
	// worker's cache_write answer.
	ErrWorkerCacheWrite = errors.New("worker failed to persist artifact")
)

// EngineError is a recoverable failure reported by the worker. The worker
// remains usable.
type EngineError struct {
	Action  protocol.Action
	Code    protocol.ErrorCode
	Message string
}

func (e *EngineError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%s failed: %s", e.Action, e.Message)
	}

	return fmt.Sprintf("%s failed (%s): %s", e.Action, e.Code, e.Message)
}

// Class is how a failure should be presented to a remote caller.
type Class int

// Failure classes.
const (
	ClassInternal Class = iota
	// ClassRetryable covers engine and cache write failures; the same request may succeed later.
	ClassRetryable
	// ClassUnavailable covers a worker that is down or saturated.
	ClassUnavailable
	// ClassBadRequest covers caller input that cannot succeed.
	ClassBadRequest
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassUnavailable:
		return "unavailable"
	case ClassBadRequest:
		return "bad_request"
	case ClassInternal:
		return "internal"
	default:
		return "internal"
	}
}

// Classify maps err onto a Class.
func Classify(err error) Class {
	var (
		lost     *supervisor.WorkerLostError
		start    *supervisor.WorkerStartError
		write    *cache.WriteError
		engine   *EngineError
		protoErr *protocol.ProtocolError
	)

	switch {
	case err == nil:
		return ClassInternal
	case errors.As(err, &lost), errors.As(err, &start),
		errors.Is(err, supervisor.ErrLockTimeout), errors.Is(err, supervisor.ErrStopped):
		return ClassUnavailable
	case errors.Is(err, ErrInvalidRequest):
		return ClassBadRequest
	case errors.As(err, &write), errors.Is(err, ErrWaitAbandoned):
		return ClassRetryable
	case errors.As(err, &engine):
		if engine.Code == protocol.CodeBadRequest || engine.Code == protocol.CodeUnknownAction {
			return ClassBadRequest
		}

		return ClassRetryable
	case errors.As(err, &protoErr):
		return ClassInternal
	default:
		return ClassInternal
	}
}

// failureError turns an error response into the matching error type.
func failureError(action protocol.Action, subjectKey string, resp *protocol.Response) error {
	if resp.Code == protocol.CodeCacheWrite {
		return &cache.WriteError{
			SubjectKey: subjectKey,
			Op:         "worker",
			Err:        fmt.Errorf("%w: %s", ErrWorkerCacheWrite, resp.Error),
		}
	}

	return &EngineError{Action: action, Code: resp.Code, Message: resp.Error}
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
}
