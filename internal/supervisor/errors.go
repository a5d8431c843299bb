package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrLockTimeout indicates a caller that gave up waiting for the worker.
	ErrLockTimeout = errors.New("timed out waiting for the worker lock")
	// ErrStopped indicates a call against a supervisor that has been stopped.
	ErrStopped = errors.New("supervisor is stopped")
	// ErrHandshakeTimeout indicates a worker that never announced readiness.
	ErrHandshakeTimeout = errors.New("timed out waiting for worker handshake")
	// ErrUnexpectedHandshake indicates a first line other than the ready status.
	ErrUnexpectedHandshake = errors.New("unexpected handshake")
	// ErrRequestTimeout indicates a worker that did not answer in time.
	ErrRequestTimeout = errors.New("timed out waiting for worker response")
	// ErrStreamClosed indicates a worker output stream that ended.
	ErrStreamClosed = errors.New("worker output stream closed")
	// ErrUnexpectedStatus indicates a response status that cannot answer the command.
	ErrUnexpectedStatus = errors.New("unexpected response status")
	// ErrPingFailed indicates a ping answered with something other than pong.
	ErrPingFailed = errors.New("worker did not answer ping")
)

// WorkerStartError reports a worker that could not be spawned or failed its
// handshake.
type WorkerStartError struct {
	Err error
}

func (e *WorkerStartError) Error() string {
	return fmt.Sprintf("worker failed to start: %v", e.Err)
}

func (e *WorkerStartError) Unwrap() error {
	return e.Err
}

// WorkerLostError reports a worker that died, closed its stream or stopped
// answering while a command was in flight.
type WorkerLostError struct {
	PID int
	Err error
}

func (e *WorkerLostError) Error() string {
	return fmt.Sprintf("worker %d lost: %v", e.PID, e.Err)
}

func (e *WorkerLostError) Unwrap() error {
	return e.Err
}
