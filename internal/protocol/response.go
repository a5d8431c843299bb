package protocol

import (
	"github.com/book-expert/lipsync-service/internal/core"
)

// Status is the discriminator of a response line.
type Status string

// Wire statuses.
const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
	StatusReady Status = "ready"
	StatusPong  Status = "pong"
	StatusBye   Status = "bye"
)

// ErrorCode classifies an error response so the supervisor side can tell a
// failed cache write from an engine failure.
type ErrorCode string

// Error codes carried by error responses.
const (
	CodeEngine        ErrorCode = "engine"
	CodeCacheWrite    ErrorCode = "cache_write"
	CodeBadRequest    ErrorCode = "bad_request"
	CodeUnknownAction ErrorCode = "unknown_action"
)

// Response is one line of worker output. Which payload fields are set depends
// on the action that was answered: Artifact for precompute, OutputPath for
// generate.
type Response struct {
	Status     Status                   `json:"status"`
	Error      string                   `json:"error,omitempty"`
	Code       ErrorCode                `json:"code,omitempty"`
	Cached     bool                     `json:"cached,omitempty"`
	Artifact   *core.PrecomputeArtifact `json:"artifact,omitempty"`
	OutputPath string                   `json:"output_path,omitempty"`
}

// Ready is the handshake line written once at worker startup.
func Ready() Response { return Response{Status: StatusReady} }

// Pong answers a ping.
func Pong() Response { return Response{Status: StatusPong} }

// Bye acknowledges a quit.
func Bye() Response { return Response{Status: StatusBye} }

// Failure builds a recoverable error response.
func Failure(code ErrorCode, err error) Response {
	return Response{Status: StatusError, Code: code, Error: err.Error()}
}

// PrecomputeOK answers a precompute.
func PrecomputeOK(artifact *core.PrecomputeArtifact, cached bool) Response {
	return Response{Status: StatusOK, Artifact: artifact, Cached: cached}
}

// GenerateOK answers a generate.
func GenerateOK(outputPath string, artifact *core.PrecomputeArtifact, cached bool) Response {
	return Response{Status: StatusOK, OutputPath: outputPath, Artifact: artifact, Cached: cached}
}

// IsFailure reports whether the response is a well-formed error response.
func (r *Response) IsFailure() bool {
	return r.Status == StatusError
}
