// Package protocol implements the newline-delimited JSON command protocol spoken
// between the supervisor and the resident inference worker.
//
// Every request is one JSON object on one line of the worker's stdin and is
// answered by exactly one JSON object on one line of its stdout. A second
// command must not be written before the response to the first has been read.
package protocol

import (
	"github.com/book-expert/lipsync-service/internal/core"
)

// Action names a command on the wire.
type Action string

// Wire actions.
const (
	ActionPrecompute Action = "precompute"
	ActionGenerate   Action = "generate"
	ActionPing       Action = "ping"
	ActionQuit       Action = "quit"
)

// Command is the closed set of requests a worker accepts. The unexported
// method keeps the set closed to this package.
type Command interface {
	Action() Action
	command()
}

// Precompute forces (or reuses) the derivation of a subject's artifact.
type Precompute struct {
	SubjectKey string `json:"subject_key"`
	SourceRef  string `json:"source_ref"`
	OutputDir  string `json:"output_dir"`
	Force      bool   `json:"force,omitempty"`
}

// Generate produces one job's raw output using the cached artifact if present.
// SourceRef lets a worker whose cache was lost derive the artifact itself.
type Generate struct {
	SubjectKey string `json:"subject_key"`
	SourceRef  string `json:"source_ref,omitempty"`
	InputRef   string `json:"input_ref"`
	OutputDir  string `json:"output_dir"`

	core.Tuning
}

// Ping is a liveness probe.
type Ping struct{}

// Quit asks the worker to shut down.
type Quit struct{}

// Action implements Command.
func (Precompute) Action() Action { return ActionPrecompute }

// Action implements Command.
func (Generate) Action() Action { return ActionGenerate }

// Action implements Command.
func (Ping) Action() Action { return ActionPing }

// Action implements Command.
func (Quit) Action() Action { return ActionQuit }

func (Precompute) command() {}
func (Generate) command()   {}
func (Ping) command()       {}
func (Quit) command()       {}

// Expects reports the response statuses that legally answer cmd.
func Expects(cmd Command) []Status {
	switch cmd.(type) {
	case Precompute, Generate:
		return []Status{StatusOK, StatusError}
	case Ping:
		return []Status{StatusPong, StatusError}
	case Quit:
		return []Status{StatusBye}
	default:
		return nil
	}
}
