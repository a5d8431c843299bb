// Package core defines the domain types and collaborator interfaces for the lip-sync service.
package core

import (
	"context"
	"time"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	DownloadFile(ctx context.Context, key, path string) error
	UploadFile(ctx context.Context, key, path string) error
}

// Engine is the inference engine the resident worker delegates to.
// Analyze derives the per-subject artifact set into workDir; Synthesize renders
// one job against an already derived artifact and returns the raw output path.
type Engine interface {
	Analyze(ctx context.Context, subject Subject, workDir string) (*PrecomputeArtifact, error)
	Synthesize(
		ctx context.Context,
		artifact *PrecomputeArtifact,
		inputRef string,
		tuning Tuning,
		outputDir string,
	) (string, error)
}

// Encoder wraps audio/video codec invocation.
type Encoder interface {
	// Probe returns the duration of a media file.
	Probe(ctx context.Context, path string) (time.Duration, error)
	// Cut extracts [start, start+duration) of input into output.
	Cut(ctx context.Context, input string, start, duration time.Duration, output string) error
	// Encode transcodes a raw engine output into the final delivery format.
	Encode(ctx context.Context, rawPath, outputPath string) error
	// Concat joins already encoded files, in order, into output.
	Concat(ctx context.Context, inputs []string, output string) error
}
