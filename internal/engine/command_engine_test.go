// Package engine_test tests the command-driven engine.
package engine_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/engine"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const analyzeScript = `printf png > "$1/crop.png" && ` +
	`printf '{"artifact_paths":[{"name":"crop_pic","path":"crop.png"}],"extra_metadata":{"src":"%s"}}' "$2" > "$1/artifact.json"`

func newEngine(t *testing.T, synthesize string) *engine.CommandEngine {
	t.Helper()

	_, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh is not available")
	}

	testLogger, err := logger.New(t.TempDir(), "engine-test.log")
	require.NoError(t, err)

	commandEngine, err := engine.New(engine.Config{
		AnalyzeCommand:    []string{"sh", "-c", analyzeScript, "analyze", "{work_dir}", "{source}"},
		SynthesizeCommand: []string{"sh", "-c", synthesize, "synthesize", "{output}", "{artifact:crop_pic}", "{size}", "{output_dir}"},
	}, testLogger)
	require.NoError(t, err)

	return commandEngine
}

func TestNew_RequiresCommands(t *testing.T) {
	t.Parallel()

	_, err := engine.New(engine.Config{SynthesizeCommand: []string{"true"}}, nil)
	require.ErrorIs(t, err, engine.ErrAnalyzeCommandEmpty)

	_, err = engine.New(engine.Config{AnalyzeCommand: []string{"true"}}, nil)
	require.ErrorIs(t, err, engine.ErrSynthesizeCommandEmpty)
}

func TestAnalyze_ReadsManifest(t *testing.T) {
	t.Parallel()

	commandEngine := newEngine(t, "true")
	workDir := t.TempDir()

	artifact, err := commandEngine.Analyze(context.Background(), core.Subject{Key: "A", SourcePath: "/a.png"}, workDir)
	require.NoError(t, err)

	assert.Equal(t, "A", artifact.SubjectKey)
	require.Len(t, artifact.ArtifactPaths, 1)
	assert.Equal(t, filepath.Join(workDir, "crop.png"), artifact.ArtifactPaths[0].Path, "relative paths resolve to the work dir")
	assert.JSONEq(t, `{"src":"/a.png"}`, string(artifact.ExtraMetadata))
}

func TestSynthesize_ExpandsPlaceholders(t *testing.T) {
	t.Parallel()

	// Copies the crop into the output and records the size argument.
	commandEngine := newEngine(t, `cp "$2" "$1" && printf "$3" > "$4/size.txt"`)

	artifact, err := commandEngine.Analyze(context.Background(), core.Subject{Key: "A", SourcePath: "/a.png"}, t.TempDir())
	require.NoError(t, err)

	outputDir := t.TempDir()

	outputPath, err := commandEngine.Synthesize(context.Background(), artifact, "/in.wav", core.DefaultTuning(), outputDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputDir, "result.mp4"), outputPath)

	size, err := os.ReadFile(filepath.Join(outputDir, "size.txt"))
	require.NoError(t, err)
	assert.Equal(t, "512", string(size))
	assert.FileExists(t, filepath.Join(outputDir, engine.ManifestName))
}

func TestSynthesize_FallsBackToNewestVideo(t *testing.T) {
	t.Parallel()

	commandEngine := newEngine(t, `mkdir -p "$4/nested" && printf v > "$4/nested/other.mp4"`)

	artifact, err := commandEngine.Analyze(context.Background(), core.Subject{Key: "A", SourcePath: "/a.png"}, t.TempDir())
	require.NoError(t, err)

	outputDir := t.TempDir()

	outputPath, err := commandEngine.Synthesize(context.Background(), artifact, "/in.wav", core.DefaultTuning(), outputDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputDir, "nested", "other.mp4"), outputPath)
}

func TestSynthesize_Failures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	silent := newEngine(t, "true")

	artifact, err := silent.Analyze(ctx, core.Subject{Key: "A", SourcePath: "/a.png"}, t.TempDir())
	require.NoError(t, err)

	_, err = silent.Synthesize(ctx, artifact, "/in.wav", core.DefaultTuning(), t.TempDir())
	require.ErrorIs(t, err, engine.ErrNoOutput)

	failing := newEngine(t, "echo boom >&2; exit 3")

	_, err = failing.Synthesize(ctx, artifact, "/in.wav", core.DefaultTuning(), t.TempDir())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "boom"), "tool output is carried in the error")

	artifact.ArtifactPaths = nil

	_, err = silent.Synthesize(ctx, artifact, "/in.wav", core.DefaultTuning(), t.TempDir())
	require.ErrorIs(t, err, engine.ErrUnknownArtifact)
}
