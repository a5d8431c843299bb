// Package resident_test tests the worker command loop.
package resident_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/book-expert/lipsync-service/internal/cache"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/protocol"
	"github.com/book-expert/lipsync-service/internal/resident"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockSynthesize = errors.New("mock synthesize error")

// mockEngine writes placeholder files the way a real engine would.
type mockEngine struct {
	mu              sync.Mutex
	analyzeCalls    int
	synthesizeCalls int
	synthesizeFails bool
	lastTuning      core.Tuning
}

func (m *mockEngine) Analyze(_ context.Context, subject core.Subject, workDir string) (*core.PrecomputeArtifact, error) {
	m.mu.Lock()
	m.analyzeCalls++
	m.mu.Unlock()

	cropPath := filepath.Join(workDir, "crop.png")

	err := os.WriteFile(cropPath, []byte(subject.Key), 0o600)
	if err != nil {
		return nil, err
	}

	return &core.PrecomputeArtifact{
		ArtifactPaths: []core.NamedPath{{Name: "crop_pic", Path: cropPath}},
	}, nil
}

func (m *mockEngine) Synthesize(
	_ context.Context,
	_ *core.PrecomputeArtifact,
	_ string,
	tuning core.Tuning,
	outputDir string,
) (string, error) {
	m.mu.Lock()
	m.synthesizeCalls++
	m.lastTuning = tuning
	fails := m.synthesizeFails
	m.mu.Unlock()

	if fails {
		return "", errMockSynthesize
	}

	outputPath := filepath.Join(outputDir, "result.mp4")

	return outputPath, os.WriteFile(outputPath, []byte("video"), 0o600)
}

func setupServer(t *testing.T) (*resident.Server, *mockEngine, string) {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "resident-test.log")
	require.NoError(t, err)

	store, err := cache.New(filepath.Join(t.TempDir(), "cache"), testLogger)
	require.NoError(t, err)

	engine := &mockEngine{}

	return resident.NewServer(engine, store, testLogger), engine, t.TempDir()
}

func encodeAll(t *testing.T, commands ...protocol.Command) string {
	t.Helper()

	var buffer bytes.Buffer

	for _, cmd := range commands {
		require.NoError(t, protocol.Write(&buffer, cmd))
	}

	return buffer.String()
}

func decodeAll(t *testing.T, output string) []*protocol.Response {
	t.Helper()

	var responses []*protocol.Response

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		resp, err := protocol.DecodeResponse([]byte(line))
		require.NoError(t, err, line)

		responses = append(responses, resp)
	}

	return responses
}

func TestServe_HandshakeAndCommands(t *testing.T) {
	t.Parallel()

	server, engine, outputDir := setupServer(t)

	input := encodeAll(t,
		protocol.Ping{},
		protocol.Precompute{SubjectKey: "A", SourceRef: "/avatars/a.png", OutputDir: outputDir},
		protocol.Precompute{SubjectKey: "A", SourceRef: "/avatars/a.png", OutputDir: outputDir},
		protocol.Generate{SubjectKey: "A", InputRef: "/audio/in.wav", OutputDir: outputDir},
		protocol.Quit{},
		protocol.Ping{},
	)

	var output bytes.Buffer

	err := server.Serve(context.Background(), strings.NewReader(input), &output)
	require.NoError(t, err)

	responses := decodeAll(t, output.String())
	require.Len(t, responses, 6, "ready + 5 answers; nothing after quit")

	assert.Equal(t, protocol.StatusReady, responses[0].Status)
	assert.Equal(t, protocol.StatusPong, responses[1].Status)

	assert.Equal(t, protocol.StatusOK, responses[2].Status)
	assert.False(t, responses[2].Cached)
	require.NotNil(t, responses[2].Artifact)
	assert.Equal(t, "A", responses[2].Artifact.SubjectKey)

	assert.True(t, responses[3].Cached, "second precompute is a cache hit")

	assert.Equal(t, protocol.StatusOK, responses[4].Status)
	assert.FileExists(t, responses[4].OutputPath)
	assert.True(t, responses[4].Cached)

	assert.Equal(t, protocol.StatusBye, responses[5].Status)

	assert.Equal(t, 1, engine.analyzeCalls)
	assert.Equal(t, 1, engine.synthesizeCalls)
	assert.Equal(t, core.DefaultSize, engine.lastTuning.Size, "zero tuning gets defaults")
}

func TestServe_ForcePrecomputeBypassesCache(t *testing.T) {
	t.Parallel()

	server, engine, outputDir := setupServer(t)

	input := encodeAll(t,
		protocol.Precompute{SubjectKey: "A", SourceRef: "/avatars/a.png", OutputDir: outputDir},
		protocol.Precompute{SubjectKey: "A", SourceRef: "/avatars/a.png", OutputDir: outputDir, Force: true},
	)

	var output bytes.Buffer

	require.NoError(t, server.Serve(context.Background(), strings.NewReader(input), &output))

	responses := decodeAll(t, output.String())
	require.Len(t, responses, 3)
	assert.False(t, responses[2].Cached)
	assert.Equal(t, 2, engine.analyzeCalls)
}

func TestServe_RecoverableFailures(t *testing.T) {
	t.Parallel()

	server, engine, outputDir := setupServer(t)
	engine.synthesizeFails = true

	input := `{"action":"dance"}` + "\n" +
		`not json` + "\n" +
		"\n" +
		encodeAll(t,
			protocol.Precompute{SubjectKey: "A", OutputDir: outputDir},
			protocol.Generate{SubjectKey: "B", InputRef: "/in.wav", OutputDir: outputDir},
			protocol.Generate{
				SubjectKey: "A", SourceRef: "/a.png", InputRef: "/in.wav", OutputDir: outputDir,
				Tuning: core.Tuning{ExpressionScale: 5, Size: 512},
			},
			protocol.Generate{SubjectKey: "A", SourceRef: "/a.png", InputRef: "/in.wav", OutputDir: outputDir},
			protocol.Ping{},
		)

	var output bytes.Buffer

	require.NoError(t, server.Serve(context.Background(), strings.NewReader(input), &output))

	responses := decodeAll(t, output.String())
	require.Len(t, responses, 8, "blank lines are skipped, every request is answered")

	assert.Equal(t, protocol.CodeUnknownAction, responses[1].Code)
	assert.Equal(t, protocol.CodeBadRequest, responses[2].Code)
	assert.Equal(t, protocol.CodeBadRequest, responses[3].Code, "precompute without source")
	assert.Equal(t, protocol.CodeBadRequest, responses[4].Code, "uncached subject without source")
	assert.Equal(t, protocol.CodeBadRequest, responses[5].Code, "tuning out of range")
	assert.Equal(t, protocol.CodeEngine, responses[6].Code)
	assert.Contains(t, responses[6].Error, errMockSynthesize.Error())
	assert.Equal(t, protocol.StatusPong, responses[7].Status, "worker stays usable after failures")
}

func TestServe_CacheWriteFailureIsReported(t *testing.T) {
	t.Parallel()

	testLogger, err := logger.New(t.TempDir(), "resident-test.log")
	require.NoError(t, err)

	cacheRoot := filepath.Join(t.TempDir(), "cache")
	store, err := cache.New(cacheRoot, testLogger)
	require.NoError(t, err)

	server := resident.NewServer(&mockEngine{}, store, testLogger)

	require.NoError(t, os.Chmod(cacheRoot, 0o500))
	t.Cleanup(func() { _ = os.Chmod(cacheRoot, 0o750) })

	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}

	input := encodeAll(t, protocol.Precompute{SubjectKey: "A", SourceRef: "/a.png", OutputDir: t.TempDir()})

	var output bytes.Buffer

	require.NoError(t, server.Serve(context.Background(), strings.NewReader(input), &output))

	responses := decodeAll(t, output.String())
	require.Len(t, responses, 2)
	assert.Equal(t, protocol.StatusError, responses[1].Status)
	assert.Equal(t, protocol.CodeCacheWrite, responses[1].Code)
}
