// Package engine provides a core.Engine that drives external analysis and
// rendering tools through configurable command lines.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/logger"
)

// ManifestName is the file an analyze tool writes into its work dir to
// describe the artifacts it produced.
const ManifestName = "artifact.json"

const (
	defaultOutputName = "result.mp4"
	videoExtension    = ".mp4"
	filePermissions   = 0o600
	artifactPrefix    = "{artifact:"
)

const (
	logFmtRunning     = "running %s tool: %s"
	logFmtFoundOutput = "tool did not write %s, using newest video %s"
)

var (
	// ErrAnalyzeCommandEmpty indicates a missing analyze command line.
	ErrAnalyzeCommandEmpty = errors.New("analyze command cannot be empty")
	// ErrSynthesizeCommandEmpty indicates a missing synthesize command line.
	ErrSynthesizeCommandEmpty = errors.New("synthesize command cannot be empty")
	// ErrNoArtifacts indicates an analyze run whose manifest lists no files.
	ErrNoArtifacts = errors.New("analyze produced no artifacts")
	// ErrNoOutput indicates a synthesize run that left no video behind.
	ErrNoOutput = errors.New("synthesize produced no video")
	// ErrUnknownArtifact indicates a placeholder naming an artifact that does not exist.
	ErrUnknownArtifact = errors.New("unknown artifact placeholder")
)

// Config holds the command lines of the engine. Arguments may contain
// placeholders such as {source}, {work_dir}, {input}, {output}, {output_dir},
// {subject_key}, {expression_scale}, {still}, {size}, {pose_style},
// {artifact_manifest} and {artifact:<name>}.
type Config struct {
	AnalyzeCommand    []string
	SynthesizeCommand []string
	Env               []string
	Timeout           time.Duration
}

// CommandEngine implements core.Engine by executing external tools.
type CommandEngine struct {
	config Config
	log    *logger.Logger
}

type manifest struct {
	ArtifactPaths []core.NamedPath `json:"artifact_paths"`
	ExtraMetadata json.RawMessage  `json:"extra_metadata,omitempty"`
}

// New creates a CommandEngine.
func New(cfg Config, log *logger.Logger) (*CommandEngine, error) {
	if len(cfg.AnalyzeCommand) == 0 {
		return nil, ErrAnalyzeCommandEmpty
	}

	if len(cfg.SynthesizeCommand) == 0 {
		return nil, ErrSynthesizeCommandEmpty
	}

	return &CommandEngine{config: cfg, log: log}, nil
}

// Analyze runs the analyze tool and reads the manifest it leaves in workDir.
// Relative manifest paths are resolved against workDir.
func (e *CommandEngine) Analyze(
	ctx context.Context,
	subject core.Subject,
	workDir string,
) (*core.PrecomputeArtifact, error) {
	values := map[string]string{
		"{subject_key}": subject.Key,
		"{source}":      subject.SourcePath,
		"{work_dir}":    workDir,
	}

	args, err := expand(e.config.AnalyzeCommand, values, nil)
	if err != nil {
		return nil, err
	}

	err = e.run(ctx, "analyze", args)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(workDir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read analyze manifest: %w", err)
	}

	var parsed manifest

	err = json.Unmarshal(data, &parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse analyze manifest: %w", err)
	}

	if len(parsed.ArtifactPaths) == 0 {
		return nil, ErrNoArtifacts
	}

	for index, namedPath := range parsed.ArtifactPaths {
		if !filepath.IsAbs(namedPath.Path) {
			parsed.ArtifactPaths[index].Path = filepath.Join(workDir, namedPath.Path)
		}
	}

	return &core.PrecomputeArtifact{
		SubjectKey:    subject.Key,
		SourcePath:    subject.SourcePath,
		ArtifactPaths: parsed.ArtifactPaths,
		ExtraMetadata: parsed.ExtraMetadata,
		CreatedAt:     time.Time{},
	}, nil
}

// Synthesize runs the synthesize tool for one input and returns the video it
// produced. A tool that ignores {output} is tolerated if it leaves a video
// anywhere under outputDir.
func (e *CommandEngine) Synthesize(
	ctx context.Context,
	artifact *core.PrecomputeArtifact,
	inputRef string,
	tuning core.Tuning,
	outputDir string,
) (string, error) {
	manifestPath := filepath.Join(outputDir, ManifestName)

	err := writeManifest(manifestPath, artifact)
	if err != nil {
		return "", err
	}

	outputPath := filepath.Join(outputDir, defaultOutputName)
	values := map[string]string{
		"{subject_key}":       artifact.SubjectKey,
		"{source}":            artifact.SourcePath,
		"{input}":             inputRef,
		"{output_dir}":        outputDir,
		"{output}":            outputPath,
		"{artifact_manifest}": manifestPath,
		"{expression_scale}":  strconv.FormatFloat(tuning.ExpressionScale, 'f', 2, 64),
		"{still}":             strconv.FormatBool(tuning.Still),
		"{size}":              strconv.Itoa(tuning.Size),
		"{pose_style}":        strconv.Itoa(tuning.PoseStyle),
	}

	args, err := expand(e.config.SynthesizeCommand, values, artifact)
	if err != nil {
		return "", err
	}

	err = e.run(ctx, "synthesize", args)
	if err != nil {
		return "", err
	}

	_, statErr := os.Stat(outputPath)
	if statErr == nil {
		return outputPath, nil
	}

	newest, err := newestVideo(outputDir)
	if err != nil {
		return "", err
	}

	e.log.Warn(logFmtFoundOutput, outputPath, newest)

	return newest, nil
}

func (e *CommandEngine) run(ctx context.Context, stage string, args []string) error {
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	e.log.Info(logFmtRunning, stage, strings.Join(args, " "))

	// #nosec G204 -- command lines come from the service configuration
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), e.config.Env...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s tool execution failed: %w - output: %s", stage, err, string(output))
	}

	return nil
}

func expand(template []string, values map[string]string, artifact *core.PrecomputeArtifact) ([]string, error) {
	args := make([]string, 0, len(template))

	for _, arg := range template {
		for placeholder, value := range values {
			arg = strings.ReplaceAll(arg, placeholder, value)
		}

		expanded, err := expandArtifacts(arg, artifact)
		if err != nil {
			return nil, err
		}

		args = append(args, expanded)
	}

	return args, nil
}

func expandArtifacts(arg string, artifact *core.PrecomputeArtifact) (string, error) {
	for {
		start := strings.Index(arg, artifactPrefix)
		if start < 0 {
			return arg, nil
		}

		end := strings.Index(arg[start:], "}")
		if end < 0 {
			return arg, nil
		}

		name := arg[start+len(artifactPrefix) : start+end]

		if artifact == nil {
			return "", fmt.Errorf("%w: %s", ErrUnknownArtifact, name)
		}

		path, ok := artifact.Path(name)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownArtifact, name)
		}

		arg = arg[:start] + path + arg[start+end+1:]
	}
}

func writeManifest(path string, artifact *core.PrecomputeArtifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact manifest: %w", err)
	}

	err = os.WriteFile(path, data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write artifact manifest: %w", err)
	}

	return nil
}

func newestVideo(dir string) (string, error) {
	var (
		newestPath string
		newestTime time.Time
	)

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if entry.IsDir() || !strings.EqualFold(filepath.Ext(path), videoExtension) {
			return nil
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			return infoErr
		}

		if newestPath == "" || info.ModTime().After(newestTime) {
			newestPath = path
			newestTime = info.ModTime()
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to search %s for output: %w", dir, err)
	}

	if newestPath == "" {
		return "", fmt.Errorf("%w in %s", ErrNoOutput, dir)
	}

	return newestPath, nil
}
