package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/lipsync-service/internal/app"
	"github.com/book-expert/lipsync-service/internal/cache"
	"github.com/book-expert/lipsync-service/internal/config"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/logger"
	"github.com/spf13/cobra"
)

// ErrNoCacheEntry indicates an inspect target with no committed artifact set.
var ErrNoCacheEntry = errors.New("no cached artifact set")

type options struct {
	configPath string
	timeout    time.Duration
}

type tuningFlags struct {
	expressionScale float64
	still           bool
	size            int
	poseStyle       int
}

func (f tuningFlags) tuning() core.Tuning {
	return core.Tuning{
		ExpressionScale: f.expressionScale,
		Still:           f.still,
		Size:            f.size,
		PoseStyle:       f.poseStyle,
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "avatarctl",
		Short:         "Precompute avatars and render lip-synced videos",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a TOML config file (default: central configurator)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Minute, "overall deadline for the command")

	root.AddCommand(
		newPrecomputeCmd(opts),
		newGenerateCmd(opts),
		newHealthCmd(opts),
		newInspectCmd(opts),
	)

	return root
}

func newPrecomputeCmd(opts *options) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "precompute <avatar>",
		Short: "Derive and cache the artifact set of an avatar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, runtime *app.Runtime) error {
				subject, err := runtime.Service.SubjectFromPath(args[0])
				if err != nil {
					return err
				}

				var artifact *core.PrecomputeArtifact

				if force {
					artifact, err = runtime.Service.Refresh(ctx, subject)
				} else {
					artifact, err = runtime.Service.EnsurePrecomputed(ctx, subject)
				}

				if err != nil {
					return err
				}

				return printJSON(cmd.OutOrStdout(), artifact)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "discard any cached artifact set and derive it again")

	return cmd
}

func newGenerateCmd(opts *options) *cobra.Command {
	var (
		chunked  bool
		maxChunk time.Duration
		flags    tuningFlags
	)

	cmd := &cobra.Command{
		Use:   "generate <avatar> <audio>",
		Short: "Render a lip-synced video of an avatar speaking the audio",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, runtime *app.Runtime) error {
				subject, err := runtime.Service.SubjectFromPath(args[0])
				if err != nil {
					return err
				}

				var output string

				if chunked {
					output, err = runtime.Service.GenerateChunked(ctx, subject, args[1], maxChunk, flags.tuning())
				} else {
					output, err = runtime.Service.Generate(ctx, subject, args[1], flags.tuning())
				}

				if err != nil {
					return err
				}

				_, err = fmt.Fprintln(cmd.OutOrStdout(), output)

				return err
			})
		},
	}

	defaults := core.DefaultTuning()

	cmd.Flags().BoolVar(&chunked, "chunked", false, "split the audio into bounded chunks and assemble the result")
	cmd.Flags().DurationVar(&maxChunk, "max-chunk", 0, "chunk bound for --chunked (default: pipeline.max_chunk_seconds)")
	cmd.Flags().Float64Var(&flags.expressionScale, "expression-scale", defaults.ExpressionScale, "expression intensity in [0, 1]")
	cmd.Flags().BoolVar(&flags.still, "still", defaults.Still, "keep the head still")
	cmd.Flags().IntVar(&flags.size, "size", defaults.Size, "render size, 256 or 512")
	cmd.Flags().IntVar(&flags.poseStyle, "pose-style", defaults.PoseStyle, "pose style in [0, 45]")

	return cmd
}

func newHealthCmd(opts *options) *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Start the worker and report its health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, func(ctx context.Context, runtime *app.Runtime) error {
				err := runtime.Supervisor.Start(ctx)
				if err != nil {
					return err
				}

				if probe {
					err = runtime.Supervisor.Ping(ctx)
					if err != nil {
						return err
					}
				}

				return printJSON(cmd.OutOrStdout(), runtime.Service.Health())
			})
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "send a ping through the worker")

	return cmd
}

func newInspectCmd(opts *options) *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "inspect <avatar>",
		Short: "Show the cached artifact set of an avatar without starting the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}

			if identity == "" {
				identity = cfg.Cache.Identity
			}

			mode, err := cache.ParseIdentity(identity)
			if err != nil {
				return err
			}

			artifact, err := inspect(cfg.Cache.Root, args[0], mode)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), artifact)
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "subject identity mode, content or path (default: cache.identity)")

	return cmd
}

func inspect(root, sourcePath string, identity cache.Identity) (*core.PrecomputeArtifact, error) {
	subject, err := cache.SubjectFor(sourcePath, identity)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(root, cache.DirName(subject.Key))

	artifact, err := cache.Inspect(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w for %s (%s)", ErrNoCacheEntry, subject.Key, dir)
	}

	return artifact, err
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}

	bootstrapLog, err := logger.New(os.TempDir(), "avatarctl-bootstrap.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	defer func() {
		_ = bootstrapLog.Close()
	}()

	return config.Load(bootstrapLog)
}

func withRuntime(
	cmd *cobra.Command,
	opts *options,
	action func(ctx context.Context, runtime *app.Runtime) error,
) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Paths.BaseLogsDir, "avatarctl.log")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	defer func() {
		_ = log.Close()
	}()

	runtime, err := app.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	actionErr := action(ctx, runtime)

	closeErr := runtime.Close(context.Background())
	if actionErr != nil {
		return actionErr
	}

	return closeErr
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}
