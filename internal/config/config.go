// Package config provides the configuration structure for the lipsync-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/lipsync-service/internal/cache"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Defaults applied to zero fields.
const (
	DefaultMaxChunkSeconds         = 3.0
	DefaultEncodeWorkers           = 2
	DefaultPreset                  = "ultrafast"
	DefaultCRF                     = 26
	DefaultFPS                     = 25
	DefaultResolution              = 512
	DefaultHandshakeTimeoutSeconds = 120
	DefaultRequestTimeoutSeconds   = 300
	DefaultLockTimeoutSeconds      = 600
	DefaultStopGraceSeconds        = 2.0
	DefaultJobTimeoutSeconds       = 900
	DefaultRequestSubject          = "lipsync.requested"
	DefaultInputBucket             = "LIPSYNC_INPUTS"
	DefaultOutputBucket            = "LIPSYNC_OUTPUTS"
)

var (
	// ErrWorkerCommandEmpty indicates a supervisor without a worker binary.
	ErrWorkerCommandEmpty = errors.New("supervisor.worker_command cannot be empty")
	// ErrCacheRootEmpty indicates a missing cache directory.
	ErrCacheRootEmpty = errors.New("cache.root cannot be empty")
	// ErrOutputDirEmpty indicates a missing output directory.
	ErrOutputDirEmpty = errors.New("paths.output_dir cannot be empty")
	// ErrNegativeValue indicates a duration or count below zero.
	ErrNegativeValue = errors.New("value must be non-negative")
	// ErrAnalyzeCommandEmpty indicates a worker without an analyze tool.
	ErrAnalyzeCommandEmpty = errors.New("engine.analyze_command cannot be empty")
	// ErrSynthesizeCommandEmpty indicates a worker without a synthesize tool.
	ErrSynthesizeCommandEmpty = errors.New("engine.synthesize_command cannot be empty")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL            string `toml:"url"`
	RequestSubject string `toml:"request_subject"`
	QueueGroup     string `toml:"queue_group"`
	InputBucket    string `toml:"input_bucket"`
	OutputBucket   string `toml:"output_bucket"`
}

// SupervisorConfig describes how the resident worker is launched and timed.
type SupervisorConfig struct {
	WorkerCommand           []string `toml:"worker_command"`
	WorkerEnv               []string `toml:"worker_env"`
	HandshakeTimeoutSeconds float64  `toml:"handshake_timeout_seconds"`
	RequestTimeoutSeconds   float64  `toml:"request_timeout_seconds"`
	LockTimeoutSeconds      float64  `toml:"lock_timeout_seconds"`
	StopGraceSeconds        float64  `toml:"stop_grace_seconds"`
}

// CacheConfig holds the precompute cache settings.
type CacheConfig struct {
	Root     string `toml:"root"`
	Identity string `toml:"identity"`
}

// PipelineConfig holds the chunk pipeline settings.
type PipelineConfig struct {
	MaxChunkSeconds   float64 `toml:"max_chunk_seconds"`
	EncodeWorkers     int     `toml:"encode_workers"`
	Cleanup           bool    `toml:"cleanup"`
	JobTimeoutSeconds float64 `toml:"job_timeout_seconds"`
}

// EncoderConfig holds the ffmpeg settings.
type EncoderConfig struct {
	FFmpegPath   string `toml:"ffmpeg_path"`
	FFprobePath  string `toml:"ffprobe_path"`
	Preset       string `toml:"preset"`
	CRF          int    `toml:"crf"`
	FPS          int    `toml:"fps"`
	Resolution   int    `toml:"resolution"`
	AudioBitrate string `toml:"audio_bitrate"`
	SampleRate   int    `toml:"sample_rate"`
}

// EngineConfig holds the inference tool command lines run by the worker.
type EngineConfig struct {
	AnalyzeCommand    []string `toml:"analyze_command"`
	SynthesizeCommand []string `toml:"synthesize_command"`
	Env               []string `toml:"env"`
	TimeoutSeconds    float64  `toml:"timeout_seconds"`
}

// PreloadConfig names a subject precomputed at startup.
type PreloadConfig struct {
	DefaultSubject string `toml:"default_subject"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	OutputDir   string `toml:"output_dir"`
	WorkDir     string `toml:"work_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS       NATSConfig       `toml:"nats"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Cache      CacheConfig      `toml:"cache"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Encoder    EncoderConfig    `toml:"encoder"`
	Engine     EngineConfig     `toml:"engine"`
	Paths      PathsConfig      `toml:"paths"`
	Preload    PreloadConfig    `toml:"preload"`
}

// Load loads the configuration through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// LoadFile decodes the TOML file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults fills every zero field with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.RequestSubject, DefaultRequestSubject)
	setString(&c.NATS.InputBucket, DefaultInputBucket)
	setString(&c.NATS.OutputBucket, DefaultOutputBucket)

	setFloat(&c.Supervisor.HandshakeTimeoutSeconds, DefaultHandshakeTimeoutSeconds)
	setFloat(&c.Supervisor.RequestTimeoutSeconds, DefaultRequestTimeoutSeconds)
	setFloat(&c.Supervisor.LockTimeoutSeconds, DefaultLockTimeoutSeconds)
	setFloat(&c.Supervisor.StopGraceSeconds, DefaultStopGraceSeconds)

	setString(&c.Cache.Identity, string(cache.IdentityContent))

	setFloat(&c.Pipeline.MaxChunkSeconds, DefaultMaxChunkSeconds)
	setInt(&c.Pipeline.EncodeWorkers, DefaultEncodeWorkers)
	setFloat(&c.Pipeline.JobTimeoutSeconds, DefaultJobTimeoutSeconds)

	setString(&c.Encoder.Preset, DefaultPreset)
	setInt(&c.Encoder.CRF, DefaultCRF)
	setInt(&c.Encoder.FPS, DefaultFPS)
	setInt(&c.Encoder.Resolution, DefaultResolution)

	setString(&c.Paths.BaseLogsDir, os.TempDir())
}

// Validate reports the first setting the service cannot run with.
func (c *Config) Validate() error {
	if len(c.Supervisor.WorkerCommand) == 0 {
		return ErrWorkerCommandEmpty
	}

	if c.Cache.Root == "" {
		return ErrCacheRootEmpty
	}

	if c.Paths.OutputDir == "" {
		return ErrOutputDirEmpty
	}

	fields := []struct {
		name  string
		value float64
	}{
		{name: "supervisor.handshake_timeout_seconds", value: c.Supervisor.HandshakeTimeoutSeconds},
		{name: "supervisor.request_timeout_seconds", value: c.Supervisor.RequestTimeoutSeconds},
		{name: "supervisor.lock_timeout_seconds", value: c.Supervisor.LockTimeoutSeconds},
		{name: "supervisor.stop_grace_seconds", value: c.Supervisor.StopGraceSeconds},
		{name: "pipeline.max_chunk_seconds", value: c.Pipeline.MaxChunkSeconds},
		{name: "pipeline.encode_workers", value: float64(c.Pipeline.EncodeWorkers)},
		{name: "pipeline.job_timeout_seconds", value: c.Pipeline.JobTimeoutSeconds},
		{name: "engine.timeout_seconds", value: c.Engine.TimeoutSeconds},
	}

	// The first negative field in declaration order is reported.
	for _, field := range fields {
		if field.value < 0 {
			return fmt.Errorf("%w: %s = %v", ErrNegativeValue, field.name, field.value)
		}
	}

	_, err := cache.ParseIdentity(c.Cache.Identity)
	if err != nil {
		return err
	}

	return nil
}

// ValidateEngine reports missing settings needed by the worker binary.
func (c *Config) ValidateEngine() error {
	if c.Cache.Root == "" {
		return ErrCacheRootEmpty
	}

	if len(c.Engine.AnalyzeCommand) == 0 {
		return ErrAnalyzeCommandEmpty
	}

	if len(c.Engine.SynthesizeCommand) == 0 {
		return ErrSynthesizeCommandEmpty
	}

	return nil
}

// Seconds converts a seconds setting to a duration.
func Seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}

func setString(target *string, value string) {
	if *target == "" {
		*target = value
	}
}

func setInt(target *int, value int) {
	if *target == 0 {
		*target = value
	}
}

func setFloat(target *float64, value float64) {
	if *target == 0 {
		*target = value
	}
}
