// Package encoder implements core.Encoder on top of the ffmpeg and ffprobe
// command-line tools.
package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
)

// Defaults taken from the fast-path encode settings.
const (
	DefaultFFmpegPath   = "ffmpeg"
	DefaultFFprobePath  = "ffprobe"
	DefaultPreset       = "ultrafast"
	DefaultCRF          = 26
	DefaultFPS          = 25
	DefaultResolution   = 512
	DefaultAudioBitrate = "128k"
	DefaultSampleRate   = 16000
)

const (
	listFilePermissions = 0o600
	secondsPrecision    = 3
)

const (
	logFmtEncoded      = "encoded %s in %s"
	logFmtConcatenated = "concatenated %d segments into %s"
	logFmtListCleanup  = "failed to remove concat list %s: %v"
)

var (
	// ErrNoInputs indicates a concatenation with nothing to join.
	ErrNoInputs = errors.New("no inputs to concatenate")
	// ErrInvalidDuration indicates ffprobe output that is not a duration.
	ErrInvalidDuration = errors.New("could not parse media duration")
	// ErrUnsafePath indicates a path that cannot be written to a concat list.
	ErrUnsafePath = errors.New("path cannot be quoted for the concat demuxer")
)

// Config holds the ffmpeg settings. Zero fields take the package defaults.
type Config struct {
	FFmpegPath   string
	FFprobePath  string
	Preset       string
	CRF          int
	FPS          int
	Resolution   int
	AudioBitrate string
	SampleRate   int
}

// FFmpeg runs ffmpeg and ffprobe as child processes.
type FFmpeg struct {
	config Config
	log    *logger.Logger
}

// New creates an FFmpeg encoder.
func New(cfg Config, log *logger.Logger) *FFmpeg {
	return &FFmpeg{config: cfg.withDefaults(), log: log}
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = DefaultFFmpegPath
	}

	if c.FFprobePath == "" {
		c.FFprobePath = DefaultFFprobePath
	}

	if c.Preset == "" {
		c.Preset = DefaultPreset
	}

	if c.CRF == 0 {
		c.CRF = DefaultCRF
	}

	if c.FPS == 0 {
		c.FPS = DefaultFPS
	}

	if c.Resolution == 0 {
		c.Resolution = DefaultResolution
	}

	if c.AudioBitrate == "" {
		c.AudioBitrate = DefaultAudioBitrate
	}

	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}

	return c
}

// Probe returns the duration of the media file at path.
func (f *FFmpeg) Probe(ctx context.Context, path string) (time.Duration, error) {
	// #nosec G204 -- tool path comes from the service configuration
	cmd := exec.CommandContext(ctx, f.config.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, strings.TrimSpace(string(output)))
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// Cut extracts [start, start+duration) of input into a 16-bit PCM wav.
func (f *FFmpeg) Cut(ctx context.Context, input string, start, duration time.Duration, output string) error {
	return f.run(ctx,
		"-y",
		"-i", input,
		"-ss", formatSeconds(start),
		"-t", formatSeconds(duration),
		"-c:a", "pcm_s16le",
		"-ar", strconv.Itoa(f.config.SampleRate),
		output,
	)
}

// Encode re-encodes a raw engine output to H.264/AAC with a fast-start header.
func (f *FFmpeg) Encode(ctx context.Context, raw, output string) error {
	start := time.Now()
	resolution := strconv.Itoa(f.config.Resolution)

	err := f.run(ctx,
		"-y",
		"-i", raw,
		"-c:v", "libx264",
		"-preset", f.config.Preset,
		"-crf", strconv.Itoa(f.config.CRF),
		"-c:a", "aac",
		"-b:a", f.config.AudioBitrate,
		"-r", strconv.Itoa(f.config.FPS),
		"-s", resolution+"x"+resolution,
		"-movflags", "+faststart",
		output,
	)
	if err != nil {
		return err
	}

	f.log.Info(logFmtEncoded, output, time.Since(start))

	return nil
}

// Concat joins inputs in order with the concat demuxer without re-encoding.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return ErrNoInputs
	}

	listPath := filepath.Join(filepath.Dir(output), "concat-"+uuid.NewString()+".txt")

	err := WriteConcatList(listPath, inputs)
	if err != nil {
		return err
	}

	defer func() {
		removeErr := os.Remove(listPath)
		if removeErr != nil {
			f.log.Warn(logFmtListCleanup, listPath, removeErr)
		}
	}()

	err = f.run(ctx,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		output,
	)
	if err != nil {
		return err
	}

	f.log.Info(logFmtConcatenated, len(inputs), output)

	return nil
}

// WriteConcatList writes a concat demuxer list file naming inputs in order.
// Paths are made absolute so the list does not depend on its own location.
func WriteConcatList(listPath string, inputs []string) error {
	file, err := os.OpenFile(listPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, listFilePermissions)
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)

	for _, input := range inputs {
		absolute, absErr := filepath.Abs(input)
		if absErr != nil {
			return fmt.Errorf("failed to resolve %s: %w", input, absErr)
		}

		if strings.ContainsAny(absolute, "'\n") {
			return fmt.Errorf("%w: %s", ErrUnsafePath, absolute)
		}

		_, err = writer.WriteString("file '" + absolute + "'\n")
		if err != nil {
			return fmt.Errorf("failed to write concat list: %w", err)
		}
	}

	err = writer.Flush()
	if err != nil {
		return fmt.Errorf("failed to flush concat list: %w", err)
	}

	return nil
}

func (f *FFmpeg) run(ctx context.Context, args ...string) error {
	// #nosec G204 -- tool path comes from the service configuration
	cmd := exec.CommandContext(ctx, f.config.FFmpegPath, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg failed: %w - output: %s", err, tail(string(output)))
	}

	return nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', secondsPrecision, 64)
}

func tail(output string) string {
	const maxTail = 4000
	if len(output) > maxTail {
		return output[len(output)-maxTail:]
	}

	return output
}
