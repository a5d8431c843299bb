// Package worker consumes lip-sync jobs from NATS: it fetches the avatar and
// audio from the input bucket, renders the video through the service and
// uploads the result to the output bucket.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/lipsync"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultJobTimeout bounds a single job, from download to upload.
const DefaultJobTimeout = 15 * time.Minute

const (
	videoExtension = ".mp4"
	avatarsDir     = "avatars"
	jobsDir        = "jobs"
	avatarKeyChars = 16
)

var (
	// ErrAvatarKeyEmpty indicates a job without an avatar.
	ErrAvatarKeyEmpty = errors.New("avatar_key cannot be empty")
	// ErrAudioKeyEmpty indicates a job without audio.
	ErrAudioKeyEmpty = errors.New("audio_key cannot be empty")
	// ErrMaxChunkNegative indicates a negative chunk bound.
	ErrMaxChunkNegative = errors.New("max_chunk_seconds must be non-negative")
)

// LipSyncRequestedEvent asks for one avatar video.
type LipSyncRequestedEvent struct {
	Header          events.EventHeader `json:"header"`
	AvatarKey       string             `json:"avatar_key"`
	AudioKey        string             `json:"audio_key"`
	Chunked         bool               `json:"chunked"`
	MaxChunkSeconds float64            `json:"max_chunk_seconds,omitempty"`
	Tuning          core.Tuning        `json:"tuning"`
}

// VideoCreatedEvent answers a LipSyncRequestedEvent. Error and Class are set
// when the job failed.
type VideoCreatedEvent struct {
	Header     events.EventHeader `json:"header"`
	VideoKey   string             `json:"video_key,omitempty"`
	SubjectKey string             `json:"subject_key,omitempty"`
	Error      string             `json:"error,omitempty"`
	Class      string             `json:"class,omitempty"`
}

// VideoGenerator is the part of the lip-sync service the worker drives.
type VideoGenerator interface {
	SubjectFromPath(sourcePath string) (core.Subject, error)
	Generate(ctx context.Context, subject core.Subject, inputRef string, tuning core.Tuning) (string, error)
	GenerateChunked(
		ctx context.Context,
		subject core.Subject,
		inputRef string,
		maxChunk time.Duration,
		tuning core.Tuning,
	) (string, error)
}

// Config holds the worker settings.
type Config struct {
	Subject    string
	QueueGroup string
	WorkDir    string
	JobTimeout time.Duration
}

// NatsWorker listens for lip-sync jobs on a NATS subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	config         Config
	inputs         core.ObjectStore
	outputs        core.ObjectStore
	generator      VideoGenerator
	log            *logger.Logger
}

// NewNatsWorker creates a worker. inputs holds avatars and audio, outputs
// receives rendered videos.
func NewNatsWorker(
	natsConnection *nats.Conn,
	cfg Config,
	inputs core.ObjectStore,
	outputs core.ObjectStore,
	generator VideoGenerator,
	log *logger.Logger,
) *NatsWorker {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		config:         cfg,
		inputs:         inputs,
		outputs:        outputs,
		generator:      generator,
		log:            log,
	}
}

// Run subscribes and handles jobs until ctx is done, then drains.
func (w *NatsWorker) Run(ctx context.Context) error {
	var (
		sub *nats.Subscription
		err error
	)

	if w.config.QueueGroup != "" {
		sub, err = w.natsConnection.QueueSubscribe(w.config.Subject, w.config.QueueGroup, w.handleMessage)
	} else {
		sub, err = w.natsConnection.Subscribe(w.config.Subject, w.handleMessage)
	}

	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.config.Subject, err)
	}

	w.log.System("listening for lip-sync jobs on %s", w.config.Subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.config.JobTimeout)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)
		w.reply(msg, &VideoCreatedEvent{Error: err.Error(), Class: lipsync.ClassBadRequest.String()})

		return
	}

	replyEvent, err := w.processJob(ctx, event)
	if err != nil {
		w.log.Error("Failed to process lip-sync job for workflow %s: %v", event.Header.WorkflowID, err)

		replyEvent = &VideoCreatedEvent{
			Header: event.Header,
			Error:  err.Error(),
			Class:  lipsync.Classify(err).String(),
		}
	}

	w.reply(msg, replyEvent)
}

// avatarLocalPath maps an object key to a stable local path. Keys that share a
// basename land in different directories.
func avatarLocalPath(workDir, avatarKey string) string {
	sum := sha256.Sum256([]byte(avatarKey))

	return filepath.Join(workDir, avatarsDir, hex.EncodeToString(sum[:])[:avatarKeyChars], filepath.Base(avatarKey))
}

// processJob downloads the job inputs, renders and uploads the video.
func (w *NatsWorker) processJob(ctx context.Context, event *LipSyncRequestedEvent) (*VideoCreatedEvent, error) {
	jobID := uuid.NewString()
	jobDir := filepath.Join(w.config.WorkDir, jobsDir, jobID)

	defer func() {
		removeErr := os.RemoveAll(jobDir)
		if removeErr != nil {
			w.log.Warn("Failed to remove job dir %s: %v", jobDir, removeErr)
		}
	}()

	avatarPath := avatarLocalPath(w.config.WorkDir, event.AvatarKey)

	err := w.inputs.DownloadFile(ctx, event.AvatarKey, avatarPath)
	if err != nil {
		return nil, fmt.Errorf("failed to download avatar '%s': %w", event.AvatarKey, err)
	}

	audioPath := filepath.Join(jobDir, filepath.Base(event.AudioKey))

	err = w.inputs.DownloadFile(ctx, event.AudioKey, audioPath)
	if err != nil {
		return nil, fmt.Errorf("failed to download audio '%s': %w", event.AudioKey, err)
	}

	subject, err := w.generator.SubjectFromPath(avatarPath)
	if err != nil {
		return nil, err
	}

	var videoPath string

	if event.Chunked {
		maxChunk := time.Duration(event.MaxChunkSeconds * float64(time.Second))
		videoPath, err = w.generator.GenerateChunked(ctx, subject, audioPath, maxChunk, event.Tuning)
	} else {
		videoPath, err = w.generator.Generate(ctx, subject, audioPath, event.Tuning)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to generate video: %w", err)
	}

	videoKey := jobID + videoExtension

	err = w.outputs.UploadFile(ctx, videoKey, videoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to upload video for key '%s': %w", videoKey, err)
	}

	return &VideoCreatedEvent{
		Header:     event.Header,
		VideoKey:   videoKey,
		SubjectKey: subject.Key,
		Error:      "",
		Class:      "",
	}, nil
}

func (w *NatsWorker) reply(msg *nats.Msg, replyEvent *VideoCreatedEvent) {
	if msg.Reply == "" {
		return
	}

	err := w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", replyEvent.Header.WorkflowID, err)
	}
}

// publishReplyEvent marshals and responds with the VideoCreatedEvent.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *VideoCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*LipSyncRequestedEvent, error) {
	var event LipSyncRequestedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.AvatarKey == "" {
		return nil, ErrAvatarKeyEmpty
	}

	if event.AudioKey == "" {
		return nil, ErrAudioKeyEmpty
	}

	if event.MaxChunkSeconds < 0 {
		return nil, fmt.Errorf("%w: got %f", ErrMaxChunkNegative, event.MaxChunkSeconds)
	}

	return &event, nil
}
