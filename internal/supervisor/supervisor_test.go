// Package supervisor_test tests the worker supervisor against scripted
// in-process workers and against the real resident loop in a child process.
package supervisor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/lipsync-service/internal/protocol"
	"github.com/book-expert/lipsync-service/internal/supervisor"
	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLaunch = errors.New("no such binary")

type failingLauncher struct{}

func (failingLauncher) Launch(context.Context) (supervisor.Process, error) {
	return nil, errLaunch
}

type countingResetter struct {
	resets atomic.Int32
}

func (r *countingResetter) Reset() {
	r.resets.Add(1)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "supervisor-test.log")
	require.NoError(t, err)

	return testLogger
}

func newSupervisor(t *testing.T, launcher supervisor.Launcher, opts supervisor.Options) *supervisor.Supervisor {
	t.Helper()

	if opts.StopGrace == 0 {
		opts.StopGrace = time.Second
	}

	sup := supervisor.New(launcher, opts, newTestLogger(t))
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })

	return sup
}

func generate(input string) protocol.Generate {
	return protocol.Generate{SubjectKey: "A", SourceRef: "/a.png", InputRef: input, OutputDir: "/out"}
}

func TestExecute_StartsLazilyAndStops(t *testing.T) {
	t.Parallel()

	launcher := &stubLauncher{}
	sup := newSupervisor(t, launcher, supervisor.Options{})

	health := sup.Health()
	assert.False(t, health.Ready)
	assert.Nil(t, health.PID)
	assert.Equal(t, "not_started", health.State)

	resp, err := sup.Execute(context.Background(), protocol.Ping{})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusPong, resp.Status)

	health = sup.Health()
	assert.True(t, health.Ready)
	require.NotNil(t, health.PID)
	assert.Equal(t, "ready", health.State)
	assert.False(t, health.StartedAt.IsZero())

	require.NoError(t, sup.Ping(context.Background()))
	require.NoError(t, sup.Stop(context.Background()))

	assert.Equal(t, supervisor.StateStopped, sup.State())
	assert.Equal(t, []protocol.Action{protocol.ActionPing, protocol.ActionPing, protocol.ActionQuit}, launcher.actions())

	_, err = sup.Execute(context.Background(), protocol.Ping{})
	require.ErrorIs(t, err, supervisor.ErrStopped)
	assert.Equal(t, 1, launcher.launchCount())
}

func TestExecute_SingleFlight(t *testing.T) {
	t.Parallel()

	const callers = 16

	launcher := &stubLauncher{behaviour: stubBehaviour{delay: 2 * time.Millisecond}}
	sup := newSupervisor(t, launcher, supervisor.Options{})

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			resp, err := sup.Execute(context.Background(), generate("/in.wav"))
			if err != nil || resp.Status != protocol.StatusOK {
				failed.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Zero(t, failed.Load())
	assert.Zero(t, launcher.overlaps.Load(), "no command is written while another is unanswered")
	assert.Len(t, launcher.actions(), callers)
	assert.Equal(t, 1, launcher.launchCount())
}

func TestExecute_ErrorResponseIsNotFatal(t *testing.T) {
	t.Parallel()

	launcher := &stubLauncher{behaviour: stubBehaviour{
		reply: func(cmd protocol.Command) string {
			if _, ok := cmd.(protocol.Generate); ok {
				return `{"status":"error","error":"cuda out of memory","code":"engine"}`
			}

			return defaultReply(cmd)
		},
	}}
	sup := newSupervisor(t, launcher, supervisor.Options{})

	resp, err := sup.Execute(context.Background(), generate("/in.wav"))
	require.NoError(t, err)
	assert.True(t, resp.IsFailure())
	assert.Equal(t, protocol.CodeEngine, resp.Code)
	assert.Equal(t, supervisor.StateReady, sup.State())

	require.NoError(t, sup.Ping(context.Background()))
	assert.Equal(t, 1, launcher.launchCount(), "worker stays usable")
}

func TestExecute_ProtocolErrorKeepsWorker(t *testing.T) {
	t.Parallel()

	launcher := &stubLauncher{behaviour: stubBehaviour{
		reply: func(cmd protocol.Command) string {
			switch typed := cmd.(type) {
			case protocol.Generate:
				if typed.InputRef == "garbage" {
					return "Traceback (most recent call last):"
				}

				return `{"status":"pong"}`
			default:
				return defaultReply(cmd)
			}
		},
	}}
	sup := newSupervisor(t, launcher, supervisor.Options{})

	var protocolErr *protocol.ProtocolError

	_, err := sup.Execute(context.Background(), generate("garbage"))
	require.ErrorAs(t, err, &protocolErr)
	assert.Equal(t, supervisor.StateReady, sup.State())

	_, err = sup.Execute(context.Background(), generate("/in.wav"))
	require.ErrorAs(t, err, &protocolErr)
	require.ErrorIs(t, err, supervisor.ErrUnexpectedStatus)

	require.NoError(t, sup.Ping(context.Background()))
	assert.Equal(t, 1, launcher.launchCount())
	assert.NotEmpty(t, sup.Health().LastError)
}

func TestExecute_WorkerLostThenLazyRestart(t *testing.T) {
	t.Parallel()

	var generates atomic.Int32

	launcher := &stubLauncher{behaviour: stubBehaviour{
		reply: func(cmd protocol.Command) string {
			if _, ok := cmd.(protocol.Generate); ok && generates.Add(1) == 1 {
				return ""
			}

			return defaultReply(cmd)
		},
	}}
	resetter := &countingResetter{}
	sup := newSupervisor(t, launcher, supervisor.Options{Resetter: resetter})

	var lost *supervisor.WorkerLostError

	_, err := sup.Execute(context.Background(), generate("/in.wav"))
	require.ErrorAs(t, err, &lost)
	require.ErrorIs(t, err, supervisor.ErrStreamClosed)

	health := sup.Health()
	assert.Equal(t, "crashed", health.State)
	assert.False(t, health.Ready)
	assert.Nil(t, health.PID)

	resp, err := sup.Execute(context.Background(), generate("/in.wav"))
	require.NoError(t, err)
	assert.Equal(t, "/out/result.mp4", resp.OutputPath)

	assert.Equal(t, 2, launcher.launchCount())
	assert.Equal(t, int32(2), resetter.resets.Load(), "memory tier is cleared on every start")
	assert.Equal(t, 1, sup.Health().Restarts)
}

func TestExecute_IdleExitIsDetected(t *testing.T) {
	t.Parallel()

	launcher := &stubLauncher{behaviour: stubBehaviour{exitAfter: 1}}
	sup := newSupervisor(t, launcher, supervisor.Options{})

	require.NoError(t, sup.Ping(context.Background()))

	assert.Eventually(t, func() bool {
		return sup.State() == supervisor.StateCrashed
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sup.Ping(context.Background()))
	assert.Equal(t, 2, launcher.launchCount())
}

func TestExecute_RequestTimeoutKillsWorker(t *testing.T) {
	t.Parallel()

	launcher := &stubLauncher{behaviour: stubBehaviour{delay: 200 * time.Millisecond}}
	sup := newSupervisor(t, launcher, supervisor.Options{RequestTimeout: 20 * time.Millisecond})

	var lost *supervisor.WorkerLostError

	_, err := sup.Execute(context.Background(), generate("/in.wav"))
	require.ErrorAs(t, err, &lost)
	require.ErrorIs(t, err, supervisor.ErrRequestTimeout)
	assert.Equal(t, supervisor.StateCrashed, sup.State())
}

func TestExecute_CallerCancellationKillsWorker(t *testing.T) {
	t.Parallel()

	launcher := &stubLauncher{behaviour: stubBehaviour{delay: 200 * time.Millisecond}}
	sup := newSupervisor(t, launcher, supervisor.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var lost *supervisor.WorkerLostError

	_, err := sup.Execute(ctx, generate("/in.wav"))
	require.ErrorAs(t, err, &lost)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, supervisor.StateCrashed, sup.State())
}

func TestExecute_LockTimeout(t *testing.T) {
	t.Parallel()

	launcher := &stubLauncher{behaviour: stubBehaviour{delay: 150 * time.Millisecond}}
	sup := newSupervisor(t, launcher, supervisor.Options{LockTimeout: 10 * time.Millisecond})

	require.NoError(t, sup.Start(context.Background()))

	done := make(chan error, 1)

	go func() {
		_, err := sup.Execute(context.Background(), generate("/in.wav"))
		done <- err
	}()

	assert.Eventually(t, func() bool {
		return sup.State() == supervisor.StateBusy
	}, time.Second, time.Millisecond)

	_, err := sup.Execute(context.Background(), protocol.Ping{})
	require.ErrorIs(t, err, supervisor.ErrLockTimeout)

	require.NoError(t, <-done)
}

func TestStop_KillsWorkerThatIgnoresQuit(t *testing.T) {
	t.Parallel()

	const grace = 200 * time.Millisecond

	launcher := &stubLauncher{behaviour: stubBehaviour{quitDelay: 5 * time.Second}}
	sup := newSupervisor(t, launcher, supervisor.Options{StopGrace: grace})

	require.NoError(t, sup.Start(context.Background()))

	began := time.Now()

	require.NoError(t, sup.Stop(context.Background()))

	took := time.Since(began)
	assert.GreaterOrEqual(t, took, grace, "quit gets its grace period")
	assert.Less(t, took, 2*grace, "the kill is not followed by a second grace period")

	assert.Equal(t, supervisor.StateStopped, sup.State())
	assert.Equal(t, 1, launcher.killCount())
	assert.Equal(t, []protocol.Action{protocol.ActionQuit}, launcher.actions())
	assert.False(t, sup.Health().Ready)
}

func TestStop_PromptWhenWorkerSaysBye(t *testing.T) {
	t.Parallel()

	const grace = 2 * time.Second

	launcher := &stubLauncher{behaviour: stubBehaviour{quitDelay: 20 * time.Millisecond}}
	sup := newSupervisor(t, launcher, supervisor.Options{StopGrace: grace})

	require.NoError(t, sup.Start(context.Background()))

	began := time.Now()

	require.NoError(t, sup.Stop(context.Background()))
	assert.Less(t, time.Since(began), grace)
	assert.Equal(t, supervisor.StateStopped, sup.State())
}

func TestStart_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		launcher supervisor.Launcher
		want     error
	}{
		{
			name:     "launch fails",
			launcher: failingLauncher{},
			want:     errLaunch,
		},
		{
			name:     "no handshake",
			launcher: &stubLauncher{behaviour: stubBehaviour{silent: true}},
			want:     supervisor.ErrHandshakeTimeout,
		},
		{
			name:     "wrong handshake",
			launcher: &stubLauncher{behaviour: stubBehaviour{handshake: `{"status":"ok"}`}},
			want:     supervisor.ErrUnexpectedHandshake,
		},
		{
			name:     "garbage handshake",
			launcher: &stubLauncher{behaviour: stubBehaviour{handshake: "loading weights..."}},
			want:     protocol.ErrInvalidJSON,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sup := newSupervisor(t, tt.launcher, supervisor.Options{HandshakeTimeout: 20 * time.Millisecond})

			var startErr *supervisor.WorkerStartError

			_, err := sup.Execute(context.Background(), protocol.Ping{})
			require.ErrorAs(t, err, &startErr)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, supervisor.StateCrashed, sup.State())
			assert.NotEmpty(t, sup.Health().LastError)
		})
	}
}

func TestCrashRecovery_KillMidGenerate(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	dir := t.TempDir()
	testLogger := newTestLogger(t)
	sup := newSupervisor(t, helperLauncher(t, dir, testLogger), supervisor.Options{HandshakeTimeout: 30 * time.Second})

	require.NoError(t, sup.Start(context.Background()))

	firstPID := sup.Health().PID
	require.NotNil(t, firstPID)

	outputDir := t.TempDir()
	done := make(chan error, 1)

	go func() {
		_, err := sup.Execute(context.Background(), protocol.Generate{
			SubjectKey: "A",
			SourceRef:  "/a.png",
			InputRef:   slowInput,
			OutputDir:  outputDir,
		})
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, startedMarker))

		return err == nil
	}, 30*time.Second, 10*time.Millisecond)

	process, err := os.FindProcess(*firstPID)
	require.NoError(t, err)
	require.NoError(t, process.Kill())

	var lost *supervisor.WorkerLostError

	require.ErrorAs(t, <-done, &lost)

	resp, err := sup.Execute(context.Background(), protocol.Generate{
		SubjectKey: "A",
		SourceRef:  "/a.png",
		InputRef:   "/in.wav",
		OutputDir:  outputDir,
	})
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, resp.Status, resp.Error)
	assert.FileExists(t, resp.OutputPath)

	secondPID := sup.Health().PID
	require.NotNil(t, secondPID)
	assert.NotEqual(t, *firstPID, *secondPID)
	assert.Equal(t, 1, sup.Health().Restarts)
}
