// Package supervisor owns the lifecycle of the resident inference worker: it
// spawns the process, performs the ready handshake, serializes every command
// behind a single-flight lock, detects worker loss and restarts lazily on the
// next call.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/book-expert/lipsync-service/internal/protocol"
	"github.com/book-expert/logger"
)

// Default timeouts.
const (
	DefaultHandshakeTimeout = 120 * time.Second
	DefaultRequestTimeout   = 300 * time.Second
	DefaultLockTimeout      = 600 * time.Second
	DefaultStopGrace        = 2 * time.Second
)

const (
	logFmtStarting      = "starting worker (attempt %d)"
	logFmtStarted       = "worker %d ready after %s"
	logFmtStartFailed   = "worker failed to start: %v"
	logFmtLost          = "worker %d lost: %v"
	logFmtIdleExit      = "worker %d exited while idle: %v"
	logFmtStaleLine     = "discarding unsolicited worker line: %q"
	logFmtKillFailed    = "failed to kill worker %d: %v"
	logFmtExitTimeout   = "worker %d did not exit within %s"
	logFmtStopping      = "stopping worker %d"
	logFmtQuitFailed    = "worker %d did not acknowledge quit: %v"
	logFmtProtocolError = "worker %d sent malformed response: %v"
)

// Resetter is cleared every time a new worker starts, since the worker's own
// in-memory state died with the previous process.
type Resetter interface {
	Reset()
}

// Options tunes a Supervisor. Zero durations take the package defaults.
type Options struct {
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	LockTimeout      time.Duration
	StopGrace        time.Duration
	Resetter         Resetter
}

// Supervisor is the single owner of the worker handle. It is safe for
// concurrent use; at most one command is in flight at any time.
type Supervisor struct {
	launcher Launcher
	opts     Options
	log      *logger.Logger

	// sem is the single-flight lock around the write-then-read exchange.
	sem chan struct{}

	mu        sync.Mutex
	state     State
	sess      *session
	lastErr   error
	startedAt time.Time
	starts    int
}

type lineResult struct {
	line []byte
	err  error
}

type session struct {
	proc     Process
	pid      int
	lines    chan lineResult
	exited   chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	exitErr  error
}

// New creates a Supervisor. The worker is not started until Start or the
// first command.
func New(launcher Launcher, opts Options, log *logger.Logger) *Supervisor {
	return &Supervisor{
		launcher:  launcher,
		opts:      opts.withDefaults(),
		log:       log,
		sem:       make(chan struct{}, 1),
		mu:        sync.Mutex{},
		state:     StateNotStarted,
		sess:      nil,
		lastErr:   nil,
		startedAt: time.Time{},
		starts:    0,
	}
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}

	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}

	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}

	return o
}

// Start spawns the worker and waits for its handshake. Starting an already
// ready worker is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release()

	_, err = s.ensureStarted(ctx)

	return err
}

// Execute sends cmd to the worker and returns its response. A well-formed
// error response is returned as a response, not an error: the worker is still
// usable. A dead or unresponsive worker yields *WorkerLostError and is
// restarted by the next call.
func (s *Supervisor) Execute(ctx context.Context, cmd protocol.Command) (*protocol.Response, error) {
	err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.release()

	sess, err := s.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}

	s.transition(sess, StateReady, StateBusy)

	resp, err := s.roundTrip(ctx, sess, cmd)
	if err != nil {
		var lost *WorkerLostError
		if errors.As(err, &lost) {
			s.log.Warn(logFmtLost, sess.pid, lost.Err)
			s.markLost(sess, err)

			return nil, err
		}

		s.log.Warn(logFmtProtocolError, sess.pid, err)
		s.setLastError(err)
		s.transition(sess, StateBusy, StateReady)

		return nil, err
	}

	s.transition(sess, StateBusy, StateReady)

	return resp, nil
}

// Ping sends a liveness probe through the normal command path.
func (s *Supervisor) Ping(ctx context.Context) error {
	resp, err := s.Execute(ctx, protocol.Ping{})
	if err != nil {
		return err
	}

	if resp.Status != protocol.StatusPong {
		return fmt.Errorf("%w: %s", ErrPingFailed, resp.Error)
	}

	return nil
}

// Stop asks a ready worker to quit, terminates it if it lingers and moves the
// supervisor to its terminal Stopped state.
func (s *Supervisor) Stop(ctx context.Context) error {
	err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release()

	s.mu.Lock()
	sess := s.sess
	state := s.state
	s.sess = nil
	s.state = StateStopped
	s.mu.Unlock()

	if sess == nil {
		return nil
	}

	s.log.Info(logFmtStopping, sess.pid)

	if state == StateReady && !sess.hasExited() {
		s.requestQuit(sess)
	}

	s.teardown(sess)

	return nil
}

// Health reports the worker handle.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	health := Health{
		Ready:     false,
		PID:       nil,
		State:     s.state.String(),
		LastError: "",
		StartedAt: s.startedAt,
		Restarts:  max(s.starts-1, 0),
	}

	if s.lastErr != nil {
		health.LastError = s.lastErr.Error()
	}

	alive := s.sess != nil && !s.sess.hasExited()
	if alive && (s.state == StateReady || s.state == StateBusy) {
		pid := s.sess.pid
		health.PID = &pid
		health.Ready = true
	}

	return health
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Supervisor) acquire(ctx context.Context) error {
	timer := time.NewTimer(s.opts.LockTimeout)
	defer timer.Stop()

	select {
	case s.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return fmt.Errorf("gave up waiting for the worker lock: %w", ctx.Err())
	}
}

func (s *Supervisor) release() {
	<-s.sem
}

// ensureStarted returns a live session, starting the worker when it has not
// run yet or has crashed. The caller holds the lock.
func (s *Supervisor) ensureStarted(ctx context.Context) (*session, error) {
	s.mu.Lock()

	switch {
	case s.state == StateStopped:
		s.mu.Unlock()

		return nil, ErrStopped
	case s.state == StateReady && s.sess != nil && !s.sess.hasExited():
		sess := s.sess
		s.mu.Unlock()

		return sess, nil
	}

	stale := s.sess
	s.sess = nil
	s.state = StateStarting
	s.starts++
	attempt := s.starts
	s.mu.Unlock()

	if stale != nil {
		s.teardown(stale)
	}

	return s.start(ctx, attempt)
}

func (s *Supervisor) start(ctx context.Context, attempt int) (*session, error) {
	s.log.Info(logFmtStarting, attempt)

	if s.opts.Resetter != nil {
		s.opts.Resetter.Reset()
	}

	began := time.Now()

	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		return nil, s.startFailed(&WorkerStartError{Err: err})
	}

	sess := &session{
		proc:     proc,
		pid:      proc.PID(),
		lines:    make(chan lineResult, 1),
		exited:   make(chan struct{}),
		quit:     make(chan struct{}),
		quitOnce: sync.Once{},
		exitErr:  nil,
	}

	go sess.readLoop()
	go s.watch(sess)

	err = s.handshake(ctx, sess)
	if err != nil {
		s.teardown(sess)

		return nil, s.startFailed(&WorkerStartError{Err: err})
	}

	s.mu.Lock()
	s.sess = sess
	s.state = StateReady
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.log.Info(logFmtStarted, sess.pid, time.Since(began))

	return sess, nil
}

func (s *Supervisor) startFailed(err error) error {
	s.log.Error(logFmtStartFailed, err)

	s.mu.Lock()
	s.state = StateCrashed
	s.lastErr = err
	s.mu.Unlock()

	return err
}

func (s *Supervisor) handshake(ctx context.Context, sess *session) error {
	timer := time.NewTimer(s.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case result := <-sess.lines:
		if result.err != nil {
			return streamError(result.err)
		}

		resp, err := protocol.DecodeResponse(result.line)
		if err != nil {
			return err
		}

		if resp.Status != protocol.StatusReady {
			return fmt.Errorf("%w: %q", ErrUnexpectedHandshake, result.line)
		}

		return nil
	case <-timer.C:
		return ErrHandshakeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) roundTrip(ctx context.Context, sess *session, cmd protocol.Command) (*protocol.Response, error) {
	err := s.drain(sess)
	if err != nil {
		return nil, &WorkerLostError{PID: sess.pid, Err: err}
	}

	err = protocol.Write(sess.proc.Stdin(), cmd)
	if err != nil {
		return nil, &WorkerLostError{PID: sess.pid, Err: err}
	}

	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case result := <-sess.lines:
		if result.err != nil {
			return nil, &WorkerLostError{PID: sess.pid, Err: streamError(result.err)}
		}

		return decodeFor(cmd, result.line)
	case <-timer.C:
		return nil, &WorkerLostError{PID: sess.pid, Err: ErrRequestTimeout}
	case <-ctx.Done():
		// The command cannot be recalled; the worker state has diverged.
		return nil, &WorkerLostError{PID: sess.pid, Err: ctx.Err()}
	}
}

// drain drops lines that arrived while no command was in flight.
func (s *Supervisor) drain(sess *session) error {
	for {
		select {
		case result := <-sess.lines:
			if result.err != nil {
				return streamError(result.err)
			}

			s.log.Warn(logFmtStaleLine, result.line)
		default:
			return nil
		}
	}
}

func decodeFor(cmd protocol.Command, line []byte) (*protocol.Response, error) {
	resp, err := protocol.DecodeResponse(line)
	if err != nil {
		return nil, err
	}

	if !slices.Contains(protocol.Expects(cmd), resp.Status) {
		return nil, &protocol.ProtocolError{
			Line: line,
			Err:  fmt.Errorf("%w %q for %s", ErrUnexpectedStatus, resp.Status, cmd.Action()),
		}
	}

	return resp, nil
}

func (s *Supervisor) requestQuit(sess *session) {
	err := protocol.Write(sess.proc.Stdin(), protocol.Quit{})
	if err != nil {
		s.log.Warn(logFmtQuitFailed, sess.pid, err)

		return
	}

	timer := time.NewTimer(s.opts.StopGrace)
	defer timer.Stop()

	select {
	case result := <-sess.lines:
		if result.err != nil {
			s.log.Warn(logFmtQuitFailed, sess.pid, result.err)

			return
		}
	case <-timer.C:
		s.log.Warn(logFmtQuitFailed, sess.pid, ErrRequestTimeout)

		return
	}

	select {
	case <-sess.exited:
	case <-timer.C:
	}
}

// teardown kills the worker if it is still running and waits a bounded time
// for its exit to be observed.
func (s *Supervisor) teardown(sess *session) {
	sess.stop()

	if !sess.hasExited() {
		err := sess.proc.Kill()
		if err != nil {
			s.log.Warn(logFmtKillFailed, sess.pid, err)
		}
	}

	select {
	case <-sess.exited:
	case <-time.After(s.opts.StopGrace):
		s.log.Warn(logFmtExitTimeout, sess.pid, s.opts.StopGrace)
	}
}

func (s *Supervisor) markLost(sess *session, err error) {
	s.mu.Lock()
	if s.sess == sess {
		s.sess = nil
		s.state = StateCrashed
	}

	s.lastErr = err
	s.mu.Unlock()

	s.teardown(sess)
}

func (s *Supervisor) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// transition moves the current session from one state to another. A session
// whose process has already exited lands in Crashed instead of Ready.
func (s *Supervisor) transition(sess *session, from, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess != sess || s.state != from {
		return
	}

	if to == StateReady && sess.hasExited() {
		s.state = StateCrashed
		s.lastErr = &WorkerLostError{PID: sess.pid, Err: errOrClosed(sess.exitErr)}
		s.sess = nil

		return
	}

	s.state = to
}

// watch waits for the process to exit. An exit while idle marks the worker
// crashed; an exit mid-command is reported by the reading side.
func (s *Supervisor) watch(sess *session) {
	err := sess.proc.Wait()
	sess.exitErr = err
	close(sess.exited)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess != sess || s.state != StateReady {
		return
	}

	s.log.Warn(logFmtIdleExit, sess.pid, err)

	s.state = StateCrashed
	s.lastErr = &WorkerLostError{PID: sess.pid, Err: fmt.Errorf("exited while idle: %w", errOrClosed(err))}
	s.sess = nil

	sess.stop()
}

func (sess *session) readLoop() {
	reader := protocol.NewReader(sess.proc.Stdout())

	for {
		line, err := reader.ReadLine()
		if err == nil && len(line) == 0 {
			continue
		}

		select {
		case sess.lines <- lineResult{line: line, err: err}:
		case <-sess.quit:
			return
		}

		if err != nil {
			return
		}
	}
}

func (sess *session) stop() {
	sess.quitOnce.Do(func() {
		close(sess.quit)
	})
}

func (sess *session) hasExited() bool {
	select {
	case <-sess.exited:
		return true
	default:
		return false
	}
}

func streamError(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrStreamClosed
	}

	return fmt.Errorf("failed to read worker output: %w", err)
}

func errOrClosed(err error) error {
	if err == nil {
		return ErrStreamClosed
	}

	return err
}
