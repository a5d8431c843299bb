package supervisor_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/lipsync-service/internal/protocol"
	"github.com/book-expert/lipsync-service/internal/supervisor"
)

var (
	errStubKilled      = errors.New("stub worker killed")
	errOverlappingCall = errors.New("command written before the previous one was answered")
)

// stubBehaviour scripts one in-process worker.
type stubBehaviour struct {
	// handshake is the first line written; empty means a ready status.
	handshake string
	// silent suppresses the handshake entirely.
	silent bool
	// delay is applied before every answer.
	delay time.Duration
	// quitDelay replaces delay before the answer to quit.
	quitDelay time.Duration
	// exitAfter closes the worker after this many commands when > 0.
	exitAfter int
	// reply overrides the default answer to a command; "" kills the worker.
	reply func(cmd protocol.Command) string
}

// stubLauncher runs scripted workers over in-memory pipes and records every
// command they receive.
type stubLauncher struct {
	behaviour stubBehaviour

	mu       sync.Mutex
	launches int
	commands []protocol.Command
	overlaps atomic.Int32
	nextPID  atomic.Int32
	kills    atomic.Int32
}

func (l *stubLauncher) Launch(_ context.Context) (supervisor.Process, error) {
	l.mu.Lock()
	l.launches++
	l.mu.Unlock()

	stdinRead, stdinWrite := io.Pipe()
	stdoutRead, stdoutWrite := io.Pipe()

	proc := &stubProcess{
		launcher:    l,
		pid:         int(l.nextPID.Add(1)) + 1000,
		stdinRead:   stdinRead,
		stdinWrite:  stdinWrite,
		stdoutRead:  stdoutRead,
		stdoutWrite: stdoutWrite,
		done:        make(chan struct{}),
		killed:      make(chan struct{}),
	}

	go proc.serve()

	return proc, nil
}

func (l *stubLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.launches
}

func (l *stubLauncher) actions() []protocol.Action {
	l.mu.Lock()
	defer l.mu.Unlock()

	actions := make([]protocol.Action, 0, len(l.commands))
	for _, cmd := range l.commands {
		actions = append(actions, cmd.Action())
	}

	return actions
}

func (l *stubLauncher) record(cmd protocol.Command) {
	l.mu.Lock()
	l.commands = append(l.commands, cmd)
	l.mu.Unlock()
}

type stubProcess struct {
	launcher    *stubLauncher
	pid         int
	stdinRead   *io.PipeReader
	stdinWrite  *io.PipeWriter
	stdoutRead  *io.PipeReader
	stdoutWrite *io.PipeWriter
	inFlight    atomic.Int32
	done        chan struct{}
	killed      chan struct{}
	killOnce    sync.Once
	closeOnce   sync.Once
}

// overlapWriter flags a write that arrives while a command is unanswered.
type overlapWriter struct {
	proc *stubProcess
}

func (w overlapWriter) Write(p []byte) (int, error) {
	if w.proc.inFlight.Add(1) > 1 {
		w.proc.launcher.overlaps.Add(1)
	}

	return w.proc.stdinWrite.Write(p)
}

func (p *stubProcess) Stdin() io.Writer  { return overlapWriter{proc: p} }
func (p *stubProcess) Stdout() io.Reader { return p.stdoutRead }
func (p *stubProcess) PID() int          { return p.pid }

func (p *stubProcess) Kill() error {
	p.killOnce.Do(func() {
		p.launcher.kills.Add(1)
		close(p.killed)
	})

	p.closePipes()

	return nil
}

func (p *stubProcess) closePipes() {
	p.closeOnce.Do(func() {
		_ = p.stdinRead.CloseWithError(errStubKilled)
		_ = p.stdoutWrite.CloseWithError(io.EOF)
	})
}

func (p *stubProcess) Wait() error {
	<-p.done

	return nil
}

func (p *stubProcess) serve() {
	defer close(p.done)
	defer p.closePipes()

	behaviour := p.launcher.behaviour

	if !behaviour.silent {
		handshake := behaviour.handshake
		if handshake == "" {
			handshake = `{"status":"ready"}`
		}

		_, err := io.WriteString(p.stdoutWrite, handshake+"\n")
		if err != nil {
			return
		}
	}

	reader := protocol.NewReader(p.stdinRead)
	handled := 0

	for {
		line, err := reader.ReadLine()
		if err != nil {
			return
		}

		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			return
		}

		p.launcher.record(cmd)

		_, quit := cmd.(protocol.Quit)

		wait := behaviour.delay
		if quit && behaviour.quitDelay > 0 {
			wait = behaviour.quitDelay
		}

		// A killed worker dies mid-delay like a real process.
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-p.killed:
				return
			}
		}

		answer := defaultReply(cmd)
		if behaviour.reply != nil {
			answer = behaviour.reply(cmd)
		}

		// An empty answer simulates a worker dying mid-command.
		if answer == "" {
			return
		}

		// The command counts as answered once its response is emitted.
		p.inFlight.Add(-1)

		_, err = io.WriteString(p.stdoutWrite, answer+"\n")
		if err != nil {
			return
		}

		handled++

		if quit || (behaviour.exitAfter > 0 && handled >= behaviour.exitAfter) {
			return
		}
	}
}

func (l *stubLauncher) killCount() int {
	return int(l.kills.Load())
}

func defaultReply(cmd protocol.Command) string {
	switch cmd.(type) {
	case protocol.Ping:
		return `{"status":"pong"}`
	case protocol.Quit:
		return `{"status":"bye"}`
	case protocol.Generate:
		return `{"status":"ok","output_path":"/out/result.mp4"}`
	default:
		return `{"status":"ok"}`
	}
}
