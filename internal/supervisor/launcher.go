package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/book-expert/logger"
)

const logFmtWorkerStderr = "worker[%d]: %s"

// Process is a running worker as seen by the supervisor.
type Process interface {
	// Stdin receives protocol requests.
	Stdin() io.Writer
	// Stdout yields protocol responses.
	Stdout() io.Reader
	// PID returns the operating-system process id, or 0 if there is none.
	PID() int
	// Kill terminates the process immediately.
	Kill() error
	// Wait blocks until the process has exited and its streams are released.
	Wait() error
}

// Launcher spawns worker processes.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// ExecLauncher launches the worker as a child process. Its stderr is copied
// line by line into the log.
type ExecLauncher struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	Log  *logger.Logger
}

type execProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    *os.File
	stderrEnd *os.File
	pumpDone  chan struct{}
	closeOnce sync.Once
}

// Launch starts the worker. ctx bounds only the spawn; the worker outlives it.
func (l *ExecLauncher) Launch(ctx context.Context) (Process, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	// #nosec G204 -- worker binary comes from the service configuration
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}

	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}

	stderrRead, stderrWrite, err := os.Pipe()
	if err != nil {
		closeAll(stdoutRead, stdoutWrite)

		return nil, fmt.Errorf("failed to open worker stderr: %w", err)
	}

	cmd.Stdout = stdoutWrite
	cmd.Stderr = stderrWrite

	err = cmd.Start()

	// The child holds its own copies of the write ends.
	closeAll(stdoutWrite, stderrWrite)

	if err != nil {
		closeAll(stdoutRead, stderrRead)

		return nil, fmt.Errorf("failed to start worker %s: %w", l.Path, err)
	}

	proc := &execProcess{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdoutRead,
		stderrEnd: stderrRead,
		pumpDone:  make(chan struct{}),
		closeOnce: sync.Once{},
	}

	go proc.pumpStderr(l.Log)

	return proc, nil
}

func (p *execProcess) Stdin() io.Writer {
	return p.stdin
}

func (p *execProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}

	return p.cmd.Process.Pid
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill worker %d: %w", p.PID(), err)
	}

	return nil
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()

	<-p.pumpDone

	p.closeOnce.Do(func() {
		closeAll(p.stdout, p.stderrEnd)
	})

	return err
}

func (p *execProcess) pumpStderr(log *logger.Logger) {
	defer close(p.pumpDone)

	scanner := bufio.NewScanner(p.stderrEnd)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), bufio.MaxScanTokenSize*16)

	for scanner.Scan() {
		if log != nil {
			log.Info(logFmtWorkerStderr, p.PID(), scanner.Text())
		}
	}

	// Keep draining after an oversized line so the worker never blocks on stderr.
	_, _ = io.Copy(io.Discard, p.stderrEnd)
}

func closeAll(files ...*os.File) {
	for _, file := range files {
		_ = file.Close()
	}
}
