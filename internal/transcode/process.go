package transcode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/zsiec/srtrelay/internal/relayerr"
)

// killWait bounds how long Terminate waits for the process to be reaped
// after SIGKILL.
const killWait = 2 * time.Second

// Process is one running transcoder instance. Write feeds its input.
type Process interface {
	io.Writer
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitCode is valid after Done; -1 when killed by a signal.
	ExitCode() int
	// Err is the wait error after Done, nil on a clean exit.
	Err() error
	// Terminate closes the input, asks the process to exit and kills it
	// after grace. Idempotent; returns once the process is gone.
	Terminate(grace time.Duration)
	Pid() int
}

// LineHandlers receive the process's output line by line.
type LineHandlers struct {
	Stdout func(line string)
	Stderr func(line string)
}

// Launcher starts transcoder processes.
type Launcher interface {
	Launch(attempt int, h LineHandlers) (Process, error)
}

// ExecLauncher runs the command produced by Spec.
type ExecLauncher struct {
	Spec CommandSpec
	Log  *slog.Logger
}

// Launch starts a new process. Failures are reported as SpawnError.
func (l *ExecLauncher) Launch(attempt int, h LineHandlers) (Process, error) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	b := l.Spec.Build(attempt)
	argv := b.Argv()

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, &relayerr.SpawnError{Path: argv[0], Err: err}
	}

	cmd := exec.Command(path, argv[1:]...)
	setSysProcAttr(cmd)

	stdout, stderr, stdin, err := pipes(cmd)
	if err != nil {
		return nil, &relayerr.SpawnError{Path: path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &relayerr.SpawnError{Path: path, Err: err}
	}

	p := &execProcess{
		log:   log.With("pid", cmd.Process.Pid, "attempt", attempt),
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	p.log.Info("transcoder started", "cmd", b.String())
	go p.supervise(stdout, stderr, h)
	return p, nil
}

type execProcess struct {
	log   *slog.Logger
	cmd   *exec.Cmd
	stdin io.WriteCloser

	done     chan struct{}
	termOnce sync.Once
	waitErr  error
	exitCode int
}

func (p *execProcess) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *execProcess) Done() <-chan struct{}       { return p.done }
func (p *execProcess) Pid() int                    { return p.cmd.Process.Pid }

func (p *execProcess) ExitCode() int {
	<-p.done
	return p.exitCode
}

func (p *execProcess) Err() error {
	<-p.done
	return p.waitErr
}

// supervise drains both output pipes, then reaps the child exactly once.
func (p *execProcess) supervise(stdout, stderr io.Reader, h LineHandlers) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.scan("stdout", stdout, h.Stdout)
	}()
	go func() {
		defer wg.Done()
		p.scan("stderr", stderr, h.Stderr)
	}()
	wg.Wait()

	err := p.cmd.Wait()
	p.waitErr = err
	p.exitCode = -1
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	_ = p.stdin.Close()

	var ee *exec.ExitError
	switch {
	case err == nil:
		p.log.Info("transcoder exited cleanly")
	case errors.As(err, &ee):
		p.log.Info("transcoder exited with error status", "exit_code", p.exitCode, "state", ee.ProcessState.String())
	default:
		p.log.Error("failed to wait for transcoder", "error", err)
	}
	close(p.done)
}

func (p *execProcess) scan(name string, r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if fn != nil {
			fn(strings.TrimRight(sc.Text(), "\r"))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		p.log.Warn("pipe scanner failure", "pipe", name, "error", err)
	}
}

// Terminate closes stdin so the muxer can flush its last segment, sends
// SIGTERM to the process group, and escalates to SIGKILL after grace.
func (p *execProcess) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		_ = p.stdin.Close()
		pid := p.cmd.Process.Pid
		if err := signalGroup(p.cmd.Process, syscall.SIGTERM); err != nil {
			p.log.Warn("SIGTERM failed", "error", err)
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
			p.log.Debug("transcoder exited gracefully", "pid", pid)
			return
		case <-timer.C:
		}

		p.log.Warn("grace timeout expired; sending SIGKILL", "grace", grace)
		if err := signalGroup(p.cmd.Process, syscall.SIGKILL); err != nil {
			p.log.Error("SIGKILL failed", "error", err)
		}
	})

	select {
	case <-p.done:
	case <-time.After(grace + killWait):
		p.log.Error("transcoder not reaped after SIGKILL")
	}
}

// pipes prepares stdout, stderr and stdin, closing any already-created
// pipe if a later one fails.
func pipes(cmd *exec.Cmd) (io.ReadCloser, io.ReadCloser, io.WriteCloser, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	return stdout, stderr, stdin, nil
}
