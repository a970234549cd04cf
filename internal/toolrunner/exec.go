package toolrunner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

// pipeGrace is how long output pipes stay open after a kill. A helper that
// left the process group can hold them open; they are closed after this.
const pipeGrace = 2 * time.Second

// ExecRunner runs tools as local child processes. Each tool runs in its own
// process group and Kill takes down the whole group.
type ExecRunner struct {
	logger *slog.Logger
	live   *registry
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner creates a runner for local processes.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger, live: newRegistry()}
}

// Start spawns cmd. Cancelling ctx kills the process group.
func (r *ExecRunner) Start(ctx context.Context, cmd Command) (Invocation, error) {
	id := uuid.NewString()
	if err := r.live.reserve(id); err != nil {
		return nil, err
	}

	inv := &execInvocation{
		id:      id,
		cmd:     cmd,
		lines:   make(chan Line, 64),
		killed:  make(chan struct{}),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	setProcessGroup(c)
	c.Cancel = inv.Kill
	c.WaitDelay = pipeGrace
	inv.proc = c

	stdout, err := c.StdoutPipe()
	if err != nil {
		r.live.release(id)
		return nil, err
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		r.live.release(id)
		return nil, err
	}
	if err := c.Start(); err != nil {
		r.live.release(id)
		return nil, fmt.Errorf("start %s: %w", cmd.Name, err)
	}
	inv.pipes = []io.Closer{stdout, stderr}
	close(inv.started)
	r.live.commit(id, inv)
	r.logger.Debug("Tool started", "invocation", id, "command", cmd.String(), "pid", c.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go inv.pump(&readers, stdout, Stdout)
	go inv.pump(&readers, stderr, Stderr)
	go func() {
		readers.Wait()
		close(inv.lines)
		inv.err = inv.exitErr(c.Wait())
		r.live.release(id)
		close(inv.done)
	}()

	return inv, nil
}

// Ready always succeeds for local processes.
func (r *ExecRunner) Ready(context.Context) error {
	return nil
}

// Close kills every live invocation.
func (r *ExecRunner) Close() error {
	return r.live.killAll()
}

type execInvocation struct {
	id   string
	cmd  Command
	proc *exec.Cmd

	lines chan Line
	pipes []io.Closer

	// started is closed once the process exists and pipes is set.
	started chan struct{}

	killOnce sync.Once
	killed   chan struct{}

	done chan struct{}
	err  error
}

func (i *execInvocation) ID() string         { return i.id }
func (i *execInvocation) Lines() <-chan Line { return i.lines }

func (i *execInvocation) Wait() error {
	<-i.done
	return i.err
}

// Kill sends SIGKILL to the tool's process group. Output pipes still held
// open by an escaped helper are closed after pipeGrace so Lines always ends.
func (i *execInvocation) Kill() error {
	var err error
	i.killOnce.Do(func() {
		close(i.killed)
		err = killProcessGroup(i.proc.Process.Pid)
		time.AfterFunc(pipeGrace, i.closePipes)
	})
	return err
}

func (i *execInvocation) closePipes() {
	<-i.started
	select {
	case <-i.done:
		return
	default:
	}
	for _, p := range i.pipes {
		_ = p.Close()
	}
}

// pump forwards lines until the stream ends. After a kill, output is still
// drained so the process never blocks on a full pipe.
func (i *execInvocation) pump(wg *sync.WaitGroup, r io.Reader, stream Stream) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := Line{Stream: stream, Text: trimCR(scanner.Text())}
		select {
		case i.lines <- line:
		case <-i.killed:
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

func (i *execInvocation) exitErr(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Command: i.cmd.Name, Code: exitErr.ExitCode()}
	}
	return err
}

func trimCR(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\r' {
		return s[:n-1]
	}
	return s
}
