package testutil

import (
	"context"
	"fmt"
	"modelchain/internal/toolrunner"
	"sync"
	"sync/atomic"
)

// Script describes how a fake tool behaves once started.
type Script struct {
	Lines    []toolrunner.Line
	ExitCode int
	Hold     bool // keep running after the output until Kill or Release
	StartErr error
	OnStart  func(cmd toolrunner.Command) // runs before any output is emitted
}

// FakeRunner is a toolrunner.Runner whose tools follow scripts keyed by
// command name. Commands without a script print nothing and exit 0.
type FakeRunner struct {
	mu          sync.Mutex
	scripts     map[string]Script
	invocations []*FakeInvocation
	seq         int
}

var _ toolrunner.Runner = (*FakeRunner)(nil)

// NewFakeRunner creates a runner with no scripts.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{scripts: make(map[string]Script)}
}

// Script sets the behaviour of every later start of name.
func (r *FakeRunner) Script(name string, s Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[name] = s
}

func (r *FakeRunner) Start(ctx context.Context, cmd toolrunner.Command) (toolrunner.Invocation, error) {
	r.mu.Lock()
	script := r.scripts[cmd.Name]
	if script.StartErr != nil {
		r.mu.Unlock()
		return nil, script.StartErr
	}
	r.seq++
	inv := &FakeInvocation{
		id:      fmt.Sprintf("fake-%d", r.seq),
		cmd:     cmd,
		lines:   make(chan toolrunner.Line),
		killed:  make(chan struct{}),
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.invocations = append(r.invocations, inv)
	r.mu.Unlock()

	if script.OnStart != nil {
		script.OnStart(cmd)
	}
	go inv.run(ctx, script)
	return inv, nil
}

func (r *FakeRunner) Ready(context.Context) error {
	return nil
}

// Close kills every invocation.
func (r *FakeRunner) Close() error {
	for _, inv := range r.Invocations() {
		inv.Kill()
	}
	return nil
}

// Invocations returns every invocation started so far, oldest first.
func (r *FakeRunner) Invocations() []*FakeInvocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*FakeInvocation, len(r.invocations))
	copy(out, r.invocations)
	return out
}

// Started returns the commands started so far.
func (r *FakeRunner) Started() []toolrunner.Command {
	invs := r.Invocations()
	out := make([]toolrunner.Command, len(invs))
	for i, inv := range invs {
		out[i] = inv.cmd
	}
	return out
}

// Last returns the most recent invocation of name, or nil.
func (r *FakeRunner) Last(name string) *FakeInvocation {
	invs := r.Invocations()
	for i := len(invs) - 1; i >= 0; i-- {
		if invs[i].cmd.Name == name {
			return invs[i]
		}
	}
	return nil
}

// FakeInvocation is a scripted toolrunner.Invocation.
type FakeInvocation struct {
	id    string
	cmd   toolrunner.Command
	lines chan toolrunner.Line

	killed   chan struct{}
	killOnce sync.Once
	kills    atomic.Int64

	release     chan struct{}
	releaseOnce sync.Once

	done chan struct{}
	err  error
}

func (f *FakeInvocation) ID() string { return f.id }

// Command returns the command the invocation was started with.
func (f *FakeInvocation) Command() toolrunner.Command { return f.cmd }

func (f *FakeInvocation) Lines() <-chan toolrunner.Line { return f.lines }

func (f *FakeInvocation) Wait() error {
	<-f.done
	return f.err
}

func (f *FakeInvocation) Kill() error {
	f.kills.Add(1)
	f.killOnce.Do(func() { close(f.killed) })
	return nil
}

// Kills returns how many times Kill was called.
func (f *FakeInvocation) Kills() int64 {
	return f.kills.Load()
}

// Release lets a held tool exit with its scripted status.
func (f *FakeInvocation) Release() {
	f.releaseOnce.Do(func() { close(f.release) })
}

// Exited reports whether the tool has exited.
func (f *FakeInvocation) Exited() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *FakeInvocation) run(ctx context.Context, s Script) {
	defer close(f.done)
	killed := false

emit:
	for _, line := range s.Lines {
		select {
		case f.lines <- line:
		case <-f.killed:
			killed = true
			break emit
		case <-ctx.Done():
			killed = true
			break emit
		}
	}

	if !killed && s.Hold {
		select {
		case <-f.release:
		case <-f.killed:
			killed = true
		case <-ctx.Done():
			killed = true
		}
	}
	close(f.lines)

	switch {
	case killed:
		f.err = &toolrunner.ExitError{Command: f.cmd.Name, Code: 137}
	case s.ExitCode != 0:
		f.err = &toolrunner.ExitError{Command: f.cmd.Name, Code: s.ExitCode}
	}
}
