// Package toolrunner spawns the external command-line tools wrapped by steps
// and streams their output line by line.
package toolrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Stream identifies which output stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of tool output without its trailing newline.
type Line struct {
	Stream Stream
	Text   string
}

// Command describes one tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner starts tool invocations.
type Runner interface {
	Start(ctx context.Context, cmd Command) (Invocation, error)
	// Ready reports whether the runner can start tools.
	Ready(ctx context.Context) error
	// Close kills every invocation that is still running.
	Close() error
}

// Invocation is a started tool.
//
// Lines is closed once both output streams are exhausted. Wait blocks until
// the tool has exited and returns nil on a zero exit status. Kill is
// idempotent and safe to call after exit.
type Invocation interface {
	ID() string
	Lines() <-chan Line
	Wait() error
	Kill() error
}

// ExitError reports a non-zero exit status.
type ExitError struct {
	Command string
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
}

// ExitCode extracts the exit status from err, or -1 if err is not an exit.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

// splitter turns arbitrary output chunks into complete lines, keeping a
// partial trailing line until the next chunk or flush.
type splitter struct {
	carry strings.Builder
}

func (s *splitter) write(chunk string) []string {
	var lines []string
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			s.carry.WriteString(chunk)
			return lines
		}
		s.carry.WriteString(chunk[:i])
		lines = append(lines, strings.TrimSuffix(s.carry.String(), "\r"))
		s.carry.Reset()
		chunk = chunk[i+1:]
	}
}

func (s *splitter) flush() (string, bool) {
	if s.carry.Len() == 0 {
		return "", false
	}
	line := strings.TrimSuffix(s.carry.String(), "\r")
	s.carry.Reset()
	return line, true
}
