package toolrunner

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestExecRunner() *ExecRunner {
	return NewExecRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func collect(t *testing.T, inv Invocation) []Line {
	t.Helper()
	var lines []Line
	timeout := time.After(10 * time.Second)
	for {
		select {
		case line, ok := <-inv.Lines():
			if !ok {
				return lines
			}
			lines = append(lines, line)
		case <-timeout:
			t.Fatal("timed out reading tool output")
		}
	}
}

func TestExecRunner_StreamsBothStreams(t *testing.T) {
	r := newTestExecRunner()
	inv, err := r.Start(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo 'Input Points: 12'; echo 'Fitting planes' 1>&2; printf 'tail'"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, inv.ID())

	lines := collect(t, inv)
	require.NoError(t, inv.Wait())

	assert.Contains(t, lines, Line{Stream: Stdout, Text: "Input Points: 12"})
	assert.Contains(t, lines, Line{Stream: Stderr, Text: "Fitting planes"})
	assert.Contains(t, lines, Line{Stream: Stdout, Text: "tail"}, "unterminated last line is delivered")
	assert.Zero(t, r.live.len(), "finished invocations leave the registry")
}

func TestExecRunner_ExitStatus(t *testing.T) {
	r := newTestExecRunner()
	inv, err := r.Start(context.Background(), Command{Name: "sh", Args: []string{"-c", "exit 3"}})
	require.NoError(t, err)

	collect(t, inv)
	err = inv.Wait()
	require.Error(t, err)
	assert.Equal(t, 3, ExitCode(err))
	assert.Equal(t, -1, ExitCode(nil))
}

func TestExecRunner_StartFailure(t *testing.T) {
	r := newTestExecRunner()
	_, err := r.Start(context.Background(), Command{Name: "definitely-not-a-real-tool-binary"})
	require.Error(t, err)
	assert.Zero(t, r.live.len())
}

func TestExecRunner_KillIsIdempotent(t *testing.T) {
	r := newTestExecRunner()
	inv, err := r.Start(context.Background(), Command{Name: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	require.NoError(t, inv.Kill())
	require.NoError(t, inv.Kill())

	collect(t, inv)
	err = inv.Wait()
	assert.Error(t, err, "a killed tool does not exit cleanly")
	assert.NoError(t, inv.Kill(), "kill after exit is a no-op")
}

// waitClosed drains inv and reports how long Lines took to close.
func waitClosed(t *testing.T, inv Invocation, within time.Duration) time.Duration {
	t.Helper()
	start := time.Now()
	deadline := time.After(within)
	for {
		select {
		case _, ok := <-inv.Lines():
			if !ok {
				return time.Since(start)
			}
		case <-deadline:
			t.Fatalf("output still open %v after kill", within)
		}
	}
}

func TestExecRunner_KillReachesChildProcesses(t *testing.T) {
	r := newTestExecRunner()
	// The trailing command stops sh from exec-ing sleep, so sleep is a
	// grandchild holding the output pipes.
	inv, err := r.Start(context.Background(), Command{Name: "sh", Args: []string{"-c", "sleep 30; true"}})
	require.NoError(t, err)

	require.NoError(t, inv.Kill())
	elapsed := waitClosed(t, inv, 5*time.Second)
	assert.Less(t, elapsed, time.Second, "killing the group ends the child's output at once")
	assert.Error(t, inv.Wait())
	assert.Zero(t, r.live.len())
}

func TestExecRunner_KillClosesPipesHeldByEscapedHelper(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	r := newTestExecRunner()
	// setsid moves the helper out of the tool's process group; it keeps
	// stdout open for longer than the grace period.
	inv, err := r.Start(context.Background(), Command{Name: "sh", Args: []string{"-c", "setsid sleep 8 & wait"}})
	require.NoError(t, err)

	require.NoError(t, inv.Kill())
	elapsed := waitClosed(t, inv, 6*time.Second)
	assert.GreaterOrEqual(t, elapsed, pipeGrace-500*time.Millisecond)
	assert.Error(t, inv.Wait())
}

func TestExecRunner_CloseKillsLiveInvocations(t *testing.T) {
	r := newTestExecRunner()
	inv, err := r.Start(context.Background(), Command{Name: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	require.NoError(t, r.Close())

	collect(t, inv)
	assert.Error(t, inv.Wait(), "Close kills the running tool")
}

func TestExecRunner_ContextCancelKills(t *testing.T) {
	r := newTestExecRunner()
	ctx, cancel := context.WithCancel(context.Background())
	inv, err := r.Start(ctx, Command{Name: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	cancel()
	collect(t, inv)
	assert.Error(t, inv.Wait())
}

func TestCommandString(t *testing.T) {
	cmd := Command{Name: "cloudcompare", Args: []string{"-O", "in.ply"}}
	assert.Equal(t, "cloudcompare -O in.ply", cmd.String())
	assert.Equal(t, "meshlabserver", Command{Name: "meshlabserver"}.String())
}
