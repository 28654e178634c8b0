package devserver

import (
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineWriter(t *testing.T) {
	var lines []string
	w := newLineWriter(func(line string) { lines = append(lines, line) })

	_, _ = w.Write([]byte("listening on "))
	_, _ = w.Write([]byte("3000\r\nready\n\n  \npartial"))
	assert.Equal(t, []string{"listening on 3000", "ready"}, lines)

	w.Close()
	assert.Equal(t, []string{"listening on 3000", "ready", "partial"}, lines)

	n, err := w.Write([]byte("after close\n"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Len(t, lines, 3)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecSpawner_LogsOutputAndTerminates(t *testing.T) {
	requireShell(t)
	logs := &logBuffer{}

	s := &ExecSpawner{GracePeriod: 2 * time.Second}
	proc, err := s.Spawn(context.Background(), SpawnRequest{
		Bundle:  "api",
		Command: "sh",
		Args:    []string{"-c", "echo started; echo careful >&2; sleep 30"},
		Dir:     t.TempDir(),
		Logger:  logs.Logger(),
	})
	require.NoError(t, err)
	assert.NotZero(t, proc.PID())

	require.Eventually(t, func() bool {
		return logs.CountAll(`"stream":"stdout"`, "started") == 1 &&
			logs.CountAll(`"level":"warn"`, `"stream":"stderr"`, "careful") == 1
	}, 2*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, proc.Terminate(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-proc.Done():
	default:
		t.Fatal("Terminate returned before the process exited")
	}
	require.NoError(t, proc.Terminate(context.Background()))
}

func TestExecSpawner_ReportsExit(t *testing.T) {
	requireShell(t)

	proc, err := NewExecSpawner().Spawn(context.Background(), SpawnRequest{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
		Logger:  (&logBuffer{}).Logger(),
	})
	require.NoError(t, err)

	select {
	case <-proc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit")
	}
	var exitErr *exec.ExitError
	require.ErrorAs(t, proc.Err(), &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
}

func TestExecSpawner_MissingCommand(t *testing.T) {
	_, err := NewExecSpawner().Spawn(context.Background(), SpawnRequest{
		Command: "stanza-command-that-does-not-exist",
		Logger:  (&logBuffer{}).Logger(),
	})
	assert.Error(t, err)
}
