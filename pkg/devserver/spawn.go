package devserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/valyala/bytebufferpool"
)

const (
	// DefaultRuntimeCommand runs compiled runtime bundles.
	DefaultRuntimeCommand = "node"

	// DefaultGracePeriod is how long a child process may take to exit after
	// the termination signal before it is killed.
	DefaultGracePeriod = 5 * time.Second
)

// SpawnRequest describes a child process to start.
type SpawnRequest struct {
	Bundle  string
	Command string
	Args    []string
	Dir     string
	Env     []string
	Logger  zerolog.Logger
}

// Process is a running child process.
type Process interface {
	// PID returns the operating system process id.
	PID() int

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Err returns the exit error once Done is closed.
	Err() error

	// Terminate stops the process and its descendants and returns after
	// the process has exited.
	Terminate(ctx context.Context) error
}

// Spawner starts child processes.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// ExecSpawner starts child processes with os/exec. Output lines are logged,
// stdout at info level and stderr at warn level.
type ExecSpawner struct {
	GracePeriod time.Duration
}

// NewExecSpawner creates a spawner with the default grace period.
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{GracePeriod: DefaultGracePeriod}
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	command := req.Command
	if command == "" {
		command = DefaultRuntimeCommand
	}
	grace := s.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	cmd := exec.Command(command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.WaitDelay = grace

	logger := req.Logger
	stdout := newLineWriter(func(line string) {
		logger.Info().Str("stream", "stdout").Msg(line)
	})
	stderr := newLineWriter(func(line string) {
		logger.Warn().Str("stream", "stderr").Msg(line)
	})
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	p := &execProcess{
		cmd:   cmd,
		grace: grace,
		done:  make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	grace time.Duration
	done  chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Terminate(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	// Descendants are collected before the parent is signalled; once it
	// exits they are reparented and can no longer be found.
	tree := descendants(ctx, int32(p.PID()))

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return p.kill(ctx, tree)
	}
	for _, child := range tree {
		_ = child.TerminateWithContext(ctx)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return p.kill(ctx, tree)
	case <-ctx.Done():
		_ = p.kill(context.Background(), tree)
		return ctx.Err()
	}
}

func (p *execProcess) kill(ctx context.Context, tree []*process.Process) error {
	for _, child := range tree {
		_ = child.KillWithContext(ctx)
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// descendants returns every live descendant of pid, deepest last.
func descendants(ctx context.Context, pid int32) []*process.Process {
	root, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil
	}
	var out []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		children, err := current.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

// lineWriter splits written bytes into lines and emits each complete line.
type lineWriter struct {
	mu   sync.Mutex
	buf  *bytebufferpool.ByteBuffer
	emit func(string)
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{buf: bytebufferpool.Get(), emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(p)
	if w.buf == nil {
		return n, nil
	}
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			_, _ = w.buf.Write(p)
			break
		}
		_, _ = w.buf.Write(p[:i])
		w.flushLocked()
		p = p[i+1:]
	}
	return n, nil
}

func (w *lineWriter) flushLocked() {
	line := strings.TrimRight(w.buf.String(), "\r")
	w.buf.Reset()
	if strings.TrimSpace(line) != "" {
		w.emit(line)
	}
}

// Close emits any trailing partial line and returns the buffer to the pool.
func (w *lineWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf == nil {
		return
	}
	w.flushLocked()
	bytebufferpool.Put(w.buf)
	w.buf = nil
}
