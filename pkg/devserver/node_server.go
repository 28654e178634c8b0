package devserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanza-tools/stanza/pkg/compiler"
	"github.com/stanza-tools/stanza/pkg/engine"
	"github.com/stanza-tools/stanza/pkg/telemetry"
)

// DefaultRestartDelay is how long a runtime bundle waits after a successful
// build before it restarts, so that a build of its peer triggered by the
// same change has a chance to start first.
const DefaultRestartDelay = 50 * time.Millisecond

// NodeServerOptions configures a HotNodeServer.
type NodeServerOptions struct {
	// Command runs the compiled entry file. Defaults to DefaultRuntimeCommand.
	Command string

	// Args are passed to Command before the entry file.
	Args []string

	// Env is the environment of the child process. Defaults to the
	// environment of the current process.
	Env []string

	// RestartDelay defaults to DefaultRestartDelay.
	RestartDelay time.Duration

	// Spawner defaults to an ExecSpawner.
	Spawner Spawner

	// Peer is the compiler of the browser bundle this runtime consumes.
	Peer *compiler.Handle

	CycleID string
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// HotNodeServer keeps a runtime bundle compiled, and when the bundle
// auto-starts, keeps exactly one child process running the latest
// successful build.
type HotNodeServer struct {
	handle *compiler.Handle
	opts   NodeServerOptions
	logger zerolog.Logger

	mu            sync.Mutex
	compiling     bool
	peerCompiling bool
	generation    uint64
	disposing     bool
	changed       chan struct{}

	procMu sync.Mutex
	child  *child

	unsubscribe []func()
	pending     sync.WaitGroup
	disposeOnce sync.Once
	disposeErr  error
	exited      chan struct{}
}

type child struct {
	proc     Process
	stopping bool
}

// NewHotNodeServer starts watching the bundle of handle. The returned
// server owns the handle.
func NewHotNodeServer(handle *compiler.Handle, opts NodeServerOptions, logger zerolog.Logger) (*HotNodeServer, error) {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.Spawner == nil {
		opts.Spawner = NewExecSpawner()
	}
	if opts.Command == "" {
		opts.Command = DefaultRuntimeCommand
	}

	s := &HotNodeServer{
		handle:  handle,
		opts:    opts,
		logger:  logger.With().Str("component", "node-server").Str("bundle", handle.Name()).Logger(),
		changed: make(chan struct{}),
		exited:  make(chan struct{}, 1),
	}

	if handle.Descriptor().AutoStart {
		s.mu.Lock()
		s.unsubscribe = append(s.unsubscribe, handle.Subscribe(s.onCompile))
		if peer := opts.Peer; peer != nil {
			s.unsubscribe = append(s.unsubscribe, peer.Subscribe(s.onPeerCompile))
			state := peer.State()
			s.peerCompiling = state.Compiling || !state.SawFirstBuild
		}
		s.mu.Unlock()
	}

	if err := handle.Watch(); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

// Name returns the bundle name.
func (s *HotNodeServer) Name() string {
	return s.handle.Name()
}

// Handle returns the compiler handle of the bundle.
func (s *HotNodeServer) Handle() *compiler.Handle {
	return s.handle
}

// PID returns the process id of the running child, or zero.
func (s *HotNodeServer) PID() int {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	if s.child == nil {
		return 0
	}
	return s.child.proc.PID()
}

// Exited receives a value when a child process exits unexpectedly.
func (s *HotNodeServer) Exited() <-chan struct{} {
	return s.exited
}

// broadcastLocked wakes every pending restart so it re-evaluates the state.
func (s *HotNodeServer) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *HotNodeServer) onCompile(e compiler.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Kind {
	case compiler.EventCompileStart:
		s.compiling = true
		s.generation = e.Generation
		s.broadcastLocked()
	case compiler.EventCompileDone:
		s.compiling = false
		s.broadcastLocked()
		if s.disposing || e.Failed() || e.Generation != s.generation {
			return
		}
		s.pending.Add(1)
		go s.restartAfterDelay(e.Generation)
	}
}

func (s *HotNodeServer) onPeerCompile(e compiler.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Kind {
	case compiler.EventCompileStart:
		s.peerCompiling = true
	case compiler.EventCompileDone:
		// A failed peer build leaves the peer output stale, so the runtime
		// keeps waiting for the next successful one.
		if !e.Failed() {
			s.peerCompiling = false
		}
	}
	s.broadcastLocked()
}

// restartAfterDelay starts the build of generation once the restart delay
// has passed and the peer is idle, unless a newer build supersedes it.
func (s *HotNodeServer) restartAfterDelay(generation uint64) {
	defer s.pending.Done()

	s.mu.Lock()
	if s.disposing {
		s.mu.Unlock()
		return
	}
	changed := s.changed
	s.mu.Unlock()

	timer := time.NewTimer(s.opts.RestartDelay)
	defer timer.Stop()
	for waiting := true; waiting; {
		select {
		case <-timer.C:
			waiting = false
		case <-changed:
			s.mu.Lock()
			stale := s.disposing || s.generation != generation
			changed = s.changed
			s.mu.Unlock()
			if stale {
				return
			}
		}
	}

	for {
		if !s.awaitPeer(generation) {
			return
		}
		if !s.restart(generation) {
			return
		}
		// The peer started compiling while the previous process stopped.
	}
}

// awaitPeer blocks until the peer is idle. It returns false once the build of
// generation is superseded.
func (s *HotNodeServer) awaitPeer(generation uint64) bool {
	for {
		s.mu.Lock()
		if s.stale(generation) {
			s.mu.Unlock()
			s.logger.Debug().Uint64("generation", generation).Msg("Restart superseded")
			return false
		}
		if !s.peerCompiling {
			s.mu.Unlock()
			return true
		}
		changed := s.changed
		s.mu.Unlock()

		s.logger.Debug().Str("peer", s.opts.Peer.Name()).Msg("Waiting for peer build")
		<-changed
	}
}

// stale reports whether the build of generation may no longer start. mu must
// be held.
func (s *HotNodeServer) stale(generation uint64) bool {
	return s.disposing || s.compiling || s.generation != generation
}

// restart replaces the running child with one running the build of
// generation. It reports true when the peer started compiling first, in which
// case the caller waits for the peer again.
func (s *HotNodeServer) restart(generation uint64) (deferred bool) {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	s.mu.Lock()
	if s.stale(generation) {
		s.mu.Unlock()
		return false
	}
	if s.peerCompiling {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	if s.child != nil {
		s.logger.Info().Msg("Restarting server...")
		if err := s.terminateLocked(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("Previous server process did not stop cleanly")
		}
	}

	// State is held across the spawn so that no build can start between
	// the final check and the new process.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale(generation) {
		return false
	}
	if s.peerCompiling {
		return true
	}

	req := SpawnRequest{
		Bundle:  s.Name(),
		Command: s.opts.Command,
		Args:    append(append([]string(nil), s.opts.Args...), s.handle.EntryFile()),
		Dir:     s.handle.Options().Root,
		Env:     s.opts.Env,
		Logger:  s.logger,
	}
	proc, err := s.opts.Spawner.Spawn(context.Background(), req)
	if err != nil {
		perr := engine.NewProcessError("failed to start runtime bundle", err).
			WithBundle(s.Name()).WithOperation("spawn")
		s.opts.Metrics.RecordError(string(engine.ErrorClassProcess))
		s.logger.Error().Err(perr).Msg("Server process failed to start")
		return false
	}

	c := &child{proc: proc}
	s.child = c
	s.opts.Metrics.RecordProcessStart(s.Name())
	_ = s.opts.Events.PublishProcessStarted(s.opts.CycleID, s.Name(), proc.PID())
	s.logger.Info().Int("pid", proc.PID()).Uint64("generation", generation).Msg("Running with latest changes")

	go s.monitor(c)
	return false
}

// monitor reports the exit of a child that was not stopped by the server.
func (s *HotNodeServer) monitor(c *child) {
	<-c.proc.Done()

	s.procMu.Lock()
	expected := c.stopping
	if s.child == c {
		s.child = nil
	}
	s.procMu.Unlock()

	if expected {
		return
	}

	err := engine.NewProcessError("server process exited unexpectedly", c.proc.Err()).
		WithBundle(s.Name()).WithOperation("run")
	s.opts.Metrics.RecordProcessExit(s.Name(), false)
	s.opts.Metrics.RecordError(string(engine.ErrorClassProcess))
	_ = s.opts.Events.PublishProcessExited(s.opts.CycleID, s.Name(), c.proc.PID(), false, err)
	s.logger.Warn().Err(err).Int("pid", c.proc.PID()).Msg("Server process exited, waiting for the next change")

	select {
	case s.exited <- struct{}{}:
	default:
	}
}

// terminateLocked stops the current child. procMu must be held.
func (s *HotNodeServer) terminateLocked(ctx context.Context) error {
	c := s.child
	if c == nil {
		return nil
	}
	c.stopping = true
	s.child = nil

	err := c.proc.Terminate(ctx)
	s.opts.Metrics.RecordProcessExit(s.Name(), true)
	_ = s.opts.Events.PublishProcessExited(s.opts.CycleID, s.Name(), c.proc.PID(), true, nil)
	if err != nil {
		return engine.NewDisposalError("failed to terminate server process", err).
			WithBundle(s.Name()).WithOperation("terminate")
	}
	return nil
}

func (s *HotNodeServer) release() {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.unsubscribe = nil
}

// Dispose stops the watcher, then the child process, and returns once both
// have ceased. No process is started after Dispose begins. It is safe to
// call more than once.
func (s *HotNodeServer) Dispose(ctx context.Context) error {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		s.disposing = true
		s.broadcastLocked()
		s.mu.Unlock()

		s.pending.Wait()

		var errs []error
		if err := s.handle.Stop(); err != nil {
			errs = append(errs, err)
		}
		s.release()

		s.procMu.Lock()
		if err := s.terminateLocked(ctx); err != nil {
			errs = append(errs, err)
		}
		s.procMu.Unlock()

		s.disposeErr = errors.Join(errs...)
		if s.disposeErr != nil {
			s.logger.Error().Err(s.disposeErr).Msg("Failed to dispose server")
			return
		}
		s.logger.Debug().Msg("Server disposed")
	})
	return s.disposeErr
}
