package devserver

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stanza-tools/stanza/pkg/compiler"
	"github.com/stanza-tools/stanza/pkg/compiler/compilertest"
	"github.com/stanza-tools/stanza/pkg/config"
	"github.com/stanza-tools/stanza/pkg/engine"
	"github.com/stanza-tools/stanza/pkg/telemetry"
)

// logBuffer collects JSON log lines from concurrent writers.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Count returns the number of log lines containing s.
func (b *logBuffer) Count(s string) int {
	n := 0
	for _, line := range strings.Split(b.String(), "\n") {
		if strings.Contains(line, s) {
			n++
		}
	}
	return n
}

// CountAll returns the number of log lines containing all of ss.
func (b *logBuffer) CountAll(ss ...string) int {
	n := 0
	for _, line := range strings.Split(b.String(), "\n") {
		all := true
		for _, s := range ss {
			if !strings.Contains(line, s) {
				all = false
				break
			}
		}
		if all {
			n++
		}
	}
	return n
}

func (b *logBuffer) Logger() zerolog.Logger {
	return zerolog.New(b).Level(zerolog.DebugLevel)
}

// testTelemetry logs to logs and records nothing else.
func testTelemetry(logs *logBuffer) *telemetry.Telemetry {
	tel := telemetry.Nop()
	tel.Logger = telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "debug", Format: "json"}, logs)
	return tel
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testProject(t *testing.T) *config.ProjectConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Root = t.TempDir()
	cfg.Host = "127.0.0.1"
	cfg.ClientDevServerPort = freePort(t)
	cfg.PublicAssetsPath = cfg.Root + "/public"
	cfg.Bundles = map[string]engine.BundleDescriptor{
		"web": webBundle(),
		"api": apiBundle(),
	}
	return cfg
}

func webBundle() engine.BundleDescriptor {
	return engine.BundleDescriptor{
		Name:       "web",
		Target:     engine.TargetBrowser,
		EntryPath:  "src/web/index.js",
		OutputPath: "build/web",
		WebPath:    "/",
		HTMLPage:   &engine.HTMLPage{Title: "web"},
	}
}

func apiBundle() engine.BundleDescriptor {
	return engine.BundleDescriptor{
		Name:       "api",
		Target:     engine.TargetRuntime,
		EntryPath:  "src/api/index.js",
		OutputPath: "build/api",
		AutoStart:  true,
		Peer:       "web",
	}
}

type harness struct {
	t       *testing.T
	project *config.ProjectConfig
	backend *compilertest.Backend
	factory *compiler.Factory
	spawner *fakeSpawner
	logs    *logBuffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	project := testProject(t)
	backend := compilertest.NewBackend()
	return &harness{
		t:       t,
		project: project,
		backend: backend,
		factory: compiler.NewFactory(backend, project, zerolog.Nop()),
		spawner: &fakeSpawner{},
		logs:    &logBuffer{},
	}
}

func (h *harness) handle(d engine.BundleDescriptor, mode engine.Mode) *compiler.Handle {
	h.t.Helper()
	handle, err := h.factory.Create(context.Background(), d, mode)
	require.NoError(h.t, err)
	return handle
}

// session returns the fake session of a bundle once its watch loop started.
func (h *harness) session(name string) *compilertest.Session {
	h.t.Helper()
	s := h.backend.Session(name)
	require.NotNil(h.t, s, "no session for %s", name)
	<-s.WatchStarted()
	return s
}

// fakeProcess is a child process driven by the test.
type fakeProcess struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	err        error
	terminated atomic.Bool

	// onTerminate, when set, runs at the start of Terminate.
	onTerminate func()
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return p.err }

func (p *fakeProcess) Terminate(ctx context.Context) error {
	if p.onTerminate != nil {
		p.onTerminate()
	}
	p.terminated.Store(true)
	p.exit(nil)
	return nil
}

// exit simulates the process exiting on its own.
func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProcess) running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

type fakeSpawner struct {
	mu       sync.Mutex
	procs    []*fakeProcess
	requests []SpawnRequest
	nextPID  int

	// onSpawn, when set, runs inside every spawn.
	onSpawn func(req SpawnRequest)

	// onTerminate is installed on every spawned process.
	onTerminate func()
}

func (s *fakeSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onSpawn != nil {
		s.onSpawn(req)
	}
	s.nextPID++
	p := &fakeProcess{pid: 1000 + s.nextPID, done: make(chan struct{}), onTerminate: s.onTerminate}
	s.procs = append(s.procs, p)
	s.requests = append(s.requests, req)
	return p, nil
}

func (s *fakeSpawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) Process(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

func (s *fakeSpawner) Request(i int) SpawnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

// Running returns the number of spawned processes that have not exited.
func (s *fakeSpawner) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.procs {
		if p.running() {
			n++
		}
	}
	return n
}
