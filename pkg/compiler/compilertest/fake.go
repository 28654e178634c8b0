// Package compilertest provides a scriptable compiler backend for tests.
package compilertest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/stanza-tools/stanza/pkg/compiler"
	"github.com/stanza-tools/stanza/pkg/engine"
)

// Backend is a fake compiler backend. Sessions it creates do nothing until
// the test drives them with Start and Done.
type Backend struct {
	mu       sync.Mutex
	sessions map[string]*Session
	vendor   []string

	// VendorErr, when set, fails every vendor build.
	VendorErr error

	// SessionErr, when set for a bundle name, fails its session creation.
	SessionErr map[string]error

	// OnVendor, when set, runs inside every vendor build.
	OnVendor func(root string, d engine.BundleDescriptor) error
}

// NewBackend creates an empty fake backend.
func NewBackend() *Backend {
	return &Backend{
		sessions:   make(map[string]*Session),
		SessionErr: make(map[string]error),
	}
}

// NewSession implements compiler.Backend.
func (b *Backend) NewSession(opts compiler.Options) (compiler.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := opts.Descriptor.Name
	if err := b.SessionErr[name]; err != nil {
		return nil, err
	}
	s := &Session{Opts: opts, watchStarted: make(chan struct{})}
	b.sessions[name] = s
	return s, nil
}

// BuildVendor implements compiler.Backend and writes the reference manifest.
func (b *Backend) BuildVendor(ctx context.Context, root string, d engine.BundleDescriptor) error {
	b.mu.Lock()
	b.vendor = append(b.vendor, d.Name)
	hook := b.OnVendor
	vendorErr := b.VendorErr
	b.mu.Unlock()

	if vendorErr != nil {
		return vendorErr
	}
	if hook != nil {
		if err := hook(root, d); err != nil {
			return err
		}
	}
	outDir := d.OutputPath
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(root, outDir)
	}
	return compiler.WriteVendorManifest(outDir, &compiler.VendorManifest{
		Name:    d.VendorCache.Name,
		Content: d.VendorCache.Include,
	})
}

// VendorBuilds returns the bundle names of every vendor build so far.
func (b *Backend) VendorBuilds() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.vendor...)
}

// Session returns the session created for a bundle, or nil.
func (b *Backend) Session(name string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[name]
}

// Session is a fake compiler session.
type Session struct {
	Opts compiler.Options

	// RunStats is returned by RunOnce.
	RunStats *compiler.Stats

	mu           sync.Mutex
	hooks        compiler.Hooks
	watching     bool
	stopped      bool
	watchStarted chan struct{}
	runs         int
}

// RunOnce implements compiler.Session.
func (s *Session) RunOnce(ctx context.Context) (*compiler.Stats, error) {
	s.mu.Lock()
	s.runs++
	stats := s.RunStats
	s.mu.Unlock()
	if stats == nil {
		stats = &compiler.Stats{}
	}
	return stats, ctx.Err()
}

// Watch implements compiler.Session.
func (s *Session) Watch(hooks compiler.Hooks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("session stopped")
	}
	s.hooks = hooks
	if !s.watching {
		s.watching = true
		close(s.watchStarted)
	}
	return nil
}

// Stop implements compiler.Session.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// WatchStarted is closed once Watch has been called.
func (s *Session) WatchStarted() <-chan struct{} {
	return s.watchStarted
}

// Watching reports whether Watch was called and Stop was not.
func (s *Session) Watching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watching && !s.stopped
}

// Stopped reports whether Stop was called.
func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Runs returns the number of RunOnce calls.
func (s *Session) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Start emits a compile-start event.
func (s *Session) Start() {
	s.mu.Lock()
	hooks := s.hooks
	stopped := s.stopped
	s.mu.Unlock()
	if hooks.OnStart != nil && !stopped {
		hooks.OnStart()
	}
}

// Done emits a compile-done event with stats.
func (s *Session) Done(stats *compiler.Stats) {
	s.mu.Lock()
	hooks := s.hooks
	stopped := s.stopped
	s.mu.Unlock()
	if stats == nil {
		stats = &compiler.Stats{}
	}
	if hooks.OnDone != nil && !stopped {
		hooks.OnDone(stats)
	}
}

// Succeed emits a compile-start followed by a successful compile-done.
func (s *Session) Succeed() {
	s.Start()
	s.Done(&compiler.Stats{})
}

// Succeeded returns stats of a successful build with in-memory outputs.
func Succeeded(outputs map[string][]byte) *compiler.Stats {
	return &compiler.Stats{Outputs: outputs}
}

// Failed returns stats of a failed build.
func Failed(messages ...string) *compiler.Stats {
	if len(messages) == 0 {
		messages = []string{"✘ [ERROR] Could not resolve \"./missing\""}
	}
	return &compiler.Stats{Errors: messages}
}
