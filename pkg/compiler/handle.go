package compiler

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanza-tools/stanza/pkg/engine"
	"github.com/stanza-tools/stanza/pkg/telemetry"
)

// EventKind distinguishes compile lifecycle events.
type EventKind int

const (
	// EventCompileStart is emitted when a build begins.
	EventCompileStart EventKind = iota

	// EventCompileDone is emitted when a build finishes, successfully or not.
	EventCompileDone
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventCompileStart:
		return "compile-start"
	case EventCompileDone:
		return "compile-done"
	default:
		return "unknown"
	}
}

// Event is a compile lifecycle notification.
type Event struct {
	Kind       EventKind
	Bundle     string
	Generation uint64

	// Stats is set on EventCompileDone.
	Stats *Stats
}

// Failed reports whether the event is the completion of a failed build.
func (e Event) Failed() bool {
	return e.Kind == EventCompileDone && e.Stats.HasErrors()
}

// Subscriber receives compile events. Subscribers are invoked synchronously
// in event order and must not block.
type Subscriber func(Event)

// State is a snapshot of a handle's compile state.
type State struct {
	Compiling     bool
	SawFirstBuild bool
	Generation    uint64
}

// Handle owns the compiler instance of one bundle for one orchestration
// cycle. It is shared with exactly one server component.
type Handle struct {
	opts    Options
	session Session
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu          sync.Mutex
	subscribers []subscriberEntry
	nextID      int
	state       State
	latest      *Stats
	started     time.Time
	watching    bool
	stopped     bool
}

type subscriberEntry struct {
	id int
	fn Subscriber
}

func newHandle(opts Options, session Session, logger zerolog.Logger, metrics *telemetry.Metrics) *Handle {
	return &Handle{
		opts:    opts,
		session: session,
		logger:  logger.With().Str("bundle", opts.Descriptor.Name).Logger(),
		metrics: metrics,
	}
}

// Descriptor returns the bundle descriptor.
func (h *Handle) Descriptor() engine.BundleDescriptor {
	return h.opts.Descriptor
}

// Name returns the bundle name.
func (h *Handle) Name() string {
	return h.opts.Descriptor.Name
}

// Options returns the resolved build options.
func (h *Handle) Options() Options {
	return h.opts
}

// EntryFile returns the absolute path of the compiled entry file.
func (h *Handle) EntryFile() string {
	return filepath.Join(h.opts.OutputDir(), EntryName+".js")
}

// Subscribe registers fn for compile events and returns a function that
// removes it.
func (h *Handle) Subscribe(fn Subscriber) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.subscribers = append(h.subscribers, subscriberEntry{id: id, fn: fn})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, entry := range h.subscribers {
			if entry.id == id {
				h.subscribers = append(h.subscribers[:i:i], h.subscribers[i+1:]...)
				return
			}
		}
	}
}

// State returns the current compile state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Latest returns the stats of the most recent completed build.
func (h *Handle) Latest() *Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Watch starts the watch loop. Compile events are delivered to subscribers
// until Stop is called.
func (h *Handle) Watch() error {
	h.mu.Lock()
	if h.watching || h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.watching = true
	h.mu.Unlock()

	err := h.session.Watch(Hooks{
		OnStart: h.compileStarted,
		OnDone:  h.compileDone,
	})
	if err != nil {
		return engine.NewBuildError("failed to start watch", err).
			WithBundle(h.Name()).WithOperation("watch")
	}
	return nil
}

// Run performs a single build and delivers its events to subscribers.
func (h *Handle) Run(ctx context.Context) (*Stats, error) {
	h.compileStarted()
	stats, err := h.session.RunOnce(ctx)
	if err != nil {
		stats = &Stats{Bundle: h.Name(), Errors: []string{err.Error()}}
	}
	h.compileDone(stats)
	if stats.HasErrors() {
		return stats, engine.NewBuildError("build failed", nil).
			WithBundle(h.Name()).WithOperation("run")
	}
	return stats, nil
}

// Stop ends the watch loop and returns after in-flight work has ceased.
// It is safe to call more than once.
func (h *Handle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	if err := h.session.Stop(); err != nil {
		return engine.NewDisposalError("failed to stop compiler", err).
			WithBundle(h.Name()).WithOperation("stop")
	}
	return nil
}

func (h *Handle) compileStarted() {
	h.mu.Lock()
	h.state.Compiling = true
	h.state.Generation++
	h.started = time.Now()
	event := Event{Kind: EventCompileStart, Bundle: h.Name(), Generation: h.state.Generation}
	subs := h.snapshot()
	h.mu.Unlock()

	h.metrics.RecordBuildStarted(h.Name())
	if event.Generation > 1 {
		h.logger.Info().Msg("Building new bundle...")
	}
	deliver(subs, event)
}

func (h *Handle) compileDone(stats *Stats) {
	if stats == nil {
		stats = &Stats{}
	}

	h.mu.Lock()
	stats.Bundle = h.Name()
	stats.Generation = h.state.Generation
	if stats.Duration == 0 && !h.started.IsZero() {
		stats.Duration = time.Since(h.started)
	}
	h.state.Compiling = false
	if !stats.HasErrors() {
		h.state.SawFirstBuild = true
	}
	h.latest = stats
	event := Event{Kind: EventCompileDone, Bundle: h.Name(), Generation: stats.Generation, Stats: stats}
	subs := h.snapshot()
	h.mu.Unlock()

	h.metrics.RecordBuildCompleted(h.Name(), stats.HasErrors(), stats.Duration)
	if stats.HasErrors() {
		h.metrics.RecordError(string(engine.ErrorClassBuild))
		h.logger.Error().
			Uint64("generation", stats.Generation).
			Str("report", stats.String()).
			Msg("Build failed, check the report for more information")
	} else {
		for _, w := range stats.Warnings {
			h.logger.Warn().Msg(w)
		}
	}
	deliver(subs, event)
}

func (h *Handle) snapshot() []Subscriber {
	subs := make([]Subscriber, 0, len(h.subscribers))
	for _, entry := range h.subscribers {
		subs = append(subs, entry.fn)
	}
	return subs
}

func deliver(subs []Subscriber, event Event) {
	for _, fn := range subs {
		fn(event)
	}
}
