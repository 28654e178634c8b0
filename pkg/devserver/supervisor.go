package devserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanza-tools/stanza/pkg/compiler"
	"github.com/stanza-tools/stanza/pkg/config"
	"github.com/stanza-tools/stanza/pkg/telemetry"
)

// DefaultDisposeTimeout bounds the disposal of a cycle.
const DefaultDisposeTimeout = 30 * time.Second

// Supervisor runs orchestration cycles until its context is cancelled. A
// change to any configuration source disposes the running cycle completely
// and starts a fresh one from the reloaded configuration.
type Supervisor struct {
	Root       string
	ConfigPath string
	Loader     *config.Loader
	Backend    compiler.Backend
	Options    Options

	// Debounce overrides the configuration watcher debounce window.
	Debounce time.Duration

	// OnConfig, when set, runs before every cycle with its configuration.
	// An error prevents the cycle from starting.
	OnConfig func(ctx context.Context, cfg *config.ProjectConfig) error

	mu      sync.Mutex
	current *Orchestrator
}

func (s *Supervisor) telemetry() *telemetry.Telemetry {
	if s.Options.Telemetry == nil {
		s.Options.Telemetry = telemetry.Nop()
	}
	return s.Options.Telemetry
}

func (s *Supervisor) logger() zerolog.Logger {
	return s.telemetry().Logger.Zerolog().With().Str("component", "supervisor").Logger()
}

// Current returns the running cycle, or nil.
func (s *Supervisor) Current() *Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Ready reports whether the running cycle has built every bundle.
func (s *Supervisor) Ready() error {
	current := s.Current()
	if current == nil {
		return errors.New("no cycle running")
	}
	return current.Ready()
}

// Run loads the configuration and runs cycles until ctx is cancelled. An
// invalid initial configuration is returned as an error; an invalid
// configuration edit is logged and the running cycle is kept.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := s.logger()

	cfg, err := s.load(ctx)
	if err != nil {
		return err
	}
	s.start(ctx, cfg)

	changes := make(chan struct{}, 1)
	watcher, err := s.watch(ctx, cfg, changes)
	if err != nil {
		logger.Warn().Err(err).Msg("Configuration changes will not be picked up")
	}

	for {
		select {
		case <-ctx.Done():
			closeWatcher(watcher)
			return s.disposeCurrent()

		case <-changes:
			s.Loader.Invalidate()
			next, err := s.load(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Configuration is invalid, keeping the running cycle")
				continue
			}

			logger.Info().Msg("Configuration changed, restarting...")
			if current := s.Current(); current != nil {
				_ = s.telemetry().Events.PublishConfigChanged(current.CycleID())
			}
			closeWatcher(watcher)
			if err := s.disposeCurrent(); err != nil {
				logger.Warn().Err(err).Msg("Previous cycle did not dispose cleanly")
			}

			s.start(ctx, next)
			// Changes reported by the previous watcher are stale.
			changes = make(chan struct{}, 1)
			watcher, err = s.watch(ctx, next, changes)
			if err != nil {
				logger.Warn().Err(err).Msg("Configuration changes will not be picked up")
			}
		}
	}
}

func (s *Supervisor) load(ctx context.Context) (*config.ProjectConfig, error) {
	cfg, err := s.Loader.Load(ctx, s.Root, s.ConfigPath)
	if err != nil {
		return nil, err
	}
	if s.OnConfig != nil {
		if err := s.OnConfig(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (s *Supervisor) start(ctx context.Context, cfg *config.ProjectConfig) {
	orch := NewOrchestrator(cfg, s.Backend, s.Options)
	s.mu.Lock()
	s.current = orch
	s.mu.Unlock()

	if err := orch.Start(ctx); err != nil && ctx.Err() == nil {
		logger := s.logger()
		logger.Error().Err(err).Str("cycle_id", orch.CycleID()).
			Msg("Cycle started without running bundles, waiting for a configuration change")
	}
}

func (s *Supervisor) disposeCurrent() error {
	s.mu.Lock()
	current := s.current
	s.current = nil
	s.mu.Unlock()
	if current == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultDisposeTimeout)
	defer cancel()
	return current.Dispose(ctx)
}

func (s *Supervisor) watch(ctx context.Context, cfg *config.ProjectConfig, changes chan<- struct{}) (*config.Watcher, error) {
	w := config.NewWatcher(cfg, s.telemetry().Logger.Zerolog())
	if s.Debounce > 0 {
		w.SetDebounce(s.Debounce)
	}
	err := w.Watch(ctx, func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func closeWatcher(w *config.Watcher) {
	if w != nil {
		_ = w.Close()
	}
}
