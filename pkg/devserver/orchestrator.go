package devserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stanza-tools/stanza/pkg/compiler"
	"github.com/stanza-tools/stanza/pkg/config"
	"github.com/stanza-tools/stanza/pkg/engine"
	"github.com/stanza-tools/stanza/pkg/telemetry"
	"github.com/stanza-tools/stanza/pkg/vendorcache"
)

// Options configures an Orchestrator.
type Options struct {
	// Mode defaults to engine.ModeDevelopment.
	Mode engine.Mode

	// Defines computes compile-time substitutions. Defaults to
	// config.DefaultDefines.
	Defines compiler.DefineSource

	// RestartDelay, Spawner, NodeCommand and NodeArgs configure runtime
	// bundles. See NodeServerOptions.
	RestartDelay time.Duration
	Spawner      Spawner
	NodeCommand  string
	NodeArgs     []string

	// Telemetry defaults to telemetry.Nop().
	Telemetry *telemetry.Telemetry
}

// Orchestrator runs one development cycle: it refreshes vendor caches,
// creates a compiler per bundle and hands each to a server. A bundle that
// fails to set up is excluded without affecting the others.
type Orchestrator struct {
	project *config.ProjectConfig
	factory *compiler.Factory
	cache   *vendorcache.Cache
	opts    Options
	tel     *telemetry.Telemetry
	base    zerolog.Logger
	logger  zerolog.Logger
	cycleID string

	lifecycle sync.Mutex
	started   bool
	disposed  bool

	mu      sync.Mutex
	clients []*HotClientServer
	nodes   []*HotNodeServer
	failed  map[string]error

	setupErr error
}

// DefaultEnvHookTimeout bounds one env_config script call.
const DefaultEnvHookTimeout = 5 * time.Second

// NewOrchestrator creates the orchestrator of one cycle over project.
func NewOrchestrator(project *config.ProjectConfig, backend compiler.Backend, opts Options) *Orchestrator {
	if opts.Mode == "" {
		opts.Mode = engine.ModeDevelopment
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}

	cycleID := uuid.New().String()
	base := tel.Logger.Zerolog().With().Str("cycle_id", cycleID).Logger()

	var setupErr error
	if opts.Defines == nil && project.Plugins.EnvConfig != "" {
		hook, err := config.NewEnvHook(project.Plugins.EnvConfig, DefaultEnvHookTimeout)
		if err != nil {
			setupErr = err
		} else {
			opts.Defines = hook
		}
	}

	factoryOpts := []compiler.FactoryOption{compiler.WithFactoryMetrics(tel.Metrics)}
	if opts.Defines != nil {
		factoryOpts = append(factoryOpts, compiler.WithDefines(opts.Defines))
	}

	return &Orchestrator{
		project: project,
		factory: compiler.NewFactory(backend, project, base, factoryOpts...),
		cache: vendorcache.New(project.Root, backend, base,
			vendorcache.WithMetrics(tel.Metrics),
			vendorcache.WithTracer(tel.Tracer),
		),
		opts:    opts,
		tel:     tel,
		base:    base,
		logger:  base.With().Str("component", "orchestrator").Logger(),
		cycleID: cycleID,
		failed:  make(map[string]error),

		setupErr: setupErr,
	}
}

// CycleID returns the identifier of the cycle.
func (o *Orchestrator) CycleID() string {
	return o.cycleID
}

// Steps returns the number of setup phases of the cycle.
func (o *Orchestrator) Steps() int {
	if len(o.project.VendorDescriptors()) > 0 {
		return 4
	}
	return 3
}

// Start runs the setup phases. Bundles that fail are logged and reported by
// Failed; Start only fails when the context is cancelled or no bundle could
// be started at all. Start may be called once.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.started || o.disposed {
		return errors.New("orchestrator already started")
	}
	o.started = true

	ctx, span := o.tel.Tracer.StartCycleSpan(ctx, o.cycleID)
	var startErr error
	defer func() { telemetry.EndSpan(span, startErr) }()

	o.tel.Metrics.RecordCycleStarted()
	_ = o.tel.Events.PublishCycleStarted(o.cycleID, o.project.BundleNames())

	if o.setupErr != nil {
		startErr = o.setupErr
		o.logger.Error().Err(startErr).Str("script", o.project.Plugins.EnvConfig).Msg("Failed to load env config script")
		return startErr
	}

	total := o.Steps()
	step := 0

	if vendors := o.project.VendorDescriptors(); len(vendors) > 0 {
		step++
		o.phase(ctx, step, total, "Creating vendor bundles", func(ctx context.Context) {
			o.refreshVendors(ctx, vendors)
		})
	}
	if startErr = ctx.Err(); startErr != nil {
		return startErr
	}

	var browsers, runtimes []engine.BundleDescriptor
	for _, d := range o.project.Descriptors() {
		if d.Target.IsBrowser() {
			browsers = append(browsers, d)
		} else {
			runtimes = append(runtimes, d)
		}
	}

	var browserHandles, runtimeHandles []*compiler.Handle
	step++
	o.phase(ctx, step, total, "Calculating browser compilers", func(ctx context.Context) {
		browserHandles = o.createHandles(ctx, browsers)
	})
	step++
	o.phase(ctx, step, total, "Calculating runtime compilers", func(ctx context.Context) {
		runtimeHandles = o.createHandles(ctx, runtimes)
	})
	if startErr = ctx.Err(); startErr != nil {
		stopHandles(append(browserHandles, runtimeHandles...))
		return startErr
	}

	step++
	o.phase(ctx, step, total, "Building bundles", func(ctx context.Context) {
		o.dispatch(browserHandles, runtimeHandles)
	})

	o.mu.Lock()
	active := len(o.clients) + len(o.nodes)
	o.mu.Unlock()
	o.tel.Metrics.SetActiveBundles(float64(active))

	if active == 0 && len(o.project.Bundles) > 0 {
		startErr = engine.NewConfigurationError("no bundle could be started", errors.Join(o.failures()...))
		return startErr
	}
	return nil
}

func (o *Orchestrator) phase(ctx context.Context, step, total int, name string, fn func(context.Context)) {
	ctx, span := o.tel.Tracer.StartPhaseSpan(ctx, name, step, total)
	o.logger.Info().Msgf("[%d/%d] %s...", step, total, name)
	fn(ctx)
	telemetry.EndSpan(span, nil)
}

// refreshVendors rebuilds stale vendor bundles in parallel. Failures are
// logged; the browser bundles that depend on them fail in turn when their
// reference manifest is missing.
func (o *Orchestrator) refreshVendors(ctx context.Context, vendors []engine.BundleDescriptor) {
	var g errgroup.Group
	for _, d := range vendors {
		d := d
		g.Go(func() error {
			rebuilt, err := o.cache.EnsureFresh(ctx, d)
			_ = o.tel.Events.PublishVendorResult(o.cycleID, d.Name, d.VendorCache.Name, rebuilt, err)
			log := o.logger.With().Str("bundle", d.Name).Str("cache", d.VendorCache.Name).Logger()
			switch {
			case err != nil:
				log.Error().Err(err).Msg("Failed to build vendor bundle")
			case rebuilt:
				log.Info().Msg("Vendor bundle rebuilt")
			default:
				log.Info().Msg("Vendor bundle is up to date")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// createHandles creates the compilers of descriptors in parallel and returns
// the ones that succeeded, ordered by bundle name.
func (o *Orchestrator) createHandles(ctx context.Context, descriptors []engine.BundleDescriptor) []*compiler.Handle {
	var (
		mu      sync.Mutex
		handles []*compiler.Handle
		g       errgroup.Group
	)
	for _, d := range descriptors {
		d := d
		g.Go(func() error {
			h, err := o.factory.Create(ctx, d, o.opts.Mode)
			if err != nil {
				o.fail(d.Name, err)
				return nil
			}
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(handles, func(i, j int) bool { return handles[i].Name() < handles[j].Name() })
	return handles
}

// dispatch hands every handle to exactly one server. Browser bundles go
// first so runtime bundles can observe their peers.
func (o *Orchestrator) dispatch(browsers, runtimes []*compiler.Handle) {
	peers := make(map[string]*compiler.Handle)

	for _, h := range browsers {
		srv, err := NewHotClientServer(h, ClientServerOptions{
			PublicAssetsPath: o.project.PublicAssetsPath,
			CycleID:          o.cycleID,
			Metrics:          o.tel.Metrics,
			Events:           o.tel.Events,
		}, o.base)
		if err != nil {
			_ = h.Stop()
			o.fail(h.Name(), err)
			continue
		}
		peers[h.Name()] = h
		o.mu.Lock()
		o.clients = append(o.clients, srv)
		o.mu.Unlock()
	}

	for _, h := range runtimes {
		d := h.Descriptor()
		var peer *compiler.Handle
		if d.Peer != "" {
			peer = peers[d.Peer]
			if peer == nil {
				o.logger.Warn().Str("bundle", d.Name).Str("peer", d.Peer).
					Msg("Peer bundle is not running, restarts will not wait for it")
			}
		}
		srv, err := NewHotNodeServer(h, NodeServerOptions{
			Command:      o.opts.NodeCommand,
			Args:         o.opts.NodeArgs,
			RestartDelay: o.opts.RestartDelay,
			Spawner:      o.opts.Spawner,
			Peer:         peer,
			CycleID:      o.cycleID,
			Metrics:      o.tel.Metrics,
			Events:       o.tel.Events,
		}, o.base)
		if err != nil {
			_ = h.Stop()
			o.fail(h.Name(), err)
			continue
		}
		o.mu.Lock()
		o.nodes = append(o.nodes, srv)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) fail(bundle string, err error) {
	o.mu.Lock()
	o.failed[bundle] = err
	o.mu.Unlock()

	var devErr *engine.DevError
	class := string(engine.ErrorClassConfiguration)
	if errors.As(err, &devErr) {
		class = string(devErr.Class)
	}
	o.tel.Metrics.RecordError(class)
	_ = o.tel.Events.PublishBundleFailed(o.cycleID, bundle, err)
	o.logger.Error().Err(err).Str("bundle", bundle).Msg("Bundle excluded from the cycle")
}

func (o *Orchestrator) failures() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.failed))
	for name := range o.failed {
		names = append(names, name)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, o.failed[name])
	}
	return errs
}

// Failed returns the setup error of every excluded bundle.
func (o *Orchestrator) Failed() map[string]error {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]error, len(o.failed))
	for name, err := range o.failed {
		out[name] = err
	}
	return out
}

// Clients returns the browser bundle servers of the cycle.
func (o *Orchestrator) Clients() []*HotClientServer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*HotClientServer(nil), o.clients...)
}

// Nodes returns the runtime bundle servers of the cycle.
func (o *Orchestrator) Nodes() []*HotNodeServer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*HotNodeServer(nil), o.nodes...)
}

// Ready reports an error until every running bundle has built successfully
// at least once.
func (o *Orchestrator) Ready() error {
	var pending []string
	for _, c := range o.Clients() {
		if !c.Handle().State().SawFirstBuild {
			pending = append(pending, c.Name())
		}
	}
	for _, n := range o.Nodes() {
		if !n.Handle().State().SawFirstBuild {
			pending = append(pending, n.Name())
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("waiting for first build of %v", pending)
	}
	return nil
}

// Dispose stops every client server, then every node server, and returns
// once all of them have released their resources. It is safe to call more
// than once.
func (o *Orchestrator) Dispose(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()
	if o.disposed {
		return nil
	}
	o.disposed = true

	var errs []error
	for _, c := range o.Clients() {
		if err := c.Dispose(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, n := range o.Nodes() {
		n := n
		g.Go(func() error {
			if err := n.Dispose(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	o.tel.Metrics.SetActiveBundles(0)
	_ = o.tel.Events.PublishCycleDisposed(o.cycleID, err)
	if err != nil {
		o.tel.Metrics.RecordError(string(engine.ErrorClassDisposal))
		o.logger.Error().Err(err).Msg("Cycle disposed with errors")
		return err
	}
	o.logger.Debug().Msg("Cycle disposed")
	return nil
}

func stopHandles(handles []*compiler.Handle) {
	for _, h := range handles {
		_ = h.Stop()
	}
}
