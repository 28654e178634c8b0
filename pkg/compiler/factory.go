package compiler

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/stanza-tools/stanza/pkg/config"
	"github.com/stanza-tools/stanza/pkg/engine"
	"github.com/stanza-tools/stanza/pkg/telemetry"
)

// DefineSource computes the compile-time define map of a bundle.
type DefineSource interface {
	Defines(ctx context.Context, d engine.BundleDescriptor, mode engine.Mode) (map[string]string, error)
}

// Factory creates compiler handles for the bundles of a project.
type Factory struct {
	backend  Backend
	project  *config.ProjectConfig
	defines  DefineSource
	validate *validator.Validate
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithDefines sets the define source. Without one every bundle is compiled
// with config.DefaultDefines.
func WithDefines(src DefineSource) FactoryOption {
	return func(f *Factory) {
		f.defines = src
	}
}

// WithFactoryMetrics records build metrics of created handles on m.
func WithFactoryMetrics(m *telemetry.Metrics) FactoryOption {
	return func(f *Factory) {
		f.metrics = m
	}
}

// NewFactory creates a handle factory for project using backend.
func NewFactory(backend Backend, project *config.ProjectConfig, logger zerolog.Logger, opts ...FactoryOption) *Factory {
	f := &Factory{
		backend:  backend,
		project:  project,
		validate: validator.New(),
		logger:   logger.With().Str("component", "compiler").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Backend returns the underlying compiler backend.
func (f *Factory) Backend() Backend {
	return f.backend
}

// Create configures a compiler handle for d in mode. Structural problems of
// the descriptor and a missing vendor reference manifest are reported as
// configuration errors.
func (f *Factory) Create(ctx context.Context, d engine.BundleDescriptor, mode engine.Mode) (*Handle, error) {
	d = f.absolute(d)
	if err := config.ValidateDescriptor(f.validate, d); err != nil {
		return nil, err
	}

	opts, err := f.Options(ctx, d, mode)
	if err != nil {
		return nil, err
	}

	session, err := f.backend.NewSession(opts)
	if err != nil {
		var devErr *engine.DevError
		if errors.As(err, &devErr) {
			return nil, err
		}
		return nil, engine.NewConfigurationError("invalid compiler configuration", err).
			WithBundle(d.Name).WithOperation("create")
	}

	f.logger.Debug().
		Str("bundle", d.Name).
		Str("target", string(d.Target)).
		Str("mode", string(mode)).
		Bool("in_memory", opts.InMemory).
		Msg("Compiler created")

	return newHandle(opts, session, f.logger, f.metrics), nil
}

// Options resolves the build options of d in mode.
func (f *Factory) Options(ctx context.Context, d engine.BundleDescriptor, mode engine.Mode) (Options, error) {
	d = f.absolute(d)

	var defines map[string]string
	if f.defines != nil {
		var err error
		defines, err = f.defines.Defines(ctx, d, mode)
		if err != nil {
			return Options{}, err
		}
	} else {
		defines = config.DefaultDefines(d, mode)
	}

	opts := Options{
		Root:           f.project.Root,
		Descriptor:     d,
		Mode:           mode,
		PublicPath:     d.PublicPath(mode, f.project.Host, f.project.ClientDevServerPort),
		Define:         defines,
		AssetsFileName: f.project.BundleAssetsFileName,
		ClientConfig:   f.project.ClientConfig,
		Minify:         mode == engine.ModeProduction && f.project.OptimizeProductionBuilds,
	}

	if d.Target.IsBrowser() && mode == engine.ModeDevelopment && d.Serves() {
		opts.InMemory = true
		opts.LiveReloadPath = opts.PublicPath + LiveReloadEndpoint
	}

	if d.Target.IsBrowser() && d.UsesVendorCache() && mode == engine.ModeDevelopment {
		manifestPath := filepath.Join(d.OutputPath, d.VendorCache.ManifestName())
		manifest, err := ReadVendorManifest(manifestPath)
		if err != nil {
			return Options{}, engine.NewConfigurationError("vendor reference manifest unavailable", err).
				WithBundle(d.Name).WithOperation("create")
		}
		opts.Vendor = manifest
	}

	return opts, nil
}

func (f *Factory) absolute(d engine.BundleDescriptor) engine.BundleDescriptor {
	root := f.project.Root
	if root == "" {
		return d
	}
	if d.EntryPath != "" && !filepath.IsAbs(d.EntryPath) {
		d.EntryPath = filepath.Join(root, d.EntryPath)
	}
	if d.OutputPath != "" && !filepath.IsAbs(d.OutputPath) {
		d.OutputPath = filepath.Join(root, d.OutputPath)
	}
	return d
}
