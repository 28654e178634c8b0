package compiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog"

	"github.com/stanza-tools/stanza/pkg/engine"
)

// ESBuildBackend compiles bundles with esbuild.
type ESBuildBackend struct {
	logger zerolog.Logger
}

// NewESBuildBackend creates the esbuild compiler backend.
func NewESBuildBackend(logger zerolog.Logger) *ESBuildBackend {
	return &ESBuildBackend{
		logger: logger.With().Str("component", "esbuild").Logger(),
	}
}

// NewSession configures an esbuild context for one bundle.
func (b *ESBuildBackend) NewSession(opts Options) (Session, error) {
	s := &esbuildSession{
		opts:   opts,
		logger: b.logger.With().Str("bundle", opts.Descriptor.Name).Logger(),
	}

	buildOpts := BuildOptions(opts)
	buildOpts.Plugins = append(buildOpts.Plugins, api.Plugin{
		Name:  "stanza-lifecycle",
		Setup: s.setup,
	})

	ctx, ctxErr := api.Context(buildOpts)
	if ctxErr != nil {
		return nil, fmt.Errorf("%s", strings.Join(formatMessages(ctxErr.Errors, api.ErrorMessage), "\n"))
	}
	s.ctx = ctx
	return s, nil
}

// BuildOptions translates resolved bundle options into esbuild options.
func BuildOptions(opts Options) api.BuildOptions {
	d := opts.Descriptor
	outDir := opts.OutputDir()

	buildOpts := api.BuildOptions{
		AbsWorkingDir: opts.Root,
		EntryPoints:   []string{d.EntryPath},
		Outfile:       filepath.Join(outDir, EntryName+".js"),
		Bundle:        true,
		Define:        opts.Define,
		Metafile:      true,
		Write:         !opts.InMemory,
		LogLevel:      api.LogLevelSilent,
		Loader: map[string]api.Loader{
			".js":  api.LoaderJSX,
			".svg": api.LoaderFile,
			".png": api.LoaderFile,
			".jpg": api.LoaderFile,
			".gif": api.LoaderFile,
		},
	}

	if d.Target.IsBrowser() {
		buildOpts.Platform = api.PlatformBrowser
		buildOpts.Format = api.FormatIIFE
		buildOpts.PublicPath = opts.PublicPath
		if opts.Mode == engine.ModeDevelopment {
			buildOpts.Sourcemap = api.SourceMapLinked
		}
		if opts.Vendor != nil && len(opts.Vendor.Content) > 0 {
			buildOpts.Plugins = append(buildOpts.Plugins, vendorReferencePlugin(opts.Vendor))
		}
	} else {
		buildOpts.Platform = api.PlatformNode
		buildOpts.Format = api.FormatCommonJS
		buildOpts.Packages = api.PackagesExternal
		buildOpts.Sourcemap = api.SourceMapLinked
	}

	if opts.Minify {
		buildOpts.MinifyWhitespace = true
		buildOpts.MinifyIdentifiers = true
		buildOpts.MinifySyntax = true
	}

	return buildOpts
}

type esbuildSession struct {
	opts   Options
	ctx    api.BuildContext
	logger zerolog.Logger

	mu      sync.Mutex
	hooks   Hooks
	started time.Time
	latest  *Stats
	stopped bool
}

func (s *esbuildSession) setup(build api.PluginBuild) {
	build.OnStart(func() (api.OnStartResult, error) {
		s.mu.Lock()
		s.started = time.Now()
		onStart := s.hooks.OnStart
		stopped := s.stopped
		s.mu.Unlock()

		if onStart != nil && !stopped {
			onStart()
		}
		return api.OnStartResult{}, nil
	})

	build.OnEnd(func(result *api.BuildResult) (api.OnEndResult, error) {
		stats := s.finish(result)

		s.mu.Lock()
		s.latest = stats
		onDone := s.hooks.OnDone
		stopped := s.stopped
		s.mu.Unlock()

		if onDone != nil && !stopped {
			onDone(stats)
		}
		return api.OnEndResult{}, nil
	})
}

// finish converts a build result into stats and writes the browser artifacts.
func (s *esbuildSession) finish(result *api.BuildResult) *Stats {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	stats := &Stats{
		Bundle:   s.opts.Descriptor.Name,
		Errors:   formatMessages(result.Errors, api.ErrorMessage),
		Warnings: formatMessages(result.Warnings, api.WarningMessage),
		Metafile: result.Metafile,
	}
	if !started.IsZero() {
		stats.Duration = time.Since(started)
	}
	if stats.HasErrors() {
		return stats
	}

	if s.opts.InMemory {
		stats.Outputs = make(map[string][]byte, len(result.OutputFiles))
		for _, file := range result.OutputFiles {
			rel, err := filepath.Rel(s.opts.OutputDir(), file.Path)
			if err != nil {
				continue
			}
			stats.Outputs[filepath.ToSlash(rel)] = file.Contents
		}
	}

	if s.opts.Descriptor.Target.IsBrowser() {
		if err := s.writeBrowserArtifacts(stats); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
		}
	}
	return stats
}

func (s *esbuildSession) writeBrowserArtifacts(stats *Stats) error {
	meta, err := ParseMetafile(stats.Metafile)
	if err != nil {
		return err
	}
	assets, err := BuildAssets(meta, s.opts.Root, s.opts.OutputDir(), s.opts.PublicPath)
	if err != nil {
		return err
	}
	if s.opts.AssetsFileName != "" {
		if err := WriteAssets(filepath.Join(s.opts.OutputDir(), s.opts.AssetsFileName), assets); err != nil {
			return fmt.Errorf("write assets manifest: %w", err)
		}
	}

	if s.opts.Descriptor.HTMLPage == nil {
		return nil
	}
	page, err := RenderPage(s.opts, assets[EntryName])
	if err != nil {
		return err
	}
	if s.opts.InMemory {
		stats.Outputs[IndexDocument] = page
		return nil
	}
	return writeFile(filepath.Join(s.opts.OutputDir(), IndexDocument), page)
}

func (s *esbuildSession) RunOnce(ctx context.Context) (*Stats, error) {
	done := make(chan api.BuildResult, 1)
	go func() {
		done <- s.ctx.Rebuild()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.ctx.Cancel()
		<-done
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, nil
}

func (s *esbuildSession) Watch(hooks Hooks) error {
	s.mu.Lock()
	s.hooks = hooks
	s.mu.Unlock()

	if err := s.ctx.Watch(api.WatchOptions{}); err != nil {
		return err
	}
	s.logger.Debug().Msg("Watching for changes")
	return nil
}

func (s *esbuildSession) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	// Dispose waits for an in-flight build before releasing the context.
	s.ctx.Dispose()
	return nil
}

func formatMessages(msgs []api.Message, kind api.MessageKind) []string {
	if len(msgs) == 0 {
		return nil
	}
	return api.FormatMessages(msgs, api.FormatMessagesOptions{
		Kind:          kind,
		TerminalWidth: 100,
	})
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
