package compiler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stanza-tools/stanza/pkg/engine"
)

// EntryName is the base name of every compiled entry file.
const EntryName = "index"

// LiveReloadEndpoint is appended to a served bundle's web path to form the
// live reload stream URL.
const LiveReloadEndpoint = "__stanza_hmr"

// Stats describes one completed build.
type Stats struct {
	// Bundle is the name of the bundle that was built.
	Bundle string

	// Generation is the sequence number of the build within its handle.
	Generation uint64

	// Errors are the formatted compiler error messages.
	Errors []string

	// Warnings are the formatted compiler warning messages.
	Warnings []string

	// Duration is the wall time of the build.
	Duration time.Duration

	// Outputs holds in-memory output files keyed by path relative to the
	// output directory. It is only populated for bundles built in memory.
	Outputs map[string][]byte

	// Metafile is the raw build metadata emitted by the backend.
	Metafile string
}

// HasErrors reports whether the build failed.
func (s *Stats) HasErrors() bool {
	return s != nil && len(s.Errors) > 0
}

// String returns the human-readable build report.
func (s *Stats) String() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	if s.HasErrors() {
		fmt.Fprintf(&b, "%s: build #%d failed with %d error(s) in %s\n", s.Bundle, s.Generation, len(s.Errors), s.Duration.Round(time.Millisecond))
	} else {
		fmt.Fprintf(&b, "%s: build #%d succeeded in %s\n", s.Bundle, s.Generation, s.Duration.Round(time.Millisecond))
	}
	for _, msg := range s.Errors {
		b.WriteString(msg)
		if !strings.HasSuffix(msg, "\n") {
			b.WriteByte('\n')
		}
	}
	for _, msg := range s.Warnings {
		b.WriteString(msg)
		if !strings.HasSuffix(msg, "\n") {
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Options is the resolved build configuration of one bundle.
type Options struct {
	// Root is the absolute project root.
	Root string

	// Descriptor is the bundle being built, with absolute paths.
	Descriptor engine.BundleDescriptor

	// Mode selects development or production output.
	Mode engine.Mode

	// PublicPath is the prefix compiled output references its assets by.
	PublicPath string

	// Define maps identifiers to the literal values substituted at compile time.
	Define map[string]string

	// Vendor is the reference manifest of the vendor bundle linked at load
	// time. Nil when the bundle does not use a vendor cache.
	Vendor *VendorManifest

	// InMemory keeps the compiled output in memory instead of writing it.
	InMemory bool

	// Minify enables minification.
	Minify bool

	// AssetsFileName is the assets manifest written next to browser output.
	AssetsFileName string

	// ClientConfig is embedded in the generated HTML page.
	ClientConfig map[string]interface{}

	// LiveReloadPath is the live reload stream URL injected into the HTML
	// page. Empty disables the snippet.
	LiveReloadPath string
}

// OutputDir returns the absolute output directory.
func (o Options) OutputDir() string {
	return o.Descriptor.OutputPath
}

// Hooks receive the lifecycle events of a watch session. Both callbacks are
// invoked from a single goroutine, start always before the matching done.
type Hooks struct {
	OnStart func()
	OnDone  func(*Stats)
}

// Session is one configured compiler instance of the underlying backend.
type Session interface {
	// RunOnce performs a single build.
	RunOnce(ctx context.Context) (*Stats, error)

	// Watch builds immediately and rebuilds on every source change.
	Watch(hooks Hooks) error

	// Stop ends the watch session. It returns only after all in-flight work
	// has ceased and further hooks will not be invoked.
	Stop() error
}

// Backend is the underlying compiler capability.
type Backend interface {
	// NewSession configures a compiler instance for a bundle.
	NewSession(opts Options) (Session, error)

	// BuildVendor performs a one-shot build of a vendor bundle and its
	// reference manifest.
	BuildVendor(ctx context.Context, root string, d engine.BundleDescriptor) error
}
