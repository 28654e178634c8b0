package vendorcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stanza-tools/stanza/pkg/engine"
	"github.com/stanza-tools/stanza/pkg/telemetry"
)

// PackageManifest is the file the pinned dependency versions are read from.
const PackageManifest = "package.json"

// Builder performs a one-shot, non-watching build of a vendor bundle.
// It produces the vendor script and its reference manifest under the
// descriptor's output path.
type Builder interface {
	BuildVendor(ctx context.Context, root string, d engine.BundleDescriptor) error
}

// Cache decides whether a vendor bundle must be rebuilt by comparing a
// fingerprint of the pinned dependency versions with the one persisted by
// the previous build.
type Cache struct {
	root    string
	builder Builder
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	// group collapses concurrent checks of the same fingerprint file so
	// that it has a single writer.
	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics records rebuilds and hits on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithTracer wraps each freshness check in a span.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Cache) {
		c.tracer = t
	}
}

// New creates a vendor cache rooted at the project directory root.
func New(root string, builder Builder, logger zerolog.Logger, opts ...Option) *Cache {
	c := &Cache{
		root:    root,
		builder: builder,
		logger:  logger.With().Str("component", "vendorcache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HashFilePath returns the location of the persisted fingerprint of d.
func (c *Cache) HashFilePath(d engine.BundleDescriptor) string {
	return filepath.Join(c.resolve(d.OutputPath), d.VendorCache.HashFileName())
}

// EnsureFresh rebuilds the vendor bundle of d when its persisted fingerprint
// is absent, unreadable or different from the current one. It reports
// whether a rebuild happened. A failed build leaves the fingerprint file
// untouched so the next run retries; a failure to persist the fingerprint
// is logged and otherwise ignored.
func (c *Cache) EnsureFresh(ctx context.Context, d engine.BundleDescriptor) (bool, error) {
	if !d.UsesVendorCache() {
		return false, nil
	}
	if d.VendorCache.Name == "" || len(d.VendorCache.Include) == 0 {
		return false, engine.NewConfigurationError("vendor cache requires a name and an include list", nil).
			WithBundle(d.Name).WithOperation("vendor")
	}

	hashFile := c.HashFilePath(d)
	// The build is shared by every caller, so no single caller may cancel it.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(hashFile, func() (interface{}, error) {
		return c.ensureFresh(shared, d, hashFile)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Cache) ensureFresh(ctx context.Context, d engine.BundleDescriptor, hashFile string) (bool, error) {
	cacheName := d.VendorCache.Name
	logger := c.logger.With().Str("bundle", d.Name).Str("cache", cacheName).Logger()

	ctx, span := c.tracer.StartVendorSpan(ctx, d.Name, cacheName)

	current, err := Fingerprint(c.root, d)
	if err != nil {
		telemetry.EndSpan(span, err)
		return false, err
	}

	persisted, err := os.ReadFile(hashFile)
	switch {
	case err == nil:
		if current.Matches(string(persisted)) {
			logger.Debug().Str("hash", current.Hash).Msg("Vendor bundle is up to date")
			c.metrics.RecordVendorHit(cacheName)
			span.SetAttributes(telemetry.AttrRebuilt.Bool(false))
			telemetry.EndSpan(span, nil)
			return false, nil
		}
		logger.Info().Msg("Vendor dependencies changed, rebuilding vendor bundle")
	case errors.Is(err, fs.ErrNotExist):
		logger.Info().Msg("No vendor fingerprint found, building vendor bundle")
	default:
		cacheErr := engine.NewCacheError("failed to read vendor fingerprint", err).
			WithBundle(d.Name).WithOperation("read")
		logger.Warn().Err(cacheErr).Msg("Treating vendor cache as stale")
		c.metrics.RecordError(string(engine.ErrorClassCache))
	}

	start := time.Now()
	if err := c.builder.BuildVendor(ctx, c.root, d); err != nil {
		c.metrics.RecordVendorRebuild(cacheName, err)
		buildErr := engine.NewBuildError("vendor bundle build failed", err).
			WithBundle(d.Name).WithOperation("vendor")
		telemetry.EndSpan(span, buildErr)
		return false, buildErr
	}
	c.metrics.RecordVendorRebuild(cacheName, nil)
	span.SetAttributes(telemetry.AttrRebuilt.Bool(true))

	if err := c.persist(hashFile, current.Hash); err != nil {
		cacheErr := engine.NewCacheError("failed to write vendor fingerprint", err).
			WithBundle(d.Name).WithOperation("write")
		logger.Warn().Err(cacheErr).Msg("Vendor bundle will be rebuilt on the next run")
		c.metrics.RecordError(string(engine.ErrorClassCache))
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("Vendor bundle built")
	telemetry.EndSpan(span, nil)
	return true, nil
}

func (c *Cache) persist(hashFile, hash string) error {
	if err := os.MkdirAll(filepath.Dir(hashFile), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	return os.WriteFile(hashFile, []byte(hash), 0o644)
}

func (c *Cache) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.root, p)
}

type packageManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// Fingerprint computes the dependency fingerprint of d's vendor cache from
// the package manifest in root. The include list is sorted and deduplicated
// first so the digest does not depend on the order it was declared in.
// A missing manifest yields unversioned entries.
func Fingerprint(root string, d engine.BundleDescriptor) (engine.DependencyFingerprint, error) {
	if d.VendorCache == nil {
		return engine.DependencyFingerprint{}, nil
	}

	var manifest packageManifest
	data, err := os.ReadFile(filepath.Join(root, PackageManifest))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &manifest); err != nil {
			return engine.DependencyFingerprint{}, engine.NewConfigurationError("invalid "+PackageManifest, err).
				WithBundle(d.Name).WithOperation("fingerprint")
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return engine.DependencyFingerprint{}, engine.NewCacheError("failed to read "+PackageManifest, err).
			WithBundle(d.Name).WithOperation("fingerprint")
	}

	names := normalize(d.VendorCache.Include)
	sources := make([]engine.PinnedDependency, 0, len(names))
	entries := make([][3]*string, 0, len(names))
	for _, name := range names {
		dep := engine.PinnedDependency{
			Name:               name,
			Version:            manifest.Dependencies[name],
			DevelopmentVersion: manifest.DevDependencies[name],
		}
		sources = append(sources, dep)
		entries = append(entries, [3]*string{&dep.Name, optional(dep.Version), optional(dep.DevelopmentVersion)})
	}

	encoded, err := json.Marshal(entries)
	if err != nil {
		return engine.DependencyFingerprint{}, fmt.Errorf("encode fingerprint source: %w", err)
	}
	sum := sha256.Sum256(encoded)

	return engine.DependencyFingerprint{
		Hash:       hex.EncodeToString(sum[:]),
		SourceList: sources,
	}, nil
}

func normalize(include []string) []string {
	seen := make(map[string]struct{}, len(include))
	names := make([]string, 0, len(include))
	for _, name := range include {
		if _, ok := seen[name]; ok || name == "" {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// optional maps an undeclared version to JSON null.
func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
