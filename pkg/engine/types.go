package engine

import (
	"fmt"
	"path"
	"strings"
)

// Target is the runtime a bundle is compiled for.
type Target string

const (
	// TargetBrowser is a bundle executed by a web browser.
	TargetBrowser Target = "browser"

	// TargetRuntime is a bundle executed by a server-side runtime (node).
	TargetRuntime Target = "runtime"
)

// IsBrowser reports whether the target is browser-facing.
func (t Target) IsBrowser() bool {
	return t == TargetBrowser
}

// Mode selects build behavior.
type Mode string

const (
	// ModeDevelopment builds with sourcemaps and live reload.
	ModeDevelopment Mode = "development"

	// ModeProduction builds optimized output.
	ModeProduction Mode = "production"
)

// BundleDescriptor is the static declaration of one buildable unit.
type BundleDescriptor struct {
	// Name is the bundle identifier (the key in the bundles mapping).
	Name string `json:"name" yaml:"-" toml:"-" validate:"required"`

	// Target is the runtime the bundle is compiled for.
	Target Target `json:"target" yaml:"target" toml:"target" validate:"required,oneof=browser runtime"`

	// EntryPath is the source entry file, relative to the project root.
	EntryPath string `json:"entry" yaml:"entry" toml:"entry" validate:"required"`

	// OutputPath is the output directory, relative to the project root.
	OutputPath string `json:"outputPath" yaml:"outputPath" toml:"outputPath" validate:"required"`

	// WebPath is the URL path prefix the bundle is served from.
	// Browser bundles without a web path are watch-only.
	WebPath string `json:"webPath,omitempty" yaml:"webPath,omitempty" toml:"webPath,omitempty" validate:"omitempty,startswith=/,endswith=/"`

	// AutoStart runs the compiled runtime bundle as a child process.
	AutoStart bool `json:"autoStart,omitempty" yaml:"autoStart,omitempty" toml:"autoStart,omitempty"`

	// Peer names the browser bundle whose output this runtime bundle consumes.
	Peer string `json:"peer,omitempty" yaml:"peer,omitempty" toml:"peer,omitempty"`

	// VendorCache configures the content-hash gated vendor bundle.
	VendorCache *VendorCache `json:"vendorCache,omitempty" yaml:"vendorCache,omitempty" toml:"vendorCache,omitempty" validate:"omitempty"`

	// HTMLPage configures the generated index document of a browser bundle.
	HTMLPage *HTMLPage `json:"htmlPage,omitempty" yaml:"htmlPage,omitempty" toml:"htmlPage,omitempty"`
}

// VendorCache is the pinned dependency list of a vendor bundle.
type VendorCache struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Include []string `json:"include" yaml:"include" toml:"include" validate:"required_if=Enabled true,dive,required"`
	Name    string   `json:"name" yaml:"name" toml:"name" validate:"required_if=Enabled true"`
}

// HTMLPage describes the index document emitted for a browser bundle.
type HTMLPage struct {
	Title          string            `json:"title,omitempty" yaml:"title,omitempty" toml:"title,omitempty"`
	HTMLAttributes map[string]string `json:"htmlAttributes,omitempty" yaml:"htmlAttributes,omitempty" toml:"htmlAttributes,omitempty"`
	Scripts        []string          `json:"scripts,omitempty" yaml:"scripts,omitempty" toml:"scripts,omitempty"`
}

// UsesVendorCache reports whether the descriptor declares an enabled vendor cache.
func (d BundleDescriptor) UsesVendorCache() bool {
	return d.VendorCache != nil && d.VendorCache.Enabled
}

// Serves reports whether the bundle is exposed over HTTP.
func (d BundleDescriptor) Serves() bool {
	return d.Target.IsBrowser() && d.WebPath != ""
}

// PublicPath returns the path compiled output references itself from.
// Development builds of served bundles use an absolute URL because they are
// hosted by a separate development server.
func (d BundleDescriptor) PublicPath(mode Mode, host string, port int) string {
	if d.WebPath == "" {
		return ""
	}
	if mode == ModeDevelopment {
		return fmt.Sprintf("http://%s:%d%s", host, port, d.WebPath)
	}
	return d.WebPath
}

// DependencyFingerprint is a digest over resolved pinned dependency versions.
type DependencyFingerprint struct {
	Hash       string
	SourceList []PinnedDependency
}

// PinnedDependency is one entry of a fingerprint source list.
type PinnedDependency struct {
	Name               string
	Version            string
	DevelopmentVersion string
}

// Matches reports whether a persisted digest is still valid.
func (f DependencyFingerprint) Matches(persisted string) bool {
	return f.Hash != "" && strings.TrimSpace(persisted) == f.Hash
}

// HashFileName returns the name of the persisted fingerprint file.
func (v VendorCache) HashFileName() string {
	return v.Name + "_hash"
}

// ScriptName returns the file name of the vendor bundle.
func (v VendorCache) ScriptName() string {
	return v.Name + ".js"
}

// ManifestName returns the file name of the vendor reference manifest.
func (v VendorCache) ManifestName() string {
	return v.Name + ".json"
}

// JoinWebPath joins a file name onto a web path prefix.
func JoinWebPath(webPath, name string) string {
	if webPath == "" {
		webPath = "/"
	}
	joined := path.Join(webPath, name)
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return joined
}
