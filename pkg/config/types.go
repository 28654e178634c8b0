package config

import (
	"sort"

	"github.com/stanza-tools/stanza/pkg/engine"
)

const (
	// DefaultHost is the host the development server binds to.
	DefaultHost = "localhost"

	// DefaultClientDevServerPort is the port of the browser bundle development server.
	DefaultClientDevServerPort = 7331

	// DefaultVendorCacheName is the logical name of the default vendor cache.
	DefaultVendorCacheName = "__dev_vendor_dll__"
)

// ProjectConfig is the static configuration of a project.
type ProjectConfig struct {
	// Host is the host the development server binds to (SERVER_HOST).
	Host string `json:"host,omitempty" yaml:"host,omitempty" toml:"host,omitempty" validate:"required"`

	// ClientDevServerPort is the port of the browser development server (CLIENT_DEVSERVER_PORT).
	ClientDevServerPort int `json:"clientDevServerPort,omitempty" yaml:"clientDevServerPort,omitempty" toml:"clientDevServerPort,omitempty" validate:"required,min=1,max=65535"`

	// PublicAssetsPath is the directory of static assets served as-is.
	PublicAssetsPath string `json:"publicAssetsPath,omitempty" yaml:"publicAssetsPath,omitempty" toml:"publicAssetsPath,omitempty" validate:"required"`

	// BuildOutputPath is the root of all build output.
	BuildOutputPath string `json:"buildOutputPath,omitempty" yaml:"buildOutputPath,omitempty" toml:"buildOutputPath,omitempty" validate:"required"`

	// BundleAssetsFileName is the name of the assets manifest written by browser bundles.
	BundleAssetsFileName string `json:"bundleAssetsFileName,omitempty" yaml:"bundleAssetsFileName,omitempty" toml:"bundleAssetsFileName,omitempty" validate:"required"`

	// OptimizeProductionBuilds minifies production output.
	OptimizeProductionBuilds bool `json:"optimizeProductionBuilds,omitempty" yaml:"optimizeProductionBuilds,omitempty" toml:"optimizeProductionBuilds,omitempty"`

	// ClientConfig is exposed to the browser as window.__CLIENT_CONFIG__.
	ClientConfig map[string]interface{} `json:"clientConfig,omitempty" yaml:"clientConfig,omitempty" toml:"clientConfig,omitempty"`

	// Bundles maps bundle names to their descriptors.
	Bundles map[string]engine.BundleDescriptor `json:"bundles,omitempty" yaml:"bundles,omitempty" toml:"bundles,omitempty" validate:"required,min=1,dive"`

	// Plugins configures project hooks.
	Plugins Plugins `json:"plugins,omitempty" yaml:"plugins,omitempty" toml:"plugins,omitempty"`

	// Root is the absolute project root directory.
	Root string `json:"-" yaml:"-" toml:"-"`

	// Source is the configuration file the project was loaded from, if any.
	Source string `json:"-" yaml:"-" toml:"-"`
}

// Plugins configures project hooks.
type Plugins struct {
	// EnvConfig is the path of a Starlark script defining env_config(env, build).
	EnvConfig string `json:"envConfig,omitempty" yaml:"envConfig,omitempty" toml:"envConfig,omitempty"`
}

// Default returns the configuration used when no project file overrides it.
func Default() *ProjectConfig {
	return &ProjectConfig{
		Host:                     DefaultHost,
		ClientDevServerPort:      DefaultClientDevServerPort,
		PublicAssetsPath:         "./public",
		BuildOutputPath:          "./build",
		BundleAssetsFileName:     "assets.json",
		OptimizeProductionBuilds: true,
		Bundles:                  DefaultBundles(),
	}
}

// DefaultBundles returns the default client and server bundles.
func DefaultBundles() map[string]engine.BundleDescriptor {
	return map[string]engine.BundleDescriptor{
		"client": {
			Target:     engine.TargetBrowser,
			EntryPath:  "./src/client/index.js",
			OutputPath: "./build/client",
			WebPath:    "/",
			VendorCache: &engine.VendorCache{
				Enabled: false,
				Include: []string{"react", "react-dom", "react-helmet", "react-router"},
				Name:    DefaultVendorCacheName,
			},
			HTMLPage: &engine.HTMLPage{
				Title: "stanza",
			},
		},
		"server": {
			Target:     engine.TargetRuntime,
			EntryPath:  "./src/server/index.js",
			OutputPath: "./build/server",
			AutoStart:  true,
		},
	}
}

// BundleNames returns the bundle names in sorted order.
func (c *ProjectConfig) BundleNames() []string {
	names := make([]string, 0, len(c.Bundles))
	for name := range c.Bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns the bundle descriptors ordered by name.
func (c *ProjectConfig) Descriptors() []engine.BundleDescriptor {
	names := c.BundleNames()
	out := make([]engine.BundleDescriptor, 0, len(names))
	for _, name := range names {
		out = append(out, c.Bundles[name])
	}
	return out
}

// Bundle returns the descriptor of the named bundle.
func (c *ProjectConfig) Bundle(name string) (engine.BundleDescriptor, bool) {
	d, ok := c.Bundles[name]
	return d, ok
}

// VendorDescriptors returns the descriptors that declare an enabled vendor cache.
func (c *ProjectConfig) VendorDescriptors() []engine.BundleDescriptor {
	var out []engine.BundleDescriptor
	for _, d := range c.Descriptors() {
		if d.UsesVendorCache() {
			out = append(out, d)
		}
	}
	return out
}
