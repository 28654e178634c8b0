package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/stanza-tools/stanza/pkg/engine"
)

// vendorNamespace is the esbuild namespace of modules linked from a vendor bundle.
const vendorNamespace = "vendor-dll"

// VendorManifest is the reference manifest written next to a vendor bundle.
// It lists the packages the vendor bundle registers on globalThis[Name].
type VendorManifest struct {
	Name    string   `json:"name"`
	Content []string `json:"content"`
}

// Provides reports whether pkg is linked from the vendor bundle.
func (m *VendorManifest) Provides(pkg string) bool {
	if m == nil {
		return false
	}
	for _, name := range m.Content {
		if name == pkg {
			return true
		}
	}
	return false
}

// ReadVendorManifest reads a vendor reference manifest.
func ReadVendorManifest(path string) (*VendorManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m VendorManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("%s has no name", filepath.Base(path))
	}
	return &m, nil
}

// WriteVendorManifest writes m into dir.
func WriteVendorManifest(dir string, m *VendorManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, m.Name+".json"), data, 0o644)
}

// vendorEntry synthesizes the entry module of a vendor bundle.
func vendorEntry(name string, packages []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "globalThis[%s] = {\n", jsString(name))
	for _, pkg := range packages {
		fmt.Fprintf(&b, "  %s: require(%s),\n", jsString(pkg), jsString(pkg))
	}
	b.WriteString("};\n")
	return b.String()
}

// BuildVendor builds the vendor bundle of d: a browser script registering
// every included package on globalThis[name], plus its reference manifest.
func (b *ESBuildBackend) BuildVendor(ctx context.Context, root string, d engine.BundleDescriptor) error {
	if !d.UsesVendorCache() {
		return nil
	}
	vc := d.VendorCache
	outDir := d.OutputPath
	if !filepath.IsAbs(outDir) {
		outDir = filepath.Join(root, outDir)
	}

	packages := append([]string(nil), vc.Include...)

	result := api.Build(api.BuildOptions{
		AbsWorkingDir: root,
		Stdin: &api.StdinOptions{
			Contents:   vendorEntry(vc.Name, packages),
			ResolveDir: root,
			Sourcefile: vc.Name + ".entry.js",
			Loader:     api.LoaderJS,
		},
		Bundle:    true,
		Outfile:   filepath.Join(outDir, vc.ScriptName()),
		Platform:  api.PlatformBrowser,
		Format:    api.FormatIIFE,
		Sourcemap: api.SourceMapInline,
		Define: map[string]string{
			"process.env.NODE_ENV": `"development"`,
		},
		Write:    true,
		LogLevel: api.LogLevelSilent,
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("%s", strings.Join(formatMessages(result.Errors, api.ErrorMessage), "\n"))
	}

	b.logger.Debug().
		Str("bundle", d.Name).
		Str("cache", vc.Name).
		Strs("packages", packages).
		Msg("Vendor bundle written")

	return WriteVendorManifest(outDir, &VendorManifest{Name: vc.Name, Content: packages})
}

// vendorReferencePlugin links packages listed in m to the vendor bundle
// instead of bundling them.
func vendorReferencePlugin(m *VendorManifest) api.Plugin {
	quoted := make([]string, 0, len(m.Content))
	for _, pkg := range m.Content {
		quoted = append(quoted, regexp.QuoteMeta(pkg))
	}
	filter := "^(" + strings.Join(quoted, "|") + ")$"

	return api.Plugin{
		Name: "stanza-vendor-reference",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: filter},
				func(args api.OnResolveArgs) (api.OnResolveResult, error) {
					return api.OnResolveResult{
						Path:      args.Path,
						Namespace: vendorNamespace,
					}, nil
				})

			build.OnLoad(api.OnLoadOptions{Filter: ".*", Namespace: vendorNamespace},
				func(args api.OnLoadArgs) (api.OnLoadResult, error) {
					contents := fmt.Sprintf("module.exports = globalThis[%s][%s];\n",
						jsString(m.Name), jsString(args.Path))
					return api.OnLoadResult{
						Contents: &contents,
						Loader:   api.LoaderJS,
					}, nil
				})
		},
	}
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
