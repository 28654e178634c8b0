package compiler_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanza-tools/stanza/pkg/compiler"
	"github.com/stanza-tools/stanza/pkg/engine"
)

func writeSource(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestESBuild_RuntimeBundle(t *testing.T) {
	cfg := testProject(t)
	writeSource(t, cfg.Root, "src/api/index.js", `
const greeting = require("./greeting");
if (process.env.IS_NODE) { console.log(greeting("api")); }
`)
	writeSource(t, cfg.Root, "src/api/greeting.js", `module.exports = (name) => "hello " + name;`)

	factory := compiler.NewFactory(compiler.NewESBuildBackend(zerolog.Nop()), cfg, zerolog.Nop())
	h, err := factory.Create(context.Background(), runtimeBundle(), engine.ModeDevelopment)
	require.NoError(t, err)
	defer h.Stop()

	stats, err := h.Run(context.Background())
	require.NoError(t, err, stats.String())

	out, err := os.ReadFile(h.EntryFile())
	require.NoError(t, err)
	assert.Contains(t, string(out), "hello ")
	assert.NotContains(t, string(out), "process.env.IS_NODE")
}

func TestESBuild_BuildErrorsAreReported(t *testing.T) {
	cfg := testProject(t)
	writeSource(t, cfg.Root, "src/api/index.js", `require("./missing");`)

	factory := compiler.NewFactory(compiler.NewESBuildBackend(zerolog.Nop()), cfg, zerolog.Nop())
	h, err := factory.Create(context.Background(), runtimeBundle(), engine.ModeDevelopment)
	require.NoError(t, err)
	defer h.Stop()

	stats, err := h.Run(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsBuild(err))
	require.True(t, stats.HasErrors())
	assert.Contains(t, stats.String(), "missing")
}

func TestESBuild_ServedBrowserBundleStaysInMemory(t *testing.T) {
	cfg := testProject(t)
	writeSource(t, cfg.Root, "src/web/index.js", `document.title = "web";`)

	factory := compiler.NewFactory(compiler.NewESBuildBackend(zerolog.Nop()), cfg, zerolog.Nop())
	h, err := factory.Create(context.Background(), browserBundle(), engine.ModeDevelopment)
	require.NoError(t, err)
	defer h.Stop()

	stats, err := h.Run(context.Background())
	require.NoError(t, err, stats.String())

	assert.Contains(t, string(stats.Outputs["index.js"]), "document.title")
	assert.Contains(t, string(stats.Outputs["index.html"]), `src="http://localhost:7331/index.js"`)
	assert.NoFileExists(t, h.EntryFile())

	assets, err := compiler.ReadAssets(filepath.Join(cfg.Root, "build/web", cfg.BundleAssetsFileName))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:7331/index.js", assets["index"].JS)
}

func TestESBuild_VendorBundle(t *testing.T) {
	cfg := testProject(t)
	writeSource(t, cfg.Root, "node_modules/lib-a/index.js", `module.exports = { name: "lib-a" };`)
	writeSource(t, cfg.Root, "node_modules/lib-a/package.json", `{"name":"lib-a","main":"index.js"}`)
	writeSource(t, cfg.Root, "src/web/index.js", `const a = require("lib-a"); console.log(a.name);`)

	d := browserBundle()
	d.VendorCache = &engine.VendorCache{Enabled: true, Include: []string{"lib-a"}, Name: "__dev_vendor_dll__"}

	backend := compiler.NewESBuildBackend(zerolog.Nop())
	require.NoError(t, backend.BuildVendor(context.Background(), cfg.Root, d))

	script, err := os.ReadFile(filepath.Join(cfg.Root, "build/web/__dev_vendor_dll__.js"))
	require.NoError(t, err)
	assert.Contains(t, string(script), `"lib-a"`)
	assert.FileExists(t, filepath.Join(cfg.Root, "build/web/__dev_vendor_dll__.json"))

	factory := compiler.NewFactory(backend, cfg, zerolog.Nop())
	h, err := factory.Create(context.Background(), d, engine.ModeDevelopment)
	require.NoError(t, err)
	defer h.Stop()

	stats, err := h.Run(context.Background())
	require.NoError(t, err, stats.String())

	bundle := string(stats.Outputs["index.js"])
	assert.Contains(t, bundle, "globalThis")
	assert.False(t, strings.Contains(bundle, `name: "lib-a"`), "pinned packages are not bundled")
	assert.Contains(t, string(stats.Outputs["index.html"]), "__dev_vendor_dll__.js")
}
