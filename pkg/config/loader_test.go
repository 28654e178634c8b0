package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanza-tools/stanza/pkg/engine"
)

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoader_Defaults(t *testing.T) {
	unsetEnv(t, EnvHost, EnvClientDevServerPort)
	root := t.TempDir()

	cfg, err := newTestLoader().Load(context.Background(), root, "")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 7331, cfg.ClientDevServerPort)
	assert.Equal(t, filepath.Join(root, "public"), cfg.PublicAssetsPath)
	assert.Equal(t, filepath.Join(root, "build"), cfg.BuildOutputPath)
	assert.Equal(t, []string{"client", "server"}, cfg.BundleNames())
	assert.Empty(t, cfg.Source)

	client, ok := cfg.Bundle("client")
	require.True(t, ok)
	assert.Equal(t, "client", client.Name)
	assert.Equal(t, filepath.Join(root, "src/client/index.js"), client.EntryPath)
	assert.False(t, client.UsesVendorCache())

	server, ok := cfg.Bundle("server")
	require.True(t, ok)
	assert.True(t, server.AutoStart)
	assert.Equal(t, "client", server.Peer, "single browser bundle becomes the peer")
}

func TestLoader_YAMLReplacesBundles(t *testing.T) {
	unsetEnv(t, EnvHost, EnvClientDevServerPort)
	root := t.TempDir()
	writeFile(t, root, "stanza.yaml", `
host: 0.0.0.0
clientDevServerPort: 8080
bundles:
  web:
    target: browser
    entry: ./web/main.js
    outputPath: ./build/web
    webPath: /
    vendorCache:
      enabled: true
      include: [lib-b, lib-a]
      name: vendor
`)

	cfg, err := newTestLoader().Load(context.Background(), root, "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "stanza.yaml"), cfg.Source)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.ClientDevServerPort)
	assert.Equal(t, []string{"web"}, cfg.BundleNames())
	assert.Equal(t, "assets.json", cfg.BundleAssetsFileName, "unset fields keep defaults")

	web, _ := cfg.Bundle("web")
	assert.True(t, web.UsesVendorCache())
	assert.Equal(t, []string{"lib-b", "lib-a"}, web.VendorCache.Include)
	assert.Len(t, cfg.VendorDescriptors(), 1)
}

func TestLoader_TOML(t *testing.T) {
	unsetEnv(t, EnvHost, EnvClientDevServerPort)
	root := t.TempDir()
	writeFile(t, root, "stanza.toml", `
buildOutputPath = "./dist"

[bundles.web]
target = "browser"
entry = "./web/main.js"
outputPath = "./dist/web"
webPath = "/static/"

[bundles.api]
target = "runtime"
entry = "./api/main.js"
outputPath = "./dist/api"
autoStart = true
`)

	cfg, err := newTestLoader().Load(context.Background(), root, "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "dist"), cfg.BuildOutputPath)
	api, ok := cfg.Bundle("api")
	require.True(t, ok)
	assert.Equal(t, engine.TargetRuntime, api.Target)
	assert.Equal(t, "web", api.Peer)
}

func TestLoader_CUE(t *testing.T) {
	unsetEnv(t, EnvHost, EnvClientDevServerPort)
	root := t.TempDir()
	writeFile(t, root, "stanza.cue", `
clientDevServerPort: 9000
bundles: {
	web: {
		target:     "browser"
		entry:      "./web/main.js"
		outputPath: "./build/web"
		webPath:    "/"
	}
}
`)

	cfg, err := newTestLoader().Load(context.Background(), root, "")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.ClientDevServerPort)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, []string{"web"}, cfg.BundleNames())
}

func TestLoader_CUESchemaViolation(t *testing.T) {
	unsetEnv(t, EnvHost, EnvClientDevServerPort)
	root := t.TempDir()
	writeFile(t, root, "stanza.cue", `
bundles: web: {
	target:     "desktop"
	entry:      "./web/main.js"
	outputPath: "./build/web"
}
`)

	_, err := newTestLoader().Load(context.Background(), root, "")
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
}

func TestLoader_EnvOverrides(t *testing.T) {
	unsetEnv(t, EnvHost, EnvClientDevServerPort)
	root := t.TempDir()
	writeFile(t, root, ".env", "SERVER_HOST=from-dotenv\nCLIENT_DEVSERVER_PORT=4000\n")

	cfg, err := newTestLoader().Load(context.Background(), root, "")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Host)
	assert.Equal(t, 4000, cfg.ClientDevServerPort)

	t.Setenv(EnvClientDevServerPort, "5000")
	cfg, err = newTestLoader().Load(context.Background(), root, "")
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.ClientDevServerPort, "process environment wins")
}

func TestLoader_InvalidPort(t *testing.T) {
	unsetEnv(t, EnvHost)
	t.Setenv(EnvClientDevServerPort, "not-a-port")

	_, err := newTestLoader().Load(context.Background(), t.TempDir(), "")
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
}

func TestLoader_ValidationNamesBundle(t *testing.T) {
	unsetEnv(t, EnvHost, EnvClientDevServerPort)
	root := t.TempDir()
	writeFile(t, root, "stanza.yaml", `
bundles:
  web:
    target: browser
    outputPath: ./build/web
`)

	_, err := newTestLoader().Load(context.Background(), root, "")
	require.Error(t, err)

	var devErr *engine.DevError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, engine.ErrorClassConfiguration, devErr.Class)
	assert.Equal(t, "web", devErr.Bundle)
	assert.Contains(t, devErr.Message, "EntryPath")
}

func TestLoader_InvalidWebPath(t *testing.T) {
	unsetEnv(t, EnvHost, EnvClientDevServerPort)
	root := t.TempDir()
	writeFile(t, root, "stanza.yaml", `
bundles:
  web:
    target: browser
    entry: ./web/main.js
    outputPath: ./build/web
    webPath: static
`)

	_, err := newTestLoader().Load(context.Background(), root, "")
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
}

func TestLoader_Invalidate(t *testing.T) {
	unsetEnv(t, EnvHost, EnvClientDevServerPort)
	root := t.TempDir()
	path := writeFile(t, root, "stanza.yaml", "clientDevServerPort: 1111\n")

	loader := newTestLoader()
	cfg, err := loader.Load(context.Background(), root, "")
	require.NoError(t, err)
	assert.Equal(t, 1111, cfg.ClientDevServerPort)

	require.NoError(t, os.WriteFile(path, []byte("clientDevServerPort: 2222\n"), 0o644))
	loader.Invalidate()

	cfg, err = loader.Load(context.Background(), root, "")
	require.NoError(t, err)
	assert.Equal(t, 2222, cfg.ClientDevServerPort)
}

func TestLoader_ExplicitPath(t *testing.T) {
	unsetEnv(t, EnvHost, EnvClientDevServerPort)
	root := t.TempDir()
	writeFile(t, root, "configs/dev.yaml", "host: devbox\n")

	cfg, err := newTestLoader().Load(context.Background(), root, "configs/dev.yaml")
	require.NoError(t, err)
	assert.Equal(t, "devbox", cfg.Host)
}

func TestValidateDescriptor(t *testing.T) {
	loader := newTestLoader()

	err := loader.ValidateDescriptor(engine.BundleDescriptor{
		Name:       "web",
		Target:     engine.TargetBrowser,
		OutputPath: "/tmp/out",
	})
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))

	err = loader.ValidateDescriptor(engine.BundleDescriptor{
		Name:       "web",
		Target:     engine.TargetBrowser,
		EntryPath:  "/tmp/main.js",
		OutputPath: "/tmp/out",
		VendorCache: &engine.VendorCache{
			Enabled: true,
		},
	})
	require.Error(t, err, "enabled vendor cache requires a name and include list")

	err = loader.ValidateDescriptor(engine.BundleDescriptor{
		Name:       "web",
		Target:     engine.TargetBrowser,
		EntryPath:  "/tmp/main.js",
		OutputPath: "/tmp/out",
	})
	assert.NoError(t, err)
}
