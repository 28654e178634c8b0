package devserver

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanza-tools/stanza/pkg/compiler/compilertest"
	"github.com/stanza-tools/stanza/pkg/config"
	"github.com/stanza-tools/stanza/pkg/engine"
)

func (h *harness) orchestrator() *Orchestrator {
	h.t.Helper()
	o := NewOrchestrator(h.project, h.backend, Options{
		RestartDelay: restartDelay,
		Spawner:      h.spawner,
		Telemetry:    testTelemetry(h.logs),
	})
	h.t.Cleanup(func() { _ = o.Dispose(context.Background()) })
	return o
}

func withVendorCache(t *testing.T, project *config.ProjectConfig) {
	t.Helper()
	d := project.Bundles["web"]
	d.VendorCache = &engine.VendorCache{Enabled: true, Include: []string{"lib-a"}, Name: config.DefaultVendorCacheName}
	project.Bundles["web"] = d
	require.NoError(t, os.WriteFile(filepath.Join(project.Root, "package.json"),
		[]byte(`{"dependencies":{"lib-a":"1.0.0"}}`), 0o644))
}

func TestOrchestrator_DispatchesOneServerPerBundle(t *testing.T) {
	h := newHarness(t)
	worker := apiBundle()
	worker.Name = "worker"
	worker.AutoStart = false
	worker.Peer = ""
	h.project.Bundles["worker"] = worker

	o := h.orchestrator()
	require.NoError(t, o.Start(context.Background()))

	require.Len(t, o.Clients(), 1)
	assert.Equal(t, "web", o.Clients()[0].Name())
	require.Len(t, o.Nodes(), 2)
	assert.Equal(t, "api", o.Nodes()[0].Name())
	assert.Equal(t, "worker", o.Nodes()[1].Name())
	assert.Empty(t, o.Failed())

	assert.Equal(t, 3, o.Steps())
	assert.Equal(t, 1, h.logs.Count("[1/3] Calculating browser compilers..."))
	assert.Equal(t, 1, h.logs.Count("[2/3] Calculating runtime compilers..."))
	assert.Equal(t, 1, h.logs.Count("[3/3] Building bundles..."))
	assert.Equal(t, 3, h.logs.CountAll(o.CycleID(), `"component":"orchestrator"`, "/3] "),
		"phase logs carry the cycle id")

	assert.Error(t, o.Start(context.Background()), "a cycle starts once")
}

func TestOrchestrator_VendorPhase(t *testing.T) {
	h := newHarness(t)
	withVendorCache(t, h.project)

	o := h.orchestrator()
	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, 4, o.Steps())
	assert.Equal(t, 1, h.logs.Count("[1/4] Creating vendor bundles..."))
	assert.Equal(t, []string{"web"}, h.backend.VendorBuilds())

	session := h.backend.Session("web")
	require.NotNil(t, session.Opts.Vendor)
	assert.True(t, session.Opts.Vendor.Provides("lib-a"))
	require.NoError(t, o.Dispose(context.Background()))

	// A second cycle over unchanged dependencies reuses the vendor bundle.
	h.project.ClientDevServerPort = freePort(t)
	second := h.orchestrator()
	require.NoError(t, second.Start(context.Background()))
	assert.Equal(t, []string{"web"}, h.backend.VendorBuilds())
}

// Scenario: a single browser bundle with a vendor cache and no fingerprint
// yet is vendored once, served by one listener and announced once.
func TestOrchestrator_VendoredClientCycle(t *testing.T) {
	h := newHarness(t)
	d := webBundle()
	d.HTMLPage = nil
	d.VendorCache = &engine.VendorCache{Enabled: true, Include: []string{"lib-a", "lib-b"}, Name: config.DefaultVendorCacheName}
	h.project.Bundles = map[string]engine.BundleDescriptor{"web": d}
	require.NoError(t, os.WriteFile(filepath.Join(h.project.Root, "package.json"),
		[]byte(`{"dependencies":{"lib-a":"1.0.0"},"devDependencies":{"lib-b":"2.1.0"}}`), 0o644))

	hashFile := filepath.Join(h.project.Root, d.OutputPath, d.VendorCache.HashFileName())
	require.NoFileExists(t, hashFile)

	o := h.orchestrator()
	require.NoError(t, o.Start(context.Background()))

	assert.Equal(t, []string{"web"}, h.backend.VendorBuilds())
	assert.FileExists(t, hashFile)
	require.Len(t, o.Clients(), 1)
	assert.Empty(t, o.Nodes())

	web := h.session("web")
	web.Done(compilertest.Succeeded(bundleOutputs()))
	web.Start()
	web.Done(compilertest.Succeeded(bundleOutputs()))

	code, body, _ := get(t, o.Clients()[0].Address()+"/index.js")
	assert.Equal(t, 200, code)
	assert.Equal(t, `console.log("web");`, body)
	assert.Equal(t, 1, h.logs.Count("Client served at"))
}

func TestOrchestrator_FailedVendorBuildExcludesOnlyItsBundle(t *testing.T) {
	h := newHarness(t)
	withVendorCache(t, h.project)
	h.backend.VendorErr = errors.New("npm exploded")

	o := h.orchestrator()
	require.NoError(t, o.Start(context.Background()))

	failed := o.Failed()
	require.Contains(t, failed, "web")
	assert.True(t, engine.IsConfiguration(failed["web"]))
	assert.Empty(t, o.Clients())
	require.Len(t, o.Nodes(), 1)
	assert.Equal(t, "api", o.Nodes()[0].Name())
	assert.Equal(t, 1, h.logs.Count("Failed to build vendor bundle"))
}

func TestOrchestrator_FailedCompilerIsExcluded(t *testing.T) {
	h := newHarness(t)
	h.backend.SessionErr["api"] = errors.New("bad loader")

	o := h.orchestrator()
	require.NoError(t, o.Start(context.Background()))

	require.Contains(t, o.Failed(), "api")
	assert.True(t, engine.IsConfiguration(o.Failed()["api"]))
	require.Len(t, o.Clients(), 1)
	assert.Empty(t, o.Nodes())
}

func TestOrchestrator_NothingStarts(t *testing.T) {
	h := newHarness(t)
	h.backend.SessionErr["api"] = errors.New("bad loader")
	h.backend.SessionErr["web"] = errors.New("bad loader")

	o := h.orchestrator()
	err := o.Start(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
}

func TestOrchestrator_Ready(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()
	require.NoError(t, o.Start(context.Background()))

	assert.Error(t, o.Ready())
	h.session("web").Done(compilertest.Succeeded(bundleOutputs()))
	assert.Error(t, o.Ready())
	h.session("api").Succeed()
	assert.NoError(t, o.Ready())
}

// Scenario: a browser bundle and an auto-started runtime bundle come up,
// and the runtime is started once both have built.
func TestOrchestrator_ClientAndServerCycle(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()
	require.NoError(t, o.Start(context.Background()))

	web := h.session("web")
	api := h.session("api")

	web.Start()
	api.Succeed()
	time.Sleep(5 * restartDelay)
	assert.Equal(t, 0, h.spawner.Count())

	web.Done(compilertest.Succeeded(bundleOutputs()))
	require.Eventually(t, func() bool { return h.spawner.Count() == 1 }, time.Second, 5*time.Millisecond)

	code, body, _ := get(t, o.Clients()[0].Address()+"/")
	assert.Equal(t, 200, code)
	assert.Contains(t, body, "<title>web</title>")
	assert.Equal(t, 1, h.logs.Count("Client served at"))
}

func TestOrchestrator_DisposeOrder(t *testing.T) {
	h := newHarness(t)
	var clientStoppedFirst atomic.Bool
	h.spawner.onTerminate = func() {
		clientStoppedFirst.Store(h.backend.Session("web").Stopped())
	}

	o := h.orchestrator()
	require.NoError(t, o.Start(context.Background()))
	h.session("web").Done(compilertest.Succeeded(bundleOutputs()))
	h.session("api").Succeed()
	require.Eventually(t, func() bool { return h.spawner.Count() == 1 }, time.Second, 5*time.Millisecond)

	address := strings.TrimPrefix(o.Clients()[0].Address(), "http://")
	require.NoError(t, o.Dispose(context.Background()))

	assert.True(t, clientStoppedFirst.Load(), "client servers are disposed before node servers")
	assert.True(t, h.spawner.Process(0).terminated.Load())
	assert.Equal(t, 0, h.spawner.Running())
	assert.True(t, h.backend.Session("api").Stopped())

	_, err := net.DialTimeout("tcp", address, time.Second)
	assert.Error(t, err)

	require.NoError(t, o.Dispose(context.Background()))
	assert.Error(t, o.Start(context.Background()))
}

func TestSupervisor_RestartsOnConfigChange(t *testing.T) {
	root := t.TempDir()
	port := freePort(t)
	path := filepath.Join(root, "stanza.yaml")
	writeConfig := func(title string) {
		content := "host: 127.0.0.1\n" +
			"clientDevServerPort: " + strconv.Itoa(port) + "\n" +
			"bundles:\n" +
			"  web:\n" +
			"    target: browser\n" +
			"    entry: ./src/web/index.js\n" +
			"    outputPath: ./build/web\n" +
			"    webPath: /\n" +
			"    htmlPage:\n" +
			"      title: " + title + "\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	writeConfig("first")

	logs := &logBuffer{}
	backend := compilertest.NewBackend()
	sup := &Supervisor{
		Root:     root,
		Loader:   config.NewLoader(logs.Logger()),
		Backend:  backend,
		Debounce: 100 * time.Millisecond,
		Options: Options{
			Spawner:   &fakeSpawner{},
			Telemetry: testTelemetry(logs),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.Current() != nil && len(sup.Current().Clients()) == 1 }, 2*time.Second, 10*time.Millisecond)
	first := sup.Current()
	firstSession := backend.Session("web")
	assert.Equal(t, "first", firstSession.Opts.Descriptor.HTMLPage.Title)

	writeConfig("second")
	require.Eventually(t, func() bool {
		current := sup.Current()
		return current != nil && current != first && len(current.Clients()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, firstSession.Stopped())
	assert.Equal(t, "second", backend.Session("web").Opts.Descriptor.HTMLPage.Title)
	assert.Equal(t, 1, logs.Count("Configuration changed, restarting..."))

	// One edit restarts exactly once.
	second := sup.Current()
	time.Sleep(300 * time.Millisecond)
	assert.Same(t, second, sup.Current())
	assert.Equal(t, 1, logs.Count("Configuration changed, restarting..."))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.True(t, backend.Session("web").Stopped())
}

func TestSupervisor_InvalidInitialConfig(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "stanza.yaml"), []byte("bundles:\n  web:\n    target: nowhere\n"), 0o644))

	sup := &Supervisor{Root: root, Loader: config.NewLoader((&logBuffer{}).Logger()), Backend: compilertest.NewBackend()}
	err := sup.Run(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
}

func TestOrchestrator_EnvConfigHook(t *testing.T) {
	h := newHarness(t)
	script := filepath.Join(h.project.Root, "env_config.star")
	require.NoError(t, os.WriteFile(script, []byte(
		"def env_config(env, build):\n"+
			"    env[\"process.env.BUNDLE\"] = '\"' + build[\"bundle\"] + '\"'\n"+
			"    return env\n"), 0o644))
	h.project.Plugins.EnvConfig = script

	o := h.orchestrator()
	require.NoError(t, o.Start(context.Background()))

	assert.Equal(t, `"web"`, h.backend.Session("web").Opts.Define["process.env.BUNDLE"])
	assert.Equal(t, `"api"`, h.backend.Session("api").Opts.Define["process.env.BUNDLE"])
	assert.Equal(t, `"development"`, h.backend.Session("api").Opts.Define["process.env.NODE_ENV"])
}

func TestOrchestrator_MissingEnvConfigScript(t *testing.T) {
	h := newHarness(t)
	h.project.Plugins.EnvConfig = filepath.Join(h.project.Root, "missing.star")

	o := h.orchestrator()
	err := o.Start(context.Background())
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
	assert.Nil(t, h.backend.Session("web"))
}
