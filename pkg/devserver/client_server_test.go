package devserver

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanza-tools/stanza/pkg/compiler"
	"github.com/stanza-tools/stanza/pkg/compiler/compilertest"
	"github.com/stanza-tools/stanza/pkg/engine"
)

func (h *harness) clientServer(d engine.BundleDescriptor) *HotClientServer {
	h.t.Helper()
	srv, err := NewHotClientServer(h.handle(d, engine.ModeDevelopment), ClientServerOptions{
		PublicAssetsPath: h.project.PublicAssetsPath,
	}, h.logs.Logger())
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = srv.Dispose(context.Background()) })
	return srv
}

func bundleOutputs() map[string][]byte {
	return map[string][]byte{
		"index.js":             []byte(`console.log("web");`),
		compiler.IndexDocument: []byte(`<!doctype html><title>web</title>`),
	}
}

func get(t *testing.T, url string) (int, string, http.Header) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body), resp.Header
}

func TestParsePublicURL(t *testing.T) {
	tests := []struct {
		publicPath string
		host       string
		port       string
		wantErr    bool
	}{
		{publicPath: "http://localhost:7331/", host: "localhost", port: "7331"},
		{publicPath: "https://dev.example.com:8443/app/", host: "dev.example.com", port: "8443"},
		{publicPath: "http://[::1]:7331/", host: "::1", port: "7331"},
		{publicPath: "/", wantErr: true},
		{publicPath: "http://localhost/", wantErr: true},
		{publicPath: "ftp://localhost:21/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.publicPath, func(t *testing.T) {
			host, port, err := ParsePublicURL(tt.publicPath)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestHotClientServer_RedirectsBareWebPath(t *testing.T) {
	h := newHarness(t)
	d := webBundle()
	d.WebPath = "/app/"
	srv := h.clientServer(d)
	s := h.session("web")
	s.Start()
	s.Done(compilertest.Succeeded(bundleOutputs()))

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(srv.Address() + "/app?x=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "/app/?x=1", resp.Header.Get("Location"))

	code, body, _ := get(t, srv.Address()+"/app")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<title>web</title>")

	code, _, _ = get(t, srv.Address()+"/other")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHotClientServer_ServesInMemoryBundle(t *testing.T) {
	h := newHarness(t)
	srv := h.clientServer(webBundle())
	s := h.session("web")

	s.Start()
	s.Done(compilertest.Succeeded(bundleOutputs()))

	code, body, header := get(t, srv.Address()+"/index.js")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `console.log("web");`, body)
	assert.Equal(t, "*", header.Get("Access-Control-Allow-Origin"))

	code, body, _ = get(t, srv.Address()+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<title>web</title>")

	code, body, _ = get(t, srv.Address()+"/users/42")
	assert.Equal(t, http.StatusOK, code, "unknown routes fall back to the index document")
	assert.Contains(t, body, "<title>web</title>")
}

func TestHotClientServer_ServesOutputAndPublicAssets(t *testing.T) {
	h := newHarness(t)
	outDir := filepath.Join(h.project.Root, "build/web")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "__dev_vendor_dll__.js"), []byte("vendor"), 0o644))
	require.NoError(t, os.MkdirAll(h.project.PublicAssetsPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.project.PublicAssetsPath, "robots.txt"), []byte("User-agent: *"), 0o644))

	srv := h.clientServer(webBundle())
	h.session("web").Done(compilertest.Succeeded(bundleOutputs()))

	code, body, _ := get(t, srv.Address()+"/__dev_vendor_dll__.js")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "vendor", body)

	code, body, _ = get(t, srv.Address()+"/robots.txt")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "User-agent: *", body)

	code, body, _ = get(t, srv.Address()+"/../../etc/hosts")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<title>web</title>", "paths never escape the served directories")
}

func TestHotClientServer_WaitsForBuildInFlight(t *testing.T) {
	h := newHarness(t)
	srv := h.clientServer(webBundle())
	s := h.session("web")
	s.Succeed()

	s.Start()
	type result struct {
		code int
		body string
	}
	results := make(chan result, 1)
	go func() {
		code, body, _ := get(t, srv.Address()+"/index.js")
		results <- result{code, body}
	}()

	select {
	case <-results:
		t.Fatal("request answered while a build was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	s.Done(compilertest.Succeeded(bundleOutputs()))
	select {
	case r := <-results:
		assert.Equal(t, http.StatusOK, r.code)
		assert.Equal(t, `console.log("web");`, r.body)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not released by the build")
	}
}

func TestHotClientServer_LiveReloadStream(t *testing.T) {
	h := newHarness(t)
	srv := h.clientServer(webBundle())
	s := h.session("web")
	s.Done(compilertest.Succeeded(bundleOutputs()))

	resp, err := http.Get(srv.Address() + "/" + compiler.LiveReloadEndpoint)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 32)
	go func() {
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimSpace(line)
		}
	}()

	next := func(prefix string) string {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed")
				if strings.HasPrefix(line, prefix) {
					return line
				}
			case <-deadline:
				t.Fatalf("no line starting with %q", prefix)
			}
		}
	}

	next(": connected")

	s.Start()
	assert.Equal(t, "event: "+ReloadEventBuilding, next("event:"))

	s.Done(compilertest.Failed(`Could not resolve "./missing"`))
	assert.Equal(t, "event: "+ReloadEventErrors, next("event:"))
	assert.Contains(t, next("data:"), "missing")

	s.Succeed()
	assert.Equal(t, "event: "+ReloadEventBuilding, next("event:"))
	assert.Equal(t, "event: "+ReloadEventBuilt, next("event:"))

	require.NoError(t, srv.Dispose(context.Background()))
	for range lines {
	}
}

func TestHotClientServer_ServedAtLoggedOnce(t *testing.T) {
	h := newHarness(t)
	srv := h.clientServer(webBundle())
	s := h.session("web")

	s.Start()
	s.Done(compilertest.Failed())
	assert.Equal(t, 0, h.logs.Count("Client served at"))

	for i := 0; i < 3; i++ {
		s.Start()
		s.Done(compilertest.Succeeded(bundleOutputs()))
	}

	assert.Equal(t, 1, h.logs.Count("Client served at "+srv.Address()+"/"))
	assert.Equal(t, 2, h.logs.Count("Running with latest changes"))
}

func TestHotClientServer_DisposeRefusesConnections(t *testing.T) {
	h := newHarness(t)
	srv := h.clientServer(webBundle())
	s := h.session("web")
	s.Done(compilertest.Succeeded(bundleOutputs()))

	code, _, _ := get(t, srv.Address()+"/index.js")
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, srv.Dispose(context.Background()))
	assert.True(t, s.Stopped())

	_, err := net.DialTimeout("tcp", strings.TrimPrefix(srv.Address(), "http://"), time.Second)
	assert.Error(t, err)

	require.NoError(t, srv.Dispose(context.Background()))
}

func TestHotClientServer_DisposeReleasesWaitingRequests(t *testing.T) {
	h := newHarness(t)
	srv := h.clientServer(webBundle())
	s := h.session("web")
	s.Start()

	codes := make(chan int, 1)
	go func() {
		resp, err := http.Get(srv.Address() + "/index.js")
		if err != nil {
			codes <- 0
			return
		}
		resp.Body.Close()
		codes <- resp.StatusCode
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, srv.Dispose(context.Background()))
	select {
	case code := <-codes:
		assert.Equal(t, http.StatusServiceUnavailable, code)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting request was not released")
	}
}

func TestHotClientServer_InvalidAddress(t *testing.T) {
	h := newHarness(t)
	handle := h.handle(webBundle(), engine.ModeProduction)

	_, err := NewHotClientServer(handle, ClientServerOptions{}, h.logs.Logger())
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
}

func TestHotClientServer_PortInUse(t *testing.T) {
	h := newHarness(t)
	l, err := net.Listen("tcp", net.JoinHostPort(h.project.Host, strconv.Itoa(h.project.ClientDevServerPort)))
	require.NoError(t, err)
	defer l.Close()

	_, err = NewHotClientServer(h.handle(webBundle(), engine.ModeDevelopment), ClientServerOptions{}, h.logs.Logger())
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
}

func TestHotClientServer_WatchOnly(t *testing.T) {
	h := newHarness(t)
	d := webBundle()
	d.WebPath = ""
	srv := h.clientServer(d)
	s := h.session("web")

	s.Succeed()
	assert.Empty(t, srv.Address())
	assert.Equal(t, 1, h.logs.Count("Bundle built, watching for changes"))

	require.NoError(t, srv.Dispose(context.Background()))
	assert.True(t, s.Stopped())
}
