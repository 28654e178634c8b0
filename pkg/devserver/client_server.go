package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanza-tools/stanza/pkg/compiler"
	"github.com/stanza-tools/stanza/pkg/engine"
	"github.com/stanza-tools/stanza/pkg/telemetry"
)

// ParsePublicURL extracts the host and port a development server binds to
// from the public path of a served bundle.
func ParsePublicURL(publicPath string) (host, port string, err error) {
	u, err := url.Parse(publicPath)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" || u.Port() == "" {
		return "", "", fmt.Errorf("public path %q is not an http(s) URL with a port", publicPath)
	}
	return u.Hostname(), u.Port(), nil
}

// ClientServerOptions configures a HotClientServer.
type ClientServerOptions struct {
	// PublicAssetsPath is a directory of static files served as-is.
	PublicAssetsPath string

	// ShutdownTimeout bounds the graceful shutdown of the listener.
	ShutdownTimeout time.Duration

	CycleID string
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// HotClientServer keeps a browser bundle compiled. Bundles with a web path
// are additionally served over HTTP with live reload; the others are only
// watched.
type HotClientServer struct {
	handle *compiler.Handle
	opts   ClientServerOptions
	logger zerolog.Logger

	webPath  string
	address  string
	memory   *memoryBundle
	hub      *liveReloadHub
	server   *http.Server
	listener net.Listener
	serveErr chan error

	announce    sync.Once
	unsubscribe []func()
	disposeOnce sync.Once
	disposeErr  error
}

// NewHotClientServer starts watching the bundle of handle and, for served
// bundles, binds the development server. The returned server owns the
// handle.
func NewHotClientServer(handle *compiler.Handle, opts ClientServerOptions, logger zerolog.Logger) (*HotClientServer, error) {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	d := handle.Descriptor()
	s := &HotClientServer{
		handle:  handle,
		opts:    opts,
		logger:  logger.With().Str("component", "client-server").Str("bundle", d.Name).Logger(),
		webPath: d.WebPath,
	}

	if d.Serves() {
		if err := s.listen(); err != nil {
			return nil, err
		}
	}

	s.unsubscribe = append(s.unsubscribe, handle.Subscribe(s.onCompile))
	if err := handle.Watch(); err != nil {
		_ = s.Dispose(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *HotClientServer) listen() error {
	publicPath := s.handle.Options().PublicPath
	host, port, err := ParsePublicURL(publicPath)
	if err != nil {
		return engine.NewConfigurationError("invalid development server address", err).
			WithBundle(s.handle.Name()).WithOperation("listen")
	}

	s.memory = newMemoryBundle()
	s.hub = newLiveReloadHub(s.handle.Name(), s.logger, s.opts.Metrics)
	s.unsubscribe = append(s.unsubscribe,
		s.handle.Subscribe(s.memory.OnEvent),
		s.handle.Subscribe(s.hub.OnEvent),
	)

	listener, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		s.release()
		return engine.NewConfigurationError("failed to bind development server", err).
			WithBundle(s.handle.Name()).WithOperation("listen")
	}
	s.listener = listener
	s.address = fmt.Sprintf("http://%s", net.JoinHostPort(host, port))
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serveErr = make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Development server stopped")
		}
		s.serveErr <- err
	}()
	return nil
}

// Name returns the bundle name.
func (s *HotClientServer) Name() string {
	return s.handle.Name()
}

// Handle returns the compiler handle of the bundle.
func (s *HotClientServer) Handle() *compiler.Handle {
	return s.handle
}

// Address returns the base URL of the development server, or an empty
// string for watch-only bundles.
func (s *HotClientServer) Address() string {
	return s.address
}

// Handler returns the request handler of the development server.
//
// Requests under the web path are answered by, in order: the live reload
// stream, the in-memory bundle, the output directory, the public assets
// directory and finally the in-memory index document. The live reload
// stream does not wait for builds in flight.
func (s *HotClientServer) Handler() http.Handler {
	return s.withCORS(s.withMetrics(http.HandlerFunc(s.serve)))
}

func (s *HotClientServer) serve(w http.ResponseWriter, r *http.Request) {
	if s.webPath != "/" && r.URL.Path == strings.TrimSuffix(s.webPath, "/") {
		target := s.webPath
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}
	if !strings.HasPrefix(r.URL.Path, s.webPath) {
		http.NotFound(w, r)
		return
	}
	rel := strings.TrimPrefix(r.URL.Path, s.webPath)

	if rel == compiler.LiveReloadEndpoint {
		s.hub.ServeHTTP(w, r)
		return
	}
	if s.memory.Serve(w, r, rel) {
		return
	}
	if rel != "" {
		if serveStatic(w, r, s.handle.Options().OutputDir(), rel) {
			return
		}
		if serveStatic(w, r, s.opts.PublicAssetsPath, rel) {
			return
		}
	}
	if s.memory.Serve(w, r, compiler.IndexDocument) {
		return
	}
	http.NotFound(w, r)
}

func (s *HotClientServer) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HotClientServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.opts.Metrics.RecordRequest(s.handle.Name(), rec.status)
	})
}

func (s *HotClientServer) onCompile(e compiler.Event) {
	if e.Kind != compiler.EventCompileDone {
		return
	}
	failed := e.Failed()
	var report string
	if failed {
		report = e.Stats.String()
	}
	var duration time.Duration
	if e.Stats != nil {
		duration = e.Stats.Duration
	}
	_ = s.opts.Events.PublishBuild(s.opts.CycleID, s.handle.Name(), e.Generation, failed, duration, report)
	if failed {
		return
	}

	first := false
	s.announce.Do(func() {
		first = true
		if s.address == "" {
			s.logger.Info().Msg("Bundle built, watching for changes")
			return
		}
		url := s.address + s.webPath
		s.logger.Info().Str("url", url).Msgf("Client served at %s", url)
		_ = s.opts.Events.PublishServerListening(s.opts.CycleID, s.handle.Name(), url)
	})
	if !first {
		s.logger.Info().Uint64("generation", e.Generation).Msg("Running with latest changes")
	}
}

func (s *HotClientServer) release() {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.unsubscribe = nil
}

// Dispose stops the compiler, ends open live reload streams and releases
// the listener. New connections are refused once Dispose returns. It is safe
// to call more than once and on a partially initialized server.
func (s *HotClientServer) Dispose(ctx context.Context) error {
	s.disposeOnce.Do(func() {
		var errs []error

		if s.memory != nil {
			s.memory.Close()
		}
		if err := s.handle.Stop(); err != nil {
			errs = append(errs, err)
		}
		s.release()
		if s.hub != nil {
			s.hub.Close()
		}

		if s.server != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
			err := s.server.Shutdown(shutdownCtx)
			cancel()
			if err != nil {
				_ = s.server.Close()
				errs = append(errs, engine.NewDisposalError("failed to shut down development server", err).
					WithBundle(s.handle.Name()).WithOperation("shutdown"))
			}
			<-s.serveErr
		}

		s.disposeErr = errors.Join(errs...)
		if s.disposeErr != nil {
			s.logger.Error().Err(s.disposeErr).Msg("Failed to dispose server")
			return
		}
		s.logger.Debug().Msg("Server disposed")
	})
	return s.disposeErr
}

// serveStatic serves rel from dir if it names a regular file.
func serveStatic(w http.ResponseWriter, r *http.Request, dir, rel string) bool {
	if dir == "" {
		return false
	}
	name := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+rel)))
	f, err := os.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
