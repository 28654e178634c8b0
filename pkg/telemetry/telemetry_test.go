package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	assert.Error(t, cfg.Validate(), "otlp requires an endpoint")

	cfg.Tracing.Endpoint = "localhost:4317"
	assert.NoError(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Events.BufferSize = 0
	assert.Error(t, cfg.Validate())
}

func TestMetrics_NilAndDisabledAreNoops(t *testing.T) {
	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.RecordBuildStarted("web")
		nilMetrics.RecordBuildCompleted("web", true, time.Second)
		nilMetrics.RecordProcessStart("api")
		nilMetrics.RecordVendorRebuild("vendor", nil)
		nilMetrics.RecordRequest("web", 200)
		nilMetrics.SetActiveBundles(2)
	})
	assert.Nil(t, nilMetrics.Registry())

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)
	assert.NotPanics(t, func() { disabled.RecordCycleStarted() })

	rec := httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	m.RecordBuildStarted("web")
	m.RecordBuildCompleted("web", false, 200*time.Millisecond)
	m.RecordBuildCompleted("web", true, 100*time.Millisecond)
	m.RecordProcessStart("api")
	m.RecordVendorHit("__dev_vendor_dll__")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `stanza_builds_completed_total{bundle="web",status="success"} 1`)
	assert.Contains(t, body, `stanza_builds_completed_total{bundle="web",status="failure"} 1`)
	assert.Contains(t, body, `stanza_compiling{bundle="web"} 0`)
	assert.Contains(t, body, `stanza_process_starts_total{bundle="api"} 1`)
	assert.Contains(t, body, `stanza_vendor_cache_hits_total{cache="__dev_vendor_dll__"} 1`)
}

func TestEventPublisher_AsyncOrderAndDrain(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:      true,
		BufferSize:   100,
		MaxBatchSize: 10,
		EnableAsync:  true,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Message)
	}, nil)

	for i := 0; i < 25; i++ {
		require.NoError(t, ep.Publish(Event{Type: EventTypeBuildSucceeded, Message: string(rune('a' + i))}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ep.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 25)
	for i, msg := range got {
		assert.Equal(t, string(rune('a'+i)), msg)
	}

	assert.Error(t, ep.Publish(Event{Type: EventTypeBuildSucceeded}), "publishing after shutdown fails")
}

func TestEventPublisher_SyncFilters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, MaxBatchSize: 1})
	require.NoError(t, err)

	var got []Event
	onlyAPI := FilterByBundle("api")
	warnings := FilterByLevel(EventLevelWarning)
	ep.Subscribe(func(e Event) { got = append(got, e) }, func(e Event) bool {
		return onlyAPI(e) && warnings(e)
	})

	require.NoError(t, ep.PublishProcessStarted("c1", "api", 42))
	require.NoError(t, ep.PublishProcessExited("c1", "api", 42, false, errors.New("exit status 1")))
	require.NoError(t, ep.PublishProcessExited("c1", "web", 43, false, nil))

	require.Len(t, got, 1)
	assert.Equal(t, EventTypeProcessExited, got[0].Type)
	assert.Equal(t, EventLevelWarning, got[0].Level)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestFilterByBundle(t *testing.T) {
	filter := FilterByBundle("web", "api")

	assert.True(t, filter(Event{Bundle: "web"}))
	assert.True(t, filter(Event{Bundle: "api"}))
	assert.False(t, filter(Event{Bundle: "worker"}))
	assert.True(t, filter(Event{Type: EventTypeCycleStarted}), "cycle events carry no bundle")
}

func TestEventPublisher_Disabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{})
	require.NoError(t, err)
	assert.NoError(t, ep.Publish(Event{Type: EventTypeCycleStarted}))
	assert.NoError(t, ep.Shutdown(context.Background()))

	var nilPublisher *EventPublisher
	assert.NoError(t, nilPublisher.PublishCycleStarted("c1", nil))
}

func TestAdminServer_Endpoints(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	require.NoError(t, err)

	admin := NewAdminServer("127.0.0.1:0", m, zerolog.Nop())
	var ready atomic.Bool
	admin.AddReadinessCheck("first-build", func() error {
		if !ready.Load() {
			return errors.New("waiting for first build")
		}
		return nil
	})

	require.NoError(t, admin.Start())
	defer admin.Shutdown(context.Background())

	base := "http://" + admin.Addr()
	get := func(path string) (int, string) {
		resp, err := http.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	code, _ := get("/live")
	assert.Equal(t, http.StatusOK, code)

	code, _ = get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	ready.Store(true)
	code, _ = get("/ready")
	assert.Equal(t, http.StatusOK, code)

	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "stanza_orchestration_cycles_total"))
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	zlog := logger.NewComponentLogger("devserver").Zerolog()
	zlog.Info().Str("bundle", "web").Msg("Client served")

	out := buf.String()
	assert.Contains(t, out, `"component":"devserver"`)
	assert.Contains(t, out, `"bundle":"web"`)
	assert.Contains(t, out, `"message":"Client served"`)
}

func TestTracer_Nop(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "stanza", "dev", "development")
	require.NoError(t, err)

	ctx, span := tracer.StartCycleSpan(context.Background(), "c1")
	EndSpan(span, errors.New("boom"))
	assert.Empty(t, TraceID(ctx))
	assert.NoError(t, tracer.Shutdown(context.Background()))

	var nilTracer *Tracer
	_, span = nilTracer.StartPhaseSpan(context.Background(), "vendor", 1, 4)
	span.End()
}
