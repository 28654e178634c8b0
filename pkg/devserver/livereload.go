package devserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stanza-tools/stanza/pkg/compiler"
	"github.com/stanza-tools/stanza/pkg/telemetry"
)

// HeartbeatInterval is the interval of keep-alive comments on live reload streams.
var HeartbeatInterval = 10 * time.Second

// Live reload event names.
const (
	ReloadEventBuilding = "building"
	ReloadEventBuilt    = "built"
	ReloadEventErrors   = "errors"
)

type reloadMessage struct {
	event string
	data  []byte
}

// liveReloadHub streams compile events of one bundle to connected browsers
// as server-sent events.
type liveReloadHub struct {
	bundle  string
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	clients map[chan reloadMessage]struct{}
	closed  chan struct{}
	once    sync.Once
}

func newLiveReloadHub(bundle string, logger zerolog.Logger, metrics *telemetry.Metrics) *liveReloadHub {
	return &liveReloadHub{
		bundle:  bundle,
		logger:  logger,
		metrics: metrics,
		clients: make(map[chan reloadMessage]struct{}),
		closed:  make(chan struct{}),
	}
}

// OnEvent translates a compile event into a live reload message.
func (h *liveReloadHub) OnEvent(e compiler.Event) {
	switch e.Kind {
	case compiler.EventCompileStart:
		h.broadcast(ReloadEventBuilding, map[string]interface{}{"generation": e.Generation})
	case compiler.EventCompileDone:
		if e.Failed() {
			h.broadcast(ReloadEventErrors, map[string]interface{}{
				"generation": e.Generation,
				"report":     e.Stats.String(),
			})
			return
		}
		h.broadcast(ReloadEventBuilt, map[string]interface{}{"generation": e.Generation})
	}
}

func (h *liveReloadHub) broadcast(event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn().Err(err).Str("event", event).Msg("Failed to encode live reload message")
		return
	}
	msg := reloadMessage{event: event, data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			// Slow client; it reconnects and picks up the next build.
		}
	}
}

// Clients returns the number of connected streams.
func (h *liveReloadHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *liveReloadHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := make(chan reloadMessage, 16)
	h.mu.Lock()
	select {
	case <-h.closed:
		h.mu.Unlock()
		http.Error(w, "server disposed", http.StatusServiceUnavailable)
		return
	default:
	}
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	h.metrics.AddLiveReloadClients(h.bundle, 1)

	defer func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
		h.metrics.AddLiveReloadClients(h.bundle, -1)
	}()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case msg := <-ch:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.event, msg.data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-h.closed:
			return
		}
	}
}

// Close ends every open stream. It is safe to call more than once.
func (h *liveReloadHub) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		close(h.closed)
		h.mu.Unlock()
	})
}
