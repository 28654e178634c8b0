package devserver

import (
	"bytes"
	"mime"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/stanza-tools/stanza/pkg/compiler"
)

// memoryBundle serves the in-memory output of the latest successful build.
// Requests arriving while a build is in flight wait for it to finish.
type memoryBundle struct {
	mu       sync.Mutex
	building bool
	ready    chan struct{}
	outputs  map[string][]byte
	modTime  time.Time
	closed   bool
}

func newMemoryBundle() *memoryBundle {
	ready := make(chan struct{})
	return &memoryBundle{
		building: true,
		ready:    ready,
	}
}

// OnEvent tracks the build state of the bundle.
func (m *memoryBundle) OnEvent(e compiler.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	switch e.Kind {
	case compiler.EventCompileStart:
		if !m.building {
			m.building = true
			m.ready = make(chan struct{})
		}
	case compiler.EventCompileDone:
		if !e.Failed() && e.Stats != nil && e.Stats.Outputs != nil {
			m.outputs = e.Stats.Outputs
			m.modTime = time.Now()
		}
		if m.building {
			m.building = false
			close(m.ready)
		}
	}
}

// wait blocks until no build is in flight. It reports false when the bundle
// was closed or the request was cancelled.
func (m *memoryBundle) wait(r *http.Request) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	ready := m.ready
	building := m.building
	m.mu.Unlock()

	if building {
		select {
		case <-ready:
		case <-r.Context().Done():
			return false
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// Serve writes the in-memory file at rel, if there is one. It reports
// whether the request was handled.
func (m *memoryBundle) Serve(w http.ResponseWriter, r *http.Request, rel string) bool {
	if !m.wait(r) {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			http.Error(w, "development server disposed", http.StatusServiceUnavailable)
			return true
		}
		return true
	}

	if rel == "" {
		rel = compiler.IndexDocument
	}

	m.mu.Lock()
	content, ok := m.outputs[rel]
	modTime := m.modTime
	m.mu.Unlock()
	if !ok {
		return false
	}

	if ctype := mime.TypeByExtension(path.Ext(rel)); ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, rel, modTime, bytes.NewReader(content))
	return true
}

// Close releases waiting requests; later requests are answered with 503.
func (m *memoryBundle) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.building {
		m.building = false
		close(m.ready)
	}
	m.outputs = nil
}
