package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/banshee-data/turntable.report/internal/flutter"
	"github.com/banshee-data/turntable.report/internal/httputil"
	"github.com/banshee-data/turntable.report/internal/monitoring"
)

// event is one encoded server-sent event.
type event struct {
	name string
	data []byte
}

// Hub fans scheduler output out to SSE clients. It is a scheduler
// publisher: each UI tick becomes a "snapshot" event and each metric tick a
// "metrics" event. Slow clients miss events rather than stall the tick.
type Hub struct {
	mu      sync.Mutex
	clients map[chan event]struct{}
	last    *event
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan event]struct{})}
}

func (h *Hub) PublishSnapshot(s flutter.Snapshot) {
	h.broadcast("snapshot", s, true)
}

func (h *Hub) PublishMetrics(m flutter.Metrics) {
	h.broadcast("metrics", m, false)
}

func (h *Hub) broadcast(name string, v interface{}, keep bool) {
	data, err := json.Marshal(v)
	if err != nil {
		monitoring.Logf("hub: failed to encode %s: %v", name, err)
		return
	}
	ev := event{name: name, data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	if keep {
		h.last = &ev
	}
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			monitoring.Debugf("hub: client behind, dropping %s event", name)
		}
	}
}

// Clients returns the number of connected streams.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) subscribe() chan event {
	ch := make(chan event, 8)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	if h.last != nil {
		ch <- *h.last
	}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// ServeHTTP streams events until the client goes away. A new client first
// receives the most recent snapshot.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, ev.data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
