// Package ws is the registrar side of the websocket notification bus: every
// connected worker receives every notification.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/mistakeknot/huddle/internal/bus"
	"github.com/mistakeknot/huddle/internal/core"
)

const writeTimeout = 5 * time.Second

var _ bus.Publisher = (*Hub)(nil)

type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[*websocket.Conn]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{conns: make(map[string]map[*websocket.Conn]struct{}), logger: logger}
}

// Handler serves /ws/workers/{workerID}. Inbound frames are read and
// discarded so pings and close frames are processed.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		worker := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/workers/"), "/")
		if worker == "" || strings.Contains(worker, "/") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		h.add(worker, conn)
		defer h.remove(worker, conn)
		h.logger.Info("worker subscribed", "worker_id", worker)

		ctx := conn.CloseRead(r.Context())
		<-ctx.Done()
		h.logger.Info("worker unsubscribed", "worker_id", worker)
	}
}

type connEntry struct {
	conn   *websocket.Conn
	worker string
}

// Publish writes n to every connected worker. It fails with
// bus.ErrNoSubscribers when no write succeeded.
func (h *Hub) Publish(ctx context.Context, n core.Notification) error {
	raw, err := bus.Encode(n)
	if err != nil {
		return err
	}
	delivered := 0
	for _, e := range h.snapshot() {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := e.conn.Write(wctx, websocket.MessageText, raw)
		cancel()
		if err != nil {
			h.logger.Warn("drop worker connection", "worker_id", e.worker, "error", err)
			go func(e connEntry) {
				e.conn.Close(websocket.StatusGoingAway, "write error")
				h.remove(e.worker, e.conn)
			}(e)
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return bus.ErrNoSubscribers
	}
	return nil
}

// Workers returns the identities with at least one open connection.
func (h *Hub) Workers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.conns))
	for w := range h.conns {
		out = append(out, w)
	}
	return out
}

func (h *Hub) snapshot() []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []connEntry
	for worker, conns := range h.conns {
		for conn := range conns {
			out = append(out, connEntry{conn: conn, worker: worker})
		}
	}
	return out
}

func (h *Hub) add(worker string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perWorker, ok := h.conns[worker]
	if !ok {
		perWorker = make(map[*websocket.Conn]struct{})
		h.conns[worker] = perWorker
	}
	perWorker[conn] = struct{}{}
}

func (h *Hub) remove(worker string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	perWorker, ok := h.conns[worker]
	if !ok {
		return
	}
	delete(perWorker, conn)
	if len(perWorker) == 0 {
		delete(h.conns, worker)
	}
}
