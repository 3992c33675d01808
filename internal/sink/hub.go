package sink

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/axewatch/violation"
)

const (
	hubWriteWait = 10 * time.Second
	hubPongWait  = 60 * time.Second
	hubPingEvery = (hubPongWait * 9) / 10
	hubBuffer    = 32
)

var hubUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Hub streams reports to websocket clients. It is both a Sink and the
// http.Handler clients connect to; ?page=<id> limits a client to one page.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	page string
	out  chan envelope
	done chan struct{}
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, clients: make(map[*hubClient]struct{})}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Send queues report for every interested client. A client whose buffer
// is full misses the report.
func (h *Hub) Send(_ context.Context, report violation.Report) error {
	msg := envelope{Type: "report", Data: Sanitize(report)}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.page != "" && c.page != report.PageID {
			continue
		}
		select {
		case c.out <- msg:
		default:
			h.logger.Warn("sink: websocket client too slow, report dropped", "report", report.ID)
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.done)
		delete(h.clients, c)
	}
	return nil
}

func (h *Hub) add(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.done)
	}
}

// ServeHTTP upgrades the request and streams reports until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := hubUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &hubClient{
		page: strings.TrimSpace(r.URL.Query().Get("page")),
		out:  make(chan envelope, hubBuffer),
		done: make(chan struct{}),
	}
	if !h.add(c) {
		return
	}
	defer h.remove(c)

	if err := conn.SetReadDeadline(time.Now().Add(hubPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	// Reads only serve control frames; any read error ends the client.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(hubPingEvery)
	defer ticker.Stop()

	_ = conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
	if err := conn.WriteJSON(envelope{Type: "subscribed", Data: map[string]string{"page": c.page}}); err != nil {
		return
	}

	for {
		select {
		case <-readDone:
			return
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(hubWriteWait))
			return
		case msg := <-c.out:
			if err := conn.SetWriteDeadline(time.Now().Add(hubWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(hubWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
