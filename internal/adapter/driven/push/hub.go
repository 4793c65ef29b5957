// Package push broadcasts feedback and session signals to connected browsers
// over websockets.
package push

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ericfisherdev/civiscan/internal/domain/model"
	"github.com/ericfisherdev/civiscan/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.FeedbackSink    = (*Hub)(nil)
	_ driven.SessionObserver = (*Hub)(nil)
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	readLimit  = 4096

	// sendBuffer is the per-connection queue length. A connection that
	// falls this far behind is dropped.
	sendBuffer = 16
)

// Writer is one outbound connection.
type Writer interface {
	Write(message []byte) error
	Close() error
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Type      string             `json:"type"`
	ScannerID string             `json:"scanner_id,omitempty"`
	Kind      model.FeedbackKind `json:"kind,omitempty"`
}

type client struct {
	w       Writer
	scanner string
	send    chan []byte
}

// Hub delivers messages to registered connections. Feedback goes only to the
// connections that joined the scanner's room; session signals go to all.
// Writes happen on a per-connection goroutine, never on the caller's.
type Hub struct {
	mu       sync.RWMutex
	clients  map[Writer]*client
	rooms    map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub creates a Hub. checkOrigin may be nil to require a same-origin
// upgrade request.
func NewHub(checkOrigin func(r *http.Request) bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:  make(map[Writer]*client),
		rooms:    make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:   logger,
	}
}

// Register adds w and starts its write loop. A non-empty scannerID joins
// that scanner's room.
func (h *Hub) Register(w Writer, scannerID string) {
	c := &client{w: w, scanner: scannerID, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if old, ok := h.clients[w]; ok {
		h.removeLocked(old)
	}
	h.clients[w] = c
	if scannerID != "" {
		set, ok := h.rooms[scannerID]
		if !ok {
			set = make(map[*client]struct{})
			h.rooms[scannerID] = set
		}
		set[c] = struct{}{}
	}
	h.mu.Unlock()

	go h.writeLoop(c)
}

// Unregister removes w. Messages still queued for it are discarded.
func (h *Hub) Unregister(w Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[w]; ok {
		h.removeLocked(c)
	}
}

// Len returns the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every connection.
func (h *Hub) Broadcast(msg Message) {
	h.publish(msg, "")
}

// NotifyScanner queues a feedback signal for the connections of scannerID.
func (h *Hub) NotifyScanner(scannerID string, kind model.FeedbackKind) {
	if scannerID == "" {
		return
	}
	h.publish(Message{Type: "feedback", ScannerID: scannerID, Kind: kind}, scannerID)
}

// SessionExpired tells every client that the backend session is gone.
func (h *Hub) SessionExpired() {
	h.Broadcast(Message{Type: "session_expired"})
}

// publish queues msg for the room, or for everyone when room is empty.
func (h *Hub) publish(msg Message, room string) {
	out, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encoding push message", "type", msg.Type, "error", err)
		return
	}

	var lagging []*client
	offer := func(c *client) {
		select {
		case c.send <- out:
		default:
			lagging = append(lagging, c)
		}
	}

	h.mu.RLock()
	if room == "" {
		for _, c := range h.clients {
			offer(c)
		}
	} else {
		for c := range h.rooms[room] {
			offer(c)
		}
	}
	h.mu.RUnlock()

	for _, c := range lagging {
		h.drop(c)
	}
	if len(lagging) > 0 {
		h.logger.Debug("dropped lagging push connections", "count", len(lagging))
	}
}

func (h *Hub) writeLoop(c *client) {
	for out := range c.send {
		if err := c.w.Write(out); err != nil {
			h.logger.Debug("push write failed", "scanner", c.scanner, "error", err)
			h.drop(c)
			return
		}
	}
}

// drop closes and removes c unless it was already replaced or removed.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.w]; ok && cur == c {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	_ = c.w.Close()
}

// removeLocked forgets c and ends its write loop. Callers hold h.mu.
func (h *Hub) removeLocked(c *client) {
	delete(h.clients, c.w)
	if set, ok := h.rooms[c.scanner]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, c.scanner)
		}
	}
	close(c.send)
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

// ServeWS upgrades the request and keeps the connection registered until the
// client goes away. ?scanner={id} subscribes to that scanner's feedback.
// Client frames other than pongs are ignored.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	scannerID := r.URL.Query().Get("scanner")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn := &wsWriter{conn: ws}
	h.Register(conn, scannerID)
	defer func() {
		h.Unregister(conn)
		_ = ws.Close()
	}()

	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				conn.mu.Lock()
				err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				conn.mu.Unlock()
				if err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
