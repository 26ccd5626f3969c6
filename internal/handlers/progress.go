package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"photocache/internal/cache"
	"photocache/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames.
	maxMessageSize = 512

	// Outbound queue per client. A client that falls this far behind is
	// disconnected rather than allowed to stall the hub.
	sendBuffer = 64
)

const (
	msgProgress = "progress"
	msgSize     = "size"
)

// wsMessage is one frame on the progress websocket.
type wsMessage struct {
	Type       string          `json:"type"`
	Progress   *cache.Progress `json:"progress,omitempty"`
	TotalBytes *int64          `json:"totalBytes,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API has no browser front end; any origin may watch progress.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
}

// progressHub fans batch progress out to websocket clients. New clients
// get the latest progress event first.
type progressHub struct {
	register   chan *wsConn
	unregister chan *wsConn
	broadcast  chan []byte
	done       chan struct{}

	mu   sync.Mutex
	last []byte

	// Owned by run.
	conns map[*wsConn]bool
}

func newProgressHub(initial cache.Progress) *progressHub {
	h := &progressHub{
		register:   make(chan *wsConn),
		unregister: make(chan *wsConn),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		conns:      make(map[*wsConn]bool),
	}
	h.last = mustMarshal(wsMessage{Type: msgProgress, Progress: &initial})
	return h
}

func mustMarshal(m wsMessage) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		// Only plain structs go through here.
		panic(err)
	}
	return b
}

// publish queues a message for every client. It never blocks the caller.
func (h *progressHub) publish(m wsMessage) {
	b := mustMarshal(m)
	if m.Type == msgProgress {
		h.mu.Lock()
		h.last = b
		h.mu.Unlock()
	}
	select {
	case h.broadcast <- b:
	case <-h.done:
	default:
		log.Warn("progress hub backlog full, dropping %s message", m.Type)
	}
}

func (h *progressHub) latest() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *progressHub) run(ctx context.Context) {
	defer func() {
		for c := range h.conns {
			h.drop(c)
		}
		close(h.done)
	}()

	for {
		select {
		case c := <-h.register:
			h.conns[c] = true
			metrics.ProgressSubscribers.Set(float64(len(h.conns)))
			c.send <- h.latest()
		case c := <-h.unregister:
			if h.conns[c] {
				h.drop(c)
			}
		case msg := <-h.broadcast:
			for c := range h.conns {
				select {
				case c.send <- msg:
				default:
					log.Debug("dropping slow progress client %s", c.ws.RemoteAddr())
					h.drop(c)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *progressHub) drop(c *wsConn) {
	delete(h.conns, c)
	close(c.send)
	metrics.ProgressSubscribers.Set(float64(len(h.conns)))
}

func (h *progressHub) wait() {
	<-h.done
}

// readPump discards client frames and notices disconnects.
func (h *progressHub) readPump(c *wsConn) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsConn) write(mt int, payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeProgress upgrades to a websocket that streams progress and cache
// size messages.
func (h *Handlers) ServeProgress(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		log.Debug("progress websocket upgrade failed: %v", err)
		return
	}

	c := &wsConn{ws: ws, send: make(chan []byte, sendBuffer)}
	select {
	case h.hub.register <- c:
	case <-h.hub.done:
		ws.Close()
		return
	}
	go c.writePump()
	h.hub.readPump(c)
}
