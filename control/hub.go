package control

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/hb9tf/spectran/acquisition"
	"github.com/hb9tf/spectran/daq"
	"github.com/hb9tf/spectran/psd"
)

const clientBuffer = 256

// Message is what websocket clients receive for every run event.
type Message struct {
	Type        string    `json:"type"`
	SessionID   string    `json:"session_id,omitempty"`
	Index       int       `json:"index"`
	Settle      bool      `json:"settle,omitempty"`
	Rows        int       `json:"rows,omitempty"`
	Done        int       `json:"done,omitempty"`
	Complete    bool      `json:"complete,omitempty"`
	Trace       []float64 `json:"trace,omitempty"`
	Frequencies []float64 `json:"frequencies,omitempty"`
	PSD         []float64 `json:"psd,omitempty"`
	Kind        string    `json:"kind,omitempty"`
	Message     string    `json:"message,omitempty"`
	State       string    `json:"state,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// writePump pumps messages from the hub to the websocket connection.
func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Hub fans run events out to websocket clients. It is the acquisition.Consumer of every run
// started through the API. A client that cannot keep up misses messages; the run itself is
// never slowed down.
type Hub struct {
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	clients   map[*client]bool
	sessionID string

	// signal adds the latest trace to progress messages.
	signal atomic.Bool
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
		},
		clients: map[*client]bool{},
	}
}

// SetSignalEnabled controls whether progress messages carry the acquired trace.
func (h *Hub) SetSignalEnabled(on bool) {
	h.signal.Store(on)
}

func (h *Hub) SignalEnabled() bool {
	return h.signal.Load()
}

func (h *Hub) setSession(id string) {
	h.mu.Lock()
	h.sessionID = id
	h.mu.Unlock()
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and streams messages until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("websocket upgrade failed: %s", err)
		return
	}
	c := &client{conn: conn, send: make(chan Message, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	glog.V(1).Infof("websocket client %s connected", r.RemoteAddr)

	go c.writePump()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.send)
		glog.V(1).Infof("websocket client %s disconnected", r.RemoteAddr)
	}()

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msg.SessionID = h.sessionID
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (h *Hub) OnProgress(index int, settle bool, snap psd.Snapshot) {
	msg := Message{
		Type:     "progress",
		Index:    index,
		Settle:   settle,
		Rows:     snap.Rows,
		Done:     snap.Done,
		Complete: snap.Complete,
	}
	if snap.Done > 0 {
		msg.Frequencies = snap.Frequencies
		msg.PSD = snap.Aggregate
	}
	if h.SignalEnabled() {
		msg.Trace = snap.Trace
	}
	h.broadcast(msg)
}

func (h *Hub) OnError(kind daq.Kind, message string) {
	h.broadcast(Message{Type: "error", Index: -1, Kind: kind.String(), Message: message})
}

func (h *Hub) OnFinished(state acquisition.State) {
	h.broadcast(Message{Type: "finished", Index: -1, State: state.String()})
}
