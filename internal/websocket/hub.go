// Package websocket fans every relevant bus.Event out to connected UI
// clients over a gorilla/websocket connection, grounded on the
// teacher's internal/agentexec/server.go connection-management pattern
// (per-connection write mutex, server-side ping loop, read/write
// deadlines, bounded message size) generalized from bidirectional
// agent RPC to one-way broadcast.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tokenwatch/monitor/internal/bus"
	"github.com/tokenwatch/monitor/internal/metrics"
)

// pingInterval/pingWriteWait/maxMessageBytes mirror agentexec/server.go's
// keep-alive and size-limit constants.
const (
	pingInterval     = 30 * time.Second
	pingWriteWait    = 5 * time.Second
	maxMessageBytes  = 1 << 20
	clientSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message is the envelope pushed to every client: Kind mirrors
// bus.EventKind and Payload is whatever the bus event carried,
// marshaled straight through.
type Message struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type client struct {
	conn    *websocket.Conn
	send    chan Message
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub tracks connected clients and broadcasts bus events to all of
// them. A client whose send buffer is full is dropped rather than
// allowed to block the broadcast loop for every other client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	m       *metrics.Metrics
}

// NewHub returns an empty Hub. m may be nil if metrics are not wired.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{clients: make(map[*client]struct{}), m: m}
}

// Subscribe wires h to every event kind the UI cares about.
func (h *Hub) Subscribe(b *bus.Bus) {
	for _, kind := range []bus.EventKind{
		bus.EventUsageRecorded,
		bus.EventLimitWarning,
		bus.EventLimitExceeded,
		bus.EventEnforcementTrigger,
		bus.EventAlertTriggered,
		bus.EventAlertEscalated,
		bus.EventAlertAcknowledged,
		bus.EventAlertResolved,
		bus.EventNudgeRequest,
		bus.EventDataUpdate,
		bus.EventCriticalAlert,
		bus.EventCostThreshold,
	} {
		b.Subscribe(kind, h.onEvent)
	}
}

func (h *Hub) onEvent(ev bus.Event) {
	payload, err := json.Marshal(eventPayload(ev))
	if err != nil {
		log.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("websocket: failed to marshal event for broadcast")
		return
	}
	h.Broadcast(Message{Kind: string(ev.Kind), Payload: payload})
}

// eventPayload picks the one populated field off the tagged union, the
// same switch a bus.Handler would use, so clients never see the whole
// envelope's unused pointer fields.
func eventPayload(ev bus.Event) any {
	switch {
	case ev.Usage != nil:
		return ev.Usage
	case ev.Limit != nil:
		return ev.Limit
	case ev.Enforcement != nil:
		return ev.Enforcement
	case ev.Alert != nil:
		return ev.Alert
	case ev.Nudge != nil:
		return ev.Nudge
	case ev.CostAlert != nil:
		return ev.CostAlert
	case ev.Detection != nil:
		return ev.Detection
	default:
		return struct{}{}
	}
}

// Broadcast pushes msg to every connected client, dropping (and
// counting, via metrics.WebsocketDropped) any whose send buffer is
// already full instead of blocking.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			if h.m != nil {
				h.m.WebsocketDropped.WithLabelValues("buffer_full").Inc()
			}
			log.Warn().Msg("websocket: client send buffer full, dropping message")
		}
	}
}

// ServeHTTP upgrades the request to a websocket connection and runs it
// until the client disconnects or the connection goes dead.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket: upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	c := &client{conn: conn, send: make(chan Message, clientSendBuffer), done: make(chan struct{})}
	h.addClient(c)
	if h.m != nil {
		h.m.WebsocketClients.Inc()
	}

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	if h.m != nil {
		h.m.WebsocketClients.Dec()
	}
}

// readPump discards client messages (this is a one-way broadcast
// channel) but keeps reading so pong frames and close frames are
// processed, exactly the role agentexec's readLoop plays for its
// bidirectional connection.
func (h *Hub) readPump(c *client) {
	defer func() {
		c.close()
		h.removeClient(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump drains c.send to the connection and runs the server-side
// ping loop, the same structure as agentexec's pingLoop paired with a
// dedicated writer goroutine holding the connection's write mutex.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			body, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			c.writeMu.Lock()
			err = c.conn.WriteMessage(websocket.TextMessage, body)
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(pingWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		}
	}
}
