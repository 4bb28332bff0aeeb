// Package signal is the websocket event channel between clients and the
// session manager. One goroutine reads and dispatches, one drains the
// buffered send channel; the Client doubles as the session's event sink.
package signal

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/maskmeet/maskmeet/internal/meeting"
)

const sendBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		if r.Header.Get("Origin") == "" {
			return true
		}
		return os.Getenv("ENVIRONMENT") != "production"
	},
}

// envelope is the wire shape in both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HandlerFunc handles one inbound event; data is the parsed "data" field.
type HandlerFunc func(c *Client, data gjson.Result)

// Registry maps event types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(event string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = h
}

func (r *Registry) lookup(event string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[event]
	return h, ok
}

// Client is one websocket connection bound to a meeting session. The send
// channel is never closed; writePump exits on done so late Emit calls from
// pipeline goroutines stay safe.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	registry *Registry
	manager  *meeting.Manager
	session  *meeting.Session
	log      zerolog.Logger

	closeOnce sync.Once
}

// Emit satisfies meeting.EventSink. A slow client loses the message rather
// than blocking a pipeline goroutine.
func (c *Client) Emit(event string, payload any) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			c.log.Error().Err(err).Str("event", event).Msg("marshal payload")
			return
		}
		data = b
	}
	msg, err := json.Marshal(envelope{Type: event, Data: data})
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("marshal envelope")
		return
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Str("event", event).Msg("send buffer full, dropping")
	}
}

func (c *Client) readPump() {
	defer func() {
		c.manager.Disconnect(c.session.ID)
		c.close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		typ := gjson.GetBytes(message, "type")
		if !typ.Exists() || typ.Type != gjson.String {
			c.log.Warn().Str("raw", string(message)).Msg("message without type")
			continue
		}
		handler, ok := c.registry.lookup(typ.String())
		if !ok {
			c.log.Debug().Str("event", typ.String()).Msg("unknown event")
			continue
		}
		handler(c, gjson.GetBytes(message, "data"))
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn().Err(err).Msg("write error")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Handler upgrades websocket requests, registers a session and runs the
// pumps until the client goes away.
func Handler(m *meeting.Manager, log zerolog.Logger) http.HandlerFunc {
	registry := NewRegistry()
	registerHandlers(registry)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		c := &Client{
			conn:     conn,
			send:     make(chan []byte, sendBuffer),
			done:     make(chan struct{}),
			registry: registry,
			manager:  m,
			log:      log,
		}
		c.session = m.Connect(c)
		c.log = log.With().Str("session", c.session.ID).Logger()

		go c.writePump()
		c.readPump()
	}
}
