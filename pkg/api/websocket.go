package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are enforced by the CORS layer in front of the router.
	CheckOrigin: func(*http.Request) bool { return true },
}

// channelSet is a client's live subscriptions.
type channelSet struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func (s *channelSet) has(ch string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[ch]
	return ok
}

func (s *channelSet) update(op string, channels []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set == nil {
		s.set = make(map[string]struct{})
	}
	for _, ch := range channels {
		switch op {
		case "subscribe":
			s.set[ch] = struct{}{}
		case "unsubscribe":
			delete(s.set, ch)
		default:
			return false
		}
	}
	return true
}

func (s *channelSet) list() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.set))
	for ch := range s.set {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Hub tracks websocket clients and routes channel messages to them.
// Connects and disconnects are serialized through Run.
type Hub struct {
	joins  chan *Client
	leaves chan *Client
	done   chan struct{}

	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *zap.SugaredLogger
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		joins:   make(chan *Client),
		leaves:  make(chan *Client),
		done:    make(chan struct{}),
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Run admits and drops clients until ctx ends, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.joins:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Infow("ws_client_connected", "client", c.id, "total", n)

		case c := <-h.leaves:
			h.mu.Lock()
			h.drop(c)
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Infow("ws_client_disconnected", "client", c.id, "total", n)

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return
		}
	}
}

// drop must be called with h.mu held.
func (h *Hub) drop(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.outbox)
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToChannel queues msg for every client subscribed to channel.
// A client whose outbox is full misses the message.
func (h *Hub) BroadcastToChannel(channel string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warnw("ws_marshal_failed", "channel", channel, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subs.has(channel) {
			c.offer(payload)
		}
	}
}

// sendTo queues payload for c if it is still registered. Holding the read
// lock keeps drop from closing the outbox mid-send.
func (h *Hub) sendTo(c *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	c.offer(payload)
	return true
}

// Client is one websocket connection.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	outbox chan []byte
	subs   channelSet
}

// offer must be called with hub.mu held.
func (c *Client) offer(payload []byte) {
	select {
	case c.outbox <- payload:
	default:
	}
}

// apply handles one subscription request and acknowledges it.
func (c *Client) apply(req WSSubscribeRequest) {
	if !c.subs.update(req.Op, req.Channels) {
		c.hub.logger.Debugw("ws_unknown_op", "client", c.id, "op", req.Op)
		return
	}
	ack, err := json.Marshal(WSMessage{Type: req.Op + "d", Data: c.subs.list()})
	if err == nil {
		c.hub.sendTo(c, ack)
	}
}

func (c *Client) readLoop() {
	defer func() {
		select {
		case c.hub.leaves <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req WSSubscribeRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.hub.logger.Debugw("ws_invalid_message", "client", c.id, "error", err)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugw("ws_read_failed", "client", c.id, "error", err)
			}
			return
		}
		c.apply(req)
	}
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind    = websocket.TextMessage
			payload []byte
		)
		select {
		case msg, open := <-c.outbox:
			if !open {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			payload = msg
		case <-ping.C:
			kind = websocket.PingMessage
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, payload); err != nil {
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("ws_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &Client{
		id:     conn.RemoteAddr().String(),
		hub:    s.hub,
		conn:   conn,
		outbox: make(chan []byte, sendBuffer),
	}
	select {
	case s.hub.joins <- c:
	case <-s.hub.done:
		conn.Close()
		return
	}
	go c.writeLoop()
	go c.readLoop()
}
