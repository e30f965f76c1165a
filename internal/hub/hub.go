// Package hub is the JSON-RPC 2.0 WebSocket command/notification channel
// between operators and the trading engines: auth.login, sub.subscribe,
// sub.unsubscribe, engine.command, meta.pong from clients; event.emit and
// meta.ping from the server.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 1 * time.Second // per-send timeout; a slow client is evicted, not blocked on
	idleEvictAfter = 45 * time.Second
	sweepInterval  = 15 * time.Second
)

// Request is a client -> server JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a server -> client reply to a Request.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// Notification is a server -> client message with no matching request,
// e.g. event.emit or meta.ping.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32000
)

// CommandDispatcher forwards engine.command{engine,cmd,data} downstream —
// ordinarily to an adapter's NATS cmd.<engine> subject.
type CommandDispatcher interface {
	Dispatch(engine, cmd string, data map[string]interface{}) error
}

// Client is a single authenticated WebSocket connection.
type Client struct {
	id            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	username      string
	authenticated bool
	mu            sync.RWMutex
	lastActivity  time.Time
}

// Hub tracks connected clients and their topic subscriptions, and fans
// out event.emit notifications.
type Hub struct {
	logger     *zap.Logger
	tokens     *TokenIssuer
	dispatcher CommandDispatcher

	mu       sync.RWMutex
	clients  map[*Client]bool
	channels map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
}

// New builds a Hub. tokens issues/verifies bearer tokens for auth.login
// and the HTTP /login and /refresh handlers; dispatcher forwards
// engine.command calls.
func New(logger *zap.Logger, tokens *TokenIssuer, dispatcher CommandDispatcher) *Hub {
	return &Hub{
		logger:     logger,
		tokens:     tokens,
		dispatcher: dispatcher,
		clients:    make(map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
	}
}

// Run processes register/unregister events and periodically sweeps idle
// clients and pings the rest. Blocks until Stop is called.
func (h *Hub) Run() {
	sweepTicker := time.NewTicker(sweepInterval)
	pingTicker := time.NewTicker(pingPeriod)
	defer sweepTicker.Stop()
	defer pingTicker.Stop()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Debug("hub client registered", zap.String("id", c.id))

		case c := <-h.unregister:
			h.removeClient(c)

		case <-sweepTicker.C:
			h.sweepIdle()

		case <-pingTicker.C:
			h.broadcastPing()

		case <-h.stop:
			return
		}
	}
}

// Stop halts Run.
func (h *Hub) Stop() { close(h.stop) }

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	for topic := range c.subscriptions {
		if clients, ok := h.channels[topic]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.channels, topic)
			}
		}
	}
	h.logger.Debug("hub client unregistered", zap.String("id", c.id))
}

func (h *Hub) sweepIdle() {
	cutoff := time.Now().Add(-idleEvictAfter)
	h.mu.RLock()
	var stale []*Client
	for c := range h.clients {
		c.mu.RLock()
		idle := c.lastActivity.Before(cutoff)
		c.mu.RUnlock()
		if idle {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Info("evicting idle hub client", zap.String("id", c.id))
		c.conn.Close()
	}
}

func (h *Hub) broadcastPing() {
	payload, _ := json.Marshal(Notification{JSONRPC: "2.0", Method: "meta.ping", Params: map[string]int64{"ts": time.Now().Unix()}})
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

// EmitEvent publishes event.emit{topic,data} to every client subscribed
// to topic.
func (h *Hub) EmitEvent(topic string, data interface{}) {
	payload, err := json.Marshal(Notification{
		JSONRPC: "2.0", Method: "event.emit",
		Params: map[string]interface{}{"topic": topic, "data": data},
	})
	if err != nil {
		h.logger.Error("hub: marshal event.emit failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	clients, ok := h.channels[topic]
	if !ok {
		return
	}
	for c := range clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a WebSocket connection and starts
// the client's read/write pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("hub: websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		id:            conn.RemoteAddr().String(),
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		lastActivity:  time.Now(),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("hub read error", zap.Error(err))
			}
			return
		}
		c.touch()

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			c.replyError(nil, codeInvalidRequest, "malformed JSON-RPC request")
			continue
		}
		c.handle(req)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *Client) reply(id interface{}, result interface{}) {
	b, _ := json.Marshal(Response{JSONRPC: "2.0", ID: id, Result: result})
	select {
	case c.send <- b:
	default:
	}
}

func (c *Client) replyError(id interface{}, code int, msg string) {
	b, _ := json.Marshal(Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}})
	select {
	case c.send <- b:
	default:
	}
}

// handle dispatches a single JSON-RPC method call.
func (c *Client) handle(req Request) {
	if req.Method != "auth.login" && !c.isAuthenticated() {
		c.replyError(req.ID, codeUnauthorized, "not authenticated")
		return
	}

	switch req.Method {
	case "auth.login":
		c.handleLogin(req)
	case "sub.subscribe":
		c.handleSubscribe(req, true)
	case "sub.unsubscribe":
		c.handleSubscribe(req, false)
	case "engine.command":
		c.handleEngineCommand(req)
	case "meta.pong":
		c.reply(req.ID, map[string]bool{"ok": true})
	default:
		c.replyError(req.ID, codeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (c *Client) isAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

type loginParams struct {
	Token string `json:"token"`
}

// handleLogin authenticates the connection with an access token minted by
// POST /login, not a username/password — credentials never travel over
// the WS channel itself.
func (c *Client) handleLogin(req Request) {
	var p loginParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.replyError(req.ID, codeInvalidParams, "auth.login requires {token}")
		return
	}
	username, err := c.hub.tokens.VerifyAccess(p.Token)
	if err != nil {
		c.replyError(req.ID, codeUnauthorized, "invalid or expired token")
		return
	}
	c.mu.Lock()
	c.authenticated = true
	c.username = username
	c.mu.Unlock()
	c.reply(req.ID, map[string]interface{}{"ok": true, "username": username})
}

type subParams struct {
	Topics []string `json:"topics"`
}

func (c *Client) handleSubscribe(req Request, subscribe bool) {
	var p subParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.replyError(req.ID, codeInvalidParams, "expected {topics: [...]}")
		return
	}

	c.hub.mu.Lock()
	for _, topic := range p.Topics {
		if subscribe {
			if c.hub.channels[topic] == nil {
				c.hub.channels[topic] = make(map[*Client]bool)
			}
			c.hub.channels[topic][c] = true
		} else if clients, ok := c.hub.channels[topic]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(c.hub.channels, topic)
			}
		}
	}
	c.hub.mu.Unlock()

	c.mu.Lock()
	for _, topic := range p.Topics {
		if subscribe {
			c.subscriptions[topic] = true
		} else {
			delete(c.subscriptions, topic)
		}
	}
	c.mu.Unlock()

	c.reply(req.ID, map[string]interface{}{"ok": true, "topics": p.Topics})
}

type engineCommandParams struct {
	Engine string                 `json:"engine"`
	Cmd    string                 `json:"cmd"`
	Data   map[string]interface{} `json:"data"`
}

func (c *Client) handleEngineCommand(req Request) {
	var p engineCommandParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Engine == "" || p.Cmd == "" {
		c.replyError(req.ID, codeInvalidParams, "expected {engine, cmd, data}")
		return
	}
	if c.hub.dispatcher == nil {
		c.replyError(req.ID, codeInvalidRequest, "no command dispatcher configured")
		return
	}
	if err := c.hub.dispatcher.Dispatch(p.Engine, p.Cmd, p.Data); err != nil {
		c.replyError(req.ID, codeInvalidRequest, err.Error())
		return
	}
	c.reply(req.ID, map[string]bool{"ok": true})
}
