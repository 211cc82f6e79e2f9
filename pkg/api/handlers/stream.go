package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goclaw/memlayer/pkg/logger"
	"github.com/goclaw/memlayer/pkg/memory"
)

const (
	defaultWSMaxConnections = 100
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultSendBuffer       = 32
	maxWSMessageBytes       = 1 << 20
)

// Stream message types.
const (
	MsgRetrieve    = "retrieve"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgResult      = "result"
	MsgDone        = "done"
	MsgError       = "error"
)

// Change event types broadcast to subscribers.
const (
	EventStored   = "memory.stored"
	EventDeleted  = "memory.deleted"
	EventCleared  = "memory.cleared"
	EventExpired  = "memory.expired"
	EventRestored = "memory.restored"
)

// StreamConfig configures the websocket stream handler.
type StreamConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
}

// EventMessage is a change notification pushed to subscribers. Scope is empty
// for events that span every scope.
type EventMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Scope     string    `json:"scope,omitempty"`
	Payload   any       `json:"payload"`
}

// Frame is one server-to-client message answering a retrieve.
type Frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// FrameError is the payload of an error frame.
type FrameError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type incomingMessage struct {
	Type  string       `json:"type"`
	ID    string       `json:"id,omitempty"`
	Scope string       `json:"scope,omitempty"`
	Query memory.Query `json:"query"`
}

type wsClient struct {
	conn          *websocket.Conn
	send          chan []byte
	done          chan struct{}
	subscriptions map[string]struct{}
	mu            sync.RWMutex
	closeOnce     sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn:          conn,
		send:          make(chan []byte, defaultSendBuffer),
		done:          make(chan struct{}),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// enqueue blocks until msg is queued, the client closes, or ctx ends.
func (c *wsClient) enqueue(ctx context.Context, msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// subscribe adds scope to the client's subscriptions; "" subscribes to all.
func (c *wsClient) subscribe(scope string) {
	if scope == "" {
		scope = "*"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[scope] = struct{}{}
}

func (c *wsClient) unsubscribe(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if scope == "" {
		clear(c.subscriptions)
		return
	}
	delete(c.subscriptions, scope)
}

// shouldReceive reports whether an event in scope is wanted. Clients only
// receive events after subscribing.
func (c *wsClient) shouldReceive(scope string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.subscriptions["*"]; ok {
		return true
	}
	if scope == "" {
		return len(c.subscriptions) > 0
	}
	_, ok := c.subscriptions[scope]
	return ok
}

// ConnectionManager manages active websocket clients.
type ConnectionManager struct {
	mu             sync.RWMutex
	clients        map[*wsClient]struct{}
	maxConnections int
}

// NewConnectionManager creates a manager with max connection limit.
func NewConnectionManager(maxConnections int) *ConnectionManager {
	if maxConnections <= 0 {
		maxConnections = defaultWSMaxConnections
	}
	return &ConnectionManager{
		clients:        make(map[*wsClient]struct{}),
		maxConnections: maxConnections,
	}
}

// Register registers a websocket client.
func (m *ConnectionManager) Register(client *wsClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxConnections {
		return errors.New("websocket connection limit reached")
	}
	m.clients[client] = struct{}{}
	return nil
}

// Unregister unregisters a websocket client.
func (m *ConnectionManager) Unregister(client *wsClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[client]; !ok {
		return
	}
	delete(m.clients, client)
	client.close()
}

// Count returns active connection count.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// CanAccept reports whether there is capacity for one more connection.
func (m *ConnectionManager) CanAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients) < m.maxConnections
}

// Broadcast sends event to subscribed clients. Clients whose queue is full
// are disconnected rather than allowed to stall the broadcaster.
func (m *ConnectionManager) Broadcast(event EventMessage) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	m.mu.RLock()
	clients := make([]*wsClient, 0, len(m.clients))
	for client := range m.clients {
		clients = append(clients, client)
	}
	m.mu.RUnlock()

	for _, client := range clients {
		if !client.shouldReceive(event.Scope) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			m.Unregister(client)
		}
	}

	return nil
}

// Close closes all active websocket connections.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range m.clients {
		client.close()
		delete(m.clients, client)
	}
}

// StreamHandler serves /api/v1/memory/stream. Clients send retrieve
// requests and receive one result frame per match followed by a done or
// error frame; they may also subscribe to change events by scope.
type StreamHandler struct {
	store        memory.Store
	log          logger.Logger
	manager      *ConnectionManager
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
}

// NewStreamHandler creates a websocket stream handler over store.
func NewStreamHandler(store memory.Store, log logger.Logger, cfg StreamConfig) *StreamHandler {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultWSMaxConnections
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if log == nil {
		log = logger.Component("stream")
	}

	handler := &StreamHandler{
		store:        store,
		log:          log,
		manager:      NewConnectionManager(cfg.MaxConnections),
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: cfg.WriteTimeout,
	}

	allowedOrigins := append([]string(nil), cfg.AllowedOrigins...)
	handler.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return isWebSocketOriginAllowed(r, allowedOrigins)
		},
	}

	return handler
}

// ServeHTTP upgrades HTTP to websocket and starts client loops.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if !h.manager.CanAccept() {
		http.Error(w, "websocket connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn)
	if err := h.manager.Register(client); err != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many websocket connections"),
			time.Now().Add(h.writeTimeout),
		)
		_ = conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writePump(client)
	h.readPump(ctx, client)
}

func (h *StreamHandler) readPump(ctx context.Context, client *wsClient) {
	defer h.manager.Unregister(client)

	readDeadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(maxWSMessageBytes)
	_ = client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	client.conn.SetPongHandler(func(_ string) error {
		return client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(readDeadline))
		if !h.handleIncomingMessage(ctx, client, data) {
			return
		}
	}
}

func (h *StreamHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.manager.Unregister(client)
	}()

	for {
		select {
		case message := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.done:
			_ = client.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.writeTimeout),
			)
			return
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// handleIncomingMessage processes one client message. It returns false when
// the connection should be dropped.
func (h *StreamHandler) handleIncomingMessage(ctx context.Context, client *wsClient, raw []byte) bool {
	var message incomingMessage
	if err := json.Unmarshal(raw, &message); err != nil {
		return h.sendFrame(ctx, client, Frame{
			Type:    MsgError,
			Payload: FrameError{Kind: memory.KindQuery.String(), Message: "malformed message"},
		})
	}

	switch strings.ToLower(strings.TrimSpace(message.Type)) {
	case MsgRetrieve:
		return h.retrieve(ctx, client, message)
	case MsgSubscribe:
		client.subscribe(strings.TrimSpace(message.Scope))
	case MsgUnsubscribe:
		client.unsubscribe(strings.TrimSpace(message.Scope))
	default:
		return h.sendFrame(ctx, client, Frame{
			Type:    MsgError,
			ID:      message.ID,
			Payload: FrameError{Kind: memory.KindQuery.String(), Message: "unknown message type " + message.Type},
		})
	}
	return true
}

// retrieve streams the results of one query as they are produced.
func (h *StreamHandler) retrieve(ctx context.Context, client *wsClient, msg incomingMessage) bool {
	stream, err := h.store.Retrieve(ctx, msg.Query)
	if err != nil {
		return h.sendError(ctx, client, msg.ID, err)
	}
	defer stream.Close()

	count := 0
	for stream.Next() {
		if !h.sendFrame(ctx, client, Frame{Type: MsgResult, ID: msg.ID, Payload: stream.Result()}) {
			return false
		}
		count++
	}
	if err := stream.Err(); err != nil {
		return h.sendError(ctx, client, msg.ID, err)
	}
	return h.sendFrame(ctx, client, Frame{Type: MsgDone, ID: msg.ID, Payload: map[string]int{"count": count}})
}

func (h *StreamHandler) sendError(ctx context.Context, client *wsClient, id string, err error) bool {
	kind := memory.Kind(err)
	message := err.Error()
	if kind == memory.KindUnknown || kind == memory.KindStorage {
		h.log.Error("stream retrieve failed", "id", id, "error", err)
	}
	if kind == memory.KindUnknown {
		message = "internal error"
	}
	return h.sendFrame(ctx, client, Frame{
		Type:    MsgError,
		ID:      id,
		Payload: FrameError{Kind: kind.String(), Message: message},
	})
}

func (h *StreamHandler) sendFrame(ctx context.Context, client *wsClient, f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error("failed to encode frame", "type", f.Type, "error", err)
		return false
	}
	return client.enqueue(ctx, data)
}

// Broadcast sends a change event to subscribed websocket clients.
func (h *StreamHandler) Broadcast(event EventMessage) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return h.manager.Broadcast(event)
}

// Connections returns the number of open streams.
func (h *StreamHandler) Connections() int {
	return h.manager.Count()
}

// Close closes all websocket clients.
func (h *StreamHandler) Close() {
	h.manager.Close()
}

func isWebSocketOriginAllowed(r *http.Request, allowedOrigins []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}
