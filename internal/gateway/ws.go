package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rclaim/claimd/internal/claim"
	"github.com/rclaim/claimd/internal/engine"
	"github.com/rclaim/claimd/internal/progress"
	"github.com/rclaim/claimd/internal/ratelimit"
)

const (
	defaultMaxConnections = 256
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultSendBuffer     = 32
	maxInboundMessageSize = 64 << 10
)

// WSConfig tunes websocket connection behavior.
type WSConfig struct {
	Token          string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
}

// wsClient is one authenticated connection. Outbound traffic funnels through
// the buffered send channel so the writePump is the only conn writer.
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	limiter   *ratelimit.ConnLimiter
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn, limiter *ratelimit.ConnLimiter) *wsClient {
	return &wsClient{
		conn:    conn,
		send:    make(chan []byte, defaultSendBuffer),
		limiter: limiter,
	}
}

// enqueue hands a frame to the writePump. Returns false when the client is
// gone or its buffer is full; a client that cannot keep up is dropped rather
// than allowed to stall job delivery.
func (c *wsClient) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		_ = c.conn.Close()
	})
}

// connManager tracks live clients and which clients watch which job.
type connManager struct {
	mu       sync.RWMutex
	clients  map[*wsClient]struct{}
	watchers map[string]map[*wsClient]struct{}
	maxConns int
}

func newConnManager(maxConns int) *connManager {
	if maxConns <= 0 {
		maxConns = defaultMaxConnections
	}
	return &connManager{
		clients:  make(map[*wsClient]struct{}),
		watchers: make(map[string]map[*wsClient]struct{}),
		maxConns: maxConns,
	}
}

func (m *connManager) register(client *wsClient) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients) >= m.maxConns {
		return false
	}
	m.clients[client] = struct{}{}
	return true
}

func (m *connManager) unregister(client *wsClient) {
	m.mu.Lock()
	if _, ok := m.clients[client]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, client)
	for jobID, set := range m.watchers {
		delete(set, client)
		if len(set) == 0 {
			delete(m.watchers, jobID)
		}
	}
	m.mu.Unlock()
	client.close()
}

func (m *connManager) watch(jobID string, client *wsClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.watchers[jobID]
	if !ok {
		set = make(map[*wsClient]struct{})
		m.watchers[jobID] = set
	}
	set[client] = struct{}{}
}

func (m *connManager) watching(jobID string) []*wsClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.watchers[jobID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*wsClient, 0, len(set))
	for client := range set {
		out = append(out, client)
	}
	return out
}

func (m *connManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *connManager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for client := range m.clients {
		client.close()
		delete(m.clients, client)
	}
	m.watchers = make(map[string]map[*wsClient]struct{})
}

// WSHandler authenticates, upgrades, and speaks the claim protocol. It also
// acts as a progress sink so retry and rate-limit events reach the clients
// watching the affected job.
type WSHandler struct {
	logger       *zap.Logger
	engine       *engine.Engine
	inbound      *ratelimit.Inbound
	token        string
	manager      *connManager
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration
}

// NewWSHandler creates the websocket handler.
func NewWSHandler(eng *engine.Engine, inbound *ratelimit.Inbound, cfg WSConfig, logger *zap.Logger) *WSHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &WSHandler{
		logger:       logger,
		engine:       eng,
		inbound:      inbound,
		token:        cfg.Token,
		manager:      newConnManager(cfg.MaxConnections),
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	h.upgrader = websocket.Upgrader{
		// Clients are non-browser agents presenting a shared secret; origin
		// enforcement adds nothing here.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return h
}

// SetEngine installs the engine after construction. The handler is built
// before the engine because it is also a progress sink the engine's hub
// needs at wiring time. Must be called before the handler serves traffic.
func (h *WSHandler) SetEngine(eng *engine.Engine) {
	h.engine = eng
}

// ServeHTTP authenticates the request before any upgrade, then runs the
// client loops until disconnect.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	proto, ok := h.authenticate(r)
	if !ok {
		h.logger.Warn("websocket auth rejected", zap.String("remote", r.RemoteAddr))
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	var respHeader http.Header
	if proto != "" {
		respHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}
	conn, err := h.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newWSClient(conn, h.inbound.ForConnection())
	if !h.manager.register(client) {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached"),
			time.Now().Add(h.writeTimeout),
		)
		_ = conn.Close()
		return
	}

	h.sendJSON(client, welcomeMessage{Type: msgWelcome, ServerTime: time.Now().UTC()})

	go h.writePump(client)
	h.readPump(client)
}

// authenticate checks the shared secret. Tokens arrive either as a
// websocket subprotocol or in the X-Claim-Token header; the matched
// subprotocol is echoed back so the handshake completes cleanly.
func (h *WSHandler) authenticate(r *http.Request) (protocol string, ok bool) {
	if h.token == "" {
		return "", false
	}
	for _, raw := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, candidate := range strings.Split(raw, ",") {
			candidate = strings.TrimSpace(candidate)
			if tokenEqual(candidate, h.token) {
				return candidate, true
			}
		}
	}
	if tokenEqual(r.Header.Get("X-Claim-Token"), h.token) {
		return "", true
	}
	return "", false
}

func tokenEqual(got, want string) bool {
	return len(got) == len(want) && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (h *WSHandler) readPump(client *wsClient) {
	defer h.manager.unregister(client)

	readDeadline := h.pingInterval + h.pongTimeout
	client.conn.SetReadLimit(maxInboundMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		h.handleMessage(client, data)
	}
}

func (h *WSHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		h.manager.unregister(client)
	}()

	for {
		select {
		case payload, ok := <-client.send:
			if !ok {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(h.writeTimeout),
				)
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) handleMessage(client *wsClient, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendJSON(client, errorMessage{Type: msgError, Code: errCodeBadRequest, Detail: "malformed JSON"})
		return
	}

	switch strings.ToLower(strings.TrimSpace(msg.Type)) {
	case msgClaim:
		h.handleClaim(client, msg)
	case msgInvalidate:
		h.handleInvalidate(client, msg)
	default:
		h.sendJSON(client, errorMessage{Type: msgError, Code: errCodeBadRequest, Detail: "unknown message type"})
	}
}

// handleClaim admits, registers-or-joins, and wires the client up for the
// job's progress and terminal delivery. The job itself is never tied to this
// connection.
func (h *WSHandler) handleClaim(client *wsClient, msg clientMessage) {
	if !client.limiter.Allow() {
		h.sendJSON(client, errorMessage{Type: msgError, Code: errCodeRateLimited, Detail: "too many claim requests"})
		return
	}

	key, err := claim.NewKey(msg.Target, msg.Scope)
	if err != nil {
		h.sendJSON(client, errorMessage{Type: msgError, Code: errCodeBadRequest, Detail: err.Error()})
		return
	}

	job, isOwner, err := h.engine.Submit(key)
	if err != nil {
		h.sendJSON(client, errorMessage{Type: msgError, Code: errCodeInternal, Detail: "claim registration failed"})
		return
	}

	h.sendJSON(client, ackMessage{Type: msgAck, JobID: job.ID, Target: key.Target, Joined: !isOwner})

	h.manager.watch(job.ID, client)
	outcomes := h.engine.Subscribe(job)
	go func() {
		outcome := <-outcomes
		// The watch entry stays until the client disconnects: progress
		// events reach this handler through the batching hub, so ones
		// emitted just before the terminal can land after it. Job IDs are
		// never reused, so a terminal job's entry only sits idle.
		h.sendJSON(client, terminalMessage(job.ID, key.Target, outcome.Result, outcome.Failure))
	}()
}

func (h *WSHandler) handleInvalidate(client *wsClient, msg clientMessage) {
	if !client.limiter.Allow() {
		h.sendJSON(client, errorMessage{Type: msgError, Code: errCodeRateLimited, Detail: "too many requests"})
		return
	}
	key, err := claim.NewKey(msg.Target, msg.Scope)
	if err != nil {
		h.sendJSON(client, errorMessage{Type: msgError, Code: errCodeBadRequest, Detail: err.Error()})
		return
	}
	evicted := h.engine.Invalidate(key)
	h.sendJSON(client, invalidatedMessage{Type: msgInvalidated, Target: key.Target, Evicted: evicted})
}

func terminalMessage(jobID, target string, result *claim.Result, failure *claim.Failure) resultMessage {
	if result != nil {
		fetchedAt := result.FetchedAt
		return resultMessage{
			Type:      msgResult,
			JobID:     jobID,
			Status:    "succeeded",
			Target:    target,
			Fields:    result.Fields,
			FetchedAt: &fetchedAt,
		}
	}
	out := resultMessage{Type: msgResult, JobID: jobID, Status: "failed", Target: target}
	if failure != nil {
		out.Kind = string(failure.Kind)
		out.Detail = failure.Detail
		out.Attempts = failure.Attempts
	}
	return out
}

func (h *WSHandler) sendJSON(client *wsClient, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("marshal websocket message", zap.Error(err))
		return
	}
	if !client.enqueue(payload) {
		h.manager.unregister(client)
	}
}

// Consume implements progress.Sink: retry and rate-limit events fan out to
// clients watching the affected job. Terminal stages are delivered through
// the registry subscription instead, which guarantees exactly-once.
func (h *WSHandler) Consume(_ context.Context, events []progress.Event) error {
	for _, evt := range events {
		if evt.Stage != progress.StageRetry && evt.Stage != progress.StageRateLimited {
			continue
		}
		watchers := h.manager.watching(evt.JobID)
		if len(watchers) == 0 {
			continue
		}
		payload, err := json.Marshal(progressMessage{
			Type:    msgProgress,
			JobID:   evt.JobID,
			Stage:   string(evt.Stage),
			Attempt: evt.Attempt,
			DelayMs: evt.Dur.Milliseconds(),
		})
		if err != nil {
			return err
		}
		for _, client := range watchers {
			if !client.enqueue(payload) {
				h.manager.unregister(client)
			}
		}
	}
	return nil
}

// Close implements progress.Sink.
func (h *WSHandler) Close(_ context.Context) error {
	h.manager.closeAll()
	return nil
}

// ConnectionCount reports live websocket connections, for readiness checks.
func (h *WSHandler) ConnectionCount() int {
	return h.manager.count()
}
