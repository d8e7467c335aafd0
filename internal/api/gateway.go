package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
	"github.com/Tajbir23/quick-meet-sub002/internal/auth"
	"github.com/Tajbir23/quick-meet-sub002/internal/calls"
	"github.com/Tajbir23/quick-meet-sub002/internal/crypto"
	"github.com/Tajbir23/quick-meet-sub002/internal/events"
	"github.com/Tajbir23/quick-meet-sub002/internal/guard"
	"github.com/Tajbir23/quick-meet-sub002/internal/security"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errSessionRequired = errors.New("sessionId required")
	errNotVerified     = errors.New("call session not mutually verified")
	errRecipientAway   = errors.New("recipient offline")
	errSessionKey      = errors.New("invalid session key")
)

// SessionKeyHeader carries the client's base64url X25519 public key on
// upgrade. The "key" query parameter is accepted for browsers.
const SessionKeyHeader = "X-Session-Key"

// Outbound event types produced by the gateway itself.
const (
	TypeConnected     = "connected"
	TypeCallOffer     = "call:offer"
	TypeCallAnswer    = "call:answer"
	TypeICECandidate  = "call:ice-candidate"
	TypeCallEnd       = "call:end"
	TypeCallVerified  = "call:verified"
	TypeCallOfferSent = "call:offer-sent"
	TypeMessageNew    = "message:new"
	TypeMessageSent   = "message:sent"
	TypeTyping        = "typing"
)

const closeReasonShutdown = "server shutting down"

// GatewayConfig configures the realtime transport
type GatewayConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	SendQueueSize    int
	AllowOrigins     []string
	TrustProxy       bool

	// RequireSessionKey refuses upgrades that do not offer a key for the
	// per-connection signing key agreement.
	RequireSessionKey bool
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = 4096
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	return c
}

// TokenAuthenticator validates the credential presented on upgrade.
type TokenAuthenticator interface {
	Authenticate(token, ip string) (*auth.Claims, error)
}

// GatewayDetector is the part of the intrusion detector the gateway uses
// directly. Rate limits run inside the guard.
type GatewayDetector interface {
	IsIPAllowed(ip string) security.Decision
	AddThreat(ip string, event security.ThreatEvent) int
	ForgetConnection(connID string)
}

// KeyExchanger runs the X25519 agreement that gives each connection its
// signing key.
type KeyExchanger interface {
	GenerateEphemeralKey() (*crypto.EphemeralKey, error)
	DeriveSharedSecret(localPrivate, remotePublic []byte) ([]byte, error)
}

// GatewayDeps are the collaborators of a Gateway.
type GatewayDeps struct {
	Auth     TokenAuthenticator
	Keys     KeyExchanger
	Detector GatewayDetector
	Guard    *guard.Guard
	Calls    *calls.Service
	SDP      *guard.SDPValidator
	Recorder audit.Recorder
}

// Gateway is the websocket signalling transport. Every inbound frame runs
// through a guard pipeline registered per event name.
type Gateway struct {
	logger   *zap.Logger
	config   GatewayConfig
	upgrader websocket.Upgrader
	deps     GatewayDeps
	handlers map[events.Name]guard.FrameHandler

	mu         sync.RWMutex
	clients    map[string]*client
	byIdentity map[string]map[string]*client
	closed     bool

	wg sync.WaitGroup
}

// NewGateway creates the gateway and registers the guarded handlers.
func NewGateway(logger *zap.Logger, config GatewayConfig, deps GatewayDeps) *Gateway {
	if deps.Recorder == nil {
		deps.Recorder = audit.Discard
	}
	config = config.withDefaults()

	g := &Gateway{
		logger:     logger.Named("gateway"),
		config:     config,
		deps:       deps,
		clients:    make(map[string]*client),
		byIdentity: make(map[string]map[string]*client),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:   config.ReadBufferSize,
		WriteBufferSize:  config.WriteBufferSize,
		HandshakeTimeout: config.HandshakeTimeout,
		CheckOrigin:      g.checkOrigin,
	}

	signed := guard.Options{RequireSignature: true, RequireNonce: true, RateLimit: true}
	g.handlers = map[events.Name]guard.FrameHandler{
		events.CallOfferName:    deps.Guard.Wrap(events.CallOfferName, g.handleOffer, signed),
		events.CallAnswerName:   deps.Guard.Wrap(events.CallAnswerName, g.handleAnswer, signed),
		events.ICECandidateName: deps.Guard.Wrap(events.ICECandidateName, g.handleCandidate, guard.Options{RateLimit: true}),
		events.CallEndName:      deps.Guard.Wrap(events.CallEndName, g.handleEnd, guard.Options{RequireNonce: true, RateLimit: true}),
		events.CallVerifyName:   deps.Guard.Wrap(events.CallVerifyName, g.handleVerify, guard.Options{RequireAuth: true, RequireSignature: true, RequireNonce: true, RateLimit: true}),
		events.MessageSendName:  deps.Guard.Wrap(events.MessageSendName, g.handleMessage, signed),
		events.TypingName:       deps.Guard.Wrap(events.TypingName, g.handleTyping, guard.Options{RateLimit: true}),
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients
		return true
	}
	for _, allowed := range g.config.AllowOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host
}

// ServeHTTP authenticates and upgrades a connection.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, g.config.TrustProxy)

	if dec := g.deps.Detector.IsIPAllowed(ip); !dec.Allowed {
		writeError(w, http.StatusForbidden, "ip address is banned", string(dec.Reason), dec.RetryAfter)
		return
	}

	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	claims, err := g.deps.Auth.Authenticate(token, ip)
	if err != nil {
		status, code := authStatus(err)
		writeError(w, status, err.Error(), code, 0)
		return
	}

	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		writeError(w, http.StatusServiceUnavailable, closeReasonShutdown, "", 0)
		return
	}

	sessionKey, serverKey, err := g.agreeSessionKey(r)
	if err != nil {
		g.deps.Recorder.Record("gateway", "session_key_rejected", audit.SeverityWarn, map[string]any{
			"identity": claims.Identity,
			"ip":       ip,
			"error":    err.Error(),
		})
		if errors.Is(err, errSessionKey) {
			writeError(w, http.StatusBadRequest, err.Error(), "session_key_required", 0)
		} else {
			writeError(w, http.StatusInternalServerError, "key agreement failed", "", 0)
		}
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		g.logger.Debug("Websocket upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}

	c := &client{
		id:         uuid.NewString(),
		identity:   claims.Identity,
		sessionID:  claims.SessionID,
		ip:         ip,
		sessionKey: sessionKey,
		conn:       conn,
		send:       make(chan []byte, g.config.SendQueueSize),
		done:       make(chan struct{}),
		gateway:    g,
	}
	if !g.register(c) {
		conn.Close()
		return
	}

	g.deps.Recorder.Record("gateway", "connection_opened", audit.SeverityInfo, map[string]any{
		"connection": c.id,
		"identity":   c.identity,
		"ip":         ip,
	})
	hello := map[string]any{"connectionId": c.id, "identity": c.identity}
	if serverKey != "" {
		hello["serverKey"] = serverKey
	}
	c.Notify(TypeConnected, hello)

	g.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// agreeSessionKey completes the client's X25519 offer. It returns the derived
// signing key and the server public key to send back, or nothing when the
// client made no offer and none is required.
func (g *Gateway) agreeSessionKey(r *http.Request) ([]byte, string, error) {
	offer := r.Header.Get(SessionKeyHeader)
	if offer == "" {
		offer = r.URL.Query().Get("key")
	}
	if offer == "" || g.deps.Keys == nil {
		if g.config.RequireSessionKey {
			return nil, "", errSessionKey
		}
		return nil, "", nil
	}

	clientPub, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(offer, "="))
	if err != nil {
		return nil, "", errSessionKey
	}

	eph, err := g.deps.Keys.GenerateEphemeralKey()
	if err != nil {
		return nil, "", err
	}
	defer eph.Wipe()

	key, err := g.deps.Keys.DeriveSharedSecret(eph.Private, clientPub)
	if err != nil {
		return nil, "", errSessionKey
	}
	return key, eph.PublicBase64(), nil
}

func (g *Gateway) register(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.clients[c.id] = c
	set, ok := g.byIdentity[c.identity]
	if !ok {
		set = make(map[string]*client)
		g.byIdentity[c.identity] = set
	}
	set[c.id] = c
	return true
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	delete(g.clients, c.id)
	if set, ok := g.byIdentity[c.identity]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(g.byIdentity, c.identity)
		}
	}
	g.mu.Unlock()

	g.deps.Guard.Forget(c.id)
	g.deps.Detector.ForgetConnection(c.id)
	g.deps.Recorder.Record("gateway", "connection_closed", audit.SeverityInfo, map[string]any{
		"connection": c.id,
		"identity":   c.identity,
		"ip":         c.ip,
		"reason":     c.reason(),
	})
}

func (g *Gateway) dispatch(ctx context.Context, c *client, raw []byte) {
	frame, err := events.ParseFrame(raw)
	if err != nil {
		c.Notify(events.NotifyError, map[string]any{"error": "invalid frame"})
		return
	}
	h, ok := g.handlers[frame.Event]
	if !ok {
		c.Notify(events.NotifyError, map[string]any{
			"event": string(frame.Event),
			"error": "unknown event",
		})
		return
	}
	h(ctx, c, frame)
}

// deliver sends an outbound message to every connection of identity and
// returns how many were reached.
func (g *Gateway) deliver(identity, kind string, data any) int {
	g.mu.RLock()
	targets := make([]*client, 0, len(g.byIdentity[identity]))
	for _, c := range g.byIdentity[identity] {
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(kind, data) {
			delivered++
		}
	}
	return delivered
}

// DisconnectIdentity closes every connection of identity.
func (g *Gateway) DisconnectIdentity(identity, reason string) int {
	return g.disconnect(identity, "", reason)
}

// DisconnectSession closes the connections opened with one login session.
func (g *Gateway) DisconnectSession(identity, sessionID, reason string) int {
	return g.disconnect(identity, sessionID, reason)
}

func (g *Gateway) disconnect(identity, sessionID, reason string) int {
	g.mu.RLock()
	targets := make([]*client, 0, len(g.byIdentity[identity]))
	for _, c := range g.byIdentity[identity] {
		if sessionID == "" || c.sessionID == sessionID {
			targets = append(targets, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range targets {
		c.Notify(events.NotifyDisconnected, map[string]any{"reason": reason})
		c.Disconnect(reason)
	}
	return len(targets)
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Online reports whether identity has at least one open connection.
func (g *Gateway) Online(identity string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byIdentity[identity]) > 0
}

// Close refuses new connections, disconnects open ones and waits for their
// pumps to exit or ctx to end.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	targets := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		targets = append(targets, c)
	}
	g.mu.Unlock()

	for _, c := range targets {
		c.Disconnect(closeReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// client is one websocket connection. It implements guard.Conn and
// guard.SessionKeyed.
type client struct {
	id        string
	identity  string
	sessionID string
	ip        string

	// agreed on upgrade, read only by the read pump
	sessionKey []byte

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	gateway *Gateway

	closeOnce   sync.Once
	mu          sync.Mutex
	closeReason string
}

func (c *client) ID() string       { return c.id }
func (c *client) Identity() string { return c.identity }
func (c *client) RemoteIP() string { return c.ip }

func (c *client) SessionKey() []byte { return c.sessionKey }

func (c *client) Notify(kind string, data any) {
	c.enqueue(kind, data)
}

// Disconnect closes the connection after flushing queued messages.
func (c *client) Disconnect(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *client) reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeReason == "" {
		return "client closed"
	}
	return c.closeReason
}

// enqueue never blocks. A full queue drops the message.
func (c *client) enqueue(kind string, data any) bool {
	b, err := json.Marshal(events.Outbound{Type: kind, Data: data, Timestamp: time.Now().UTC()})
	if err != nil {
		c.gateway.logger.Error("Failed to encode outbound message", zap.String("type", kind), zap.Error(err))
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		c.gateway.logger.Warn("Send queue full, dropping message",
			zap.String("connection", c.id),
			zap.String("type", kind),
		)
		return false
	}
}

func (c *client) readPump() {
	defer c.gateway.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.Disconnect(c.reason())
		c.gateway.unregister(c)
		for i := range c.sessionKey {
			c.sessionKey[i] = 0
		}
	}()

	c.conn.SetReadLimit(c.gateway.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.gateway.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.gateway.config.PongTimeout))
	})

	for {
		messageType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.gateway.logger.Debug("Websocket read error",
					zap.String("connection", c.id),
					zap.Error(err),
				)
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.Notify(events.NotifyError, map[string]any{"error": "text frames only"})
			continue
		}
		c.gateway.dispatch(ctx, c, raw)
	}
}

func (c *client) writePump() {
	defer c.gateway.wg.Done()

	ticker := time.NewTicker(c.gateway.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeTimeout := c.gateway.config.WriteTimeout
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Disconnect("write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Disconnect("ping failed")
				return
			}

		case <-c.done:
			c.flush(writeTimeout)
			closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, c.reason())
			if c.reason() == closeReasonShutdown {
				closeMsg = websocket.FormatCloseMessage(websocket.CloseGoingAway, closeReasonShutdown)
			}
			_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeTimeout))
			return
		}
	}
}

// flush writes whatever is still queued, such as the disconnect notice.
func (c *client) flush(writeTimeout time.Duration) {
	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// clientIP returns the caller address. Proxy headers are only honoured when
// the server sits behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			return strings.TrimSpace(strings.Split(xff, ",")[0])
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
