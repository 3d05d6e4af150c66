// Package gateway accepts websocket connections, authenticates them, routes
// inbound events through an explicit dispatch table and delivers outbound
// events to sessions, identities and rooms.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/cipherrelay/internal/common"
	"github.com/dmitrijs2005/cipherrelay/internal/logging"
	"github.com/dmitrijs2005/cipherrelay/internal/server/auth"
	"github.com/dmitrijs2005/cipherrelay/internal/server/relay"
	"github.com/dmitrijs2005/cipherrelay/internal/server/sessions"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

const eventTimeout = 10 * time.Second

type Presence interface {
	SetOnline(ctx context.Context, identityID string) error
	SetOffline(ctx context.Context, identityID string) error
	Heartbeat(ctx context.Context, identityID string) (bool, error)
}

// DeviceGuard decides whether a device may open a session. It returns
// common.ErrAuthenticationFailed for a device that is blocked or does not
// belong to the identity; any other error means the check itself failed.
type DeviceGuard interface {
	CheckDevice(ctx context.Context, identityID, deviceID string) error
}

type Options struct {
	SecretKey        []byte
	HandshakeTimeout time.Duration
	// PresenceTTL bounds how often activity refreshes the presence record.
	PresenceTTL time.Duration
	Registerer  prometheus.Registerer
}

type Gateway struct {
	registry *sessions.Registry
	presence Presence
	guard    DeviceGuard
	logger   logging.Logger
	metrics  *gatewayMetrics

	secret           []byte
	handshakeTimeout time.Duration
	touchEvery       time.Duration
	upgrader         websocket.Upgrader

	// handlers is filled before Run and read-only afterwards.
	handlers map[string]handlerFunc

	mu      sync.RWMutex
	clients map[string]*client
	// epochs counts DisconnectIdentity calls per identity. A handshake that
	// saw an older epoch is kicked on attach.
	epochs map[string]lockEpoch

	baseCtx context.Context
	cancel  context.CancelFunc

	// lifecycle orders conns.Add against Stop so Wait never races an Add.
	lifecycle sync.Mutex
	stopped   atomic.Bool
	stopOnce  sync.Once
	conns     sync.WaitGroup
}

type lockEpoch struct {
	n      uint64
	reason string
}

func New(registry *sessions.Registry, presence Presence, guard DeviceGuard, opts Options, logger logging.Logger) *Gateway {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	touchEvery := opts.PresenceTTL / 3
	if touchEvery <= 0 {
		touchEvery = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		registry:         registry,
		presence:         presence,
		guard:            guard,
		logger:           logger.With("module", "gateway"),
		metrics:          newGatewayMetrics(opts.Registerer),
		secret:           opts.SecretKey,
		handshakeTimeout: opts.HandshakeTimeout,
		touchEvery:       touchEvery,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Sessions authenticate with a bearer token, never a cookie.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handlers: make(map[string]handlerFunc),
		clients:  make(map[string]*client),
		epochs:   make(map[string]lockEpoch),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	g.registerControl()
	return g
}

// Run blocks until ctx is cancelled and then stops the gateway.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info(ctx, "gateway started")
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Stop(stopCtx)
}

// Stop refuses new connections, disconnects every session and waits for
// their goroutines until ctx expires.
func (g *Gateway) Stop(ctx context.Context) error {
	g.stopOnce.Do(func() {
		g.lifecycle.Lock()
		g.stopped.Store(true)
		g.lifecycle.Unlock()

		for _, c := range g.snapshotClients() {
			c.disconnect(ReasonShutdown)
		}
	})

	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()

	defer g.cancel()
	select {
	case <-done:
		g.logger.Info(ctx, "gateway stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway stop: %w", ctx.Err())
	}
}

// Running reports whether the gateway accepts connections.
func (g *Gateway) Running() bool {
	return !g.stopped.Load()
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.acquire() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.conns.Done()

	token := auth.TokenFromRequest(r)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug(r.Context(), "upgrade failed", "error", err)
		return
	}

	g.serveConn(conn, token)
}

// acquire counts a new connection unless Stop has begun.
func (g *Gateway) acquire() bool {
	g.lifecycle.Lock()
	defer g.lifecycle.Unlock()
	if g.stopped.Load() {
		return false
	}
	g.conns.Add(1)
	return true
}

func (g *Gateway) serveConn(conn *websocket.Conn, token string) {
	// The limit also covers the first-frame authenticate read.
	conn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithTimeout(g.baseCtx, g.handshakeTimeout)
	principal, epoch, reason, err := g.handshake(ctx, conn, token)
	cancel()

	if err != nil {
		g.metrics.authFailures.WithLabelValues(reason).Inc()
		g.logger.Info(g.baseCtx, "handshake rejected", "reason", reason, "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeAuthFailed, common.ErrAuthenticationFailed.Error()),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	if !g.Running() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ReasonShutdown), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	c := g.attach(principal, epoch, conn)
	go c.writePump()
	g.readPump(c)
	g.detach(c)
}

// handshake resolves the credential to a principal. Without a token from the
// upgrade request, the first frame must be an authenticate event. The returned
// epoch is the identity's disconnect epoch read before the device check.
func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn, token string) (auth.Principal, uint64, string, error) {
	if token == "" {
		deadline, _ := ctx.Deadline()
		_ = conn.SetReadDeadline(deadline)

		_, data, err := conn.ReadMessage()
		if err != nil {
			return auth.Principal{}, 0, "no_credential", fmt.Errorf("%w: %v", common.ErrAuthenticationFailed, err)
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event != EventAuthenticate {
			return auth.Principal{}, 0, "no_credential", common.ErrAuthenticationFailed
		}
		p, err := decode[authenticatePayload](env.Data)
		if err != nil || p.Token == "" {
			return auth.Principal{}, 0, "no_credential", common.ErrAuthenticationFailed
		}
		token = p.Token
	}

	principal, err := auth.ParseToken(token, g.secret)
	if err != nil {
		if errors.Is(err, common.ErrTokenExpired) {
			return auth.Principal{}, 0, "expired_token", err
		}
		return auth.Principal{}, 0, "invalid_token", err
	}

	epoch := g.epoch(principal.IdentityID)

	if err := g.guard.CheckDevice(ctx, principal.IdentityID, principal.DeviceID); err != nil {
		if errors.Is(err, common.ErrAuthenticationFailed) {
			return auth.Principal{}, 0, "device_rejected", err
		}
		return auth.Principal{}, 0, "guard_unavailable", err
	}

	_ = conn.SetReadDeadline(time.Time{})
	return principal, epoch, "", nil
}

func (g *Gateway) epoch(identityID string) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.epochs[identityID].n
}

// attach registers the session. A session whose identity was disconnected
// after its device check, or that raced Stop, is registered and then kicked
// at once so detach cleans it up.
func (g *Gateway) attach(p auth.Principal, epoch uint64, conn *websocket.Conn) *client {
	ctx, cancel := context.WithTimeout(g.baseCtx, eventTimeout)
	defer cancel()

	sid, first := g.registry.Register(p.IdentityID, p.DeviceID)
	c := newClient(conn, sid, p.IdentityID, p.DeviceID)

	g.mu.Lock()
	g.clients[sid] = c
	kick := ""
	if e := g.epochs[p.IdentityID]; e.n != epoch {
		kick = e.reason
	} else if g.stopped.Load() {
		kick = ReasonShutdown
	}
	g.mu.Unlock()

	g.registry.JoinRoom(sid, sessions.PersonalRoom(p.IdentityID))
	g.metrics.sessionsActive.Inc()

	if kick != "" {
		g.logger.Info(ctx, "session kicked on attach", "session_id", sid, "identity_id", p.IdentityID, "reason", kick)
		c.disconnect(kick)
		return c
	}

	if err := g.presence.SetOnline(ctx, p.IdentityID); err != nil {
		g.logger.Warn(ctx, "presence set online failed", "identity_id", p.IdentityID, "error", err)
	}

	g.sendTo(c, EventAuthenticated, nil, authenticatedPayload{
		SessionID:  sid,
		IdentityID: p.IdentityID,
		DeviceID:   p.DeviceID,
	})
	if first {
		g.broadcast(relay.EventUserOnline, relay.PresenceChange{IdentityID: p.IdentityID}, p.IdentityID)
	}

	g.logger.Info(ctx, "session registered", "session_id", sid, "identity_id", p.IdentityID, "device_id", p.DeviceID)
	return c
}

func (g *Gateway) detach(c *client) {
	c.shutdown()

	g.mu.Lock()
	delete(g.clients, c.sessionID)
	g.mu.Unlock()

	_, remaining, ok := g.registry.Unregister(c.sessionID)
	if !ok {
		return
	}
	g.metrics.sessionsActive.Dec()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(g.baseCtx), eventTimeout)
	defer cancel()

	g.logger.Info(ctx, "session closed", "session_id", c.sessionID, "identity_id", c.identityID, "remaining", remaining)

	if remaining == 0 {
		if err := g.presence.SetOffline(ctx, c.identityID); err != nil {
			g.logger.Warn(ctx, "presence set offline failed", "identity_id", c.identityID, "error", err)
		}
		g.broadcast(relay.EventUserOffline, relay.PresenceChange{IdentityID: c.identityID}, c.identityID)
	}
}

func (g *Gateway) readPump(c *client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	var lastTouch time.Time
	touch := func() {
		if time.Since(lastTouch) < g.touchEvery {
			return
		}
		lastTouch = time.Now()
		g.touch(c)
	}

	c.conn.SetPongHandler(func(string) error {
		touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug(g.baseCtx, "connection read failed", "session_id", c.sessionID, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		touch()
		g.handleFrame(c, data)
	}
}

// touch refreshes presence for a live session. A missing record is written
// again because an open session proves the identity is online.
func (g *Gateway) touch(c *client) {
	ctx, cancel := context.WithTimeout(g.baseCtx, eventTimeout)
	defer cancel()

	extended, err := g.presence.Heartbeat(ctx, c.identityID)
	if err != nil {
		g.logger.Warn(ctx, "presence heartbeat failed", "identity_id", c.identityID, "error", err)
		return
	}
	if !extended {
		if err := g.presence.SetOnline(ctx, c.identityID); err != nil {
			g.logger.Warn(ctx, "presence set online failed", "identity_id", c.identityID, "error", err)
		}
	}
}

func (g *Gateway) handleFrame(c *client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		g.metrics.events.WithLabelValues("invalid", CodeInvalidPayload).Inc()
		g.sendTo(c, EventAck, env.ID, errorAck(common.ErrInvalidPayload))
		return
	}

	h, ok := g.handlers[env.Event]
	if !ok {
		g.metrics.events.WithLabelValues("unknown", CodeUnknownEvent).Inc()
		g.sendTo(c, EventAck, env.ID, errorAck(fmt.Errorf("%w: %s", common.ErrUnknownEvent, env.Event)))
		return
	}

	ctx, cancel := context.WithTimeout(g.baseCtx, eventTimeout)
	defer cancel()

	start := time.Now()
	ack, err := h(ctx, c.caller(), env.Data)
	g.metrics.eventLatency.WithLabelValues(env.Event).Observe(time.Since(start).Seconds())

	code := "ok"
	if err != nil {
		ack = errorAck(err)
		code = ack.Code
		if code == CodeInternal || code == CodeStoreUnavailable {
			g.logger.Error(ctx, "event failed", "event", env.Event, "session_id", c.sessionID, "error", err)
		} else {
			g.logger.Debug(ctx, "event rejected", "event", env.Event, "session_id", c.sessionID, "code", code)
		}
	}
	g.metrics.events.WithLabelValues(env.Event, code).Inc()
	g.sendTo(c, EventAck, env.ID, ack)
}

// EmitToRoom delivers to every session in room.
func (g *Gateway) EmitToRoom(room, event string, payload any, except ...string) {
	g.deliver(g.registry.MembersOf(room), event, payload, except)
}

// EmitToIdentity delivers to every live session of identityID.
func (g *Gateway) EmitToIdentity(identityID, event string, payload any, except ...string) {
	g.deliver(g.registry.SessionsFor(identityID), event, payload, except)
}

func (g *Gateway) EmitToSession(sessionID, event string, payload any) {
	g.deliver([]string{sessionID}, event, payload, nil)
}

// DisconnectIdentity force-closes every live session of identityID and
// returns how many were signalled.
func (g *Gateway) DisconnectIdentity(identityID, reason string) int {
	g.mu.Lock()
	e := g.epochs[identityID]
	g.epochs[identityID] = lockEpoch{n: e.n + 1, reason: reason}
	g.mu.Unlock()

	n := 0
	for _, sid := range g.registry.SessionsFor(identityID) {
		if c := g.client(sid); c != nil {
			c.disconnect(reason)
			n++
		}
	}
	return n
}

// broadcast delivers to every session that does not belong to skipIdentity.
func (g *Gateway) broadcast(event string, payload any, skipIdentity string) {
	frame, err := encode(event, nil, payload)
	if err != nil {
		g.logger.Error(g.baseCtx, "encode failed", "event", event, "error", err)
		return
	}
	for _, c := range g.snapshotClients() {
		if c.identityID == skipIdentity {
			continue
		}
		g.push(c, event, frame)
	}
}

func (g *Gateway) deliver(sessionIDs []string, event string, payload any, except []string) {
	if len(sessionIDs) == 0 {
		return
	}
	frame, err := encode(event, nil, payload)
	if err != nil {
		g.logger.Error(g.baseCtx, "encode failed", "event", event, "error", err)
		return
	}
	for _, sid := range sessionIDs {
		if slices.Contains(except, sid) {
			continue
		}
		if c := g.client(sid); c != nil {
			g.push(c, event, frame)
		}
	}
}

func (g *Gateway) sendTo(c *client, event string, id *int64, data any) {
	frame, err := encode(event, id, data)
	if err != nil {
		g.logger.Error(g.baseCtx, "encode failed", "event", event, "error", err)
		return
	}
	g.push(c, event, frame)
}

// push queues frame for c. Best-effort events are dropped on a full queue;
// anything else disconnects the session, which recovers from history on
// reconnect.
func (g *Gateway) push(c *client, event string, frame []byte) {
	if c.enqueue(frame) {
		return
	}
	if bestEffort(event) {
		g.metrics.fanoutDropped.WithLabelValues(event).Inc()
		return
	}
	g.logger.Warn(g.baseCtx, "session queue full, disconnecting", "session_id", c.sessionID, "event", event)
	c.disconnect(ReasonSlowConsumer)
}

func bestEffort(event string) bool {
	return event == relay.EventUserTyping || event == relay.EventChatPresence
}

func (g *Gateway) client(sessionID string) *client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.clients[sessionID]
}

func (g *Gateway) snapshotClients() []*client {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		out = append(out, c)
	}
	return out
}

func (c *client) caller() relay.Caller {
	return relay.Caller{SessionID: c.sessionID, IdentityID: c.identityID, DeviceID: c.deviceID}
}
