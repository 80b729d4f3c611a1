// Package gateway owns every open duplex connection: it authenticates the
// websocket handshake, registers identities in the connection registry,
// dispatches inbound events to the call and escrow engines, and delivers
// outbound events back over the owning connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"marketsignal/call"
	"marketsignal/escrow"
	"marketsignal/notify"
	"marketsignal/observability"
	"marketsignal/observability/logging"
	"marketsignal/registry"
	"marketsignal/signal"
)

const (
	wsWriteTimeout = 10 * time.Second

	defaultEventsPerSecond = 20
	defaultEventBurst      = 40
)

// Config controls handshake policy and registration lifetime.
type Config struct {
	// RequireAuth rejects connections that present no credential token.
	// When false, anonymous connections are allowed but may only receive
	// broadcast-style events, never emit call/escrow events.
	RequireAuth bool
	// RegistryTTL bounds how long a registration stays live without a
	// refresh. Zero falls back to the registry default.
	RegistryTTL time.Duration
	// EventsPerSecond and EventBurst bound the inbound event rate per
	// connection. Zero values fall back to the defaults.
	EventsPerSecond float64
	EventBurst      int
	// OriginPatterns is passed through to the websocket accept options.
	OriginPatterns []string
}

// session is one live connection. Owned exclusively by the gateway for the
// lifetime of the physical connection; never persisted.
type session struct {
	id        string
	identity  string
	conn      *websocket.Conn
	limiter   *rate.Limiter
	createdAt time.Time
}

// Gateway is the session gateway. One instance per process, constructed
// explicitly and handed to the HTTP layer; there is no ambient global.
type Gateway struct {
	cfg      Config
	registry registry.Registry
	verifier TokenVerifier
	presence PresenceHook
	pushes   *notify.Queue
	log      *slog.Logger
	metrics  *observability.SignalMetrics

	calls  *call.Engine
	escrow *escrow.Engine

	mu       sync.RWMutex
	sessions map[string]*session
}

// New constructs a gateway. The engines are wired afterwards via SetEngines
// because they need the gateway as their outbound sender.
func New(cfg Config, reg registry.Registry, verifier TokenVerifier, presence PresenceHook, pushes *notify.Queue, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventsPerSecond <= 0 {
		cfg.EventsPerSecond = defaultEventsPerSecond
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = defaultEventBurst
	}
	if len(cfg.OriginPatterns) == 0 {
		cfg.OriginPatterns = []string{"*"}
	}
	return &Gateway{
		cfg:      cfg,
		registry: reg,
		verifier: verifier,
		presence: presence,
		pushes:   pushes,
		log:      logger,
		metrics:  observability.Metrics(),
		sessions: make(map[string]*session),
	}
}

// SetEngines wires the call and escrow engines after construction.
func (g *Gateway) SetEngines(calls *call.Engine, esc *escrow.Engine) {
	g.calls = calls
	g.escrow = esc
}

// Send implements signal.Sender: it resolves the connection id to a live
// session and writes the event with a bounded timeout. A connection id the
// registry still resolves but the gateway no longer owns is a stale entry,
// reported as unreachable.
func (g *Gateway) Send(ctx context.Context, connID string, evt signal.Event) error {
	g.mu.RLock()
	sess, ok := g.sessions[connID]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s gone: %w", connID, signal.ErrPartyUnreachable)
	}
	return writeEvent(ctx, sess.conn, evt)
}

// ServeHTTP upgrades the connection, performs the authentication handshake
// and runs the read loop until disconnect.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
	if g.cfg.RequireAuth && token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	identity := ""
	if token != "" {
		resolved, err := g.verifier.Verify(r.Context(), token)
		if err != nil {
			g.log.Warn("handshake token rejected", "token", logging.MaskToken(token), "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		identity = resolved
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.cfg.OriginPatterns})
	if err != nil {
		return
	}

	sess := &session{
		id:        uuid.NewString(),
		identity:  identity,
		conn:      conn,
		limiter:   rate.NewLimiter(rate.Limit(g.cfg.EventsPerSecond), g.cfg.EventBurst),
		createdAt: time.Now(),
	}

	if identity != "" {
		if err := g.registry.Register(r.Context(), identity, sess.id, g.cfg.RegistryTTL); err != nil {
			g.log.Error("register connection", "identity", identity, "error", err)
			_ = conn.Close(websocket.StatusInternalError, "registration failed")
			return
		}
		g.markOnline(identity, true)
	}

	g.mu.Lock()
	g.sessions[sess.id] = sess
	g.mu.Unlock()
	g.metrics.Connections.Inc()
	g.log.Info("connection opened", "connection", sess.id, "identity", identity)

	defer g.teardown(sess)
	g.readLoop(r.Context(), sess)
}

func (g *Gateway) teardown(sess *session) {
	g.mu.Lock()
	delete(g.sessions, sess.id)
	g.mu.Unlock()
	g.metrics.Connections.Dec()

	if sess.identity != "" {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		defer cancel()
		// Registrations are last-writer-wins: a reconnect may already own
		// this identity, and the stale connection closing must not tear
		// down the live registration or flip presence offline.
		connID, err := g.registry.Lookup(ctx, sess.identity)
		switch {
		case err == nil && connID != sess.id:
		case err != nil && !errors.Is(err, registry.ErrNotFound):
			g.log.Error("resolve registration", "identity", sess.identity, "error", err)
		default:
			if err := g.registry.Revoke(ctx, sess.identity); err != nil {
				g.log.Error("revoke registration", "identity", sess.identity, "error", err)
			}
			g.markOnline(sess.identity, false)
		}
	}
	_ = sess.conn.Close(websocket.StatusNormalClosure, "session closed")
	g.log.Info("connection closed", "connection", sess.id, "identity", sess.identity)
}

func (g *Gateway) readLoop(ctx context.Context, sess *session) {
	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			return
		}
		if !sess.limiter.Allow() {
			g.sendError(ctx, sess, "", signal.ErrRateLimited)
			continue
		}
		var evt signal.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			g.sendError(ctx, sess, "", fmt.Errorf("decode event: %w", err))
			continue
		}
		// One task per inbound event; a suspended handler never blocks the
		// read loop or other connections.
		go g.handle(ctx, sess, evt)
	}
}

func (g *Gateway) handle(ctx context.Context, sess *session, evt signal.Event) {
	start := time.Now()
	err := g.dispatch(ctx, sess, evt)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		// Engines ack some soft failures themselves to carry extra fields
		// the generic error event cannot; those still count as failures
		// but must not produce a second error event.
		if !errors.Is(err, signal.ErrAcknowledged) {
			g.sendError(ctx, sess, evt.Room, err)
		}
		g.log.Warn("event failed",
			"kind", string(evt.Kind),
			"connection", sess.id,
			"identity", sess.identity,
			"error", err)
	}
	g.metrics.RecordEvent(string(evt.Kind), outcome)
	g.metrics.EventLatency.WithLabelValues(string(evt.Kind)).Observe(time.Since(start).Seconds())
}

func (g *Gateway) dispatch(ctx context.Context, sess *session, evt signal.Event) error {
	kind, err := signal.ParseKind(string(evt.Kind))
	if err != nil {
		return err
	}
	evt.Kind = kind

	// Call and escrow events always require an identity; anonymous
	// connections only ever receive broadcast-style traffic.
	if sess.identity == "" {
		return fmt.Errorf("%w: anonymous connections cannot emit %s", signal.ErrAuthenticationRequired, kind)
	}
	if sess.identity != evt.Caller && sess.identity != evt.Receiver {
		return fmt.Errorf("%w: %s", signal.ErrAuthenticationRequired, errNotParticipant)
	}

	switch kind {
	case signal.KindCallOutgoing:
		err := g.calls.Outgoing(ctx, evt)
		if errors.Is(err, signal.ErrPartyUnreachable) {
			g.pushMissedCall(evt)
		}
		return err
	case signal.KindCallAccepted:
		return g.calls.Accepted(ctx, evt)
	case signal.KindCallRejected:
		return g.calls.Rejected(ctx, evt)
	case signal.KindCallEnded:
		return g.calls.Ended(ctx, sess.identity, sess.id, evt)
	case signal.KindCallTimeout:
		return g.calls.TimedOut(ctx, evt)
	case signal.KindEscrowRequested:
		return g.escrow.Requested(ctx, sess.id, evt)
	case signal.KindEscrowAccepted:
		return g.escrow.Accepted(ctx, sess.id, evt)
	case signal.KindEscrowRejected:
		return g.escrow.Rejected(ctx, sess.id, evt)
	case signal.KindEscrowReleased:
		return g.escrow.Released(ctx, sess.id, evt)
	case signal.KindEscrowDisputed:
		return g.escrow.Disputed(ctx, sess.id, evt)
	case signal.KindEscrowRefunded:
		return g.escrow.Refunded(ctx, sess.id, evt)
	default:
		return fmt.Errorf("unhandled event kind %s", kind)
	}
}

// pushMissedCall queues a fire-and-forget push so an unreachable receiver
// still learns someone tried to call.
func (g *Gateway) pushMissedCall(evt signal.Event) {
	if g.pushes == nil {
		return
	}
	g.pushes.Enqueue(notify.PushNotification{
		Identity:  evt.Receiver,
		Title:     "Missed call",
		Body:      fmt.Sprintf("%s tried to call you", evt.Caller),
		CreatedAt: time.Now().UTC(),
	})
}

func (g *Gateway) sendError(ctx context.Context, sess *session, room string, cause error) {
	out, err := signal.ErrorEvent(room, signal.ErrorAck(cause))
	if err != nil {
		return
	}
	if err := writeEvent(ctx, sess.conn, out); err != nil {
		g.log.Warn("error delivery failed", "connection", sess.id, "error", err)
	}
}

func (g *Gateway) markOnline(identity string, online bool) {
	if g.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		defer cancel()
		if err := g.presence.SetOnline(ctx, identity, online); err != nil {
			g.log.Warn("presence update failed", "identity", identity, "online", online, "error", err)
		}
	}()
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt signal.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
