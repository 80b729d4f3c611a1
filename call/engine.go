// Package call routes call-intent events between two identified parties. The
// engine holds no per-call state of its own: outgoing, rejected and timeout
// events are pure address resolution, and only the accepted transition
// persists a session record through the durable store.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketsignal/observability"
	"marketsignal/registry"
	"marketsignal/signal"
)

var errNilEngine = errors.New("call engine: not configured")

// SessionStore persists the canonical record of an accepted call. It is an
// external collaborator; the engine only requests creation and closure.
type SessionStore interface {
	CreateCallSession(ctx context.Context, caller, receiver, room string) (string, error)
	EndCallSession(ctx context.Context, sessionID string, endedAt time.Time) error
}

// Engine is the per-call signaling state machine. Safe for concurrent use:
// all shared state lives behind the registry and the store.
type Engine struct {
	registry registry.Registry
	store    SessionStore
	sender   signal.Sender
	log      *slog.Logger
	metrics  *observability.SignalMetrics
	nowFn    func() time.Time
}

// NewEngine wires the call engine with its collaborators.
func NewEngine(reg registry.Registry, store SessionStore, sender signal.Sender, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry: reg,
		store:    store,
		sender:   sender,
		log:      logger,
		metrics:  observability.Metrics(),
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the time source. Test only.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

// EndedData is the payload required on a call.ended event.
type EndedData struct {
	CallSessionID string `json:"callSessionId"`
}

// Outgoing resolves the receiver and forwards the intent to their connection
// as an incoming call, payload unmodified. A registry miss is surfaced to the
// caller as an unreachable failure, never queued.
func (e *Engine) Outgoing(ctx context.Context, evt signal.Event) error {
	if e == nil {
		return errNilEngine
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	connID, err := e.lookup(ctx, evt.Kind, evt.Receiver)
	if err != nil {
		return err
	}
	out := evt
	out.Kind = signal.KindCallIncoming
	return e.sender.Send(ctx, connID, out)
}

// Accepted creates the canonical call session and delivers the accepted event
// to both parties. Both must learn the session id: either may later drive
// escrow or ended events scoped to it.
func (e *Engine) Accepted(ctx context.Context, evt signal.Event) error {
	if e == nil {
		return errNilEngine
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	callerConn, err := e.lookup(ctx, evt.Kind, evt.Caller)
	if err != nil {
		return err
	}
	receiverConn, err := e.lookup(ctx, evt.Kind, evt.Receiver)
	if err != nil {
		return err
	}
	sessionID, err := e.store.CreateCallSession(ctx, evt.Caller, evt.Receiver, evt.Room)
	if err != nil {
		return fmt.Errorf("create call session: %w", err)
	}
	out := evt
	out.Data = injectSessionID(evt.Data, sessionID)
	if err := e.sender.Send(ctx, callerConn, out); err != nil {
		return err
	}
	return e.sender.Send(ctx, receiverConn, out)
}

// Rejected forwards the rejection to the caller's connection unmodified.
func (e *Engine) Rejected(ctx context.Context, evt signal.Event) error {
	return e.forwardToCaller(ctx, evt)
}

// TimedOut has the same routing shape as Rejected and no persisted side
// effects. The ring-timeout decision is made by the emitting party, not here.
func (e *Engine) TimedOut(ctx context.Context, evt signal.Event) error {
	return e.forwardToCaller(ctx, evt)
}

// Ended closes the canonical session record when the sender is the call's
// caller, and always echoes the event back to the sender's own connection.
// Only the caller closes the record; a receiver-sent ended still echoes.
func (e *Engine) Ended(ctx context.Context, senderID, senderConnID string, evt signal.Event) error {
	if e == nil {
		return errNilEngine
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	var data EndedData
	if err := evt.DecodeData(&data); err != nil {
		return err
	}
	if strings.TrimSpace(data.CallSessionID) == "" {
		return fmt.Errorf("event %s: call session id required", evt.Kind)
	}
	if senderID == evt.Caller {
		if err := e.store.EndCallSession(ctx, data.CallSessionID, e.nowFn().UTC()); err != nil {
			return fmt.Errorf("end call session %s: %w", data.CallSessionID, err)
		}
	}
	return e.sender.Send(ctx, senderConnID, evt)
}

func (e *Engine) forwardToCaller(ctx context.Context, evt signal.Event) error {
	if e == nil {
		return errNilEngine
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	connID, err := e.lookup(ctx, evt.Kind, evt.Caller)
	if err != nil {
		return err
	}
	return e.sender.Send(ctx, connID, evt)
}

func (e *Engine) lookup(ctx context.Context, kind signal.Kind, identity string) (string, error) {
	connID, err := e.registry.Lookup(ctx, identity)
	if errors.Is(err, registry.ErrNotFound) {
		e.metrics.RegistryMiss.WithLabelValues(string(kind)).Inc()
		return "", fmt.Errorf("resolve %s: %w", identity, signal.ErrPartyUnreachable)
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", identity, err)
	}
	return connID, nil
}

// injectSessionID stamps the session id into the payload, preserving any
// existing object fields the accepting party supplied.
func injectSessionID(raw json.RawMessage, sessionID string) json.RawMessage {
	merged := map[string]any{}
	if len(raw) > 0 {
		// Non-object payloads are replaced; the session id must win.
		_ = json.Unmarshal(raw, &merged)
	}
	merged["callSessionId"] = sessionID
	out, err := json.Marshal(merged)
	if err != nil {
		out, _ = json.Marshal(map[string]string{"callSessionId": sessionID})
	}
	return out
}
