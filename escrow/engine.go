// Package escrow coordinates the held-funds handshake nested inside an
// accepted call. Every transition other than the initial request must carry
// the reference minted by the durable store, and the store's conditional
// update is the idempotency enforcement point: replaying a transition after
// it has already happened fails the status predicate instead of mutating the
// ledger twice.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"marketsignal/observability"
	"marketsignal/signal"
)

var errNilEngine = errors.New("escrow engine: not configured")

// Store is the durable-store collaborator. UpdateTransaction applies a
// conditional status transition (the row's current status must equal the
// expected predecessor) and returns the updated transaction; stores report a
// failed predicate so callers can surface it as a typed failure.
type Store interface {
	CreateTransaction(ctx context.Context, buyerID string, amount int64, itemTitle, itemDescription string) (string, error)
	UpdateTransaction(ctx context.Context, reference string, from, to Status, callSessionID string) (*Transaction, error)
	ReleaseFunds(ctx context.Context, transactionID, sellerID, feedback string) (ReleaseResult, error)
	RefundFunds(ctx context.Context, reference, buyerID, sellerID string) (*Transaction, error)
	FetchUserByID(ctx context.Context, id string) (User, error)
}

// Ledger is the external wallet ledger. Only atomic mutations are exposed;
// the engine never reads a balance to write it back.
type Ledger interface {
	IncrementEscrowBalance(ctx context.Context, identity string, amount int64) error
}

// Notifier delivers the funds-released notice to the seller. Implementations
// retry internally; exhaustion is reported as a delivery failure that the
// engine must never confuse with a payment failure.
type Notifier interface {
	SendReleaseNotice(ctx context.Context, notice ReleaseNotice) error
}

// ReleaseResult is the authoritative outcome of the store's atomic release.
type ReleaseResult struct {
	Reference string
	Amount    int64
	Status    Status
	ItemTitle string
}

// ReleaseNotice is the templated-notification payload for a completed release.
type ReleaseNotice struct {
	Email     string
	Name      string
	Amount    int64
	ItemTitle string
	Feedback  string
}

// User is the profile shape the engine needs from the durable store.
type User struct {
	ID    string
	Name  string
	Email string
}

// Engine drives the escrow sub-state-machine for one marketplace deployment.
// Acknowledgements go to the sending party's own connection, so no registry
// resolution happens here.
type Engine struct {
	store    Store
	ledger   Ledger
	notifier Notifier
	sender   signal.Sender
	log      *slog.Logger
	metrics  *observability.SignalMetrics
}

// NewEngine wires the escrow engine with its collaborators.
func NewEngine(store Store, ledger Ledger, notifier Notifier, sender signal.Sender, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		sender:   sender,
		log:      logger,
		metrics:  observability.Metrics(),
	}
}

// RequestData is the payload of an escrow.requested event.
type RequestData struct {
	Amount          int64  `json:"amount"`
	ItemTitle       string `json:"itemTitle"`
	ItemDescription string `json:"itemDescription"`
}

// HandshakeData correlates accepted/rejected/disputed/refunded events with
// the transaction reference and the owning call session.
type HandshakeData struct {
	Reference     string `json:"reference"`
	CallSessionID string `json:"callSessionId"`
	Amount        int64  `json:"amount,omitempty"`
}

// ReleaseData is the payload of an escrow.released event.
type ReleaseData struct {
	TransactionID string `json:"transactionId"`
	Feedback      string `json:"feedback"`
}

// Requested creates the transaction (status initiated), stamps the minted
// reference onto the payload and echoes the event to the requester's own
// connection. The requester notifies the counterpart through the call
// channel.
func (e *Engine) Requested(ctx context.Context, senderConnID string, evt signal.Event) error {
	if e == nil {
		return errNilEngine
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	var data RequestData
	if err := evt.DecodeData(&data); err != nil {
		return fmt.Errorf("%w: %v", signal.ErrMalformedEscrowEvent, err)
	}
	if data.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", signal.ErrMalformedEscrowEvent)
	}
	reference, err := e.store.CreateTransaction(ctx, evt.Caller, data.Amount, data.ItemTitle, data.ItemDescription)
	if err != nil {
		e.metrics.RecordTransition(string(StatusInitiated), "error")
		return fmt.Errorf("create escrow transaction: %w", err)
	}
	e.metrics.RecordTransition(string(StatusInitiated), "ok")
	out, err := evt.WithData(struct {
		RequestData
		Reference string `json:"reference"`
	}{RequestData: data, Reference: reference})
	if err != nil {
		return err
	}
	return e.sender.Send(ctx, senderConnID, out)
}

// Accepted moves the transaction to held and credits the receiver's escrowed
// balance with the stored transaction amount. Replays fail the store's status
// predicate and never double-credit the ledger.
func (e *Engine) Accepted(ctx context.Context, senderConnID string, evt signal.Event) error {
	if e == nil {
		return errNilEngine
	}
	data, err := e.decodeHandshake(evt)
	if err != nil {
		return err
	}
	tx, err := e.transition(ctx, data.Reference, StatusInitiated, StatusHeld, data.CallSessionID)
	if err != nil {
		return err
	}
	if err := e.ledger.IncrementEscrowBalance(ctx, evt.Receiver, tx.Amount); err != nil {
		return fmt.Errorf("%w: escrow credit for %s: %v", signal.ErrLedgerOperationFailed, evt.Receiver, err)
	}
	return e.sender.Send(ctx, senderConnID, evt)
}

// Rejected moves the transaction to rejected and echoes to the sender.
func (e *Engine) Rejected(ctx context.Context, senderConnID string, evt signal.Event) error {
	return e.handshakeTransition(ctx, senderConnID, evt, StatusInitiated, StatusRejected)
}

// Disputed flags held funds as disputed. Either party may raise the dispute;
// resolution is an out-of-band mediation concern.
func (e *Engine) Disputed(ctx context.Context, senderConnID string, evt signal.Event) error {
	return e.handshakeTransition(ctx, senderConnID, evt, StatusHeld, StatusDisputed)
}

// Refunded returns held or disputed funds to the buyer through the store's
// atomic refund and echoes to the sender.
func (e *Engine) Refunded(ctx context.Context, senderConnID string, evt signal.Event) error {
	if e == nil {
		return errNilEngine
	}
	data, err := e.decodeHandshake(evt)
	if err != nil {
		return err
	}
	if _, err := e.store.RefundFunds(ctx, data.Reference, evt.Caller, evt.Receiver); err != nil {
		e.metrics.RecordTransition(string(StatusRefunded), "error")
		return e.classifyStoreErr(err, data.Reference)
	}
	e.metrics.RecordTransition(string(StatusRefunded), "ok")
	return e.sender.Send(ctx, senderConnID, evt)
}

// Released settles the escrow in favour of the seller. The store's release is
// authoritative and atomic from this engine's point of view; the notification
// is the only retried operation here, and its failure is a delivery caveat,
// never a payment failure.
func (e *Engine) Released(ctx context.Context, senderConnID string, evt signal.Event) error {
	if e == nil {
		return errNilEngine
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	var data ReleaseData
	if err := evt.DecodeData(&data); err != nil {
		return fmt.Errorf("%w: %v", signal.ErrMalformedEscrowEvent, err)
	}
	if strings.TrimSpace(data.TransactionID) == "" {
		return fmt.Errorf("%w: transaction id required", signal.ErrMalformedEscrowEvent)
	}

	seller, err := e.store.FetchUserByID(ctx, evt.Receiver)
	if err != nil {
		return fmt.Errorf("fetch seller profile %s: %w", evt.Receiver, err)
	}
	result, err := e.store.ReleaseFunds(ctx, data.TransactionID, evt.Receiver, data.Feedback)
	if err != nil {
		e.metrics.RecordTransition(string(StatusReleased), "error")
		e.log.Error("escrow release failed",
			"transaction", data.TransactionID,
			"seller", evt.Receiver,
			"error", err)
		return e.classifyStoreErr(err, data.TransactionID)
	}
	e.metrics.RecordTransition(string(StatusReleased), "ok")

	notice := ReleaseNotice{
		Email:     seller.Email,
		Name:      seller.Name,
		Amount:    result.Amount,
		Feedback:  data.Feedback,
		ItemTitle: result.ItemTitle,
	}
	if err := e.notifier.SendReleaseNotice(ctx, notice); err != nil {
		// The ledger state is authoritative regardless of notification
		// outcome; the releasing party only learns of the delivery caveat.
		e.metrics.RecordNotification("email", "error")
		e.log.Error("release notification failed after retries",
			"transaction", data.TransactionID,
			"seller", evt.Receiver,
			"error", err)
		caveat := fmt.Errorf("%w: %v", signal.ErrNotificationDeliveryFailed, err)
		ack := signal.ErrorAck(caveat)
		ack.Amount = result.Amount
		ack.Feedback = data.Feedback
		ack.Reference = result.Reference
		if sendErr := e.sendAck(ctx, senderConnID, evt, ack); sendErr != nil {
			return sendErr
		}
		// The caveat ack carries the amount, so the generic error path must
		// not ack again; the returned error still marks the event failed.
		return fmt.Errorf("%w: %w", signal.ErrAcknowledged, caveat)
	}
	e.metrics.RecordNotification("email", "ok")

	ack := signal.SuccessAck("escrow released")
	ack.Amount = result.Amount
	ack.Feedback = data.Feedback
	ack.Reference = result.Reference
	return e.sendAck(ctx, senderConnID, evt, ack)
}

func (e *Engine) handshakeTransition(ctx context.Context, senderConnID string, evt signal.Event, from, to Status) error {
	if e == nil {
		return errNilEngine
	}
	data, err := e.decodeHandshake(evt)
	if err != nil {
		return err
	}
	if _, err := e.transition(ctx, data.Reference, from, to, data.CallSessionID); err != nil {
		return err
	}
	return e.sender.Send(ctx, senderConnID, evt)
}

func (e *Engine) transition(ctx context.Context, reference string, from, to Status, callSessionID string) (*Transaction, error) {
	tx, err := e.store.UpdateTransaction(ctx, reference, from, to, callSessionID)
	if err != nil {
		e.metrics.RecordTransition(string(to), "error")
		return nil, e.classifyStoreErr(err, reference)
	}
	e.metrics.RecordTransition(string(to), "ok")
	return tx, nil
}

func (e *Engine) decodeHandshake(evt signal.Event) (HandshakeData, error) {
	if err := evt.Validate(); err != nil {
		return HandshakeData{}, err
	}
	var data HandshakeData
	if err := evt.DecodeData(&data); err != nil {
		return HandshakeData{}, fmt.Errorf("%w: %v", signal.ErrMalformedEscrowEvent, err)
	}
	if strings.TrimSpace(data.Reference) == "" || strings.TrimSpace(data.CallSessionID) == "" {
		return HandshakeData{}, fmt.Errorf("%w: reference and call session id required", signal.ErrMalformedEscrowEvent)
	}
	return data, nil
}

// classifyStoreErr maps store failures onto the wire taxonomy. A refused
// status predicate means the transaction is not in the expected predecessor
// state; anything else on the money path is a ledger failure.
func (e *Engine) classifyStoreErr(err error, reference string) error {
	if errors.Is(err, signal.ErrInvalidTransactionState) {
		return fmt.Errorf("transaction %s: %w", reference, err)
	}
	return fmt.Errorf("%w: transaction %s: %v", signal.ErrLedgerOperationFailed, reference, err)
}

func (e *Engine) sendAck(ctx context.Context, connID string, evt signal.Event, ack signal.Ack) error {
	out, err := signal.Event{Kind: evt.Kind, Room: evt.Room, Caller: evt.Caller, Receiver: evt.Receiver}.WithData(ack)
	if err != nil {
		return err
	}
	return e.sender.Send(ctx, connID, out)
}
