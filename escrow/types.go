package escrow

import (
	"fmt"
	"strings"
)

// Status tracks an escrow transaction through its lifecycle. Values are
// stored as strings so the durable store's rows stay readable and the
// conditional-update predicates stay obvious.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRejected  Status = "rejected"
	StatusInitiated Status = "initiated"
	StatusHeld      Status = "held"
	StatusDelivered Status = "delivered"
	StatusConfirmed Status = "confirmed"
	StatusReleased  Status = "released"
	StatusDisputed  Status = "disputed"
	StatusRefunded  Status = "refunded"
)

// Valid reports whether the status is within the supported set.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRejected, StatusInitiated, StatusHeld, StatusDelivered,
		StatusConfirmed, StatusReleased, StatusDisputed, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusReleased, StatusRefunded:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Held funds may only move forward to released, disputed or refunded;
// accepted/rejected are reachable only from the initiated handshake. The
// delivered/confirmed steps belong to the delivery-agent flow and sit between
// held and released for stores that track them.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInitiated || next == StatusRejected
	case StatusInitiated:
		return next == StatusHeld || next == StatusRejected
	case StatusHeld:
		return next == StatusDelivered || next == StatusReleased || next == StatusDisputed || next == StatusRefunded
	case StatusDelivered:
		return next == StatusConfirmed || next == StatusDisputed
	case StatusConfirmed:
		return next == StatusReleased || next == StatusDisputed
	case StatusDisputed:
		return next == StatusReleased || next == StatusRefunded
	default:
		return false
	}
}

// ParseStatus normalises and validates a stored status value.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("escrow: invalid status %q", raw)
	}
	return s, nil
}

// Transaction is the engine's view of one held-funds handshake nested in a
// call session. The reference is generated by the durable store on creation
// and correlates every subsequent event.
type Transaction struct {
	Reference       string
	CallSessionID   string
	BuyerID         string
	SellerID        string
	Amount          int64
	ItemTitle       string
	ItemDescription string
	Status          Status
}
