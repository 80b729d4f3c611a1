package signal

import (
	"fmt"
	"strings"
)

// Kind identifies one of the closed set of signaling event types exchanged
// over a session. Unknown names are rejected at the gateway boundary so the
// engines only ever dispatch over this enum.
type Kind string

const (
	KindCallOutgoing Kind = "call.outgoing"
	// KindCallIncoming is outbound-only: the receiver-side mirror of an
	// outgoing call intent.
	KindCallIncoming Kind = "call.incoming"
	KindCallAccepted Kind = "call.accepted"
	KindCallRejected Kind = "call.rejected"
	KindCallEnded    Kind = "call.ended"
	KindCallTimeout  Kind = "call.timeout"

	KindEscrowRequested Kind = "escrow.requested"
	KindEscrowAccepted  Kind = "escrow.accepted"
	KindEscrowRejected  Kind = "escrow.rejected"
	KindEscrowReleased  Kind = "escrow.released"
	KindEscrowDisputed  Kind = "escrow.disputed"
	KindEscrowRefunded  Kind = "escrow.refunded"

	// KindError is outbound-only: structured failures delivered to the party
	// that initiated the failing event.
	KindError Kind = "error"
)

// Valid reports whether the kind is a member of the closed set accepted on
// the inbound path.
func (k Kind) Valid() bool {
	switch k {
	case KindCallOutgoing, KindCallAccepted, KindCallRejected, KindCallEnded, KindCallTimeout,
		KindEscrowRequested, KindEscrowAccepted, KindEscrowRejected, KindEscrowReleased,
		KindEscrowDisputed, KindEscrowRefunded:
		return true
	default:
		return false
	}
}

// IsEscrow reports whether the kind belongs to the escrow sub-state-machine.
func (k Kind) IsEscrow() bool {
	return strings.HasPrefix(string(k), "escrow.")
}

// ParseKind normalises and validates an inbound event name.
func ParseKind(name string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(name)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown event kind: %q", name)
	}
	return k, nil
}
