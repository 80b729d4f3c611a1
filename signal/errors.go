package signal

import "errors"

// Failure taxonomy shared by the gateway and both engines. Callers wrap these
// with %w and context; the wire layer maps them to stable codes via Classify.
var (
	ErrAuthenticationRequired     = errors.New("authentication required")
	ErrInvalidToken               = errors.New("invalid credential token")
	ErrPartyUnreachable           = errors.New("party unreachable")
	ErrMalformedEscrowEvent       = errors.New("malformed escrow event")
	ErrInvalidTransactionState    = errors.New("invalid transaction state")
	ErrLedgerOperationFailed      = errors.New("ledger operation failed")
	ErrNotificationDeliveryFailed = errors.New("notification delivery failed")
	ErrRateLimited                = errors.New("event rate exceeded")
)

// ErrAcknowledged wraps failures whose error acknowledgement has already been
// delivered to the initiating party. The gateway records the failure but must
// not send a second error event for it.
var ErrAcknowledged = errors.New("failure acknowledged to sender")

// Classify maps an error to its wire code and user-facing message. Ledger and
// transaction-state failures during a release are deliberately softened: the
// ledger state stays authoritative and the party is told to expect a retry,
// never that the payment failed.
func Classify(err error) (code, message string) {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return "AUTHENTICATION_REQUIRED", "authentication is required for this event"
	case errors.Is(err, ErrInvalidToken):
		return "INVALID_TOKEN", "credential token was rejected"
	case errors.Is(err, ErrPartyUnreachable):
		return "PARTY_UNREACHABLE", "the other party is not connected"
	case errors.Is(err, ErrMalformedEscrowEvent):
		return "MALFORMED_ESCROW_EVENT", "escrow event is missing required fields"
	case errors.Is(err, ErrInvalidTransactionState):
		return "INVALID_TRANSACTION_STATE", "transaction is not in a state that allows this operation"
	case errors.Is(err, ErrLedgerOperationFailed):
		return "LEDGER_OPERATION_FAILED", "we could not complete the transfer, it will be retried shortly"
	case errors.Is(err, ErrNotificationDeliveryFailed):
		return "NOTIFICATION_DELIVERY_FAILED", "funds were released but the other party could not be notified yet"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED", "too many events, slow down and retry"
	default:
		return "INTERNAL", "internal error"
	}
}
