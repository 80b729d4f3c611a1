package signal

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is the wire envelope shared by the inbound and outbound paths. The
// payload stays raw until the owning engine decodes it against the expected
// shape for the kind.
type Event struct {
	Kind     Kind            `json:"kind"`
	Room     string          `json:"room"`
	Caller   string          `json:"caller"`
	Receiver string          `json:"receiver"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Validate checks the envelope invariants common to every call/escrow event:
// both parties must be identified. Kind validity is checked separately so the
// gateway can report unknown names before looking at the parties.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("nil event")
	}
	if strings.TrimSpace(e.Caller) == "" {
		return fmt.Errorf("event %s: caller identity required", e.Kind)
	}
	if strings.TrimSpace(e.Receiver) == "" {
		return fmt.Errorf("event %s: receiver identity required", e.Kind)
	}
	return nil
}

// DecodeData unmarshals the raw payload into dst. A missing payload is
// reported as an error because every decoded shape is required by its
// handler's precondition.
func (e *Event) DecodeData(dst any) error {
	if e == nil || len(e.Data) == 0 {
		return fmt.Errorf("event %s: payload required", kindOf(e))
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("event %s: decode payload: %w", e.Kind, err)
	}
	return nil
}

func kindOf(e *Event) Kind {
	if e == nil {
		return ""
	}
	return e.Kind
}

// WithData returns a copy of the event carrying the JSON encoding of payload.
func (e Event) WithData(payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("event %s: encode payload: %w", e.Kind, err)
	}
	e.Data = raw
	return e, nil
}

// Ack is the uniform success/failure payload echoed back to the party that
// initiated an event. Failures ride the same shape as successes so the
// transport needs no special error framing.
type Ack struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Reference     string `json:"reference,omitempty"`
	CallSessionID string `json:"callSessionId,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
	Feedback      string `json:"feedback,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// SuccessAck builds a success acknowledgement with the given human message.
func SuccessAck(message string) Ack {
	return Ack{Status: StatusSuccess, Message: message}
}

// ErrorAck builds a failure acknowledgement from a taxonomy error. Unknown
// errors are reported with an internal code and a generic message so internal
// detail never leaks to the wire.
func ErrorAck(err error) Ack {
	code, message := Classify(err)
	return Ack{Status: StatusError, Code: code, Message: message}
}

// ErrorEvent wraps an acknowledgement into an outbound error event scoped to
// the room the failing event addressed.
func ErrorEvent(room string, ack Ack) (Event, error) {
	return Event{Kind: KindError, Room: room}.WithData(ack)
}
