package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestParseKind(t *testing.T) {
	cases := []struct {
		raw  string
		want Kind
		ok   bool
	}{
		{"call.outgoing", KindCallOutgoing, true},
		{" CALL.ACCEPTED ", KindCallAccepted, true},
		{"escrow.released", KindEscrowReleased, true},
		{"escrow.refunded", KindEscrowRefunded, true},
		{"call.incoming", "", false}, // outbound-only
		{"error", "", false},         // outbound-only
		{"call.ringing", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseKind(tc.raw)
		if tc.ok && (err != nil || got != tc.want) {
			t.Fatalf("%q: expected %s, got %s (%v)", tc.raw, tc.want, got, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%q: expected rejection", tc.raw)
		}
	}
}

func TestKindIsEscrow(t *testing.T) {
	if !KindEscrowAccepted.IsEscrow() {
		t.Fatalf("escrow.accepted must be escrow-scoped")
	}
	if KindCallAccepted.IsEscrow() {
		t.Fatalf("call.accepted must not be escrow-scoped")
	}
}

func TestEventValidate(t *testing.T) {
	evt := Event{Kind: KindCallOutgoing, Room: "room-1", Caller: "alice", Receiver: "bob"}
	if err := evt.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
	for _, bad := range []Event{
		{Kind: KindCallOutgoing, Receiver: "bob"},
		{Kind: KindCallOutgoing, Caller: "alice"},
		{Kind: KindCallOutgoing, Caller: "  ", Receiver: "bob"},
	} {
		if err := bad.Validate(); err == nil {
			t.Fatalf("expected rejection for %+v", bad)
		}
	}
}

func TestDecodeDataRequiresPayload(t *testing.T) {
	evt := Event{Kind: KindEscrowReleased, Caller: "alice", Receiver: "bob"}
	var dst struct{}
	if err := evt.DecodeData(&dst); err == nil {
		t.Fatalf("missing payload must be an error")
	}
	evt.Data = json.RawMessage(`{"transactionId"`)
	if err := evt.DecodeData(&dst); err == nil {
		t.Fatalf("truncated payload must be an error")
	}
}

func TestWithDataRoundTrip(t *testing.T) {
	evt := Event{Kind: KindEscrowRequested, Room: "room-1", Caller: "alice", Receiver: "bob"}
	out, err := evt.WithData(map[string]any{"amount": 10000})
	if err != nil {
		t.Fatalf("with data: %v", err)
	}
	var data struct {
		Amount int64 `json:"amount"`
	}
	if err := out.DecodeData(&data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.Amount != 10000 {
		t.Fatalf("expected 10000, got %d", data.Amount)
	}
	if evt.Data != nil {
		t.Fatalf("WithData must not mutate the receiver")
	}
}

func TestClassifyTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{ErrAuthenticationRequired, "AUTHENTICATION_REQUIRED"},
		{ErrInvalidToken, "INVALID_TOKEN"},
		{ErrPartyUnreachable, "PARTY_UNREACHABLE"},
		{ErrMalformedEscrowEvent, "MALFORMED_ESCROW_EVENT"},
		{ErrInvalidTransactionState, "INVALID_TRANSACTION_STATE"},
		{ErrLedgerOperationFailed, "LEDGER_OPERATION_FAILED"},
		{ErrNotificationDeliveryFailed, "NOTIFICATION_DELIVERY_FAILED"},
		{ErrRateLimited, "RATE_LIMITED"},
		{errors.New("disk full"), "INTERNAL"},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("handling event: %w", tc.err)
		code, message := Classify(wrapped)
		if code != tc.code {
			t.Fatalf("%v: expected code %s, got %s", tc.err, tc.code, code)
		}
		if message == "" {
			t.Fatalf("%v: message must not be empty", tc.err)
		}
	}
}

func TestClassifyNeverLeaksInternalDetail(t *testing.T) {
	_, message := Classify(errors.New("pq: connection refused on 10.0.0.12"))
	if message != "internal error" {
		t.Fatalf("internal detail leaked: %q", message)
	}
}

func TestErrorAckAndEvent(t *testing.T) {
	ack := ErrorAck(fmt.Errorf("resolve bob: %w", ErrPartyUnreachable))
	if ack.Status != StatusError || ack.Code != "PARTY_UNREACHABLE" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	evt, err := ErrorEvent("room-1", ack)
	if err != nil {
		t.Fatalf("error event: %v", err)
	}
	if evt.Kind != KindError || evt.Room != "room-1" {
		t.Fatalf("unexpected envelope: %+v", evt)
	}
	var decoded Ack
	if err := json.Unmarshal(evt.Data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != ack {
		t.Fatalf("ack round trip mismatch: %+v", decoded)
	}
}

func TestSuccessAckShape(t *testing.T) {
	ack := SuccessAck("escrow released")
	raw, err := json.Marshal(ack)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fields["status"] != "success" {
		t.Fatalf("expected success status, got %v", fields)
	}
	if _, present := fields["code"]; present {
		t.Fatalf("success ack must omit the error code: %s", raw)
	}
}
