package signal

import "context"

// Sender delivers an outbound event to a live connection resolved through the
// registry. The session gateway owns the only real implementation; engines
// depend on this interface so tests can capture deliveries.
type Sender interface {
	Send(ctx context.Context, connID string, evt Event) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, connID string, evt Event) error

func (f SenderFunc) Send(ctx context.Context, connID string, evt Event) error {
	return f(ctx, connID, evt)
}
