// Package registry tracks which connection currently speaks for an identity.
// Entries are bounded by a TTL and follow last-writer-wins semantics: a
// reconnect overwrites the previous mapping and future events are routed to
// the new connection. Nothing here evicts the stale physical connection.
package registry

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL bounds how long a registration stays resolvable without being
// refreshed by a successful authentication.
const DefaultTTL = 30 * time.Minute

// ErrNotFound is returned by Lookup when no live entry exists for the
// identity. Callers surface it as a typed unreachable failure and never
// retry: a live call cannot usefully wait for a registration that does not
// exist yet.
var ErrNotFound = errors.New("registry: identity not registered")

// Registry is the TTL-backed identity -> connection mapping. Implementations
// must be safe for concurrent use; callers assume no consistency stronger
// than "latest write wins, visible to subsequent reads on the same key".
type Registry interface {
	// Register upserts the mapping for identity. A non-positive ttl falls
	// back to DefaultTTL.
	Register(ctx context.Context, identity, connID string, ttl time.Duration) error
	// Lookup resolves the live connection for identity, or ErrNotFound.
	Lookup(ctx context.Context, identity string) (string, error)
	// Revoke removes the mapping. Revoking an absent identity is a no-op.
	Revoke(ctx context.Context, identity string) error
}
