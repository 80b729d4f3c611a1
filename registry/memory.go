package registry

import (
	"context"
	"strings"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

// MemoryRegistry is an in-process Registry backed by a mutex-guarded map with
// per-entry deadlines. Expired entries are treated as misses on read and
// removed by a periodic sweep so an idle registry does not grow unbounded.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	connID   string
	deadline time.Time
}

// MemoryOption adjusts MemoryRegistry construction.
type MemoryOption func(*MemoryRegistry)

// WithClock overrides the time source. Test only.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewMemoryRegistry constructs an empty in-memory registry.
func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register implements Registry.
func (r *MemoryRegistry) Register(_ context.Context, identity, connID string, ttl time.Duration) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return errEmptyIdentity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[identity] = memoryEntry{connID: connID, deadline: r.now().Add(ttl)}
	return nil
}

// Lookup implements Registry.
func (r *MemoryRegistry) Lookup(_ context.Context, identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[identity]
	if !ok {
		return "", ErrNotFound
	}
	if !r.now().Before(entry.deadline) {
		delete(r.entries, identity)
		return "", ErrNotFound
	}
	return entry.connID, nil
}

// Revoke implements Registry.
func (r *MemoryRegistry) Revoke(_ context.Context, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, strings.TrimSpace(identity))
	return nil
}

// Sweep removes every expired entry and reports how many were dropped.
func (r *MemoryRegistry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for identity, entry := range r.entries {
		if !now.Before(entry.deadline) {
			delete(r.entries, identity)
			dropped++
		}
	}
	return dropped
}

// Run periodically sweeps expired entries until the context is cancelled.
func (r *MemoryRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
