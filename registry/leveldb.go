package registry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const entryKeyPrefix = "conn:"

var errEmptyIdentity = errors.New("registry: identity required")

// LevelDBRegistry is a Registry persisted to an embedded LevelDB database.
// Registrations survive a process restart so parties that reconnect before
// their TTL elapses stay addressable without re-authenticating against a cold
// registry. Values encode the expiry as big-endian unix nanos followed by the
// connection id; expired entries are treated as misses and lazily deleted.
type LevelDBRegistry struct {
	db  *leveldb.DB
	now func() time.Time
}

// NewLevelDBRegistry opens (or creates) the database at path.
func NewLevelDBRegistry(path string) (*LevelDBRegistry, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("registry: leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("registry: resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: open leveldb store: %w", err)
	}
	return &LevelDBRegistry{db: db, now: time.Now}, nil
}

// Close releases the underlying database resources.
func (r *LevelDBRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Register implements Registry.
func (r *LevelDBRegistry) Register(_ context.Context, identity, connID string, ttl time.Duration) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("registry: leveldb store not configured")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return errEmptyIdentity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	value := encodeEntry(r.now().Add(ttl), connID)
	if err := r.db.Put(entryKey(identity), value, nil); err != nil {
		return fmt.Errorf("registry: store entry: %w", err)
	}
	return nil
}

// Lookup implements Registry.
func (r *LevelDBRegistry) Lookup(_ context.Context, identity string) (string, error) {
	if r == nil || r.db == nil {
		return "", fmt.Errorf("registry: leveldb store not configured")
	}
	key := entryKey(strings.TrimSpace(identity))
	raw, err := r.db.Get(key, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return "", ErrNotFound
	case err != nil:
		return "", fmt.Errorf("registry: load entry: %w", err)
	}
	deadline, connID, ok := decodeEntry(raw)
	if !ok {
		_ = r.db.Delete(key, nil)
		return "", ErrNotFound
	}
	if !r.now().Before(deadline) {
		_ = r.db.Delete(key, nil)
		return "", ErrNotFound
	}
	return connID, nil
}

// Revoke implements Registry.
func (r *LevelDBRegistry) Revoke(_ context.Context, identity string) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("registry: leveldb store not configured")
	}
	if err := r.db.Delete(entryKey(strings.TrimSpace(identity)), nil); err != nil {
		return fmt.Errorf("registry: delete entry: %w", err)
	}
	return nil
}

// Prune deletes every expired entry. Intended for a periodic sweep; Lookup
// already handles expiry lazily, so pruning only reclaims disk.
func (r *LevelDBRegistry) Prune(ctx context.Context) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("registry: leveldb store not configured")
	}
	now := r.now()
	iter := r.db.NewIterator(util.BytesPrefix([]byte(entryKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		deadline, _, ok := decodeEntry(iter.Value())
		if ok && now.Before(deadline) {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("registry: iterate entries: %w", err)
	}
	if batch.Len() > 0 {
		if err := r.db.Write(batch, nil); err != nil {
			return fmt.Errorf("registry: prune entries: %w", err)
		}
	}
	return nil
}

func entryKey(identity string) []byte {
	return []byte(entryKeyPrefix + identity)
}

func encodeEntry(deadline time.Time, connID string) []byte {
	buf := make([]byte, 8+len(connID))
	binary.BigEndian.PutUint64(buf, uint64(deadline.UnixNano()))
	copy(buf[8:], connID)
	return buf
}

func decodeEntry(raw []byte) (time.Time, string, bool) {
	if len(raw) < 8 {
		return time.Time{}, "", false
	}
	nanos := int64(binary.BigEndian.Uint64(raw[:8]))
	return time.Unix(0, nanos), string(raw[8:]), true
}
