package replay

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)
var _ Purger = (*MemStore)(nil)

// MemStore is an in-process Store. It is only correct for a single instance
// of the service.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]time.Time

	now func() time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemStore) TryReserve(ctx context.Context, jti string, ttl time.Duration) error {
	if err := checkArgs(jti, ttl); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if exp, ok := m.entries[jti]; ok && now.Before(exp) {
		return ErrAlreadyPresent
	}
	m.entries[jti] = now.Add(ttl)
	return nil
}

func (m *MemStore) Purge(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for jti, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, jti)
			n++
		}
	}
	return n, nil
}
