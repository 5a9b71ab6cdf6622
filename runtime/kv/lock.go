package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// releaseScript deletes the lock key only when it still holds the caller's
// token, so an expired lock reacquired by another holder is never released
// out from under them.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Mutex is a fleet-wide advisory lock held under a unique token. The zero
// value is not usable; acquire with AcquireMutex.
type Mutex struct {
	store Store
	key   string
	token string
}

// AcquireMutex attempts SET key token NX PX ttl. It reports whether the lock
// was acquired; a held lock is not an error.
func AcquireMutex(ctx context.Context, store Store, key string, ttl time.Duration) (*Mutex, bool, error) {
	token := uuid.NewString()
	ok, err := store.SetNX(ctx, key, []byte(token), ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Mutex{store: store, key: key, token: token}, true, nil
}

// Release deletes the lock if this mutex still holds it. Releasing an
// expired or stolen lock is a no-op.
func (m *Mutex) Release(ctx context.Context) error {
	if _, err := m.store.Eval(ctx, releaseScript, []string{m.key}, m.token); err != nil {
		return fmt.Errorf("release lock %q: %w", m.key, err)
	}
	return nil
}

// Key returns the lock key.
func (m *Mutex) Key() string { return m.key }
