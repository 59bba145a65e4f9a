// Package idempotency remembers which resource a client-supplied
// Idempotency-Key produced, so a retried create returns the original record.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/pkg/logger"
)

// inProgress marks a key that is reserved but whose request has not finished.
const inProgress = "-"

type Store interface {
	// Reserve claims key for ttl. When the key is already claimed it returns
	// the stored value and false.
	Reserve(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Complete(ctx context.Context, key, value string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type Keeper struct {
	store Store
	ttl   time.Duration
}

func NewKeeper(store Store, ttl time.Duration) *Keeper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Keeper{store: store, ttl: ttl}
}

// Do runs create at most once per (scope, key) and returns the id it produced.
// replayed is true when the id comes from an earlier request. An empty key
// disables the check.
func (k *Keeper) Do(ctx context.Context, scope, key string, create func() (string, error)) (id string, replayed bool, err error) {
	if key == "" {
		id, err = create()
		return id, false, err
	}

	full := "idem:" + scope + ":" + key
	existing, reserved, err := k.store.Reserve(ctx, full, k.ttl)
	if err != nil {
		return "", false, internal.NewInternalError("idempotency store unavailable").WithCause(err)
	}
	if !reserved {
		if existing == inProgress || existing == "" {
			return "", false, internal.ErrConflict.WithMessage("a request with this idempotency key is still in progress")
		}
		return existing, true, nil
	}

	// the outcome must be recorded even if the caller has gone away
	detached := context.WithoutCancel(ctx)

	id, err = create()
	if err != nil {
		if releaseErr := k.store.Release(detached, full); releaseErr != nil {
			logger.From(ctx).Error("failed to release idempotency key",
				"error", releaseErr,
				"key", full)
		}
		return "", false, err
	}

	if err := k.store.Complete(detached, full, id, k.ttl); err != nil {
		// the resource exists; retries with this key get a conflict until
		// the reservation expires
		logger.From(ctx).Error("failed to record idempotency key",
			"error", err,
			"key", full,
			"id", id)
	}
	return id, false, nil
}

type entry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore keeps keys in process memory. It is used when no redis address
// is configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Reserve(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return e.value, false, nil
	}
	s.entries[key] = entry{value: inProgress, expiresAt: now.Add(ttl)}
	return "", true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
