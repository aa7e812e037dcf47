// Package reservation provides short-lived mutual exclusion over bookable
// slots, so two requests cannot write the same slot at the same time.
//
// Locks are process-local and advisory. They guard the check-then-book
// window, not the calendar itself; the calendar write remains the source of
// truth.
package reservation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"advisly/booking/internal/domain"
)

// ErrSlotLocked is returned when another request holds the slot. Callers
// surface it as "try again", not as a failure.
var ErrSlotLocked = errors.New("reservation: slot is locked by another request")

const defaultLockTTL = 5 * time.Minute

type slotLock struct {
	id         string
	key        string
	acquiredAt time.Time
}

func (l *slotLock) expired(now time.Time, ttl time.Duration) bool {
	return !now.Before(l.acquiredAt.Add(ttl))
}

// LockTable is an in-process table of per-slot locks. One short-lived mutex
// guards the whole table; it is held only for the test-and-set, never while
// a booking runs.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*slotLock
	byID  map[string]string

	ttl time.Duration
	now func() time.Time
	log *slog.Logger
}

func NewLockTable(ttl time.Duration, log *slog.Logger) *LockTable {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &LockTable{
		locks: make(map[string]*slotLock),
		byID:  make(map[string]string),
		ttl:   ttl,
		now:   time.Now,
		log:   log.With(slog.String("component", "slot_locks")),
	}
}

// Acquire claims the slot key. It returns a lock id on success and reports
// false when a live lock already covers the key. A lock left over past its
// TTL is treated as abandoned and replaced.
func (t *LockTable) Acquire(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if held, ok := t.locks[key]; ok {
		if !held.expired(now, t.ttl) {
			return "", false
		}
		t.log.Warn("replacing expired slot lock", slog.String("key", key), slog.String("lock_id", held.id))
		delete(t.byID, held.id)
	}

	l := &slotLock{id: uuid.NewString(), key: key, acquiredAt: now}
	t.locks[key] = l
	t.byID[l.id] = key
	return l.id, true
}

// Release frees the lock with the given id. Releasing an unknown or already
// released id is a no-op, so callers may release unconditionally.
func (t *LockTable) Release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	// Only remove the slot entry if this id still owns it; an expired lock
	// may have been replaced under the same key.
	if held, ok := t.locks[key]; ok && held.id == id {
		delete(t.locks, key)
	}
}

// Extend refreshes the TTL of a held lock. It reports false when the id is
// unknown, released, or already expired.
func (t *LockTable) Extend(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key, ok := t.byID[id]
	if !ok {
		return false
	}
	held, ok := t.locks[key]
	if !ok || held.id != id || held.expired(t.now(), t.ttl) {
		return false
	}
	held.acquiredAt = t.now()
	return true
}

// SweepExpired drops every expired lock and returns how many were removed.
// Expiry is otherwise handled lazily on Acquire; sweeping just reclaims
// memory on long-idle tables.
func (t *LockTable) SweepExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	swept := 0
	for key, held := range t.locks {
		if held.expired(now, t.ttl) {
			delete(t.locks, key)
			delete(t.byID, held.id)
			swept++
		}
	}
	return swept
}

// Len reports how many locks the table holds, expired ones included.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// WithSlotLock runs fn while holding the lock for one bookable slot. It
// returns ErrSlotLocked without running fn when the slot is contended, and
// always releases on the way out, fn's panics included.
func (t *LockTable) WithSlotLock(subject string, day time.Time, start domain.Clock, fn func() error) error {
	key := domain.SlotKey(subject, day, start)
	id, ok := t.Acquire(key)
	if !ok {
		t.log.Info("slot lock contended", slog.String("key", key))
		return errors.WithStack(ErrSlotLocked)
	}
	defer t.Release(id)

	return fn()
}
