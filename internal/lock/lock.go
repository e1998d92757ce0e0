// Package lock provides distributed mutual exclusion over the shared store.
// A lock is a store key whose value is a random owner token; the TTL is the
// only liveness mechanism, so a crashed holder frees the lock when the key
// expires. Release and extend are compare-and-set on the token, which keeps
// a holder from touching a lock that expired and was re-acquired elsewhere.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tickettoken/coordination/internal/store"
)

const defaultTTL = 30 * time.Second

// Handle is the local capability to release or extend a held lock. The store
// key is the durable proof of ownership; the handle only carries the token
// that must match it.
type Handle struct {
	Key        string
	Value      string
	TTL        time.Duration
	AcquiredAt time.Time
}

// Options control a single Acquire attempt.
type Options struct {
	TTL        time.Duration
	RetryCount int
	RetryDelay time.Duration
}

// Locker acquires and releases named locks in a shared namespace.
// Safe for concurrent use.
type Locker struct {
	store      store.Store
	namespace  string
	ttl        time.Duration
	retryDelay time.Duration

	mu   sync.Mutex
	held map[string]*Handle
}

// New creates a Locker. ttl and retryDelay are the defaults applied when
// Options leave them zero.
func New(s store.Store, namespace string, ttl, retryDelay time.Duration) *Locker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	return &Locker{
		store:      s,
		namespace:  namespace,
		ttl:        ttl,
		retryDelay: retryDelay,
		held:       make(map[string]*Handle),
	}
}

// Acquire attempts to take the named lock. It returns a Handle on success and
// nil when the lock is held elsewhere, retries are exhausted, or the store is
// unavailable. "Not acquired" is an expected outcome, never an error.
func (l *Locker) Acquire(ctx context.Context, name string, opts Options) *Handle {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = l.ttl
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = l.retryDelay
	}

	key := store.LockKey(l.namespace, name)
	value := ownerToken()

	for attempt := 0; ; attempt++ {
		ok, err := l.store.SetNX(ctx, key, []byte(value), ttl)
		if err != nil {
			slog.Error("lock acquire store error", "key", key, "error", err)
			return nil
		}
		if ok {
			h := &Handle{Key: key, Value: value, TTL: ttl, AcquiredAt: time.Now()}
			l.mu.Lock()
			l.held[key] = h
			l.mu.Unlock()
			return h
		}
		if attempt >= opts.RetryCount {
			return nil
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// Release deletes the lock key if it is still owned by h. Returns false when
// h is nil, the token no longer matches (the lock expired and moved on), or
// the store call failed. Failures are logged so a cleanup path can call this
// unconditionally.
func (l *Locker) Release(ctx context.Context, h *Handle) bool {
	if h == nil {
		return false
	}

	l.mu.Lock()
	delete(l.held, h.Key)
	l.mu.Unlock()

	deleted, err := l.store.CompareAndDelete(ctx, h.Key, []byte(h.Value))
	if err != nil {
		slog.Error("lock release store error", "key", h.Key, "error", err)
		return false
	}
	if !deleted {
		slog.Warn("lock release token mismatch, lock was re-acquired elsewhere", "key", h.Key)
	}
	return deleted
}

// Extend resets the lock's TTL if it is still owned by h. newTTL of zero
// reuses the handle's TTL. Returns false when the lock is no longer held by
// this holder.
func (l *Locker) Extend(ctx context.Context, h *Handle, newTTL time.Duration) bool {
	if h == nil {
		return false
	}
	if newTTL <= 0 {
		newTTL = h.TTL
	}

	extended, err := l.store.CompareAndExpire(ctx, h.Key, []byte(h.Value), newTTL)
	if err != nil {
		slog.Error("lock extend store error", "key", h.Key, "error", err)
		return false
	}
	if extended {
		h.TTL = newTTL
	}
	return extended
}

// IsLocked probes whether the named lock currently exists. Racy by nature;
// use for observability only, never to guard a critical section.
func (l *Locker) IsLocked(ctx context.Context, name string) bool {
	_, found, err := l.store.Get(ctx, store.LockKey(l.namespace, name))
	if err != nil {
		slog.Error("lock probe store error", "name", name, "error", err)
		return false
	}
	return found
}

// ReleaseAll best-effort releases every lock acquired through this Locker.
// Intended for shutdown.
func (l *Locker) ReleaseAll(ctx context.Context) {
	l.mu.Lock()
	handles := make([]*Handle, 0, len(l.held))
	for _, h := range l.held {
		handles = append(handles, h)
	}
	l.mu.Unlock()

	for _, h := range handles {
		l.Release(ctx, h)
	}
}

// WithLock acquires the named lock, runs fn, and releases the lock regardless
// of fn's outcome. It reports ran=false without calling fn when the lock
// could not be acquired; fn's error is returned unchanged after release.
func (l *Locker) WithLock(ctx context.Context, name string, fn func(context.Context) error, opts Options) (ran bool, err error) {
	h := l.Acquire(ctx, name, opts)
	if h == nil {
		return false, nil
	}
	defer l.Release(ctx, h)

	return true, fn(ctx)
}

// ownerToken builds an unpredictable lock value that also identifies the
// holding process for debugging.
func ownerToken() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%s-%d", uuid.NewString(), host, os.Getpid())
}
