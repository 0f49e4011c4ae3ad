package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrLockNotAcquired = errors.New("lock_not_acquired")

// Locker serializes work per key. Unlock must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Lease is a non-blocking, time-bounded lock used to keep one scheduler run per job.
type Lease interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// KeyedMutex is the in-process Locker and Lease. Entries are reference counted
// so idle keys do not accumulate.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	e := k.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return k.unlocker(key, e), nil
	case <-ctx.Done():
		k.releaseEntry(key, e)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) TryAcquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	e := k.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return k.unlocker(key, e), true, nil
	default:
		k.releaseEntry(key, e)
		return nil, false, nil
	}
}

func (k *KeyedMutex) acquireEntry(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) releaseEntry(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *KeyedMutex) unlocker(key string, e *keyedEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.releaseEntry(key, e)
		})
	}
}

// size reports tracked keys; used by tests.
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

var (
	_ Locker = (*KeyedMutex)(nil)
	_ Lease  = (*KeyedMutex)(nil)
)
