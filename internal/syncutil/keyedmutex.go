// Package syncutil provides per-key locking for (user, category) pairs.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key. Each key gets its own channel-based
// lock, so callers can give up when their context is cancelled while
// waiting. Entries are reference counted and removed once no goroutine
// holds or waits on them, so memory stays proportional to in-flight keys.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

func (m *KeyedMutex) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock blocks until the key is free and returns the unlock function.
func (m *KeyedMutex) Lock(key string) func() {
	unlock, _ := m.LockContext(context.Background(), key)
	return unlock
}

// LockContext acquires the lock for key, respecting context cancellation.
// On success the caller MUST call the returned unlock function.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)
	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.releaseRef(key, l)
			})
		}, nil
	case <-ctx.Done():
		m.releaseRef(key, l)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
