package dialogue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locker serializes dialogue cycles per user. Different users never
// contend.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewLocker creates a Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*lockEntry)}
}

// Lock blocks until the user's lock is held or ctx is done. The returned
// function releases it and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[userID]
	if !ok {
		e = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.locks[userID] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		l.release(userID, e, false)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(userID, e, true) })
	}, nil
}

func (l *Locker) release(userID string, e *lockEntry, held bool) {
	if held {
		e.sem.Release(1)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, userID)
	}
}

// Held returns the number of users with a cycle running or waiting.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
