package engine

import (
	"context"
	"sync"
)

// KeyLock serializes work per key. Each key owns a one-slot semaphore, so
// waiting honours context cancellation.
type KeyLock struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewKeyLock returns an empty lock table.
func NewKeyLock() *KeyLock {
	return &KeyLock{sems: make(map[string]chan struct{})}
}

func (l *KeyLock) sem(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.sems[key] = s
	}
	return s
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the key.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := l.sem(key)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
