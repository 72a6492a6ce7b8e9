package locker

import (
	"context"
	"sync"
)

// MemoryLocker is the single-instance fallback used when Redis is not
// configured: a mutex per live reference, created on demand.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	holders int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*refLock)}
}

func (l *MemoryLocker) Lock(ctx context.Context, reference string) (func(), error) {
	l.mu.Lock()
	rl, ok := l.locks[reference]
	if !ok {
		rl = &refLock{}
		l.locks[reference] = rl
	}
	rl.holders++
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		rl.Mutex.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// The goroutine still acquires eventually; hand the lock straight
		// back so the holder count stays balanced.
		go func() {
			<-acquired
			l.release(reference, rl)
		}()
		return nil, ctx.Err()
	}

	return func() { l.release(reference, rl) }, nil
}

func (l *MemoryLocker) release(reference string, rl *refLock) {
	rl.Mutex.Unlock()
	l.mu.Lock()
	rl.holders--
	if rl.holders == 0 {
		delete(l.locks, reference)
	}
	l.mu.Unlock()
}
