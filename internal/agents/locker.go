package agents

import (
	"context"
	"fmt"
	"sync"
)

// Locker serializes mutations of a single agent record within this process.
// Entries are refcounted and dropped once no caller holds or waits on them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*agentMutex
}

type agentMutex struct {
	mu       sync.Mutex
	refCount int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*agentMutex)}
}

// Lock blocks until the lock for id is held or ctx is done. The returned
// unlock func must be called exactly once.
func (l *Locker) Lock(ctx context.Context, id string) (unlock func(), err error) {
	l.mu.Lock()
	am, ok := l.locks[id]
	if !ok {
		am = &agentMutex{}
		l.locks[id] = am
	}
	am.refCount++
	l.mu.Unlock()

	release := func() {
		am.mu.Unlock()
		l.mu.Lock()
		am.refCount--
		if am.refCount == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}

	acquired := make(chan struct{})
	go func() {
		am.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return release, nil
	case <-ctx.Done():
		// The goroutine will still take the mutex; hand it straight back.
		go func() {
			<-acquired
			release()
		}()
		return nil, fmt.Errorf("agent lock: %w", ctx.Err())
	}
}

// Active returns the number of ids with held or pending locks.
func (l *Locker) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
