package livesession

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// keyLocks hands out one mutex per session id. Entries are reference counted
// and dropped once nobody holds or waits on them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[uuid.UUID]*lockEntry)}
}

// Lock blocks until the lock for id is held or ctx is done.
func (k *keyLocks) Lock(ctx context.Context, id uuid.UUID) (unlock func(), err error) {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(id, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(id, e)
		})
	}, nil
}

func (k *keyLocks) release(id uuid.UUID, e *lockEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, id)
	}
	k.mu.Unlock()
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
