package settlement

import "sync"

// projectLocks serialises operations on the same project while letting
// different projects proceed in parallel. Idle entries are released.
type projectLocks struct {
	mu    sync.Mutex
	locks map[uint64]*projectLock
}

type projectLock struct {
	mu   sync.Mutex
	refs int
}

func newProjectLocks() *projectLocks {
	return &projectLocks{locks: make(map[uint64]*projectLock)}
}

// lock blocks until the project is free and returns its unlock function
func (l *projectLocks) lock(id uint64) func() {
	l.mu.Lock()
	pl, ok := l.locks[id]
	if !ok {
		pl = &projectLock{}
		l.locks[id] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()

	return func() {
		pl.mu.Unlock()

		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
