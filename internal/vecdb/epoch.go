package vecdb

import "sync"

// epochs tracks which read epochs are still active so that tombstoned slots
// are reclaimed only after every reader that could reach them has left.
type epochs struct {
	mu      sync.Mutex
	current uint64
	active  map[uint64]int
}

func newEpochs() *epochs {
	return &epochs{current: 1, active: make(map[uint64]int)}
}

// enter registers a reader at the current epoch.
func (e *epochs) enter() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep := e.current
	e.active[ep]++
	return ep
}

func (e *epochs) exit(ep uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active[ep] <= 1 {
		delete(e.active, ep)
		return
	}
	e.active[ep]--
}

// advance closes the current epoch and returns it. Deletes are stamped
// with the returned value.
func (e *epochs) advance() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep := e.current
	e.current++
	return ep
}

// minActive returns the oldest epoch a reader still holds, or the current
// epoch when there are no readers.
func (e *epochs) minActive() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	low := e.current
	for ep := range e.active {
		low = min(low, ep)
	}
	return low
}

func (e *epochs) load() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}
