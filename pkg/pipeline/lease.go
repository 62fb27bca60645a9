package pipeline

import "sync"

// leases grants at most one in-flight run per lab within the process.
type leases struct {
	mu   sync.Mutex
	labs map[string]struct{}
}

func newLeases() *leases {
	return &leases{labs: make(map[string]struct{})}
}

func (l *leases) acquire(labID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.labs[labID]; ok {
		return false
	}
	l.labs[labID] = struct{}{}
	return true
}

func (l *leases) release(labID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.labs, labID)
}

func (l *leases) held(labID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.labs[labID]
	return ok
}
