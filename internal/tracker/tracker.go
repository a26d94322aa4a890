// Package tracker counts failed-authentication observations per source
// address. Counts live in memory only; a restart forgets partial attempt
// history and the auth log remains the durable record.
package tracker

import "sync"

type Tracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func New() *Tracker {
	return &Tracker{counts: make(map[string]int)}
}

// RecordFailure increments and returns the count for addr. Threshold
// policy belongs to the caller, not here.
func (t *Tracker) RecordFailure(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[addr]++
	return t.counts[addr]
}

// Clear forgets addr entirely.
func (t *Tracker) Clear(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, addr)
}

// Count returns the current count for addr, zero if untracked.
func (t *Tracker) Count(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[addr]
}
