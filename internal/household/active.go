package household

import "sync"

// ActiveSelection is the engine's second piece of global mutable state (see
// gate.Gate for the first): which household the current process is
// operating against. Guarded by a mutex, like the cached health report;
// constructed once in cmd/hhctl and threaded explicitly rather than held in
// a package-level var.
type ActiveSelection struct {
	mu sync.RWMutex
	id string
}

// NewActiveSelection constructs a selection with no household chosen yet.
func NewActiveSelection() *ActiveSelection {
	return &ActiveSelection{}
}

// Set records householdID as the active household.
func (s *ActiveSelection) Set(householdID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = householdID
}

// Get returns the active household id, or "" if none has been selected.
func (s *ActiveSelection) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}
