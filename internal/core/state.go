package core

import "sync"

// StateStore holds the last committed state per scope. ALL commits also
// overwrite LOCAL.
type StateStore struct {
	mu    sync.RWMutex
	local State
	all   State
}

// NewStateStore starts both scopes at initial.
func NewStateStore(initial State) *StateStore {
	return &StateStore{local: initial, all: initial}
}

// Get returns the committed state of scope.
func (s *StateStore) Get(scope Scope) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if scope == ScopeAll {
		return s.all
	}
	return s.local
}

// Resumed reports whether a Resume for scope would be a no-op.
func (s *StateStore) Resumed(scope Scope) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if scope == ScopeAll {
		return s.all == StateResume && s.local == StateResume
	}
	return s.local == StateResume
}

// Commit records target for scope.
func (s *StateStore) Commit(scope Scope, target State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = target
	if scope == ScopeAll {
		s.all = target
	}
}

// Snapshot copies both scopes.
func (s *StateStore) Snapshot() MachineState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return MachineState{Local: s.local, All: s.all}
}
