package signaling

import "sync"

// Scope owns the subscriptions and resources of one session and releases
// them together.
type Scope struct {
	mu       sync.Mutex
	released bool
	fns      []func()
}

// Add registers fn to run on Release. If the scope is already released fn
// runs immediately.
func (s *Scope) Add(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		fn()
		return
	}
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
}

// Release runs every registered func once, newest first.
func (s *Scope) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Released reports whether Release has been called.
func (s *Scope) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
