package fault

import "sync"

// Slot holds the most recent unrecoverable error for presentation. Writers
// are the engine's background tasks; readers are UI-level callers.
type Slot struct {
	mu     sync.Mutex
	err    error
	notify chan struct{}
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{notify: make(chan struct{})}
}

// Report stores err and wakes everybody waiting on Changed. Nil is ignored.
func (s *Slot) Report(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	close(s.notify)
	s.notify = make(chan struct{})
}

// Err returns the stored error, or nil.
func (s *Slot) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Changed returns a channel closed on the next Report.
func (s *Slot) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// Clear empties the slot after the caller presented the error.
func (s *Slot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = nil
}
