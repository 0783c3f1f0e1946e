package identity

import "sync/atomic"

// Store holds the current Context. Replacements are whole-value swaps so readers
// never see a half-updated identity.
type Store struct {
	current atomic.Pointer[Context]
}

// NewStore returns a store holding the anonymous context.
func NewStore() *Store {
	s := &Store{}
	s.Clear()
	return s
}

// Current returns the active context.
func (s *Store) Current() Context {
	if c := s.current.Load(); c != nil {
		return *c
	}
	return Anonymous()
}

// Replace swaps in a new context.
func (s *Store) Replace(c Context) {
	if c.Permissions == nil {
		c.Permissions = Anonymous().Permissions
	}
	if c.Features == nil {
		c.Features = Anonymous().Features
	}
	s.current.Store(&c)
}

// Clear resets to the anonymous context.
func (s *Store) Clear() {
	anon := Anonymous()
	s.current.Store(&anon)
}
