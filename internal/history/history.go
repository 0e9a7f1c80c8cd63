// Package history keeps the bounded conversation window and the system
// prompt segments that are replayed in front of every request.
package history

import (
	"EdgeChat/internal/session"
)

// DefaultMaxHistory is the number of user/assistant pairs kept by default
const DefaultMaxHistory = 5

// Store is an ordered buffer of user/assistant turns.
//
// After every operation returns, Len() <= 2*MaxHistory(). Purging removes
// entries from the front one at a time, so lowering the bound can leave an
// assistant turn at the head of the buffer. Callers that build payloads
// assign roles by position, not from the stored role.
type Store struct {
	entries    []session.Message
	maxHistory int
}

// New creates a store bounded to maxHistory pairs
func New(maxHistory int) *Store {
	if maxHistory < 0 {
		maxHistory = 0
	}
	return &Store{maxHistory: maxHistory}
}

// Add appends a completed exchange and trims the buffer
func (s *Store) Add(user, assistant string) {
	s.entries = append(s.entries,
		session.NewMessage(session.RoleUser, user),
		session.NewMessage(session.RoleAssistant, assistant),
	)
	s.Purge()
}

// Purge drops the oldest entries until the bound holds
func (s *Store) Purge() {
	overflow := len(s.entries) - 2*s.maxHistory
	if overflow <= 0 {
		return
	}
	remaining := make([]session.Message, len(s.entries)-overflow)
	copy(remaining, s.entries[overflow:])
	s.entries = remaining
}

// SetMaxHistory updates the pair bound and purges immediately
func (s *Store) SetMaxHistory(n int) {
	if n < 0 {
		n = 0
	}
	s.maxHistory = n
	s.Purge()
}

// MaxHistory returns the configured pair bound
func (s *Store) MaxHistory() int {
	return s.maxHistory
}

// Clear empties the store
func (s *Store) Clear() {
	s.entries = nil
}

// Len returns the number of stored turns
func (s *Store) Len() int {
	return len(s.entries)
}

// Entries returns a copy of the stored turns, oldest first
func (s *Store) Entries() []session.Message {
	out := make([]session.Message, len(s.entries))
	copy(out, s.entries)
	return out
}

// Prompts holds system prompt segments in insertion order. The count is
// not bounded.
type Prompts struct {
	segments []string
}

// Add appends a system segment
func (p *Prompts) Add(content string) {
	p.segments = append(p.segments, content)
}

// Clear removes every segment
func (p *Prompts) Clear() {
	p.segments = nil
}

// List returns a copy of the segments
func (p *Prompts) List() []string {
	out := make([]string, len(p.segments))
	copy(out, p.segments)
	return out
}
