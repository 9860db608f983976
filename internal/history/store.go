// Package history mirrors the backend's chat history for one conversation.
//
// A [Store] holds the messages. A [Stream] keeps it current from the
// /ws/chat_history socket: it loads snapshots, appends new messages after
// duplicate suppression, answers keep-alive pings, and re-fetches the
// history over REST when the backend reports new suggestions. Questions the
// backend saved on messages are handed to the session as one batch.
package history

import (
	"sync"

	"github.com/MrWong99/medscribe/internal/coordinator"
	"github.com/MrWong99/medscribe/internal/protocol"
)

// Store is a concurrency-safe, ordered list of chat messages.
type Store struct {
	mu       sync.RWMutex
	messages []protocol.ChatMessage
	summary  string
}

// NewStore returns an empty Store.
func NewStore() *Store { return &Store{} }

// Replace swaps in a full snapshot. An empty summary keeps the previous one.
func (s *Store) Replace(msgs []protocol.ChatMessage, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]protocol.ChatMessage(nil), msgs...)
	if summary != "" {
		s.summary = summary
	}
}

// Append adds m at the end.
func (s *Store) Append(m protocol.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// Remove drops the message with the given id and reports whether it was
// present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns a copy of the stored messages.
func (s *Store) Messages() []protocol.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.ChatMessage(nil), s.messages...)
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Summary returns the latest conversation summary.
func (s *Store) Summary() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summary
}

// LastPatientMessage implements [coordinator.MessageSource].
func (s *Store) LastPatientMessage(minLen int) (protocol.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Role == protocol.RolePatient && protocol.Eligible(m.Content, minLen) {
			return m, true
		}
	}
	return protocol.ChatMessage{}, false
}

var _ coordinator.MessageSource = (*Store)(nil)
