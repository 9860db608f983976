// Package mock provides a recording implementation of [capture.Sink] for
// tests.
package mock

import (
	"sync"

	"github.com/MrWong99/medscribe/internal/capture"
	"github.com/MrWong99/medscribe/pkg/audio"
)

// Sink records every chunk and limit notice it receives.
type Sink struct {
	mu     sync.Mutex
	chunks []audio.Chunk
	limits []capture.LimitNotice
}

// SendChunk implements [capture.Sink].
func (s *Sink) SendChunk(c audio.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, c)
}

// LimitReached implements [capture.Sink].
func (s *Sink) LimitReached(n capture.LimitNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, n)
}

// Chunks returns a copy of the recorded chunks.
func (s *Sink) Chunks() []audio.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Chunk(nil), s.chunks...)
}

// Limits returns a copy of the recorded limit notices.
func (s *Sink) Limits() []capture.LimitNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capture.LimitNotice(nil), s.limits...)
}

// Reset clears all recordings.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = nil
	s.limits = nil
}

var _ capture.Sink = (*Sink)(nil)
