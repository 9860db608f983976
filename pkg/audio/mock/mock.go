// Package mock provides in-memory implementations of [audio.Source] and
// [audio.Stream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on them, and expose fields to control return values.
//
// Typical usage:
//
//	stream := mock.NewStream(audio.Mono16k, 8)
//	src := &mock.Source{OpenResult: stream}
//	s, _ := src.Open(ctx)
//	stream.Feed(block)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/medscribe/pkg/audio"
)

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// OpenResult is returned by Open. When nil, Open returns a fresh Stream
	// with a buffer of 16 blocks.
	OpenResult audio.Stream

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open records the call and returns OpenResult or OpenErr.
func (s *Source) Open(_ context.Context) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.OpenResult != nil {
		return s.OpenResult, nil
	}
	return NewStream(audio.Mono16k, 16), nil
}

// Reset clears recorded calls.
func (s *Source) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOpen = 0
}

// Stream is a mock implementation of [audio.Stream]. Tests push blocks with
// Feed; Close closes the block channel exactly once.
type Stream struct {
	format audio.Format
	blocks chan []float32

	mu     sync.Mutex
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns a Stream delivering blocks of format f with the given
// channel buffer.
func NewStream(f audio.Format, buffer int) *Stream {
	return &Stream{format: f, blocks: make(chan []float32, buffer)}
}

// Feed delivers block to readers. It reports false if the stream was closed.
// Feed blocks when the channel buffer is full.
func (s *Stream) Feed(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.blocks <- block
	return true
}

// Blocks implements [audio.Stream].
func (s *Stream) Blocks() <-chan []float32 { return s.blocks }

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format { return s.format }

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.blocks)
	}
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Stream = (*Stream)(nil)
)
