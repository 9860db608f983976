// Package mock provides hand-written test doubles for the coordinator's
// collaborators.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/medscribe/internal/coordinator"
	"github.com/MrWong99/medscribe/internal/protocol"
)

// Generator records requests and returns a canned result.
type Generator struct {
	mu sync.Mutex

	// Result is returned by Generate when Err is nil.
	Result coordinator.Result
	// Err is returned by Generate when non-nil.
	Err error
	// Gate, when non-nil, blocks Generate until it is closed or receives.
	Gate chan struct{}
	// Started, when non-nil, receives once per call before blocking on Gate.
	Started chan struct{}

	requests []coordinator.Request
}

// Generate implements [coordinator.Generator].
func (g *Generator) Generate(ctx context.Context, req coordinator.Request) (coordinator.Result, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	gate, started := g.Gate, g.Started
	g.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return coordinator.Result{}, ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return coordinator.Result{}, g.Err
	}
	return g.Result, nil
}

// Requests returns a copy of the recorded requests.
func (g *Generator) Requests() []coordinator.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]coordinator.Request(nil), g.requests...)
}

// CallCount returns the number of Generate calls.
func (g *Generator) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// Sender records frames.
type Sender struct {
	mu sync.Mutex

	// Err is returned by SendJSON when non-nil.
	Err error

	frames []any
}

// SendJSON implements [coordinator.Sender].
func (s *Sender) SendJSON(_ context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, v)
	return s.Err
}

// Frames returns a copy of the recorded frames.
func (s *Sender) Frames() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.frames...)
}

// Messages is a static chat history.
type Messages []protocol.ChatMessage

// LastPatientMessage implements [coordinator.MessageSource].
func (m Messages) LastPatientMessage(minLen int) (protocol.ChatMessage, bool) {
	for i := len(m) - 1; i >= 0; i-- {
		if m[i].Role == protocol.RolePatient && len(strings.TrimSpace(m[i].Content)) >= minLen {
			return m[i], true
		}
	}
	return protocol.ChatMessage{}, false
}

var (
	_ coordinator.Generator     = (*Generator)(nil)
	_ coordinator.Sender        = (*Sender)(nil)
	_ coordinator.MessageSource = Messages(nil)
)
