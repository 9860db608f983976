package coordinator

import (
	"context"

	"github.com/MrWong99/medscribe/internal/protocol"
)

// Mode is how a generation request was triggered.
type Mode string

const (
	ModePartial Mode = "partial"
	ModeFinal   Mode = "final"
	ModeManual  Mode = "manual"
)

// Auto reports whether the mode is an automatic trigger. Only automatic
// triggers are throttled.
func (m Mode) Auto() bool { return m != ModeManual }

// Request is one call to the generation backend.
type Request struct {
	// Text is the generation input, already truncated.
	Text      string
	Mode      Mode
	Source    string
	SessionID string
	MessageID string
	RagType   string

	IncludePartial bool

	// Questions selects question generation. When false the backend returns
	// short-form suggestions.
	Questions bool
}

// Result is a generation response.
type Result struct {
	Items    []string
	Analysis *protocol.Analysis
}

// Generator issues generation requests. Implementations must honour ctx
// cancellation.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// Sender writes a control frame on the speech socket.
type Sender interface {
	SendJSON(ctx context.Context, v any) error
}

// MessageSource exposes the chat history for manual trigger fallback.
type MessageSource interface {
	// LastPatientMessage returns the most recent patient message whose
	// trimmed content has at least minLen characters.
	LastPatientMessage(minLen int) (protocol.ChatMessage, bool)
}
