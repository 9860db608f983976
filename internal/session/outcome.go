package session

import "github.com/MrWong99/medscribe/internal/protocol"

// Outcome is the result of applying one event to the session. The concrete
// type is one of the structs below; callers switch on it.
type Outcome interface {
	Kind() string
}

// SpeakerChanged reports a new current speaker. To is [protocol.RoleNone]
// when the speaker was cleared after a quiet interval.
type SpeakerChanged struct {
	From, To protocol.Role
}

func (SpeakerChanged) Kind() string { return "speaker_changed" }

// LiveTextChanged reports a new value for the displayed live transcription.
type LiveTextChanged struct {
	Text      string
	Speaker   protocol.Role
	Final     bool
	SessionID string
}

func (LiveTextChanged) Kind() string { return "live_text_changed" }

// Utterance is emitted for every non-empty transcript event that was not
// ignored, regardless of display visibility. It drives automatic generation.
type Utterance struct {
	Text      string
	Speaker   protocol.Role
	Final     bool
	SessionID string
	TurnID    string
}

func (Utterance) Kind() string { return "utterance" }

// TranscriptAppended reports text added to the session transcript.
type TranscriptAppended struct {
	SessionID  string
	Text       string
	Transcript string
}

func (TranscriptAppended) Kind() string { return "transcript_appended" }

// QuestionsReceived reports a batch that replaced the questions of Source.
type QuestionsReceived struct {
	Source    string
	SessionID string
	Questions []Question
	Replaced  int
	Analysis  *protocol.Analysis
}

func (QuestionsReceived) Kind() string { return "questions_received" }

// SessionFinalized reports that the backend closed a session. Current is
// true if it was this client's retained session, which is now cleared.
type SessionFinalized struct {
	SessionID      string
	QuestionsCount int
	Current        bool
}

func (SessionFinalized) Kind() string { return "session_finalized" }

// QuestionStateChanged reports a send-state transition.
type QuestionStateChanged struct {
	QuestionID      string
	From, To        SentState
	Confirmed       bool
	MessageSaved    bool
	PatientNotified bool
	Error           string
	TimedOut        bool
}

func (QuestionStateChanged) Kind() string { return "question_state_changed" }

// Ignored reports an event that caused no state change.
type Ignored struct {
	Type   string
	Reason string
}

func (Ignored) Kind() string { return "ignored" }

// Reasons carried by [Ignored].
const (
	ReasonStaleSession    = "stale session"
	ReasonEmptyText       = "empty text"
	ReasonUnknownQuestion = "unknown question"
	ReasonNoTransition    = "no transition"
	ReasonUnhandled       = "unhandled event"
	ReasonNoItems         = "no items"
)
