package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Inbound message types.
const (
	TypePartial            = "partial"
	TypeFinal              = "final"
	TypeSuggestion         = "suggestion"
	TypeSessionFinalized   = "session_finalized"
	TypeQuestionSent       = "question_sent_confirmation"
	TypeQuestionSendFailed = "question_send_failed"
	TypeAutoSuggestion     = "auto_suggestion"
	TypeManualSuggestion   = "manual_suggestion"
	TypeInitialHistory     = "initial_history"
	TypeNewMessage         = "new_message"
	TypeHistoryRefresh     = "history_refresh"
	TypePing               = "ping"
	TypeError              = "error"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object with a
	// string "type" field.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrUnknownType is returned for well-formed frames of a type this client
	// does not handle.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Role identifies a party in the conversation.
type Role string

const (
	RoleNone    Role = ""
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// ParseRole maps wire spellings to a Role. Chat history stores the patient
// as "user".
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient", "user":
		return RolePatient
	case "doctor", "assistant":
		return RoleDoctor
	default:
		return RoleNone
	}
}

// Other returns the opposite party. RoleNone maps to itself.
func (r Role) Other() Role {
	switch r {
	case RolePatient:
		return RoleDoctor
	case RoleDoctor:
		return RolePatient
	default:
		return RoleNone
	}
}

// Event is one decoded inbound frame. The concrete type is one of the
// structs in this file.
type Event interface {
	// Type returns the wire type string.
	Type() string
}

// Transcript is a partial or final recognition result.
type Transcript struct {
	Final      bool
	Text       string
	Speaker    Role
	SessionID  string
	TurnID     string
	ServerTime time.Time
}

func (e Transcript) Type() string {
	if e.Final {
		return TypeFinal
	}
	return TypePartial
}

// Analysis is the backend's assessment attached to suggestions.
type Analysis struct {
	Risk       string  `json:"risk,omitempty"`
	Emotion    string  `json:"emotion,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Suggestion carries generated questions pushed by the backend.
type Suggestion struct {
	Items        []string
	Analysis     *Analysis
	Source       string
	SessionID    string
	OriginTurnID string
}

func (Suggestion) Type() string { return TypeSuggestion }

// SessionFinalized reports that the backend closed a recording session.
type SessionFinalized struct {
	SessionID      string
	QuestionsCount int
}

func (SessionFinalized) Type() string { return TypeSessionFinalized }

// QuestionResult answers a doctor_question frame.
type QuestionResult struct {
	QuestionID      string
	Confirmed       bool
	MessageSaved    bool
	PatientNotified bool
	Error           string
}

func (e QuestionResult) Type() string {
	if e.Confirmed {
		return TypeQuestionSent
	}
	return TypeQuestionSendFailed
}

// SuggestionNotice announces that questions were stored server side and the
// chat history should be refreshed.
type SuggestionNotice struct {
	Manual       bool
	QuestionText string
	MessageID    string
	Analysis     *Analysis
}

func (e SuggestionNotice) Type() string {
	if e.Manual {
		return TypeManualSuggestion
	}
	return TypeAutoSuggestion
}

// SavedQuestion is a question persisted on a chat message.
type SavedQuestion struct {
	ID   string
	Text string
	Risk string
}

// ChatMessage is one entry of the chat history.
type ChatMessage struct {
	ID                 string
	Role               Role
	Content            string
	Timestamp          time.Time
	DisplayTime        string
	SessionID          string
	TurnID             string
	GeneratedQuestions []SavedQuestion
}

// History is a full history snapshot: either the initial load or a refresh.
type History struct {
	Refresh  bool
	Messages []ChatMessage
	Summary  string
}

func (e History) Type() string {
	if e.Refresh {
		return TypeHistoryRefresh
	}
	return TypeInitialHistory
}

// NewMessage is a single message appended to the history.
type NewMessage struct {
	Message ChatMessage
}

func (NewMessage) Type() string { return TypeNewMessage }

// Ping is a keepalive; answer with [Pong].
type Ping struct{}

func (Ping) Type() string { return TypePing }

// PongEvent is a keepalive answer from the server.
type PongEvent struct{}

func (PongEvent) Type() string { return TypePong }

// ServerError is an error frame from the backend.
type ServerError struct {
	Message string
}

func (ServerError) Type() string { return TypeError }

// Parse decodes one JSON text frame.
func Parse(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, ErrMalformed
	}
	typ := root.Get("type")
	if typ.Type != gjson.String {
		return nil, ErrMalformed
	}

	switch t := typ.String(); t {
	case TypePartial, TypeFinal:
		return Transcript{
			Final:      t == TypeFinal,
			Text:       root.Get("text").String(),
			Speaker:    ParseRole(root.Get("speaker").String()),
			SessionID:  root.Get("session_id").String(),
			TurnID:     root.Get("turn_id").String(),
			ServerTime: parseTime(root.Get("server_ts").String()),
		}, nil

	case TypeSuggestion:
		var items []string
		for _, it := range root.Get("items").Array() {
			if s := strings.TrimSpace(it.String()); s != "" {
				items = append(items, s)
			}
		}
		return Suggestion{
			Items:        items,
			Analysis:     parseAnalysis(root.Get("analysis")),
			Source:       root.Get("source").String(),
			SessionID:    root.Get("session_id").String(),
			OriginTurnID: root.Get("origin_turn_id").String(),
		}, nil

	case TypeSessionFinalized:
		return SessionFinalized{
			SessionID:      root.Get("session_id").String(),
			QuestionsCount: int(root.Get("questions_count").Int()),
		}, nil

	case TypeQuestionSent, TypeQuestionSendFailed:
		return QuestionResult{
			QuestionID:      root.Get("question_id").String(),
			Confirmed:       t == TypeQuestionSent,
			MessageSaved:    root.Get("message_saved").Bool(),
			PatientNotified: root.Get("patient_notified").Bool(),
			Error:           root.Get("error").String(),
		}, nil

	case TypeAutoSuggestion, TypeManualSuggestion:
		return SuggestionNotice{
			Manual:       t == TypeManualSuggestion,
			QuestionText: root.Get("question.text").String(),
			MessageID:    root.Get("question.message_id").String(),
			Analysis:     parseAnalysis(root.Get("analysis")),
		}, nil

	case TypeInitialHistory, TypeHistoryRefresh:
		arr := root.Get("messages").Array()
		msgs := make([]ChatMessage, 0, len(arr))
		for i, m := range arr {
			msgs = append(msgs, parseMessage(m, i))
		}
		return History{
			Refresh:  t == TypeHistoryRefresh,
			Messages: msgs,
			Summary:  root.Get("summary").String(),
		}, nil

	case TypeNewMessage:
		m := root.Get("message")
		if !m.IsObject() {
			return nil, fmt.Errorf("%w: new_message without message", ErrMalformed)
		}
		return NewMessage{Message: parseMessage(m, 0)}, nil

	case TypePing:
		return Ping{}, nil

	case TypePong:
		return PongEvent{}, nil

	case TypeError:
		msg := root.Get("message").String()
		if msg == "" {
			msg = root.Get("error").String()
		}
		return ServerError{Message: msg}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// ParseMessages decodes a JSON array of chat messages, or an object holding
// one under "messages".
func ParseMessages(data []byte) ([]ChatMessage, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformed
	}
	root := gjson.ParseBytes(data)
	if root.IsObject() {
		root = root.Get("messages")
	}
	if !root.IsArray() {
		return nil, fmt.Errorf("%w: no message list", ErrMalformed)
	}
	arr := root.Array()
	msgs := make([]ChatMessage, 0, len(arr))
	for i, m := range arr {
		msgs = append(msgs, parseMessage(m, i))
	}
	return msgs, nil
}

func parseMessage(m gjson.Result, index int) ChatMessage {
	raw := m.Get("timestamp").String()
	msg := ChatMessage{
		ID:          firstString(m, "message_id", "messageid"),
		Role:        ParseRole(m.Get("role").String()),
		Content:     m.Get("content").String(),
		Timestamp:   parseTime(raw),
		DisplayTime: m.Get("display_time").String(),
		SessionID:   firstString(m, "session_id", "metadata.session_id"),
		TurnID:      m.Get("turn_id").String(),
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%s-%d", raw, index)
	}
	if msg.DisplayTime == "" {
		if !msg.Timestamp.IsZero() {
			msg.DisplayTime = msg.Timestamp.Format("15:04")
		} else {
			msg.DisplayTime = raw
		}
	}

	for i, q := range m.Get("generated_questions").Array() {
		id := q.Get("question_id").String()
		if id == "" {
			id = fmt.Sprintf("q-%s-%d", msg.ID, i)
		}
		msg.GeneratedQuestions = append(msg.GeneratedQuestions, SavedQuestion{
			ID:   id,
			Text: strings.TrimSpace(q.Get("text").String()),
			Risk: q.Get("analysis.risk").String(),
		})
	}
	return msg
}

func parseAnalysis(r gjson.Result) *Analysis {
	if !r.IsObject() {
		return nil
	}
	return &Analysis{
		Risk:       r.Get("risk").String(),
		Emotion:    r.Get("emotion").String(),
		Confidence: r.Get("confidence").Float(),
	}
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := r.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}

// parseTime accepts RFC 3339 with or without a zone. Unparsable input yields
// the zero time.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
