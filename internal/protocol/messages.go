package protocol

import "time"

// Outbound message types.
const (
	TypeRequestSuggestions = "request_suggestions"
	TypeDoctorReply        = "doctor_reply"
	TypeDoctorQuestion     = "doctor_question"
	TypeDoctorMessage      = "doctormessage"
	TypePong               = "pong"
)

// RAG retrieval strategies understood by the backend.
const (
	RagStandard = "standard"
	RagGraph    = "graph"
)

// RequestSuggestions asks the recognition backend for suggestions derived from
// the current turn.
type RequestSuggestions struct {
	Type           string `json:"type"`
	RagType        string `json:"rag_type"`
	IncludePartial bool   `json:"include_partial"`
	Text           string `json:"text,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

// NewRequestSuggestions builds a request_suggestions frame.
func NewRequestSuggestions(ragType string, includePartial bool, text, sessionID string) RequestSuggestions {
	if ragType == "" {
		ragType = RagStandard
	}
	return RequestSuggestions{
		Type:           TypeRequestSuggestions,
		RagType:        ragType,
		IncludePartial: includePartial,
		Text:           text,
		SessionID:      sessionID,
	}
}

// DoctorReply carries a free-text doctor reply.
type DoctorReply struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

// NewDoctorReply builds a doctor_reply frame.
func NewDoctorReply(text, sessionID string) DoctorReply {
	return DoctorReply{Type: TypeDoctorReply, Text: text, SessionID: sessionID}
}

// DoctorQuestion sends a generated question to the patient. The backend
// answers with question_sent_confirmation or question_send_failed.
type DoctorQuestion struct {
	Type       string    `json:"type"`
	Question   string    `json:"question"`
	QuestionID string    `json:"question_id"`
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewDoctorQuestion builds a doctor_question frame.
func NewDoctorQuestion(q, questionID, sessionID string, ts time.Time) DoctorQuestion {
	return DoctorQuestion{
		Type:       TypeDoctorQuestion,
		Question:   q,
		QuestionID: questionID,
		SessionID:  sessionID,
		Timestamp:  ts.UTC(),
	}
}

// DoctorMessage is the legacy chat frame. Its field names are not
// snake_cased on the wire.
type DoctorMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	PatientID string    `json:"patientid"`
	SessionID string    `json:"sessionid"`
}

// NewDoctorMessage builds a doctormessage frame.
func NewDoctorMessage(msg, patientID, sessionID string, ts time.Time) DoctorMessage {
	return DoctorMessage{
		Type:      TypeDoctorMessage,
		Message:   msg,
		Timestamp: ts.UTC(),
		PatientID: patientID,
		SessionID: sessionID,
	}
}

// Pong answers a server ping on the history stream.
type Pong struct {
	Type string `json:"type"`
}

// NewPong builds a pong frame.
func NewPong() Pong { return Pong{Type: TypePong} }
