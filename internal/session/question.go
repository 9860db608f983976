package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Question sources.
const (
	SourceLiveTranscription = "live_transcription"
	SourcePatientMessage    = "patient_message"
	SourceManual            = "manual"
	SourceSaved             = "saved"
	SourceAuto              = "auto"
)

var (
	ErrQuestionNotFound = errors.New("session: question not found")
	ErrQuestionSending  = errors.New("session: question is already being sent")
	ErrQuestionSent     = errors.New("session: question was already sent")
)

// SentState is the delivery state of a question. It moves pending→sending→sent
// or sending→pending, and never leaves sent.
type SentState int

const (
	Pending SentState = iota
	Sending
	Sent
)

func (s SentState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sending:
		return "sending"
	case Sent:
		return "sent"
	default:
		return fmt.Sprintf("SentState(%d)", int(s))
	}
}

// Span is a rune offset range into the session transcript marking the text
// that produced a question. When that text is not part of the transcript the
// span covers the text itself.
type Span struct {
	Start, End int
}

// Question is one generated follow-up question.
type Question struct {
	ID        string
	Text      string
	Source    string
	SessionID string
	MessageID string
	Span      Span
	Priority  string
	State     SentState
	CreatedAt time.Time

	// SendingSince is set while State is Sending.
	SendingSince time.Time
}

// Batch is the input to [Session.ReplaceQuestions].
type Batch struct {
	Source    string
	SessionID string
	MessageID string
	Items     []string
	// SourceText is the text the items were generated from. When set, a
	// highlight covering it is recorded.
	SourceText string
	Priority   string
	// IDs optionally supplies stable ids, index-aligned with Items.
	IDs []string
	// MessageIDs optionally overrides MessageID per item, index-aligned
	// with Items.
	MessageIDs []string
}

// Highlight marks the part of a source text that produced questions.
type Highlight struct {
	Start, End  int
	Reason      string
	QuestionIDs []string
	Segment     string
	SourceType  string
	Timestamp   time.Time
}

// HighlightResult is returned by [Session.HighlightedText].
type HighlightResult struct {
	Highlighted string
	Remaining   string
	Highlight   *Highlight
}

func newQuestionID() string { return "q-" + uuid.NewString() }

func (s *Session) buildQuestions(b Batch, now time.Time) []Question {
	qs := make([]Question, 0, len(b.Items))
	for i, item := range b.Items {
		text := strings.TrimSpace(item)
		if text == "" {
			continue
		}
		id := ""
		if i < len(b.IDs) {
			id = b.IDs[i]
		}
		if id == "" {
			id = newQuestionID()
		}
		msgID := b.MessageID
		if i < len(b.MessageIDs) && b.MessageIDs[i] != "" {
			msgID = b.MessageIDs[i]
		}
		qs = append(qs, Question{
			ID:        id,
			Text:      text,
			Source:    b.Source,
			SessionID: b.SessionID,
			MessageID: msgID,
			Priority:  b.Priority,
			CreatedAt: now,
		})
	}
	return qs
}

// ReplaceQuestions stores a batch of questions, replacing the pending
// questions previously held for the same source. Questions that are being
// sent or were sent are kept so their confirmations still resolve.
//
// A batch tagged with a retired session id is rejected with
// [ErrStaleSession].
func (s *Session) ReplaceQuestions(b Batch) (QuestionsReceived, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaceQuestionsLocked(b)
}

func (s *Session) replaceQuestionsLocked(b Batch) (QuestionsReceived, error) {
	if b.SessionID != "" && s.isRetiredLocked(b.SessionID) {
		return QuestionsReceived{}, fmt.Errorf("%w: %s", ErrStaleSession, b.SessionID)
	}
	if b.Source == "" {
		b.Source = SourceAuto
	}
	now := s.now()
	fresh := s.buildQuestions(b, now)

	if b.SourceText != "" && len(fresh) > 0 {
		ids := make([]string, len(fresh))
		for i, q := range fresh {
			ids[i] = q.ID
		}
		h := s.highlightLocked(b.SourceText, b.Source, ids, now)
		for i := range fresh {
			fresh[i].Span = Span{Start: h.Start, End: h.End}
		}
		s.highlights = append(s.highlights, h)
	}

	kept := s.questions[:0]
	replaced := 0
	for _, q := range s.questions {
		if q.Source == b.Source && q.State == Pending {
			replaced++
			continue
		}
		kept = append(kept, q)
	}
	s.questions = append(kept, fresh...)

	return QuestionsReceived{
		Source:    b.Source,
		SessionID: b.SessionID,
		Questions: append([]Question(nil), fresh...),
		Replaced:  replaced,
	}, nil
}

// highlightLocked locates segment in the session transcript. If it is not
// part of the transcript the highlight covers the segment itself.
func (s *Session) highlightLocked(segment, source string, ids []string, now time.Time) Highlight {
	h := Highlight{
		Start:       0,
		End:         len([]rune(segment)),
		Reason:      "question_generation",
		QuestionIDs: ids,
		Segment:     segment,
		SourceType:  source,
		Timestamp:   now,
	}
	if s.transcript != "" {
		if i := strings.Index(s.transcript, segment); i >= 0 {
			start := len([]rune(s.transcript[:i]))
			h.Start = start
			h.End = start + h.End
		}
	}
	return h
}

// MarkSending moves a pending question to sending and returns a copy of it.
func (s *Session) MarkSending(id string) (Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.findLocked(id)
	if q == nil {
		return Question{}, fmt.Errorf("%w: %s", ErrQuestionNotFound, id)
	}
	switch q.State {
	case Sending:
		return *q, ErrQuestionSending
	case Sent:
		return *q, ErrQuestionSent
	}
	q.State = Sending
	q.SendingSince = s.now()
	return *q, nil
}

// RevertSending moves a sending question back to pending, for example when
// the frame could not be written.
func (s *Session) RevertSending(id string) (QuestionStateChanged, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.findLocked(id)
	if q == nil || q.State != Sending {
		return QuestionStateChanged{}, false
	}
	q.State = Pending
	q.SendingSince = time.Time{}
	return QuestionStateChanged{QuestionID: id, From: Sending, To: Pending}, true
}

// ExpireSending reverts every question that has been sending for longer
// than timeout.
func (s *Session) ExpireSending(timeout time.Duration) []QuestionStateChanged {
	if timeout <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []QuestionStateChanged
	for i := range s.questions {
		q := &s.questions[i]
		if q.State != Sending || now.Sub(q.SendingSince) < timeout {
			continue
		}
		q.State = Pending
		q.SendingSince = time.Time{}
		out = append(out, QuestionStateChanged{QuestionID: q.ID, From: Sending, To: Pending, TimedOut: true})
	}
	return out
}

// Question returns a copy of the question with id.
func (s *Session) Question(id string) (Question, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.findLocked(id); q != nil {
		return *q, true
	}
	return Question{}, false
}

// Questions returns a copy of all held questions in arrival order.
func (s *Session) Questions() []Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Question(nil), s.questions...)
}

func (s *Session) findLocked(id string) *Question {
	for i := range s.questions {
		if s.questions[i].ID == id {
			return &s.questions[i]
		}
	}
	return nil
}

// Highlights returns a copy of the recorded highlights.
func (s *Session) Highlights() []Highlight {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Highlight(nil), s.highlights...)
}

// HighlightedText splits text at the first highlight whose question ids
// intersect questionIDs. An empty questionIDs matches any highlight.
func (s *Session) HighlightedText(text string, questionIDs ...string) HighlightResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if text == "" || len(s.highlights) == 0 {
		return HighlightResult{Remaining: text}
	}
	for i := range s.highlights {
		h := s.highlights[i]
		if len(questionIDs) > 0 && !intersects(h.QuestionIDs, questionIDs) {
			continue
		}
		r := []rune(text)
		start := min(max(h.Start, 0), len(r))
		end := min(max(h.End, start), len(r))
		return HighlightResult{
			Highlighted: string(r[start:end]),
			Remaining:   string(r[end:]),
			Highlight:   &h,
		}
	}
	return HighlightResult{Remaining: text}
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
