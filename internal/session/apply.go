package session

import (
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/medscribe/internal/protocol"
)

// Apply folds one inbound event into the session and returns what changed.
// Events that change nothing yield a single [Ignored].
func (s *Session) Apply(ev protocol.Event) []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case protocol.Transcript:
		return s.applyTranscriptLocked(e)
	case protocol.Suggestion:
		return s.applySuggestionLocked(e)
	case protocol.SessionFinalized:
		return s.applyFinalizedLocked(e)
	case protocol.QuestionResult:
		return s.applyQuestionResultLocked(e)
	case nil:
		return []Outcome{Ignored{Reason: ReasonUnhandled}}
	default:
		return []Outcome{Ignored{Type: ev.Type(), Reason: ReasonUnhandled}}
	}
}

// visibleLocked reports whether live text from speaker may be displayed.
func (s *Session) visibleLocked(speaker protocol.Role) bool {
	if s.cfg.Mode == protocol.RoleNone {
		return speaker != protocol.RoleNone
	}
	return speaker == s.cfg.Mode.Other()
}

// ownerLocked is the party recording on this device.
func (s *Session) ownerLocked() protocol.Role {
	if s.cfg.Mode == protocol.RoleNone {
		return s.cfg.RecordingSpeaker
	}
	return s.cfg.Mode
}

func joinText(acc, text string) string {
	if acc == "" {
		return text
	}
	return acc + " " + text
}

func (s *Session) applyTranscriptLocked(e protocol.Transcript) []Outcome {
	if e.SessionID != "" && s.isRetiredLocked(e.SessionID) {
		slog.Debug("session: transcript for retired session ignored", "session_id", e.SessionID, "final", e.Final)
		return []Outcome{Ignored{Type: e.Type(), Reason: ReasonStaleSession}}
	}

	now := s.now()
	s.expireSpeakerLocked(now)

	var out []Outcome
	if e.Speaker != protocol.RoleNone && e.Speaker != s.speaker {
		out = append(out, SpeakerChanged{From: s.speaker, To: e.Speaker})
		s.speaker = e.Speaker
	}
	if e.Speaker != protocol.RoleNone {
		if e.Final {
			s.speakerClearAt = now.Add(s.cfg.SpeakerClearAfter)
		} else {
			s.speakerClearAt = time.Time{}
		}
	}

	text := strings.TrimSpace(protocol.Truncate(e.Text, s.cfg.MaxDisplayLength, s.cfg.DisplayRatio))
	if text == "" {
		if len(out) == 0 {
			return []Outcome{Ignored{Type: e.Type(), Reason: ReasonEmptyText}}
		}
		return out
	}

	sessionID := e.SessionID
	if sessionID == "" {
		sessionID = s.id
	}

	if e.Final && e.Speaker == s.cfg.RecordingSpeaker && s.machine.Current() == string(StateRecording) {
		s.transcript = joinText(s.transcript, text)
		out = append(out, TranscriptAppended{SessionID: s.id, Text: text, Transcript: s.transcript})
	}
	if e.Final && e.Speaker == s.ownerLocked() && s.machine.Current() == string(StateRecording) {
		s.own = joinText(s.own, text)
	}

	// The final transcription records every party; live text only the
	// other one.
	if e.Final {
		s.final = text
	}
	switch {
	case s.visibleLocked(e.Speaker):
		s.live = text
		s.liveID = sessionID
		out = append(out, LiveTextChanged{Text: text, Speaker: e.Speaker, Final: e.Final, SessionID: sessionID})
	case s.cfg.Mode == protocol.RolePatient && e.Speaker == protocol.RolePatient && s.live != "":
		s.live = ""
		s.liveID = ""
		out = append(out, LiveTextChanged{Speaker: e.Speaker, Final: e.Final, SessionID: sessionID})
	}

	out = append(out, Utterance{
		Text:      text,
		Speaker:   e.Speaker,
		Final:     e.Final,
		SessionID: sessionID,
		TurnID:    e.TurnID,
	})
	return out
}

func (s *Session) applySuggestionLocked(e protocol.Suggestion) []Outcome {
	if len(e.Items) == 0 {
		return []Outcome{Ignored{Type: e.Type(), Reason: ReasonNoItems}}
	}
	b := Batch{
		Source:    e.Source,
		SessionID: e.SessionID,
		MessageID: e.OriginTurnID,
		Items:     e.Items,
	}
	if e.Analysis != nil {
		b.Priority = e.Analysis.Risk
	}
	res, err := s.replaceQuestionsLocked(b)
	if err != nil {
		return []Outcome{Ignored{Type: e.Type(), Reason: ReasonStaleSession}}
	}
	res.Analysis = e.Analysis
	return []Outcome{res}
}

func (s *Session) applyFinalizedLocked(e protocol.SessionFinalized) []Outcome {
	current := e.SessionID != "" && e.SessionID == s.id && s.machine.Current() != string(StateRecording)
	if current {
		s.retireLocked(s.id)
		s.id = ""
		s.startedAt = time.Time{}
	}
	return []Outcome{SessionFinalized{SessionID: e.SessionID, QuestionsCount: e.QuestionsCount, Current: current}}
}

func (s *Session) applyQuestionResultLocked(e protocol.QuestionResult) []Outcome {
	q := s.findLocked(e.QuestionID)
	if q == nil {
		return []Outcome{Ignored{Type: e.Type(), Reason: ReasonUnknownQuestion}}
	}

	from := q.State
	to := from
	switch {
	case from == Sent:
		// Terminal.
	case e.Confirmed, e.MessageSaved:
		to = Sent
	case from == Sending:
		to = Pending
	}
	if to == from {
		return []Outcome{Ignored{Type: e.Type(), Reason: ReasonNoTransition}}
	}

	q.State = to
	q.SendingSince = time.Time{}
	return []Outcome{QuestionStateChanged{
		QuestionID:      q.ID,
		From:            from,
		To:              to,
		Confirmed:       e.Confirmed,
		MessageSaved:    e.MessageSaved,
		PatientNotified: e.PatientNotified,
		Error:           e.Error,
	}}
}
