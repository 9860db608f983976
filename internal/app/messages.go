package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/medscribe/internal/notify"
	"github.com/MrWong99/medscribe/internal/protocol"
)

// minSavedSpeech is the shortest recorded speech, in runes, worth storing.
const minSavedSpeech = 3

var (
	ErrNotDoctor    = errors.New("app: doctor mode required")
	ErrEmptyMessage = errors.New("app: empty message")
)

// saveOwnSpeech stores what the user said during a recording in the
// conversation: as a patient message in patient mode, as a doctor reply in
// doctor mode. The message is shown at once and withdrawn again when the
// backend rejects it.
func (a *App) saveOwnSpeech(sessionID, text string) {
	text = strings.TrimSpace(text)
	if len([]rune(text)) < minSavedSpeech {
		return
	}
	role := a.cfg.User.Mode
	if role == protocol.RoleNone {
		role = protocol.RolePatient
	}
	m := protocol.ChatMessage{
		ID:        "transcript-" + uuid.NewString(),
		Role:      role,
		Content:   text,
		Timestamp: time.Now(),
		SessionID: sessionID,
	}
	if !a.history.AddLocal(m) {
		return
	}

	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.Backend.HTTPTimeout)
	defer cancel()

	var err error
	if role == protocol.RoleDoctor {
		err = a.api.SendDoctorReply(ctx, a.cfg.PatientKey(), text)
	} else {
		err = a.api.AppendPatientMessage(ctx, a.cfg.PatientKey(), text)
	}
	if err != nil {
		a.history.RemoveLocal(m.ID)
		slog.Warn("app: recorded speech not saved", "session_id", sessionID, "role", role, "err", err)
		a.notifier.Notify(notify.Notification{
			Level:   notify.LevelError,
			Title:   "Message Not Saved",
			Message: "Your recorded message could not be saved. Please try again.",
			At:      time.Now(),
		})
		return
	}
	slog.Info("app: recorded speech saved", "session_id", sessionID, "role", role, "len", len(text))

	if role != protocol.RoleDoctor {
		return
	}
	if err := a.recognition.SendDoctorReply(ctx, text, sessionID); err != nil {
		slog.Debug("app: doctor reply not relayed", "session_id", sessionID, "err", err)
	}
}

// SendDoctorMessage sends a typed message to the patient on the doctor
// socket.
func (a *App) SendDoctorMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if a.doctor == nil {
		return ErrNotDoctor
	}
	if err := a.doctor.SendDoctorMessage(ctx, text, a.cfg.PatientKey(), a.sess.ID(), time.Now()); err != nil {
		return fmt.Errorf("app: send doctor message: %w", err)
	}
	a.notifier.Notify(notify.Notification{
		Level:   notify.LevelInfo,
		Title:   "Message Sent",
		Message: "Your message has been sent to the patient.",
		At:      time.Now(),
	})
	return nil
}

// RequestSuggestions asks the recognition backend for suggestions on the
// current turn, partial text included. An empty ragType selects the
// configured one.
func (a *App) RequestSuggestions(ctx context.Context, ragType string) error {
	if ragType == "" {
		ragType = a.cfg.Coordinator.RagType
	}
	if err := a.recognition.RequestSuggestions(ctx, ragType, true, "", a.sess.ID()); err != nil {
		return fmt.Errorf("app: request suggestions: %w", err)
	}
	return nil
}
