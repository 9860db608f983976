// Package session owns the state of one client's recording session: its id
// and lifecycle, the current speaker, the displayed live transcription, the
// accumulated transcript, and the generated questions.
//
// Every mutation goes through a [Session]. Network events are decoded by the
// protocol package and applied with [Session.Apply], which returns the
// resulting [Outcome] values instead of invoking callbacks. Time-based
// behaviour (speaker auto-clear, send timeouts) compares explicit timestamps
// against an injected clock; nothing is scheduled.
//
// The lifecycle is a two-state machine:
//
//	idle --start--> recording --stop--> idle
//
// A session id is minted on start. After stop the id is retained, so a late
// final transcript for it is still attributed, until [Session.Clear], a
// session_finalized event, or the next start retires it. Events tagged with
// a retired id are ignored.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/internal/protocol"
)

// ErrStaleSession is returned for data tagged with a session id that has been
// retired.
var ErrStaleSession = errors.New("session: stale session")

// State is a lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
)

const (
	eventStart = "start"
	eventStop  = "stop"
)

// Defaults for [Config].
const (
	DefaultSpeakerClearAfter = 2 * time.Second
	DefaultRetiredCapacity   = 32
)

// Config holds session settings. Zero values select the defaults.
type Config struct {
	// Mode is the viewing party. Live text of the other party is displayed;
	// the viewer's own live text never is. RoleNone displays both.
	Mode protocol.Role

	// RecordingSpeaker is the party whose final transcripts accumulate in the
	// session transcript. Default: patient.
	RecordingSpeaker protocol.Role

	// MaxDisplayLength and DisplayRatio bound text entering the session.
	MaxDisplayLength int
	DisplayRatio     float64

	// SpeakerClearAfter is the quiet interval after a final transcript
	// before the displayed speaker is cleared.
	SpeakerClearAfter time.Duration

	// RetiredCapacity bounds how many retired session ids are remembered.
	RetiredCapacity int
}

func (c *Config) applyDefaults() {
	if c.RecordingSpeaker == protocol.RoleNone {
		c.RecordingSpeaker = protocol.RolePatient
	}
	if c.MaxDisplayLength <= 0 {
		c.MaxDisplayLength = protocol.DisplayLimit
	}
	if c.DisplayRatio <= 0 || c.DisplayRatio >= 1 {
		c.DisplayRatio = protocol.DisplayRatio
	}
	if c.SpeakerClearAfter <= 0 {
		c.SpeakerClearAfter = DefaultSpeakerClearAfter
	}
	if c.RetiredCapacity <= 0 {
		c.RetiredCapacity = DefaultRetiredCapacity
	}
}

// Option configures a [Session].
type Option func(*Session)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithMetrics records session starts and ends in m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithIDGenerator overrides session id minting.
func WithIDGenerator(gen func() string) Option {
	return func(s *Session) { s.newID = gen }
}

// Snapshot is the state handed out by [Session.Stop].
type Snapshot struct {
	SessionID  string
	FinalText  string
	// OwnText is what the viewing party said during the recording.
	OwnText    string
	Questions  []Question
	Highlights []Highlight
	StartedAt  time.Time
	EndTime    time.Time
}

// Stats summarises the displayed text and session state.
type Stats struct {
	LiveLength      int
	FinalLength     int
	SessionLength   int
	MaxLength       int
	IsNearLimit     bool
	QuestionsCount  int
	HighlightsCount int
	Speaker         protocol.Role
	Mode            protocol.Role
	SessionID       string
	Recording       bool
}

// Session is the single owner of session and turn state.
// All methods are safe for concurrent use.
type Session struct {
	cfg     Config
	now     func() time.Time
	newID   func() string
	metrics *observe.Metrics

	mu        sync.Mutex
	machine   *fsm.FSM
	id        string
	startedAt time.Time

	transcript string
	own        string
	live       string
	liveID     string
	final      string

	speaker        protocol.Role
	speakerClearAt time.Time

	questions   []Question
	highlights  []Highlight
	suggestions []string

	retired []string
}

// New returns an idle Session.
func New(cfg Config, opts ...Option) *Session {
	cfg.applyDefaults()
	s := &Session{
		cfg:   cfg,
		now:   time.Now,
		newID: func() string { return "session_" + uuid.NewString() },
		machine: fsm.NewFSM(
			string(StateIdle),
			fsm.Events{
				{Name: eventStart, Src: []string{string(StateIdle)}, Dst: string(StateRecording)},
				{Name: eventStop, Src: []string{string(StateRecording)}, Dst: string(StateIdle)},
			},
			fsm.Callbacks{},
		),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Mode returns the viewing party.
func (s *Session) Mode() protocol.Role { return s.cfg.Mode }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State(s.machine.Current())
}

// Recording reports whether a session is recording.
func (s *Session) Recording() bool { return s.State() == StateRecording }

// ID returns the current session id, or "" when there is none.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// IsCurrent reports whether id is the current session id. Results of
// requests issued for a session that is no longer current are discarded.
func (s *Session) IsCurrent(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id == id
}

// IsRetired reports whether id belonged to a session this client has
// cleared.
func (s *Session) IsRetired(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRetiredLocked(id)
}

// Start begins a new recording session. It mints a fresh id and resets
// transcript, questions and highlights. Called while recording it does
// nothing and returns the current id and false.
func (s *Session) Start() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Event(context.Background(), eventStart); err != nil {
		slog.Debug("session: start ignored", "state", s.machine.Current(), "err", err)
		return s.id, false
	}

	if s.id != "" {
		s.retireLocked(s.id)
	}
	s.id = s.newID()
	s.startedAt = s.now()
	s.transcript = ""
	s.own = ""
	s.questions = nil
	s.highlights = nil

	s.metrics.SessionStarted(context.Background())
	slog.Info("session: recording started", "session_id", s.id)
	return s.id, true
}

// Stop ends the recording session and returns a snapshot of it. The session
// id is retained until [Session.Clear]. Called while idle it returns false.
func (s *Session) Stop() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.machine.Event(context.Background(), eventStop); err != nil {
		slog.Debug("session: stop ignored", "state", s.machine.Current(), "err", err)
		return Snapshot{}, false
	}

	snap := Snapshot{
		SessionID:  s.id,
		FinalText:  s.transcript,
		OwnText:    s.own,
		Questions:  append([]Question(nil), s.questions...),
		Highlights: append([]Highlight(nil), s.highlights...),
		StartedAt:  s.startedAt,
		EndTime:    s.now(),
	}
	s.metrics.SessionEnded(context.Background())
	slog.Info("session: recording stopped",
		"session_id", s.id,
		"duration", snap.EndTime.Sub(snap.StartedAt),
		"transcript_len", len(snap.FinalText),
		"questions", len(snap.Questions),
	)
	return snap, true
}

// Clear forgets the session: id, start time, transcript, questions and
// highlights. A recording session is stopped first.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Session) clearLocked() {
	if s.machine.Current() == string(StateRecording) {
		s.machine.SetState(string(StateIdle))
		s.metrics.SessionEnded(context.Background())
	}
	if s.id != "" {
		s.retireLocked(s.id)
	}
	s.id = ""
	s.startedAt = time.Time{}
	s.transcript = ""
	s.own = ""
	s.questions = nil
	s.highlights = nil
}

// ClearTranscription wipes the displayed text, speaker, questions,
// highlights and suggestions. While not recording it also clears the
// session.
func (s *Session) ClearTranscription() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.live = ""
	s.liveID = ""
	s.final = ""
	s.speaker = protocol.RoleNone
	s.speakerClearAt = time.Time{}
	s.questions = nil
	s.highlights = nil
	s.suggestions = nil
	if s.machine.Current() != string(StateRecording) {
		s.clearLocked()
	}
}

// Speaker returns the displayed speaker.
func (s *Session) Speaker() protocol.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireSpeakerLocked(s.now())
	return s.speaker
}

// LiveText returns the displayed live transcription and the session id it
// belongs to.
func (s *Session) LiveText() (text, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live, s.liveID
}

// FinalText returns the last final transcription from either party.
func (s *Session) FinalText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// Transcript returns the accumulated session transcript.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

// StartedAt returns the start time of the current session.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// SetSuggestions replaces the short-form suggestion list.
func (s *Session) SetSuggestions(items []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestions = append([]string(nil), items...)
}

// Suggestions returns the short-form suggestion list.
func (s *Session) Suggestions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.suggestions...)
}

// GenerationText picks the text for a manual generation from session state:
// the session transcript, then the final transcription, then the live text.
func (s *Session) GenerationText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range []string{s.transcript, s.final, s.live} {
		if strings.TrimSpace(t) != "" {
			return t
		}
	}
	return ""
}

// Stats returns display statistics.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireSpeakerLocked(s.now())

	basis := len([]rune(s.transcript))
	if basis == 0 {
		basis = len([]rune(s.final))
	}
	return Stats{
		LiveLength:      len([]rune(s.live)),
		FinalLength:     len([]rune(s.final)),
		SessionLength:   len([]rune(s.transcript)),
		MaxLength:       s.cfg.MaxDisplayLength,
		IsNearLimit:     float64(basis) > float64(s.cfg.MaxDisplayLength)*s.cfg.DisplayRatio,
		QuestionsCount:  len(s.questions),
		HighlightsCount: len(s.highlights),
		Speaker:         s.speaker,
		Mode:            s.cfg.Mode,
		SessionID:       s.id,
		Recording:       s.machine.Current() == string(StateRecording),
	}
}

// Tick applies elapsed-time rules: the displayed speaker is cleared once the
// quiet interval after a final has passed.
func (s *Session) Tick() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from, cleared := s.expireSpeakerLocked(s.now()); cleared {
		return []Outcome{SpeakerChanged{From: from, To: protocol.RoleNone}}
	}
	return nil
}

func (s *Session) expireSpeakerLocked(now time.Time) (protocol.Role, bool) {
	if s.speakerClearAt.IsZero() || now.Before(s.speakerClearAt) {
		return protocol.RoleNone, false
	}
	from := s.speaker
	s.speaker = protocol.RoleNone
	s.speakerClearAt = time.Time{}
	return from, from != protocol.RoleNone
}

func (s *Session) retireLocked(id string) {
	if s.isRetiredLocked(id) {
		return
	}
	s.retired = append(s.retired, id)
	if over := len(s.retired) - s.cfg.RetiredCapacity; over > 0 {
		s.retired = append(s.retired[:0], s.retired[over:]...)
	}
}

func (s *Session) isRetiredLocked(id string) bool {
	for _, r := range s.retired {
		if r == id {
			return true
		}
	}
	return false
}

func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("session(%s, %s)", s.machine.Current(), s.id)
}
