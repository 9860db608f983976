package session_test

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/medscribe/internal/protocol"
	"github.com/MrWong99/medscribe/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSession(t *testing.T, cfg session.Config) (*session.Session, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	n := 0
	s := session.New(cfg,
		session.WithClock(clk.Now),
		session.WithIDGenerator(func() string { n++; return fmt.Sprintf("s%d", n) }),
	)
	return s, clk
}

func final(speaker protocol.Role, text string) protocol.Transcript {
	return protocol.Transcript{Final: true, Speaker: speaker, Text: text}
}

func partial(speaker protocol.Role, text string) protocol.Transcript {
	return protocol.Transcript{Speaker: speaker, Text: text}
}

func find[T session.Outcome](outs []session.Outcome) (T, bool) {
	for _, o := range outs {
		if v, ok := o.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func TestLifecycle(t *testing.T) {
	s, clk := newSession(t, session.Config{})

	if s.State() != session.StateIdle || s.ID() != "" {
		t.Fatalf("new session: state %s id %q", s.State(), s.ID())
	}
	if _, ok := s.Stop(); ok {
		t.Error("Stop from idle succeeded")
	}

	id, ok := s.Start()
	if !ok || id != "s1" || !s.Recording() {
		t.Fatalf("Start = %q, %v", id, ok)
	}
	if again, ok := s.Start(); ok || again != "s1" {
		t.Errorf("second Start = %q, %v; want s1, false", again, ok)
	}

	s.Apply(final(protocol.RolePatient, "my knee hurts"))
	clk.Advance(5 * time.Second)

	snap, ok := s.Stop()
	if !ok {
		t.Fatal("Stop failed")
	}
	if snap.SessionID != "s1" || snap.FinalText != "my knee hurts" || snap.EndTime.Sub(snap.StartedAt) != 5*time.Second {
		t.Errorf("snapshot = %+v", snap)
	}
	// Id retained after stop.
	if s.ID() != "s1" || s.Recording() {
		t.Errorf("after Stop: id %q recording %v", s.ID(), s.Recording())
	}

	id, _ = s.Start()
	if id != "s2" || s.Transcript() != "" {
		t.Errorf("restart: id %q transcript %q", id, s.Transcript())
	}
	if !s.IsRetired("s1") || s.IsCurrent("s1") {
		t.Error("previous id not retired")
	}
}

func TestVisibility(t *testing.T) {
	tests := []struct {
		name      string
		mode      protocol.Role
		ev        protocol.Transcript
		wantLive  string
		wantFinal string
	}{
		{"patient mode hides own final", protocol.RolePatient, final(protocol.RolePatient, "I feel dizzy"), "", "I feel dizzy"},
		{"patient mode hides own partial", protocol.RolePatient, partial(protocol.RolePatient, "I feel"), "", ""},
		{"patient mode shows doctor", protocol.RolePatient, final(protocol.RoleDoctor, "Since when?"), "Since when?", "Since when?"},
		{"doctor mode shows patient", protocol.RoleDoctor, partial(protocol.RolePatient, "my back"), "my back", ""},
		{"doctor mode keeps own final", protocol.RoleDoctor, final(protocol.RoleDoctor, "Take a seat"), "", "Take a seat"},
		{"observer shows both", protocol.RoleNone, final(protocol.RoleDoctor, "Hello"), "Hello", "Hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newSession(t, session.Config{Mode: tt.mode})
			outs := s.Apply(tt.ev)

			live, _ := s.LiveText()
			if live != tt.wantLive {
				t.Errorf("LiveText = %q, want %q", live, tt.wantLive)
			}
			if got := s.FinalText(); got != tt.wantFinal {
				t.Errorf("FinalText = %q, want %q", got, tt.wantFinal)
			}
			_, changed := find[session.LiveTextChanged](outs)
			if changed != (tt.wantLive != "") {
				t.Errorf("LiveTextChanged emitted = %v", changed)
			}
			if u, ok := find[session.Utterance](outs); !ok || u.Speaker != tt.ev.Speaker {
				t.Errorf("Utterance = %+v, %v", u, ok)
			}
		})
	}
}

func TestVisibility_PatientOwnSpeechClearsLive(t *testing.T) {
	s, _ := newSession(t, session.Config{Mode: protocol.RolePatient})

	s.Apply(final(protocol.RoleDoctor, "Since when?"))
	outs := s.Apply(final(protocol.RolePatient, "Since Monday"))

	if live, _ := s.LiveText(); live != "" {
		t.Errorf("LiveText = %q, want empty", live)
	}
	if got := s.FinalText(); got != "Since Monday" {
		t.Errorf("FinalText = %q", got)
	}
	ch, ok := find[session.LiveTextChanged](outs)
	if !ok || ch.Text != "" || ch.Speaker != protocol.RolePatient {
		t.Errorf("LiveTextChanged = %+v, %v", ch, ok)
	}

	// Nothing left to clear.
	outs = s.Apply(partial(protocol.RolePatient, "and"))
	if _, ok := find[session.LiveTextChanged](outs); ok {
		t.Error("LiveTextChanged emitted for an already empty live text")
	}
}

func TestTranscriptAccumulation(t *testing.T) {
	s, _ := newSession(t, session.Config{Mode: protocol.RoleDoctor})

	s.Apply(final(protocol.RolePatient, "before start"))
	s.Start()
	s.Apply(partial(protocol.RolePatient, "partial text"))
	s.Apply(final(protocol.RolePatient, "  first  "))
	s.Apply(final(protocol.RoleDoctor, "doctor speech"))
	outs := s.Apply(final(protocol.RolePatient, "second"))

	if got := s.Transcript(); got != "first second" {
		t.Errorf("Transcript = %q, want %q", got, "first second")
	}
	ta, ok := find[session.TranscriptAppended](outs)
	if !ok || ta.Text != "second" || ta.SessionID != "s1" {
		t.Errorf("TranscriptAppended = %+v, %v", ta, ok)
	}

	s.Stop()
	s.Apply(final(protocol.RolePatient, "after stop"))
	if got := s.Transcript(); got != "first second" {
		t.Errorf("appended after stop: %q", got)
	}
}

func TestSnapshotOwnText(t *testing.T) {
	tests := []struct {
		name string
		mode protocol.Role
		want string
	}{
		{"doctor", protocol.RoleDoctor, "How long has it hurt? Any fever?"},
		{"patient", protocol.RolePatient, "Since Monday"},
		{"no mode follows recording speaker", protocol.RoleNone, "Since Monday"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newSession(t, session.Config{Mode: tt.mode})
			s.Apply(final(protocol.RoleDoctor, "before start"))
			s.Start()
			s.Apply(final(protocol.RoleDoctor, "How long has it hurt?"))
			s.Apply(partial(protocol.RoleDoctor, "Any"))
			s.Apply(final(protocol.RolePatient, "Since Monday"))
			s.Apply(final(protocol.RoleDoctor, "Any fever?"))

			snap, ok := s.Stop()
			if !ok {
				t.Fatal("Stop returned false")
			}
			if snap.OwnText != tt.want {
				t.Errorf("OwnText = %q, want %q", snap.OwnText, tt.want)
			}

			s.Start()
			snap, _ = s.Stop()
			if snap.OwnText != "" {
				t.Errorf("OwnText carried into next session: %q", snap.OwnText)
			}
		})
	}
}

func TestTranscriptTruncatedOnEntry(t *testing.T) {
	s, _ := newSession(t, session.Config{})
	s.Start()
	s.Apply(final(protocol.RolePatient, strings.Repeat("x", 300)))
	if n := len(s.Transcript()); n != 200 {
		t.Errorf("transcript length = %d, want 200", n)
	}
}

func TestSpeakerAutoClear(t *testing.T) {
	s, clk := newSession(t, session.Config{Mode: protocol.RoleDoctor})

	outs := s.Apply(final(protocol.RolePatient, "done talking"))
	if sc, ok := find[session.SpeakerChanged](outs); !ok || sc.To != protocol.RolePatient {
		t.Fatalf("SpeakerChanged = %+v, %v", sc, ok)
	}

	clk.Advance(1900 * time.Millisecond)
	if outs := s.Tick(); len(outs) != 0 {
		t.Fatalf("cleared early: %+v", outs)
	}
	clk.Advance(100 * time.Millisecond)
	outs = s.Tick()
	if len(outs) != 1 {
		t.Fatalf("Tick outcomes = %+v", outs)
	}
	if sc := outs[0].(session.SpeakerChanged); sc.From != protocol.RolePatient || sc.To != protocol.RoleNone {
		t.Errorf("SpeakerChanged = %+v", sc)
	}
	if s.Speaker() != protocol.RoleNone {
		t.Error("speaker not cleared")
	}
	// Idempotent.
	if outs := s.Tick(); len(outs) != 0 {
		t.Errorf("second Tick = %+v", outs)
	}
}

func TestSpeakerNewUtteranceCancelsClear(t *testing.T) {
	s, clk := newSession(t, session.Config{})

	s.Apply(final(protocol.RolePatient, "one"))
	clk.Advance(time.Second)
	s.Apply(partial(protocol.RolePatient, "two"))
	clk.Advance(5 * time.Second)
	if outs := s.Tick(); len(outs) != 0 {
		t.Errorf("speaker cleared during an ongoing utterance: %+v", outs)
	}
	if s.Speaker() != protocol.RolePatient {
		t.Errorf("Speaker = %q", s.Speaker())
	}
}

func TestStaleSessionEventsIgnored(t *testing.T) {
	s, _ := newSession(t, session.Config{Mode: protocol.RoleDoctor})
	s.Start()
	s.Stop()
	s.Clear()

	outs := s.Apply(protocol.Transcript{Final: true, Speaker: protocol.RolePatient, Text: "late", SessionID: "s1"})
	ig, ok := find[session.Ignored](outs)
	if !ok || ig.Reason != session.ReasonStaleSession {
		t.Fatalf("outcomes = %+v", outs)
	}
	if live, _ := s.LiveText(); live != "" {
		t.Errorf("stale event displayed: %q", live)
	}

	_, err := s.ReplaceQuestions(session.Batch{Source: session.SourceManual, SessionID: "s1", Items: []string{"q"}})
	if !errors.Is(err, session.ErrStaleSession) {
		t.Errorf("ReplaceQuestions err = %v, want ErrStaleSession", err)
	}
}

func TestSessionFinalizedClearsRetainedID(t *testing.T) {
	s, _ := newSession(t, session.Config{})
	s.Start()

	// While recording the id is kept.
	outs := s.Apply(protocol.SessionFinalized{SessionID: "s1", QuestionsCount: 2})
	if sf := outs[0].(session.SessionFinalized); sf.Current {
		t.Error("finalized while recording marked current")
	}

	s.Stop()
	outs = s.Apply(protocol.SessionFinalized{SessionID: "s1", QuestionsCount: 2})
	if sf := outs[0].(session.SessionFinalized); !sf.Current || sf.QuestionsCount != 2 {
		t.Errorf("outcome = %+v", sf)
	}
	if s.ID() != "" || !s.IsRetired("s1") {
		t.Errorf("id %q retired %v", s.ID(), s.IsRetired("s1"))
	}
}

func TestClearTranscription(t *testing.T) {
	s, _ := newSession(t, session.Config{Mode: protocol.RoleDoctor})
	s.Start()
	s.Apply(final(protocol.RolePatient, "some words here"))
	s.SetSuggestions([]string{"a"})

	s.ClearTranscription()
	if live, _ := s.LiveText(); live != "" || s.FinalText() != "" || len(s.Suggestions()) != 0 {
		t.Error("display state not cleared")
	}
	if s.ID() != "s1" {
		t.Error("recording session id dropped")
	}

	s.Stop()
	s.ClearTranscription()
	if s.ID() != "" {
		t.Error("idle ClearTranscription kept the session")
	}
}

func TestGenerationText(t *testing.T) {
	s, _ := newSession(t, session.Config{Mode: protocol.RoleDoctor})
	if s.GenerationText() != "" {
		t.Error("expected empty")
	}
	s.Apply(partial(protocol.RolePatient, "live words"))
	if got := s.GenerationText(); got != "live words" {
		t.Errorf("live fallback = %q", got)
	}
	s.Apply(final(protocol.RolePatient, "final words"))
	if got := s.GenerationText(); got != "final words" {
		t.Errorf("final preferred over live: %q", got)
	}
	s.Start()
	s.Apply(final(protocol.RolePatient, "session words"))
	if got := s.GenerationText(); got != "session words" {
		t.Errorf("transcript preferred: %q", got)
	}
}

func TestStats(t *testing.T) {
	s, _ := newSession(t, session.Config{Mode: protocol.RoleDoctor})
	s.Start()
	s.Apply(final(protocol.RolePatient, strings.Repeat("a", 100)))
	if st := s.Stats(); st.IsNearLimit || st.SessionLength != 100 {
		t.Errorf("100 chars: %+v", st)
	}
	s.Apply(final(protocol.RolePatient, strings.Repeat("b", 70)))
	st := s.Stats()
	if !st.IsNearLimit || st.SessionLength != 171 || !st.Recording || st.SessionID != "s1" || st.MaxLength != 200 {
		t.Errorf("Stats = %+v", st)
	}
}
