// Package coordinator decides when to request AI question generation and
// reconciles the asynchronous results with the session.
//
// A request passes three gates: the trimmed input must be long enough, no
// other generation may be in flight, and automatic triggers must respect a
// throttle interval since the last executed request. Requests that fail a
// gate are dropped, never queued. Results that arrive after the session they
// were issued for is gone are discarded.
//
// The coordinator also owns question delivery: it moves a question to
// sending, writes the doctor_question frame, and turns the backend's answer
// or a timeout into a classified notification.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/medscribe/internal/notify"
	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/internal/protocol"
	"github.com/MrWong99/medscribe/internal/session"
)

var (
	ErrTooShort        = errors.New("coordinator: input text too short")
	ErrInFlight        = errors.New("coordinator: generation already in flight")
	ErrThrottled       = errors.New("coordinator: throttled")
	ErrNoEligibleInput = errors.New("coordinator: no eligible input")
	ErrDiscarded       = errors.New("coordinator: result discarded for stale session")
	ErrNotConfigured   = errors.New("coordinator: no sender configured")
	ErrClosed          = errors.New("coordinator: closed")
)

// Defaults for [Config].
const (
	DefaultMinQuestionLength   = 10
	DefaultMinSuggestionLength = 5
	DefaultThrottle            = 3 * time.Second
	DefaultSendTimeout         = 10 * time.Second
	DefaultRequestTimeout      = 90 * time.Second
)

// Config holds coordinator settings. Zero values select the defaults.
type Config struct {
	MinQuestionLength   int
	MinSuggestionLength int
	Throttle            time.Duration
	SendTimeout         time.Duration
	RequestTimeout      time.Duration
	RagType             string

	// AutoQuestions enables question generation from the patient's live
	// speech. AutoSuggestions enables suggestions from final patient
	// transcripts.
	AutoQuestions   bool
	AutoSuggestions bool
}

func (c *Config) applyDefaults() {
	if c.MinQuestionLength <= 0 {
		c.MinQuestionLength = DefaultMinQuestionLength
	}
	if c.MinSuggestionLength <= 0 {
		c.MinSuggestionLength = DefaultMinSuggestionLength
	}
	if c.Throttle <= 0 {
		c.Throttle = DefaultThrottle
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RagType == "" {
		c.RagType = protocol.RagStandard
	}
}

// Input describes a generation candidate.
type Input struct {
	Text      string
	Mode      Mode
	Source    string
	SessionID string
	MessageID string
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithNotifier sets the notification sink. Default: [notify.Discard].
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithMetrics records generation outcomes in m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSender sets the socket used for question delivery.
func WithSender(s Sender) Option {
	return func(c *Coordinator) { c.sender = s }
}

// WithMessages sets the chat history used by [Coordinator.GenerateManual].
func WithMessages(m MessageSource) Option {
	return func(c *Coordinator) { c.messages = m }
}

// Coordinator gates and executes generation requests for one session owner.
// All exported methods are safe for concurrent use.
type Coordinator struct {
	cfg      Config
	sess     *session.Session
	gen      Generator
	sender   Sender
	messages MessageSource
	notifier notify.Notifier
	metrics  *observe.Metrics
	now      func() time.Time

	mu             sync.Mutex
	throttle       time.Duration
	inFlight       bool
	suggesting     bool
	lastGeneration time.Time
	closed         bool

	wg sync.WaitGroup
}

// New returns a Coordinator bound to sess that issues requests through gen.
func New(cfg Config, sess *session.Session, gen Generator, opts ...Option) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		cfg:      cfg,
		sess:     sess,
		gen:      gen,
		notifier: notify.Discard,
		now:      time.Now,
		throttle: cfg.Throttle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetThrottle changes the throttle interval at runtime.
func (c *Coordinator) SetThrottle(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttle = d
}

// InFlight reports whether a question generation is outstanding.
func (c *Coordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Wait blocks until every request started by [Coordinator.React] has
// finished. Call [Coordinator.Close] first when events may still arrive.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Close stops [Coordinator.React] and [Coordinator.TriggerAsync] from
// starting background requests. Requests already running are unaffected.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// spawn runs fn in the background unless the coordinator is closed. wg.Add
// happens under mu, ordered with Close.
func (c *Coordinator) spawn(fn func()) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// reserve applies the eligibility gates and, on success, marks a request in
// flight and records the generation time. It returns the session id current
// at reservation.
func (c *Coordinator) reserve(in Input) (string, error) {
	if !protocol.Eligible(in.Text, c.cfg.MinQuestionLength) {
		return "", ErrTooShort
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return "", ErrInFlight
	}
	now := c.now()
	if in.Mode.Auto() && !c.lastGeneration.IsZero() && now.Sub(c.lastGeneration) < c.throttle {
		return "", ErrThrottled
	}
	c.inFlight = true
	c.lastGeneration = now
	return c.sess.ID(), nil
}

func (c *Coordinator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
}

// Trigger gates a generation request and, if it passes, executes it and
// applies the result. It blocks until the backend answers.
func (c *Coordinator) Trigger(ctx context.Context, in Input) (session.QuestionsReceived, error) {
	owner, err := c.reserve(in)
	if err != nil {
		slog.Debug("coordinator: trigger dropped", "mode", in.Mode, "source", in.Source, "reason", err)
		return session.QuestionsReceived{}, err
	}
	defer c.release()
	return c.execute(ctx, in, owner)
}

// TriggerAsync gates a request synchronously and executes it in the
// background. The returned error reports only the gate decision.
func (c *Coordinator) TriggerAsync(ctx context.Context, in Input) error {
	owner, err := c.reserve(in)
	if err != nil {
		slog.Debug("coordinator: trigger dropped", "mode", in.Mode, "source", in.Source, "reason", err)
		return err
	}
	started := c.spawn(func() {
		defer c.release()
		if _, err := c.execute(ctx, in, owner); err != nil && !errors.Is(err, ErrDiscarded) {
			slog.Warn("coordinator: automatic generation failed", "mode", in.Mode, "err", err)
		}
	})
	if !started {
		c.release()
		return ErrClosed
	}
	return nil
}

func (c *Coordinator) execute(ctx context.Context, in Input, owner string) (session.QuestionsReceived, error) {
	ctx, span := observe.StartSpan(ctx, "coordinator.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("generation.mode", string(in.Mode)),
		attribute.String("generation.source", in.Source),
	)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req := Request{
		Text:           protocol.TruncateGeneration(strings.TrimSpace(in.Text)),
		Mode:           in.Mode,
		Source:         in.Source,
		SessionID:      in.SessionID,
		MessageID:      in.MessageID,
		RagType:        c.cfg.RagType,
		IncludePartial: in.Mode == ModePartial || (in.Mode == ModeManual && in.Source == session.SourceLiveTranscription),
		Questions:      true,
	}

	start := c.now()
	res, err := c.gen.Generate(ctx, req)
	elapsed := c.now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordGeneration(ctx, string(in.Mode), "error", elapsed)
		if in.Mode == ModeManual {
			c.notifier.Notify(c.notification(notify.LevelError, "Question Generation Failed",
				"Could not generate questions. Please try again.", err.Error()))
		}
		return session.QuestionsReceived{}, fmt.Errorf("coordinator: generate: %w", err)
	}

	if !c.sess.IsCurrent(owner) {
		c.metrics.RecordGeneration(ctx, string(in.Mode), "discarded", elapsed)
		slog.Debug("coordinator: discarding result for stale session", "session_id", owner, "items", len(res.Items))
		return session.QuestionsReceived{}, ErrDiscarded
	}

	if len(res.Items) == 0 {
		c.metrics.RecordGeneration(ctx, string(in.Mode), "empty", elapsed)
		if in.Mode == ModeManual {
			c.notifier.Notify(c.notification(notify.LevelWarning, "No Questions Generated",
				"The AI could not generate questions from the provided text.", ""))
		}
		return session.QuestionsReceived{}, nil
	}

	b := session.Batch{
		Source:     in.Source,
		SessionID:  in.SessionID,
		MessageID:  in.MessageID,
		Items:      res.Items,
		SourceText: in.Text,
	}
	if res.Analysis != nil {
		b.Priority = res.Analysis.Risk
	}
	qr, err := c.sess.ReplaceQuestions(b)
	if err != nil {
		c.metrics.RecordGeneration(ctx, string(in.Mode), "discarded", elapsed)
		return session.QuestionsReceived{}, ErrDiscarded
	}
	qr.Analysis = res.Analysis
	c.metrics.RecordGeneration(ctx, string(in.Mode), "ok", elapsed)

	slog.Info("coordinator: questions generated",
		"mode", in.Mode,
		"source", in.Source,
		"count", len(qr.Questions),
		"replaced", qr.Replaced,
		"latency", elapsed,
	)
	if in.Mode == ModeManual {
		c.notifier.Notify(c.notification(notify.LevelInfo, "Questions Generated Successfully",
			fmt.Sprintf("Generated %d questions.", len(qr.Questions)), ""))
	}
	return qr, nil
}

// GenerateManual triggers a manual generation. It prefers the displayed live
// transcription, then the most recent patient message.
func (c *Coordinator) GenerateManual(ctx context.Context) (session.QuestionsReceived, error) {
	in, ok := c.manualInput()
	if !ok {
		c.notifier.Notify(c.notification(notify.LevelWarning, "No Text Available",
			"Please wait for patient to speak or ensure there are patient messages available.", ""))
		return session.QuestionsReceived{}, ErrNoEligibleInput
	}
	return c.Trigger(ctx, in)
}

func (c *Coordinator) manualInput() (Input, bool) {
	live, liveSession := c.sess.LiveText()
	if protocol.Eligible(live, c.cfg.MinQuestionLength) {
		return Input{Text: live, Mode: ModeManual, Source: session.SourceLiveTranscription, SessionID: liveSession}, true
	}
	if c.messages != nil {
		if m, ok := c.messages.LastPatientMessage(c.cfg.MinQuestionLength); ok {
			return Input{
				Text:      m.Content,
				Mode:      ModeManual,
				Source:    session.SourcePatientMessage,
				SessionID: m.SessionID,
				MessageID: m.ID,
			}, true
		}
	}
	return Input{}, false
}

// GenerateFromSession triggers a manual generation from session state: the
// accumulated transcript, then the final transcription, then the live text.
func (c *Coordinator) GenerateFromSession(ctx context.Context) (session.QuestionsReceived, error) {
	text := c.sess.GenerationText()
	if !protocol.Eligible(text, c.cfg.MinQuestionLength) {
		return session.QuestionsReceived{}, ErrNoEligibleInput
	}
	return c.Trigger(ctx, Input{Text: text, Mode: ModeManual, Source: session.SourceManual, SessionID: c.sess.ID()})
}

// SuggestFromTranscript requests short-form suggestions for text and
// stores them on the session. It has its own in-flight guard and is not
// throttled. A failed request clears the suggestion list.
func (c *Coordinator) SuggestFromTranscript(ctx context.Context, text string) ([]string, error) {
	if !protocol.Eligible(text, c.cfg.MinSuggestionLength) {
		return nil, ErrTooShort
	}
	c.mu.Lock()
	if c.suggesting {
		c.mu.Unlock()
		return nil, ErrInFlight
	}
	c.suggesting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.suggesting = false
		c.mu.Unlock()
	}()

	ctx, span := observe.StartSpan(ctx, "coordinator.suggest")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	owner := c.sess.ID()
	start := c.now()
	res, err := c.gen.Generate(ctx, Request{
		Text:           strings.TrimSpace(protocol.TruncateDisplay(text)),
		Mode:           ModeFinal,
		Source:         session.SourceLiveTranscription,
		SessionID:      owner,
		RagType:        c.cfg.RagType,
		IncludePartial: true,
	})
	elapsed := c.now().Sub(start)
	if err != nil {
		span.RecordError(err)
		c.metrics.RecordGeneration(ctx, "suggestion", "error", elapsed)
		c.sess.SetSuggestions(nil)
		return nil, fmt.Errorf("coordinator: suggest: %w", err)
	}
	if !c.sess.IsCurrent(owner) {
		c.metrics.RecordGeneration(ctx, "suggestion", "discarded", elapsed)
		return nil, ErrDiscarded
	}
	c.metrics.RecordGeneration(ctx, "suggestion", "ok", elapsed)
	c.sess.SetSuggestions(res.Items)
	return res.Items, nil
}

// React consumes session outcomes: patient speech starts automatic
// generation, and question state changes become notifications. Automatic
// requests run in the background; see [Coordinator.Wait].
func (c *Coordinator) React(ctx context.Context, outs []session.Outcome) {
	for _, o := range outs {
		switch o := o.(type) {
		case session.Utterance:
			c.reactUtterance(ctx, o)
		case session.QuestionStateChanged:
			c.notifyStateChange(o)
		case session.SessionFinalized:
			slog.Debug("coordinator: session finalized", "session_id", o.SessionID, "questions", o.QuestionsCount)
		}
	}
}

func (c *Coordinator) reactUtterance(ctx context.Context, u session.Utterance) {
	if u.Speaker != protocol.RolePatient {
		return
	}
	if c.cfg.AutoQuestions {
		mode := ModePartial
		if u.Final {
			mode = ModeFinal
		}
		_ = c.TriggerAsync(ctx, Input{
			Text:      u.Text,
			Mode:      mode,
			Source:    session.SourceLiveTranscription,
			SessionID: u.SessionID,
			MessageID: u.TurnID,
		})
	}
	if c.cfg.AutoSuggestions && u.Final && protocol.Eligible(u.Text, c.cfg.MinSuggestionLength) {
		c.spawn(func() {
			if _, err := c.SuggestFromTranscript(ctx, u.Text); err != nil &&
				!errors.Is(err, ErrInFlight) && !errors.Is(err, ErrDiscarded) {
				slog.Warn("coordinator: suggestions failed", "err", err)
			}
		})
	}
}

// SendQuestion delivers a held question to the patient. The question moves
// to sending at once; the backend's answer or [Coordinator.Tick] settles it.
func (c *Coordinator) SendQuestion(ctx context.Context, questionID string) error {
	if c.sender == nil {
		return ErrNotConfigured
	}
	q, err := c.sess.MarkSending(questionID)
	if err != nil {
		return err
	}
	sessionID := q.SessionID
	if sessionID == "" {
		sessionID = c.sess.ID()
	}
	frame := protocol.NewDoctorQuestion(q.Text, q.ID, sessionID, c.now())
	if err := c.sender.SendJSON(ctx, frame); err != nil {
		c.sess.RevertSending(q.ID)
		c.notifier.Notify(c.notification(notify.LevelError, "Failed to Send Question",
			"Could not send the question. Check the connection and try again.", err.Error()))
		return fmt.Errorf("coordinator: send question: %w", err)
	}
	slog.Info("coordinator: question sent", "question_id", q.ID, "session_id", sessionID)
	return nil
}

// Tick applies time-based rules: speaker auto-clear and send timeouts.
func (c *Coordinator) Tick() []session.Outcome {
	outs := c.sess.Tick()
	for _, ch := range c.sess.ExpireSending(c.cfg.SendTimeout) {
		c.notifyStateChange(ch)
		outs = append(outs, ch)
	}
	return outs
}

func (c *Coordinator) notifyStateChange(ch session.QuestionStateChanged) {
	switch {
	case ch.To == session.Sent && ch.Confirmed:
		if ch.MessageSaved {
			c.notifier.Notify(c.notification(notify.LevelInfo, "Question Sent Successfully",
				"Question has been saved and will be visible to patient.", ch.QuestionID))
		}
	case ch.To == session.Sent && !ch.PatientNotified:
		c.notifier.Notify(c.notification(notify.LevelWarning, "Question Saved But Patient Not Notified",
			"Question was saved successfully but patient is not currently connected.", ch.QuestionID))
	case ch.To == session.Pending && ch.TimedOut:
		c.notifier.Notify(c.notification(notify.LevelWarning, "Question Send Timed Out",
			"No confirmation received. The question can be sent again.", ch.QuestionID))
	case ch.To == session.Pending:
		msg := ch.Error
		if msg == "" {
			msg = "Could not save or send question."
		}
		c.notifier.Notify(c.notification(notify.LevelError, "Failed to Send Question", msg, ch.QuestionID))
	}
}

func (c *Coordinator) notification(level notify.Level, title, msg, details string) notify.Notification {
	return notify.Notification{Level: level, Title: title, Message: msg, Details: details, At: c.now()}
}
