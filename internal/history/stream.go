package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/medscribe/internal/dedup"
	"github.com/MrWong99/medscribe/internal/protocol"
	"github.com/MrWong99/medscribe/internal/session"
)

// Fetcher loads a full history over REST.
type Fetcher interface {
	FetchChatHistory(ctx context.Context, user string) ([]protocol.ChatMessage, error)
}

// Sender writes a control frame on the history socket.
type Sender interface {
	SendJSON(ctx context.Context, v any) error
}

// Option configures a [Stream].
type Option func(*Stream)

// WithClock overrides the time source used for duplicate suppression.
func WithClock(now func() time.Time) Option {
	return func(s *Stream) { s.now = now }
}

// WithDedup sets the duplicate cache. Default: [dedup.New] with defaults.
func WithDedup(c *dedup.Cache) Option {
	return func(s *Stream) { s.dedup = c }
}

// WithFetcher enables REST refreshes.
func WithFetcher(f Fetcher) Option {
	return func(s *Stream) { s.fetcher = f }
}

// WithSender enables pong replies.
func WithSender(snd Sender) Option {
	return func(s *Stream) { s.sender = snd }
}

// WithSession forwards saved questions to sess.
func WithSession(sess *session.Session) Option {
	return func(s *Stream) { s.sess = sess }
}

// WithOnChange registers fn to run after the store changed.
func WithOnChange(fn func()) Option {
	return func(s *Stream) { s.onChange = fn }
}

// Stream applies chat-history events for one user to a [Store].
type Stream struct {
	user     string
	store    *Store
	dedup    *dedup.Cache
	fetcher  Fetcher
	sender   Sender
	sess     *session.Session
	onChange func()
	now      func() time.Time
}

// NewStream returns a Stream for user writing into store.
func NewStream(user string, store *Store, opts ...Option) *Stream {
	s := &Stream{user: user, store: store, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.dedup == nil {
		s.dedup = dedup.New()
	}
	return s
}

// Store returns the backing store.
func (s *Stream) Store() *Store { return s.store }

// Run handles frames from msgs until the channel closes or ctx ends.
// Malformed frames are logged and skipped.
func (s *Stream) Run(ctx context.Context, msgs <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := s.Handle(ctx, data); err != nil {
				slog.Warn("history: frame not applied", "user", s.user, "err", err)
			}
		}
	}
}

// Handle applies one raw frame.
func (s *Stream) Handle(ctx context.Context, data []byte) error {
	ev, err := protocol.Parse(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			slog.Debug("history: unknown frame type ignored", "err", err)
			return nil
		}
		return err
	}
	return s.Apply(ctx, ev)
}

// Apply applies one parsed event.
func (s *Stream) Apply(ctx context.Context, ev protocol.Event) error {
	switch e := ev.(type) {
	case protocol.History:
		s.store.Replace(e.Messages, e.Summary)
		s.dedup.Reset()
		for _, m := range e.Messages {
			s.dedup.ShouldAccept(m.Content, string(m.Role), s.stamp(m))
		}
		slog.Debug("history: snapshot loaded", "user", s.user, "messages", len(e.Messages), "refresh", e.Refresh)
		s.publishSaved(e.Messages)
		s.changed()

	case protocol.NewMessage:
		m := e.Message
		if !s.dedup.ShouldAccept(m.Content, string(m.Role), s.stamp(m)) {
			slog.Debug("history: duplicate message suppressed", "user", s.user, "role", m.Role)
			return nil
		}
		s.store.Append(m)
		if len(m.GeneratedQuestions) > 0 {
			s.publishSaved(s.store.Messages())
		}
		s.changed()

	case protocol.Ping:
		if s.sender == nil {
			return nil
		}
		if err := s.sender.SendJSON(ctx, protocol.NewPong()); err != nil {
			return fmt.Errorf("history: pong: %w", err)
		}

	case protocol.SuggestionNotice, protocol.SessionFinalized:
		return s.Refresh(ctx)

	case protocol.ServerError:
		slog.Warn("history: backend error", "user", s.user, "message", e.Message)

	default:
		slog.Debug("history: event ignored", "type", ev.Type())
	}
	return nil
}

// AddLocal appends a message composed on this device before the backend has
// stored it. The duplicate cache is seeded so the backend's echo is
// suppressed. It returns false, storing nothing, when an identical message
// was seen within the duplicate window.
func (s *Stream) AddLocal(m protocol.ChatMessage) bool {
	if !s.dedup.ShouldAccept(m.Content, string(m.Role), s.stamp(m)) {
		slog.Debug("history: local message already present", "user", s.user, "role", m.Role)
		return false
	}
	s.store.Append(m)
	s.changed()
	return true
}

// RemoveLocal withdraws a message added by [Stream.AddLocal] whose save
// failed.
func (s *Stream) RemoveLocal(id string) bool {
	if !s.store.Remove(id) {
		return false
	}
	s.changed()
	return true
}

// Refresh reloads the full history over REST.
func (s *Stream) Refresh(ctx context.Context) error {
	if s.fetcher == nil {
		return nil
	}
	msgs, err := s.fetcher.FetchChatHistory(ctx, s.user)
	if err != nil {
		return fmt.Errorf("history: refresh: %w", err)
	}
	return s.Apply(ctx, protocol.History{Refresh: true, Messages: msgs})
}

// stamp is the time used for duplicate suppression: the message's own
// timestamp when it has one, otherwise arrival time.
func (s *Stream) stamp(m protocol.ChatMessage) time.Time {
	if !m.Timestamp.IsZero() {
		return m.Timestamp
	}
	return s.now()
}

func (s *Stream) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}

// publishSaved hands every saved question in msgs to the session as one
// batch, replacing the previous saved set. Questions of retired sessions
// and questions already being delivered are skipped.
func (s *Stream) publishSaved(msgs []protocol.ChatMessage) {
	if s.sess == nil {
		return
	}
	b := session.Batch{Source: session.SourceSaved}
	for _, m := range msgs {
		if m.SessionID != "" && s.sess.IsRetired(m.SessionID) {
			continue
		}
		for _, q := range m.GeneratedQuestions {
			if have, ok := s.sess.Question(q.ID); ok && have.State != session.Pending {
				continue
			}
			b.Items = append(b.Items, q.Text)
			b.IDs = append(b.IDs, q.ID)
			b.MessageIDs = append(b.MessageIDs, m.ID)
			if b.Priority == "" {
				b.Priority = q.Risk
			}
		}
	}
	qr, err := s.sess.ReplaceQuestions(b)
	if err != nil {
		slog.Debug("history: saved questions not applied", "err", err)
		return
	}
	if len(qr.Questions) > 0 || qr.Replaced > 0 {
		slog.Debug("history: saved questions updated", "count", len(qr.Questions), "replaced", qr.Replaced)
	}
}
