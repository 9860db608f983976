// Package app wires the medscribe client together.
//
// [New] builds every subsystem from the config: the capture pipeline, the
// recognition, doctor and chat-history sockets, the transcription session,
// the question coordinator and the REST client. [App.Run] connects the
// sockets and processes events until its context ends. [App.StartRecording]
// and [App.StopRecording] drive the audio source.
//
// For testing, inject doubles via functional options (WithAudioSource,
// WithNotifier, WithDialOptions, ...).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/medscribe/internal/api"
	"github.com/MrWong99/medscribe/internal/capture"
	"github.com/MrWong99/medscribe/internal/config"
	"github.com/MrWong99/medscribe/internal/coordinator"
	"github.com/MrWong99/medscribe/internal/dedup"
	"github.com/MrWong99/medscribe/internal/history"
	"github.com/MrWong99/medscribe/internal/notify"
	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/internal/protocol"
	"github.com/MrWong99/medscribe/internal/session"
	"github.com/MrWong99/medscribe/internal/transport"
	"github.com/MrWong99/medscribe/pkg/audio"
	"github.com/MrWong99/medscribe/pkg/audio/wavsource"
)

const (
	defaultTickInterval = 250 * time.Millisecond
	sinkBuffer          = 64
)

// Socket names, also the path segment after /ws/.
const (
	SocketRecognize   = "recognize"
	SocketDoctor      = "doctor"
	SocketChatHistory = "chat_history"
)

var (
	ErrAlreadyRecording = errors.New("app: already recording")
	ErrNotRecording     = errors.New("app: not recording")
	ErrNoAudioSource    = errors.New("app: no audio source configured")
)

// Option is a functional option for [New].
type Option func(*App)

// WithAudioSource replaces the WAV source built from audio.source.
func WithAudioSource(src audio.Source) Option {
	return func(a *App) { a.source = src }
}

// WithNotifier receives user-facing notifications. Default: [notify.Log].
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMetrics sets the instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads change the level of the running logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithDialOptions passes opts to every socket dial.
func WithDialOptions(opts ...transport.DialOption) Option {
	return func(a *App) { a.dialOpts = append(a.dialOpts, opts...) }
}

// WithTickInterval sets how often time-based session rules run.
func WithTickInterval(d time.Duration) Option {
	return func(a *App) {
		if d > 0 {
			a.tick = d
		}
	}
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	metrics  *observe.Metrics
	notifier notify.Notifier
	level    *slog.LevelVar
	source   audio.Source
	dialOpts []transport.DialOption
	tick     time.Duration

	api      *api.Client
	sess     *session.Session
	coord    *coordinator.Coordinator
	history  *history.Stream
	sink     *capture.ChannelSink
	pipeline *capture.Pipeline

	recognition *transport.Client
	doctor      *transport.Client // nil in patient mode
	chat        *transport.Client

	// ctx bounds background work started outside Run, such as recordings.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	recording *recording

	stopOnce sync.Once
}

type recording struct {
	sessionID string
	stream    audio.Stream
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds an App from cfg. It does not connect; see [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg.User.Name == "" {
		return nil, errors.New("app: user.name is required")
	}
	a := &App{
		cfg:      cfg,
		notifier: notify.Log{},
		tick:     defaultTickInterval,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.source == nil && cfg.Audio.Source != "" {
		a.source = wavsource.New(cfg.Audio.Source, wavsource.WithRealtime(cfg.Audio.Realtime))
	}

	var err error
	a.api, err = api.New(api.Config{
		BaseURL:           cfg.Backend.APIURL,
		Timeout:           cfg.Backend.HTTPTimeout,
		GenerationTimeout: cfg.Backend.GenerationTimeout,
		PatientID:         cfg.PatientKey(),
	}, api.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a.sess = session.New(session.Config{
		Mode:              cfg.User.Mode,
		MaxDisplayLength:  cfg.Session.MaxDisplayLength,
		SpeakerClearAfter: cfg.Session.SpeakerClearAfter,
	}, session.WithMetrics(a.metrics))

	a.recognition = a.newSocket(SocketRecognize)
	if cfg.User.Mode == protocol.RoleDoctor {
		a.doctor = a.newSocket(SocketDoctor)
	}
	a.chat = a.newSocket(SocketChatHistory)

	store := history.NewStore()
	a.coord = coordinator.New(coordinator.Config{
		MinQuestionLength:   cfg.Coordinator.MinQuestionLength,
		MinSuggestionLength: cfg.Session.MinTextLength,
		Throttle:            cfg.Coordinator.Throttle,
		SendTimeout:         cfg.Coordinator.SendTimeout,
		RequestTimeout:      cfg.Backend.GenerationTimeout,
		RagType:             cfg.Coordinator.RagType,
		AutoQuestions:       cfg.Coordinator.AutoQuestions,
		AutoSuggestions:     cfg.Coordinator.AutoSuggestions,
	}, a.sess, a.api,
		coordinator.WithNotifier(a.notifier),
		coordinator.WithMetrics(a.metrics),
		coordinator.WithSender(a.controlSocket()),
		coordinator.WithMessages(store),
	)

	a.history = history.NewStream(cfg.User.Name, store,
		history.WithDedup(dedup.New(
			dedup.WithWindow(cfg.Dedup.Window),
			dedup.WithCapacity(cfg.Dedup.Capacity),
			dedup.WithMetrics(a.metrics),
		)),
		history.WithFetcher(a.api),
		history.WithSender(a.chat),
		history.WithSession(a.sess),
	)

	thresholds := cfg.Audio.Thresholds
	a.sink = capture.NewChannelSink(sinkBuffer)
	a.pipeline = capture.New(capture.Config{
		Window:      cfg.Audio.WindowSize,
		MaxDuration: cfg.Audio.MaxDuration,
		MaxChunks:   cfg.Audio.MaxChunks,
		Thresholds:  &thresholds,
	}, a.sink, capture.WithMetrics(a.metrics))

	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

// SocketURL returns the endpoint of the named socket for the configured user.
func (a *App) SocketURL(name string) string {
	return strings.TrimRight(a.cfg.Backend.WSURL, "/") + "/ws/" + name + "/" + url.PathEscape(a.cfg.User.Name)
}

func (a *App) newSocket(name string) *transport.Client {
	rc := transport.NewReconnector(transport.ReconnectConfig{
		MaxRetries: a.cfg.Reconnect.MaxRetries,
		Backoff:    a.cfg.Reconnect.Backoff,
		MaxBackoff: a.cfg.Reconnect.MaxBackoff,
	}, transport.WithReconnectMetrics(a.metrics))
	return transport.NewClient(a.SocketURL(name),
		transport.WithDialOptions(a.dialOpts...),
		transport.WithReconnector(rc),
		transport.WithMetrics(a.metrics),
		transport.WithStatusHook(func(s transport.Status) { a.socketStatus(name, s) }),
	)
}

// controlSocket carries doctor_question frames: the doctor socket in doctor
// mode, the recognition socket otherwise.
func (a *App) controlSocket() *transport.Client {
	if a.doctor != nil {
		return a.doctor
	}
	return a.recognition
}

func (a *App) socketStatus(name string, s transport.Status) {
	slog.Info("app: socket status", "socket", name, "status", s)
	switch s {
	case transport.StatusReconnecting:
		a.notifier.Notify(notify.Notification{
			Level:   notify.LevelWarning,
			Title:   "Connection Interrupted",
			Message: "Reconnecting to the " + strings.ReplaceAll(name, "_", " ") + " service.",
			At:      time.Now(),
		})
	case transport.StatusError:
		a.notifier.Notify(notify.Notification{
			Level:   notify.LevelError,
			Title:   "Connection Lost",
			Message: "Could not reach the " + strings.ReplaceAll(name, "_", " ") + " service after several attempts.",
			At:      time.Now(),
		})
	}
}

// Session returns the transcription session.
func (a *App) Session() *session.Session { return a.sess }

// Coordinator returns the question coordinator.
func (a *App) Coordinator() *coordinator.Coordinator { return a.coord }

// History returns the chat-history store.
func (a *App) History() *history.Store { return a.history.Store() }

// API returns the REST client.
func (a *App) API() *api.Client { return a.api }

// Run connects all sockets and processes events until ctx is cancelled,
// [App.Shutdown] is called, or a socket exhausts its reconnect attempts.
// It returns nil on cancellation.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.recognition.Run(ctx) })
	g.Go(func() error { return a.events(ctx, SocketRecognize, a.recognition) })
	if a.doctor != nil {
		g.Go(func() error { return a.doctor.Run(ctx) })
		g.Go(func() error { return a.events(ctx, SocketDoctor, a.doctor) })
	}
	g.Go(func() error { return a.chat.Run(ctx) })
	g.Go(func() error { return a.history.Run(ctx, a.chat.Messages()) })
	g.Go(func() error { return a.pumpAudio(ctx) })
	g.Go(func() error { return a.tickLoop(ctx) })
	if a.cfg.Server.ListenAddr != "" {
		g.Go(func() error { return a.serveOps(ctx) })
	}

	slog.Info("app: running",
		"user", a.cfg.User.Name,
		"mode", a.cfg.User.Mode,
		"recognize_url", a.recognition.URL(),
	)
	err := g.Wait()
	a.coord.Wait()
	return err
}

// events applies inbound frames from one socket until its message channel
// closes.
func (a *App) events(ctx context.Context, name string, c *transport.Client) error {
	for data := range c.Messages() {
		a.handleFrame(ctx, name, c, data)
	}
	return nil
}

func (a *App) handleFrame(ctx context.Context, name string, c *transport.Client, data []byte) {
	ev, err := protocol.Parse(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			slog.Debug("app: unknown frame type ignored", "socket", name, "err", err)
			return
		}
		slog.Warn("app: malformed frame", "socket", name, "err", err)
		return
	}

	switch e := ev.(type) {
	case protocol.Ping:
		if err := c.SendJSON(ctx, protocol.NewPong()); err != nil {
			slog.Debug("app: pong failed", "socket", name, "err", err)
		}
		return
	case protocol.PongEvent:
		return
	case protocol.SuggestionNotice:
		a.refreshHistory(ctx)
		return
	case protocol.ServerError:
		a.notifier.Notify(notify.Notification{
			Level:   notify.LevelError,
			Title:   "Server Error",
			Message: e.Message,
			At:      time.Now(),
		})
		return
	}

	outs := a.sess.Apply(ev)
	a.coord.React(ctx, outs)
	if _, ok := ev.(protocol.SessionFinalized); ok {
		a.refreshHistory(ctx)
	}
}

func (a *App) refreshHistory(ctx context.Context) {
	if err := a.history.Refresh(ctx); err != nil {
		slog.Warn("app: history refresh failed", "err", err)
	}
}

// pumpAudio moves capture output onto the recognition socket.
func (a *App) pumpAudio(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case out := <-a.sink.Out():
			switch {
			case out.Chunk != nil:
				if err := a.recognition.SendChunk(ctx, *out.Chunk); err != nil {
					slog.Debug("app: chunk not sent", "seq", out.Chunk.Seq, "err", err)
				}
			case out.Limit != nil:
				a.notifier.Notify(notify.Notification{
					Level:   notify.LevelWarning,
					Title:   "Recording Limit Reached",
					Message: out.Limit.Message(),
					At:      time.Now(),
				})
			}
		}
	}
}

func (a *App) tickLoop(ctx context.Context) error {
	t := time.NewTicker(a.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			for _, o := range a.coord.Tick() {
				slog.Debug("app: timed outcome", "kind", o.Kind())
			}
		}
	}
}

// StartRecording opens the audio source and begins a new session. Resource
// errors from the source (permission, device) are returned unchanged in the
// wrap chain and leave the session idle.
func (a *App) StartRecording(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.recording != nil {
		return "", ErrAlreadyRecording
	}
	if a.source == nil {
		return "", ErrNoAudioSource
	}
	stream, err := a.source.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("app: open audio source: %w", err)
	}

	id, _ := a.sess.Start()
	a.pipeline.Reset()
	a.pipeline.Start()

	rctx, cancel := context.WithCancel(observe.WithSession(a.ctx, id))
	rec := &recording{sessionID: id, stream: stream, cancel: cancel, done: make(chan struct{})}
	a.recording = rec

	go func() {
		err := a.pipeline.Run(rctx, stream)
		close(rec.done)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Warn("app: audio stream failed", "session_id", id, "err", err)
			}
			return
		}
		slog.Info("app: audio source ended", "session_id", id)
		a.mu.Lock()
		mine := a.recording == rec
		if mine {
			a.recording = nil
		}
		a.mu.Unlock()
		if mine {
			a.finish(rec)
		}
	}()

	slog.Info("app: recording started", "session_id", id)
	return id, nil
}

// StopRecording halts capture and ends the session, returning its snapshot.
// The user's own speech from the recording is saved to the conversation
// before it returns.
func (a *App) StopRecording() (session.Snapshot, error) {
	a.mu.Lock()
	rec := a.recording
	a.recording = nil
	a.mu.Unlock()

	if rec == nil {
		return session.Snapshot{}, ErrNotRecording
	}
	return a.finish(rec), nil
}

// Recording reports whether audio is being captured.
func (a *App) Recording() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recording != nil
}

func (a *App) finish(rec *recording) session.Snapshot {
	a.pipeline.Halt()
	rec.cancel()
	if err := rec.stream.Close(); err != nil {
		slog.Debug("app: close audio stream", "err", err)
	}
	<-rec.done

	snap, _ := a.sess.Stop()
	stats := a.pipeline.Stats()
	slog.Info("app: recording stopped",
		"session_id", rec.sessionID,
		"chunks_sent", stats.ChunksSent,
		"chunks_dropped", stats.ChunksDropped,
	)
	a.saveOwnSpeech(rec.sessionID, snap.OwnText)
	return snap
}

// ApplyConfig applies the reloadable fields of a changed config.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.ThrottleChanged {
		a.coord.SetThrottle(d.NewThrottle)
		slog.Info("app: generation throttle changed", "throttle", d.NewThrottle)
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if !config.Reloadable(old, new) {
		slog.Warn("app: some configuration changes need a restart", "sections", d.Sections)
	}
}

// SlogLevel maps a config level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Shutdown stops any recording, cancels background work and waits for
// in-flight generation requests, up to ctx's deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down")
		if _, stopErr := a.StopRecording(); stopErr != nil && !errors.Is(stopErr, ErrNotRecording) {
			slog.Warn("app: stop recording", "err", stopErr)
		}
		a.cancel()
		a.coord.Close()

		done := make(chan struct{})
		go func() {
			a.coord.Wait()
			close(done)
		}()
		select {
		case <-done:
			slog.Info("app: shutdown complete")
		case <-ctx.Done():
			slog.Warn("app: shutdown deadline exceeded")
			err = ctx.Err()
		}
	})
	return err
}
