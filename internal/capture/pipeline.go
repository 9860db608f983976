// Package capture turns a stream of platform sample blocks into voice-gated,
// PCM-encoded audio chunks.
//
// A [Pipeline] re-windows incoming blocks through an [audio.FrameBuffer],
// classifies every window with the authoritative VAD rule, encodes accepted
// windows to 16-bit PCM, and hands them to a [Sink]. A [DurationGuard] caps
// each session by age and chunk count; when a ceiling is hit the pipeline
// emits a single [LimitNotice] and ignores audio until the next session.
//
// The pipeline never blocks on and never learns about the network. Malformed
// or empty blocks are ignored.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/pkg/audio"
	"github.com/MrWong99/medscribe/pkg/vad"
)

// Default session ceilings.
const (
	DefaultMaxDuration = 15 * time.Second
	DefaultMaxChunks   = 300
)

// Log sampling intervals for the audio context.
const (
	logEveryDropped = 20
	logEveryBlocks  = 50
)

// Config configures a [Pipeline]. Zero fields take the defaults.
type Config struct {
	// Window is the chunk size in samples. Default: 2048.
	Window int

	// BufferWindows bounds the frame buffer in windows. Default: 8.
	BufferWindows int

	// MaxDuration is the session age ceiling. Default: 15s.
	MaxDuration time.Duration

	// MaxChunks is the per-session chunk ceiling. Default: 300.
	MaxChunks int

	// Thresholds are the VAD parameters. Default: [vad.DefaultThresholds].
	Thresholds *vad.Thresholds
}

func (c *Config) withDefaults() {
	if c.Window <= 0 {
		c.Window = audio.DefaultWindowSize
	}
	if c.BufferWindows <= 0 {
		c.BufferWindows = 8
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = DefaultMaxChunks
	}
	if c.Thresholds == nil {
		t := vad.DefaultThresholds()
		c.Thresholds = &t
	}
}

// Stats is a snapshot of the current session's capture counters.
type Stats struct {
	BlocksProcessed   int
	SpeechBlocks      int
	ChunksSent        int
	ChunksDropped     int
	SamplesOverflowed int
	Elapsed           time.Duration
	LastPeak          float64
	Running           bool
	LimitReached      bool
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithClock sets the time source. Default: [time.Now].
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithMetrics records capture metrics into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline is the audio capture path of one client. Sessions are delimited by
// [Pipeline.Start] and [Pipeline.Halt]; blocks arriving outside a session are
// ignored.
//
// All methods are safe for concurrent use. [Pipeline.Process] is meant to run
// on the audio goroutine; Start, Halt and Stats may be called from anywhere.
type Pipeline struct {
	cfg     Config
	vad     *vad.Classifier
	sink    Sink
	now     func() time.Time
	metrics *observe.Metrics

	mu      sync.Mutex
	buf     *audio.FrameBuffer
	guard   *DurationGuard
	running bool
	stats   Stats
}

// New creates a Pipeline delivering to sink.
func New(cfg Config, sink Sink, opts ...Option) *Pipeline {
	cfg.withDefaults()
	p := &Pipeline{
		cfg:  cfg,
		vad:  vad.New(*cfg.Thresholds),
		sink: sink,
		now:  time.Now,
		buf:  audio.NewFrameBuffer(cfg.Window, cfg.BufferWindows),
	}
	for _, o := range opts {
		o(p)
	}
	p.guard = NewDurationGuard(cfg.MaxDuration, cfg.MaxChunks)
	return p
}

// Start resets all per-session state and begins accepting audio.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	p.guard.Start(p.now())
	p.running = true
	slog.Debug("capture: session started",
		"window", p.cfg.Window,
		"max_duration", p.cfg.MaxDuration,
		"max_chunks", p.cfg.MaxChunks,
	)
}

// Halt stops chunk emission. Once Halt returns, no further chunk reaches the
// sink until the next Start.
func (p *Pipeline) Halt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	p.buf.Reset()
	slog.Debug("capture: session halted",
		"chunks_sent", p.stats.ChunksSent,
		"chunks_dropped", p.stats.ChunksDropped,
	)
}

// Reset clears the buffer, counters and guard without changing whether the
// pipeline is running. A running pipeline restarts its session clock.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	if p.running {
		p.guard.Start(p.now())
	}
}

func (p *Pipeline) resetLocked() {
	p.buf.Reset()
	p.guard.Start(time.Time{})
	p.stats = Stats{}
}

// Running reports whether a session is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns a snapshot of the session counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Running = p.running
	s.LimitReached = p.guard.Tripped()
	if p.running {
		s.Elapsed = p.guard.Elapsed(p.now())
	}
	return s
}

// Process consumes one platform block.
func (p *Pipeline) Process(block []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || len(block) == 0 {
		return
	}
	ctx := context.Background()
	now := p.now()
	p.stats.BlocksProcessed++
	p.stats.Elapsed = p.guard.Elapsed(now)

	if ok, notice, first := p.guard.Admit(now); !ok {
		if first {
			p.limitLocked(ctx, notice)
		}
		return
	}

	if p.vad.Screen(block).IsSpeech {
		p.stats.SpeechBlocks++
	}
	if n := p.buf.Push(block); n > 0 {
		p.stats.SamplesOverflowed += n
		p.metrics.RecordChunkDropped(ctx, "overflow")
	}

	for {
		window, ok := p.buf.Next()
		if !ok {
			break
		}
		r := p.vad.Classify(window)
		if !r.IsSpeech {
			p.stats.ChunksDropped++
			p.metrics.RecordChunkDropped(ctx, "silence")
			if p.stats.ChunksDropped%logEveryDropped == 0 {
				slog.Debug("capture: windows rejected by VAD",
					"dropped", p.stats.ChunksDropped,
					"peak", r.MaxAmplitude,
					"above_ratio", r.AboveThresholdRatio,
					"avg", r.AverageAmplitude,
				)
			}
			continue
		}

		if ok, notice, first := p.guard.Admit(now); !ok {
			if first {
				p.limitLocked(ctx, notice)
			}
			p.buf.Reset()
			return
		}

		seq := p.guard.Record()
		p.sink.SendChunk(audio.Chunk{
			Seq:     seq,
			Elapsed: p.guard.Elapsed(now),
			Peak:    r.MaxAmplitude,
			Samples: audio.EncodePCM16(window),
		})
		p.stats.ChunksSent = seq
		p.stats.LastPeak = r.MaxAmplitude
		p.metrics.RecordChunkSent(ctx, r.MaxAmplitude)
	}

	if p.stats.BlocksProcessed%logEveryBlocks == 0 {
		slog.Debug("capture: progress",
			"blocks", p.stats.BlocksProcessed,
			"speech_blocks", p.stats.SpeechBlocks,
			"chunks_sent", p.stats.ChunksSent,
			"buffered", p.buf.Len(),
			"elapsed", p.stats.Elapsed,
		)
	}
}

func (p *Pipeline) limitLocked(ctx context.Context, notice LimitNotice) {
	slog.Info("capture: session limit reached",
		"kind", notice.Kind,
		"elapsed", notice.Elapsed,
		"chunks_sent", notice.ChunksSent,
	)
	p.buf.Reset()
	p.metrics.RecordLimitReached(ctx, string(notice.Kind))
	p.metrics.RecordChunkDropped(ctx, "limit")
	p.sink.LimitReached(notice)
}

// Run feeds blocks from stream into the pipeline until the stream closes or
// ctx is cancelled. It returns nil when the stream ends. Stereo streams are
// downmixed; other sample rates are passed through with a warning since the
// backend expects 16 kHz.
func (p *Pipeline) Run(ctx context.Context, stream audio.Stream) error {
	f := stream.Format()
	if f.SampleRate != 0 && f.SampleRate != audio.DefaultSampleRate {
		slog.Warn("capture: stream sample rate differs from 16 kHz",
			"sample_rate", f.SampleRate,
		)
	}
	stereo := f.Channels == 2
	blocks := stream.Blocks()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case block, ok := <-blocks:
			if !ok {
				return nil
			}
			if stereo {
				block = audio.DownmixStereo(block)
			}
			p.Process(block)
		}
	}
}
