// Package wavsource implements [audio.Source] on top of a WAV file, decoded
// and resampled to 16 kHz mono with gopxl/beep.
//
// It stands in for a microphone when driving the client headless: recorded
// consultations can be replayed through the exact capture path a live device
// uses.
package wavsource

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/MrWong99/medscribe/pkg/audio"
)

// DefaultBlockSize matches the render quantum of browser audio worklets.
const DefaultBlockSize = 128

// resampleQuality is the beep interpolation quality (1..64).
const resampleQuality = 4

// Option configures a [Source].
type Option func(*Source)

// WithBlockSize sets the number of samples per delivered block.
func WithBlockSize(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.blockSize = n
		}
	}
}

// WithRealtime paces delivery to wall-clock time so the stream behaves like a
// live device. Without it, blocks are delivered as fast as the reader drains
// them.
func WithRealtime(enabled bool) Option {
	return func(s *Source) { s.realtime = enabled }
}

// WithBuffer sets the block channel buffer size.
func WithBuffer(n int) Option {
	return func(s *Source) {
		if n >= 0 {
			s.buffer = n
		}
	}
}

// Source opens a WAV file as a capture stream.
type Source struct {
	path      string
	blockSize int
	realtime  bool
	buffer    int
}

// New returns a Source reading the WAV file at path.
func New(path string, opts ...Option) *Source {
	s := &Source{
		path:      path,
		blockSize: DefaultBlockSize,
		buffer:    32,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open implements [audio.Source].
func (s *Source) Open(ctx context.Context) (audio.Stream, error) {
	f, err := os.Open(s.path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("wavsource: open %q: %w: %w", s.path, audio.ErrPermissionDenied, err)
		default:
			return nil, fmt.Errorf("wavsource: open %q: %w: %w", s.path, audio.ErrDeviceUnavailable, err)
		}
	}

	decoded, format, err := wav.Decode(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wavsource: decode %q: %w: %w", s.path, audio.ErrDeviceUnavailable, err)
	}

	var streamer beep.Streamer = decoded
	target := beep.SampleRate(audio.DefaultSampleRate)
	if format.SampleRate != target {
		slog.Debug("wavsource: resampling",
			"path", s.path,
			"from", int(format.SampleRate),
			"to", int(target),
		)
		streamer = beep.Resample(resampleQuality, format.SampleRate, target, streamer)
	}

	st := &stream{
		src:      streamer,
		closer:   decoded,
		blocks:   make(chan []float32, s.buffer),
		done:     make(chan struct{}),
		size:     s.blockSize,
		realtime: s.realtime,
		interval: target.D(s.blockSize),
	}
	st.wg.Add(1)
	go st.pump(ctx)
	return st, nil
}

type stream struct {
	src      beep.Streamer
	closer   beep.StreamSeekCloser
	blocks   chan []float32
	done     chan struct{}
	size     int
	realtime bool
	interval time.Duration

	once sync.Once
	wg   sync.WaitGroup
}

func (s *stream) Blocks() <-chan []float32 { return s.blocks }

func (s *stream) Format() audio.Format { return audio.Mono16k }

func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.closer.Close()
	})
	return err
}

// pump reads the decoded file and delivers mono blocks until EOF or close.
func (s *stream) pump(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.blocks)

	var tick <-chan time.Time
	if s.realtime {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		tick = t.C
	}

	frames := make([][2]float64, s.size)
	for {
		n, ok := s.src.Stream(frames)
		if n > 0 {
			block := make([]float32, n)
			for i := range n {
				block[i] = float32((frames[i][0] + frames[i][1]) / 2)
			}
			select {
			case s.blocks <- block:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
		if !ok {
			if err := s.src.Err(); err != nil {
				slog.Warn("wavsource: stream error", "err", err)
			}
			return
		}
		if tick != nil {
			select {
			case <-tick:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

var _ audio.Source = (*Source)(nil)
