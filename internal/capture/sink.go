package capture

import (
	"sync/atomic"

	"github.com/MrWong99/medscribe/pkg/audio"
)

// Sink receives the pipeline's output. Implementations are called from the
// audio context and must not block: a slow sink drops rather than waits.
type Sink interface {
	// SendChunk hands over one accepted, encoded chunk.
	SendChunk(chunk audio.Chunk)

	// LimitReached reports that the session hit a capture ceiling. It is
	// called at most once per session.
	LimitReached(notice LimitNotice)
}

// Output is one message of a [ChannelSink]: exactly one field is set.
type Output struct {
	Chunk *audio.Chunk
	Limit *LimitNotice
}

// ChannelSink forwards pipeline output over a buffered channel, giving the
// one-directional hand-off from the audio context to the rest of the client.
// When the channel is full, chunks are dropped and counted. Limit notices are
// delivered even when the buffer is full by evicting the oldest queued chunk.
type ChannelSink struct {
	ch      chan Output
	dropped atomic.Int64
}

// NewChannelSink returns a sink with the given channel buffer, at least 1.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSink{ch: make(chan Output, buffer)}
}

// Out returns the receive side of the sink.
func (s *ChannelSink) Out() <-chan Output { return s.ch }

// Dropped returns the number of chunks discarded because the buffer was full.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

// SendChunk implements [Sink].
func (s *ChannelSink) SendChunk(chunk audio.Chunk) {
	select {
	case s.ch <- Output{Chunk: &chunk}:
	default:
		s.dropped.Add(1)
	}
}

// LimitReached implements [Sink].
func (s *ChannelSink) LimitReached(notice LimitNotice) {
	out := Output{Limit: &notice}
	for {
		select {
		case s.ch <- out:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

var _ Sink = (*ChannelSink)(nil)
