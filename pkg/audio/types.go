package audio

import (
	"encoding/binary"
	"time"
)

// Default capture parameters. The backend recogniser expects 16 kHz mono
// 16-bit PCM delivered in fixed windows of 2048 samples (128 ms).
const (
	DefaultSampleRate = 16000
	DefaultWindowSize = 2048
)

// Chunk is a single fixed-size window of encoded audio that passed the
// voice-activity gate. Chunks are immutable once encoded; the capture pipeline
// owns them until they are handed to the transport.
type Chunk struct {
	// Seq is the 1-based sequence number of the chunk within its session.
	// Strictly increasing for every chunk emitted by one session.
	Seq int

	// Elapsed is the time since the session started when the window was cut.
	Elapsed time.Duration

	// Peak is the maximum absolute amplitude of the window before encoding,
	// in the range [0, 1].
	Peak float64

	// Samples holds the signed 16-bit PCM samples, mono.
	Samples []int16
}

// Len returns the number of samples in the chunk.
func (c Chunk) Len() int { return len(c.Samples) }

// Bytes returns the chunk as raw little-endian 16-bit PCM, the exact payload of
// one binary transport frame. The returned slice is freshly allocated.
func (c Chunk) Bytes() []byte {
	buf := make([]byte, len(c.Samples)*2)
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// Format describes the sample rate and channel count of a sample stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16k is the format the capture pipeline produces.
var Mono16k = Format{SampleRate: DefaultSampleRate, Channels: 1}
