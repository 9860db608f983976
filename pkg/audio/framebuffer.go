package audio

import (
	"encoding/binary"
	"math"

	"github.com/smallnest/ringbuffer"
)

const bytesPerSample = 4

// FrameBuffer accumulates float samples delivered in arbitrarily sized blocks
// and releases them as fixed-size windows, oldest first.
//
// The backing store is a bounded non-blocking ring. When a push would exceed
// the capacity, the oldest buffered samples are discarded to make room, so the
// audio context never blocks on a slow consumer.
//
// FrameBuffer is not safe for concurrent use; the capture pipeline serialises
// access.
type FrameBuffer struct {
	window int
	rb     *ringbuffer.RingBuffer

	scratch []byte
	out     []float32
	dropped int
}

// NewFrameBuffer creates a buffer releasing windows of window samples and
// holding at most capacityWindows windows. capacityWindows below 2 is raised
// to 2 so a full window plus a partial block always fits.
func NewFrameBuffer(window, capacityWindows int) *FrameBuffer {
	if window <= 0 {
		window = DefaultWindowSize
	}
	if capacityWindows < 2 {
		capacityWindows = 2
	}
	return &FrameBuffer{
		window:  window,
		rb:      ringbuffer.New(window * capacityWindows * bytesPerSample).SetBlocking(false),
		scratch: make([]byte, window*bytesPerSample),
		out:     make([]float32, window),
	}
}

// Window returns the window size in samples.
func (b *FrameBuffer) Window() int { return b.window }

// Len returns the number of buffered samples.
func (b *FrameBuffer) Len() int { return b.rb.Length() / bytesPerSample }

// Dropped returns the total number of samples discarded because of overflow
// since construction or the last [FrameBuffer.Reset].
func (b *FrameBuffer) Dropped() int { return b.dropped }

// Push appends samples to the buffer. It returns the number of older samples
// discarded to make room. An empty block is a no-op.
func (b *FrameBuffer) Push(samples []float32) int {
	if len(samples) == 0 {
		return 0
	}
	capSamples := b.rb.Capacity() / bytesPerSample
	var dropped int
	if len(samples) > capSamples {
		dropped += len(samples) - capSamples
		samples = samples[len(samples)-capSamples:]
	}

	data := make([]byte, len(samples)*bytesPerSample)
	for i, v := range samples {
		binary.LittleEndian.PutUint32(data[i*bytesPerSample:], math.Float32bits(v))
	}

	if need := len(data) - b.rb.Free(); need > 0 {
		discard := make([]byte, need)
		n, _ := b.rb.Read(discard)
		dropped += n / bytesPerSample
	}
	if _, err := b.rb.Write(data); err != nil {
		// Space was reserved above; a failure here means the ring is in an
		// inconsistent state, so start over with the new block.
		b.rb.Reset()
		_, _ = b.rb.Write(data)
	}
	b.dropped += dropped
	return dropped
}

// Next slices off exactly one window if enough samples are buffered. The
// returned slice is reused by the next call; callers that retain it must copy.
func (b *FrameBuffer) Next() ([]float32, bool) {
	if b.rb.Length() < len(b.scratch) {
		return nil, false
	}
	n, err := b.rb.Read(b.scratch)
	if err != nil || n != len(b.scratch) {
		return nil, false
	}
	for i := range b.out {
		b.out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b.scratch[i*bytesPerSample:]))
	}
	return b.out, true
}

// Reset discards all buffered samples and clears the drop counter.
func (b *FrameBuffer) Reset() {
	b.rb.Reset()
	b.dropped = 0
}
