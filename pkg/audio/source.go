// Package audio defines the sample-level types and primitives of the capture
// path: float sample blocks delivered by a platform [Source], the
// [FrameBuffer] that re-windows them, 16-bit PCM encoding, and the encoded
// [Chunk] handed to the transport.
//
// Platform adapters (microphone bindings, file sources, test doubles) implement
// [Source] and [Stream]. The package lives under pkg/ so such adapters can be
// written outside this module.
package audio

import (
	"context"
	"errors"
)

// Resource errors. Both are fatal to the session that requested the stream:
// recording cannot proceed until the user acts.
var (
	// ErrPermissionDenied is returned when the platform refuses access to the
	// input device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is returned when no usable input device exists.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
)

// Source opens input streams from a capture device.
type Source interface {
	// Open acquires the input device and starts delivering sample blocks.
	// It returns an error wrapping [ErrPermissionDenied] or
	// [ErrDeviceUnavailable] when the device cannot be used.
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open capture stream.
//
// Blocks are delivered on a dedicated goroutine, separate from whatever
// consumes them. Block size is chosen by the platform and may vary between
// deliveries. The channel is closed when the stream ends, either because the
// device stopped or because [Stream.Close] was called.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Blocks returns the channel of mono float sample blocks in [-1, 1].
	Blocks() <-chan []float32

	// Format reports the format of the delivered blocks.
	Format() Format

	// Close releases the input device. It is idempotent and returns once the
	// device has been released.
	Close() error
}
