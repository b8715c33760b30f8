// Package audio defines the audio frame type, PCM16 helpers, and the narrow
// device interfaces used by the voice-call pipeline.
//
// The two device abstractions are:
//
//   - [Device] opens a microphone (or any other source) and returns a
//     [Capture] that delivers raw float blocks as the platform produces them.
//   - [Player] accepts decoded float samples from the voice service and
//     schedules them for immediate playback.
//
// Implementations live in sub-packages (audio/rawfile, audio/mock).
package audio

import "context"

// Capture is an open capture device. Blocks are normalised float samples in
// [-1, 1] at SampleRate, mono, in the block size chosen by the device.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	// Blocks returns the channel on which captured blocks arrive. It is
	// closed when the device stops producing audio (end of input or Close).
	Blocks() <-chan []float32

	// SampleRate returns the native sample rate of the delivered blocks.
	SampleRate() int

	// Close stops capture and releases the underlying device. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Device acquires capture handles.
type Device interface {
	// Open acquires the device. Errors are acquisition failures (permission
	// denied, device unavailable) and are not retried by callers.
	Open(ctx context.Context) (Capture, error)
}

// Player plays decoded audio from the remote service.
type Player interface {
	// Play schedules samples for playback and must return quickly.
	Play(samples []float32) error
}

// Discard is a [Player] that drops everything.
type Discard struct{}

// Play implements [Player].
func (Discard) Play([]float32) error { return nil }
