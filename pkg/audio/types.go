package audio

import "time"

// Default stream parameters for the voice service.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
)

// AudioFrame is one fixed-length block of PCM16 audio on its way from the
// capture device to the voice service. Frames are produced by the signal
// processor, tagged by the VAD, sent once by the transport, and then
// discarded.
type AudioFrame struct {
	// Data is little-endian signed 16-bit PCM.
	Data []byte

	// SampleRate in Hz (16000 by default).
	SampleRate int

	// Channels is 1 for mono.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration

	// Seq is the capture sequence number, starting at 0 for each capture and
	// increasing across recording pauses.
	Seq uint64

	// Voiced is set by the signal processor when the block is loud enough to
	// be speech or falls inside the trailing-silence window. Only voiced
	// frames are transmitted.
	Voiced bool

	// Speaking is the VAD judgement for this frame, set on the control side.
	Speaking bool
}

// Samples returns the number of samples per channel in the frame.
func (f AudioFrame) Samples() int {
	if f.Channels <= 0 {
		return len(f.Data) / 2
	}
	return len(f.Data) / 2 / f.Channels
}

// Duration returns how much audio the frame holds, or 0 without a sample
// rate.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
