// Package vad implements an energy-based voice activity detector with an
// adaptive noise floor.
//
// A [Detector] first listens for a calibration window and records the loudest
// frame it hears as the noise floor. After calibration the speech threshold
// is fixed at max(MinThreshold, noiseFloor × NoiseMultiplier) until [Detector.Reset]
// is called. No frequency analysis is performed; energies are plain RMS
// values in [0, 1].
//
// A Detector holds per-call state and is not safe for concurrent use. Create
// one per call, or call Reset before reusing it for a new call. Reuse without
// Reset is a caller error and is not detected.
package vad

import (
	"math"
	"time"

	"github.com/MrWong99/voicecall/pkg/audio"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultFrameDuration   = 20 * time.Millisecond
	DefaultCalibration     = 2 * time.Second
	DefaultEndOfSpeech     = 500 * time.Millisecond
	DefaultMinThreshold    = 0.01
	DefaultNoiseMultiplier = 3.0
)

// Config tunes a [Detector].
type Config struct {
	// FrameDuration is the length of one frame passed to Process.
	FrameDuration time.Duration

	// Calibration is how much audio is used to estimate the noise floor.
	Calibration time.Duration

	// EndOfSpeech is how much consecutive silence ends an utterance.
	EndOfSpeech time.Duration

	// MinThreshold is the lowest speech threshold calibration may settle on.
	MinThreshold float64

	// NoiseMultiplier scales the noise floor into the speech threshold.
	NoiseMultiplier float64
}

func (c Config) withDefaults() Config {
	if c.FrameDuration <= 0 {
		c.FrameDuration = DefaultFrameDuration
	}
	if c.Calibration <= 0 {
		c.Calibration = DefaultCalibration
	}
	if c.EndOfSpeech <= 0 {
		c.EndOfSpeech = DefaultEndOfSpeech
	}
	if c.MinThreshold <= 0 {
		c.MinThreshold = DefaultMinThreshold
	}
	if c.NoiseMultiplier <= 0 {
		c.NoiseMultiplier = DefaultNoiseMultiplier
	}
	return c
}

// frames converts d into a whole number of frames, rounding up.
func (c Config) frames(d time.Duration) int {
	n := int((d + c.FrameDuration - 1) / c.FrameDuration)
	return max(n, 1)
}

// Result is the judgement for one frame.
type Result struct {
	IsSpeaking   bool
	Energy       float64
	Confidence   float64
	SilenceCount int
}

// Detector classifies frames as speech or silence.
type Detector struct {
	cfg               Config
	calibrationFrames int
	endOfSpeechFrames int

	calibrating bool
	calibrated  int
	noiseFloor  float64
	threshold   float64
	silence     int
	processed   uint64
}

// New returns a Detector in its calibrating state.
func New(cfg Config) *Detector {
	cfg = cfg.withDefaults()
	d := &Detector{
		cfg:               cfg,
		calibrationFrames: cfg.frames(cfg.Calibration),
		endOfSpeechFrames: cfg.frames(cfg.EndOfSpeech),
	}
	d.Reset()
	return d
}

// Process classifies one frame of 16-bit samples.
func (d *Detector) Process(frame []int16) Result {
	return d.classify(energy(frame))
}

// ProcessPCM classifies one frame of little-endian PCM16 bytes.
func (d *Detector) ProcessPCM(pcm []byte) Result {
	return d.Process(audio.PCM16Samples(pcm))
}

func (d *Detector) classify(e float64) Result {
	d.processed++

	if d.calibrating {
		d.noiseFloor = max(d.noiseFloor, e)
		d.calibrated++
		if d.calibrated >= d.calibrationFrames {
			d.calibrating = false
			d.threshold = max(d.cfg.MinThreshold, d.noiseFloor*d.cfg.NoiseMultiplier)
		}
		d.silence++
		return Result{Energy: e, SilenceCount: d.silence}
	}

	speaking := e > d.threshold && e > 2*d.noiseFloor
	if !speaking {
		d.silence++
		return Result{Energy: e, SilenceCount: d.silence}
	}
	d.silence = 0
	return Result{
		IsSpeaking: true,
		Energy:     e,
		Confidence: confidence(e, d.threshold),
	}
}

// IsEndOfSpeech reports whether enough consecutive silent frames have been
// seen to consider an utterance finished.
func (d *Detector) IsEndOfSpeech() bool {
	return d.silence >= d.endOfSpeechFrames
}

// Reset clears calibration, counters, and history. Calling it repeatedly has
// the same effect as calling it once.
func (d *Detector) Reset() {
	d.calibrating = true
	d.calibrated = 0
	d.noiseFloor = 0
	d.threshold = 0
	d.silence = 0
	d.processed = 0
}

// Calibrating reports whether the detector is still estimating the noise
// floor.
func (d *Detector) Calibrating() bool { return d.calibrating }

// NoiseFloor returns the current noise floor estimate.
func (d *Detector) NoiseFloor() float64 { return d.noiseFloor }

// Threshold returns the speech threshold, or 0 while calibrating.
func (d *Detector) Threshold() float64 { return d.threshold }

// Frames returns how many frames have been processed since the last Reset.
func (d *Detector) Frames() uint64 { return d.processed }

func confidence(e, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	return min(max((e-threshold)/threshold, 0), 1)
}

// energy returns the RMS of frame normalised to [0, 1].
func energy(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768
		sum += v * v
	}
	return min(math.Sqrt(sum/float64(len(frame))), 1)
}
