package vad_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voicecall/pkg/vad"
)

// tone returns a 20 ms frame whose RMS is approximately level.
func tone(level float64) []int16 {
	f := make([]int16, 320)
	amp := int16(level * 32768)
	for i := range f {
		if i%2 == 0 {
			f[i] = amp
		} else {
			f[i] = -amp
		}
	}
	return f
}

func testConfig() vad.Config {
	return vad.Config{
		FrameDuration: 20 * time.Millisecond,
		Calibration:   100 * time.Millisecond, // 5 frames
		EndOfSpeech:   60 * time.Millisecond,  // 3 frames
		MinThreshold:  0.01,
	}
}

func calibrate(d *vad.Detector, level float64) {
	for d.Calibrating() {
		d.Process(tone(level))
	}
}

func TestDetector_NeverSpeaksWhileCalibrating(t *testing.T) {
	d := vad.New(testConfig())
	for i := range 5 {
		r := d.Process(tone(0.9))
		if r.IsSpeaking {
			t.Fatalf("frame %d reported speech during calibration", i)
		}
	}
	if d.Calibrating() {
		t.Fatal("calibration should be complete after 5 frames")
	}
}

func TestDetector_Threshold(t *testing.T) {
	tests := []struct {
		name  string
		floor float64
		want  float64
	}{
		{"quiet room uses minimum", 0.001, 0.01},
		{"noisy room scales floor", 0.02, 0.06},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := vad.New(testConfig())
			calibrate(d, tc.floor)
			if math.Abs(d.Threshold()-tc.want) > 1e-3 {
				t.Errorf("threshold = %v, want %v", d.Threshold(), tc.want)
			}
		})
	}
}

func TestDetector_CalibrationMonotonicity(t *testing.T) {
	d := vad.New(testConfig())
	calibrate(d, 0.05)
	floor := d.NoiseFloor()

	for _, lvl := range []float64{0, 0.01, 0.02, 0.03, 0.04, floor * 0.99} {
		if r := d.Process(tone(lvl)); r.IsSpeaking {
			t.Errorf("level %v below noise floor %v reported speech", lvl, floor)
		}
	}
}

func TestDetector_SpeechAndConfidence(t *testing.T) {
	d := vad.New(testConfig())
	calibrate(d, 0.02) // threshold ≈ 0.06

	r := d.Process(tone(0.09))
	if !r.IsSpeaking {
		t.Fatal("expected speech")
	}
	if r.Confidence <= 0 || r.Confidence >= 1 {
		t.Errorf("confidence = %v, want in (0, 1)", r.Confidence)
	}
	if r.SilenceCount != 0 {
		t.Errorf("silence count = %d, want 0", r.SilenceCount)
	}

	r = d.Process(tone(0.5))
	if r.Confidence != 1 {
		t.Errorf("confidence = %v, want clamped to 1", r.Confidence)
	}
}

func TestDetector_EndOfSpeech(t *testing.T) {
	d := vad.New(testConfig())
	calibrate(d, 0.001)

	d.Process(tone(0.3))
	if d.IsEndOfSpeech() {
		t.Fatal("end of speech right after speech")
	}
	for i := 1; i <= 3; i++ {
		r := d.Process(tone(0))
		if r.SilenceCount != i {
			t.Errorf("silence count = %d, want %d", r.SilenceCount, i)
		}
	}
	if !d.IsEndOfSpeech() {
		t.Error("expected end of speech after 3 silent frames")
	}
}

func TestDetector_ResetIdempotent(t *testing.T) {
	seq := []float64{0.02, 0.01, 0.03, 0.02, 0.01, 0.2, 0.0, 0.15, 0.0, 0.0, 0.0}

	run := func(resets int) []vad.Result {
		d := vad.New(testConfig())
		calibrate(d, 0.3)
		d.Process(tone(0.9))
		for range resets {
			d.Reset()
		}
		out := make([]vad.Result, 0, len(seq))
		for _, lvl := range seq {
			out = append(out, d.Process(tone(lvl)))
		}
		return out
	}

	once, twice := run(1), run(2)
	for i := range once {
		if once[i] != twice[i] {
			t.Errorf("frame %d: reset once %+v, reset twice %+v", i, once[i], twice[i])
		}
	}

	d := vad.New(testConfig())
	calibrate(d, 0.1)
	d.Reset()
	if !d.Calibrating() || d.NoiseFloor() != 0 || d.Threshold() != 0 || d.Frames() != 0 {
		t.Error("Reset did not clear detector state")
	}
}

func TestDetector_EmptyFrame(t *testing.T) {
	d := vad.New(testConfig())
	if r := d.ProcessPCM(nil); r.Energy != 0 {
		t.Errorf("energy = %v, want 0", r.Energy)
	}
}
