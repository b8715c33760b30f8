package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voicecall/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestEncodePCM16(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"full positive", 1, 32767},
		{"full negative", -1, -32768},
		{"clamp above", 1.5, 32767},
		{"clamp below", -3, -32768},
		{"half", 0.5, 16383},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := audio.PCM16Samples(audio.EncodePCM16([]float32{tc.in}))
			if len(got) != 1 || got[0] != tc.want {
				t.Errorf("EncodePCM16(%v) = %v, want %d", tc.in, got, tc.want)
			}
		})
	}
}

func TestDecodePCM16(t *testing.T) {
	got, err := audio.DecodePCM16(samplesToBytes([]int16{0, 16384, -32768}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float32{0, 0.5, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodePCM16_OddLength(t *testing.T) {
	_, err := audio.DecodePCM16([]byte{1, 2, 3})
	if !errors.Is(err, audio.ErrOddLength) {
		t.Errorf("err = %v, want ErrOddLength", err)
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	got := audio.RMS([]float32{0.5, -0.5, 0.5, -0.5})
	if math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS = %v, want 0.5", got)
	}
	if p := audio.Peak([]float32{0.1, -0.7, 0.3}); math.Abs(p-0.7) > 1e-6 {
		t.Errorf("Peak = %v, want 0.7", p)
	}
}

func TestMonoToStereo(t *testing.T) {
	stereo := audio.MonoToStereo(samplesToBytes([]int16{100, 200, 300}))
	got := audio.PCM16Samples(stereo)
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	got := audio.PCM16Samples(audio.StereoToMono(samplesToBytes([]int16{32767, 32767, 100, 200})))
	want := []int16{32767, 150}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16(t *testing.T) {
	pcm := samplesToBytes(make([]int16, 480))

	if out := audio.ResampleMono16(pcm, 16000, 16000); len(out) != len(pcm) {
		t.Errorf("same rate: got %d bytes, want %d", len(out), len(pcm))
	}
	if out := audio.ResampleMono16(pcm, 48000, 16000); len(out) != 160*2 {
		t.Errorf("downsample: got %d bytes, want %d", len(out), 320)
	}
	if out := audio.ResampleMono16(pcm, 8000, 16000); len(out) != 960*2 {
		t.Errorf("upsample: got %d bytes, want %d", len(out), 1920)
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	tests := []struct {
		name  string
		frame audio.AudioFrame
		want  time.Duration
	}{
		{"320 mono at 16k", audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}, 20 * time.Millisecond},
		{"512 mono at 16k", audio.AudioFrame{Data: make([]byte, 1024), SampleRate: 16000, Channels: 1}, 32 * time.Millisecond},
		{"480 stereo at 48k", audio.AudioFrame{Data: make([]byte, 1920), SampleRate: 48000, Channels: 2}, 10 * time.Millisecond},
		{"no rate", audio.AudioFrame{Data: make([]byte, 640)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.frame.Duration(); got != tt.want {
				t.Errorf("Duration() = %v, want %v", got, tt.want)
			}
		})
	}
}
