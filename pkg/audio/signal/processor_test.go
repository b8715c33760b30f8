package signal_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/voicecall/pkg/audio"
	"github.com/MrWong99/voicecall/pkg/audio/signal"
)

// block returns n samples of a constant amplitude, alternating sign.
func block(n int, amp float32) []float32 {
	b := make([]float32, n)
	for i := range b {
		if i%2 == 0 {
			b[i] = amp
		} else {
			b[i] = -amp
		}
	}
	return b
}

func TestProcess_MonitorWhenNotRecording(t *testing.T) {
	p := signal.New(signal.Config{})
	in := block(320, 0.3)
	out := p.Process(in)
	if out.Frame != nil {
		t.Fatal("frame emitted while not recording")
	}
	if len(out.Monitor) != len(in) || &out.Monitor[0] != &in[0] {
		t.Error("monitor output is not the unmodified input block")
	}
}

func TestProcess_SmoothedLevel(t *testing.T) {
	p := signal.New(signal.Config{LevelEvery: 1})
	out := p.Process(block(320, 0.5))
	if out.Level == nil {
		t.Fatal("expected level report")
	}
	// 0.8*0 + 0.2*0.5
	if math.Abs(out.Level.Level-0.1) > 1e-6 {
		t.Errorf("level = %v, want 0.1", out.Level.Level)
	}
	out = p.Process(block(320, 0.5))
	// 0.8*0.1 + 0.2*0.5
	if math.Abs(out.Level.Level-0.18) > 1e-6 {
		t.Errorf("level = %v, want 0.18", out.Level.Level)
	}
}

func TestProcess_LevelThrottled(t *testing.T) {
	p := signal.New(signal.Config{})
	reports := 0
	for range 64 {
		if p.Process(block(320, 0.2)).Level != nil {
			reports++
		}
	}
	if reports != 64/signal.DefaultLevelEvery {
		t.Errorf("reports = %d, want %d", reports, 64/signal.DefaultLevelEvery)
	}
}

func TestProcess_PeakHoldAndDecay(t *testing.T) {
	p := signal.New(signal.Config{LevelEvery: 1, PeakHoldBlocks: 2})

	out := p.Process(block(16, 1))
	if !out.Level.Clipping {
		t.Error("full-scale block should report clipping")
	}
	for i := range 2 {
		out = p.Process(block(16, 0))
		if out.Level.Peak != 1 {
			t.Errorf("hold block %d: peak = %v, want 1", i, out.Level.Peak)
		}
	}
	out = p.Process(block(16, 0))
	if math.Abs(out.Level.Peak-0.95) > 1e-9 {
		t.Errorf("peak after hold = %v, want 0.95", out.Level.Peak)
	}
	if out.Level.Clipping {
		t.Error("decayed peak should not report clipping")
	}
}

func TestProcess_Malformed(t *testing.T) {
	p := signal.New(signal.Config{})
	p.Process(nil)
	p.Process([]float32{0, float32(math.NaN())})
	p.Process([]float32{float32(math.Inf(1))})
	st := p.Stats()
	if st.Malformed != 3 {
		t.Errorf("malformed = %d, want 3", st.Malformed)
	}
	if st.Blocks != 0 {
		t.Errorf("blocks = %d, want 0", st.Blocks)
	}
}

func TestProcess_TrailingSilenceGate(t *testing.T) {
	// 20 ms blocks, 100 ms trailing window.
	p := signal.New(signal.Config{TrailingSilence: 100 * time.Millisecond})
	p.SetRecording(true)

	out := p.Process(block(320, 0))
	if out.Frame == nil {
		t.Fatal("recording should emit a frame for every block")
	}
	if out.Frame.Voiced {
		t.Error("silence before any speech must not be voiced")
	}

	if !p.Process(block(320, 0.3)).Frame.Voiced {
		t.Error("loud block should be voiced")
	}

	var voiced int
	for range 10 {
		if p.Process(block(320, 0)).Frame.Voiced {
			voiced++
		}
	}
	if voiced != 5 {
		t.Errorf("trailing voiced blocks = %d, want 5", voiced)
	}
}

func TestProcess_FrameMetadata(t *testing.T) {
	p := signal.New(signal.Config{})
	p.SetRecording(true)

	var frames []*audio.AudioFrame
	for range 3 {
		frames = append(frames, p.Process(block(320, 0.2)).Frame)
	}
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d: seq = %d", i, f.Seq)
		}
		if want := time.Duration(i) * 20 * time.Millisecond; f.Timestamp != want {
			t.Errorf("frame %d: timestamp = %v, want %v", i, f.Timestamp, want)
		}
		if len(f.Data) != 640 {
			t.Errorf("frame %d: %d bytes, want 640", i, len(f.Data))
		}
	}

	p.SetRecording(false)
	if p.Process(block(320, 0.2)).Frame != nil {
		t.Error("frame emitted after recording stopped")
	}
}

func TestProcess_FramesStayMonotonicAcrossPause(t *testing.T) {
	p := signal.New(signal.Config{})
	p.SetRecording(true)
	var last *audio.AudioFrame
	for range 5 {
		last = p.Process(block(320, 0.2)).Frame
	}

	p.SetRecording(false)
	p.Process(block(320, 0.2))
	p.SetRecording(true)
	next := p.Process(block(320, 0.2)).Frame

	if next.Seq != last.Seq+1 {
		t.Errorf("seq after pause = %d, want %d", next.Seq, last.Seq+1)
	}
	// The paused block still counts as capture time.
	if want := last.Timestamp + 40*time.Millisecond; next.Timestamp != want {
		t.Errorf("timestamp after pause = %v, want %v", next.Timestamp, want)
	}
}

func TestProcess_Resamples(t *testing.T) {
	p := signal.New(signal.Config{SampleRate: 16000, DeviceRate: 48000})
	p.SetRecording(true)
	out := p.Process(block(960, 0.2))
	if got := len(out.Frame.Data); got != 320*2 {
		t.Errorf("frame bytes = %d, want 640", got)
	}
	if out.Frame.SampleRate != 16000 {
		t.Errorf("sample rate = %d", out.Frame.SampleRate)
	}
}

func TestSetRecording_LatestWins(t *testing.T) {
	p := signal.New(signal.Config{})
	p.SetRecording(true)
	p.SetRecording(false)
	p.SetRecording(true)
	if p.Process(block(32, 0.1)).Frame == nil {
		t.Error("expected recording to be active")
	}
}

func TestRun_PreservesOrder(t *testing.T) {
	p := signal.New(signal.Config{QueueSize: 200})
	p.SetRecording(true)

	in := make(chan []float32, 100)
	for range 100 {
		in <- block(320, 0.3)
	}
	close(in)

	var seqs []uint64
	for o := range p.Run(context.Background(), in) {
		if o.Frame != nil {
			seqs = append(seqs, o.Frame.Seq)
		}
	}
	if len(seqs) != 100 {
		t.Fatalf("got %d frames, want 100", len(seqs))
	}
	for i, s := range seqs {
		if s != uint64(i) {
			t.Fatalf("frame %d has seq %d", i, s)
		}
	}
}

func TestRun_OverflowDropsAndCounts(t *testing.T) {
	p := signal.New(signal.Config{QueueSize: 4})
	p.SetRecording(true)

	in := make(chan []float32, 10)
	for range 10 {
		in <- block(320, 0.3)
	}
	close(in)

	out := p.Run(context.Background(), in)
	// Nothing reads until every block has been offered to the queue.
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Overflow < 6 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	n := 0
	for range out {
		n++
	}
	if n != 4 {
		t.Errorf("delivered = %d, want 4", n)
	}
	if got := p.Stats().Overflow; got != 6 {
		t.Errorf("overflow = %d, want 6", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	p := signal.New(signal.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	out := p.Run(ctx, make(chan []float32))
	cancel()
	select {
	case _, ok := <-out:
		if ok {
			t.Error("unexpected output")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
