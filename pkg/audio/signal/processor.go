// Package signal turns raw capture blocks into metered, gated PCM16 frames.
//
// A [Processor] runs on its own goroutine (see [Processor.Run]) and talks to
// the rest of the program only through channels: capture blocks come in,
// immutable [Output] values go out, and the recording toggle arrives as a
// message. Nothing on the audio goroutine blocks on I/O; when the consumer
// falls behind, outputs are dropped and counted.
package signal

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicecall/pkg/audio"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultSmoothing       = 0.8
	DefaultPeakDecay       = 0.95
	DefaultPeakHoldBlocks  = 30
	DefaultLevelEvery      = 8
	DefaultGateThreshold   = 0.01
	DefaultTrailingSilence = 2 * time.Second
	DefaultQueueSize       = 64

	// ClipLevel is the peak at or above which a block is reported as clipping.
	ClipLevel = 0.99
)

// Config tunes a [Processor].
type Config struct {
	// SampleRate is the rate of emitted frames. Defaults to 16 kHz.
	SampleRate int

	// DeviceRate is the rate of incoming blocks. Zero means SampleRate.
	DeviceRate int

	// Smoothing is the exponential smoothing factor applied to block RMS.
	Smoothing float64

	// PeakDecay multiplies the held peak once the hold window expires.
	PeakDecay float64

	// PeakHoldBlocks is how many blocks a new peak is held before decaying.
	PeakHoldBlocks int

	// LevelEvery throttles level telemetry to one report per N blocks.
	LevelEvery int

	// GateThreshold is the block RMS above which a block counts as voiced.
	GateThreshold float64

	// TrailingSilence keeps frames flagged voiced for this long after the
	// last loud block so word endings are not cut off.
	TrailingSilence time.Duration

	// QueueSize bounds the output channel returned by Run.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.DeviceRate <= 0 {
		c.DeviceRate = c.SampleRate
	}
	if c.Smoothing <= 0 || c.Smoothing >= 1 {
		c.Smoothing = DefaultSmoothing
	}
	if c.PeakDecay <= 0 || c.PeakDecay >= 1 {
		c.PeakDecay = DefaultPeakDecay
	}
	if c.PeakHoldBlocks <= 0 {
		c.PeakHoldBlocks = DefaultPeakHoldBlocks
	}
	if c.LevelEvery <= 0 {
		c.LevelEvery = DefaultLevelEvery
	}
	if c.GateThreshold <= 0 {
		c.GateThreshold = DefaultGateThreshold
	}
	if c.TrailingSilence < 0 {
		c.TrailingSilence = 0
	} else if c.TrailingSilence == 0 {
		c.TrailingSilence = DefaultTrailingSilence
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Level is a throttled metering report.
type Level struct {
	// Level is the smoothed RMS in [0, 1].
	Level float64

	// Peak is the held and decayed peak in [0, 1].
	Peak float64

	// Clipping is true while Peak is at or above [ClipLevel].
	Clipping bool
}

// Output is everything one block produced. Fields that were not produced are
// nil. Values are never modified after they are sent.
type Output struct {
	Level   *Level
	Frame   *audio.AudioFrame
	Monitor []float32
}

func (o Output) empty() bool {
	return o.Level == nil && o.Frame == nil && o.Monitor == nil
}

// Stats are diagnostic counters. They never surface as errors.
type Stats struct {
	Blocks    uint64
	Frames    uint64
	Malformed uint64
	Overflow  uint64
}

// Processor meters and frames capture blocks. Process and Run must be driven
// from a single goroutine; SetRecording and Stats may be called from any
// goroutine.
type Processor struct {
	cfg Config

	// Audio goroutine state.
	level      float64
	peak       float64
	holdLeft   int
	counter    uint64
	recording  bool
	seq        uint64
	elapsed    time.Duration
	lastVoiced time.Duration
	voicedOnce bool

	ctlMu sync.Mutex
	ctl   chan bool

	blocks    atomic.Uint64
	frames    atomic.Uint64
	malformed atomic.Uint64
	overflow  atomic.Uint64
}

// New returns a Processor with recording inactive. Sequence numbers and
// timestamps run for the lifetime of the Processor and are not reset by
// [Processor.SetRecording].
func New(cfg Config) *Processor {
	return &Processor{
		cfg: cfg.withDefaults(),
		ctl: make(chan bool, 1),
	}
}

// Config returns the effective configuration.
func (p *Processor) Config() Config { return p.cfg }

// SetRecording queues a recording toggle for the audio goroutine. Only the
// latest value is kept if several arrive before the next block.
func (p *Processor) SetRecording(on bool) {
	p.ctlMu.Lock()
	defer p.ctlMu.Unlock()
	select {
	case p.ctl <- on:
	default:
		select {
		case <-p.ctl:
		default:
		}
		p.ctl <- on
	}
}

// Stats returns a snapshot of the diagnostic counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Blocks:    p.blocks.Load(),
		Frames:    p.frames.Load(),
		Malformed: p.malformed.Load(),
		Overflow:  p.overflow.Load(),
	}
}

// Process runs one block through the processor. Empty or non-finite blocks
// yield a zero Output and are counted as malformed.
func (p *Processor) Process(block []float32) Output {
	p.applyControl()

	if !wellFormed(block) {
		p.malformed.Add(1)
		return Output{}
	}
	p.blocks.Add(1)

	rms := audio.RMS(block)
	p.level = p.cfg.Smoothing*p.level + (1-p.cfg.Smoothing)*rms
	p.updatePeak(audio.Peak(block))

	var out Output
	p.counter++
	if p.counter%uint64(p.cfg.LevelEvery) == 0 {
		out.Level = &Level{
			Level:    p.level,
			Peak:     p.peak,
			Clipping: p.peak >= ClipLevel,
		}
	}

	start := p.elapsed
	p.elapsed += time.Duration(len(block)) * time.Second / time.Duration(p.cfg.DeviceRate)

	if !p.recording {
		out.Monitor = block
		return out
	}

	voiced := false
	if rms > p.cfg.GateThreshold {
		voiced = true
		p.voicedOnce = true
		p.lastVoiced = p.elapsed
	} else if p.voicedOnce && start-p.lastVoiced < p.cfg.TrailingSilence {
		voiced = true
	}

	data := audio.EncodePCM16(block)
	if p.cfg.DeviceRate != p.cfg.SampleRate {
		data = audio.ResampleMono16(data, p.cfg.DeviceRate, p.cfg.SampleRate)
	}
	out.Frame = &audio.AudioFrame{
		Data:       data,
		SampleRate: p.cfg.SampleRate,
		Channels:   audio.DefaultChannels,
		Timestamp:  start,
		Seq:        p.seq,
		Voiced:     voiced,
	}
	p.seq++
	p.frames.Add(1)
	return out
}

// Run processes blocks on a new goroutine until blocks is closed or ctx is
// cancelled. The returned channel is closed when Run stops. Outputs that do
// not fit into the bounded queue are dropped and counted.
func (p *Processor) Run(ctx context.Context, blocks <-chan []float32) <-chan Output {
	out := make(chan Output, p.cfg.QueueSize)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case block, ok := <-blocks:
				if !ok {
					return
				}
				o := p.Process(block)
				if o.empty() {
					continue
				}
				select {
				case out <- o:
				default:
					p.overflow.Add(1)
				}
			}
		}
	}()
	return out
}

func (p *Processor) applyControl() {
	select {
	case on := <-p.ctl:
		p.recording = on
	default:
	}
}

func (p *Processor) updatePeak(blockPeak float64) {
	if blockPeak >= p.peak {
		p.peak = blockPeak
		p.holdLeft = p.cfg.PeakHoldBlocks
		return
	}
	if p.holdLeft > 0 {
		p.holdLeft--
		return
	}
	p.peak *= p.cfg.PeakDecay
}

func wellFormed(block []float32) bool {
	if len(block) == 0 {
		return false
	}
	for _, s := range block {
		f := float64(s)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
