// Package rawfile provides an [audio.Device] that replays a headerless PCM16
// file and an [audio.Player] that appends playback to one.
//
// It lets the CLI run a complete call without a sound card: the input file
// plays the part of the microphone and the reply is recorded to disk.
package rawfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/voicecall/pkg/audio"
)

// Options for a [Device].
type Options struct {
	// SampleRate of the file. Defaults to 16 kHz.
	SampleRate int

	// Channels in the file, 1 or 2. Stereo input is mixed down to mono.
	Channels int

	// BlockSamples is the number of mono samples per delivered block.
	// Defaults to 20 ms worth.
	BlockSamples int

	// Realtime paces delivery at the file's sample rate. When false, blocks
	// are delivered as fast as the consumer reads them.
	Realtime bool
}

func (o Options) withDefaults() Options {
	if o.SampleRate <= 0 {
		o.SampleRate = audio.DefaultSampleRate
	}
	if o.Channels != 2 {
		o.Channels = 1
	}
	if o.BlockSamples <= 0 {
		o.BlockSamples = o.SampleRate / 50
	}
	return o
}

// Device opens the same file for every call.
type Device struct {
	path string
	opts Options
}

var (
	_ audio.Device = (*Device)(nil)
	_ audio.Player = (*Player)(nil)
)

// NewDevice returns a Device reading path.
func NewDevice(path string, opts Options) *Device {
	return &Device{path: path, opts: opts.withDefaults()}
}

// Open implements [audio.Device].
func (d *Device) Open(ctx context.Context) (audio.Capture, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, fmt.Errorf("rawfile: open %s: %w", d.path, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &capture{
		f:      f,
		opts:   d.opts,
		blocks: make(chan []float32, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.read(ctx)
	return c, nil
}

type capture struct {
	f      *os.File
	opts   Options
	blocks chan []float32
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (c *capture) Blocks() <-chan []float32 { return c.blocks }

func (c *capture) SampleRate() int { return c.opts.SampleRate }

func (c *capture) Close() error {
	c.once.Do(func() {
		c.cancel()
		<-c.done
		c.err = errors.Join(c.err, c.f.Close())
	})
	return c.err
}

func (c *capture) read(ctx context.Context) {
	defer close(c.done)
	defer close(c.blocks)

	frameBytes := 2 * c.opts.Channels
	buf := make([]byte, c.opts.BlockSamples*frameBytes)

	var tick <-chan time.Time
	if c.opts.Realtime {
		interval := time.Duration(c.opts.BlockSamples) * time.Second / time.Duration(c.opts.SampleRate)
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		n, err := io.ReadFull(c.f, buf)
		n -= n % frameBytes
		if n > 0 {
			pcm := buf[:n]
			if c.opts.Channels == 2 {
				pcm = audio.StereoToMono(pcm)
			}
			samples, _ := audio.DecodePCM16(pcm)
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			}
			select {
			case <-ctx.Done():
				return
			case c.blocks <- samples:
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				c.err = fmt.Errorf("rawfile: read: %w", err)
			}
			return
		}
	}
}

// Player appends played audio to a file as PCM16.
type Player struct {
	mu       sync.Mutex
	w        io.WriteCloser
	channels int
}

// NewPlayer creates (or truncates) path and returns a Player writing to it.
// channels selects mono (1) or duplicated stereo (2) output.
func NewPlayer(path string, channels int) (*Player, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("rawfile: create %s: %w", path, err)
	}
	return &Player{w: f, channels: channels}, nil
}

// Play implements [audio.Player].
func (p *Player) Play(samples []float32) error {
	pcm := audio.EncodePCM16(samples)
	if p.channels == 2 {
		pcm = audio.MonoToStereo(pcm)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return errors.New("rawfile: player closed")
	}
	if _, err := p.w.Write(pcm); err != nil {
		return fmt.Errorf("rawfile: write: %w", err)
	}
	return nil
}

// Close flushes and closes the output file. Safe to call more than once.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w == nil {
		return nil
	}
	err := p.w.Close()
	p.w = nil
	return err
}
