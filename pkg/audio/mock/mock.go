// Package mock provides in-memory implementations of [audio.Device],
// [audio.Capture], and [audio.Player] for unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on how often a device was opened or released.
//
// Typical usage:
//
//	dev := mock.NewDevice(16000)
//	capture, _ := dev.Open(ctx)
//	dev.Push(make([]float32, 320)) // delivered on capture.Blocks()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicecall/pkg/audio"
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [audio.Device]. Every successful Open returns a fresh
// [Capture]; the most recent one receives blocks from [Device.Push].
type Device struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil. No capture is created.
	OpenError error

	// Rate is the sample rate reported by captures.
	Rate int

	// BlockBuffer is the capacity of each capture's block channel.
	// Defaults to 1024.
	BlockBuffer int

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	captures []*Capture
}

// NewDevice returns a Device reporting the given sample rate.
func NewDevice(rate int) *Device {
	return &Device{Rate: rate}
}

// Open implements [audio.Device].
func (d *Device) Open(ctx context.Context) (audio.Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := d.BlockBuffer
	if size <= 0 {
		size = 1024
	}
	c := &Capture{rate: d.Rate, blocks: make(chan []float32, size)}
	d.captures = append(d.captures, c)
	return c, nil
}

// Push delivers a block to the most recently opened capture. It reports
// false when no capture is open.
func (d *Device) Push(block []float32) bool {
	d.mu.Lock()
	var c *Capture
	if n := len(d.captures); n > 0 {
		c = d.captures[n-1]
	}
	d.mu.Unlock()
	if c == nil {
		return false
	}
	return c.push(block)
}

// Captures returns all captures opened so far, oldest first.
func (d *Device) Captures() []*Capture {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Capture, len(d.captures))
	copy(out, d.captures)
	return out
}

// ReleaseCount returns how many opened captures have been released by a
// real (first) Close.
func (d *Device) ReleaseCount() int {
	n := 0
	for _, c := range d.Captures() {
		if c.Released() {
			n++
		}
	}
	return n
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock [audio.Capture].
type Capture struct {
	mu     sync.Mutex
	rate   int
	blocks chan []float32
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Compile-time assertions.
var (
	_ audio.Device  = (*Device)(nil)
	_ audio.Capture = (*Capture)(nil)
	_ audio.Player  = (*Player)(nil)
)

// Blocks implements [audio.Capture].
func (c *Capture) Blocks() <-chan []float32 { return c.blocks }

// SampleRate implements [audio.Capture].
func (c *Capture) SampleRate() int { return c.rate }

// Close implements [audio.Capture]. Closes the block channel on first call.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if !c.closed {
		c.closed = true
		close(c.blocks)
	}
	return nil
}

// Released reports whether Close has been called.
func (c *Capture) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Closes returns CallCountClose under the lock.
func (c *Capture) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}

func (c *Capture) push(block []float32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.blocks <- block
	return true
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock [audio.Player] that records played buffers.
type Player struct {
	mu sync.Mutex

	// PlayError is returned by Play when non-nil.
	PlayError error

	// Played holds every buffer passed to Play, in order.
	Played [][]float32
}

// Play implements [audio.Player].
func (p *Player) Play(samples []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Played = append(p.Played, samples)
	return p.PlayError
}

// Count returns the number of recorded Play calls.
func (p *Player) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Played)
}
