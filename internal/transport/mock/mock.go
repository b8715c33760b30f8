// Package mock provides in-memory implementations of [transport.Conn],
// [transport.Dialer], and [transport.CredentialSource] for unit tests.
//
// A [Dialer] hands out a fresh [Conn] per dial. Tests push inbound messages
// with [Conn.Deliver], inspect outbound writes with [Conn.Written], and
// simulate drops with [Conn.Drop] or a remote hang-up with [Conn.Hangup].
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicecall/internal/transport"
)

var (
	_ transport.Conn             = (*Conn)(nil)
	_ transport.CredentialSource = (*Credentials)(nil)
)

// ErrClosed is returned by operations on a locally closed Conn.
var ErrClosed = errors.New("mock: connection closed")

// ─── Conn ─────────────────────────────────────────────────────────────────────

// Message is one websocket message.
type Message struct {
	Type websocket.MessageType
	Data []byte
}

// Conn is a scripted [transport.Conn].
type Conn struct {
	mu          sync.Mutex
	written     []Message
	inbound     chan Message
	done        chan struct{}
	readErr     error
	closed      bool
	closeCode   websocket.StatusCode
	closeReason string

	// WriteError is returned by Write when non-nil.
	WriteError error

	// stall makes Write block until ctx is done or the Conn is closed.
	stall bool
}

// NewConn returns an open Conn.
func NewConn() *Conn {
	return &Conn{
		inbound: make(chan Message, 256),
		done:    make(chan struct{}),
	}
}

// Read implements [transport.Conn]. It blocks until a message is delivered,
// the connection ends, or ctx is done.
func (c *Conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case m := <-c.inbound:
		return m.Type, m.Data, nil
	default:
	}
	select {
	case m := <-c.inbound:
		return m.Type, m.Data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.readErr
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Write implements [transport.Conn].
func (c *Conn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	if c.stall {
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		}
	}
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.WriteError != nil {
		return c.WriteError
	}
	c.written = append(c.written, Message{Type: typ, Data: append([]byte(nil), p...)})
	return nil
}

// Close implements [transport.Conn]. Only the first call is recorded.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.endLocked(ErrClosed)
	return nil
}

// Deliver queues an inbound message.
func (c *Conn) Deliver(typ websocket.MessageType, data []byte) {
	c.inbound <- Message{Type: typ, Data: data}
}

// DeliverText queues an inbound text message.
func (c *Conn) DeliverText(s string) {
	c.Deliver(websocket.MessageText, []byte(s))
}

// Drop ends the connection as if the network failed.
func (c *Conn) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked(websocket.CloseError{Code: websocket.StatusAbnormalClosure, Reason: "dropped"})
}

// Hangup ends the connection with a normal close from the remote side.
func (c *Conn) Hangup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked(websocket.CloseError{Code: websocket.StatusNormalClosure, Reason: "Call ended"})
}

func (c *Conn) endLocked(err error) {
	select {
	case <-c.done:
	default:
		c.readErr = err
		close(c.done)
	}
}

// Written returns a copy of all messages written so far.
func (c *Conn) Written() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.written))
	copy(out, c.written)
	return out
}

// Binary returns the payloads of all binary messages written so far.
func (c *Conn) Binary() [][]byte {
	var out [][]byte
	for _, m := range c.Written() {
		if m.Type == websocket.MessageBinary {
			out = append(out, m.Data)
		}
	}
	return out
}

// Closed reports whether Close was called and with which status.
func (c *Conn) Closed() (bool, websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeReason
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer records dials and returns a new [Conn] for each.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	urls  []string

	// Errors are returned by successive dials before any Conn is created.
	// An entry of nil lets that dial succeed.
	Errors []error

	// Stall is how many of the next successful dials return a Conn whose
	// writes never complete.
	Stall int
}

// Dial is a [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context, url, token string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.Errors) > 0 {
		err := d.Errors[0]
		d.Errors = d.Errors[1:]
		if err != nil {
			return nil, err
		}
	}
	c := NewConn()
	if d.Stall > 0 {
		d.Stall--
		c.stall = true
	}
	d.conns = append(d.conns, c)
	return c, nil
}

// Conns returns every Conn handed out, oldest first.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Last returns the most recent Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// ─── Credentials ──────────────────────────────────────────────────────────────

// Credentials is a [transport.CredentialSource] returning a fixed credential.
type Credentials struct {
	mu sync.Mutex

	// Credential is returned by every successful Fetch.
	Credential transport.Credential

	// Err is returned by Fetch when non-nil.
	Err error

	// Users records the user ID of every Fetch.
	Users []string
}

// Fetch implements [transport.CredentialSource].
func (c *Credentials) Fetch(ctx context.Context, userID string) (transport.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Users = append(c.Users, userID)
	if c.Err != nil {
		return transport.Credential{}, c.Err
	}
	cred := c.Credential
	if cred.URL == "" {
		cred.URL = "ws://voice.test/call"
	}
	return cred, nil
}

// Fetches returns how many times Fetch was called.
func (c *Credentials) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Users)
}
