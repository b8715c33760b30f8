package transport

import (
	"fmt"
	"sync"
)

// Event is a notification from the client. The concrete types are
// [StateChange], [InputLevel], [InboundAudio], [Transcript], [Latency], and
// [Error]; use a type switch to handle them.
type Event interface {
	isEvent()
}

// StateChange reports a lifecycle transition.
type StateChange struct {
	From State
	To   State
}

// InputLevel is throttled metering of the local microphone.
type InputLevel struct {
	Level    float64
	Peak     float64
	Clipping bool
}

// InboundAudio reports a buffer of remote audio handed to the player.
type InboundAudio struct {
	Samples int
	Level   float64
}

// Transcript is a transcript fragment from the voice service. Only final
// fragments become part of the call transcript.
type Transcript struct {
	Text  string
	Final bool
}

// Latency is one latency sample reported by the voice service, in
// milliseconds.
type Latency struct {
	Value float64
}

// Error reports a failure. Kind says how the client reacted to it.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (StateChange) isEvent()  {}
func (InputLevel) isEvent()   {}
func (InboundAudio) isEvent() {}
func (Transcript) isEvent()   {}
func (Latency) isEvent()      {}
func (Error) isEvent()        {}

// ErrorKind classifies error events.
type ErrorKind int

const (
	// ErrAcquisition means the capture device could not be opened. The call
	// fails without retry.
	ErrAcquisition ErrorKind = iota

	// ErrConnection means a connect attempt failed or the connection dropped.
	// The client retries if attempts remain.
	ErrConnection

	// ErrReconnectExhausted means the retry budget is used up and the call
	// was disconnected.
	ErrReconnectExhausted

	// ErrTransport is a non-fatal send or decode failure.
	ErrTransport

	// ErrRemote is an error message sent by the voice service.
	ErrRemote

	// ErrCaptureEnded means the capture device stopped delivering audio.
	ErrCaptureEnded
)

// String returns a short name suitable for logs and metric attributes.
func (k ErrorKind) String() string {
	switch k {
	case ErrAcquisition:
		return "acquisition"
	case ErrConnection:
		return "connection"
	case ErrReconnectExhausted:
		return "reconnect_exhausted"
	case ErrTransport:
		return "transport"
	case ErrRemote:
		return "remote"
	case ErrCaptureEnded:
		return "capture_ended"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// eventQueue is an unbounded multi-producer single-consumer queue. push never
// blocks; a dispatcher goroutine forwards events to out in push order.
type eventQueue struct {
	mu      sync.Mutex
	pending []Event
	closed  bool
	wake    chan struct{}
	out     chan Event
	done    chan struct{}
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		wake: make(chan struct{}, 1),
		out:  make(chan Event),
		done: make(chan struct{}),
	}
	go q.dispatch()
	return q
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops the dispatcher. Events still pending are discarded and the
// output channel is closed.
func (q *eventQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *eventQueue) dispatch() {
	defer close(q.out)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, e := range batch {
			select {
			case q.out <- e:
			case <-q.done:
				return
			}
		}

		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}
