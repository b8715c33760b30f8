// Package mock provides a recording [summary.Summarizer] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicecall/internal/summary"
)

var _ summary.Summarizer = (*Summarizer)(nil)

// Summarizer records every request. Set Moment and Err before use.
type Summarizer struct {
	Moment summary.Moment
	Err    error

	mu       sync.Mutex
	requests []summary.Request
	notify   chan struct{}
}

// NewSummarizer returns a Summarizer whose [Summarizer.Done] channel receives
// once per request.
func NewSummarizer() *Summarizer {
	return &Summarizer{notify: make(chan struct{}, 64)}
}

// Summarize implements [summary.Summarizer].
func (s *Summarizer) Summarize(_ context.Context, req summary.Request) (summary.Moment, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.notify != nil {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	return s.Moment, s.Err
}

// Requests returns a copy of the recorded requests.
func (s *Summarizer) Requests() []summary.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]summary.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Done receives once per Summarize call. Nil unless built with NewSummarizer.
func (s *Summarizer) Done() <-chan struct{} {
	return s.notify
}
