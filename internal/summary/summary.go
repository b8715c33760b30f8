// Package summary submits finished calls to the summarisation service and
// returns the resulting [Moment].
//
// Summarisation is best effort. [Client] wraps every request in a
// [resilience.CircuitBreaker] so a service that is down is not retried after
// every call.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicecall/internal/observe"
	"github.com/MrWong99/voicecall/internal/resilience"
)

// Metrics are the call quality figures attached to a summary request.
// Durations and latencies are in milliseconds.
type Metrics struct {
	Duration      int64   `json:"duration"`
	P50Latency    float64 `json:"p50_latency"`
	P95Latency    float64 `json:"p95_latency"`
	PacketDrops   int64   `json:"packet_drops"`
	Reconnections int     `json:"reconnections"`
}

// Request is the payload posted for one finished call.
type Request struct {
	CallID     string   `json:"callId"`
	UserID     string   `json:"userId"`
	Transcript []string `json:"transcript"`
	Metrics    Metrics  `json:"metrics"`
}

// Moment is the service's summary of a call.
type Moment struct {
	ID         string   `json:"id"`
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights"`
	Emotion    string   `json:"emotion"`
}

// Summarizer turns a finished call into a [Moment].
type Summarizer interface {
	Summarize(ctx context.Context, req Request) (Moment, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("summary: unexpected status %d: %s", e.Code, e.Body)
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. The default has a 30s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithBreaker overrides the circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(cl *Client) { cl.breaker = cb }
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(cl *Client) { cl.apiKey = key }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// Client posts [Request]s to an HTTP summarisation endpoint.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	breaker  *resilience.CircuitBreaker
	log      *slog.Logger
}

var _ Summarizer = (*Client)(nil)

// NewClient returns a Client posting to endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.New(resilience.Config{Name: "summary"}, resilience.WithLogger(c.log))
	}
	return c
}

// Summarize implements [Summarizer]. Requests are rejected with
// [resilience.ErrCircuitOpen] while the breaker is open.
func (c *Client) Summarize(ctx context.Context, req Request) (Moment, error) {
	var m Moment
	err := c.breaker.Execute(func() error {
		var err error
		m, err = c.post(ctx, req)
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return Moment{}, fmt.Errorf("summary: %w", err)
		}
		return Moment{}, err
	}
	return m, nil
}

func (c *Client) post(ctx context.Context, req Request) (_ Moment, err error) {
	ctx, span := observe.StartSpan(ctx, "summary.post",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("call.id", req.CallID)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "summarise failed")
		}
		span.End()
	}()

	if req.Transcript == nil {
		req.Transcript = []string{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Moment{}, fmt.Errorf("summary: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Moment{}, fmt.Errorf("summary: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	observe.InjectHeaders(ctx, httpReq.Header)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Moment{}, fmt.Errorf("summary: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Moment{}, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}

	var m Moment
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return Moment{}, fmt.Errorf("summary: decode response: %w", err)
	}
	observe.Logger(ctx, c.log).Debug("call summarised", "call_id", req.CallID, "moment_id", m.ID)
	return m, nil
}
