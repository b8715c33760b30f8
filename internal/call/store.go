// Package call is the call orchestration layer between application code and
// the realtime transport.
//
// A [Store] enforces the user's daily minute quota, drives a one-second
// duration ticker that ends the call when the quota runs out, books used
// minutes in the [ledger] once per call, and hands the finished call to the
// summarisation service. Every visible change is published to subscribers as
// one coarse notification carrying the old and new [Snapshot].
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicecall/internal/clock"
	"github.com/MrWong99/voicecall/internal/ledger"
	"github.com/MrWong99/voicecall/internal/observe"
	"github.com/MrWong99/voicecall/internal/summary"
	"github.com/MrWong99/voicecall/internal/transport"
)

// Default quota and timing values.
const (
	DefaultFreeMinutes    = 2
	DefaultPremiumMinutes = 15
	DefaultTickInterval   = time.Second
	DefaultSummaryTimeout = 30 * time.Second
)

// Sentinel errors. ErrCallActive and ErrNoActiveCall are the transport's
// errors so callers can match either layer.
var (
	ErrQuotaExceeded = errors.New("call: daily quota exceeded")
	ErrCallActive    = transport.ErrCallActive
	ErrNoActiveCall  = transport.ErrNoActiveCall
	ErrClosed        = errors.New("call: store closed")
)

// QuotaError is returned by [Store.StartCall] when no minutes are left.
// It matches [ErrQuotaExceeded] with errors.Is.
type QuotaError struct {
	UserID       string
	UsedMinutes  int
	DailyMinutes int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("call: daily quota exceeded for %s: used %d of %d minutes",
		e.UserID, e.UsedMinutes, e.DailyMinutes)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// EndReason records why a call ended.
type EndReason int

const (
	// EndReasonUser means EndCall was called.
	EndReasonUser EndReason = iota

	// EndReasonQuota means the duration ticker reached the remaining quota.
	EndReasonQuota

	// EndReasonRemote means the voice service closed the call.
	EndReasonRemote

	// EndReasonConnectionLost means reconnection attempts were exhausted.
	EndReasonConnectionLost

	// EndReasonCaptureEnded means the capture device stopped delivering audio.
	EndReasonCaptureEnded
)

func (r EndReason) String() string {
	switch r {
	case EndReasonUser:
		return "user"
	case EndReasonQuota:
		return "quota"
	case EndReasonRemote:
		return "remote"
	case EndReasonConnectionLost:
		return "connection_lost"
	case EndReasonCaptureEnded:
		return "capture_ended"
	default:
		return fmt.Sprintf("EndReason(%d)", int(r))
	}
}

// Result is the outcome of one finished call.
type Result struct {
	transport.Result

	Reason EndReason

	// Minutes is the billed duration, rounded up to whole minutes.
	Minutes int
}

// Transport is the part of [transport.Client] the store drives. The store
// must be the only consumer of Events.
type Transport interface {
	StartCall(ctx context.Context, userID string) error
	EndCall(ctx context.Context) (transport.Result, error)
	Session() (transport.SessionInfo, bool)
	Events() <-chan transport.Event
}

var _ Transport = (*transport.Client)(nil)

// Config holds the per-user settings of a [Store].
type Config struct {
	// UserID is the caller whose quota is enforced.
	UserID string

	// FreeMinutes and PremiumMinutes are the daily allowances applied when
	// the premium flag changes. Default 2 and 15.
	FreeMinutes    int
	PremiumMinutes int

	// TickInterval is the duration ticker resolution. Default 1s.
	TickInterval time.Duration

	// SummaryTimeout bounds one summarisation request. Default 30s.
	SummaryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FreeMinutes <= 0 {
		c.FreeMinutes = DefaultFreeMinutes
	}
	if c.PremiumMinutes <= 0 {
		c.PremiumMinutes = DefaultPremiumMinutes
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = DefaultSummaryTimeout
	}
	return c
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithClock sets the time source for the duration ticker and date rollover.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithSummarizer sets the summarisation collaborator. Without one, finished
// calls are not summarised.
func WithSummarizer(sum summary.Summarizer) Option {
	return func(s *Store) { s.summarizer = sum }
}

// ── Snapshot ───────────────────────────────────────────────────────────────────

// Snapshot is the store's externally visible state. Values are copies; the
// Last pointer and the Moment pointer are never mutated after publication.
type Snapshot struct {
	// State mirrors the transport lifecycle.
	State transport.State

	// Active reports whether a call is in progress.
	Active bool
	CallID string

	// Elapsed is the duration of the active call at tick resolution.
	Elapsed time.Duration

	Limits Limits

	// Partial is the latest non-final transcript fragment of the active call.
	Partial string

	// Error is the latest user-facing error message. Transient reconnects
	// are not reported here.
	Error string

	// Last is the result of the most recent finished call.
	Last *Result

	// Moment is the summary of Last once the summarisation service answered.
	Moment *summary.Moment
}

// SubscribeFunc receives one notification per snapshot change. It runs
// synchronously and must not call mutating Store methods.
type SubscribeFunc func(old, new Snapshot)

// ── Store ──────────────────────────────────────────────────────────────────────

// Store orchestrates the calls of one user. All methods are safe for
// concurrent use.
type Store struct {
	cfg        Config
	transport  Transport
	ledger     ledger.Store
	summarizer summary.Summarizer
	clock      clock.Clock
	log        *slog.Logger
	metrics    *observe.Metrics

	// opMu serialises StartCall, EndCall, and Close.
	opMu sync.Mutex

	// ledgerMu serialises read-modify-write cycles on the ledger record.
	ledgerMu sync.Mutex

	// notifyMu orders subscriber notifications.
	notifyMu sync.Mutex

	mu      sync.Mutex
	snap    Snapshot
	active  *activeCall
	subs    map[int]SubscribeFunc
	nextSub int
	closed  bool

	summaries sync.WaitGroup
	loopDone  chan struct{}
}

// activeCall is the store-side view of one call. Fields are guarded by
// Store.mu.
type activeCall struct {
	id          string
	startedAt   time.Time
	usedAtStart int
	allowed     time.Duration
	elapsed     time.Duration
	timer       clock.Timer
	ending      bool
}

// New creates a Store and starts consuming t's events. ledgerStore holds the
// quota record of cfg.UserID. Call [Store.Refresh] to load it.
func New(cfg Config, t Transport, ledgerStore ledger.Store, opts ...Option) *Store {
	s := &Store{
		cfg:       cfg.withDefaults(),
		transport: t,
		ledger:    ledgerStore,
		clock:     clock.Real{},
		log:       slog.Default(),
		subs:      make(map[int]SubscribeFunc),
		loopDone:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.clock = clock.OrReal(s.clock)
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = s.log.With("user_id", s.cfg.UserID)
	s.snap.Limits = s.defaultLimits(s.clock.Now())

	go s.consume()
	return s
}

// Subscribe registers fn for snapshot changes and returns a function that
// removes it.
func (s *Store) Subscribe(fn SubscribeFunc) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Snapshot returns the current state. Limits are rolled over to today.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	snap := s.snap
	s.mu.Unlock()
	snap.Limits = snap.Limits.On(s.clock.Now())
	return snap
}

// Limits returns today's quota view.
func (s *Store) Limits() Limits {
	return s.Snapshot().Limits
}

// CanStartCall reports whether minutes remain today.
func (s *Store) CanStartCall() bool {
	l := s.Limits()
	return l.UsedMinutes < l.DailyMinutes
}

// RemainingMinutes returns max(0, daily - used) for today.
func (s *Store) RemainingMinutes() int {
	return s.Limits().Remaining()
}

// update mutates the snapshot under s.mu and notifies subscribers of the
// change, in mutation order.
func (s *Store) update(mutate func(*Snapshot)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	old := s.snap
	mutate(&s.snap)
	next := s.snap
	subs := make([]SubscribeFunc, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(old, next)
	}
}

// Close ends any active call and waits for pending summarisation requests.
// It does not close the transport. Close is idempotent.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := s.active != nil
	s.mu.Unlock()

	var err error
	if active {
		if _, endErr := s.EndCall(ctx); endErr != nil && !errors.Is(endErr, ErrNoActiveCall) {
			err = endErr
		}
	}

	done := make(chan struct{})
	go func() {
		s.summaries.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("call: wait for summaries: %w", ctx.Err()))
	}
	return err
}

// Done is closed once the transport's event stream has ended.
func (s *Store) Done() <-chan struct{} {
	return s.loopDone
}
