// Package transport owns the network side of a voice call.
//
// A [Client] acquires the capture device, runs the signal processor and VAD,
// streams voiced PCM16 frames to the voice service over a WebSocket, plays
// the synthesised reply, and reconnects with bounded exponential backoff when
// the connection drops. Everything the rest of the program needs to know is
// published as typed [Event] values on [Client.Events].
//
// One Client owns at most one live call. StartCall and EndCall are serialised
// and EndCall is idempotent: the capture device is released exactly once and
// repeated calls return the same [Result].
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voicecall/internal/clock"
	"github.com/MrWong99/voicecall/internal/observe"
	"github.com/MrWong99/voicecall/pkg/audio"
	"github.com/MrWong99/voicecall/pkg/audio/signal"
	"github.com/MrWong99/voicecall/pkg/vad"
)

// Sentinel errors returned by [Client] methods.
var (
	ErrCallActive   = errors.New("transport: a call is already active")
	ErrNoActiveCall = errors.New("transport: no active call")
	ErrClosed       = errors.New("transport: client closed")

	// ErrConnectTimeout is the cause of a connect attempt that exceeded
	// Config.ConnectTimeout.
	ErrConnectTimeout = errors.New("transport: connect timed out")
)

const defaultConnectTimeout = 10 * time.Second

// Config holds the call parameters of a [Client].
type Config struct {
	// SampleRate of outbound audio in Hz. Defaults to 16 kHz.
	SampleRate int

	// Channels of outbound audio. Defaults to mono.
	Channels int

	// ConnectTimeout bounds credential fetch, dial, and session
	// configuration of one attempt. Defaults to 10s.
	ConnectTimeout time.Duration

	// Retry is the reconnection policy.
	Retry RetryPolicy

	// Signal tunes the frame processor. SampleRate and DeviceRate are set by
	// the client.
	Signal signal.Config

	// VAD tunes the voice activity detector.
	VAD vad.Config
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = audio.DefaultChannels
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	c.Retry = c.Retry.withDefaults()
	return c
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithClock sets the time source for call timing and reconnect backoff.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithDialer overrides how connections are opened. Defaults to
// [WebSocketDialer] with http.DefaultClient.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithPlayer sets where inbound audio is played. Defaults to [audio.Discard].
func WithPlayer(p audio.Player) Option {
	return func(c *Client) { c.player = p }
}

// WithMonitor sets where raw microphone blocks go while nothing is being
// recorded, for example during connect. Defaults to [audio.Discard].
func WithMonitor(p audio.Player) Option {
	return func(c *Client) { c.monitor = p }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is the realtime transport for one caller. All methods are safe for
// concurrent use.
type Client struct {
	cfg     Config
	device  audio.Device
	creds   CredentialSource
	dial    Dialer
	player  audio.Player
	monitor audio.Player
	clock   clock.Clock
	log     *slog.Logger
	metrics *observe.Metrics

	// opMu serialises StartCall, EndCall, and Close.
	opMu sync.Mutex

	mu     sync.Mutex
	state  State
	call   *callSession
	last   *Result
	closed bool

	events *eventQueue
}

// callSession is the state of one call. Fields below the marker are guarded
// by Client.mu.
type callSession struct {
	id        string
	userID    string
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	capture   audio.Capture
	proc      *signal.Processor
	detector  *vad.Detector // pump goroutine only; created on the first frame
	release   sync.Once
	wg        sync.WaitGroup
	sent      atomic.Uint64
	dropped   atomic.Uint64

	// guarded by Client.mu
	conn       Conn
	retry      RetryState
	timer      clock.Timer
	finished   bool
	cause      EndCause
	endedAt    time.Time
	transcript []string
	latencies  []float64
}

// New creates a Client. device supplies microphone audio; creds exchanges the
// user ID for connection credentials before every connect attempt.
func New(cfg Config, device audio.Device, creds CredentialSource, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg.withDefaults(),
		device:  device,
		creds:   creds,
		player:  audio.Discard{},
		monitor: audio.Discard{},
		clock:   clock.Real{},
		log:     slog.Default(),
		state:   StateIdle,
		events:  newEventQueue(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.dial == nil {
		c.dial = WebSocketDialer(nil)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.clock = clock.OrReal(c.clock)
	return c
}

// Events returns the event stream. Events are delivered in the order they
// were produced; the channel is closed by [Client.Close]. Producers never
// block, so a slow reader only delays its own view.
func (c *Client) Events() <-chan Event { return c.events.out }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionInfo is a live view of the current call.
type SessionInfo struct {
	CallID        string
	UserID        string
	StartedAt     time.Time
	State         State
	Reconnections int
	FramesSent    uint64
	FramesDropped uint64
}

// Session returns the current call, if any. A call ended by the remote side
// stays visible until EndCall collects its result.
func (c *Client) Session() (SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs := c.call
	if cs == nil {
		return SessionInfo{State: c.state}, false
	}
	return SessionInfo{
		CallID:        cs.id,
		UserID:        cs.userID,
		StartedAt:     cs.startedAt,
		State:         c.state,
		Reconnections: cs.retry.Attempts,
		FramesSent:    cs.sent.Load(),
		FramesDropped: cs.dropped.Load(),
	}, true
}

// StartCall begins a call for userID. It fails with [ErrCallActive] while a
// call is live. A capture device failure is returned directly and leaves the
// client in [StateError]. Connection problems do not fail StartCall; they are
// retried in the background and reported as events.
func (c *Client) StartCall(ctx context.Context, userID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.call != nil && !c.call.finished {
		c.mu.Unlock()
		return ErrCallActive
	}
	stale := c.call
	c.call = nil
	c.last = nil
	c.transitionLocked(StateConnecting)
	c.mu.Unlock()

	if stale != nil {
		// Ended remotely and never collected.
		stale.wg.Wait()
	}

	capture, err := c.device.Open(ctx)
	if err != nil {
		err = fmt.Errorf("transport: acquire capture: %w", err)
		c.mu.Lock()
		c.transitionLocked(StateError)
		c.mu.Unlock()
		c.emitError(ErrAcquisition, "microphone unavailable", err)
		return err
	}

	callCtx, cancel := context.WithCancel(context.Background())
	sigCfg := c.cfg.Signal
	sigCfg.SampleRate = c.cfg.SampleRate
	sigCfg.DeviceRate = capture.SampleRate()

	cs := &callSession{
		id:        uuid.NewString(),
		userID:    userID,
		startedAt: c.clock.Now(),
		ctx:       callCtx,
		cancel:    cancel,
		capture:   capture,
		proc:      signal.New(sigCfg),
	}

	c.mu.Lock()
	c.call = cs
	c.mu.Unlock()
	c.metrics.ActiveCalls.Add(ctx, 1)

	outputs := cs.proc.Run(callCtx, capture.Blocks())
	cs.wg.Add(2)
	go c.pump(cs, outputs)
	go c.connect(cs)

	c.log.Info("transport: call started", "call_id", cs.id, "user_id", userID)
	return nil
}

// EndCall ends the current call and returns its result. It closes the
// connection with status 1000 "Call ended", cancels any pending reconnect,
// releases the capture device, and waits for the call's goroutines. Calling
// it again returns the same result. Without any call it returns
// [ErrNoActiveCall].
func (c *Client) EndCall(ctx context.Context) (Result, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.endCall(ctx)
}

func (c *Client) endCall(ctx context.Context) (Result, error) {
	c.mu.Lock()
	cs := c.call
	if cs == nil {
		last := c.last
		c.mu.Unlock()
		if last != nil {
			return *last, nil
		}
		return Result{}, ErrNoActiveCall
	}
	var conn Conn
	if !cs.finished {
		conn = cs.conn
		cs.conn = nil
		c.finishLocked(cs, EndedLocally)
	}
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, closeReasonCallEnded); err != nil {
			c.log.Debug("transport: close", "call_id", cs.id, "err", err)
		}
	}
	c.stop(cs)
	cs.wg.Wait()

	res := c.result(cs)
	c.mu.Lock()
	c.call = nil
	c.last = &res
	c.mu.Unlock()

	c.metrics.RecordCall(ctx, res.Cause.String(), res.Duration.Seconds())
	c.log.Info("transport: call ended",
		"call_id", res.CallID,
		"cause", res.Cause,
		"duration", res.Duration,
		"reconnections", res.Reconnections,
		"frames_sent", res.FramesSent,
		"frames_dropped", res.FramesDropped,
	)
	return res, nil
}

// Close ends any live call and stops event delivery. The Events channel is
// closed. Close is idempotent.
func (c *Client) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	active := c.call != nil
	c.mu.Unlock()

	if active {
		if _, err := c.endCall(context.Background()); err != nil {
			c.log.Warn("transport: end call on close", "err", err)
		}
	}
	c.events.close()
	return nil
}

// ── connection lifecycle ───────────────────────────────────────────────────────

// connect runs one connect attempt: credential, dial, config.
func (c *Client) connect(cs *callSession) {
	defer cs.wg.Done()

	started := c.clock.Now()
	conn, err := c.handshake(cs)
	if err != nil {
		if cs.ctx.Err() != nil {
			return
		}
		c.connectionLost(cs, nil, err)
		return
	}

	c.mu.Lock()
	if cs.finished {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, closeReasonCallEnded)
		return
	}
	cs.conn = conn
	cs.proc.SetRecording(true)
	c.transitionLocked(StateConnected)
	attempts := cs.retry.Attempts
	cs.wg.Add(1)
	c.mu.Unlock()

	c.metrics.ConnectDuration.Record(cs.ctx, c.clock.Now().Sub(started).Seconds())
	c.log.Debug("transport: connected", "call_id", cs.id, "reconnections", attempts)
	go c.readLoop(cs, conn)
}

// handshake performs one connect attempt under the connect timeout, measured
// on the client's clock. A connection that was opened but could not be
// configured is closed before returning.
func (c *Client) handshake(cs *callSession) (Conn, error) {
	ctx, cancel := context.WithCancelCause(cs.ctx)
	defer cancel(nil)
	timeout := c.clock.AfterFunc(c.cfg.ConnectTimeout, func() { cancel(ErrConnectTimeout) })
	defer timeout.Stop()

	cred, err := c.creds.Fetch(ctx, cs.userID)
	if err != nil {
		return nil, attemptError(ctx, "fetch credential", err)
	}
	if !cred.ExpiresAt.IsZero() {
		c.log.Debug("transport: credential", "call_id", cs.id, "expires_at", cred.ExpiresAt)
	}

	conn, err := c.dial(ctx, cred.URL, cred.Token)
	if err != nil {
		return nil, attemptError(ctx, "connect", err)
	}

	msg, err := json.Marshal(configMessage{
		Type:   "config",
		Config: sessionConfig{SampleRate: c.cfg.SampleRate, Channels: c.cfg.Channels},
	})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "config failed")
		return nil, fmt.Errorf("transport: marshal config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "config failed")
		return nil, attemptError(ctx, "send config", err)
	}
	return conn, nil
}

// attemptError wraps err from one handshake step. A timed-out attempt
// reports [ErrConnectTimeout] instead of the context error it caused.
func attemptError(ctx context.Context, step string, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrConnectTimeout) {
		return fmt.Errorf("transport: %s: %w", step, cause)
	}
	return fmt.Errorf("transport: %s: %w", step, err)
}

// connectionLost handles a failed attempt (conn == nil) or a dropped
// connection. Stale reports for a connection that is no longer current are
// ignored.
func (c *Client) connectionLost(cs *callSession, conn Conn, cause error) {
	c.mu.Lock()
	if cs.finished || cs.conn != conn {
		c.mu.Unlock()
		return
	}
	cs.conn = nil
	cs.proc.SetRecording(false)
	defer func() {
		if conn != nil {
			_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
		}
	}()

	next, ok := c.cfg.Retry.Next(cs.retry, c.clock.Now())
	if !ok {
		c.log.Warn("transport: reconnect budget exhausted", "call_id", cs.id, "attempts", cs.retry.Attempts, "err", cause)
		c.emitError(ErrReconnectExhausted, "connection lost", cause)
		c.finishLocked(cs, EndedReconnectExhausted)
		c.mu.Unlock()
		c.stop(cs)
		return
	}

	cs.retry = next
	cs.timer = c.clock.AfterFunc(next.Delay, func() { c.retryConnect(cs) })
	c.metrics.Reconnects.Add(cs.ctx, 1)
	c.log.Warn("transport: connection lost, retrying",
		"call_id", cs.id,
		"attempt", next.Attempts,
		"delay", next.Delay,
		"err", cause,
	)
	c.emitError(ErrConnection, "connection lost, reconnecting", cause)
	if c.state != StateConnecting {
		c.transitionLocked(StateConnecting)
	}
	c.mu.Unlock()
}

func (c *Client) retryConnect(cs *callSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs.finished {
		return
	}
	cs.timer = nil
	cs.wg.Add(1)
	go c.connect(cs)
}

// remoteEnded handles a normal close initiated by the voice service.
func (c *Client) remoteEnded(cs *callSession, conn Conn) {
	c.mu.Lock()
	if cs.finished || cs.conn != conn {
		c.mu.Unlock()
		return
	}
	cs.conn = nil
	c.log.Info("transport: call ended by remote", "call_id", cs.id)
	c.finishLocked(cs, EndedRemotely)
	c.mu.Unlock()
	c.stop(cs)
}

// finishLocked marks cs as no longer live. The caller must hold c.mu and
// call stop after releasing it.
func (c *Client) finishLocked(cs *callSession, cause EndCause) {
	cs.finished = true
	cs.cause = cause
	cs.endedAt = c.clock.Now()
	if cs.timer != nil {
		cs.timer.Stop()
		cs.timer = nil
	}
	cs.proc.SetRecording(false)
	if c.state.Live() {
		c.transitionLocked(StateDisconnected)
	}
	c.metrics.ActiveCalls.Add(context.Background(), -1)
}

// stop cancels the call's goroutines and releases the capture device.
// Safe to call more than once.
func (c *Client) stop(cs *callSession) {
	cs.cancel()
	cs.release.Do(func() {
		if err := cs.capture.Close(); err != nil {
			c.log.Warn("transport: release capture", "call_id", cs.id, "err", err)
		}
	})
}

func (c *Client) result(cs *callSession) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Result{
		CallID:        cs.id,
		UserID:        cs.userID,
		StartedAt:     cs.startedAt,
		EndedAt:       cs.endedAt,
		Duration:      cs.endedAt.Sub(cs.startedAt),
		Cause:         cs.cause,
		Transcript:    slices.Clone(cs.transcript),
		Latencies:     slices.Clone(cs.latencies),
		P50Latency:    Percentile(cs.latencies, 0.5),
		P95Latency:    Percentile(cs.latencies, 0.95),
		Reconnections: cs.retry.Attempts,
		FramesSent:    cs.sent.Load(),
		FramesDropped: cs.dropped.Load(),
	}
}

// ── audio paths ────────────────────────────────────────────────────────────────

// pump is the control-side consumer of processor output. It tags frames with
// the VAD result and sends voiced frames in capture order. The detector is
// sized from the first frame so its windows match the capture block length.
func (c *Client) pump(cs *callSession, outputs <-chan signal.Output) {
	defer cs.wg.Done()

	for out := range outputs {
		if lvl := out.Level; lvl != nil {
			c.events.push(InputLevel{Level: lvl.Level, Peak: lvl.Peak, Clipping: lvl.Clipping})
		}
		if out.Monitor != nil {
			if err := c.monitor.Play(out.Monitor); err != nil {
				c.log.Debug("transport: monitor", "call_id", cs.id, "err", err)
			}
		}
		f := out.Frame
		if f == nil {
			continue
		}
		if cs.detector == nil {
			vcfg := c.cfg.VAD
			vcfg.FrameDuration = f.Duration()
			cs.detector = vad.New(vcfg)
		}
		r := cs.detector.ProcessPCM(f.Data)
		f.Speaking = r.IsSpeaking
		c.observeActivity(cs, r.IsSpeaking, cs.detector.IsEndOfSpeech())
		if f.Voiced {
			c.send(cs, f)
		}
	}

	st := cs.proc.Stats()
	c.metrics.RecordDropped(context.Background(), "outbound", "overflow", int64(st.Overflow))
	c.metrics.RecordDropped(context.Background(), "outbound", "malformed", int64(st.Malformed))

	if cs.ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	live := !cs.finished
	c.mu.Unlock()
	if live {
		c.emitError(ErrCaptureEnded, "capture device stopped", nil)
	}
}

// observeActivity maps VAD output onto the speaking and listening states.
// Speaking ends only once the detector reports end of speech.
func (c *Client) observeActivity(cs *callSession, speaking, endOfSpeech bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs.finished || c.call != cs {
		return
	}
	switch {
	case speaking && (c.state == StateConnected || c.state == StateListening):
		c.transitionLocked(StateSpeaking)
	case endOfSpeech && c.state == StateSpeaking:
		c.transitionLocked(StateListening)
	}
}

// send writes one frame. Frames are never queued: without an open
// connection the frame is dropped.
func (c *Client) send(cs *callSession, f *audio.AudioFrame) {
	c.mu.Lock()
	conn := cs.conn
	c.mu.Unlock()

	if conn == nil {
		cs.dropped.Add(1)
		c.metrics.RecordDropped(cs.ctx, "outbound", "closed", 1)
		return
	}
	if err := conn.Write(cs.ctx, websocket.MessageBinary, f.Data); err != nil {
		cs.dropped.Add(1)
		c.metrics.RecordDropped(cs.ctx, "outbound", "write", 1)
		c.log.Debug("transport: send frame", "call_id", cs.id, "seq", f.Seq, "err", err)
		return
	}
	cs.sent.Add(1)
	c.metrics.FramesSent.Add(cs.ctx, 1)
}

// readLoop receives messages until the connection closes. It only reads from
// conn; the connection is replaced, not reused, on reconnect.
func (c *Client) readLoop(cs *callSession, conn Conn) {
	defer cs.wg.Done()

	for {
		typ, data, err := conn.Read(cs.ctx)
		if err != nil {
			if cs.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.remoteEnded(cs, conn)
				return
			}
			c.connectionLost(cs, conn, fmt.Errorf("transport: read: %w", err))
			return
		}
		c.handleMessage(cs, typ, data)
	}
}

func (c *Client) handleMessage(cs *callSession, typ websocket.MessageType, data []byte) {
	if typ == websocket.MessageBinary {
		c.playInbound(cs, data)
		return
	}

	msg, pcm, err := parseServerMessage(data)
	if err != nil {
		c.dropInbound(cs, "decode", err)
		return
	}
	switch msg.Type {
	case "audio":
		c.playInbound(cs, pcm)

	case "transcript":
		if msg.Final {
			c.mu.Lock()
			cs.transcript = append(cs.transcript, msg.Text)
			c.mu.Unlock()
		}
		c.events.push(Transcript{Text: msg.Text, Final: msg.Final})

	case "latency":
		v := *msg.Value
		c.mu.Lock()
		cs.latencies = append(cs.latencies, v)
		c.mu.Unlock()
		c.metrics.RemoteLatency.Record(cs.ctx, v/1000)
		c.events.push(Latency{Value: v})

	case "error":
		c.log.Warn("transport: remote error", "call_id", cs.id, "message", msg.Message)
		c.emitError(ErrRemote, msg.Message, nil)

	default:
		c.log.Debug("transport: ignoring message", "call_id", cs.id, "type", msg.Type)
	}
}

func (c *Client) playInbound(cs *callSession, pcm []byte) {
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		c.dropInbound(cs, "decode", err)
		return
	}
	if len(samples) == 0 {
		c.dropInbound(cs, "empty", nil)
		return
	}
	if err := c.player.Play(samples); err != nil {
		c.dropInbound(cs, "playback", err)
		return
	}
	c.events.push(InboundAudio{Samples: len(samples), Level: audio.RMS(samples)})
}

func (c *Client) dropInbound(cs *callSession, reason string, err error) {
	cs.dropped.Add(1)
	c.metrics.RecordDropped(cs.ctx, "inbound", reason, 1)
	c.log.Debug("transport: dropped inbound message", "call_id", cs.id, "reason", reason, "err", err)
	if reason == "decode" {
		c.emitError(ErrTransport, "undecodable message from voice service", err)
	}
}

// ── state & events ─────────────────────────────────────────────────────────────

// transitionLocked moves to the given state if the transition table allows
// it and publishes a StateChange. The caller must hold c.mu.
func (c *Client) transitionLocked(to State) bool {
	from := c.state
	if !validTransition(from, to) {
		c.log.Warn("transport: rejected state transition", "from", from, "to", to)
		return false
	}
	c.state = to
	c.events.push(StateChange{From: from, To: to})
	return true
}

func (c *Client) emitError(kind ErrorKind, message string, err error) {
	c.metrics.RecordTransportError(context.Background(), kind.String())
	c.events.push(Error{Kind: kind, Message: message, Err: err})
}
