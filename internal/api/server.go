// Package api is the HTTP control plane of voicecall.
//
// Routes:
//
//	POST   /v1/call    start a call for the configured user
//	DELETE /v1/call    end the active call and return its result
//	GET    /v1/call    current call snapshot
//	GET    /v1/limits  daily quota, reloaded from the ledger
//	PATCH  /v1/limits  switch tier or override the daily allowance
//	GET    /healthz    liveness
//	GET    /readyz     readiness; runs the registered [Checker]s
//
// All bodies are JSON. Errors are {"error": "..."} with a status derived
// from the call package's sentinel errors.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/voicecall/internal/call"
	"github.com/MrWong99/voicecall/internal/observe"
	"github.com/MrWong99/voicecall/internal/summary"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 16

// CallService is the part of [call.Store] the control plane drives.
type CallService interface {
	StartCall(ctx context.Context) error
	EndCall(ctx context.Context) (call.Result, error)
	Snapshot() call.Snapshot
	Refresh(ctx context.Context) (call.Limits, error)
	UpdateLimits(ctx context.Context, u call.LimitsUpdate) (call.Limits, error)
}

var _ CallService = (*call.Store)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithCheckers registers readiness checks for /readyz.
func WithCheckers(checkers ...Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, checkers...) }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metrics used by the request middleware. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Server serves the control plane routes.
type Server struct {
	calls    CallService
	checkers []Checker
	log      *slog.Logger
	metrics  *observe.Metrics
	handler  http.Handler
}

// NewServer returns a Server driving calls.
func NewServer(calls CallService, opts ...Option) *Server {
	s := &Server{
		calls:   calls,
		log:     slog.Default(),
		metrics: observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	s.Register(mux)
	s.handler = observe.Middleware(s.metrics, s.log)(mux)
	return s
}

// Register adds the routes to mux without the observability middleware.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/call", s.startCall)
	mux.HandleFunc("DELETE /v1/call", s.endCall)
	mux.HandleFunc("GET /v1/call", s.getCall)
	mux.HandleFunc("GET /v1/limits", s.getLimits)
	mux.HandleFunc("PATCH /v1/limits", s.patchLimits)
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
}

// ServeHTTP implements [http.Handler] with tracing, metrics, and request logs.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ── Views ──────────────────────────────────────────────────────────────────────

type limitsView struct {
	Date             string `json:"date"`
	UsedMinutes      int    `json:"used_minutes"`
	DailyMinutes     int    `json:"daily_minutes"`
	RemainingMinutes int    `json:"remaining_minutes"`
	IsPremium        bool   `json:"is_premium"`
}

func viewLimits(l call.Limits) limitsView {
	return limitsView{
		Date:             l.Date,
		UsedMinutes:      l.UsedMinutes,
		DailyMinutes:     l.DailyMinutes,
		RemainingMinutes: l.Remaining(),
		IsPremium:        l.IsPremium,
	}
}

type resultView struct {
	CallID        string    `json:"call_id"`
	Reason        string    `json:"reason"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	DurationMS    int64     `json:"duration_ms"`
	Minutes       int       `json:"minutes"`
	Transcript    []string  `json:"transcript"`
	P50LatencyMS  float64   `json:"p50_latency_ms"`
	P95LatencyMS  float64   `json:"p95_latency_ms"`
	Reconnections int       `json:"reconnections"`
	FramesSent    uint64    `json:"frames_sent"`
	FramesDropped uint64    `json:"frames_dropped"`
}

func viewResult(r call.Result) resultView {
	transcript := r.Transcript
	if transcript == nil {
		transcript = []string{}
	}
	return resultView{
		CallID:        r.CallID,
		Reason:        r.Reason.String(),
		StartedAt:     r.StartedAt,
		EndedAt:       r.EndedAt,
		DurationMS:    r.Duration.Milliseconds(),
		Minutes:       r.Minutes,
		Transcript:    transcript,
		P50LatencyMS:  r.P50Latency,
		P95LatencyMS:  r.P95Latency,
		Reconnections: r.Reconnections,
		FramesSent:    r.FramesSent,
		FramesDropped: r.FramesDropped,
	}
}

type callView struct {
	State          string          `json:"state"`
	Active         bool            `json:"active"`
	CallID         string          `json:"call_id,omitempty"`
	ElapsedSeconds float64         `json:"elapsed_seconds"`
	Partial        string          `json:"partial,omitempty"`
	Error          string          `json:"error,omitempty"`
	Limits         limitsView      `json:"limits"`
	Last           *resultView     `json:"last,omitempty"`
	Moment         *summary.Moment `json:"moment,omitempty"`
}

func viewSnapshot(snap call.Snapshot) callView {
	v := callView{
		State:          snap.State.String(),
		Active:         snap.Active,
		CallID:         snap.CallID,
		ElapsedSeconds: snap.Elapsed.Seconds(),
		Partial:        snap.Partial,
		Error:          snap.Error,
		Limits:         viewLimits(snap.Limits),
		Moment:         snap.Moment,
	}
	if snap.Last != nil {
		last := viewResult(*snap.Last)
		v.Last = &last
	}
	return v
}

// ── Handlers ───────────────────────────────────────────────────────────────────

func (s *Server) startCall(w http.ResponseWriter, r *http.Request) {
	if err := s.calls.StartCall(r.Context()); err != nil {
		// Unmapped start failures come from the capture device or the
		// voice service.
		s.writeError(w, r, err, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusCreated, viewSnapshot(s.calls.Snapshot()))
}

func (s *Server) endCall(w http.ResponseWriter, r *http.Request) {
	res, err := s.calls.EndCall(r.Context())
	if err != nil && res.CallID == "" {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	if err != nil {
		// The call ended but its minutes could not be booked.
		observe.Logger(r.Context(), s.log).Error("api: end call", "call_id", res.CallID, "err", err)
	}
	writeJSON(w, http.StatusOK, viewResult(res))
}

func (s *Server) getCall(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewSnapshot(s.calls.Snapshot()))
}

func (s *Server) getLimits(w http.ResponseWriter, r *http.Request) {
	l, err := s.calls.Refresh(r.Context())
	if err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, viewLimits(l))
}

type limitsPatch struct {
	IsPremium    *bool `json:"is_premium"`
	DailyMinutes *int  `json:"daily_minutes"`
}

func (s *Server) patchLimits(w http.ResponseWriter, r *http.Request) {
	var p limitsPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid body: %v", err)})
		return
	}
	if p.IsPremium == nil && p.DailyMinutes == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "nothing to update"})
		return
	}
	if p.DailyMinutes != nil && *p.DailyMinutes < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "daily_minutes must not be negative"})
		return
	}

	l, err := s.calls.UpdateLimits(r.Context(), call.LimitsUpdate{
		IsPremium:    p.IsPremium,
		DailyMinutes: p.DailyMinutes,
	})
	if err != nil {
		s.writeError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, viewLimits(l))
}

// ── Encoding ───────────────────────────────────────────────────────────────────

type errorBody struct {
	Error  string      `json:"error"`
	Limits *limitsView `json:"limits,omitempty"`
}

// statusFor maps call errors to HTTP status codes. Errors without a mapping
// get fallback.
func statusFor(err error, fallback int) int {
	var qe *call.QuotaError
	switch {
	case errors.As(err, &qe), errors.Is(err, call.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, call.ErrCallActive):
		return http.StatusConflict
	case errors.Is(err, call.ErrNoActiveCall):
		return http.StatusNotFound
	case errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return fallback
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, fallback int) {
	status := statusFor(err, fallback)
	body := errorBody{Error: err.Error()}

	var qe *call.QuotaError
	if errors.As(err, &qe) {
		l := viewLimits(call.Limits{UsedMinutes: qe.UsedMinutes, DailyMinutes: qe.DailyMinutes})
		l.Date = s.calls.Snapshot().Limits.Date
		body.Limits = &l
	}
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context(), s.log).Warn("api: request failed", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

// writeJSON encodes v with the given status. Encoding failures fall back to a
// plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
