package call

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicecall/internal/observe"
	"github.com/MrWong99/voicecall/internal/summary"
	"github.com/MrWong99/voicecall/internal/transport"
)

// StartCall starts a call for the configured user. It fails with a
// [*QuotaError] when no minutes remain, before the capture device is
// touched, and with [ErrCallActive] while a call is in progress. Errors from
// the transport (for example a denied microphone) are returned as is.
func (s *Store) StartCall(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	ctx, span := observe.StartSpan(ctx, "call.start",
		trace.WithAttributes(attribute.String("user.id", s.cfg.UserID)))
	defer span.End()

	s.mu.Lock()
	closed, busy := s.closed, s.active != nil
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if busy {
		return ErrCallActive
	}

	s.ledgerMu.Lock()
	rec, err := s.loadLocked(ctx)
	s.ledgerMu.Unlock()
	if err != nil {
		return err
	}
	limits := limitsFromRecord(rec)
	if limits.UsedMinutes >= limits.DailyMinutes {
		s.metrics.QuotaRejections.Add(ctx, 1)
		s.update(func(snap *Snapshot) { snap.Limits = limits })
		return &QuotaError{UserID: s.cfg.UserID, UsedMinutes: limits.UsedMinutes, DailyMinutes: limits.DailyMinutes}
	}

	s.update(func(snap *Snapshot) {
		snap.Limits = limits
		snap.Error = ""
		snap.Partial = ""
	})

	if err := s.transport.StartCall(ctx, s.cfg.UserID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport start failed")
		return err
	}
	info, _ := s.transport.Session()
	span.SetAttributes(attribute.String("call.id", info.CallID))

	ac := &activeCall{
		id:          info.CallID,
		startedAt:   s.clock.Now(),
		usedAtStart: limits.UsedMinutes,
		allowed:     allowance(limits.DailyMinutes, limits.UsedMinutes),
	}
	s.mu.Lock()
	s.active = ac
	ac.timer = s.clock.AfterFunc(s.cfg.TickInterval, func() { s.tick(ac) })
	s.mu.Unlock()

	s.update(func(snap *Snapshot) {
		snap.Active = true
		snap.CallID = ac.id
		snap.Elapsed = 0
	})
	s.log.Info("call: started", "call_id", ac.id, "allowed", ac.allowed)

	// The transport may have finished the call before s.active was set, in
	// which case the event loop skipped the ending.
	if cur, ok := s.transport.Session(); ok && cur.CallID == ac.id && cur.State == transport.StateDisconnected {
		go s.endFromTransport(ac, EndReasonRemote)
	}
	return nil
}

// EndCall ends the active call: it stops the ticker, collects the final
// metrics from the transport, books the rounded-up minutes, and dispatches
// one summarisation request in the background. Summarisation failures are
// logged, never returned. Calling EndCall again returns the same result;
// without any finished or active call it returns [ErrNoActiveCall].
func (s *Store) EndCall(ctx context.Context) (Result, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.end(ctx, nil, EndReasonUser)
}

// end finishes the active call. When want is non-nil, only that call is
// ended. The caller must hold s.opMu.
func (s *Store) end(ctx context.Context, want *activeCall, reason EndReason) (Result, error) {
	s.mu.Lock()
	ac := s.active
	if ac == nil || (want != nil && ac != want) {
		last := s.snap.Last
		s.mu.Unlock()
		if want == nil && last != nil {
			return *last, nil
		}
		return Result{}, ErrNoActiveCall
	}
	ac.ending = true
	allowed := ac.allowed
	if ac.timer != nil {
		ac.timer.Stop()
		ac.timer = nil
	}
	s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "call.end",
		trace.WithAttributes(attribute.String("call.id", ac.id)))
	defer span.End()

	tres, err := s.transport.EndCall(ctx)
	if err != nil {
		// The transport lost track of the call; nothing is billable.
		s.log.Warn("call: transport end", "call_id", ac.id, "err", err)
		tres = transport.Result{CallID: ac.id, UserID: s.cfg.UserID, StartedAt: ac.startedAt, EndedAt: ac.startedAt}
	}

	switch tres.Cause {
	case transport.EndedRemotely:
		reason = EndReasonRemote
	case transport.EndedReconnectExhausted:
		reason = EndReasonConnectionLost
	}
	// The transport's duration runs ahead of the quota ticker by the tick
	// drift. Bookings never exceed the allowance.
	minutes := min(billedMinutes(tres.Duration), int(allowed/time.Minute))
	res := Result{Result: tres, Reason: reason, Minutes: minutes}
	span.SetAttributes(
		attribute.String("call.end_reason", reason.String()),
		attribute.Int("call.minutes", res.Minutes),
	)

	limits, ledgerErr := s.bookMinutes(ctx, res.Minutes)
	if ledgerErr != nil {
		span.RecordError(ledgerErr)
		s.log.Error("call: book minutes", "call_id", res.CallID, "minutes", res.Minutes, "err", ledgerErr)
	}

	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
	s.update(func(snap *Snapshot) {
		snap.Active = false
		snap.Elapsed = 0
		snap.Partial = ""
		snap.Last = &res
		snap.Moment = nil
		if ledgerErr == nil {
			snap.Limits = limits
		}
	})

	s.log.Info("call: ended",
		"call_id", res.CallID,
		"reason", res.Reason,
		"duration", res.Duration,
		"minutes", res.Minutes,
	)
	s.summarize(res)

	if ledgerErr != nil {
		return res, ledgerErr
	}
	return res, nil
}

// endFromTransport ends ac after the transport finished it on its own.
func (s *Store) endFromTransport(ac *activeCall, reason EndReason) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if _, err := s.end(context.Background(), ac, reason); err != nil && !errors.Is(err, ErrNoActiveCall) {
		s.log.Warn("call: end after transport", "call_id", ac.id, "err", err)
	}
}

// tick advances the duration of ac by one interval and ends the call once
// the allowance is used up.
func (s *Store) tick(ac *activeCall) {
	s.mu.Lock()
	if s.active != ac || ac.ending {
		s.mu.Unlock()
		return
	}
	ac.elapsed += s.cfg.TickInterval
	elapsed := ac.elapsed
	expired := elapsed >= ac.allowed
	if !expired {
		ac.timer = s.clock.AfterFunc(s.cfg.TickInterval, func() { s.tick(ac) })
	}
	s.mu.Unlock()

	s.update(func(snap *Snapshot) {
		if snap.CallID == ac.id {
			snap.Elapsed = elapsed
		}
	})

	if expired {
		s.log.Info("call: quota reached, ending call", "call_id", ac.id, "elapsed", elapsed)
		s.endFromTransport(ac, EndReasonQuota)
	}
}

// summarize dispatches one summarisation request for res.
func (s *Store) summarize(res Result) {
	if s.summarizer == nil {
		return
	}
	req := summary.Request{
		CallID:     res.CallID,
		UserID:     res.UserID,
		Transcript: res.Transcript,
		Metrics: summary.Metrics{
			Duration:      res.Duration.Milliseconds(),
			P50Latency:    res.P50Latency,
			P95Latency:    res.P95Latency,
			PacketDrops:   int64(res.FramesDropped),
			Reconnections: res.Reconnections,
		},
	}

	s.summaries.Add(1)
	go func() {
		defer s.summaries.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SummaryTimeout)
		defer cancel()

		m, err := s.summarizer.Summarize(ctx, req)
		if err != nil {
			s.metrics.RecordSummary(ctx, "error")
			s.log.Warn("call: summarise", "call_id", req.CallID, "err", err)
			return
		}
		s.metrics.RecordSummary(ctx, "ok")
		s.update(func(snap *Snapshot) {
			if snap.Last != nil && snap.Last.CallID == req.CallID {
				snap.Moment = &m
			}
		})
	}()
}

// ── transport events ───────────────────────────────────────────────────────────

// consume mirrors transport events into the snapshot and accounts for calls
// the transport ended on its own.
func (s *Store) consume() {
	defer close(s.loopDone)
	for e := range s.transport.Events() {
		s.handleEvent(e)
	}
}

func (s *Store) handleEvent(e transport.Event) {
	switch ev := e.(type) {
	case transport.StateChange:
		s.update(func(snap *Snapshot) { snap.State = ev.To })
		if ev.To == transport.StateDisconnected {
			s.endIfFinished(EndReasonRemote, func(info transport.SessionInfo) bool {
				return info.State == transport.StateDisconnected
			})
		}

	case transport.Transcript:
		s.update(func(snap *Snapshot) {
			if ev.Final {
				snap.Partial = ""
			} else {
				snap.Partial = ev.Text
			}
		})

	case transport.Error:
		switch ev.Kind {
		case transport.ErrConnection, transport.ErrTransport:
			return
		}
		s.update(func(snap *Snapshot) { snap.Error = ev.Message })
		if ev.Kind == transport.ErrCaptureEnded {
			s.endIfFinished(EndReasonCaptureEnded, func(info transport.SessionInfo) bool {
				return info.State.Live()
			})
		}
	}
}

// endIfFinished ends the active call when the transport's current session is
// that call and match reports it as over. Events of an earlier call are
// ignored this way.
func (s *Store) endIfFinished(reason EndReason, match func(transport.SessionInfo) bool) {
	s.mu.Lock()
	ac := s.active
	s.mu.Unlock()
	if ac == nil {
		return
	}
	info, ok := s.transport.Session()
	if !ok || info.CallID != ac.id || !match(info) {
		return
	}
	s.endFromTransport(ac, reason)
}
