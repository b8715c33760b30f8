package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voicecall/internal/ledger"
)

// Limits is a user's daily quota.
type Limits struct {
	// Date is the day UsedMinutes belongs to (YYYY-MM-DD).
	Date string

	UsedMinutes  int
	DailyMinutes int
	IsPremium    bool
}

// Remaining returns max(0, DailyMinutes - UsedMinutes).
func (l Limits) Remaining() int {
	return max(0, l.DailyMinutes-l.UsedMinutes)
}

// On returns l as seen on the day of t: usage recorded on an earlier day
// counts as zero.
func (l Limits) On(t time.Time) Limits {
	if today := ledger.DateOf(t); l.Date != today {
		l.Date = today
		l.UsedMinutes = 0
	}
	return l
}

// LimitsUpdate is a partial change applied by [Store.UpdateLimits]. Nil
// fields are left as they are.
type LimitsUpdate struct {
	// IsPremium switches the daily allowance between the free and premium
	// tiers.
	IsPremium *bool

	// DailyMinutes overrides the daily allowance. Applied after IsPremium.
	DailyMinutes *int
}

func limitsFromRecord(rec ledger.Record) Limits {
	return Limits{
		Date:         rec.Date,
		UsedMinutes:  rec.UsedMinutes,
		DailyMinutes: rec.DailyMinutes,
		IsPremium:    rec.IsPremium,
	}
}

func (s *Store) defaultLimits(now time.Time) Limits {
	return Limits{Date: ledger.DateOf(now), DailyMinutes: s.cfg.FreeMinutes}
}

// Refresh reloads the quota record from the ledger.
func (s *Store) Refresh(ctx context.Context) (Limits, error) {
	s.ledgerMu.Lock()
	rec, err := s.loadLocked(ctx)
	s.ledgerMu.Unlock()
	if err != nil {
		return Limits{}, err
	}
	l := limitsFromRecord(rec)
	s.update(func(snap *Snapshot) { snap.Limits = l })
	return l, nil
}

// UpdateLimits applies u and persists the result. Used minutes are never
// changed.
func (s *Store) UpdateLimits(ctx context.Context, u LimitsUpdate) (Limits, error) {
	if u.DailyMinutes != nil && *u.DailyMinutes < 0 {
		return Limits{}, fmt.Errorf("call: daily minutes must be >= 0, got %d", *u.DailyMinutes)
	}

	l, err := s.mutateLedger(ctx, func(rec *ledger.Record) {
		if u.IsPremium != nil {
			rec.IsPremium = *u.IsPremium
			if rec.IsPremium {
				rec.DailyMinutes = s.cfg.PremiumMinutes
			} else {
				rec.DailyMinutes = s.cfg.FreeMinutes
			}
		}
		if u.DailyMinutes != nil {
			rec.DailyMinutes = *u.DailyMinutes
		}
	})
	if err != nil {
		return Limits{}, err
	}

	s.mu.Lock()
	if ac := s.active; ac != nil && !ac.ending {
		ac.allowed = allowance(l.DailyMinutes, ac.usedAtStart)
	}
	s.mu.Unlock()
	s.update(func(snap *Snapshot) { snap.Limits = l })

	s.log.Info("call: limits updated", "daily_minutes", l.DailyMinutes, "premium", l.IsPremium)
	return l, nil
}

// bookMinutes adds minutes to today's usage and returns the new limits.
func (s *Store) bookMinutes(ctx context.Context, minutes int) (Limits, error) {
	return s.mutateLedger(ctx, func(rec *ledger.Record) {
		rec.UsedMinutes += minutes
	})
}

// mutateLedger reads the record, rolls it over to today, applies fn, and
// writes it back as one step under s.ledgerMu.
func (s *Store) mutateLedger(ctx context.Context, fn func(*ledger.Record)) (Limits, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()

	rec, err := s.loadLocked(ctx)
	if err != nil {
		return Limits{}, err
	}
	fn(&rec)
	rec.UpdatedAt = s.clock.Now()
	if err := s.ledger.Put(ctx, rec); err != nil {
		return Limits{}, fmt.Errorf("call: save limits: %w", err)
	}
	return limitsFromRecord(rec), nil
}

// loadLocked returns the user's record rolled over to today. A missing record
// yields the free tier. The caller must hold s.ledgerMu.
func (s *Store) loadLocked(ctx context.Context) (ledger.Record, error) {
	now := s.clock.Now()
	rec, err := s.ledger.Get(ctx, s.cfg.UserID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		d := s.defaultLimits(now)
		return ledger.Record{UserID: s.cfg.UserID, Date: d.Date, DailyMinutes: d.DailyMinutes}, nil
	case err != nil:
		return ledger.Record{}, fmt.Errorf("call: load limits: %w", err)
	}
	if today := ledger.DateOf(now); rec.Date != today {
		rec.Date = today
		rec.UsedMinutes = 0
	}
	return rec, nil
}

// allowance is the call time left when usedMinutes of dailyMinutes are spent.
func allowance(dailyMinutes, usedMinutes int) time.Duration {
	return time.Duration(max(0, dailyMinutes-usedMinutes)) * time.Minute
}

// billedMinutes rounds d up to whole minutes.
func billedMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
