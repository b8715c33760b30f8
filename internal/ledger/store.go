// Package ledger persists per-user call-minute quotas.
//
// A [Record] is keyed by user and stamped with the calendar date of its last
// write. Interpreting the date (rolling usage over to zero on a new day) is
// the caller's job; stores only provide get/put semantics.
//
// Three backends are provided: [MemoryStore] for tests and single-process
// use, [SQLiteStore] for a local file, and [PostgresStore] for shared
// deployments.
package ledger

import (
	"context"
	"errors"
	"time"
)

// DateLayout is the layout of [Record.Date].
const DateLayout = "2006-01-02"

// ErrNotFound is returned by [Store.Get] when no record exists for the user.
var ErrNotFound = errors.New("ledger: record not found")

// Record is the stored quota state of one user.
type Record struct {
	UserID string

	// Date is the calendar day (YYYY-MM-DD) UsedMinutes belongs to.
	Date string

	UsedMinutes  int
	DailyMinutes int
	IsPremium    bool

	UpdatedAt time.Time
}

// Store is the persistence contract used by the call store. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the record for userID, or [ErrNotFound].
	Get(ctx context.Context, userID string) (Record, error)

	// Put inserts or replaces the record for rec.UserID.
	Put(ctx context.Context, rec Record) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// DateOf formats t as a [Record.Date] in t's location.
func DateOf(t time.Time) string {
	return t.Format(DateLayout)
}
