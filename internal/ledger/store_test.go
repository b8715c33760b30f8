package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voicecall/internal/ledger"
)

// storeContract exercises the behaviour every [ledger.Store] must share.
func storeContract(t *testing.T, s ledger.Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "nobody"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}

	at := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	rec := ledger.Record{
		UserID:       "u1",
		Date:         ledger.DateOf(at),
		UsedMinutes:  1,
		DailyMinutes: 2,
		UpdatedAt:    at,
	}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, at)
	}
	got.UpdatedAt = rec.UpdatedAt
	if got != rec {
		t.Errorf("Get = %+v, want %+v", got, rec)
	}

	// Put replaces.
	rec.UsedMinutes = 2
	rec.DailyMinutes = 15
	rec.IsPremium = true
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put (replace): %v", err)
	}
	got, err = s.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UsedMinutes != 2 || got.DailyMinutes != 15 || !got.IsPremium {
		t.Errorf("after replace = %+v", got)
	}

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	storeContract(t, ledger.NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	s, err := ledger.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	storeContract(t, s)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := ledger.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	rec := ledger.Record{UserID: "u1", Date: "2026-05-01", UsedMinutes: 4, DailyMinutes: 15, IsPremium: true, UpdatedAt: time.Now()}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = ledger.OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.UsedMinutes != 4 || !got.IsPremium {
		t.Errorf("after reopen = %+v", got)
	}
}

func TestDateOf(t *testing.T) {
	t.Parallel()

	got := ledger.DateOf(time.Date(2026, 1, 9, 23, 59, 59, 0, time.UTC))
	if got != "2026-01-09" {
		t.Errorf("DateOf = %q", got)
	}
}
