package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a [Store] backed by a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS usage_limits (
			user_id       TEXT PRIMARY KEY,
			usage_date    TEXT NOT NULL,
			used_minutes  INTEGER NOT NULL DEFAULT 0,
			daily_minutes INTEGER NOT NULL,
			is_premium    INTEGER NOT NULL DEFAULT 0,
			updated_at    INTEGER NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return nil
}

// Get implements [Store].
func (s *SQLiteStore) Get(ctx context.Context, userID string) (Record, error) {
	const query = `SELECT usage_date, used_minutes, daily_minutes, is_premium, updated_at
		FROM usage_limits WHERE user_id = ?`

	rec := Record{UserID: userID}
	var premium int
	var updated int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&rec.Date, &rec.UsedMinutes, &rec.DailyMinutes, &premium, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("ledger: get %s: %w", userID, err)
	}
	rec.IsPremium = premium != 0
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

// Put implements [Store].
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	const query = `INSERT INTO usage_limits
			(user_id, usage_date, used_minutes, daily_minutes, is_premium, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			usage_date    = excluded.usage_date,
			used_minutes  = excluded.used_minutes,
			daily_minutes = excluded.daily_minutes,
			is_premium    = excluded.is_premium,
			updated_at    = excluded.updated_at`

	premium := 0
	if rec.IsPremium {
		premium = 1
	}
	if _, err := s.db.ExecContext(ctx, query,
		rec.UserID, rec.Date, rec.UsedMinutes, rec.DailyMinutes, premium, rec.UpdatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("ledger: put %s: %w", rec.UserID, err)
	}
	return nil
}

// Ping implements [Store].
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
