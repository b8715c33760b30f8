package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the usage_limits table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS usage_limits (
    user_id       TEXT PRIMARY KEY,
    usage_date    DATE NOT NULL,
    used_minutes  INTEGER NOT NULL DEFAULT 0,
    daily_minutes INTEGER NOT NULL,
    is_premium    BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore on db. The caller is responsible
// for calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, userID string) (Record, error) {
	const query = `
		SELECT to_char(usage_date, 'YYYY-MM-DD'), used_minutes, daily_minutes, is_premium, updated_at
		FROM usage_limits WHERE user_id = $1`

	rec := Record{UserID: userID}
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&rec.Date, &rec.UsedMinutes, &rec.DailyMinutes, &rec.IsPremium, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("ledger: get %s: %w", userID, err)
	}
	return rec, nil
}

// Put implements [Store].
func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	const query = `
		INSERT INTO usage_limits (user_id, usage_date, used_minutes, daily_minutes, is_premium, updated_at)
		VALUES ($1, $2::date, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			usage_date    = EXCLUDED.usage_date,
			used_minutes  = EXCLUDED.used_minutes,
			daily_minutes = EXCLUDED.daily_minutes,
			is_premium    = EXCLUDED.is_premium,
			updated_at    = EXCLUDED.updated_at`

	if _, err := s.db.Exec(ctx, query,
		rec.UserID, rec.Date, rec.UsedMinutes, rec.DailyMinutes, rec.IsPremium, rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("ledger: put %s: %w", rec.UserID, err)
	}
	return nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
