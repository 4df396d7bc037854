package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
)

// SQLiteStore keeps counters in the rate_limit_counters table. Suitable for a
// single instance; use RedisStore when several instances share keys.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

func (s *SQLiteStore) IncrementWithin(ctx context.Context, k domain.Key, cost, limit int, ttl time.Duration) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("increment counter: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	expires := s.now().Add(ttl).Unix()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limit_counters (api_key_id, window_kind, window_start, count, expires_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT (api_key_id, window_kind, window_start) DO NOTHING`,
		k.APIKeyID, string(k.Kind), k.WindowStart.Unix(), expires,
	); err != nil {
		return 0, false, fmt.Errorf("increment counter: ensure row: %w", err)
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`UPDATE rate_limit_counters SET count = count + ?
		WHERE api_key_id = ? AND window_kind = ? AND window_start = ? AND count + ? <= ?
		RETURNING count`,
		cost, k.APIKeyID, string(k.Kind), k.WindowStart.Unix(), cost, limit,
	).Scan(&count)

	applied := true
	if errors.Is(err, sql.ErrNoRows) {
		applied = false
		err = tx.QueryRowContext(ctx,
			`SELECT count FROM rate_limit_counters
			WHERE api_key_id = ? AND window_kind = ? AND window_start = ?`,
			k.APIKeyID, string(k.Kind), k.WindowStart.Unix(),
		).Scan(&count)
	}
	if err != nil {
		return 0, false, fmt.Errorf("increment counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("increment counter: commit: %w", err)
	}
	return count, applied, nil
}

func (s *SQLiteStore) Decrement(ctx context.Context, k domain.Key, cost int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rate_limit_counters SET count = MAX(count - ?, 0)
		WHERE api_key_id = ? AND window_kind = ? AND window_start = ?`,
		cost, k.APIKeyID, string(k.Kind), k.WindowStart.Unix(),
	)
	if err != nil {
		return fmt.Errorf("decrement counter: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, k domain.Key) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM rate_limit_counters
		WHERE api_key_id = ? AND window_kind = ? AND window_start = ?`,
		k.APIKeyID, string(k.Kind), k.WindowStart.Unix(),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return count, nil
}

// Prune deletes expired counters and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limit_counters WHERE expires_at < ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune counters: %w", err)
	}
	return res.RowsAffected()
}
