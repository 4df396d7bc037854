package identity

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	domain "github.com/ahmethakanbesel/social-resolver/internal/identity"
	"github.com/ahmethakanbesel/social-resolver/internal/platform/sqlite"
)

const batchSize = 500

const entryColumns = `wallet, ens_name, twitter_handle, twitter_url, twitter_verified,
	farcaster, farcaster_url, fc_followers, fc_fid, farcaster_verified,
	lens, github, sources, data_quality_score, last_verification_at,
	last_updated_at, stale_at, lookup_count, last_attempt_at, last_attempt_failed`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *Repository) GetEntries(ctx context.Context, wallets []string) (map[string]domain.Entry, error) {
	out, err := getEntries(ctx, r.db, wallets)
	if err != nil {
		return nil, sqlite.WrapErr("read identity cache", err)
	}
	return out, nil
}

func getEntries(ctx context.Context, q queryer, wallets []string) (map[string]domain.Entry, error) {
	out := make(map[string]domain.Entry, len(wallets))

	for i := 0; i < len(wallets); i += batchSize {
		batch := wallets[i:min(i+batchSize, len(wallets))]

		placeholders := make([]string, len(batch))
		args := make([]any, len(batch))
		for j, w := range batch {
			placeholders[j] = "?"
			args[j] = w
		}

		query := fmt.Sprintf( //nolint:gosec // placeholders are not user input
			"SELECT %s FROM identity_cache WHERE wallet IN (%s)",
			entryColumns, strings.Join(placeholders, ", "),
		)
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("get entries: %w", err)
		}
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan entry: %w", err)
			}
			out[e.Wallet] = e
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("get entries: %w", err)
		}
	}
	return out, nil
}

// MergeEntries reads the affected rows, applies the policy and upserts the
// result inside one transaction.
func (r *Repository) MergeEntries(ctx context.Context, updates []domain.Update, policy domain.Policy, now time.Time) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return sqlite.WrapErr("merge entries: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	wallets := make([]string, 0, len(updates))
	for _, u := range updates {
		wallets = append(wallets, u.Wallet)
	}
	current, err := getEntries(ctx, tx, wallets)
	if err != nil {
		return sqlite.WrapErr("merge entries", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO identity_cache (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (wallet) DO UPDATE SET
			ens_name = excluded.ens_name,
			twitter_handle = excluded.twitter_handle,
			twitter_url = excluded.twitter_url,
			twitter_verified = excluded.twitter_verified,
			farcaster = excluded.farcaster,
			farcaster_url = excluded.farcaster_url,
			fc_followers = excluded.fc_followers,
			fc_fid = excluded.fc_fid,
			farcaster_verified = excluded.farcaster_verified,
			lens = excluded.lens,
			github = excluded.github,
			sources = excluded.sources,
			data_quality_score = excluded.data_quality_score,
			last_verification_at = excluded.last_verification_at,
			last_updated_at = excluded.last_updated_at,
			stale_at = excluded.stale_at,
			lookup_count = excluded.lookup_count,
			last_attempt_at = excluded.last_attempt_at,
			last_attempt_failed = excluded.last_attempt_failed`)
	if err != nil {
		return sqlite.WrapErr("merge entries: prepare", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, u := range updates {
		var existing *domain.Entry
		if e, ok := current[u.Wallet]; ok {
			existing = &e
		}
		merged := policy.Apply(existing, u, now)
		if merged.LastUpdatedAt.IsZero() {
			merged.LastUpdatedAt = now
		}
		current[u.Wallet] = merged

		if _, err := stmt.ExecContext(ctx, entryArgs(merged)...); err != nil {
			return sqlite.WrapErr("merge entry "+u.Wallet, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sqlite.WrapErr("merge entries: commit", err)
	}
	return nil
}

// SelectStale returns overdue wallets looked up at least minLookupCount
// times. Wallets whose last attempt failed come first, then the most overdue.
func (r *Repository) SelectStale(ctx context.Context, now time.Time, maxCount, minLookupCount int) ([]string, error) {
	const query = `SELECT wallet FROM identity_cache
		WHERE stale_at IS NOT NULL AND stale_at < ? AND lookup_count >= ?
		ORDER BY last_attempt_failed DESC, stale_at ASC, wallet ASC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, sqlite.FormatTime(now), minLookupCount, maxCount)
	if err != nil {
		return nil, sqlite.WrapErr("select stale", err)
	}
	defer func() { _ = rows.Close() }()

	var wallets []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("scan stale wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

func entryArgs(e domain.Entry) []any {
	return []any{
		e.Wallet, e.ENSName, e.TwitterHandle, e.TwitterURL, e.TwitterVerified,
		e.Farcaster, e.FarcasterURL, nullInt(e.FCFollowers), nullInt(e.FCFid), e.FarcasterVerified,
		e.Lens, e.GitHub, strings.Join(e.Sources, ","), e.DataQualityScore, nullTime(e.LastVerificationAt),
		sqlite.FormatTime(e.LastUpdatedAt), nullTime(e.StaleAt), e.LookupCount, nullTime(e.LastAttemptAt), e.LastAttemptFailed,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (domain.Entry, error) {
	var (
		e                            domain.Entry
		followers, fid               sql.NullInt64
		sources, updated             string
		verified, stale, lastAttempt sql.NullString
	)
	err := s.Scan(
		&e.Wallet, &e.ENSName, &e.TwitterHandle, &e.TwitterURL, &e.TwitterVerified,
		&e.Farcaster, &e.FarcasterURL, &followers, &fid, &e.FarcasterVerified,
		&e.Lens, &e.GitHub, &sources, &e.DataQualityScore, &verified,
		&updated, &stale, &e.LookupCount, &lastAttempt, &e.LastAttemptFailed,
	)
	if err != nil {
		return e, err
	}

	if followers.Valid {
		e.FCFollowers = &followers.Int64
	}
	if fid.Valid {
		e.FCFid = &fid.Int64
	}
	if sources != "" {
		e.Sources = strings.Split(sources, ",")
	}
	e.LastUpdatedAt = sqlite.ParseTime(updated)
	e.LastVerificationAt = parseNullTime(verified)
	e.StaleAt = parseNullTime(stale)
	e.LastAttemptAt = parseNullTime(lastAttempt)
	return e, nil
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: sqlite.FormatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := sqlite.ParseTime(s.String)
	return &t
}
