package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmethakanbesel/social-resolver/internal/apperror"
	domain "github.com/ahmethakanbesel/social-resolver/internal/job"
	"github.com/ahmethakanbesel/social-resolver/internal/platform/sqlite"
)

const jobColumns = `id, wallets, original_data, options, status, processed_count, current_stage,
	twitter_found, farcaster_found, any_social_found, cache_hits,
	error_message, user_id, api_key_id, lease_until, created_at, updated_at, completed_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, j *domain.Job) error {
	const query = `INSERT INTO jobs (id, wallets, original_data, options, status, current_stage,
		user_id, api_key_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	wallets, err := json.Marshal(j.Wallets)
	if err != nil {
		return fmt.Errorf("create job: encode wallets: %w", err)
	}
	original, err := json.Marshal(j.OriginalData)
	if err != nil {
		return fmt.Errorf("create job: encode original data: %w", err)
	}
	opts, err := json.Marshal(j.Options)
	if err != nil {
		return fmt.Errorf("create job: encode options: %w", err)
	}

	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	j.UpdatedAt = j.CreatedAt

	_, err = r.db.ExecContext(ctx, query,
		j.ID, string(wallets), string(original), string(opts), string(j.Status), j.CurrentStage,
		nullString(j.UserID), nullString(j.APIKeyID),
		sqlite.FormatTime(j.CreatedAt), sqlite.FormatTime(j.UpdatedAt),
	)
	if err != nil {
		return sqlite.WrapErr("create job", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, sqlite.WrapErr("get job", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT data FROM job_results WHERE job_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, sqlite.WrapErr("get job results", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan job result: %w", err)
		}
		var res domain.Result
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
		j.PartialResults = append(j.PartialResults, res)
	}
	if err := rows.Err(); err != nil {
		return nil, sqlite.WrapErr("get job results", err)
	}
	return j, nil
}

func (r *Repository) List(ctx context.Context, f domain.ListFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`

	var args []any
	if f.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, f.UserID)
	}
	if f.APIKeyID != "" {
		query += " AND api_key_id = ?"
		args = append(args, f.APIKeyID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.InputSource != "" {
		query += " AND json_extract(options, '$.inputSource') = ?"
		args = append(args, f.InputSource)
	}
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqlite.WrapErr("list jobs", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ClaimPending transitions claimable jobs in a single UPDATE, so two workers
// racing for the same row can never both see it change.
func (r *Repository) ClaimPending(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	const claim = `UPDATE jobs
		SET status = 'processing', lease_until = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending'
			   OR (status = 'processing' AND (lease_until IS NULL OR lease_until < ?))
			ORDER BY created_at ASC, rowid ASC
			LIMIT ?
		)
		AND (status = 'pending'
		     OR (status = 'processing' AND (lease_until IS NULL OR lease_until < ?)))
		RETURNING id`

	nowMs := now.UnixMilli()
	rows, err := r.db.QueryContext(ctx, claim,
		now.Add(lease).UnixMilli(), sqlite.FormatTime(now), nowMs, limit, nowMs)
	if err != nil {
		return nil, sqlite.WrapErr("claim pending", err)
	}
	var ids []any
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("claim pending: scan: %w", err)
		}
		ids = append(ids, id)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, sqlite.WrapErr("claim pending", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := fmt.Sprintf( //nolint:gosec // placeholders are not user input
		"SELECT %s FROM jobs WHERE id IN (%s) ORDER BY created_at ASC, rowid ASC",
		jobColumns, placeholders,
	)
	claimed, err := r.db.QueryContext(ctx, query, ids...)
	if err != nil {
		return nil, sqlite.WrapErr("claim pending: load", err)
	}
	defer func() { _ = claimed.Close() }()

	var jobs []domain.Job
	for claimed.Next() {
		j, err := scanJob(claimed)
		if err != nil {
			return nil, fmt.Errorf("claim pending: scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, claimed.Err()
}

func (r *Repository) CommitChunk(ctx context.Context, c domain.Commit) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return sqlite.WrapErr("commit chunk: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	at := sqlite.FormatTime(c.At)
	var completedAt sql.NullString
	if c.Completed {
		completedAt = sql.NullString{String: at, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET
			processed_count = ?,
			twitter_found = twitter_found + ?,
			farcaster_found = farcaster_found + ?,
			any_social_found = any_social_found + ?,
			cache_hits = cache_hits + ?,
			current_stage = ?,
			status = CASE WHEN ? THEN 'completed' ELSE status END,
			completed_at = COALESCE(?, completed_at),
			lease_until = NULL,
			updated_at = ?
		WHERE id = ? AND processed_count = ? AND status = 'processing'`,
		c.ProcessedCount,
		c.Delta.TwitterFound, c.Delta.FarcasterFound, c.Delta.AnySocialFound, c.Delta.CacheHits,
		c.Stage, c.Completed, completedAt, at,
		c.JobID, c.ExpectedProcessed,
	)
	if err != nil {
		return sqlite.WrapErr("commit chunk", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.Conflict, "chunk already committed or job not processing")
	}

	if len(c.Results) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO job_results (job_id, position, data) VALUES (?, ?, ?)`)
		if err != nil {
			return sqlite.WrapErr("commit chunk: prepare results", err)
		}
		defer func() { _ = stmt.Close() }()

		for i, result := range c.Results {
			data, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("commit chunk: encode result: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, c.JobID, c.ExpectedProcessed+i, string(data)); err != nil {
				return sqlite.WrapErr("commit chunk: insert result", err)
			}
		}
	}

	if h := c.History; h != nil {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO job_history
			(job_id, user_id, api_key_id, input_source, wallet_count,
			 twitter_found, farcaster_found, any_social_found, cache_hits, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			h.JobID, nullString(h.UserID), nullString(h.APIKeyID), h.InputSource, h.WalletCount,
			h.TwitterFound, h.FarcasterFound, h.AnySocialFound, h.CacheHits, sqlite.FormatTime(h.CreatedAt),
		)
		if err != nil {
			return sqlite.WrapErr("commit chunk: record history", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sqlite.WrapErr("commit chunk: commit", err)
	}
	return nil
}

func (r *Repository) UpdateStage(ctx context.Context, id, stage string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET current_stage = ?, updated_at = ? WHERE id = ? AND status = 'processing'`,
		stage, sqlite.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update stage: %w", err)
	}
	return nil
}

func (r *Repository) Release(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET lease_until = NULL WHERE id = ? AND status = 'processing'`, id)
	if err != nil {
		return sqlite.WrapErr("release job", err)
	}
	return nil
}

func (r *Repository) Fail(ctx context.Context, id, message string, at time.Time) error {
	ts := sqlite.FormatTime(at)
	_, err := r.db.ExecContext(ctx, `UPDATE jobs
		SET status = 'failed', error_message = ?, completed_at = ?, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`,
		message, ts, ts, id)
	if err != nil {
		return sqlite.WrapErr("fail job", err)
	}
	return nil
}

func (r *Repository) CountExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs
		WHERE status = 'processing' AND lease_until IS NOT NULL AND lease_until < ?`,
		now.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, sqlite.WrapErr("count expired leases", err)
	}
	return n, nil
}

// History lists finished jobs recorded for a user, newest first.
func (r *Repository) History(ctx context.Context, userID string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT job_id, user_id, api_key_id, input_source, wallet_count,
			twitter_found, farcaster_found, any_social_found, cache_hits, created_at
		FROM job_history WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, sqlite.WrapErr("list history", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.HistoryEntry
	for rows.Next() {
		var (
			h          domain.HistoryEntry
			user, key  sql.NullString
			createdStr string
		)
		if err := rows.Scan(&h.JobID, &user, &key, &h.InputSource, &h.WalletCount,
			&h.TwitterFound, &h.FarcasterFound, &h.AnySocialFound, &h.CacheHits, &createdStr); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.UserID, h.APIKeyID = user.String, key.String
		h.CreatedAt = sqlite.ParseTime(createdStr)
		out = append(out, h)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*domain.Job, error) {
	var (
		j                                  domain.Job
		wallets, original, opts, status    string
		createdStr, updatedStr             string
		errMsg, userID, apiKeyID, complete sql.NullString
		lease                              sql.NullInt64
	)
	if err := s.Scan(
		&j.ID, &wallets, &original, &opts, &status, &j.ProcessedCount, &j.CurrentStage,
		&j.TwitterFound, &j.FarcasterFound, &j.AnySocialFound, &j.CacheHits,
		&errMsg, &userID, &apiKeyID, &lease, &createdStr, &updatedStr, &complete,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(wallets), &j.Wallets); err != nil {
		return nil, fmt.Errorf("decode wallets: %w", err)
	}
	if err := json.Unmarshal([]byte(original), &j.OriginalData); err != nil {
		return nil, fmt.Errorf("decode original data: %w", err)
	}
	if err := json.Unmarshal([]byte(opts), &j.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}

	j.Status = domain.Status(status)
	j.ErrorMessage = errMsg.String
	j.UserID = userID.String
	j.APIKeyID = apiKeyID.String
	if lease.Valid {
		t := time.UnixMilli(lease.Int64).UTC()
		j.LeaseUntil = &t
	}
	j.CreatedAt = sqlite.ParseTime(createdStr)
	j.UpdatedAt = sqlite.ParseTime(updatedStr)
	if complete.Valid {
		t := sqlite.ParseTime(complete.String)
		j.CompletedAt = &t
	}
	return &j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
