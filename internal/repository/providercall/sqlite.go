package providercall

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmethakanbesel/social-resolver/internal/aggregator"
	"github.com/ahmethakanbesel/social-resolver/internal/platform/sqlite"
)

// Repository persists provider call metrics. Write failures are logged and
// never reach the aggregator.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) RecordCall(ctx context.Context, c aggregator.Call) {
	if err := r.Record(ctx, c); err != nil {
		slog.Warn("providercall: record", "provider", c.Provider, "error", err)
	}
}

func (r *Repository) Record(ctx context.Context, c aggregator.Call) error {
	const query = `INSERT INTO provider_calls (provider, wallets, latency_ms, status, error, called_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	var errMsg sql.NullString
	if c.Error != "" {
		errMsg = sql.NullString{String: c.Error, Valid: true}
	}
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := r.db.ExecContext(context.WithoutCancel(ctx), query,
		c.Provider, c.Wallets, c.Latency.Milliseconds(), c.Status, errMsg, sqlite.FormatTime(at))
	if err != nil {
		return fmt.Errorf("record provider call: %w", err)
	}
	return nil
}

// Summary aggregates the call log for one provider.
type Summary struct {
	Provider     string  `json:"provider"`
	Calls        int     `json:"calls"`
	Failures     int     `json:"failures"`
	Wallets      int     `json:"wallets"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// Summarize groups calls made at or after since by provider.
func (r *Repository) Summarize(ctx context.Context, since time.Time) ([]Summary, error) {
	const query = `SELECT provider, COUNT(*),
		SUM(CASE WHEN status = 'ok' THEN 0 ELSE 1 END),
		SUM(wallets), AVG(latency_ms)
		FROM provider_calls
		WHERE called_at >= ?
		GROUP BY provider
		ORDER BY provider`

	rows, err := r.db.QueryContext(ctx, query, sqlite.FormatTime(since))
	if err != nil {
		return nil, fmt.Errorf("summarize provider calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Provider, &s.Calls, &s.Failures, &s.Wallets, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
