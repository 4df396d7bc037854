package identity

import (
	"context"
	"time"
)

// Repository is the cache store. MergeEntries must apply each update with
// Policy.Apply against the stored row atomically.
type Repository interface {
	GetEntries(ctx context.Context, wallets []string) (map[string]Entry, error)
	MergeEntries(ctx context.Context, updates []Update, policy Policy, now time.Time) error
	SelectStale(ctx context.Context, now time.Time, maxCount, minLookupCount int) ([]string, error)
}
