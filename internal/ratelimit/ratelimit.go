// Package ratelimit enforces per-API-key quotas across minute, day and month
// windows. Counters live in an external CounterStore; the Limiter itself
// holds no quota state.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmethakanbesel/social-resolver/internal/apperror"
	"github.com/ahmethakanbesel/social-resolver/internal/metrics"
)

// Key identifies one persisted counter.
type Key struct {
	APIKeyID    string
	Kind        WindowKind
	WindowStart time.Time
}

// CounterStore is the atomic counter backend.
type CounterStore interface {
	// IncrementWithin adds cost only if the result stays at or below limit.
	// It returns the counter value after the call and whether it was applied.
	// ttl is how long the counter must outlive the call.
	IncrementWithin(ctx context.Context, key Key, cost, limit int, ttl time.Duration) (int, bool, error)
	// Decrement undoes an applied increment.
	Decrement(ctx context.Context, key Key, cost int) error
	Get(ctx context.Context, key Key) (int, error)
}

// Decision is the outcome of CheckAndConsume.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Windows    []Window      `json:"windows"`
	RetryAfter time.Duration `json:"-"`
}

type Limiter struct {
	store   CounterStore
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Limiter)

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func NewLimiter(store CounterStore, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type applied struct {
	key  Key
	cost int
}

// CheckAndConsume charges cost against every limited window of plan. Either
// all windows are charged or none are: when a later window refuses, windows
// already charged are rolled back before returning the denial. A cost larger
// than any window's whole limit is InvalidInput, since no wait admits it.
func (l *Limiter) CheckAndConsume(ctx context.Context, apiKeyID string, plan Plan, cost int) (Decision, error) {
	if apiKeyID == "" {
		return Decision{}, apperror.New(apperror.InvalidInput, "api key id is required")
	}
	if cost < 1 {
		return Decision{}, apperror.New(apperror.InvalidInput, "cost must be positive")
	}

	for _, kind := range Kinds {
		if limit := plan.Limit(kind); limit != Unlimited && cost > limit {
			return Decision{}, apperror.New(apperror.InvalidInput,
				fmt.Sprintf("request costs %d but the %s limit is %d", cost, kind, limit))
		}
	}

	now := l.now().UTC()
	windows := make([]Window, 0, len(Kinds))
	var done []applied

	for _, kind := range Kinds {
		limit := plan.Limit(kind)
		if limit == Unlimited {
			windows = append(windows, Window{Kind: kind, Limit: Unlimited})
			continue
		}

		key := Key{APIKeyID: apiKeyID, Kind: kind, WindowStart: kind.Start(now)}
		reset := kind.Reset(now)
		count, ok, err := l.store.IncrementWithin(ctx, key, cost, limit, reset.Sub(now)+time.Minute)
		if err != nil {
			l.rollback(ctx, done)
			return Decision{}, fmt.Errorf("increment %s window: %w", kind, err)
		}
		if !ok {
			l.rollback(ctx, done)
			l.metrics.ObserveRateLimit(false)
			return Decision{
				Allowed:    false,
				Windows:    []Window{limitedWindow(kind, limit, count, now)},
				RetryAfter: reset.Sub(now),
			}, nil
		}

		done = append(done, applied{key: key, cost: cost})
		windows = append(windows, limitedWindow(kind, limit, count, now))
	}

	l.metrics.ObserveRateLimit(true)
	return Decision{Allowed: true, Windows: windows}, nil
}

func (l *Limiter) rollback(ctx context.Context, done []applied) {
	// Rollback must run even if the caller's ctx is already cancelled.
	ctx = context.WithoutCancel(ctx)
	for _, a := range done {
		if err := l.store.Decrement(ctx, a.key, a.cost); err != nil {
			slog.Error("ratelimit: rollback", "key", a.key.APIKeyID, "window", a.key.Kind, "error", err)
		}
	}
}

// Status reports every window without consuming quota.
func (l *Limiter) Status(ctx context.Context, apiKeyID string, plan Plan) ([]Window, error) {
	now := l.now().UTC()
	windows := make([]Window, 0, len(Kinds))
	for _, kind := range Kinds {
		limit := plan.Limit(kind)
		if limit == Unlimited {
			windows = append(windows, Window{Kind: kind, Limit: Unlimited})
			continue
		}
		used, err := l.store.Get(ctx, Key{APIKeyID: apiKeyID, Kind: kind, WindowStart: kind.Start(now)})
		if err != nil {
			return nil, fmt.Errorf("read %s window: %w", kind, err)
		}
		windows = append(windows, limitedWindow(kind, limit, used, now))
	}
	return windows, nil
}
