package ratelimit

import (
	"strings"
	"time"
)

// Unlimited marks a window without a ceiling.
const Unlimited = -1

type Tier string

const (
	TierFree      Tier = "free"
	TierPro       Tier = "pro"
	TierUnlimited Tier = "unlimited"
)

// ParseTier maps a config string to a Tier. Unknown values fall back to free.
func ParseTier(s string) Tier {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierPro, TierUnlimited:
		return t
	default:
		return TierFree
	}
}

// Plan holds the per-window limits for one API key.
type Plan struct {
	PerMinute int `json:"perMinute" toml:"per_minute"`
	PerDay    int `json:"perDay" toml:"per_day"`
	PerMonth  int `json:"perMonth" toml:"per_month"`
}

var plans = map[Tier]Plan{
	TierFree:      {PerMinute: 10, PerDay: 1_000, PerMonth: 10_000},
	TierPro:       {PerMinute: 60, PerDay: 20_000, PerMonth: 300_000},
	TierUnlimited: {PerMinute: Unlimited, PerDay: Unlimited, PerMonth: Unlimited},
}

// PlanFor returns the plan of a tier.
func PlanFor(t Tier) Plan {
	if p, ok := plans[t]; ok {
		return p
	}
	return plans[TierFree]
}

func (p Plan) Limit(k WindowKind) int {
	switch k {
	case Minute:
		return p.PerMinute
	case Day:
		return p.PerDay
	case Month:
		return p.PerMonth
	}
	return Unlimited
}

type WindowKind string

const (
	Minute WindowKind = "minute"
	Day    WindowKind = "day"
	Month  WindowKind = "month"
)

// Kinds lists every window in evaluation order.
var Kinds = []WindowKind{Minute, Day, Month}

// Start is the beginning of the window containing t, in UTC.
func (k WindowKind) Start(t time.Time) time.Time {
	t = t.UTC()
	switch k {
	case Minute:
		return t.Truncate(time.Minute)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// Reset is when the window containing t ends.
func (k WindowKind) Reset(t time.Time) time.Time {
	start := k.Start(t)
	switch k {
	case Minute:
		return start.Add(time.Minute)
	case Day:
		return start.AddDate(0, 0, 1)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// Window is the derived view of one counter.
type Window struct {
	Kind      WindowKind `json:"kind"`
	Limit     int        `json:"limit"`
	Used      int        `json:"used"`
	Remaining *int       `json:"remaining,omitempty"`
	ResetAt   *time.Time `json:"resetAt,omitempty"`
}

func (w Window) Unlimited() bool { return w.Limit == Unlimited }

func limitedWindow(k WindowKind, limit, used int, now time.Time) Window {
	remaining := max(limit-used, 0)
	reset := k.Reset(now)
	return Window{Kind: k, Limit: limit, Used: used, Remaining: &remaining, ResetAt: &reset}
}
