package identity

import "time"

// Outcome describes how a wallet was resolved during one pass.
type Outcome int

const (
	// OutcomeHit means the wallet was served from a fresh cache entry.
	OutcomeHit Outcome = iota
	// OutcomeFetched means every queried provider answered for the wallet.
	OutcomeFetched
	// OutcomePartial means some providers answered and some batches failed.
	OutcomePartial
	// OutcomeFailed means no provider batch covering the wallet succeeded.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeFetched:
		return "fetched"
	case OutcomePartial:
		return "partial"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Update is one pending write against the cache.
type Update struct {
	Wallet  string
	Profile Profile
	Outcome Outcome
}

// Policy owns the staleness rules.
type Policy struct {
	StaleHorizon time.Duration
}

func NewPolicy(horizon time.Duration) Policy {
	if horizon <= 0 {
		horizon = DefaultStaleHorizon
	}
	return Policy{StaleHorizon: horizon}
}

// IsFresh reports whether e can be served without re-fetching.
func (p Policy) IsFresh(e Entry, now time.Time) bool {
	return e.StaleAt != nil && now.Before(*e.StaleAt)
}

// Apply merges u into the existing entry (nil when the wallet is new) and
// returns the record to persist. Every outcome counts as a lookup; only a
// full fresh fetch moves StaleAt forward.
func (p Policy) Apply(existing *Entry, u Update, now time.Time) Entry {
	var e Entry
	if existing != nil {
		e = *existing
	}
	e.Wallet = u.Wallet
	e.LookupCount++

	if u.Outcome == OutcomeHit {
		return e
	}

	e.Profile.Overlay(u.Profile)
	e.DataQualityScore = QualityScore(e.Profile)
	e.LastUpdatedAt = now
	e.LastAttemptAt = &now

	switch u.Outcome {
	case OutcomeFetched:
		staleAt := now.Add(p.StaleHorizon)
		e.StaleAt = &staleAt
		e.LastVerificationAt = &now
		e.LastAttemptFailed = false
	case OutcomePartial, OutcomeFailed:
		e.LastAttemptFailed = true
		if e.StaleAt == nil {
			// never fetched successfully: eligible for refresh right away
			e.StaleAt = &now
		}
	}
	return e
}
