// Package identity holds the cached wallet → social identity record and the
// rules for merging provider data into it and deciding when it goes stale.
package identity

import (
	"slices"
	"time"
)

// DefaultStaleHorizon is how long a freshly fetched entry is served from cache.
const DefaultStaleHorizon = 7 * 24 * time.Hour

// Profile is the normalized identity shape every provider result is reduced to.
// Empty strings and nil pointers mean "not supplied".
type Profile struct {
	ENSName           string   `json:"ensName,omitempty"`
	TwitterHandle     string   `json:"twitterHandle,omitempty"`
	TwitterURL        string   `json:"twitterUrl,omitempty"`
	TwitterVerified   bool     `json:"twitterVerified,omitempty"`
	Farcaster         string   `json:"farcaster,omitempty"`
	FarcasterURL      string   `json:"farcasterUrl,omitempty"`
	FCFollowers       *int64   `json:"fcFollowers,omitempty"`
	FCFid             *int64   `json:"fcFid,omitempty"`
	FarcasterVerified bool     `json:"farcasterVerified,omitempty"`
	Lens              string   `json:"lens,omitempty"`
	GitHub            string   `json:"github,omitempty"`
	Sources           []string `json:"sources,omitempty"`
}

// Entry is the durable cache record for one wallet.
type Entry struct {
	Wallet string `json:"wallet"`
	Profile
	DataQualityScore   int        `json:"dataQualityScore"`
	LastVerificationAt *time.Time `json:"lastVerificationAt,omitempty"`
	LastUpdatedAt      time.Time  `json:"lastUpdatedAt"`
	StaleAt            *time.Time `json:"staleAt,omitempty"`
	LookupCount        int        `json:"lookupCount"`
	LastAttemptAt      *time.Time `json:"lastAttemptAt,omitempty"`
	LastAttemptFailed  bool       `json:"lastAttemptFailed"`
}

func (p Profile) HasTwitter() bool   { return p.TwitterHandle != "" }
func (p Profile) HasFarcaster() bool { return p.Farcaster != "" }

// HasSocial reports whether any social account is known.
func (p Profile) HasSocial() bool {
	return p.HasTwitter() || p.HasFarcaster() || p.Lens != "" || p.GitHub != ""
}

// IsEmpty reports whether the profile carries no identity data at all.
func (p Profile) IsEmpty() bool {
	return !p.HasSocial() && p.ENSName == "" && p.FCFollowers == nil && p.FCFid == nil
}

// Absorb folds a lower-priority provider's claim into p. Values already set
// win over unverified conflicting values; a verified claim replaces an
// unverified one for the same account.
func (p *Profile) Absorb(other Profile) {
	if other.TwitterHandle != "" {
		switch {
		case p.TwitterHandle == "":
			p.TwitterHandle, p.TwitterURL, p.TwitterVerified = other.TwitterHandle, other.TwitterURL, other.TwitterVerified
		case other.TwitterVerified && !p.TwitterVerified:
			p.TwitterHandle, p.TwitterVerified = other.TwitterHandle, true
			if other.TwitterURL != "" {
				p.TwitterURL = other.TwitterURL
			}
		case p.TwitterHandle == other.TwitterHandle && p.TwitterURL == "":
			p.TwitterURL = other.TwitterURL
		}
	}

	if other.Farcaster != "" {
		switch {
		case p.Farcaster == "":
			p.Farcaster, p.FarcasterURL, p.FarcasterVerified = other.Farcaster, other.FarcasterURL, other.FarcasterVerified
			p.FCFollowers, p.FCFid = other.FCFollowers, other.FCFid
		case other.FarcasterVerified && !p.FarcasterVerified:
			p.Farcaster, p.FarcasterURL, p.FarcasterVerified = other.Farcaster, other.FarcasterURL, true
			p.FCFollowers, p.FCFid = other.FCFollowers, other.FCFid
		}
	}
	if p.Farcaster != "" && p.Farcaster == other.Farcaster {
		if p.FarcasterURL == "" {
			p.FarcasterURL = other.FarcasterURL
		}
		if p.FCFollowers == nil {
			p.FCFollowers = other.FCFollowers
		}
		if p.FCFid == nil {
			p.FCFid = other.FCFid
		}
	}

	if p.ENSName == "" {
		p.ENSName = other.ENSName
	}
	if p.Lens == "" {
		p.Lens = other.Lens
	}
	if p.GitHub == "" {
		p.GitHub = other.GitHub
	}
	p.Sources = unionSources(p.Sources, other.Sources)
}

// Overlay writes incoming onto p for the cache: present fields overwrite,
// absent fields are left alone, and an unverified account never replaces a
// verified one. When the farcaster account changes, its url, followers and
// fid come from the new account only.
func (p *Profile) Overlay(in Profile) {
	if in.TwitterHandle != "" && (in.TwitterVerified || !p.TwitterVerified || p.TwitterHandle == in.TwitterHandle) {
		p.TwitterHandle = in.TwitterHandle
		p.TwitterVerified = p.TwitterVerified || in.TwitterVerified
		if in.TwitterURL != "" {
			p.TwitterURL = in.TwitterURL
		}
	}

	if in.Farcaster != "" && (in.FarcasterVerified || !p.FarcasterVerified || p.Farcaster == in.Farcaster) {
		if p.Farcaster != in.Farcaster {
			p.FarcasterVerified = false
			p.FarcasterURL, p.FCFollowers, p.FCFid = "", nil, nil
		}
		p.Farcaster = in.Farcaster
		p.FarcasterVerified = p.FarcasterVerified || in.FarcasterVerified
		if in.FarcasterURL != "" {
			p.FarcasterURL = in.FarcasterURL
		}
		if in.FCFollowers != nil {
			p.FCFollowers = in.FCFollowers
		}
		if in.FCFid != nil {
			p.FCFid = in.FCFid
		}
	}

	if in.ENSName != "" {
		p.ENSName = in.ENSName
	}
	if in.Lens != "" {
		p.Lens = in.Lens
	}
	if in.GitHub != "" {
		p.GitHub = in.GitHub
	}
	p.Sources = unionSources(p.Sources, in.Sources)
}

func unionSources(have, add []string) []string {
	out := slices.Clone(have)
	for _, s := range add {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// QualityScore rates how complete a profile is on a 0-100 scale.
func QualityScore(p Profile) int {
	score := 0
	if p.HasTwitter() {
		score += 15
		if p.TwitterVerified {
			score += 15
		}
	}
	if p.HasFarcaster() {
		score += 20
	}
	if p.ENSName != "" {
		score += 20
	}
	if p.FCFollowers != nil && *p.FCFollowers > 100 {
		score += 10
	}
	if p.Lens != "" {
		score += 10
	}
	if p.GitHub != "" {
		score += 10
	}
	return min(score, 100)
}
