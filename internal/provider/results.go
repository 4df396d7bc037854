package provider

import (
	"strings"

	"github.com/ahmethakanbesel/social-resolver/internal/identity"
)

// NeynarResult is a Farcaster user linked to a wallet by verification.
type NeynarResult struct {
	FID               int64
	Username          string
	Followers         int64
	VerifiedTwitter   string
	VerifiedGitHub    string
	AddressIsVerified bool
}

func (NeynarResult) Provider() string { return NameNeynar }
func (NeynarResult) isResult()        {}

func (r NeynarResult) Normalize() identity.Profile {
	p := identity.Profile{Sources: []string{NameNeynar}}
	if r.Username != "" {
		fid, followers := r.FID, r.Followers
		p.Farcaster = r.Username
		p.FarcasterURL = "https://warpcast.com/" + r.Username
		p.FarcasterVerified = r.AddressIsVerified
		p.FCFid = &fid
		p.FCFollowers = &followers
	}
	if h := cleanHandle(r.VerifiedTwitter); h != "" {
		p.TwitterHandle = h
		p.TwitterURL = TwitterURL(h)
		p.TwitterVerified = true
	}
	if r.VerifiedGitHub != "" {
		p.GitHub = r.VerifiedGitHub
	}
	return p
}

// ENSResult is a primary-name reverse record plus its text records.
type ENSResult struct {
	Name    string
	Twitter string
	GitHub  string
}

func (ENSResult) Provider() string { return NameENS }
func (ENSResult) isResult()        {}

func (r ENSResult) Normalize() identity.Profile {
	p := identity.Profile{ENSName: r.Name, GitHub: r.GitHub, Sources: []string{NameENS}}
	if h := cleanHandle(r.Twitter); h != "" {
		p.TwitterHandle = h
		p.TwitterURL = TwitterURL(h)
	}
	return p
}

// Web3BioResult is the set of per-platform profiles web3.bio links to a wallet.
type Web3BioResult struct {
	Profiles []Web3BioProfile
}

type Web3BioProfile struct {
	Platform  string
	Identity  string
	Followers *int64
	Links     map[string]string
}

func (Web3BioResult) Provider() string { return NameWeb3Bio }
func (Web3BioResult) isResult()        {}

func (r Web3BioResult) Normalize() identity.Profile {
	p := identity.Profile{Sources: []string{NameWeb3Bio}}
	for _, prof := range r.Profiles {
		switch strings.ToLower(prof.Platform) {
		case "ens":
			if p.ENSName == "" {
				p.ENSName = prof.Identity
			}
		case "farcaster":
			if p.Farcaster == "" {
				p.Farcaster = prof.Identity
				p.FarcasterURL = "https://warpcast.com/" + prof.Identity
				p.FCFollowers = prof.Followers
			}
		case "lens":
			if p.Lens == "" {
				p.Lens = prof.Identity
			}
		}
		if h := cleanHandle(prof.Links["twitter"]); h != "" && p.TwitterHandle == "" {
			p.TwitterHandle = h
			p.TwitterURL = TwitterURL(h)
		}
		if gh := prof.Links["github"]; gh != "" && p.GitHub == "" {
			p.GitHub = gh
		}
	}
	return p
}

// TwitterURL builds the canonical profile URL for a handle.
func TwitterURL(handle string) string {
	return "https://x.com/" + handle
}

// cleanHandle strips "@" and any URL prefix from a twitter handle.
func cleanHandle(h string) string {
	h = strings.TrimSpace(h)
	for _, prefix := range []string{"https://", "http://", "www.", "twitter.com/", "x.com/"} {
		h = strings.TrimPrefix(h, prefix)
	}
	h = strings.TrimPrefix(h, "@")
	if i := strings.IndexAny(h, "/?"); i >= 0 {
		h = h[:i]
	}
	return h
}
