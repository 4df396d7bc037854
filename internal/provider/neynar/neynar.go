// Package neynar resolves wallets to Farcaster users through the Neynar
// bulk-by-address API.
package neynar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ahmethakanbesel/social-resolver/internal/provider"
)

const (
	defaultEndpoint = "https://api.neynar.com/v2/farcaster/user/bulk-by-address"
	maxBatchSize    = 350
)

type user struct {
	FID               int64  `json:"fid"`
	Username          string `json:"username"`
	FollowerCount     int64  `json:"follower_count"`
	VerifiedAddresses struct {
		EthAddresses []string `json:"eth_addresses"`
	} `json:"verified_addresses"`
	VerifiedAccounts []struct {
		Platform string `json:"platform"`
		Username string `json:"username"`
	} `json:"verified_accounts"`
}

type Client struct {
	apiKey    string
	endpoint  string
	client    *http.Client
	batchSize int
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:    apiKey,
		endpoint:  defaultEndpoint,
		client:    http.DefaultClient,
		batchSize: maxBatchSize,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type Option func(*Client)

func WithEndpoint(u string) Option {
	return func(c *Client) { c.endpoint = u }
}

func WithClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithBatchSize caps the batch size below the API maximum.
func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 && n <= maxBatchSize {
			c.batchSize = n
		}
	}
}

func (c *Client) Name() string      { return provider.NameNeynar }
func (c *Client) MaxBatchSize() int { return c.batchSize }

func (c *Client) ResolveBatch(ctx context.Context, wallets []string) (map[string]provider.Result, error) {
	if len(wallets) == 0 {
		return map[string]provider.Result{}, nil
	}
	if len(wallets) > c.batchSize {
		return nil, fmt.Errorf("neynar: batch of %d exceeds max %d", len(wallets), c.batchSize)
	}
	if c.apiKey == "" {
		return nil, fmt.Errorf("neynar: %w", provider.ErrUnauthorized)
	}

	params := url.Values{}
	params.Set("addresses", strings.Join(wallets, ","))
	params.Set("address_types", "verified_address,custody_address")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	res, err := c.client.Do(req) //nolint:gosec // URL built from internal config
	if err != nil {
		return nil, fmt.Errorf("neynar: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	// Neynar answers 404 when none of the addresses has a user.
	if res.StatusCode == http.StatusNotFound {
		return map[string]provider.Result{}, nil
	}
	if err := provider.CheckStatus(provider.NameNeynar, res.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("neynar: read body: %w", err)
	}

	var payload map[string][]user
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("neynar: decode: %w", err)
	}

	results := make(map[string]provider.Result, len(payload))
	for addr, users := range payload {
		addr = strings.ToLower(addr)
		u, ok := pickUser(addr, users)
		if !ok {
			continue
		}
		results[addr] = toResult(addr, u)
	}

	slog.Debug("neynar: resolved batch", "requested", len(wallets), "found", len(results))
	return results, nil
}

// pickUser prefers a user that verified the address over a custody match.
func pickUser(addr string, users []user) (user, bool) {
	if len(users) == 0 {
		return user{}, false
	}
	for _, u := range users {
		if hasAddress(u, addr) {
			return u, true
		}
	}
	return users[0], true
}

func hasAddress(u user, addr string) bool {
	for _, a := range u.VerifiedAddresses.EthAddresses {
		if strings.EqualFold(a, addr) {
			return true
		}
	}
	return false
}

func toResult(addr string, u user) provider.NeynarResult {
	r := provider.NeynarResult{
		FID:               u.FID,
		Username:          u.Username,
		Followers:         u.FollowerCount,
		AddressIsVerified: hasAddress(u, addr),
	}
	for _, acct := range u.VerifiedAccounts {
		switch strings.ToLower(acct.Platform) {
		case "x", "twitter":
			r.VerifiedTwitter = acct.Username
		case "github":
			r.VerifiedGitHub = acct.Username
		}
	}
	return r
}
