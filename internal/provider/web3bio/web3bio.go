// Package web3bio resolves wallets through the web3.bio universal profile
// batch endpoint.
package web3bio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ahmethakanbesel/social-resolver/internal/provider"
)

const (
	defaultEndpoint = "https://api.web3.bio/profile/batch"
	maxBatchSize    = 30
)

type profile struct {
	Address  string `json:"address"`
	Identity string `json:"identity"`
	Platform string `json:"platform"`
	Social   *struct {
		Follower *int64 `json:"follower"`
	} `json:"social"`
	Links map[string]struct {
		Handle string `json:"handle"`
		Link   string `json:"link"`
	} `json:"links"`
}

type Client struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		client:   http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type Option func(*Client)

func WithEndpoint(u string) Option {
	return func(c *Client) { c.endpoint = strings.TrimRight(u, "/") }
}

func WithClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func (c *Client) Name() string      { return provider.NameWeb3Bio }
func (c *Client) MaxBatchSize() int { return maxBatchSize }

func (c *Client) ResolveBatch(ctx context.Context, wallets []string) (map[string]provider.Result, error) {
	if len(wallets) == 0 {
		return map[string]provider.Result{}, nil
	}
	if len(wallets) > maxBatchSize {
		return nil, fmt.Errorf("web3bio: batch of %d exceeds max %d", len(wallets), maxBatchSize)
	}

	ids, err := json.Marshal(wallets)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/"+url.PathEscape(string(ids)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(req) //nolint:gosec // URL built from internal config
	if err != nil {
		return nil, fmt.Errorf("web3bio: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusNotFound {
		return map[string]provider.Result{}, nil
	}
	if err := provider.CheckStatus(provider.NameWeb3Bio, res.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("web3bio: read body: %w", err)
	}

	var profiles []profile
	if err := json.Unmarshal(body, &profiles); err != nil {
		return nil, fmt.Errorf("web3bio: decode: %w", err)
	}

	requested := make(map[string]struct{}, len(wallets))
	for _, w := range wallets {
		requested[w] = struct{}{}
	}

	grouped := make(map[string]*provider.Web3BioResult)
	for _, p := range profiles {
		addr := strings.ToLower(p.Address)
		if _, ok := requested[addr]; !ok {
			continue
		}
		r, ok := grouped[addr]
		if !ok {
			r = &provider.Web3BioResult{}
			grouped[addr] = r
		}
		r.Profiles = append(r.Profiles, toProfile(p))
	}

	results := make(map[string]provider.Result, len(grouped))
	for addr, r := range grouped {
		results[addr] = *r
	}
	return results, nil
}

func toProfile(p profile) provider.Web3BioProfile {
	out := provider.Web3BioProfile{
		Platform: p.Platform,
		Identity: p.Identity,
		Links:    make(map[string]string, len(p.Links)),
	}
	if p.Social != nil {
		out.Followers = p.Social.Follower
	}
	for platform, l := range p.Links {
		out.Links[strings.ToLower(platform)] = l.Handle
	}
	return out
}
