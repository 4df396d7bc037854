// Package ens resolves primary ENS names and their text records. The
// upstream API is per-address, so a batch is fanned out with bounded
// concurrency.
package ens

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/social-resolver/internal/provider"
)

const (
	defaultEndpoint = "https://api.ensdata.net"
	defaultBatch    = 50
)

type record struct {
	Name    string `json:"ens_primary"`
	Twitter string `json:"twitter"`
	GitHub  string `json:"github"`
}

type Client struct {
	workers   int
	batchSize int
	endpoint  string
	client    *http.Client
}

func New(opts ...Option) *Client {
	c := &Client{
		workers:   5,
		batchSize: defaultBatch,
		endpoint:  defaultEndpoint,
		client:    http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type Option func(*Client)

func WithWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

func WithEndpoint(u string) Option {
	return func(c *Client) { c.endpoint = strings.TrimRight(u, "/") }
}

func WithClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func (c *Client) Name() string      { return provider.NameENS }
func (c *Client) MaxBatchSize() int { return c.batchSize }

// ResolveBatch looks up every wallet; the first failing lookup fails the batch.
func (c *Client) ResolveBatch(ctx context.Context, wallets []string) (map[string]provider.Result, error) {
	var (
		mu      sync.Mutex
		results = make(map[string]provider.Result, len(wallets))
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for _, w := range wallets {
		g.Go(func() error {
			rec, err := c.lookup(ctx, w)
			if err != nil {
				return err
			}
			if rec == nil || rec.Name == "" {
				return nil
			}
			mu.Lock()
			results[w] = provider.ENSResult{Name: rec.Name, Twitter: rec.Twitter, GitHub: rec.GitHub}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) lookup(ctx context.Context, addr string) (*record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/"+addr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req) //nolint:gosec // URL built from internal config
	if err != nil {
		return nil, fmt.Errorf("ens: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := provider.CheckStatus(provider.NameENS, res.StatusCode); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("ens: read body: %w", err)
	}

	rec := &record{}
	if err := json.Unmarshal(body, rec); err != nil {
		return nil, fmt.Errorf("ens: decode %s: %w", addr, err)
	}
	return rec, nil
}
