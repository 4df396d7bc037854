package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/social-resolver/internal/aggregator"
	"github.com/ahmethakanbesel/social-resolver/internal/identity"
	"github.com/ahmethakanbesel/social-resolver/internal/job"
	"github.com/ahmethakanbesel/social-resolver/internal/metrics"
	"github.com/ahmethakanbesel/social-resolver/internal/platform/sqlite"
	"github.com/ahmethakanbesel/social-resolver/internal/provider"
	"github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
	"github.com/ahmethakanbesel/social-resolver/internal/refresh"
	identityrepo "github.com/ahmethakanbesel/social-resolver/internal/repository/identity"
	jobrepo "github.com/ahmethakanbesel/social-resolver/internal/repository/job"
	"github.com/ahmethakanbesel/social-resolver/internal/repository/providercall"
	ratelimitrepo "github.com/ahmethakanbesel/social-resolver/internal/repository/ratelimit"
	"github.com/ahmethakanbesel/social-resolver/internal/server"
)

func addr(n int) string { return fmt.Sprintf("0x%040x", n) }

func addrs(from, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = addr(from + i)
	}
	return out
}

// farcasterStub answers as Neynar would for the first wallet only.
type farcasterStub struct{}

func (farcasterStub) Name() string      { return provider.NameNeynar }
func (farcasterStub) MaxBatchSize() int { return 100 }

func (farcasterStub) ResolveBatch(_ context.Context, wallets []string) (map[string]provider.Result, error) {
	out := make(map[string]provider.Result)
	for _, w := range wallets {
		if w == addr(1) {
			out[w] = provider.NeynarResult{FID: 3, Username: "dwr", Followers: 1200, VerifiedTwitter: "@dwr", AddressIsVerified: true}
		}
	}
	return out, nil
}

func setup(t *testing.T) *httptest.Server {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	jobs := jobrepo.NewRepository(db.DB)
	cache := identityrepo.NewRepository(db.DB)
	calls := providercall.NewRepository(db.DB)

	limiter := ratelimit.NewLimiter(ratelimitrepo.NewSQLiteStore(db.DB), ratelimit.WithMetrics(m))
	keys := ratelimit.NewKeyring([]ratelimit.APIKey{{ID: "acme", Secret: "s3cret", Tier: ratelimit.TierFree}})

	registry := provider.NewRegistry()
	registry.Register(farcasterStub{})

	agg := aggregator.New(
		aggregator.Config{BatchSize: 50, ConcurrentBatches: 2},
		aggregator.Recorders{aggregator.PrometheusRecorder{Metrics: m}, calls},
	)

	jobSvc := job.NewService(jobs, limiter)
	engine := job.NewEngine(jobs, cache, agg, registry, identity.NewPolicy(time.Hour), job.EngineConfig{}, job.WithMetrics(m))
	pool := job.NewWorkerPool(jobs, engine, 2, time.Minute)
	pool.SetMetrics(m)

	srv := httptest.NewServer(server.NewHandler(server.Deps{
		Jobs:       jobSvc,
		Pool:       pool,
		Refresh:    refresh.NewSelector(cache, jobSvc, refresh.Config{}),
		Identities: identity.NewService(cache),
		Limiter:    limiter,
		Keys:       keys,
		Metrics:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}))
	t.Cleanup(srv.Close)
	return srv
}

type envelope[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func do(t *testing.T, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Data
}

func TestHealth(t *testing.T) {
	srv := setup(t)
	resp := do(t, http.MethodGet, srv.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestJobLifecycle(t *testing.T) {
	srv := setup(t)
	session := map[string]string{"X-User-ID": "user-1"}

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/jobs", map[string]any{
		"wallets": []string{"0x" + strings.ToUpper(addr(1)[2:]), addr(1), addr(2)},
		"options": map[string]any{"canUseNeynar": true, "saveToHistory": true},
	}, session)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	created := decode[job.Job](t, resp)
	assert.Equal(t, job.StatusPending, created.Status)
	assert.Equal(t, []string{addr(1), addr(2)}, created.Wallets)
	assert.Equal(t, "user-1", created.UserID)

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/worker/tick", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode[job.TickReport](t, resp)
	require.Equal(t, 1, report.Claimed)
	assert.True(t, report.Results[0].Completed, "two wallets fit in one chunk")
	assert.Empty(t, report.Results[0].Error)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/jobs/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[job.Job](t, resp)
	assert.Equal(t, job.StatusCompleted, done.Status)
	assert.Equal(t, 2, done.ProcessedCount)
	assert.Equal(t, 1, done.TwitterFound)
	assert.Equal(t, 1, done.FarcasterFound)
	require.Len(t, done.PartialResults, 2)
	assert.Equal(t, "dwr", done.PartialResults[0].Farcaster)
	assert.Equal(t, "dwr", done.PartialResults[0].TwitterHandle)
	assert.Empty(t, done.PartialResults[1].Sources)

	// an idle tick claims nothing
	resp = do(t, http.MethodPost, srv.URL+"/api/v1/worker/tick", nil, nil)
	assert.Equal(t, 0, decode[job.TickReport](t, resp).Claimed)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/identities?wallets="+addr(1)+","+addr(2), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[map[string]identity.Entry](t, resp)
	require.Contains(t, entries, addr(1))
	assert.Equal(t, "dwr", entries[addr(1)].Farcaster)
	assert.Equal(t, 1, entries[addr(1)].LookupCount)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/history", nil, session)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[[]job.HistoryEntry](t, resp)
	require.Len(t, history, 1)
	assert.Equal(t, created.ID, history[0].JobID)
	assert.Equal(t, 2, history[0].WalletCount)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/jobs?userId=user-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]job.Job](t, resp), 1)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "social_resolver_provider_calls_total")
}

func TestCreateJob_Validation(t *testing.T) {
	srv := setup(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/jobs", map[string]any{"wallets": []string{}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/jobs", map[string]any{"wallets": []string{"0xnope"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/jobs", strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestRateLimitedAPIKey(t *testing.T) {
	srv := setup(t)
	key := map[string]string{"X-API-Key": "s3cret"}

	// more wallets than the plan allows per minute can never be admitted
	resp := do(t, http.MethodPost, srv.URL+"/api/v1/jobs", map[string]any{"wallets": addrs(1, 11)}, key)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Retry-After"))

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/jobs", map[string]any{"wallets": addrs(1, 10)}, key)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "acme", decode[job.Job](t, resp).APIKeyID)

	resp = do(t, http.MethodPost, srv.URL+"/api/v1/jobs", map[string]any{"wallets": addrs(50, 1)}, key)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/ratelimit", nil, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[struct {
		APIKeyID string             `json:"apiKeyId"`
		Windows  []ratelimit.Window `json:"windows"`
	}](t, resp)
	assert.Equal(t, "acme", status.APIKeyID)
	require.NotEmpty(t, status.Windows)
	assert.Equal(t, ratelimit.Minute, status.Windows[0].Kind)
	assert.Equal(t, 10, status.Windows[0].Used)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/jobs", nil, key)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]job.Job](t, resp), 1)
}

func TestAuthErrors(t *testing.T) {
	srv := setup(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/jobs", map[string]any{"wallets": addrs(1, 1)},
		map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/ratelimit", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetJob_Errors(t *testing.T) {
	srv := setup(t)

	resp := do(t, http.MethodGet, srv.URL+"/api/v1/jobs/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/jobs/1b4e28ba-2fa1-11d2-883f-0016d3cca427", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/v1/jobs?status=exploded", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRefresh_NothingStale(t *testing.T) {
	srv := setup(t)

	resp := do(t, http.MethodPost, srv.URL+"/api/v1/refresh", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[refresh.Result](t, resp)
	assert.Zero(t, res.Selected)
	assert.Empty(t, res.JobID)
}
