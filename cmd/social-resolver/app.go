package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ahmethakanbesel/social-resolver/internal/aggregator"
	"github.com/ahmethakanbesel/social-resolver/internal/config"
	"github.com/ahmethakanbesel/social-resolver/internal/identity"
	"github.com/ahmethakanbesel/social-resolver/internal/job"
	"github.com/ahmethakanbesel/social-resolver/internal/metrics"
	"github.com/ahmethakanbesel/social-resolver/internal/platform/redis"
	"github.com/ahmethakanbesel/social-resolver/internal/platform/sqlite"
	"github.com/ahmethakanbesel/social-resolver/internal/provider"
	"github.com/ahmethakanbesel/social-resolver/internal/provider/ens"
	"github.com/ahmethakanbesel/social-resolver/internal/provider/neynar"
	"github.com/ahmethakanbesel/social-resolver/internal/provider/web3bio"
	"github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
	"github.com/ahmethakanbesel/social-resolver/internal/refresh"
	identityrepo "github.com/ahmethakanbesel/social-resolver/internal/repository/identity"
	jobrepo "github.com/ahmethakanbesel/social-resolver/internal/repository/job"
	"github.com/ahmethakanbesel/social-resolver/internal/repository/providercall"
	ratelimitrepo "github.com/ahmethakanbesel/social-resolver/internal/repository/ratelimit"
	"github.com/ahmethakanbesel/social-resolver/internal/server"
)

// app holds the wired services shared by all commands.
type app struct {
	cfg      config.Config
	db       *sqlite.DB
	redis    *goredis.Client
	registry *prometheus.Registry

	calls      *providercall.Repository
	counters   *ratelimitrepo.SQLiteStore
	jobs       *job.Service
	pool       *job.WorkerPool
	selector   *refresh.Selector
	limiter    *ratelimit.Limiter
	keys       *ratelimit.Keyring
	identities *identity.Service
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{cfg: cfg, db: db, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	// Repositories
	jobRepo := jobrepo.NewRepository(db.DB)
	cache := identityrepo.NewRepository(db.DB)
	a.calls = providercall.NewRepository(db.DB)
	a.counters = ratelimitrepo.NewSQLiteStore(db.DB)

	// Rate counters are shared through redis when several instances run.
	var store ratelimit.CounterStore = a.counters
	if cfg.Redis.Addr != "" {
		client, err := redis.Open(ctx, redis.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.redis = client
		store = ratelimitrepo.NewRedisStore(client)
		slog.Info("rate counters in redis", "addr", cfg.Redis.Addr)
	}
	a.limiter = ratelimit.NewLimiter(store, ratelimit.WithMetrics(m))
	a.keys = ratelimit.NewKeyring(cfg.APIKeys)

	registry := newProviderRegistry(cfg.Provider)
	agg := aggregator.New(aggregator.Config{
		BatchSize:         cfg.Fetch.BatchSize,
		ConcurrentBatches: cfg.Fetch.ConcurrentBatches,
		RoundDelay:        cfg.Fetch.RoundDelay,
	}, aggregator.Recorders{aggregator.PrometheusRecorder{Metrics: m}, a.calls})

	// Services
	a.jobs = job.NewService(jobRepo, a.limiter)
	engine := job.NewEngine(jobRepo, cache, agg, registry, identity.NewPolicy(cfg.Fetch.StaleHorizon), job.EngineConfig{
		TimeBudget:            cfg.Worker.ChunkTimeBudget,
		CommitReserve:         cfg.Worker.CommitReserve,
		MaxChunkSize:          cfg.Worker.MaxChunkSize,
		EstimatedRoundLatency: cfg.Worker.RoundLatency,
	}, job.WithMetrics(m))

	a.pool = job.NewWorkerPool(jobRepo, engine, cfg.Worker.ParallelJobLimit, cfg.Worker.ClaimLease)
	a.pool.SetMetrics(m)
	a.pool.SetPollInterval(cfg.Worker.PollInterval)
	a.jobs.SetNotify(a.pool.Notify)

	a.selector = refresh.NewSelector(cache, a.jobs, refresh.Config{
		MaxCount:       cfg.Refresh.MaxCount,
		MinLookupCount: cfg.Refresh.MinLookupCount,
	})
	a.identities = identity.NewService(cache)
	return a, nil
}

func newProviderRegistry(cfg config.ProviderConfig) *provider.Registry {
	r := provider.NewRegistry()
	hc := &http.Client{Timeout: 30 * time.Second}

	// Registration order is merge priority.
	if cfg.NeynarAPIKey != "" {
		opts := []neynar.Option{neynar.WithClient(hc)}
		if cfg.NeynarURL != "" {
			opts = append(opts, neynar.WithEndpoint(cfg.NeynarURL))
		}
		r.Register(neynar.New(cfg.NeynarAPIKey, opts...))
	} else {
		slog.Warn("NEYNAR_API_KEY not set, farcaster lookups disabled")
	}

	ensOpts := []ens.Option{ens.WithClient(hc)}
	if cfg.ENSURL != "" {
		ensOpts = append(ensOpts, ens.WithEndpoint(cfg.ENSURL))
	}
	r.Register(ens.New(ensOpts...))

	w3Opts := []web3bio.Option{web3bio.WithClient(hc)}
	if cfg.Web3BioURL != "" {
		w3Opts = append(w3Opts, web3bio.WithEndpoint(cfg.Web3BioURL))
	}
	r.Register(web3bio.New(cfg.Web3BioAPIKey, w3Opts...))
	return r
}

func (a *app) deps() server.Deps {
	return server.Deps{
		Jobs:          a.jobs,
		Pool:          a.pool,
		Refresh:       a.selector,
		Identities:    a.identities,
		Limiter:       a.limiter,
		Keys:          a.keys,
		ProviderStats: a.calls,
		Metrics:       promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
	}
}

// scheduler registers the periodic maintenance tasks.
func (a *app) scheduler() (*refresh.Scheduler, error) {
	s := refresh.NewScheduler(a.cfg.Worker.ChunkTimeBudget * 2)
	if err := s.Schedule(a.selector, a.cfg.Refresh.Cron); err != nil {
		return nil, err
	}
	if a.redis == nil {
		err := s.Add("ratelimit-prune", a.cfg.Refresh.PruneCron, func(ctx context.Context) error {
			n, err := a.counters.Prune(ctx)
			if n > 0 {
				slog.Info("pruned expired rate counters", "rows", n)
			}
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	err := s.Add("provider-summary", "@daily", func(ctx context.Context) error {
		stats, err := a.calls.Summarize(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			return err
		}
		for _, st := range stats {
			slog.Info("provider calls last 24h", "provider", st.Provider, "calls", st.Calls,
				"failures", st.Failures, "wallets", st.Wallets, "avg_latency_ms", st.AvgLatencyMs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
}
