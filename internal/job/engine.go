package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmethakanbesel/social-resolver/internal/aggregator"
	"github.com/ahmethakanbesel/social-resolver/internal/apperror"
	"github.com/ahmethakanbesel/social-resolver/internal/identity"
	"github.com/ahmethakanbesel/social-resolver/internal/metrics"
	"github.com/ahmethakanbesel/social-resolver/internal/provider"
)

const (
	DefaultTimeBudget            = 50 * time.Second
	DefaultCommitReserve         = 5 * time.Second
	DefaultMaxChunkSize          = 1000
	DefaultEstimatedRoundLatency = 2 * time.Second
)

// Resolver fans wallets out to providers.
type Resolver interface {
	Resolve(ctx context.Context, wallets []string, providers []provider.Provider, progress chan<- aggregator.Progress) (*aggregator.Result, error)
	Config() aggregator.Config
}

// ProviderSource hands out providers in priority order.
type ProviderSource interface {
	Select(allowed func(name string) bool) []provider.Provider
}

type EngineConfig struct {
	// TimeBudget bounds one ProcessChunk call.
	TimeBudget time.Duration
	// CommitReserve is held back from TimeBudget for the merge and commit;
	// providers get the rest. Capped at half the budget.
	CommitReserve         time.Duration
	MaxChunkSize          int
	EstimatedRoundLatency time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.TimeBudget <= 0 {
		c.TimeBudget = DefaultTimeBudget
	}
	if c.CommitReserve <= 0 {
		c.CommitReserve = DefaultCommitReserve
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.EstimatedRoundLatency <= 0 {
		c.EstimatedRoundLatency = DefaultEstimatedRoundLatency
	}
	return c
}

// resolveBudget is the share of TimeBudget providers may use.
func (c EngineConfig) resolveBudget() time.Duration {
	return c.TimeBudget - min(c.CommitReserve, c.TimeBudget/2)
}

// Engine advances jobs one chunk at a time.
type Engine struct {
	repo      Repository
	cache     identity.Repository
	resolver  Resolver
	providers ProviderSource
	policy    identity.Policy
	cfg       EngineConfig
	metrics   *metrics.Metrics
	now       func() time.Time
}

type EngineOption func(*Engine)

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(
	repo Repository,
	cache identity.Repository,
	resolver Resolver,
	providers ProviderSource,
	policy identity.Policy,
	cfg EngineConfig,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		repo:      repo,
		cache:     cache,
		resolver:  resolver,
		providers: providers,
		policy:    policy,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ChunkSize is how many wallets fit in the resolve share of the time budget
// when the given number of providers run their rounds back to back.
func (e *Engine) ChunkSize(providers int) int {
	agg := e.resolver.Config()
	providers = max(providers, 1)

	perRound := max(agg.ConcurrentBatches, 1) * max(agg.BatchSize, 1)
	roundCost := time.Duration(providers) * (agg.RoundDelay + e.cfg.EstimatedRoundLatency)
	rounds := max(int(e.cfg.resolveBudget()/roundCost), 1)

	return max(min(rounds*perRound, e.cfg.MaxChunkSize), 1)
}

// ProcessChunk resolves the next slice of a claimed job and commits it.
// Terminal jobs are returned unchanged. Provider failures only degrade the
// chunk, and so does running out of resolve budget: whatever providers
// answered is committed and unanswered wallets count as failed attempts.
// Persistence failures fail the job. When ctx ends, or the store is
// temporarily unavailable, nothing is written and the lease is released.
func (e *Engine) ProcessChunk(ctx context.Context, id string) (ChunkResult, error) {
	j, err := e.repo.Get(ctx, id)
	if err != nil {
		return ChunkResult{}, err
	}

	res := ChunkResult{
		JobID:          j.ID,
		Completed:      j.Status == StatusCompleted,
		ProcessedCount: j.ProcessedCount,
		Counters:       j.Counters,
	}
	switch j.Status {
	case StatusCompleted, StatusFailed:
		return res, nil
	case StatusPending:
		return res, apperror.New(apperror.Conflict, "job has not been claimed")
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.TimeBudget)
	defer cancel()

	providers := e.providers.Select(allowedProviders(j.Options))
	chunk := j.Remaining()
	if size := e.ChunkSize(len(providers)); len(chunk) > size {
		chunk = chunk[:size]
	}
	now := e.now().UTC()

	cached, err := e.cache.GetEntries(ctx, chunk)
	if err != nil {
		return res, e.abortOrFail(ctx, j, "read cache", err)
	}

	var misses []string
	for _, w := range chunk {
		if ent, ok := cached[w]; !ok || !e.policy.IsFresh(ent, now) {
			misses = append(misses, w)
		}
	}

	fetched := &aggregator.Result{}
	if len(misses) > 0 {
		fetched, err = e.fetch(ctx, j, misses, providers)
		if err != nil {
			if ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
				e.release(ctx, j, err)
				return res, fmt.Errorf("resolve chunk: %w", err)
			}
			e.metrics.ObserveChunk("budget_exhausted")
			slog.Warn("engine: resolve budget spent, committing partial chunk",
				"job", j.ID, "misses", len(misses), "unanswered", countFailed(fetched))
		}
	}

	updates := make([]identity.Update, 0, len(chunk))
	results := make([]Result, 0, len(chunk))
	outcomes := make(map[identity.Outcome]int)
	var delta Counters

	for _, w := range chunk {
		var existing *identity.Entry
		if ent, ok := cached[w]; ok {
			existing = &ent
		}
		hit := existing != nil && e.policy.IsFresh(*existing, now)

		u := identity.Update{Wallet: w, Outcome: identity.OutcomeHit}
		if !hit {
			u.Profile = fetched.Profiles[w]
			u.Outcome = identity.OutcomeFailed
			if o, ok := fetched.Outcomes[w]; ok {
				u.Outcome = o
			}
		}
		updates = append(updates, u)
		outcomes[u.Outcome]++

		merged := e.policy.Apply(existing, u, now)
		results = append(results, Result{
			Wallet:           w,
			Profile:          merged.Profile,
			DataQualityScore: merged.DataQualityScore,
			CacheHit:         hit,
			OriginalData:     j.OriginalData[w],
		})

		if hit {
			delta.CacheHits++
		}
		if merged.HasTwitter() {
			delta.TwitterFound++
		}
		if merged.HasFarcaster() {
			delta.FarcasterFound++
		}
		if merged.HasSocial() {
			delta.AnySocialFound++
		}
	}

	if err := e.cache.MergeEntries(ctx, updates, e.policy, now); err != nil {
		return res, e.abortOrFail(ctx, j, "merge cache", err)
	}

	processed := j.ProcessedCount + len(chunk)
	completed := processed == len(j.Wallets)
	totals := j.Counters.Add(delta)

	commit := Commit{
		JobID:             j.ID,
		ExpectedProcessed: j.ProcessedCount,
		ProcessedCount:    processed,
		Results:           results,
		Delta:             delta,
		Stage:             fmt.Sprintf("processed %d/%d", processed, len(j.Wallets)),
		Completed:         completed,
		At:                e.now().UTC(),
	}
	if completed {
		commit.Stage = "completed"
		if j.Options.SaveToHistory {
			commit.History = &HistoryEntry{
				JobID:       j.ID,
				UserID:      j.UserID,
				APIKeyID:    j.APIKeyID,
				InputSource: j.Options.InputSource,
				WalletCount: len(j.Wallets),
				Counters:    totals,
				CreatedAt:   commit.At,
			}
		}
	}

	if err := e.repo.CommitChunk(ctx, commit); err != nil {
		if apperror.Is(err, apperror.Conflict) {
			e.metrics.ObserveChunk("conflict")
			slog.Warn("engine: chunk already committed elsewhere", "job", j.ID, "from", j.ProcessedCount)
			return res, err
		}
		return res, e.abortOrFail(ctx, j, "commit chunk", err)
	}

	e.metrics.ObserveChunk("committed")
	for o, n := range outcomes {
		e.metrics.ObserveWallets(o.String(), n)
	}
	if completed {
		e.metrics.ObserveJobFinished(string(StatusCompleted))
	}

	slog.Info("engine: chunk committed",
		"job", j.ID, "processed", processed, "total", len(j.Wallets),
		"misses", len(misses), "cache_hits", delta.CacheHits, "found", delta.AnySocialFound,
		"completed", completed)

	return ChunkResult{
		JobID:          j.ID,
		Completed:      completed,
		ProcessedCount: processed,
		Counters:       totals,
	}, nil
}

// fetch resolves wallets within the resolve budget. On a deadline the
// returned result still holds every batch that finished.
func (e *Engine) fetch(ctx context.Context, j *Job, wallets []string, providers []provider.Provider) (*aggregator.Result, error) {
	resolveCtx, cancel := context.WithTimeout(ctx, e.cfg.resolveBudget())
	defer cancel()

	progress := make(chan aggregator.Progress)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for p := range progress {
			stage := fmt.Sprintf("%s: round %d/%d, %d/%d wallets, %d found",
				p.Provider, p.Round, p.Rounds, p.Processed, p.Total, p.Found)
			if err := e.repo.UpdateStage(ctx, j.ID, stage); err != nil {
				slog.Debug("engine: update stage", "job", j.ID, "error", err)
			}
		}
	}()

	result, err := e.resolver.Resolve(resolveCtx, wallets, providers, progress)
	close(progress)
	<-done
	if result == nil {
		result = &aggregator.Result{}
	}
	return result, err
}

func countFailed(r *aggregator.Result) int {
	n := 0
	for _, o := range r.Outcomes {
		if o == identity.OutcomeFailed {
			n++
		}
	}
	return n
}

// abortOrFail releases the job when ctx ended or the store is only
// temporarily unavailable, otherwise marks it failed.
func (e *Engine) abortOrFail(ctx context.Context, j *Job, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		apperror.Is(err, apperror.Unavailable) {
		e.release(ctx, j, err)
		return fmt.Errorf("%s: %w", op, err)
	}

	msg := fmt.Sprintf("%s: %v", op, err)
	if ferr := e.repo.Fail(context.WithoutCancel(ctx), j.ID, msg, e.now().UTC()); ferr != nil {
		slog.Error("engine: mark job failed", "job", j.ID, "error", ferr)
	}
	e.metrics.ObserveJobFinished(string(StatusFailed))
	slog.Error("engine: job failed", "job", j.ID, "op", op, "error", err)
	return apperror.Wrap(apperror.PersistenceFailure, op, err)
}

func (e *Engine) release(ctx context.Context, j *Job, cause error) {
	e.metrics.ObserveChunk("aborted")
	slog.Warn("engine: chunk aborted", "job", j.ID, "from", j.ProcessedCount, "cause", cause)
	if err := e.repo.Release(context.WithoutCancel(ctx), j.ID); err != nil {
		slog.Error("engine: release lease", "job", j.ID, "error", err)
	}
}

func allowedProviders(o Options) func(string) bool {
	return func(name string) bool {
		switch name {
		case provider.NameNeynar:
			return o.CanUseNeynar
		case provider.NameENS:
			return o.IncludeENS && o.CanUseENS
		default:
			return true
		}
	}
}
