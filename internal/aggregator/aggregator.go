// Package aggregator fans a wallet set out to identity providers in paced
// rounds of concurrent batches and merges the answers per wallet.
package aggregator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ahmethakanbesel/social-resolver/internal/identity"
	"github.com/ahmethakanbesel/social-resolver/internal/provider"
	"github.com/ahmethakanbesel/social-resolver/internal/wallet"
)

const (
	DefaultBatchSize         = 200
	DefaultConcurrentBatches = 3
	DefaultRoundDelay        = 500 * time.Millisecond
)

type Config struct {
	// BatchSize is the upper bound per call; each provider may lower it.
	BatchSize         int
	ConcurrentBatches int
	RoundDelay        time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ConcurrentBatches <= 0 {
		c.ConcurrentBatches = DefaultConcurrentBatches
	}
	if c.RoundDelay < 0 {
		c.RoundDelay = 0
	}
	return c
}

// BatchSizeFor is the batch size used for p.
func (c Config) BatchSizeFor(p provider.Provider) int {
	c = c.withDefaults()
	if m := p.MaxBatchSize(); m > 0 && m < c.BatchSize {
		return m
	}
	return c.BatchSize
}

// Progress is emitted after every round.
type Progress struct {
	Provider  string
	Round     int
	Rounds    int
	Processed int // wallets covered by finished batches for this provider
	Total     int
	Found     int // distinct wallets with any data so far, across providers
	Errors    int
}

// Result maps every input wallet to an outcome; Profiles only holds wallets
// for which some provider returned data.
type Result struct {
	Profiles      map[string]identity.Profile
	Outcomes      map[string]identity.Outcome
	Batches       int
	FailedBatches int
}

// Found counts wallets with a non-empty merged profile.
func (r *Result) Found() int {
	n := 0
	for _, p := range r.Profiles {
		if !p.IsEmpty() {
			n++
		}
	}
	return n
}

type Aggregator struct {
	cfg      Config
	recorder Recorder
}

func New(cfg Config, recorder Recorder) *Aggregator {
	if recorder == nil {
		recorder = Recorders{}
	}
	return &Aggregator{cfg: cfg.withDefaults(), recorder: recorder}
}

func (a *Aggregator) Config() Config { return a.cfg }

type batchAnswer struct {
	wallets []string
	results map[string]provider.Result
	ok      bool
}

// Resolve queries providers in priority order. A failed batch is counted and
// skipped; it never stops the remaining batches. When ctx ends mid-way the
// partial result is returned together with ctx.Err().
func (a *Aggregator) Resolve(ctx context.Context, wallets []string, providers []provider.Provider, progress chan<- Progress) (*Result, error) {
	res := &Result{
		Profiles: make(map[string]identity.Profile),
		Outcomes: make(map[string]identity.Outcome, len(wallets)),
	}
	if len(wallets) == 0 || len(providers) == 0 {
		for _, w := range wallets {
			res.Outcomes[w] = identity.OutcomeFailed
		}
		return res, nil
	}

	answers := make([][]batchAnswer, len(providers))
	found := make(map[string]struct{})
	var runErr error

	for pi, p := range providers {
		answers[pi], runErr = a.runProvider(ctx, p, wallets, found, res, progress)
		if runErr != nil {
			break
		}
	}

	a.merge(res, wallets, answers)
	return res, runErr
}

func (a *Aggregator) runProvider(
	ctx context.Context,
	p provider.Provider,
	wallets []string,
	found map[string]struct{},
	res *Result,
	progress chan<- Progress,
) ([]batchAnswer, error) {
	batches := wallet.Batches(wallets, a.cfg.BatchSizeFor(p))
	answers := make([]batchAnswer, len(batches))
	rounds := (len(batches) + a.cfg.ConcurrentBatches - 1) / a.cfg.ConcurrentBatches

	pacer := rate.NewLimiter(rate.Inf, 1)
	if a.cfg.RoundDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(a.cfg.RoundDelay), 1)
	}

	processed, errCount := 0, 0
	for round := range rounds {
		if err := pacer.Wait(ctx); err != nil {
			return answers, ctxErr(ctx, err)
		}

		start := round * a.cfg.ConcurrentBatches
		end := min(start+a.cfg.ConcurrentBatches, len(batches))

		// Batch goroutines never return errors so one failure cannot cancel
		// its siblings.
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				answers[i] = a.callBatch(ctx, p, batches[i])
				return nil
			})
		}
		_ = g.Wait()

		for i := start; i < end; i++ {
			res.Batches++
			processed += len(answers[i].wallets)
			if !answers[i].ok {
				res.FailedBatches++
				errCount++
				continue
			}
			for w, r := range answers[i].results {
				if !r.Normalize().IsEmpty() {
					found[w] = struct{}{}
				}
			}
		}

		if err := emit(ctx, progress, Progress{
			Provider:  p.Name(),
			Round:     round + 1,
			Rounds:    rounds,
			Processed: processed,
			Total:     len(wallets),
			Found:     len(found),
			Errors:    errCount,
		}); err != nil {
			return answers, err
		}
	}

	if ctx.Err() != nil {
		return answers, ctx.Err()
	}
	return answers, nil
}

func (a *Aggregator) callBatch(ctx context.Context, p provider.Provider, batch []string) batchAnswer {
	start := time.Now()
	results, err := p.ResolveBatch(ctx, batch)
	latency := time.Since(start)

	call := Call{
		Provider: p.Name(),
		Wallets:  len(batch),
		Latency:  latency,
		Status:   provider.ErrorKind(err),
		At:       start.UTC(),
	}
	if err != nil {
		call.Error = err.Error()
		slog.Warn("aggregator: batch failed", "provider", p.Name(), "wallets", len(batch), "error", err)
	}
	a.recorder.RecordCall(ctx, call)

	if err != nil {
		return batchAnswer{wallets: batch}
	}

	requested := make(map[string]struct{}, len(batch))
	for _, w := range batch {
		requested[w] = struct{}{}
	}
	clean := make(map[string]provider.Result, len(results))
	for w, r := range results {
		if _, ok := requested[w]; ok && r != nil {
			clean[w] = r
		}
	}
	return batchAnswer{wallets: batch, results: clean, ok: true}
}

// merge folds answers per wallet in provider priority order.
func (a *Aggregator) merge(res *Result, wallets []string, answers [][]batchAnswer) {
	answered := make(map[string]int, len(wallets))
	for _, perProvider := range answers {
		for _, ans := range perProvider {
			if !ans.ok {
				continue
			}
			for _, w := range ans.wallets {
				answered[w]++
			}
			for w, r := range ans.results {
				p := res.Profiles[w]
				p.Absorb(r.Normalize())
				res.Profiles[w] = p
			}
		}
	}

	for w, p := range res.Profiles {
		if p.IsEmpty() {
			delete(res.Profiles, w)
		}
	}

	for _, w := range wallets {
		switch n := answered[w]; {
		case n == 0:
			res.Outcomes[w] = identity.OutcomeFailed
		case n < len(answers):
			res.Outcomes[w] = identity.OutcomePartial
		default:
			res.Outcomes[w] = identity.OutcomeFetched
		}
	}
}

func emit(ctx context.Context, ch chan<- Progress, p Progress) error {
	if ch == nil {
		return nil
	}
	select {
	case ch <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ctxErr prefers the context's own error over the limiter's wrapper message.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
