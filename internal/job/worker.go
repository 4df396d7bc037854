package job

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/social-resolver/internal/metrics"
)

const (
	DefaultParallelJobLimit = 3
	DefaultClaimLease       = 2 * time.Minute
)

// Processor advances one claimed job by a chunk.
type Processor interface {
	ProcessChunk(ctx context.Context, id string) (ChunkResult, error)
}

// TickResult is the outcome for one job within a tick.
type TickResult struct {
	ChunkResult
	Error string `json:"error,omitempty"`
}

type TickReport struct {
	Claimed int          `json:"claimed"`
	Results []TickResult `json:"results"`
}

// WorkerPool claims pending jobs and advances each by one chunk per tick.
// Jobs in one tick run concurrently; chunks of one job never overlap because
// the claim lease admits a single holder.
type WorkerPool struct {
	repo         Repository
	processor    Processor
	limit        int
	lease        time.Duration
	notify       chan struct{}
	pollInterval time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewWorkerPool creates a pool that claims up to limit jobs per tick.
func NewWorkerPool(repo Repository, processor Processor, limit int, lease time.Duration) *WorkerPool {
	if limit <= 0 {
		limit = DefaultParallelJobLimit
	}
	if lease <= 0 {
		lease = DefaultClaimLease
	}
	return &WorkerPool{
		repo:         repo,
		processor:    processor,
		limit:        limit,
		lease:        lease,
		notify:       make(chan struct{}, 1),
		pollInterval: 5 * time.Second,
		now:          time.Now,
	}
}

func (wp *WorkerPool) SetMetrics(m *metrics.Metrics) { wp.metrics = m }

// SetPollInterval changes how often Run ticks without a Notify.
func (wp *WorkerPool) SetPollInterval(d time.Duration) {
	if d > 0 {
		wp.pollInterval = d
	}
}

// Notify wakes the pool to check for pending jobs. Non-blocking.
func (wp *WorkerPool) Notify() {
	select {
	case wp.notify <- struct{}{}:
	default:
	}
}

// Tick claims up to the parallel job limit and processes one chunk of each
// concurrently. A failing job never affects the others.
func (wp *WorkerPool) Tick(ctx context.Context) (TickReport, error) {
	jobs, err := wp.repo.ClaimPending(ctx, wp.limit, wp.lease, wp.now().UTC())
	if err != nil {
		return TickReport{}, err
	}
	wp.metrics.ObserveClaims(len(jobs))

	report := TickReport{Claimed: len(jobs), Results: make([]TickResult, len(jobs))}
	if len(jobs) == 0 {
		return report, nil
	}

	var g errgroup.Group
	g.SetLimit(wp.limit)
	for i, j := range jobs {
		g.Go(func() error {
			slog.Info("worker: processing job", "job", j.ID, "processed", j.ProcessedCount, "total", len(j.Wallets))
			res, err := wp.processor.ProcessChunk(ctx, j.ID)
			if res.JobID == "" {
				res.JobID = j.ID
			}
			report.Results[i] = TickResult{ChunkResult: res}
			if err != nil {
				report.Results[i].Error = err.Error()
				slog.Error("worker: process job", "job", j.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// Run ticks until ctx is cancelled. It ticks again right away while jobs are
// being claimed, then waits for Notify or the poll interval.
func (wp *WorkerPool) Run(ctx context.Context) {
	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		// Drain all claimable jobs before waiting.
		wp.drain(ctx)

		select {
		case <-ctx.Done():
			return
		case <-wp.notify:
		case <-ticker.C:
		}
	}
}

func (wp *WorkerPool) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		report, err := wp.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // shutting down
			}
			slog.Error("worker: claim pending", "error", err)
			return
		}
		if report.Claimed == 0 {
			return
		}
		if allFailed(report) {
			// avoid spinning on jobs that keep erroring
			return
		}
	}
}

func allFailed(r TickReport) bool {
	for _, res := range r.Results {
		if res.Error == "" {
			return false
		}
	}
	return true
}
