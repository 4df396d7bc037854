package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmethakanbesel/social-resolver/internal/job"
	"github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
)

const (
	DefaultMaxCount       = 500
	DefaultMinLookupCount = 5

	InputSource = "refresh"
)

// StaleSource is satisfied by identity.Repository.
type StaleSource interface {
	SelectStale(ctx context.Context, now time.Time, maxCount, minLookupCount int) ([]string, error)
}

// JobQueue is satisfied by job.Service.
type JobQueue interface {
	CreateJob(ctx context.Context, req job.CreateJobRequest) (*job.Job, error)
	List(ctx context.Context, req job.ListJobsRequest) ([]job.Job, error)
}

type Config struct {
	MaxCount       int
	MinLookupCount int
}

// Result reports one selector pass. JobID is empty when nothing was stale;
// OpenJobID is set when the pass was skipped for an unfinished refresh job.
type Result struct {
	Selected  int    `json:"selected"`
	JobID     string `json:"jobId,omitempty"`
	OpenJobID string `json:"openJobId,omitempty"`
}

// Selector re-queues popular wallets whose cache entries went stale.
type Selector struct {
	cache StaleSource
	jobs  JobQueue
	cfg   Config
	now   func() time.Time
}

func NewSelector(cache StaleSource, jobs JobQueue, cfg Config) *Selector {
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = DefaultMaxCount
	}
	if cfg.MinLookupCount <= 0 {
		cfg.MinLookupCount = DefaultMinLookupCount
	}
	return &Selector{cache: cache, jobs: jobs, cfg: cfg, now: time.Now}
}

// Run selects stale wallets and submits them as one system job. The job is
// not rate limited and leaves no history entry. While an earlier refresh job
// is pending or processing the pass does nothing, so its wallets are not
// queued twice.
func (s *Selector) Run(ctx context.Context) (Result, error) {
	open, err := s.openJob(ctx)
	if err != nil {
		return Result{}, err
	}
	if open != "" {
		slog.Info("refresh: previous refresh job still open, skipping", "job_id", open)
		return Result{OpenJobID: open}, nil
	}

	wallets, err := s.cache.SelectStale(ctx, s.now().UTC(), s.cfg.MaxCount, s.cfg.MinLookupCount)
	if err != nil {
		return Result{}, fmt.Errorf("select stale: %w", err)
	}
	if len(wallets) == 0 {
		slog.Debug("refresh: nothing stale")
		return Result{}, nil
	}

	j, err := s.jobs.CreateJob(ctx, job.CreateJobRequest{
		Wallets: wallets,
		Options: job.Options{
			IncludeENS:   true,
			CanUseNeynar: true,
			CanUseENS:    true,
			Tier:         ratelimit.TierUnlimited,
			InputSource:  InputSource,
		},
	})
	if err != nil {
		return Result{Selected: len(wallets)}, fmt.Errorf("create refresh job: %w", err)
	}

	slog.Info("refresh: queued stale wallets", "job_id", j.ID, "wallets", len(wallets))
	return Result{Selected: len(wallets), JobID: j.ID}, nil
}

func (s *Selector) openJob(ctx context.Context) (string, error) {
	for _, st := range []job.Status{job.StatusProcessing, job.StatusPending} {
		jobs, err := s.jobs.List(ctx, job.ListJobsRequest{Status: st, InputSource: InputSource})
		if err != nil {
			return "", fmt.Errorf("list open refresh jobs: %w", err)
		}
		if len(jobs) > 0 {
			return jobs[0].ID, nil
		}
	}
	return "", nil
}
