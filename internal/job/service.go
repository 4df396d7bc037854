package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/social-resolver/internal/apperror"
	"github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
	"github.com/ahmethakanbesel/social-resolver/internal/wallet"
)

// Limiter is the admission check applied to API-key jobs.
type Limiter interface {
	CheckAndConsume(ctx context.Context, apiKeyID string, plan ratelimit.Plan, cost int) (ratelimit.Decision, error)
}

type Service struct {
	repo    Repository
	limiter Limiter
	notify  func() // optional: wake worker pool
	now     func() time.Time
}

func NewService(repo Repository, limiter Limiter) *Service {
	return &Service{repo: repo, limiter: limiter, now: time.Now}
}

// SetNotify sets a callback invoked when a new pending job is created.
func (s *Service) SetNotify(fn func()) { s.notify = fn }

// CreateJob validates and deduplicates the wallet list, charges API-key
// callers one unit per unique wallet and stores a pending job.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	wallets, invalid := wallet.Dedup(req.Wallets)
	if len(invalid) > 0 {
		return nil, apperror.New(apperror.InvalidInput,
			fmt.Sprintf("invalid wallet address %q (%d invalid in total)", invalid[0], len(invalid)))
	}
	if len(wallets) == 0 {
		return nil, apperror.New(apperror.InvalidInput, "wallets must not be empty")
	}

	opts := req.Options
	if opts.Tier == "" {
		opts.Tier = ratelimit.TierFree
	}

	var apiKeyID string
	if req.APIKey != nil {
		if s.limiter == nil {
			return nil, apperror.New(apperror.Internal, "rate limiter not configured")
		}
		decision, err := s.limiter.CheckAndConsume(ctx, req.APIKey.ID, req.APIKey.Plan(), len(wallets))
		if err != nil {
			if apperror.Is(err, apperror.InvalidInput) {
				return nil, err
			}
			return nil, apperror.Wrap(apperror.PersistenceFailure, "check rate limit", err)
		}
		if !decision.Allowed {
			return nil, apperror.Limited("rate limit exceeded", decision.RetryAfter)
		}
		apiKeyID = req.APIKey.ID
		opts.Tier = req.APIKey.Tier
	}

	now := s.now().UTC()
	j := &Job{
		ID:           uuid.NewString(),
		Wallets:      wallets,
		OriginalData: normalizeOriginalData(req.OriginalData, wallets),
		Options:      opts,
		Status:       StatusPending,
		CurrentStage: "queued",
		UserID:       req.UserID,
		APIKeyID:     apiKeyID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	slog.Info("job created", "job", j.ID, "wallets", len(wallets), "duplicates", len(req.Wallets)-len(wallets),
		"user", req.UserID, "api_key", apiKeyID)

	if s.notify != nil {
		s.notify()
	}
	return j, nil
}

// normalizeOriginalData re-keys caller rows by normalized wallet and drops
// rows for wallets not in the job.
func normalizeOriginalData(in map[string]map[string]any, wallets []string) map[string]map[string]any {
	if len(in) == 0 {
		return nil
	}
	keep := make(map[string]struct{}, len(wallets))
	for _, w := range wallets {
		keep[w] = struct{}{}
	}
	out := make(map[string]map[string]any)
	for k, row := range in {
		w, ok := wallet.Normalize(k)
		if !ok {
			continue
		}
		if _, ok := keep[w]; ok {
			out[w] = row
		}
	}
	return out
}

func (s *Service) Get(ctx context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, req.ID)
}

func (s *Service) List(ctx context.Context, req ListJobsRequest) ([]Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, ListFilter{
		UserID:      req.UserID,
		APIKeyID:    req.APIKeyID,
		Status:      req.Status,
		InputSource: req.InputSource,
		Limit:       100,
	})
}

// History lists the user's finished jobs, newest first.
func (s *Service) History(ctx context.Context, userID string) ([]HistoryEntry, error) {
	if userID == "" {
		return nil, apperror.New(apperror.InvalidInput, "userId is required")
	}
	return s.repo.History(ctx, userID, 100)
}

// RecoverExpiredLeases reports processing jobs whose worker went away. They
// are claimable again without further action.
func (s *Service) RecoverExpiredLeases(ctx context.Context) (int64, error) {
	n, err := s.repo.CountExpiredLeases(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("jobs with expired leases will be re-claimed", "count", n)
		if s.notify != nil {
			s.notify()
		}
	}
	return n, nil
}
