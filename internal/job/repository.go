package job

import (
	"context"
	"time"
)

// Commit is the atomic write that ends a chunk.
type Commit struct {
	JobID string
	// ExpectedProcessed is the processed count the chunk started from. The
	// commit applies only while the stored count still equals it.
	ExpectedProcessed int
	ProcessedCount    int
	Results           []Result
	Delta             Counters
	Stage             string
	Completed         bool
	History           *HistoryEntry
	At                time.Time
}

type ListFilter struct {
	UserID      string
	APIKeyID    string
	Status      Status
	InputSource string
	Limit       int
}

type Repository interface {
	Create(ctx context.Context, j *Job) error
	// Get loads the job including its partial results.
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f ListFilter) ([]Job, error)
	// ClaimPending moves up to limit claimable jobs to processing with a lease
	// ending at now+lease, oldest first, in one conditional update.
	ClaimPending(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]Job, error)
	// CommitChunk returns an apperror.Conflict when the expected processed
	// count no longer matches.
	CommitChunk(ctx context.Context, c Commit) error
	UpdateStage(ctx context.Context, id, stage string) error
	// Release clears the lease so the next tick can claim the job again.
	Release(ctx context.Context, id string) error
	Fail(ctx context.Context, id, message string, at time.Time) error
	CountExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	History(ctx context.Context, userID string, limit int) ([]HistoryEntry, error)
}
