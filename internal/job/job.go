package job

import (
	"time"

	"github.com/ahmethakanbesel/social-resolver/internal/identity"
	"github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type Options struct {
	IncludeENS    bool           `json:"includeENS"`
	SaveToHistory bool           `json:"saveToHistory"`
	CanUseNeynar  bool           `json:"canUseNeynar"`
	CanUseENS     bool           `json:"canUseENS"`
	Tier          ratelimit.Tier `json:"tier"`
	InputSource   string         `json:"inputSource,omitempty"`
}

// Counters are the running totals shown while a job progresses.
type Counters struct {
	TwitterFound   int `json:"twitterFound"`
	FarcasterFound int `json:"farcasterFound"`
	AnySocialFound int `json:"anySocialFound"`
	CacheHits      int `json:"cacheHits"`
}

func (c Counters) Add(o Counters) Counters {
	return Counters{
		TwitterFound:   c.TwitterFound + o.TwitterFound,
		FarcasterFound: c.FarcasterFound + o.FarcasterFound,
		AnySocialFound: c.AnySocialFound + o.AnySocialFound,
		CacheHits:      c.CacheHits + o.CacheHits,
	}
}

// Result is one enriched output row.
type Result struct {
	Wallet string `json:"wallet"`
	identity.Profile
	DataQualityScore int            `json:"dataQualityScore"`
	CacheHit         bool           `json:"cacheHit"`
	OriginalData     map[string]any `json:"originalData,omitempty"`
}

type Job struct {
	ID             string                    `json:"id"`
	Wallets        []string                  `json:"wallets"`
	OriginalData   map[string]map[string]any `json:"originalData,omitempty"`
	Options        Options                   `json:"options"`
	Status         Status                    `json:"status"`
	ProcessedCount int                       `json:"processedCount"`
	CurrentStage   string                    `json:"currentStage"`
	Counters
	PartialResults []Result   `json:"partialResults,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	UserID         string     `json:"userId,omitempty"`
	APIKeyID       string     `json:"apiKeyId,omitempty"`
	LeaseUntil     *time.Time `json:"leaseUntil,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// Remaining is the unprocessed tail of the wallet list.
func (j *Job) Remaining() []string {
	if j.ProcessedCount >= len(j.Wallets) {
		return nil
	}
	return j.Wallets[j.ProcessedCount:]
}

// HistoryEntry summarises a finished job for the owner's history view.
type HistoryEntry struct {
	JobID       string    `json:"jobId"`
	UserID      string    `json:"userId,omitempty"`
	APIKeyID    string    `json:"apiKeyId,omitempty"`
	InputSource string    `json:"inputSource,omitempty"`
	WalletCount int       `json:"walletCount"`
	Counters
	CreatedAt time.Time `json:"createdAt"`
}

// ChunkResult is what one ProcessChunk call reports.
type ChunkResult struct {
	JobID          string `json:"jobId"`
	Completed      bool   `json:"completed"`
	ProcessedCount int    `json:"processedCount"`
	Counters
}
