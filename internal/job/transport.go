package job

import (
	"github.com/google/uuid"

	"github.com/ahmethakanbesel/social-resolver/internal/apperror"
	"github.com/ahmethakanbesel/social-resolver/internal/ratelimit"
)

const maxJobWallets = 100_000

type CreateJobRequest struct {
	Wallets      []string                  `json:"wallets"`
	OriginalData map[string]map[string]any `json:"originalData,omitempty"`
	Options      Options                   `json:"options"`
	UserID       string                    `json:"userId,omitempty"`
	// APIKey is set for externally authenticated callers; their jobs are
	// charged against the key's plan.
	APIKey *ratelimit.APIKey `json:"-"`
}

func (r CreateJobRequest) Validate() *apperror.AppError {
	if len(r.Wallets) == 0 {
		return apperror.New(apperror.InvalidInput, "wallets must not be empty")
	}
	if len(r.Wallets) > maxJobWallets {
		return apperror.New(apperror.InvalidInput, "too many wallets in one job")
	}
	return nil
}

type GetJobRequest struct {
	ID string
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if _, err := uuid.Parse(r.ID); err != nil {
		return apperror.New(apperror.InvalidInput, "invalid job id")
	}
	return nil
}

type ListJobsRequest struct {
	UserID      string
	APIKeyID    string
	Status      Status
	InputSource string
}

func (r ListJobsRequest) Validate() *apperror.AppError {
	if r.Status != "" && !r.Status.Valid() {
		return apperror.New(apperror.InvalidInput, "invalid status filter")
	}
	return nil
}
