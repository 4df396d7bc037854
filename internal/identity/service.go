package identity

import (
	"context"

	"github.com/ahmethakanbesel/social-resolver/internal/apperror"
	"github.com/ahmethakanbesel/social-resolver/internal/wallet"
)

const maxLookupWallets = 500

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Lookup reads cached entries without counting it as a resolution.
func (s *Service) Lookup(ctx context.Context, wallets []string) (map[string]Entry, error) {
	unique, invalid := wallet.Dedup(wallets)
	if len(invalid) > 0 {
		return nil, apperror.New(apperror.InvalidInput, "invalid wallet address: "+invalid[0])
	}
	if len(unique) == 0 {
		return nil, apperror.New(apperror.InvalidInput, "at least one wallet is required")
	}
	if len(unique) > maxLookupWallets {
		return nil, apperror.New(apperror.InvalidInput, "too many wallets in one lookup")
	}
	return s.repo.GetEntries(ctx, unique)
}
