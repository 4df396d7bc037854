// Package provider defines the identity provider port. Each upstream API
// returns its own payload type; all of them normalize to identity.Profile.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ahmethakanbesel/social-resolver/internal/identity"
)

const (
	NameNeynar  = "neynar"
	NameENS     = "ens"
	NameWeb3Bio = "web3bio"
)

var (
	ErrUnauthorized = errors.New("provider rejected credentials")
	ErrRateLimited  = errors.New("provider rate limit exceeded")
)

// StatusError is a non-success upstream response that is neither an auth
// failure nor a rate limit.
type StatusError struct {
	Provider string
	Status   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream returned HTTP %d", e.Provider, e.Status)
}

// CheckStatus maps an HTTP status code onto the provider error taxonomy.
func CheckStatus(provider string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w", provider, ErrUnauthorized)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", provider, ErrRateLimited)
	default:
		return &StatusError{Provider: provider, Status: status}
	}
}

// ErrorKind returns a short label for metrics and logs.
func ErrorKind(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.As(err, &se):
		return fmt.Sprintf("http_%d", se.Status)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// Result is the closed set of provider payloads.
type Result interface {
	Provider() string
	Normalize() identity.Profile
	isResult()
}

// Provider resolves a batch of normalized wallets. Wallets with no data are
// simply absent from the returned map.
type Provider interface {
	Name() string
	MaxBatchSize() int
	ResolveBatch(ctx context.Context, wallets []string) (map[string]Result, error)
}
