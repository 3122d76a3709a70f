// Package profile stores budget profiles keyed by caller identifier. The
// gateway resolves a profile per request; a missing profile is an expected
// condition the caller maps to a conservative default, not an error to
// propagate.
package profile

import (
	"context"
	"errors"

	"github.com/newsieai/paygate/types"
)

var (
	// ErrNotFound is returned when no profile exists for an identifier.
	ErrNotFound = errors.New("profile not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("profile store closed")
)

// Store is the profile persistence interface.
type Store interface {
	Get(ctx context.Context, identifier string) (*types.BudgetProfile, error)
	Put(ctx context.Context, profile *types.BudgetProfile) error
	Delete(ctx context.Context, identifier string) error
	Close() error
}
