package instances

import (
	"context"

	brokererrors "github.com/jrsteele09/go-credential-broker/internal/errors"
)

var (
	ErrNotFound  = brokererrors.ErrNotFound
	ErrDuplicate = brokererrors.ErrDuplicate
	ErrConflict  = brokererrors.ErrConflict
)

// Repo persists provider instances. Implementations hand out copies so that
// readers never observe a half applied mutation.
type Repo interface {
	// Create stores a new instance. ErrDuplicate when (StartURL, Region) is taken.
	Create(ctx context.Context, instance *ProviderInstance) error

	// Get returns the instance or ErrNotFound.
	Get(ctx context.Context, instanceID string) (*ProviderInstance, error)

	// FindByStartURL returns the instance for (startURL, region) or ErrNotFound.
	FindByStartURL(ctx context.Context, startURL, region string) (*ProviderInstance, error)

	// List returns every instance ordered by creation time, newest first.
	List(ctx context.Context) ([]*ProviderInstance, error)

	// Update replaces the stored record. The record's Version must match the
	// stored one (ErrConflict otherwise) and is incremented on success.
	Update(ctx context.Context, instance *ProviderInstance) error

	// Delete removes the instance; ErrNotFound when absent.
	Delete(ctx context.Context, instanceID string) error
}
