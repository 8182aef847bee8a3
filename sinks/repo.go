package sinks

import (
	"context"
	"time"

	brokererrors "github.com/jrsteele09/go-credential-broker/internal/errors"
)

var (
	ErrNotFound  = brokererrors.ErrNotFound
	ErrDuplicate = brokererrors.ErrDuplicate
)

// Repo persists sink associations.
type Repo interface {
	// Create stores a sink. ErrDuplicate when the same (SinkCode, ProviderID,
	// Destination) is already connected.
	Create(ctx context.Context, sink *SinkInstance) error

	// Get returns the sink or ErrNotFound.
	Get(ctx context.Context, sinkID string) (*SinkInstance, error)

	// Delete removes the sink. Deleting a missing sink is not an error.
	Delete(ctx context.Context, sinkID string) error

	// ListByProvider returns the sinks attached to a provider instance,
	// oldest first.
	ListByProvider(ctx context.Context, providerCode, providerID string) ([]*SinkInstance, error)

	// MarkDrained records a successful drain.
	MarkDrained(ctx context.Context, sinkID string, drainedAt time.Time) error
}
