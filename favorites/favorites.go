// Package favorites flags instances the user wants surfaced first.
package favorites

import (
	"context"
	"sort"
	"strings"

	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/instances"
	"github.com/jrsteele09/go-credential-broker/tokens"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Registry toggles the favorite flag of instances.
type Registry struct {
	repo   instances.Repo
	tokens *tokens.Manager
	logger zerolog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry writes through the token manager so that favorite toggles
// share the per-instance lock with token updates.
func NewRegistry(repo instances.Repo, tokenManager *tokens.Manager, options ...RegistryOption) (*Registry, error) {
	if repo == nil {
		return nil, errors.New("[NewRegistry] instances repo is required")
	}
	if tokenManager == nil {
		return nil, errors.New("[NewRegistry] token manager is required")
	}

	r := &Registry{
		repo:   repo,
		tokens: tokenManager,
		logger: log.Logger,
	}
	for _, opt := range options {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "favorites").Logger()
	return r, nil
}

// MarkAsFavorite is a no-op for an instance that is already a favorite.
func (r *Registry) MarkAsFavorite(ctx context.Context, instanceID string) error {
	return r.setFavorite(ctx, instanceID, true)
}

// UnmarkAsFavorite is a no-op for an instance that is not a favorite.
func (r *Registry) UnmarkAsFavorite(ctx context.Context, instanceID string) error {
	return r.setFavorite(ctx, instanceID, false)
}

func (r *Registry) setFavorite(ctx context.Context, instanceID string, favorite bool) error {
	inst, err := r.repo.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, instances.ErrNotFound) {
			return errors.Wrap(faults.ErrInstanceWasNotFound, "[Registry.setFavorite]")
		}
		return faults.Fatal(errors.Wrap(err, "[Registry.setFavorite] get instance"))
	}
	if inst.IsFavorite == favorite {
		return nil
	}

	_, err = r.tokens.Mutate(ctx, instanceID, func(inst *instances.ProviderInstance) error {
		inst.IsFavorite = favorite
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info().Msgf("instance [%s] favorite=%t", instanceID, favorite)
	return nil
}

// ListFavorites returns favorite instances ordered by label.
func (r *Registry) ListFavorites(ctx context.Context) ([]*instances.ProviderInstance, error) {
	all, err := r.repo.List(ctx)
	if err != nil {
		return nil, faults.Fatal(errors.Wrap(err, "[Registry.ListFavorites]"))
	}

	favorites := make([]*instances.ProviderInstance, 0, len(all))
	for _, inst := range all {
		if inst.IsFavorite {
			favorites = append(favorites, inst)
		}
	}
	sort.SliceStable(favorites, func(i, j int) bool {
		return strings.ToLower(favorites[i].Label) < strings.ToLower(favorites[j].Label)
	})
	return favorites, nil
}
