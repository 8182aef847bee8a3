// Package directory serves the account and role tree of each provider
// instance, caching it for as long as the instance's token is valid.
package directory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/gateway"
	"github.com/jrsteele09/go-credential-broker/instances"
	"github.com/jrsteele09/go-credential-broker/sinks"
	"github.com/jrsteele09/go-credential-broker/tokens"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheSize        = 256
	defaultCacheTTL         = 12 * time.Hour
	defaultRoleFetchWorkers = 4
	defaultFetchTimeout     = time.Minute
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_directory_cache_hits_total",
		Help: "Instance directory reads served from the cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_directory_cache_misses_total",
		Help: "Instance directory reads that needed an upstream fetch.",
	})
	upstreamFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_directory_upstream_fetches_total",
		Help: "Account and role fetches sent to the identity provider, by outcome.",
	}, []string{"outcome"})
)

// InstanceData is everything the presentation layer shows for one instance.
type InstanceData struct {
	InstanceID           string                `json:"instanceId"`
	ProviderCode         string                `json:"providerCode"`
	Label                string                `json:"label"`
	StartURL             string                `json:"startUrl"`
	Region               string                `json:"region"`
	IsFavorite           bool                  `json:"isFavorite"`
	TokenStatus          tokens.Status         `json:"tokenStatus"`
	IsAccessTokenExpired bool                  `json:"isAccessTokenExpired"`
	AccessTokenExpiresIn string                `json:"accessTokenExpiresIn"`
	Accounts             []gateway.Account     `json:"accounts"`
	Sinks                []*sinks.SinkInstance `json:"sinks"`
}

type cacheEntry struct {
	accounts   []gateway.Account
	expiresAt  time.Time
	generation uint64
}

// Directory reads instances and their account trees, collapsing concurrent
// upstream fetches per instance.
type Directory struct {
	repo         instances.Repo
	sinkRepo     sinks.Repo
	tokens       *tokens.Manager
	gateway      gateway.IdentityProvider
	cacheSize    int
	cacheTTL     time.Duration
	workers      int
	fetchTimeout time.Duration
	nowFunc      func() time.Time
	logger       zerolog.Logger

	cache *expirable.LRU[string, cacheEntry]
	group singleflight.Group

	genMu       sync.Mutex
	generations map[string]uint64
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithCacheSize caps the number of cached instances.
func WithCacheSize(size int) DirectoryOption {
	return func(d *Directory) {
		if size > 0 {
			d.cacheSize = size
		}
	}
}

// WithCacheTTL caps how long an entry lives regardless of token expiry.
func WithCacheTTL(ttl time.Duration) DirectoryOption {
	return func(d *Directory) {
		if ttl > 0 {
			d.cacheTTL = ttl
		}
	}
}

// WithRoleFetchWorkers bounds concurrent role listings per fetch.
func WithRoleFetchWorkers(n int) DirectoryOption {
	return func(d *Directory) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithFetchTimeout bounds a shared upstream fetch, which outlives the
// callers waiting on it.
func WithFetchTimeout(timeout time.Duration) DirectoryOption {
	return func(d *Directory) {
		if timeout > 0 {
			d.fetchTimeout = timeout
		}
	}
}

func WithNowFunc(now func() time.Time) DirectoryOption {
	return func(d *Directory) {
		d.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) DirectoryOption {
	return func(d *Directory) {
		d.logger = logger
	}
}

// NewDirectory builds the directory and subscribes it to token invalidations
// so that a new or stale token always drops the cached tree.
func NewDirectory(repo instances.Repo, sinkRepo sinks.Repo, tokenManager *tokens.Manager, idp gateway.IdentityProvider, options ...DirectoryOption) (*Directory, error) {
	if repo == nil {
		return nil, errors.New("[NewDirectory] instances repo is required")
	}
	if sinkRepo == nil {
		return nil, errors.New("[NewDirectory] sinks repo is required")
	}
	if tokenManager == nil {
		return nil, errors.New("[NewDirectory] token manager is required")
	}
	if idp == nil {
		return nil, errors.New("[NewDirectory] identity provider is required")
	}

	d := &Directory{
		repo:         repo,
		sinkRepo:     sinkRepo,
		tokens:       tokenManager,
		gateway:      idp,
		cacheSize:    defaultCacheSize,
		cacheTTL:     defaultCacheTTL,
		workers:      defaultRoleFetchWorkers,
		fetchTimeout: defaultFetchTimeout,
		nowFunc:      time.Now,
		logger:       log.Logger,
		generations:  make(map[string]uint64),
	}
	for _, opt := range options {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "directory").Logger()
	d.cache = expirable.NewLRU[string, cacheEntry](d.cacheSize, nil, d.cacheTTL)

	tokenManager.OnInvalidate(d.Invalidate)
	return d, nil
}

// Invalidate drops the cached tree of an instance. A fetch already in flight
// for the instance will not be cached.
func (d *Directory) Invalidate(instanceID string) {
	d.genMu.Lock()
	d.generations[instanceID]++
	d.genMu.Unlock()

	d.cache.Remove(instanceID)
	d.group.Forget(instanceID)
}

func (d *Directory) generation(instanceID string) uint64 {
	d.genMu.Lock()
	defer d.genMu.Unlock()
	return d.generations[instanceID]
}

func (d *Directory) describe(inst *instances.ProviderInstance) *InstanceData {
	status := d.tokens.Status(inst)
	return &InstanceData{
		InstanceID:           inst.InstanceID,
		ProviderCode:         inst.ProviderCode,
		Label:                inst.Label,
		StartURL:             inst.StartURL,
		Region:               inst.Region,
		IsFavorite:           inst.IsFavorite,
		TokenStatus:          status,
		IsAccessTokenExpired: status != tokens.StatusValid,
		AccessTokenExpiresIn: d.tokens.DescribeExpiry(inst),
		Accounts:             []gateway.Account{},
	}
}

// GetInstanceData returns the instance with its accounts and roles. An
// invalid token short-circuits to an empty tree without calling upstream.
func (d *Directory) GetInstanceData(ctx context.Context, instanceID string, forceRefresh bool) (*InstanceData, error) {
	inst, err := d.repo.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, instances.ErrNotFound) {
			return nil, errors.Wrap(faults.ErrInstanceWasNotFound, "[Directory.GetInstanceData]")
		}
		return nil, faults.Fatal(errors.Wrap(err, "[Directory.GetInstanceData] get instance"))
	}

	data := d.describe(inst)
	data.Sinks, err = d.sinkRepo.ListByProvider(ctx, inst.ProviderCode, inst.InstanceID)
	if err != nil {
		return nil, faults.Fatal(errors.Wrap(err, "[Directory.GetInstanceData] list sinks"))
	}

	if !d.tokens.IsAccessTokenValid(inst) {
		d.logger.Info().Msgf("token for instance [%s] is %s", instanceID, data.TokenStatus)
		return data, nil
	}

	if !forceRefresh {
		if accounts, ok := d.cached(instanceID); ok {
			d.logger.Debug().Msgf("cache hit for instance [%s]", instanceID)
			cacheHitsTotal.Inc()
			data.Accounts = accounts
			return data, nil
		}
	}
	cacheMissesTotal.Inc()

	d.logger.Debug().Msgf("fetching accounts for instance [%s] with refresh=%t", instanceID, forceRefresh)
	accounts, err := d.fetch(ctx, inst)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "[Directory.GetInstanceData]")
		}
		if errors.Is(err, gateway.ErrAccessTokenRejected) {
			d.logger.Info().Msgf("provider rejected token for instance [%s]", instanceID)
			if err := d.tokens.MarkStale(ctx, instanceID); err != nil {
				return nil, err
			}
			data.TokenStatus = tokens.StatusStale
			data.IsAccessTokenExpired = true
			data.AccessTokenExpiresIn = string(tokens.StatusStale)
			return data, nil
		}
		d.logger.Error().Err(err).Msg("aws sso client failed to list accounts")
		return nil, errors.Wrap(faults.ErrTransientAwsClientError, err.Error())
	}

	data.Accounts = accounts
	return data, nil
}

func (d *Directory) cached(instanceID string) ([]gateway.Account, bool) {
	entry, ok := d.cache.Get(instanceID)
	if !ok {
		return nil, false
	}
	if entry.generation != d.generation(instanceID) || !d.nowFunc().Before(entry.expiresAt) {
		d.cache.Remove(instanceID)
		return nil, false
	}
	return cloneAccounts(entry.accounts), true
}

// fetch collapses concurrent fetches for the same instance into one
// upstream call. The shared call runs detached from any single caller and
// each caller stops waiting when its own context is done.
func (d *Directory) fetch(ctx context.Context, inst *instances.ProviderInstance) ([]gateway.Account, error) {
	ch := d.group.DoChan(inst.InstanceID, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.fetchTimeout)
		defer cancel()

		gen := d.generation(inst.InstanceID)

		accounts, err := d.fetchAccounts(fctx, inst)
		if err != nil {
			upstreamFetchesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		upstreamFetchesTotal.WithLabelValues("ok").Inc()

		if d.generation(inst.InstanceID) == gen {
			d.cache.Add(inst.InstanceID, cacheEntry{
				accounts:   accounts,
				expiresAt:  inst.AccessTokenExpiresAt,
				generation: gen,
			})
		} else {
			d.logger.Debug().Msgf("instance [%s] invalidated during fetch, result not cached", inst.InstanceID)
		}
		return accounts, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneAccounts(res.Val.([]gateway.Account)), nil
	}
}

func (d *Directory) fetchAccounts(ctx context.Context, inst *instances.ProviderInstance) ([]gateway.Account, error) {
	accounts, err := d.gateway.ListAccounts(ctx, inst.Region, inst.AccessToken)
	if err != nil {
		return nil, errors.Wrap(err, "[Directory.fetchAccounts] list accounts")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i := range accounts {
		g.Go(func() error {
			roles, err := d.gateway.ListAccountRoles(gctx, inst.Region, inst.AccessToken, accounts[i].AccountID)
			if err != nil {
				return errors.Wrapf(err, "[Directory.fetchAccounts] list roles for %s", accounts[i].AccountID)
			}
			accounts[i].Roles = roles
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListInstances returns every instance without its account tree, favorites
// first and then by label.
func (d *Directory) ListInstances(ctx context.Context) ([]*InstanceData, error) {
	list, err := d.repo.List(ctx)
	if err != nil {
		return nil, faults.Fatal(errors.Wrap(err, "[Directory.ListInstances]"))
	}

	result := make([]*InstanceData, 0, len(list))
	for _, inst := range list {
		result = append(result, d.describe(inst))
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].IsFavorite != result[j].IsFavorite {
			return result[i].IsFavorite
		}
		return strings.ToLower(result[i].Label) < strings.ToLower(result[j].Label)
	})
	return result, nil
}

func cloneAccounts(accounts []gateway.Account) []gateway.Account {
	out := make([]gateway.Account, len(accounts))
	for i, a := range accounts {
		out[i] = a
		out[i].Roles = append([]gateway.Role(nil), a.Roles...)
	}
	return out
}
