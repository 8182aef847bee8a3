// Package tokens tracks access token validity for provider instances and owns
// every mutation of an instance's token fields.
package tokens

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/instances"
	"github.com/jrsteele09/go-credential-broker/internal/utils"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// DefaultRefreshWindow is how long before expiry a valid token is already
// reported as needing a refresh.
const DefaultRefreshWindow = 10 * time.Minute

// Status is the displayable state of an instance's access token.
type Status string

const (
	StatusValid   Status = "valid"
	StatusExpired Status = "expired"
	StatusStale   Status = "stale"
)

// InvalidateFunc is called with the instance ID whenever the instance's token
// changes or is found to be stale.
type InvalidateFunc func(instanceID string)

// Manager owns every write to an instance, serialized per instance.
type Manager struct {
	repo          instances.Repo
	locks         *utils.KeyedMutex
	refreshWindow time.Duration
	nowFunc       func() time.Time
	logger        zerolog.Logger

	hooksMu sync.RWMutex
	hooks   []InvalidateFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func WithRefreshWindow(window time.Duration) ManagerOption {
	return func(m *Manager) {
		if window >= 0 {
			m.refreshWindow = window
		}
	}
}

// WithLocks shares the per-instance lock set with other components that
// mutate instance records.
func WithLocks(locks *utils.KeyedMutex) ManagerOption {
	return func(m *Manager) {
		m.locks = locks
	}
}

func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

func NewManager(repo instances.Repo, options ...ManagerOption) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("[tokens.NewManager] instances repo is required")
	}

	m := &Manager{
		repo:          repo,
		locks:         utils.NewKeyedMutex(),
		refreshWindow: DefaultRefreshWindow,
		nowFunc:       time.Now,
		logger:        log.Logger,
	}
	for _, opt := range options {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "tokens").Logger()
	return m, nil
}

// Locks returns the per-instance lock set used for instance mutations.
func (m *Manager) Locks() *utils.KeyedMutex {
	return m.locks
}

// OnInvalidate registers a hook. Hooks run synchronously after the change
// has been persisted.
func (m *Manager) OnInvalidate(hook InvalidateFunc) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.hooks = append(m.hooks, hook)
}

func (m *Manager) fireInvalidate(instanceID string) {
	m.hooksMu.RLock()
	hooks := append([]InvalidateFunc(nil), m.hooks...)
	m.hooksMu.RUnlock()

	for _, hook := range hooks {
		hook(instanceID)
	}
}

// IsAccessTokenValid reports whether the token is present, not stale and not
// past its recorded expiry.
func (m *Manager) IsAccessTokenValid(inst *instances.ProviderInstance) bool {
	if inst == nil || !inst.HasToken() || inst.AccessTokenStale {
		return false
	}
	return m.nowFunc().Before(inst.AccessTokenExpiresAt)
}

func (m *Manager) Status(inst *instances.ProviderInstance) Status {
	switch {
	case inst != nil && inst.AccessTokenStale:
		return StatusStale
	case m.IsAccessTokenValid(inst):
		return StatusValid
	default:
		return StatusExpired
	}
}

// DescribeExpiry renders the remaining lifetime of the token, e.g.
// "expires in 1h 5m", "expired 0h 12m ago" or "stale".
func (m *Manager) DescribeExpiry(inst *instances.ProviderInstance) string {
	switch m.Status(inst) {
	case StatusStale:
		return string(StatusStale)
	case StatusValid:
		return "expires in " + formatHoursMinutes(inst.AccessTokenExpiresAt.Sub(m.nowFunc()))
	}

	if inst == nil || inst.AccessTokenExpiresAt.IsZero() {
		return string(StatusExpired)
	}
	return "expired " + formatHoursMinutes(m.nowFunc().Sub(inst.AccessTokenExpiresAt)) + " ago"
}

func formatHoursMinutes(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Truncate(time.Minute)
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// NeedsRefresh reports whether a new device authorization should be started:
// the token is invalid or expires within the refresh window.
func (m *Manager) NeedsRefresh(inst *instances.ProviderInstance) bool {
	if !m.IsAccessTokenValid(inst) {
		return true
	}
	return !m.nowFunc().Add(m.refreshWindow).Before(inst.AccessTokenExpiresAt)
}

// Mutate applies fn to the stored instance under the instance lock and
// persists the result. fn returning an error aborts without writing.
func (m *Manager) Mutate(ctx context.Context, instanceID string, fn func(inst *instances.ProviderInstance) error) (*instances.ProviderInstance, error) {
	unlock := m.locks.Lock(instanceID)
	defer unlock()

	inst, err := m.repo.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, instances.ErrNotFound) {
			return nil, errors.Wrap(faults.ErrInstanceWasNotFound, "[Manager.Mutate]")
		}
		return nil, faults.Fatal(errors.Wrap(err, "[Manager.Mutate] get instance"))
	}

	if err := fn(inst); err != nil {
		return nil, err
	}
	inst.UpdatedAt = m.nowFunc()

	if err := m.repo.Update(ctx, inst); err != nil {
		return nil, faults.Fatal(errors.Wrap(err, "[Manager.Mutate] update instance"))
	}
	return inst, nil
}

// StoreToken commits a freshly issued token, clearing any staleness.
func (m *Manager) StoreToken(ctx context.Context, instanceID, clientID string, token *oauth2.Token) error {
	if token == nil || token.AccessToken == "" {
		return faults.Fatal(errors.New("[Manager.StoreToken] empty token"))
	}

	_, err := m.Mutate(ctx, instanceID, func(inst *instances.ProviderInstance) error {
		inst.AccessToken = token.AccessToken
		inst.AccessTokenExpiresAt = token.Expiry
		inst.AccessTokenStale = false
		if clientID != "" {
			inst.ClientID = clientID
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info().Msgf("stored new access token for instance [%s]", instanceID)
	m.fireInvalidate(instanceID)
	return nil
}

// MarkStale records that the provider rejected the instance's token. The
// token reads as invalid from now on regardless of its recorded expiry.
func (m *Manager) MarkStale(ctx context.Context, instanceID string) error {
	_, err := m.Mutate(ctx, instanceID, func(inst *instances.ProviderInstance) error {
		inst.AccessTokenStale = true
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info().Msgf("access token for instance [%s] marked stale", instanceID)
	m.fireInvalidate(instanceID)
	return nil
}
