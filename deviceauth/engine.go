// Package deviceauth runs the OAuth2 device authorization grant against the
// identity provider to create new instances and to refresh their tokens.
//
// A flow is two calls. Setup or RefreshAccessToken starts the grant and
// returns a Session carrying the user code and verification URI. The
// matching Finalize call then polls the provider until the user approves,
// denies, or the hard deadline passes.
package deviceauth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/gateway"
	"github.com/jrsteele09/go-credential-broker/instances"
	"github.com/jrsteele09/go-credential-broker/internal/config"
	"github.com/jrsteele09/go-credential-broker/internal/utils"
	"github.com/jrsteele09/go-credential-broker/tokens"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	defaultPollInterval = 5 * time.Second
	slowDownIncrement   = 5 * time.Second
	defaultClientPrefix = "credential-broker"
)

// SleepFunc waits for d or until ctx is done, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Event reports a finished flow.
type Event struct {
	Action     Action
	SessionID  string
	InstanceID string
	State      State
}

// SetupInput is what the user supplies to register a new instance.
type SetupInput struct {
	StartURL string
	Region   string
	Label    string
}

// Engine runs device authorization flows for setup and token refresh.
type Engine struct {
	repo             instances.Repo
	tokens           *tokens.Manager
	gateway          gateway.IdentityProvider
	sessions         *SessionRepo
	clients          *clientCache
	setupLocks       *utils.KeyedMutex
	refreshLocks     *utils.KeyedMutex
	deadline         time.Duration
	clientNamePrefix string
	anyStartURLHost  bool
	nowFunc          func() time.Time
	sleepFunc        SleepFunc
	onEvent          func(Event)
	logger           zerolog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNowFunc replaces the clock.
func WithNowFunc(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.nowFunc = now
	}
}

// WithSleepFunc replaces the wait between polls.
func WithSleepFunc(sleep SleepFunc) EngineOption {
	return func(e *Engine) {
		e.sleepFunc = sleep
	}
}

// WithDeadline shortens the hard deadline of every flow. It can never be
// raised above config.MaxDeviceAuthDeadline.
func WithDeadline(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 && d < config.MaxDeviceAuthDeadline {
			e.deadline = d
		}
	}
}

func WithClientNamePrefix(prefix string) EngineOption {
	return func(e *Engine) {
		if prefix != "" {
			e.clientNamePrefix = prefix
		}
	}
}

// WithAnyStartURLHost accepts start URLs outside the AWS access portal
// domains.
func WithAnyStartURLHost(allow bool) EngineOption {
	return func(e *Engine) {
		e.anyStartURLHost = allow
	}
}

func WithSessionRepo(sessions *SessionRepo) EngineOption {
	return func(e *Engine) {
		e.sessions = sessions
	}
}

// WithEventHandler is called once per finished flow.
func WithEventHandler(handler func(Event)) EngineOption {
	return func(e *Engine) {
		e.onEvent = handler
	}
}

// WithLogger sets the base logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine builds an engine that persists instances in repo and stores
// tokens through tokenManager.
func NewEngine(repo instances.Repo, tokenManager *tokens.Manager, idp gateway.IdentityProvider, options ...EngineOption) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("[NewEngine] instances repo is required")
	}
	if tokenManager == nil {
		return nil, errors.New("[NewEngine] token manager is required")
	}
	if idp == nil {
		return nil, errors.New("[NewEngine] identity provider is required")
	}

	e := &Engine{
		repo:             repo,
		tokens:           tokenManager,
		gateway:          idp,
		sessions:         NewSessionRepo(),
		clients:          newClientCache(),
		setupLocks:       utils.NewKeyedMutex(),
		refreshLocks:     utils.NewKeyedMutex(),
		deadline:         config.MaxDeviceAuthDeadline,
		clientNamePrefix: defaultClientPrefix,
		nowFunc:          time.Now,
		sleepFunc:        sleepContext,
		onEvent:          func(Event) {},
		logger:           log.Logger,
	}
	for _, opt := range options {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "deviceauth").Logger()
	return e, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Setup validates the input and starts a device authorization that will
// create a new instance once finalized.
func (e *Engine) Setup(ctx context.Context, input SetupInput) (*Session, error) {
	if err := ValidateStartURL(input.StartURL, e.anyStartURLHost); err != nil {
		e.logger.Debug().Err(err).Msg("invalid start url")
		return nil, err
	}
	if err := ValidateRegion(input.Region); err != nil {
		e.logger.Debug().Err(err).Msg("invalid region")
		return nil, err
	}
	label, err := ValidateLabel(input.Label)
	if err != nil {
		e.logger.Debug().Msgf("invalid label [%s]", input.Label)
		return nil, err
	}

	if err := e.ensureNotRegistered(ctx, input.StartURL, input.Region); err != nil {
		return nil, err
	}

	return e.start(ctx, &Session{
		Action:   ActionSetup,
		StartURL: input.StartURL,
		Region:   input.Region,
		Label:    label,
	})
}

// RefreshAccessToken starts a device authorization that replaces the token
// of an existing instance once finalized. While a refresh session for the
// instance is still live it is returned instead of starting another one.
func (e *Engine) RefreshAccessToken(ctx context.Context, instanceID string) (*Session, error) {
	inst, err := e.repo.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, instances.ErrNotFound) {
			e.logger.Debug().Msgf("instance [%s] was not found", instanceID)
			return nil, errors.Wrap(faults.ErrInstanceWasNotFound, "[Engine.RefreshAccessToken]")
		}
		return nil, faults.Fatal(errors.Wrap(err, "[Engine.RefreshAccessToken] get instance"))
	}

	// one device authorization per instance at a time
	unlock := e.refreshLocks.Lock(instanceID)
	defer unlock()

	if live := e.sessions.FindLive(ActionRefresh, instanceID, e.nowFunc()); live != nil {
		e.logger.Debug().Msgf("reusing refresh session [%s] for instance [%s]", live.SessionID, instanceID)
		return live, nil
	}

	e.logger.Info().Msgf("refreshing access token for instance [%s]", instanceID)
	return e.start(ctx, &Session{
		Action:     ActionRefresh,
		InstanceID: inst.InstanceID,
		StartURL:   inst.StartURL,
		Region:     inst.Region,
		Label:      inst.Label,
	})
}

func (e *Engine) ensureNotRegistered(ctx context.Context, startURL, region string) error {
	_, err := e.repo.FindByStartURL(ctx, startURL, region)
	switch {
	case err == nil:
		e.logger.Warn().Msgf("instance [%s] already exists", startURL)
		return errors.Wrap(faults.ErrInstanceAlreadyRegistered, "[Engine.Setup]")
	case errors.Is(err, instances.ErrNotFound):
		return nil
	default:
		return faults.Fatal(errors.Wrap(err, "[Engine.Setup] find instance"))
	}
}

func (e *Engine) start(ctx context.Context, session *Session) (*Session, error) {
	now := e.nowFunc()
	e.sessions.Sweep(now)

	client, err := e.getOrRegisterClient(ctx, session.Region)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to get or register client")
		return nil, errors.Wrap(faults.ErrTransientAwsClientError, err.Error())
	}

	auth, err := e.gateway.StartDeviceAuthorization(ctx, session.Region, client, session.StartURL)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidRequest) {
			e.logger.Debug().Err(err).Msg("failed to authorize device because start URL is invalid")
			return nil, errors.Wrap(faults.ErrInvalidStartUrl, err.Error())
		}
		e.logger.Error().Err(err).Msg("failed to authorize device")
		return nil, errors.Wrap(faults.ErrTransientAwsClientError, err.Error())
	}

	lifetime := e.deadline
	if auth.ExpiresIn > 0 && auth.ExpiresIn < lifetime {
		lifetime = auth.ExpiresIn
	}
	interval := auth.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	verificationURI := auth.VerificationURIComplete
	if verificationURI == "" {
		verificationURI = auth.VerificationURI
	}

	session.SessionID = uuid.NewString()
	session.ClientID = client.ClientID
	session.DeviceCode = auth.DeviceCode
	session.UserCode = auth.UserCode
	session.VerificationURI = verificationURI
	session.ExpiresIn = auth.ExpiresIn
	session.PollInterval = interval
	session.CreatedAt = now
	session.Deadline = now.Add(lifetime)
	session.State = StateCreated
	session.client = client

	if err := e.sessions.Put(session); err != nil {
		return nil, faults.Fatal(err)
	}
	flowsStartedTotal.WithLabelValues(string(session.Action)).Inc()

	return session.clone(), nil
}

// GetSession returns a snapshot of a session that has not been removed yet.
func (e *Engine) GetSession(sessionID string) (*Session, error) {
	return e.sessions.Get(sessionID)
}

// FinalizeSetup polls until the user answers a setup session and creates the
// instance. It returns the new instance ID.
func (e *Engine) FinalizeSetup(ctx context.Context, sessionID string) (string, error) {
	session, token, err := e.claimAndPoll(ctx, sessionID, ActionSetup)
	if err != nil {
		return "", err
	}

	instanceID, err := e.createInstance(ctx, session, token)
	if err != nil {
		e.sessions.Delete(session.SessionID)
		return "", err
	}

	session.InstanceID = instanceID
	e.authorized(session)
	return instanceID, nil
}

// FinalizeRefreshAccessToken polls until the user answers a refresh session
// and stores the new token on the instance.
func (e *Engine) FinalizeRefreshAccessToken(ctx context.Context, sessionID string) error {
	session, token, err := e.claimAndPoll(ctx, sessionID, ActionRefresh)
	if err != nil {
		return err
	}

	if err := e.tokens.StoreToken(ctx, session.InstanceID, session.ClientID, token); err != nil {
		e.sessions.Delete(session.SessionID)
		return err
	}

	e.authorized(session)
	return nil
}

func (e *Engine) claimAndPoll(ctx context.Context, sessionID string, action Action) (*Session, *oauth2.Token, error) {
	session, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.Action != action {
		return nil, nil, errors.Wrapf(faults.ErrInvalidDeviceAuthSession, "[Engine.Finalize] session is a %s session", session.Action)
	}

	session, err = e.sessions.Transition(sessionID, StateCreated, StatePolling)
	if err != nil {
		return nil, nil, err
	}

	token, err := e.poll(ctx, session)
	if err != nil {
		return nil, nil, err
	}
	return session, token, nil
}

// poll asks the provider for the token until the flow ends or the
// session deadline passes. The deadline also bounds every provider call and
// sleep, so an in-flight request cannot outlive it.
func (e *Engine) poll(ctx context.Context, session *Session) (*oauth2.Token, error) {
	interval := session.PollInterval

	pctx, cancel := context.WithTimeout(ctx, session.Deadline.Sub(e.nowFunc()))
	defer cancel()

	for {
		if !e.nowFunc().Before(session.Deadline) {
			return nil, e.expire(session)
		}

		res, err := e.gateway.PollToken(pctx, session.Region, session.client, session.DeviceCode)
		if ctx.Err() != nil {
			return nil, e.release(session)
		}
		if pctx.Err() != nil {
			return nil, e.expire(session)
		}

		switch {
		case err != nil:
			pollsTotal.WithLabelValues("error").Inc()
			e.logger.Warn().Err(err).Msgf("token poll for session [%s] failed, retrying", session.SessionID)
		case res.Status == gateway.PollAuthorized:
			pollsTotal.WithLabelValues(string(res.Status)).Inc()
			if res.Token == nil || res.Token.AccessToken == "" {
				e.sessions.Delete(session.SessionID)
				return nil, faults.Fatal(errors.New("[Engine.poll] provider authorized without a token"))
			}
			return res.Token, nil
		case res.Status == gateway.PollPending:
			pollsTotal.WithLabelValues(string(res.Status)).Inc()
		case res.Status == gateway.PollSlowDown:
			pollsTotal.WithLabelValues(string(res.Status)).Inc()
			interval += slowDownIncrement
		case res.Status == gateway.PollDenied:
			pollsTotal.WithLabelValues(string(res.Status)).Inc()
			e.logger.Debug().Msgf("user did not authorize session [%s]", session.SessionID)
			return nil, e.finish(session, StateDenied, faults.ErrDeviceAuthFlowNotAuthorized)
		case res.Status == gateway.PollExpired:
			pollsTotal.WithLabelValues(string(res.Status)).Inc()
			e.logger.Debug().Msgf("device code for session [%s] expired", session.SessionID)
			return nil, e.finish(session, StateExpired, faults.ErrDeviceAuthFlowTimedOut)
		default:
			e.logger.Warn().Msgf("unknown poll status [%s] for session [%s]", res.Status, session.SessionID)
		}

		wait := interval
		if remaining := session.Deadline.Sub(e.nowFunc()); remaining < wait {
			wait = remaining
		}
		if wait > 0 {
			if err := e.sleepFunc(pctx, wait); err != nil {
				if ctx.Err() != nil {
					return nil, e.release(session)
				}
				return nil, e.expire(session)
			}
		}
	}
}

func (e *Engine) expire(session *Session) error {
	e.logger.Debug().Msgf("device authorization for session [%s] timed out", session.SessionID)
	return e.finish(session, StateExpired, faults.ErrDeviceAuthFlowTimedOut)
}

// release hands a cancelled session back so that it can be finalized again
// while the grant is still live.
func (e *Engine) release(session *Session) error {
	if _, err := e.sessions.Transition(session.SessionID, StatePolling, StateCreated); err != nil {
		e.logger.Warn().Err(err).Msg("failed to release session")
	}
	e.logger.Debug().Msgf("polling for session [%s] cancelled", session.SessionID)
	return errors.Wrap(faults.ErrDeviceAuthFlowNotAuthorized, "[Engine.poll] cancelled")
}

func (e *Engine) finish(session *Session, state State, cause error) error {
	if _, err := e.sessions.Transition(session.SessionID, StatePolling, state); err != nil {
		e.logger.Warn().Err(err).Msg("failed to finish session")
	}
	flowsFinishedTotal.WithLabelValues(string(session.Action), string(state)).Inc()
	e.onEvent(Event{Action: session.Action, SessionID: session.SessionID, InstanceID: session.InstanceID, State: state})
	return errors.Wrapf(cause, "[Engine.poll] session %s", state)
}

func (e *Engine) authorized(session *Session) {
	e.sessions.Delete(session.SessionID)
	flowsFinishedTotal.WithLabelValues(string(session.Action), string(StateAuthorized)).Inc()
	e.onEvent(Event{Action: session.Action, SessionID: session.SessionID, InstanceID: session.InstanceID, State: StateAuthorized})
}

func (e *Engine) createInstance(ctx context.Context, session *Session, token *oauth2.Token) (string, error) {
	unlock := e.setupLocks.Lock(session.StartURL + "|" + session.Region)
	defer unlock()

	if err := e.ensureNotRegistered(ctx, session.StartURL, session.Region); err != nil {
		return "", err
	}

	now := e.nowFunc()
	inst := &instances.ProviderInstance{
		InstanceID:           uuid.NewString(),
		ProviderCode:         instances.ProviderCodeAwsIdc,
		StartURL:             session.StartURL,
		Region:               session.Region,
		Label:                session.Label,
		ClientID:             session.ClientID,
		AccessToken:          token.AccessToken,
		AccessTokenExpiresAt: token.Expiry,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.repo.Create(ctx, inst); err != nil {
		if errors.Is(err, instances.ErrDuplicate) {
			return "", errors.Wrap(faults.ErrInstanceAlreadyRegistered, "[Engine.FinalizeSetup]")
		}
		return "", faults.Fatal(errors.Wrap(err, "[Engine.FinalizeSetup] create instance"))
	}

	e.logger.Info().Msgf("instance [%s] created for [%s]", inst.InstanceID, inst.StartURL)
	return inst.InstanceID, nil
}
