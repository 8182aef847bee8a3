// Package broker is the command surface a presentation layer drives. It wires
// the device authorization engine, token manager, directory, credential
// issuer, sink plumbing and favorites over one pair of repositories and
// reports every failed command to a notifier.
package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/jrsteele09/go-credential-broker/credentials"
	"github.com/jrsteele09/go-credential-broker/deviceauth"
	"github.com/jrsteele09/go-credential-broker/directory"
	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/favorites"
	"github.com/jrsteele09/go-credential-broker/gateway"
	"github.com/jrsteele09/go-credential-broker/instances"
	"github.com/jrsteele09/go-credential-broker/internal/config"
	"github.com/jrsteele09/go-credential-broker/notify"
	"github.com/jrsteele09/go-credential-broker/plumbing"
	"github.com/jrsteele09/go-credential-broker/plumbing/credsfile"
	"github.com/jrsteele09/go-credential-broker/sinks"
	"github.com/jrsteele09/go-credential-broker/tokens"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Repos are the persistence dependencies of the broker.
type Repos struct {
	Instances instances.Repo
	Sinks     sinks.Repo
}

// Broker is the command surface of the application. Every failure is
// returned and also published to the notifier.
type Broker struct {
	config    config.BrokerConfig
	notifier  notify.Notifier
	nowFunc   func() time.Time
	sleepFunc deviceauth.SleepFunc
	clipboard credentials.Clipboard
	goos      string
	extraKind []plumbing.Kind
	logger    zerolog.Logger

	tokens    *tokens.Manager
	engine    *deviceauth.Engine
	directory *directory.Directory
	plumber   *plumbing.Plumber
	issuer    *credentials.Issuer
	favorites *favorites.Registry
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithNotifier sets where failures and flow results are published.
func WithNotifier(notifier notify.Notifier) BrokerOption {
	return func(b *Broker) {
		if notifier != nil {
			b.notifier = notifier
		}
	}
}

// WithClipboard sets the target of CopyRoleCredentials.
func WithClipboard(clipboard credentials.Clipboard) BrokerOption {
	return func(b *Broker) {
		b.clipboard = clipboard
	}
}

func WithNowFunc(now func() time.Time) BrokerOption {
	return func(b *Broker) {
		b.nowFunc = now
	}
}

func WithSleepFunc(sleep deviceauth.SleepFunc) BrokerOption {
	return func(b *Broker) {
		b.sleepFunc = sleep
	}
}

// WithGOOS picks the shell syntax of copied credentials.
func WithGOOS(goos string) BrokerOption {
	return func(b *Broker) {
		b.goos = goos
	}
}

// WithSinkKinds registers sink kinds next to the credentials file kind.
func WithSinkKinds(kinds ...plumbing.Kind) BrokerOption {
	return func(b *Broker) {
		b.extraKind = append(b.extraKind, kinds...)
	}
}

func WithLogger(logger zerolog.Logger) BrokerOption {
	return func(b *Broker) {
		b.logger = logger
	}
}

// New wires the broker components over the given repos and identity
// provider.
func New(cfg config.BrokerConfig, repos Repos, idp gateway.IdentityProvider, options ...BrokerOption) (*Broker, error) {
	if cfg == nil {
		return nil, errors.New("[broker.New] config is required")
	}
	if repos.Instances == nil || repos.Sinks == nil {
		return nil, errors.New("[broker.New] instance and sink repos are required")
	}
	if idp == nil {
		return nil, errors.New("[broker.New] identity provider is required")
	}

	b := &Broker{
		config:   cfg,
		notifier: notify.Nop{},
		nowFunc:  time.Now,
		logger:   log.Logger,
	}
	for _, opt := range options {
		opt(b)
	}
	logger := b.logger
	b.logger = b.logger.With().Str("component", "broker").Logger()

	var err error
	b.tokens, err = tokens.NewManager(repos.Instances,
		tokens.WithNowFunc(b.nowFunc),
		tokens.WithRefreshWindow(cfg.GetRefreshWindow()),
		tokens.WithLogger(logger),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[broker.New] token manager")
	}

	engineOptions := []deviceauth.EngineOption{
		deviceauth.WithNowFunc(b.nowFunc),
		deviceauth.WithDeadline(cfg.GetDeviceAuthDeadline()),
		deviceauth.WithClientNamePrefix(cfg.GetClientNamePrefix()),
		deviceauth.WithAnyStartURLHost(cfg.GetAllowAnyStartURLHost()),
		deviceauth.WithEventHandler(b.onDeviceAuthEvent),
		deviceauth.WithLogger(logger),
	}
	if b.sleepFunc != nil {
		engineOptions = append(engineOptions, deviceauth.WithSleepFunc(b.sleepFunc))
	}
	b.engine, err = deviceauth.NewEngine(repos.Instances, b.tokens, idp, engineOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "[broker.New] device authorization engine")
	}

	b.directory, err = directory.NewDirectory(repos.Instances, repos.Sinks, b.tokens, idp,
		directory.WithNowFunc(b.nowFunc),
		directory.WithCacheSize(cfg.GetDirectoryCacheSize()),
		directory.WithLogger(logger),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[broker.New] directory")
	}

	kinds := append([]plumbing.Kind{
		credsfile.NewKind(credsfile.WithDefaultFilePath(cfg.GetCredentialsFilePath()), credsfile.WithLogger(logger)),
	}, b.extraKind...)
	registry, err := plumbing.NewRegistry(kinds...)
	if err != nil {
		return nil, errors.Wrap(err, "[broker.New] sink registry")
	}
	b.plumber, err = plumbing.NewPlumber(registry, repos.Sinks, repos.Instances,
		plumbing.WithNowFunc(b.nowFunc),
		plumbing.WithLogger(logger),
	)
	if err != nil {
		return nil, errors.Wrap(err, "[broker.New] plumber")
	}

	issuerOptions := []credentials.IssuerOption{credentials.WithLogger(logger)}
	if b.clipboard != nil {
		issuerOptions = append(issuerOptions, credentials.WithClipboard(b.clipboard))
	}
	if b.goos != "" {
		issuerOptions = append(issuerOptions, credentials.WithGOOS(b.goos))
	}
	b.issuer, err = credentials.NewIssuer(repos.Instances, b.tokens, idp, b.plumber, issuerOptions...)
	if err != nil {
		return nil, errors.Wrap(err, "[broker.New] credential issuer")
	}

	b.favorites, err = favorites.NewRegistry(repos.Instances, b.tokens, favorites.WithLogger(logger))
	if err != nil {
		return nil, errors.Wrap(err, "[broker.New] favorites")
	}

	return b, nil
}

// ProviderCodes lists the identity provider kinds the broker can set up.
func (b *Broker) ProviderCodes() []string {
	return []string{instances.ProviderCodeAwsIdc}
}

// SinkCodes lists the registered sink kinds.
func (b *Broker) SinkCodes() []string {
	return b.plumber.Registry().Codes()
}

func (b *Broker) Setup(ctx context.Context, startURL, region, label string) (*deviceauth.Session, error) {
	session, err := b.engine.Setup(ctx, deviceauth.SetupInput{StartURL: startURL, Region: region, Label: label})
	return session, b.report(ctx, "Setup", "", err)
}

func (b *Broker) FinalizeSetup(ctx context.Context, sessionID string) (string, error) {
	instanceID, err := b.engine.FinalizeSetup(ctx, sessionID)
	return instanceID, b.report(ctx, "FinalizeSetup", instanceID, err)
}

func (b *Broker) RefreshAccessToken(ctx context.Context, instanceID string) (*deviceauth.Session, error) {
	session, err := b.engine.RefreshAccessToken(ctx, instanceID)
	return session, b.report(ctx, "RefreshAccessToken", instanceID, err)
}

func (b *Broker) FinalizeRefreshAccessToken(ctx context.Context, sessionID string) error {
	return b.report(ctx, "FinalizeRefreshAccessToken", "", b.engine.FinalizeRefreshAccessToken(ctx, sessionID))
}

func (b *Broker) GetSession(ctx context.Context, sessionID string) (*deviceauth.Session, error) {
	session, err := b.engine.GetSession(sessionID)
	return session, b.report(ctx, "GetSession", "", err)
}

func (b *Broker) ListInstances(ctx context.Context) ([]*directory.InstanceData, error) {
	list, err := b.directory.ListInstances(ctx)
	return list, b.report(ctx, "ListInstances", "", err)
}

func (b *Broker) GetInstanceData(ctx context.Context, instanceID string, forceRefresh bool) (*directory.InstanceData, error) {
	data, err := b.directory.GetInstanceData(ctx, instanceID, forceRefresh)
	return data, b.report(ctx, "GetInstanceData", instanceID, err)
}

func (b *Broker) MarkAsFavorite(ctx context.Context, instanceID string) error {
	return b.report(ctx, "MarkAsFavorite", instanceID, b.favorites.MarkAsFavorite(ctx, instanceID))
}

func (b *Broker) UnmarkAsFavorite(ctx context.Context, instanceID string) error {
	return b.report(ctx, "UnmarkAsFavorite", instanceID, b.favorites.UnmarkAsFavorite(ctx, instanceID))
}

func (b *Broker) ListFavorites(ctx context.Context) ([]*instances.ProviderInstance, error) {
	list, err := b.favorites.ListFavorites(ctx)
	return list, b.report(ctx, "ListFavorites", "", err)
}

func (b *Broker) GetRoleCredentials(ctx context.Context, instanceID, accountID, roleName string) (*gateway.RoleCredentials, error) {
	creds, err := b.issuer.GetRoleCredentials(ctx, instanceID, accountID, roleName)
	return creds, b.report(ctx, "GetRoleCredentials", instanceID, err)
}

func (b *Broker) CopyRoleCredentials(ctx context.Context, instanceID, accountID, roleName string) error {
	return b.report(ctx, "CopyRoleCredentials", instanceID, b.issuer.CopyRoleCredentials(ctx, instanceID, accountID, roleName))
}

func (b *Broker) SaveRoleCredentials(ctx context.Context, instanceID, accountID, roleName, sinkID string) error {
	return b.report(ctx, "SaveRoleCredentials", instanceID, b.issuer.SaveRoleCredentials(ctx, instanceID, accountID, roleName, sinkID))
}

func (b *Broker) ConnectSink(ctx context.Context, input plumbing.ConnectInput) (string, error) {
	sinkID, err := b.plumber.ConnectSink(ctx, input)
	return sinkID, b.report(ctx, "ConnectSink", input.ProviderID, err)
}

func (b *Broker) DisconnectSink(ctx context.Context, sinkCode, sinkID, providerID string) error {
	return b.report(ctx, "DisconnectSink", providerID, b.plumber.DisconnectSink(ctx, sinkCode, sinkID))
}

func (b *Broker) ListConnectedSinks(ctx context.Context, providerCode, providerID string) ([]*sinks.SinkInstance, error) {
	list, err := b.plumber.ListConnectedSinks(ctx, providerCode, providerID)
	return list, b.report(ctx, "ListConnectedSinks", providerID, err)
}

// report forwards a failed command to the notifier and returns err as is.
func (b *Broker) report(ctx context.Context, operation, instanceID string, err error) error {
	if err == nil {
		return nil
	}

	n := notify.Notification{
		Level:      notify.LevelError,
		Operation:  operation,
		Fatal:      faults.IsFatal(err),
		Message:    err.Error(),
		InstanceID: instanceID,
		At:         b.nowFunc(),
	}
	if code, ok := faults.CodeOf(err); ok {
		n.Code = code
	}
	if n.Fatal {
		b.logger.Error().Err(err).Str("operation", operation).Msg("fatal error")
	}

	b.notifier.Notify(ctx, n)
	return err
}

func (b *Broker) onDeviceAuthEvent(event deviceauth.Event) {
	level := notify.LevelInfo
	if event.State != deviceauth.StateAuthorized {
		level = notify.LevelError
	}
	b.notifier.Notify(context.Background(), notify.Notification{
		Level:      level,
		Operation:  string(event.Action),
		Message:    fmt.Sprintf("device authorization %s finished as %s", event.SessionID, event.State),
		InstanceID: event.InstanceID,
		At:         b.nowFunc(),
	})
}
