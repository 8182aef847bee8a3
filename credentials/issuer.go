// Package credentials issues short lived role credentials for an instance's
// accounts and hands them to the clipboard or to a connected sink.
package credentials

import (
	"context"
	"fmt"
	"runtime"

	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/gateway"
	"github.com/jrsteele09/go-credential-broker/instances"
	"github.com/jrsteele09/go-credential-broker/plumbing"
	"github.com/jrsteele09/go-credential-broker/plumbing/credsfile"
	"github.com/jrsteele09/go-credential-broker/tokens"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Clipboard receives formatted credentials for the user to paste.
type Clipboard interface {
	WriteText(ctx context.Context, text string) error
}

// Issuer exchanges an instance token for role credentials and hands them
// to the clipboard or a sink.
type Issuer struct {
	repo      instances.Repo
	tokens    *tokens.Manager
	gateway   gateway.IdentityProvider
	plumber   *plumbing.Plumber
	clipboard Clipboard
	goos      string
	logger    zerolog.Logger
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithClipboard sets where CopyRoleCredentials writes.
func WithClipboard(clipboard Clipboard) IssuerOption {
	return func(i *Issuer) {
		i.clipboard = clipboard
	}
}

// WithGOOS selects the shell dialect used by CopyRoleCredentials.
func WithGOOS(goos string) IssuerOption {
	return func(i *Issuer) {
		i.goos = goos
	}
}

func WithLogger(logger zerolog.Logger) IssuerOption {
	return func(i *Issuer) {
		i.logger = logger
	}
}

// NewIssuer builds an issuer. Without WithClipboard, copying fails.
func NewIssuer(repo instances.Repo, tokenManager *tokens.Manager, idp gateway.IdentityProvider, plumber *plumbing.Plumber, options ...IssuerOption) (*Issuer, error) {
	if repo == nil {
		return nil, errors.New("[NewIssuer] instances repo is required")
	}
	if tokenManager == nil {
		return nil, errors.New("[NewIssuer] token manager is required")
	}
	if idp == nil {
		return nil, errors.New("[NewIssuer] identity provider is required")
	}
	if plumber == nil {
		return nil, errors.New("[NewIssuer] plumber is required")
	}

	i := &Issuer{
		repo:    repo,
		tokens:  tokenManager,
		gateway: idp,
		plumber: plumber,
		goos:    runtime.GOOS,
		logger:  log.Logger,
	}
	for _, opt := range options {
		opt(i)
	}
	i.logger = i.logger.With().Str("component", "credentials").Logger()
	return i, nil
}

// GetRoleCredentials issues credentials for roleName in accountID using the
// instance's access token.
func (i *Issuer) GetRoleCredentials(ctx context.Context, instanceID, accountID, roleName string) (*gateway.RoleCredentials, error) {
	inst, err := i.repo.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, instances.ErrNotFound) {
			return nil, errors.Wrap(faults.ErrInstanceWasNotFound, "[Issuer.GetRoleCredentials]")
		}
		return nil, faults.Fatal(errors.Wrap(err, "[Issuer.GetRoleCredentials] get instance"))
	}

	if !i.tokens.IsAccessTokenValid(inst) {
		i.logger.Debug().Msgf("token for instance [%s] is %s", instanceID, i.tokens.Status(inst))
		return nil, errors.Wrap(faults.ErrAccessTokenExpired, "[Issuer.GetRoleCredentials]")
	}

	creds, err := i.gateway.GetRoleCredentials(ctx, inst.Region, inst.AccessToken, accountID, roleName)
	if err != nil {
		if errors.Is(err, gateway.ErrAccessTokenRejected) {
			i.logger.Debug().Msgf("token for instance [%s] was rejected", instanceID)
			if err := i.tokens.MarkStale(ctx, instanceID); err != nil {
				return nil, err
			}
			return nil, errors.Wrap(faults.ErrStaleAwsAccessToken, "[Issuer.GetRoleCredentials]")
		}
		i.logger.Error().Err(err).Msg("failed to get role credentials")
		return nil, errors.Wrap(faults.ErrTransientAwsClientError, err.Error())
	}

	i.logger.Info().Msgf("issued credentials for [%s/%s] on instance [%s]", accountID, roleName, instanceID)
	return creds, nil
}

// CopyRoleCredentials issues credentials and puts them on the clipboard as
// shell environment assignments.
func (i *Issuer) CopyRoleCredentials(ctx context.Context, instanceID, accountID, roleName string) error {
	creds, err := i.GetRoleCredentials(ctx, instanceID, accountID, roleName)
	if err != nil {
		return err
	}

	if i.clipboard == nil {
		return faults.Fatal(errors.New("[Issuer.CopyRoleCredentials] no clipboard configured"))
	}
	if err := i.clipboard.WriteText(ctx, FormatEnv(*creds, i.goos)); err != nil {
		i.logger.Error().Err(err).Msg("failed to copy to clipboard")
		return faults.Fatal(errors.Wrap(err, "[Issuer.CopyRoleCredentials]"))
	}
	return nil
}

// SaveRoleCredentials issues credentials and drains them into sinkID. The
// sink must belong to instanceID. Sink errors are returned as they are.
func (i *Issuer) SaveRoleCredentials(ctx context.Context, instanceID, accountID, roleName, sinkID string) error {
	sink, err := i.plumber.GetSink(ctx, sinkID)
	if err != nil {
		return err
	}
	if sink.ProviderID != instanceID {
		return errors.Wrapf(faults.ErrInvalidProviderId, "[Issuer.SaveRoleCredentials] sink %q belongs to %q", sinkID, sink.ProviderID)
	}

	creds, err := i.GetRoleCredentials(ctx, instanceID, accountID, roleName)
	if err != nil {
		return err
	}
	return i.plumber.Drain(ctx, sinkID, *creds)
}

// FormatEnv renders creds as environment variable assignments for the
// shell of goos: PowerShell on windows, POSIX sh everywhere else.
func FormatEnv(creds gateway.RoleCredentials, goos string) string {
	if goos == "windows" {
		return fmt.Sprintf("$Env:AWS_ACCESS_KEY_ID=%q\n$Env:AWS_SECRET_ACCESS_KEY=%q\n$Env:AWS_SESSION_TOKEN=%q",
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
	}
	return fmt.Sprintf("export AWS_ACCESS_KEY_ID=%q\nexport AWS_SECRET_ACCESS_KEY=%q\nexport AWS_SESSION_TOKEN=%q",
		creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken)
}

// FormatProfile renders creds as a credentials file profile block.
func FormatProfile(profileName string, creds gateway.RoleCredentials) string {
	return credsfile.FormatProfile(profileName, creds)
}
