// Package awssso implements gateway.IdentityProvider on top of the AWS SSO
// OIDC and SSO portal APIs.
package awssso

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sso"
	ssotypes "github.com/aws/aws-sdk-go-v2/service/sso/types"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	oidctypes "github.com/aws/aws-sdk-go-v2/service/ssooidc/types"
	"github.com/aws/smithy-go"
	"github.com/jrsteele09/go-credential-broker/gateway"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/oauth2"
)

const deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

var _ gateway.IdentityProvider = (*Client)(nil)

// OIDCAPI is the subset of the SSO OIDC client used here.
type OIDCAPI interface {
	RegisterClient(ctx context.Context, params *ssooidc.RegisterClientInput, optFns ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error)
	StartDeviceAuthorization(ctx context.Context, params *ssooidc.StartDeviceAuthorizationInput, optFns ...func(*ssooidc.Options)) (*ssooidc.StartDeviceAuthorizationOutput, error)
	CreateToken(ctx context.Context, params *ssooidc.CreateTokenInput, optFns ...func(*ssooidc.Options)) (*ssooidc.CreateTokenOutput, error)
}

// PortalAPI is the subset of the SSO portal client used here.
type PortalAPI interface {
	sso.ListAccountsAPIClient
	sso.ListAccountRolesAPIClient
	GetRoleCredentials(ctx context.Context, params *sso.GetRoleCredentialsInput, optFns ...func(*sso.Options)) (*sso.GetRoleCredentialsOutput, error)
}

// Client implements gateway.IdentityProvider with the AWS SSO and SSO OIDC
// APIs.
type Client struct {
	oidc    OIDCAPI
	portal  PortalAPI
	nowFunc func() time.Time
}

type ClientOption func(*Client)

func WithNowFunc(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.nowFunc = now
	}
}

// WithAPIs replaces the SDK clients, primarily for tests.
func WithAPIs(oidc OIDCAPI, portal PortalAPI) ClientOption {
	return func(c *Client) {
		c.oidc = oidc
		c.portal = portal
	}
}

// New builds a gateway from an AWS config. The SSO APIs are unsigned so no
// credentials are required; the region is chosen per call.
func New(cfg aws.Config, options ...ClientOption) *Client {
	c := &Client{
		oidc:    ssooidc.NewFromConfig(cfg),
		portal:  sso.NewFromConfig(cfg),
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func oidcRegion(region string) func(*ssooidc.Options) {
	return func(o *ssooidc.Options) {
		o.Region = region
	}
}

func portalRegion(region string) func(*sso.Options) {
	return func(o *sso.Options) {
		o.Region = region
	}
}

func (c *Client) RegisterClient(ctx context.Context, region, clientName string) (*gateway.ClientRegistration, error) {
	out, err := c.oidc.RegisterClient(ctx, &ssooidc.RegisterClientInput{
		ClientName: aws.String(clientName),
		ClientType: aws.String("public"),
	}, oidcRegion(region))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "[awssso.RegisterClient]")
	}

	reg := &gateway.ClientRegistration{
		ClientID:     aws.ToString(out.ClientId),
		ClientSecret: aws.ToString(out.ClientSecret),
		IssuedAt:     c.nowFunc(),
	}
	if out.ClientIdIssuedAt > 0 {
		reg.IssuedAt = time.Unix(out.ClientIdIssuedAt, 0)
	}
	if out.ClientSecretExpiresAt > 0 {
		reg.ExpiresAt = time.Unix(out.ClientSecretExpiresAt, 0)
	}
	return reg, nil
}

func (c *Client) StartDeviceAuthorization(ctx context.Context, region string, client *gateway.ClientRegistration, startURL string) (*gateway.DeviceAuthorization, error) {
	out, err := c.oidc.StartDeviceAuthorization(ctx, &ssooidc.StartDeviceAuthorizationInput{
		ClientId:     aws.String(client.ClientID),
		ClientSecret: aws.String(client.ClientSecret),
		StartUrl:     aws.String(startURL),
	}, oidcRegion(region))
	if err != nil {
		var ire *oidctypes.InvalidRequestException
		if errors.As(err, &ire) {
			return nil, pkgerrors.Wrap(gateway.ErrInvalidRequest, ire.ErrorMessage())
		}
		return nil, pkgerrors.Wrap(err, "[awssso.StartDeviceAuthorization]")
	}

	return &gateway.DeviceAuthorization{
		DeviceCode:              aws.ToString(out.DeviceCode),
		UserCode:                aws.ToString(out.UserCode),
		VerificationURI:         aws.ToString(out.VerificationUri),
		VerificationURIComplete: aws.ToString(out.VerificationUriComplete),
		ExpiresIn:               time.Duration(out.ExpiresIn) * time.Second,
		Interval:                time.Duration(out.Interval) * time.Second,
	}, nil
}

func (c *Client) PollToken(ctx context.Context, region string, client *gateway.ClientRegistration, deviceCode string) (*gateway.PollResult, error) {
	out, err := c.oidc.CreateToken(ctx, &ssooidc.CreateTokenInput{
		ClientId:     aws.String(client.ClientID),
		ClientSecret: aws.String(client.ClientSecret),
		GrantType:    aws.String(deviceCodeGrantType),
		DeviceCode:   aws.String(deviceCode),
	}, oidcRegion(region))
	if err != nil {
		if status, ok := classifyPollError(err); ok {
			return &gateway.PollResult{Status: status}, nil
		}
		return nil, pkgerrors.Wrap(err, "[awssso.PollToken]")
	}

	token := &oauth2.Token{
		AccessToken:  aws.ToString(out.AccessToken),
		TokenType:    aws.ToString(out.TokenType),
		RefreshToken: aws.ToString(out.RefreshToken),
		Expiry:       c.nowFunc().Add(time.Duration(out.ExpiresIn) * time.Second),
	}
	if idToken := aws.ToString(out.IdToken); idToken != "" {
		token = token.WithExtra(map[string]interface{}{"id_token": idToken})
	}
	return &gateway.PollResult{Status: gateway.PollAuthorized, Token: token}, nil
}

func classifyPollError(err error) (gateway.PollStatus, bool) {
	var pending *oidctypes.AuthorizationPendingException
	var slowDown *oidctypes.SlowDownException
	var denied *oidctypes.AccessDeniedException
	var expired *oidctypes.ExpiredTokenException

	switch {
	case errors.As(err, &pending):
		return gateway.PollPending, true
	case errors.As(err, &slowDown):
		return gateway.PollSlowDown, true
	case errors.As(err, &denied):
		return gateway.PollDenied, true
	case errors.As(err, &expired):
		return gateway.PollExpired, true
	}
	return "", false
}

// isTokenRejection recognises the portal's answers to a revoked or expired
// access token.
func isTokenRejection(err error) bool {
	var unauthorized *ssotypes.UnauthorizedException
	if errors.As(err, &unauthorized) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "UnauthorizedException", "ExpiredTokenException", "InvalidTokenException":
			return true
		}
	}
	return false
}

func wrapPortalError(err error, op string) error {
	if isTokenRejection(err) {
		return pkgerrors.Wrap(gateway.ErrAccessTokenRejected, op)
	}
	return pkgerrors.Wrap(err, op)
}

func (c *Client) ListAccounts(ctx context.Context, region, accessToken string) ([]gateway.Account, error) {
	paginator := sso.NewListAccountsPaginator(c.portal, &sso.ListAccountsInput{
		AccessToken: aws.String(accessToken),
	})

	accounts := make([]gateway.Account, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx, portalRegion(region))
		if err != nil {
			return nil, wrapPortalError(err, "[awssso.ListAccounts]")
		}
		for _, account := range page.AccountList {
			accounts = append(accounts, gateway.Account{
				AccountID:    aws.ToString(account.AccountId),
				AccountName:  aws.ToString(account.AccountName),
				EmailAddress: aws.ToString(account.EmailAddress),
			})
		}
	}
	return accounts, nil
}

func (c *Client) ListAccountRoles(ctx context.Context, region, accessToken, accountID string) ([]gateway.Role, error) {
	paginator := sso.NewListAccountRolesPaginator(c.portal, &sso.ListAccountRolesInput{
		AccessToken: aws.String(accessToken),
		AccountId:   aws.String(accountID),
	})

	roles := make([]gateway.Role, 0)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx, portalRegion(region))
		if err != nil {
			return nil, wrapPortalError(err, "[awssso.ListAccountRoles]")
		}
		for _, role := range page.RoleList {
			roles = append(roles, gateway.Role{RoleName: aws.ToString(role.RoleName)})
		}
	}
	return roles, nil
}

func (c *Client) GetRoleCredentials(ctx context.Context, region, accessToken, accountID, roleName string) (*gateway.RoleCredentials, error) {
	out, err := c.portal.GetRoleCredentials(ctx, &sso.GetRoleCredentialsInput{
		AccessToken: aws.String(accessToken),
		AccountId:   aws.String(accountID),
		RoleName:    aws.String(roleName),
	}, portalRegion(region))
	if err != nil {
		return nil, wrapPortalError(err, "[awssso.GetRoleCredentials]")
	}
	if out.RoleCredentials == nil {
		return nil, pkgerrors.New("[awssso.GetRoleCredentials] empty role credentials")
	}

	rc := out.RoleCredentials
	return &gateway.RoleCredentials{
		AccessKeyID:     aws.ToString(rc.AccessKeyId),
		SecretAccessKey: aws.ToString(rc.SecretAccessKey),
		SessionToken:    aws.ToString(rc.SessionToken),
		// the portal reports expiration in epoch milliseconds
		Expiration: time.UnixMilli(rc.Expiration),
	}, nil
}
