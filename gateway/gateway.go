// Package gateway describes the identity provider capabilities the broker
// depends on. The broker never speaks the provider's wire protocol itself.
package gateway

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

var (
	// ErrInvalidRequest is returned when the provider rejects the request
	// parameters, e.g. an unknown start URL.
	ErrInvalidRequest = errors.New("provider rejected request")

	// ErrAccessTokenRejected is returned when a call made with an access token
	// is refused as unauthorized. The token has been revoked or has expired on
	// the provider side.
	ErrAccessTokenRejected = errors.New("provider rejected access token")
)

// ClientRegistration is a registered public OIDC client.
type ClientRegistration struct {
	ClientID     string
	ClientSecret string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Expired reports whether the registration can no longer be used at now.
func (c *ClientRegistration) Expired(now time.Time) bool {
	return c == nil || (!c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt))
}

// DeviceAuthorization is the provider's answer to a device authorization start.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               time.Duration
	Interval                time.Duration
}

// PollStatus is the outcome of one token poll.
type PollStatus string

const (
	PollPending    PollStatus = "pending"
	PollSlowDown   PollStatus = "slow_down"
	PollAuthorized PollStatus = "authorized"
	PollDenied     PollStatus = "denied"
	PollExpired    PollStatus = "expired"
)

// PollResult carries the token when Status is PollAuthorized.
type PollResult struct {
	Status PollStatus
	Token  *oauth2.Token
}

type Role struct {
	RoleName string `json:"roleName"`
}

// Account is an AWS account the user can reach, with its roles.
type Account struct {
	AccountID    string `json:"accountId"`
	AccountName  string `json:"accountName"`
	EmailAddress string `json:"emailAddress"`
	Roles        []Role `json:"roles"`
}

// RoleCredentials are short lived credentials for one account role. They are
// never persisted by the broker.
type RoleCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// IdentityProvider is the gateway to the identity provider.
type IdentityProvider interface {
	RegisterClient(ctx context.Context, region, clientName string) (*ClientRegistration, error)
	StartDeviceAuthorization(ctx context.Context, region string, client *ClientRegistration, startURL string) (*DeviceAuthorization, error)
	PollToken(ctx context.Context, region string, client *ClientRegistration, deviceCode string) (*PollResult, error)
	ListAccounts(ctx context.Context, region, accessToken string) ([]Account, error)
	ListAccountRoles(ctx context.Context, region, accessToken, accountID string) ([]Role, error)
	GetRoleCredentials(ctx context.Context, region, accessToken, accountID, roleName string) (*RoleCredentials, error)
}
