// Package gatewayfake is a scripted in-memory identity provider for tests.
package gatewayfake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jrsteele09/go-credential-broker/gateway"
	"golang.org/x/oauth2"
)

var _ gateway.IdentityProvider = (*FakeGateway)(nil)

// PollStep is one scripted answer to PollToken.
type PollStep struct {
	Status gateway.PollStatus
	Token  *oauth2.Token
	Err    error
}

func Pending() PollStep {
	return PollStep{Status: gateway.PollPending}
}

func SlowDown() PollStep {
	return PollStep{Status: gateway.PollSlowDown}
}

func Denied() PollStep {
	return PollStep{Status: gateway.PollDenied}
}

func Expired() PollStep {
	return PollStep{Status: gateway.PollExpired}
}

func Failure(err error) PollStep {
	return PollStep{Err: err}
}

func Authorized(accessToken string, expiry time.Time) PollStep {
	return PollStep{
		Status: gateway.PollAuthorized,
		Token:  &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer", Expiry: expiry},
	}
}

type FakeGateway struct {
	mu sync.Mutex

	authorization   gateway.DeviceAuthorization
	clientExpiresAt time.Time
	registerErr     error
	startErr        error

	pollScript []PollStep
	pollIndex  int

	accounts    []gateway.Account
	accountsErr error
	rolesErr    error
	beforeList  func(ctx context.Context)

	credentials    gateway.RoleCredentials
	credentialsErr error

	registerCalls    int
	startCalls       int
	pollCalls        int
	listCalls        int
	roleCalls        int
	credentialsCalls int
	lastToken        string
}

// NewFakeGateway answers pending forever until a poll script is set.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		authorization: gateway.DeviceAuthorization{
			DeviceCode:              "device-code",
			UserCode:                "ABCD-EFGH",
			VerificationURI:         "https://device.sso.us-east-1.amazonaws.com/",
			VerificationURIComplete: "https://device.sso.us-east-1.amazonaws.com/?user_code=ABCD-EFGH",
			ExpiresIn:               10 * time.Minute,
			Interval:                time.Second,
		},
	}
}

func (f *FakeGateway) SetAuthorization(auth gateway.DeviceAuthorization) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorization = auth
}

func (f *FakeGateway) SetClientExpiresAt(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clientExpiresAt = t
}

func (f *FakeGateway) SetRegisterError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerErr = err
}

func (f *FakeGateway) SetStartError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

// SetPollScript replaces the poll answers. The last step repeats once the
// script is exhausted.
func (f *FakeGateway) SetPollScript(steps ...PollStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollScript = steps
	f.pollIndex = 0
}

func (f *FakeGateway) SetAccounts(accounts []gateway.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = accounts
}

func (f *FakeGateway) SetListAccountsError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountsErr = err
}

func (f *FakeGateway) SetListRolesError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolesErr = err
}

// SetBeforeListAccounts installs a hook run at the start of every
// ListAccounts call, outside the fake's lock. Tests use it to block fetches.
func (f *FakeGateway) SetBeforeListAccounts(hook func(ctx context.Context)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeList = hook
}

func (f *FakeGateway) SetRoleCredentials(creds gateway.RoleCredentials) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credentials = creds
}

func (f *FakeGateway) SetRoleCredentialsError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credentialsErr = err
}

func (f *FakeGateway) RegisterCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls
}

func (f *FakeGateway) StartCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

func (f *FakeGateway) PollCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCalls
}

func (f *FakeGateway) ListAccountsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *FakeGateway) ListRolesCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roleCalls
}

func (f *FakeGateway) RoleCredentialsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credentialsCalls
}

// LastAccessToken is the token passed to the most recent portal call.
func (f *FakeGateway) LastAccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastToken
}

func (f *FakeGateway) RegisterClient(ctx context.Context, region, clientName string) (*gateway.ClientRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.registerCalls++
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &gateway.ClientRegistration{
		ClientID:     fmt.Sprintf("client-%s-%d", region, f.registerCalls),
		ClientSecret: "secret",
		ExpiresAt:    f.clientExpiresAt,
	}, nil
}

func (f *FakeGateway) StartDeviceAuthorization(ctx context.Context, region string, client *gateway.ClientRegistration, startURL string) (*gateway.DeviceAuthorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.startCalls++
	if f.startErr != nil {
		return nil, f.startErr
	}
	auth := f.authorization
	return &auth, nil
}

func (f *FakeGateway) PollToken(ctx context.Context, region string, client *gateway.ClientRegistration, deviceCode string) (*gateway.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pollCalls++
	if len(f.pollScript) == 0 {
		return &gateway.PollResult{Status: gateway.PollPending}, nil
	}
	step := f.pollScript[f.pollIndex]
	if f.pollIndex < len(f.pollScript)-1 {
		f.pollIndex++
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &gateway.PollResult{Status: step.Status, Token: step.Token}, nil
}

func (f *FakeGateway) ListAccounts(ctx context.Context, region, accessToken string) ([]gateway.Account, error) {
	f.mu.Lock()
	hook := f.beforeList
	f.listCalls++
	f.lastToken = accessToken
	f.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accountsErr != nil {
		return nil, f.accountsErr
	}
	accounts := make([]gateway.Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		accounts = append(accounts, gateway.Account{
			AccountID:    a.AccountID,
			AccountName:  a.AccountName,
			EmailAddress: a.EmailAddress,
		})
	}
	return accounts, nil
}

func (f *FakeGateway) ListAccountRoles(ctx context.Context, region, accessToken, accountID string) ([]gateway.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.roleCalls++
	f.lastToken = accessToken
	if f.rolesErr != nil {
		return nil, f.rolesErr
	}
	for _, a := range f.accounts {
		if a.AccountID == accountID {
			return append([]gateway.Role(nil), a.Roles...), nil
		}
	}
	return []gateway.Role{}, nil
}

func (f *FakeGateway) GetRoleCredentials(ctx context.Context, region, accessToken, accountID, roleName string) (*gateway.RoleCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.credentialsCalls++
	f.lastToken = accessToken
	if f.credentialsErr != nil {
		return nil, f.credentialsErr
	}
	creds := f.credentials
	return &creds, nil
}
