package credentials_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jrsteele09/go-credential-broker/credentials"
	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/gateway"
	"github.com/jrsteele09/go-credential-broker/gateway/gatewayfake"
	"github.com/jrsteele09/go-credential-broker/instances"
	instancerepofake "github.com/jrsteele09/go-credential-broker/instances/repofake"
	"github.com/jrsteele09/go-credential-broker/internal/testhelpers"
	"github.com/jrsteele09/go-credential-broker/plumbing"
	"github.com/jrsteele09/go-credential-broker/plumbing/credsfile"
	sinkrepofake "github.com/jrsteele09/go-credential-broker/sinks/repofake"
	"github.com/jrsteele09/go-credential-broker/tokens"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testInstanceID = "inst-1"

var testCreds = gateway.RoleCredentials{
	AccessKeyID:     "AKIAISSUED",
	SecretAccessKey: "issued-secret",
	SessionToken:    "issued-session",
	Expiration:      testNow.Add(time.Hour),
}

type fakeClipboard struct {
	text string
	err  error
}

func (c *fakeClipboard) WriteText(ctx context.Context, text string) error {
	if c.err != nil {
		return c.err
	}
	c.text = text
	return nil
}

type testFixture struct {
	repo      *instancerepofake.FakeInstanceRepo
	sinkRepo  *sinkrepofake.FakeSinkRepo
	gateway   *gatewayfake.FakeGateway
	clock     *testhelpers.Clock
	tokens    *tokens.Manager
	plumber   *plumbing.Plumber
	clipboard *fakeClipboard
	issuer    *credentials.Issuer
	credsPath string
}

func setupTestFixture(t *testing.T, options ...credentials.IssuerOption) *testFixture {
	t.Helper()

	f := &testFixture{
		repo:      instancerepofake.NewFakeInstanceRepo(),
		sinkRepo:  sinkrepofake.NewFakeSinkRepo(),
		gateway:   gatewayfake.NewFakeGateway(),
		clock:     testhelpers.NewClock(testNow),
		clipboard: &fakeClipboard{},
		credsPath: filepath.Join(t.TempDir(), "credentials"),
	}
	f.gateway.SetRoleCredentials(testCreds)

	require.NoError(t, f.repo.Create(context.Background(), &instances.ProviderInstance{
		InstanceID:           testInstanceID,
		ProviderCode:         instances.ProviderCodeAwsIdc,
		StartURL:             "https://acme.awsapps.com/start",
		Region:               "eu-west-1",
		Label:                "Acme",
		AccessToken:          "access-token",
		AccessTokenExpiresAt: testNow.Add(8 * time.Hour),
		CreatedAt:            testNow,
	}))

	tm, err := tokens.NewManager(f.repo, tokens.WithNowFunc(f.clock.Now))
	require.NoError(t, err)
	f.tokens = tm

	registry, err := plumbing.NewRegistry(credsfile.NewKind(credsfile.WithDefaultFilePath(f.credsPath)))
	require.NoError(t, err)
	p, err := plumbing.NewPlumber(registry, f.sinkRepo, f.repo, plumbing.WithNowFunc(f.clock.Now))
	require.NoError(t, err)
	f.plumber = p

	options = append([]credentials.IssuerOption{credentials.WithClipboard(f.clipboard)}, options...)
	issuer, err := credentials.NewIssuer(f.repo, tm, f.gateway, p, options...)
	require.NoError(t, err)
	f.issuer = issuer
	return f
}

func TestNewIssuerRequiresDependencies(t *testing.T) {
	f := setupTestFixture(t)

	_, err := credentials.NewIssuer(nil, f.tokens, f.gateway, f.plumber)
	require.Error(t, err)
	_, err = credentials.NewIssuer(f.repo, nil, f.gateway, f.plumber)
	require.Error(t, err)
	_, err = credentials.NewIssuer(f.repo, f.tokens, nil, f.plumber)
	require.Error(t, err)
	_, err = credentials.NewIssuer(f.repo, f.tokens, f.gateway, nil)
	require.Error(t, err)
}

func TestGetRoleCredentials(t *testing.T) {
	f := setupTestFixture(t)

	creds, err := f.issuer.GetRoleCredentials(context.Background(), testInstanceID, "111111111111", "Admin")
	require.NoError(t, err)
	require.Equal(t, testCreds, *creds)
	require.Equal(t, "access-token", f.gateway.LastAccessToken())
}

func TestGetRoleCredentialsUnknownInstance(t *testing.T) {
	f := setupTestFixture(t)

	_, err := f.issuer.GetRoleCredentials(context.Background(), "missing", "111111111111", "Admin")
	require.ErrorIs(t, err, faults.ErrInstanceWasNotFound)
	require.Zero(t, f.gateway.RoleCredentialsCalls())
}

func TestGetRoleCredentialsExpiredToken(t *testing.T) {
	f := setupTestFixture(t)
	f.clock.Advance(9 * time.Hour)

	_, err := f.issuer.GetRoleCredentials(context.Background(), testInstanceID, "111111111111", "Admin")
	require.ErrorIs(t, err, faults.ErrAccessTokenExpired)
	require.Zero(t, f.gateway.RoleCredentialsCalls())
}

func TestGetRoleCredentialsRejectedTokenMarksStale(t *testing.T) {
	f := setupTestFixture(t)
	f.gateway.SetRoleCredentialsError(gateway.ErrAccessTokenRejected)

	invalidated := 0
	f.tokens.OnInvalidate(func(string) { invalidated++ })

	_, err := f.issuer.GetRoleCredentials(context.Background(), testInstanceID, "111111111111", "Admin")
	require.ErrorIs(t, err, faults.ErrStaleAwsAccessToken)
	require.Equal(t, 1, invalidated)

	inst, err := f.repo.Get(context.Background(), testInstanceID)
	require.NoError(t, err)
	require.True(t, inst.AccessTokenStale)

	// a stale token is not sent upstream again
	_, err = f.issuer.GetRoleCredentials(context.Background(), testInstanceID, "111111111111", "Admin")
	require.ErrorIs(t, err, faults.ErrAccessTokenExpired)
	require.Equal(t, 1, f.gateway.RoleCredentialsCalls())
}

func TestGetRoleCredentialsTransientFailure(t *testing.T) {
	f := setupTestFixture(t)
	f.gateway.SetRoleCredentialsError(errors.New("connection reset"))

	_, err := f.issuer.GetRoleCredentials(context.Background(), testInstanceID, "111111111111", "Admin")
	require.ErrorIs(t, err, faults.ErrTransientAwsClientError)
	require.False(t, faults.IsFatal(err))
}

func TestCopyRoleCredentials(t *testing.T) {
	tests := []struct {
		goos string
		want string
	}{
		{"linux", "export AWS_ACCESS_KEY_ID=\"AKIAISSUED\"\nexport AWS_SECRET_ACCESS_KEY=\"issued-secret\"\nexport AWS_SESSION_TOKEN=\"issued-session\""},
		{"darwin", "export AWS_ACCESS_KEY_ID=\"AKIAISSUED\"\nexport AWS_SECRET_ACCESS_KEY=\"issued-secret\"\nexport AWS_SESSION_TOKEN=\"issued-session\""},
		{"windows", "$Env:AWS_ACCESS_KEY_ID=\"AKIAISSUED\"\n$Env:AWS_SECRET_ACCESS_KEY=\"issued-secret\"\n$Env:AWS_SESSION_TOKEN=\"issued-session\""},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			f := setupTestFixture(t, credentials.WithGOOS(tt.goos))
			require.NoError(t, f.issuer.CopyRoleCredentials(context.Background(), testInstanceID, "111111111111", "Admin"))
			require.Equal(t, tt.want, f.clipboard.text)
		})
	}
}

func TestCopyRoleCredentialsClipboardFailureIsFatal(t *testing.T) {
	f := setupTestFixture(t)
	f.clipboard.err = errors.New("no display")

	err := f.issuer.CopyRoleCredentials(context.Background(), testInstanceID, "111111111111", "Admin")
	require.True(t, faults.IsFatal(err))
}

func TestSaveRoleCredentials(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	sinkID, err := f.plumber.ConnectSink(ctx, plumbing.ConnectInput{
		SinkCode:     credsfile.SinkCode,
		ProviderCode: instances.ProviderCodeAwsIdc,
		ProviderID:   testInstanceID,
		Label:        "Dev",
		Fields:       map[string]string{credsfile.FieldProfileName: "dev"},
	})
	require.NoError(t, err)

	require.NoError(t, f.issuer.SaveRoleCredentials(ctx, testInstanceID, "111111111111", "Admin", sinkID))

	content, err := os.ReadFile(f.credsPath)
	require.NoError(t, err)
	require.Equal(t, credentials.FormatProfile("dev", testCreds), string(content))
	require.Equal(t, 1, strings.Count(string(content), "[dev]"))

	err = f.issuer.SaveRoleCredentials(ctx, testInstanceID, "111111111111", "Admin", "missing")
	require.ErrorIs(t, err, faults.ErrInstanceWasNotFound)
}

func TestSaveRoleCredentialsSurfacesSinkErrors(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	sinkID, err := f.plumber.ConnectSink(ctx, plumbing.ConnectInput{
		SinkCode:     credsfile.SinkCode,
		ProviderCode: instances.ProviderCodeAwsIdc,
		ProviderID:   testInstanceID,
		Label:        "Dev",
		Fields:       map[string]string{credsfile.FieldProfileName: "dev"},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.credsPath, []byte("[dev]\n = orphan\n"), 0o600))

	err = f.issuer.SaveRoleCredentials(ctx, testInstanceID, "111111111111", "Admin", sinkID)
	require.ErrorIs(t, err, faults.ErrEmptyKey)
}

func TestSaveRoleCredentialsRejectsSinkOfAnotherInstance(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.repo.Create(ctx, &instances.ProviderInstance{
		InstanceID:           "other",
		ProviderCode:         instances.ProviderCodeAwsIdc,
		StartURL:             "https://other.awsapps.com/start",
		Region:               "eu-west-1",
		Label:                "Other",
		AccessToken:          "other-token",
		AccessTokenExpiresAt: testNow.Add(8 * time.Hour),
		CreatedAt:            testNow,
	}))
	sinkID, err := f.plumber.ConnectSink(ctx, plumbing.ConnectInput{
		SinkCode:     credsfile.SinkCode,
		ProviderCode: instances.ProviderCodeAwsIdc,
		ProviderID:   "other",
		Label:        "Other",
		Fields:       map[string]string{credsfile.FieldProfileName: "other"},
	})
	require.NoError(t, err)

	err = f.issuer.SaveRoleCredentials(ctx, testInstanceID, "111111111111", "Admin", sinkID)
	require.ErrorIs(t, err, faults.ErrInvalidProviderId)
	require.Equal(t, 0, f.gateway.RoleCredentialsCalls())

	_, err = os.Stat(f.credsPath)
	require.True(t, errors.Is(err, os.ErrNotExist))
}
