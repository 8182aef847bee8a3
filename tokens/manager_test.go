package tokens_test

import (
	"context"
	"testing"
	"time"

	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/instances"
	instancerepofake "github.com/jrsteele09/go-credential-broker/instances/repofake"
	"github.com/jrsteele09/go-credential-broker/internal/testhelpers"
	"github.com/jrsteele09/go-credential-broker/tokens"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testFixture struct {
	repo    *instancerepofake.FakeInstanceRepo
	clock   *testhelpers.Clock
	manager *tokens.Manager
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	repo := instancerepofake.NewFakeInstanceRepo()
	clock := testhelpers.NewClock(testNow)
	manager, err := tokens.NewManager(repo, tokens.WithNowFunc(clock.Now))
	require.NoError(t, err)

	return &testFixture{repo: repo, clock: clock, manager: manager}
}

func (f *testFixture) createInstance(t *testing.T, expiresIn time.Duration) *instances.ProviderInstance {
	t.Helper()

	inst := &instances.ProviderInstance{
		InstanceID:           "inst-1",
		ProviderCode:         instances.ProviderCodeAwsIdc,
		StartURL:             "https://acme.awsapps.com/start",
		Region:               "us-east-1",
		Label:                "Acme",
		AccessToken:          "token-1",
		AccessTokenExpiresAt: testNow.Add(expiresIn),
		CreatedAt:            testNow,
	}
	require.NoError(t, f.repo.Create(context.Background(), inst))
	return inst
}

func TestNewManagerRequiresRepo(t *testing.T) {
	_, err := tokens.NewManager(nil)
	require.Error(t, err)
}

func TestDescribeExpiry(t *testing.T) {
	f := setupTestFixture(t)

	tests := []struct {
		name      string
		expiresIn time.Duration
		stale     bool
		want      string
		valid     bool
	}{
		{"valid", time.Hour + 5*time.Minute + 30*time.Second, false, "expires in 1h 5m", true},
		{"expired", -(2*time.Hour + 3*time.Minute), false, "expired 2h 3m ago", false},
		{"stale but not yet expired", 8 * time.Hour, true, "stale", false},
		{"exactly at expiry", 0, false, "expired 0h 0m ago", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := &instances.ProviderInstance{
				AccessToken:          "token",
				AccessTokenExpiresAt: testNow.Add(tt.expiresIn),
				AccessTokenStale:     tt.stale,
			}
			require.Equal(t, tt.want, f.manager.DescribeExpiry(inst))
			require.Equal(t, tt.valid, f.manager.IsAccessTokenValid(inst))
		})
	}

	require.Equal(t, "expired", f.manager.DescribeExpiry(&instances.ProviderInstance{}))
}

func TestNeedsRefresh(t *testing.T) {
	f := setupTestFixture(t)

	require.False(t, f.manager.NeedsRefresh(&instances.ProviderInstance{AccessToken: "t", AccessTokenExpiresAt: testNow.Add(time.Hour)}))
	require.True(t, f.manager.NeedsRefresh(&instances.ProviderInstance{AccessToken: "t", AccessTokenExpiresAt: testNow.Add(5 * time.Minute)}))
	require.True(t, f.manager.NeedsRefresh(&instances.ProviderInstance{AccessToken: "t", AccessTokenExpiresAt: testNow.Add(time.Hour), AccessTokenStale: true}))
}

func TestMarkStale(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	inst := f.createInstance(t, 8*time.Hour)
	require.True(t, f.manager.IsAccessTokenValid(inst))

	var invalidated []string
	f.manager.OnInvalidate(func(instanceID string) {
		invalidated = append(invalidated, instanceID)
	})

	require.NoError(t, f.manager.MarkStale(ctx, inst.InstanceID))

	stored, err := f.repo.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.True(t, stored.AccessTokenStale)
	require.False(t, f.manager.IsAccessTokenValid(stored))
	require.Equal(t, tokens.StatusStale, f.manager.Status(stored))
	require.Equal(t, []string{inst.InstanceID}, invalidated)
}

func TestStoreTokenClearsStale(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	inst := f.createInstance(t, 8*time.Hour)
	require.NoError(t, f.manager.MarkStale(ctx, inst.InstanceID))

	calls := 0
	f.manager.OnInvalidate(func(string) { calls++ })

	token := &oauth2.Token{AccessToken: "token-2", Expiry: testNow.Add(12 * time.Hour)}
	require.NoError(t, f.manager.StoreToken(ctx, inst.InstanceID, "client-2", token))

	stored, err := f.repo.Get(ctx, inst.InstanceID)
	require.NoError(t, err)
	require.False(t, stored.AccessTokenStale)
	require.Equal(t, "token-2", stored.AccessToken)
	require.Equal(t, "client-2", stored.ClientID)
	require.Equal(t, testNow.Add(12*time.Hour), stored.AccessTokenExpiresAt)
	require.True(t, f.manager.IsAccessTokenValid(stored))
	require.Equal(t, 1, calls)
}

func TestMutateUnknownInstance(t *testing.T) {
	f := setupTestFixture(t)

	err := f.manager.MarkStale(context.Background(), "missing")
	require.ErrorIs(t, err, faults.ErrInstanceWasNotFound)
	require.False(t, faults.IsFatal(err))
}
