package favorites_test

import (
	"context"
	"testing"
	"time"

	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/favorites"
	"github.com/jrsteele09/go-credential-broker/instances"
	instancerepofake "github.com/jrsteele09/go-credential-broker/instances/repofake"
	"github.com/jrsteele09/go-credential-broker/tokens"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testFixture struct {
	repo     *instancerepofake.FakeInstanceRepo
	registry *favorites.Registry
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{repo: instancerepofake.NewFakeInstanceRepo()}
	for i, label := range []string{"beta", "Alpha", "gamma"} {
		require.NoError(t, f.repo.Create(context.Background(), &instances.ProviderInstance{
			InstanceID:   label,
			ProviderCode: instances.ProviderCodeAwsIdc,
			StartURL:     "https://" + label + ".awsapps.com/start",
			Region:       "us-east-1",
			Label:        label,
			CreatedAt:    testNow.Add(time.Duration(i) * time.Minute),
		}))
	}

	tm, err := tokens.NewManager(f.repo, tokens.WithNowFunc(func() time.Time { return testNow }))
	require.NoError(t, err)

	registry, err := favorites.NewRegistry(f.repo, tm)
	require.NoError(t, err)
	f.registry = registry
	return f
}

func TestMarkAndUnmark(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.registry.MarkAsFavorite(ctx, "beta"))
	inst, err := f.repo.Get(ctx, "beta")
	require.NoError(t, err)
	require.True(t, inst.IsFavorite)
	version := inst.Version

	// marking twice is a no-op
	require.NoError(t, f.registry.MarkAsFavorite(ctx, "beta"))
	inst, err = f.repo.Get(ctx, "beta")
	require.NoError(t, err)
	require.Equal(t, version, inst.Version)

	require.NoError(t, f.registry.UnmarkAsFavorite(ctx, "beta"))
	require.NoError(t, f.registry.UnmarkAsFavorite(ctx, "beta"))
	inst, err = f.repo.Get(ctx, "beta")
	require.NoError(t, err)
	require.False(t, inst.IsFavorite)
}

func TestUnknownInstance(t *testing.T) {
	f := setupTestFixture(t)

	require.ErrorIs(t, f.registry.MarkAsFavorite(context.Background(), "missing"), faults.ErrInstanceWasNotFound)
	require.ErrorIs(t, f.registry.UnmarkAsFavorite(context.Background(), "missing"), faults.ErrInstanceWasNotFound)
}

func TestListFavorites(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	list, err := f.registry.ListFavorites(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	require.NoError(t, f.registry.MarkAsFavorite(ctx, "gamma"))
	require.NoError(t, f.registry.MarkAsFavorite(ctx, "Alpha"))

	list, err = f.registry.ListFavorites(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "Alpha", list[0].InstanceID)
	require.Equal(t, "gamma", list[1].InstanceID)
}
