package datastore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-credential-broker/instances"
	"github.com/jrsteele09/go-credential-broker/internal/datastore"
	"github.com/jrsteele09/go-credential-broker/sinks"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testFixture struct {
	store     *datastore.Store
	instances *datastore.InstanceRepo
	sinks     *datastore.SinkRepo
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	store, err := datastore.Open(context.Background(), filepath.Join(t.TempDir(), "broker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &testFixture{
		store:     store,
		instances: store.Instances(),
		sinks:     store.Sinks(),
	}
}

func newInstance(id, startURL, region string, createdAt time.Time) *instances.ProviderInstance {
	return &instances.ProviderInstance{
		InstanceID:   id,
		ProviderCode: instances.ProviderCodeAwsIdc,
		StartURL:     startURL,
		Region:       region,
		Label:        "Label " + id,
		ClientID:     "client-" + id,
		CreatedAt:    createdAt,
	}
}

func TestInstanceCreateAndGet(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	inst := newInstance("a", "https://a.awsapps.com/start", "eu-west-1", testNow)
	inst.AccessToken = "token"
	inst.AccessTokenExpiresAt = testNow.Add(8 * time.Hour)
	require.NoError(t, f.instances.Create(ctx, inst))
	require.Equal(t, 1, inst.Version)

	got, err := f.instances.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "https://a.awsapps.com/start", got.StartURL)
	require.Equal(t, "token", got.AccessToken)
	require.True(t, got.AccessTokenExpiresAt.Equal(inst.AccessTokenExpiresAt))
	require.True(t, got.CreatedAt.Equal(testNow))
	require.False(t, got.AccessTokenStale)
	require.False(t, got.IsFavorite)

	found, err := f.instances.FindByStartURL(ctx, "https://a.awsapps.com/start", "eu-west-1")
	require.NoError(t, err)
	require.Equal(t, "a", found.InstanceID)

	_, err = f.instances.Get(ctx, "missing")
	require.ErrorIs(t, err, instances.ErrNotFound)
	_, err = f.instances.FindByStartURL(ctx, "https://a.awsapps.com/start", "us-east-1")
	require.ErrorIs(t, err, instances.ErrNotFound)
}

func TestInstanceNeverAuthorizedHasZeroExpiry(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.instances.Create(ctx, newInstance("a", "https://a.awsapps.com/start", "eu-west-1", testNow)))

	got, err := f.instances.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, got.AccessTokenExpiresAt.IsZero())
	require.False(t, got.HasToken())
}

func TestInstanceStartURLRegionIsUnique(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.instances.Create(ctx, newInstance("a", "https://a.awsapps.com/start", "eu-west-1", testNow)))

	err := f.instances.Create(ctx, newInstance("b", "https://a.awsapps.com/start", "eu-west-1", testNow))
	require.ErrorIs(t, err, instances.ErrDuplicate)

	require.NoError(t, f.instances.Create(ctx, newInstance("c", "https://a.awsapps.com/start", "us-east-1", testNow)))
}

func TestInstanceUpdateChecksVersion(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.instances.Create(ctx, newInstance("a", "https://a.awsapps.com/start", "eu-west-1", testNow)))

	first, err := f.instances.Get(ctx, "a")
	require.NoError(t, err)
	second, err := f.instances.Get(ctx, "a")
	require.NoError(t, err)

	first.IsFavorite = true
	first.AccessTokenStale = true
	first.UpdatedAt = testNow.Add(time.Minute)
	require.NoError(t, f.instances.Update(ctx, first))
	require.Equal(t, 2, first.Version)

	second.Label = "lost update"
	require.ErrorIs(t, f.instances.Update(ctx, second), instances.ErrConflict)

	got, err := f.instances.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, got.IsFavorite)
	require.True(t, got.AccessTokenStale)
	require.Equal(t, "Label a", got.Label)
	require.Equal(t, 2, got.Version)
	require.True(t, got.UpdatedAt.Equal(testNow.Add(time.Minute)))

	missing := newInstance("missing", "https://m.awsapps.com/start", "eu-west-1", testNow)
	missing.Version = 1
	require.ErrorIs(t, f.instances.Update(ctx, missing), instances.ErrNotFound)
}

func TestInstanceListNewestFirst(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.instances.Create(ctx, newInstance("old", "https://old.awsapps.com/start", "eu-west-1", testNow)))
	require.NoError(t, f.instances.Create(ctx, newInstance("new", "https://new.awsapps.com/start", "eu-west-1", testNow.Add(time.Hour))))
	require.NoError(t, f.instances.Create(ctx, newInstance("mid", "https://mid.awsapps.com/start", "eu-west-1", testNow.Add(time.Millisecond))))

	list, err := f.instances.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "new", list[0].InstanceID)
	require.Equal(t, "mid", list[1].InstanceID)
	require.Equal(t, "old", list[2].InstanceID)
}

func TestInstanceDeleteCascadesToSinks(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.instances.Create(ctx, newInstance("a", "https://a.awsapps.com/start", "eu-west-1", testNow)))
	require.NoError(t, f.sinks.Create(ctx, newSink("s1", "a", "/tmp/credentials#dev", testNow)))

	require.NoError(t, f.instances.Delete(ctx, "a"))
	require.ErrorIs(t, f.instances.Delete(ctx, "a"), instances.ErrNotFound)

	_, err := f.sinks.Get(ctx, "s1")
	require.ErrorIs(t, err, sinks.ErrNotFound)
}

func newSink(id, providerID, destination string, createdAt time.Time) *sinks.SinkInstance {
	return &sinks.SinkInstance{
		SinkCode:     "aws-credentials-file",
		SinkID:       id,
		ProviderCode: instances.ProviderCodeAwsIdc,
		ProviderID:   providerID,
		Label:        "Sink " + id,
		Destination:  destination,
		Fields:       map[string]string{"file_path": "/tmp/credentials", "profile_name": "dev"},
		CreatedAt:    createdAt,
	}
}

func TestSinkLifecycle(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	require.NoError(t, f.instances.Create(ctx, newInstance("a", "https://a.awsapps.com/start", "eu-west-1", testNow)))
	require.NoError(t, f.sinks.Create(ctx, newSink("s2", "a", "/tmp/credentials#prod", testNow.Add(time.Second))))
	require.NoError(t, f.sinks.Create(ctx, newSink("s1", "a", "/tmp/credentials#dev", testNow)))

	err := f.sinks.Create(ctx, newSink("s3", "a", "/tmp/credentials#dev", testNow))
	require.ErrorIs(t, err, sinks.ErrDuplicate)

	got, err := f.sinks.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "dev", got.Field("profile_name"))
	require.Nil(t, got.LastDrainedAt)

	require.NoError(t, f.sinks.MarkDrained(ctx, "s1", testNow.Add(time.Minute)))
	got, err = f.sinks.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got.LastDrainedAt)
	require.True(t, got.LastDrainedAt.Equal(testNow.Add(time.Minute)))
	require.ErrorIs(t, f.sinks.MarkDrained(ctx, "missing", testNow), sinks.ErrNotFound)

	list, err := f.sinks.ListByProvider(ctx, instances.ProviderCodeAwsIdc, "a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "s1", list[0].SinkID)
	require.Equal(t, "s2", list[1].SinkID)

	require.NoError(t, f.sinks.Delete(ctx, "s1"))
	require.NoError(t, f.sinks.Delete(ctx, "s1"))

	list, err = f.sinks.ListByProvider(ctx, instances.ProviderCodeAwsIdc, "a")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "broker.db")
	ctx := context.Background()

	store, err := datastore.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store.Instances().Create(ctx, newInstance("a", "https://a.awsapps.com/start", "eu-west-1", testNow)))
	require.NoError(t, store.Close())

	store, err = datastore.Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Instances().Get(ctx, "a")
	require.NoError(t, err)
}
