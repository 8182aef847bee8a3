package plumbing_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/gateway"
	"github.com/jrsteele09/go-credential-broker/instances"
	instancerepofake "github.com/jrsteele09/go-credential-broker/instances/repofake"
	"github.com/jrsteele09/go-credential-broker/internal/testhelpers"
	"github.com/jrsteele09/go-credential-broker/plumbing"
	"github.com/jrsteele09/go-credential-broker/plumbing/credsfile"
	sinkrepofake "github.com/jrsteele09/go-credential-broker/sinks/repofake"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testInstanceID = "inst-1"

type testFixture struct {
	instanceRepo *instancerepofake.FakeInstanceRepo
	sinkRepo     *sinkrepofake.FakeSinkRepo
	clock        *testhelpers.Clock
	plumber      *plumbing.Plumber
	credsPath    string
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{
		instanceRepo: instancerepofake.NewFakeInstanceRepo(),
		sinkRepo:     sinkrepofake.NewFakeSinkRepo(),
		clock:        testhelpers.NewClock(testNow),
		credsPath:    filepath.Join(t.TempDir(), "credentials"),
	}

	require.NoError(t, f.instanceRepo.Create(context.Background(), &instances.ProviderInstance{
		InstanceID:   testInstanceID,
		ProviderCode: instances.ProviderCodeAwsIdc,
		StartURL:     "https://acme.awsapps.com/start",
		Region:       "us-east-1",
		Label:        "Acme",
		CreatedAt:    testNow,
	}))

	registry, err := plumbing.NewRegistry(credsfile.NewKind(credsfile.WithDefaultFilePath(f.credsPath)))
	require.NoError(t, err)

	p, err := plumbing.NewPlumber(registry, f.sinkRepo, f.instanceRepo, plumbing.WithNowFunc(f.clock.Now))
	require.NoError(t, err)
	f.plumber = p
	return f
}

func (f *testFixture) connectInput(profile string) plumbing.ConnectInput {
	return plumbing.ConnectInput{
		SinkCode:     credsfile.SinkCode,
		ProviderCode: instances.ProviderCodeAwsIdc,
		ProviderID:   testInstanceID,
		Label:        "Dev profile",
		Fields:       map[string]string{credsfile.FieldProfileName: profile},
	}
}

func TestRegistry(t *testing.T) {
	_, err := plumbing.NewRegistry(credsfile.NewKind(), credsfile.NewKind())
	require.Error(t, err)

	registry, err := plumbing.NewRegistry(credsfile.NewKind())
	require.NoError(t, err)
	require.Equal(t, []string{credsfile.SinkCode}, registry.Codes())

	_, err = registry.Lookup("s3-bucket")
	require.ErrorIs(t, err, faults.ErrUnknownSinkCode)
}

func TestConnectValidation(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(in *plumbing.ConnectInput)
		want   error
	}{
		{"unknown sink code", func(in *plumbing.ConnectInput) { in.SinkCode = "s3-bucket" }, faults.ErrUnknownSinkCode},
		{"empty label", func(in *plumbing.ConnectInput) { in.Label = " " }, faults.ErrInvalidLabel},
		{"long label", func(in *plumbing.ConnectInput) { in.Label = string(make([]rune, 51)) }, faults.ErrInvalidLabel},
		{"unknown provider code", func(in *plumbing.ConnectInput) { in.ProviderCode = "okta" }, faults.ErrInvalidProviderCode},
		{"unknown provider id", func(in *plumbing.ConnectInput) { in.ProviderID = "missing" }, faults.ErrInvalidProviderId},
		{"empty profile name", func(in *plumbing.ConnectInput) { in.Fields = map[string]string{} }, faults.ErrInvalidAwsProfileName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := f.connectInput("dev")
			tt.mutate(&in)
			_, err := f.plumber.ConnectSink(ctx, in)
			require.ErrorIs(t, err, tt.want)
		})
	}

	list, err := f.plumber.ListConnectedSinks(ctx, instances.ProviderCodeAwsIdc, testInstanceID)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestConnectDisconnectConnect(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	sinkID, err := f.plumber.ConnectSink(ctx, f.connectInput("dev"))
	require.NoError(t, err)

	_, err = f.plumber.ConnectSink(ctx, f.connectInput(" dev "))
	require.ErrorIs(t, err, faults.ErrInstanceAlreadyRegistered)

	// another profile in the same file is a different destination
	f.clock.Advance(time.Second)
	otherID, err := f.plumber.ConnectSink(ctx, f.connectInput("prod"))
	require.NoError(t, err)

	list, err := f.plumber.ListConnectedSinks(ctx, instances.ProviderCodeAwsIdc, testInstanceID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, f.credsPath+"#dev", list[0].Destination)
	require.Equal(t, "dev", list[0].Field(credsfile.FieldProfileName))

	require.NoError(t, f.plumber.DisconnectSink(ctx, credsfile.SinkCode, sinkID))
	require.NoError(t, f.plumber.DisconnectSink(ctx, credsfile.SinkCode, sinkID))

	err = f.plumber.DisconnectSink(ctx, "s3-bucket", otherID)
	require.ErrorIs(t, err, faults.ErrUnknownSinkCode)

	newID, err := f.plumber.ConnectSink(ctx, f.connectInput("dev"))
	require.NoError(t, err)
	require.NotEqual(t, sinkID, newID)
}

func TestDrain(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	sinkID, err := f.plumber.ConnectSink(ctx, f.connectInput("dev"))
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	creds := gateway.RoleCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "secret", SessionToken: "session"}
	require.NoError(t, f.plumber.Drain(ctx, sinkID, creds))

	sink, err := f.sinkRepo.Get(ctx, sinkID)
	require.NoError(t, err)
	require.NotNil(t, sink.LastDrainedAt)
	require.Equal(t, testNow.Add(time.Minute), *sink.LastDrainedAt)

	content, err := os.ReadFile(f.credsPath)
	require.NoError(t, err)
	require.Contains(t, string(content), "aws_access_key_id = AKIA1")
}

func TestDrainSurfacesSinkErrors(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	sinkID, err := f.plumber.ConnectSink(ctx, f.connectInput("dev"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.credsPath, []byte("[]\n"), 0o600))

	err = f.plumber.Drain(ctx, sinkID, gateway.RoleCredentials{AccessKeyID: "AKIA1", SecretAccessKey: "secret"})
	require.ErrorIs(t, err, faults.ErrEmptyProfile)
	require.False(t, faults.IsFatal(err))

	sink, err := f.sinkRepo.Get(ctx, sinkID)
	require.NoError(t, err)
	require.Nil(t, sink.LastDrainedAt)

	err = f.plumber.Drain(ctx, "missing", gateway.RoleCredentials{})
	require.ErrorIs(t, err, faults.ErrInstanceWasNotFound)
}
