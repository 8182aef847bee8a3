package deviceauth_test

import (
	"testing"

	"github.com/jrsteele09/go-credential-broker/deviceauth"
	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/stretchr/testify/require"
)

func TestValidateStartURL(t *testing.T) {
	t.Run("access portal hosts", func(t *testing.T) {
		require.NoError(t, deviceauth.ValidateStartURL("https://acme.awsapps.com/start", false))
		require.NoError(t, deviceauth.ValidateStartURL("https://acme.awsapps.cn/start#/", false))
	})

	t.Run("other hosts only when allowed", func(t *testing.T) {
		require.ErrorIs(t, deviceauth.ValidateStartURL("https://sso.example.com/start", false), faults.ErrInvalidStartUrl)
		require.NoError(t, deviceauth.ValidateStartURL("https://sso.example.com/start", true))
	})

	t.Run("lookalike host", func(t *testing.T) {
		require.ErrorIs(t, deviceauth.ValidateStartURL("https://awsapps.com.evil.io/start", false), faults.ErrInvalidStartUrl)
	})

	t.Run("garbage", func(t *testing.T) {
		require.ErrorIs(t, deviceauth.ValidateStartURL("", true), faults.ErrInvalidStartUrl)
		require.ErrorIs(t, deviceauth.ValidateStartURL("not a url", true), faults.ErrInvalidStartUrl)
	})
}

func TestValidateLabel(t *testing.T) {
	label, err := deviceauth.ValidateLabel("  Production  ")
	require.NoError(t, err)
	require.Equal(t, "Production", label)

	_, err = deviceauth.ValidateLabel("")
	require.ErrorIs(t, err, faults.ErrInvalidLabel)
}

func TestValidateRegion(t *testing.T) {
	require.NoError(t, deviceauth.ValidateRegion("us-east-1"))
	require.ErrorIs(t, deviceauth.ValidateRegion("US-EAST-1"), faults.ErrInvalidAwsRegion)
}
