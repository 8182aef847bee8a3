package config

import (
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// MaxDeviceAuthDeadline caps every device authorization attempt regardless of
// what the provider or the environment asks for.
const MaxDeviceAuthDeadline = 5 * time.Minute

const (
	deviceAuthDeadlineVar = "BROKER_DEVICE_AUTH_DEADLINE"
	clientNamePrefixVar   = "BROKER_CLIENT_NAME_PREFIX"
	cacheSizeVar          = "BROKER_DIRECTORY_CACHE_SIZE"
	refreshWindowVar      = "BROKER_REFRESH_WINDOW"
	credentialsFileVar    = "BROKER_CREDENTIALS_FILE"
	anyStartURLHostVar    = "BROKER_ALLOW_ANY_START_URL_HOST"
)

type Broker struct{}

var _ BrokerConfig = Broker{}

func (Broker) GetDeviceAuthDeadline() time.Duration {
	d := GetEnvDuration(deviceAuthDeadlineVar, MaxDeviceAuthDeadline)
	if d <= 0 || d > MaxDeviceAuthDeadline {
		return MaxDeviceAuthDeadline
	}
	return d
}

func (Broker) GetClientNamePrefix() string {
	return GetEnv(clientNamePrefixVar, "credential-broker")
}

func (Broker) GetDirectoryCacheSize() int {
	size := GetEnvInt(cacheSizeVar, 256)
	if size < 1 {
		return 256
	}
	return size
}

func (Broker) GetRefreshWindow() time.Duration {
	return GetEnvDuration(refreshWindowVar, 10*time.Minute)
}

// GetCredentialsFilePath is the default destination for new credentials-file
// sinks: the shared credentials file the AWS SDKs read.
func (Broker) GetCredentialsFilePath() string {
	return GetEnv(credentialsFileVar, awsconfig.DefaultSharedCredentialsFilename())
}

func (Broker) GetAllowAnyStartURLHost() bool {
	return GetEnvBool(anyStartURLHostVar, false)
}
