package config

import "time"

type Config interface {
	EnvConfig
	BrokerConfig
}

type EnvConfig interface {
	GetAppName() string
	GetDataFolder() string
	GetDatabasePath() string
	GetLogLevel() string
	GetEnv() string
}

type BrokerConfig interface {
	GetDeviceAuthDeadline() time.Duration
	GetClientNamePrefix() string
	GetDirectoryCacheSize() int
	GetRefreshWindow() time.Duration
	GetCredentialsFilePath() string
	GetAllowAnyStartURLHost() bool
}

type mainConfig struct {
	EnvVars
	Broker
}

func New() Config {
	return mainConfig{}
}
