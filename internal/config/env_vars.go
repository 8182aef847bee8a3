package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	appNameVar    = "BROKER_APP_NAME"
	folderEnvVar  = "BROKER_DATA_FOLDER"
	logLevelVar   = "BROKER_LOG_LEVEL"
	envVar        = "BROKER_ENV"
	databaseFile  = "broker.db"
	defaultFolder = ".credential-broker"
)

type EnvVars struct{}

var _ EnvConfig = EnvVars{}

func (EnvVars) GetAppName() string {
	return GetEnv(appNameVar, "Credential Broker")
}

// GetDataFolder defaults to a dot folder in the user's home directory and
// falls back to the working directory when no home is available.
func (EnvVars) GetDataFolder() string {
	if folder := os.Getenv(folderEnvVar); folder != "" {
		return folder
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", defaultFolder)
	}
	return filepath.Join(home, defaultFolder)
}

func (e EnvVars) GetDatabasePath() string {
	return filepath.Join(e.GetDataFolder(), databaseFile)
}

func (EnvVars) GetLogLevel() string {
	return strings.ToLower(GetEnv(logLevelVar, "info"))
}

func (EnvVars) GetEnv() string {
	return GetEnv(envVar, "DEV")
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetEnvInt(envVar string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(envVar))
	if err != nil {
		return defaultValue
	}
	return value
}

func GetEnvDuration(envVar string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(envVar))
	if err != nil {
		return defaultValue
	}
	return value
}

func GetEnvBool(envVar string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(envVar))
	if err != nil {
		return defaultValue
	}
	return value
}
