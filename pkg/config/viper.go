package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment variables.
// configPath is either a directory searched for configName.yaml or the
// path of a config file. envPrefix, when set, namespaces environment
// variables (SELFIE_RELAY_DRIVER for relay.driver with prefix "selfie").
func Load(configPath, configName, envPrefix string) (*viper.Viper, error) {
	v := viper.New()

	if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(configPath)
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if envPrefix != "" {
		v.SetEnvPrefix(envPrefix)
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return v, nil // Config file not found, rely on env vars
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return v, nil
}

// Duration reads key as a Go duration string, falling back to def when the
// value is missing or malformed.
func Duration(v *viper.Viper, key string, def time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return def
	}
	return d
}

// GetEnv returns environment variable value or default.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
