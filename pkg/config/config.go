package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	ConnectionStateTTL   time.Duration     `yaml:"connectionStateTtl"`
	SessionSweepInterval time.Duration     `yaml:"sessionSweepInterval"`
	SyncPageSize         int               `yaml:"syncPageSize"`
	Keys                 map[string]string `yaml:"keys"`
	TokenSecret          string            `yaml:"tokenSecret"`
	ServerID             string            `yaml:"serverId"`
	LogLevel             string            `yaml:"logLevel"`
}

func Load() (*Config, error) {
	connectionStateTTL, err := lookupSeconds("CONNECTION_STATE_TTL", 120)
	if err != nil {
		return nil, err
	}

	sweepInterval, err := lookupSeconds("SESSION_SWEEP_INTERVAL", 5)
	if err != nil {
		return nil, err
	}

	syncPageSize, err := lookupInt("SYNC_PAGE_SIZE", 100)
	if err != nil {
		return nil, err
	}

	keys := map[string]string{}
	if keysStr, keysExist := os.LookupEnv("API_KEYS"); keysExist && keysStr != "" {
		for _, key := range strings.Split(keysStr, ",") {
			name, secret, ok := strings.Cut(strings.TrimSpace(key), ":")
			if !ok {
				return nil, &InvalidValueError{Name: "API_KEYS", Value: key}
			}
			keys[name] = secret
		}
	}

	hostname, _ := os.Hostname()
	conf := &Config{
		ConnectionStateTTL:   connectionStateTTL,
		SessionSweepInterval: sweepInterval,
		SyncPageSize:         syncPageSize,
		Keys:                 keys,
		TokenSecret:          lookupString("TOKEN_SECRET", ""),
		ServerID:             lookupString("SERVER_ID", hostname),
		LogLevel:             lookupString("LOG_LEVEL", "info"),
	}

	if err := applyConfigFile(conf); err != nil {
		return nil, err
	}
	return conf, nil
}
