package config

import (
	"os"
	"strings"
	"time"
)

type ClientConfig struct {
	Key                      string        `yaml:"key"`
	Token                    string        `yaml:"token"`
	ClientID                 string        `yaml:"clientId"`
	FallbackHosts            []string      `yaml:"fallbackHosts"`
	TLS                      bool          `yaml:"tls"`
	NoEcho                   bool          `yaml:"noEcho"`
	NoQueueing               bool          `yaml:"noQueueing"`
	RealtimeRequestTimeout   time.Duration `yaml:"realtimeRequestTimeout"`
	DisconnectedRetryTimeout time.Duration `yaml:"disconnectedRetryTimeout"`
	SuspendedRetryTimeout    time.Duration `yaml:"suspendedRetryTimeout"`
	LogLevel                 string        `yaml:"logLevel"`
}

func LoadForClient() (*ClientConfig, error) {
	tls, err := lookupBool("REALTIME_TLS", false)
	if err != nil {
		return nil, err
	}

	noEcho, err := lookupBool("NO_ECHO", false)
	if err != nil {
		return nil, err
	}

	noQueueing, err := lookupBool("NO_QUEUEING", false)
	if err != nil {
		return nil, err
	}

	requestTimeout, err := lookupSeconds("REALTIME_REQUEST_TIMEOUT", 10)
	if err != nil {
		return nil, err
	}

	disconnectedRetry, err := lookupSeconds("DISCONNECTED_RETRY_TIMEOUT", 15)
	if err != nil {
		return nil, err
	}

	suspendedRetry, err := lookupSeconds("SUSPENDED_RETRY_TIMEOUT", 30)
	if err != nil {
		return nil, err
	}

	fallbackHosts := []string{}
	if hostsStr, hostsExist := os.LookupEnv("FALLBACK_HOSTS"); hostsExist && hostsStr != "" {
		for _, host := range strings.Split(hostsStr, ",") {
			fallbackHosts = append(fallbackHosts, strings.TrimSpace(host))
		}
	}

	conf := &ClientConfig{
		Key:                      lookupString("REALTIME_KEY", ""),
		Token:                    lookupString("REALTIME_TOKEN", ""),
		ClientID:                 lookupString("CLIENT_ID", ""),
		FallbackHosts:            fallbackHosts,
		TLS:                      tls,
		NoEcho:                   noEcho,
		NoQueueing:               noQueueing,
		RealtimeRequestTimeout:   requestTimeout,
		DisconnectedRetryTimeout: disconnectedRetry,
		SuspendedRetryTimeout:    suspendedRetry,
		LogLevel:                 lookupString("LOG_LEVEL", "info"),
	}

	if err := applyConfigFile(conf); err != nil {
		return nil, err
	}
	return conf, nil
}
