package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// InvalidValueError is returned when an environment variable cannot be parsed.
type InvalidValueError struct {
	Name  string
	Value string
	Err   error
}

func (e *InvalidValueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid value %q for %s: %s", e.Value, e.Name, e.Err)
	}
	return fmt.Sprintf("invalid value %q for %s", e.Value, e.Name)
}

func (e *InvalidValueError) Unwrap() error {
	return e.Err
}

func lookupString(name string, defaultValue string) string {
	value, exists := os.LookupEnv(name)
	if !exists {
		return defaultValue
	}
	return value
}

func lookupInt(name string, defaultValue int) (int, error) {
	valueStr, exists := os.LookupEnv(name)
	if !exists {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, &InvalidValueError{Name: name, Value: valueStr, Err: err}
	}
	return value, nil
}

func lookupBool(name string, defaultValue bool) (bool, error) {
	valueStr, exists := os.LookupEnv(name)
	if !exists {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, &InvalidValueError{Name: name, Value: valueStr, Err: err}
	}
	return value, nil
}

// lookupSeconds reads a whole number of seconds.
func lookupSeconds(name string, defaultSeconds int) (time.Duration, error) {
	seconds, err := lookupInt(name, defaultSeconds)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// applyConfigFile overlays the YAML file named by CONFIG_FILE onto target.
// ${VAR} references in the file are expanded from the environment first.
func applyConfigFile(target interface{}) error {
	path, exists := os.LookupEnv("CONFIG_FILE")
	if !exists || path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return decodeYAML(data, target)
}

func decodeYAML(data []byte, target interface{}) error {
	expanded := os.Expand(string(data), func(name string) string {
		value, _ := os.LookupEnv(name)
		return value
	})
	if err := yaml.Unmarshal([]byte(expanded), target); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
