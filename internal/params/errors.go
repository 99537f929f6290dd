package params

import "fmt"

// ConfigError reports a malformed parameter declaration or value.
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: parameter %q %s", e.Key, e.Reason)
}

// KeyNotFoundError reports a lookup of a parameter that was never set.
type KeyNotFoundError struct {
	Name string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("parameter %q not set", e.Name)
}
