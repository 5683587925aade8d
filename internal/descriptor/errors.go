package descriptor

import (
	"errors"
	"fmt"
)

// ErrConfiguration is the sentinel matched by every ConfigurationError.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError reports a descriptor or build configuration that cannot
// be used as written. It is never retried.
type ConfigurationError struct {
	Source string
	Msg    string
}

func (e *ConfigurationError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("%s: %s", ErrConfiguration, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfiguration, e.Source, e.Msg)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// Configurationf builds a ConfigurationError attributed to source.
func Configurationf(source, format string, args ...any) error {
	return &ConfigurationError{Source: source, Msg: fmt.Sprintf(format, args...)}
}
