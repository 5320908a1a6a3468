// Package utils provides shared helpers used across the conductor
// outside internal/ — code a CLI or an embedding program links against
// directly.
package utils

import (
	"fmt"

	"github.com/synnergy-labs/conductor/internal/cerr"
)

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapConfigError is Wrap for the config-loading paths in pkg/config:
// the result carries cerr.ConfigError so a caller that only knows how to
// switch on cerr.Kind (internal/conductor/rpc.go's JSON-RPC error table,
// for one) still classifies a bad config file correctly even though it
// was loaded from outside internal/conductor.
func WrapConfigError(err error, message string) error {
	if err == nil {
		return nil
	}
	return cerr.Wrap(err, cerr.ConfigError, message)
}
