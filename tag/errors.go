package tag

import (
	"errors"
	"fmt"
)

// ErrPackedBitWrite is returned for a single-bit write into a packed boolean
// array. Only whole-word writes are supported for packed arrays.
var ErrPackedBitWrite = errors.New("single-bit write into packed boolean array is not supported")

// ConfigError reports an invalid address or index found while loading
// configuration. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// DecodeError reports a malformed raw value. Callers treat it as a type
// mismatch.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "decode: " + e.Reason
}
