package utils

import (
	"database/sql/driver"
	"errors"
	"os"
	"strings"
)

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}

// EnvironmentVariables returns the process environment as a map.
func EnvironmentVariables() map[string]string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}
	return env
}

// RawMessage is a raw JSON column value that scans from both []byte and string.
type RawMessage []byte

func (r *RawMessage) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = nil
	case []byte:
		buf := make([]byte, len(v))
		copy(buf, v)
		*r = buf
	case string:
		*r = []byte(v)
	default:
		return errors.New("unsupported type for RawMessage")
	}
	return nil
}

func (r RawMessage) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return []byte(r), nil
}
