package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Version is reported by the CLI in its log context.
const Version = "0.3.0"

// GetenvParser converts a raw environment value into T.
type GetenvParser[T any] func(raw string) (T, error)

func GetenvString(raw string) (string, error) { return raw, nil }

func GetenvFloat(raw string) (float64, error) { return strconv.ParseFloat(raw, 64) }

func GetenvBool(raw string) (bool, error) { return strconv.ParseBool(raw) }

func GetenvDuration(raw string) (time.Duration, error) { return time.ParseDuration(raw) }

// Getenv reads key and parses it. Missing optional keys yield def; missing
// required keys are an error.
func Getenv[T any](parse GetenvParser[T], key string, required bool, def T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			return def, fmt.Errorf("environment variable %s is required", key)
		}
		return def, nil
	}
	v, err := parse(raw)
	if err != nil {
		return def, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

func MustGetenv[T any](parse GetenvParser[T], key string, required bool, def T) T {
	v, err := Getenv(parse, key, required, def)
	if err != nil {
		panic(err)
	}
	return v
}
