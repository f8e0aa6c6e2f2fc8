// Package env reads typed settings from the process environment. An unset
// variable yields the default; a set but malformed one is an error naming
// the variable.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func String(key string, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func lookup[T any](key string, def T, parse func(string) (T, error)) (T, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	out, err := parse(strings.TrimSpace(v))
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parse %s: %w", key, err)
	}
	return out, nil
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	return lookup(key, def, time.ParseDuration)
}

func Bool(key string, def bool) (bool, error) {
	return lookup(key, def, strconv.ParseBool)
}

func Int(key string, def int) (int, error) {
	return lookup(key, def, strconv.Atoi)
}
