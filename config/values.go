package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/magiconair/properties"
)

// Error reports a property that is missing or cannot be used.
type Error struct {
	Key    string
	Value  string
	Reason string
}

func (e *Error) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config: %s=%q: %s", e.Key, e.Value, e.Reason)
}

func lookup(p *properties.Properties, key string) (string, bool) {
	v, ok := p.Get(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// String returns the value of key or def when it is unset or blank.
func String(p *properties.Properties, key, def string) string {
	if v, ok := lookup(p, key); ok {
		return v
	}
	return def
}

// RequiredString returns the value of key or an *Error when it is unset.
func RequiredString(p *properties.Properties, key string) (string, error) {
	v, ok := lookup(p, key)
	if !ok {
		return "", &Error{Key: key, Reason: "missing required value"}
	}
	return v, nil
}

// Int returns key as an int, def when unset, and an *Error when malformed.
func Int(p *properties.Properties, key string, def int) (int, error) {
	v, ok := lookup(p, key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &Error{Key: key, Value: v, Reason: "not an integer"}
	}
	return n, nil
}

// RequiredInt is Int without a default.
func RequiredInt(p *properties.Properties, key string) (int, error) {
	if _, ok := lookup(p, key); !ok {
		return 0, &Error{Key: key, Reason: "missing required value"}
	}
	return Int(p, key, 0)
}

// Int64 is Int for values that may exceed 32 bits, such as byte sizes.
func Int64(p *properties.Properties, key string, def int64) (int64, error) {
	v, ok := lookup(p, key)
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &Error{Key: key, Value: v, Reason: "not an integer"}
	}
	return n, nil
}

// Bool accepts true and false in any case.
func Bool(p *properties.Properties, key string, def bool) (bool, error) {
	v, ok := lookup(p, key)
	if !ok {
		return def, nil
	}
	switch strings.ToLower(v) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, &Error{Key: key, Value: v, Reason: "not a boolean"}
}

// Millis reads key as a count of milliseconds.
func Millis(p *properties.Properties, key string, def time.Duration) (time.Duration, error) {
	n, err := Int64(p, key, int64(def/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

// AtLeast returns an *Error when n is below min.
func AtLeast(key string, n, min int64) error {
	if n < min {
		return &Error{Key: key, Value: strconv.FormatInt(n, 10), Reason: fmt.Sprintf("must be at least %d", min)}
	}
	return nil
}

// AtMost returns an *Error when n is above max.
func AtMost(key string, n, max int64) error {
	if n > max {
		return &Error{Key: key, Value: strconv.FormatInt(n, 10), Reason: fmt.Sprintf("must be at most %d", max)}
	}
	return nil
}

// Port returns an *Error unless n is a usable TCP or UDP port.
func Port(key string, n int) error {
	if n < 1 || n > 65535 {
		return &Error{Key: key, Value: strconv.Itoa(n), Reason: "not a valid port"}
	}
	return nil
}
