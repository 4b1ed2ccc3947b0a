// Package timespec parses the --since and --until flags of the CLI.
package timespec

import (
	"errors"
	"fmt"
	"time"
)

// Parse reads spec as an RFC3339 timestamp or as a duration before now.
// "90m" is ninety minutes ago; "2026-01-02T15:04:05Z" is that instant.
func Parse(spec string, now time.Time) (time.Time, error) {
	if spec == "" {
		return time.Time{}, errors.New("empty time specification")
	}
	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative duration: %s", spec)
		}
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid time specification: %s (use a duration like '1h30m' or RFC3339 like '2026-01-02T15:04:05Z')", spec)
}

// Range is a closed time window. A zero bound is open.
type Range struct {
	Since time.Time
	Until time.Time
}

// ParseRange parses optional --since and --until values.
func ParseRange(since, until string, now time.Time) (Range, error) {
	var r Range
	var err error
	if since != "" {
		if r.Since, err = Parse(since, now); err != nil {
			return Range{}, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if r.Until, err = Parse(until, now); err != nil {
			return Range{}, fmt.Errorf("invalid --until: %w", err)
		}
	}
	if !r.Since.IsZero() && !r.Until.IsZero() && !r.Since.Before(r.Until) {
		return Range{}, errors.New("--since must be before --until")
	}
	return r, nil
}

// IsZero reports whether both bounds are open.
func (r Range) IsZero() bool {
	return r.Since.IsZero() && r.Until.IsZero()
}

// Contains reports whether t falls inside the window.
func (r Range) Contains(t time.Time) bool {
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && t.After(r.Until) {
		return false
	}
	return true
}
