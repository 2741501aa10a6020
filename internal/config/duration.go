package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means 0; negative
// values are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Duration returns the parsed value of raw, or 0 when it is empty or
// invalid. Validate has already rejected invalid values on loaded configs;
// components substitute their own defaults for 0.
func Duration(raw string) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil {
		return 0
	}
	return d
}
