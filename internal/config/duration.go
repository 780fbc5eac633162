package config

import (
	"fmt"
	"strings"
	"time"
)

// DurationField parses an optional Go duration string from the config.
// Empty or whitespace-only input means unset and yields def; negative
// durations are rejected. The field name prefixes the error so validation
// messages point at the offending key.
func DurationField(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}
