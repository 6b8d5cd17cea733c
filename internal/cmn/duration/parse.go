// Package duration parses the test duration notation used in metadata.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var unitPattern = regexp.MustCompile(`^(\d+)([dhms])$`)

// Parse parses a duration string consisting of whitespace-separated
// components with d/h/m/s units (e.g. "1d 2h 30m", "5m", "90s").
// A "N * duration" prefix multiplies the rest of the expression, so
// "2 * 1h" yields two hours. Multipliers may be chained.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	multiplier := 1
	parts := strings.Split(s, "*")
	for _, factor := range parts[:len(parts)-1] {
		n, err := strconv.Atoi(strings.TrimSpace(factor))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration multiplier %q", strings.TrimSpace(factor))
		}
		multiplier *= n
	}

	var total time.Duration
	for _, field := range strings.Fields(parts[len(parts)-1]) {
		m := unitPattern.FindStringSubmatch(field)
		if m == nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		var unit time.Duration
		switch m[2] {
		case "d":
			unit = 24 * time.Hour
		case "h":
			unit = time.Hour
		case "m":
			unit = time.Minute
		case "s":
			unit = time.Second
		}
		total += time.Duration(n) * unit
	}

	return time.Duration(multiplier) * total, nil
}
