package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// durationUnits maps every accepted unit spelling to its length.
// Units are matched case-insensitively.
var durationUnits = map[string]time.Duration{
	"s":       time.Second,
	"sec":     time.Second,
	"sek":     time.Second,
	"second":  time.Second,
	"seconds": time.Second,
	"m":       time.Minute,
	"min":     time.Minute,
	"minute":  time.Minute,
	"minutes": time.Minute,
	"h":       time.Hour,
	"hour":    time.Hour,
	"hours":   time.Hour,
	"godzina": time.Hour,
	"d":       24 * time.Hour,
	"day":     24 * time.Hour,
	"days":    24 * time.Hour,
	"w":       7 * 24 * time.Hour,
	"week":    7 * 24 * time.Hour,
	"weeks":   7 * 24 * time.Hour,
}

var durationToken = regexp.MustCompile(`([0-9]+)\s*([a-zA-Z]+)`)

// ParseDuration parses human-friendly durations like "10h", "30min",
// "45sek" and combined forms like "2h 15min 30sek". Every number must
// carry a unit; zero or negative totals are invalid.
func ParseDuration(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty duration")
	}

	matches := durationToken.FindAllStringSubmatchIndex(trimmed, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var total time.Duration
	last := 0
	for _, m := range matches {
		if strings.TrimSpace(trimmed[last:m[0]]) != "" {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		last = m[1]

		value, err := strconv.ParseInt(trimmed[m[2]:m[3]], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		unit := strings.ToLower(trimmed[m[4]:m[5]])
		size, ok := durationUnits[unit]
		if !ok {
			return 0, fmt.Errorf("unknown duration unit %q in %q", unit, s)
		}
		total += time.Duration(value) * size
	}
	if strings.TrimSpace(trimmed[last:]) != "" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return total, nil
}
