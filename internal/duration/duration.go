// Package duration parses human-readable timeout values.
//
// Session timeouts arrive from config files, environment variables and flags.
// Users write them as bare seconds ("1800") or with a unit suffix ("30m",
// "2h"), which reads better than forcing everyone to multiply by sixty.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
)

var pattern = regexp.MustCompile(`^(\d+)([smhd]?)$`)

// ParseSeconds parses a timeout value into whole seconds. A bare number is
// seconds; the suffixes s, m, h and d scale it. "0" disables.
func ParseSeconds(s string) (int, error) {
	matches := pattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid timeout: %s (use 1800, 30m, 2h or 1d)", s)
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		// Regex ensures digits only, but handle error for correctness
		return 0, fmt.Errorf("invalid number: %w", err)
	}

	switch matches[2] {
	case "", "s":
		return num, nil
	case "m":
		return num * 60, nil
	case "h":
		return num * 3600, nil
	default: // "d"
		return num * 86400, nil
	}
}
