package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrParse is returned for delay strings that do not match <integer><m|h|d>.
var ErrParse = errors.New("invalid delay")

var delayPattern = regexp.MustCompile(`(?i)^(\d+)\s*([mhd])$`)

// ParseDelayMinutes converts a relative delay such as "10m", "2h" or "3d" into minutes.
// The parser does not enforce an upper bound.
func ParseDelayMinutes(s string) (int64, error) {
	m := delayPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrParse, s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrParse, s)
	}

	var factor int64
	switch strings.ToLower(m[2]) {
	case "m":
		factor = 1
	case "h":
		factor = 60
	case "d":
		factor = 24 * 60
	}
	if n > (1<<62)/factor {
		return 0, fmt.Errorf("%w: %q overflows", ErrParse, s)
	}
	return n * factor, nil
}
