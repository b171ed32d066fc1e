package scheduler

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDuration is wrapped by every ParseDelay failure.
var ErrInvalidDuration = errors.New("scheduler: invalid duration")

var delayUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseDelay parses "<integer><unit>" with unit s, m, h or d, for example
// "30m" or "2d". The magnitude must be a positive base-10 integer.
func ParseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	unit, ok := delayUnits[toLowerASCII(s[len(s)-1])]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit in %q (use s, m, h or d)", ErrInvalidDuration, s)
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidDuration, s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %q must be positive", ErrInvalidDuration, s)
	}
	if n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q is too large", ErrInvalidDuration, s)
	}
	return time.Duration(n) * unit, nil
}

func toLowerASCII(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}
