package reload

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// MinCheckIntervalMs is the floor applied to a parsed check-interval
// duration, mirroring the original unit parser's MIN_CHECK_INTERVAL_MS.
const MinCheckIntervalMs = 1000

// DefaultReloadTimeout and DefaultCheckInterval mirror
// proxy.config.admin.reload.timeout and
// proxy.config.admin.reload.check_interval's defaults.
const (
	DefaultReloadTimeout  = "1h"
	DefaultCheckInterval  = "2s"
)

// ParseDuration parses a single number-plus-unit token (no whitespace, no
// compound durations like Go's "1h30m") into a time.Duration. Supported
// units: ns, us, ms, s, m, h, d. A bare number with no unit is treated as
// milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, errors.New("reload: empty duration")
	}

	i := len(s)
	for i > 0 && !isDigit(s[i-1]) {
		i--
	}
	numPart, unitPart := s[:i], s[i:]
	if numPart == "" {
		return 0, errors.Errorf("reload: invalid duration %q", s)
	}

	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "reload: invalid duration %q", s)
	}

	var unit time.Duration
	switch unitPart {
	case "ns":
		unit = time.Nanosecond
	case "us":
		unit = time.Microsecond
	case "", "ms":
		unit = time.Millisecond
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	default:
		return 0, errors.Errorf("reload: unknown duration unit %q in %q", unitPart, s)
	}

	return time.Duration(n * float64(unit)), nil
}

// ParseCheckInterval parses s like ParseDuration but floors the result at
// MinCheckIntervalMs, matching the original's guard against a
// misconfigured, too-eager progress-checker tick.
func ParseCheckInterval(s string) (time.Duration, error) {
	d, err := ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < MinCheckIntervalMs*time.Millisecond {
		return MinCheckIntervalMs * time.Millisecond, nil
	}
	return d, nil
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9' || b == '.'
}
