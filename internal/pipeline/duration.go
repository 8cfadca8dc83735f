package pipeline

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// timespanPattern matches "[-][d.]hh:mm[:ss[.fffffff]]"
var timespanPattern = regexp.MustCompile(`^(-)?(?:(\d+)\.)?(\d{1,2}):(\d{1,2})(?::(\d{1,2})(?:\.(\d{1,7}))?)?$`)

// maxDays keeps a clock-style span within time.Duration
const maxDays = math.MaxInt64 / int64(24*time.Hour)

// ParseDuration accepts Go durations ("1m30s") and clock-style spans
// ("00:01:30", "1.02:00:00"). Negative values parse; callers validate.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	m := timespanPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var parseErr error
	atoi := func(v string) int64 {
		if v == "" {
			return 0
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil && parseErr == nil {
			parseErr = err
		}
		return n
	}

	days, hours, minutes, seconds := atoi(m[2]), atoi(m[3]), atoi(m[4]), atoi(m[5])
	if parseErr != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, parseErr)
	}
	if hours > 23 || minutes > 59 || seconds > 59 {
		return 0, fmt.Errorf("invalid duration %q: field out of range", s)
	}
	// 23:59:59.9999999 on top of maxDays still fits
	if days >= maxDays {
		return 0, fmt.Errorf("invalid duration %q: too many days", s)
	}

	d := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second
	if frac := m[6]; frac != "" {
		// seven digits of ticks, 100ns each
		frac += strings.Repeat("0", 7-len(frac))
		d += time.Duration(atoi(frac)) * 100 * time.Nanosecond
	}
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}
