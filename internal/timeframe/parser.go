package timeframe

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var offsetPattern = regexp.MustCompile(`^([+-])(\d{2}):(\d{2})$`)

// parseDateWithDefault parses a YYYY-MM-DD date, falling back to
// defaultDate's calendar day when the input is empty or invalid.
func parseDateWithDefault(dateStr string, defaultDate time.Time) time.Time {
	if dateStr == "" {
		return defaultDate
	}
	date, err := time.Parse(DateLayout, dateStr)
	if err != nil {
		return defaultDate
	}
	return date
}

// Window dates are wall clock values; they are kept in UTC so no DST
// transition can shift them.
func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}

// parseOffset parses "±HH:MM" into seconds east of UTC.
func parseOffset(tz string) (int, bool) {
	m := offsetPattern.FindStringSubmatch(tz)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[2])
	minutes, _ := strconv.Atoi(m[3])
	if hours > 14 || minutes > 59 {
		return 0, false
	}
	offset := hours*3600 + minutes*60
	if m[1] == "-" {
		offset = -offset
	}
	return offset, true
}

func formatOffset(seconds int) string {
	sign := '+'
	if seconds < 0 {
		sign = '-'
		seconds = -seconds
	}
	return fmt.Sprintf("%c%02d:%02d", sign, seconds/3600, (seconds%3600)/60)
}
