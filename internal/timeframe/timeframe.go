// Package timeframe provides the date window every report is scoped to,
// and the SQL expressions that compare stored timestamps against it.
package timeframe

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	// DateLayout is the accepted input format for window dates.
	DateLayout = "2006-01-02"
	// SQLLayout matches the output of SQLite's datetime().
	SQLLayout = "2006-01-02 15:04:05"
	// LocalTime is the timezone sentinel for the server's local zone.
	LocalTime = "local time"
)

type TimeProvider interface {
	Now(loc *time.Location) time.Time
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

func (p *DefaultTimeProvider) Now(loc *time.Location) time.Time {
	return time.Now().In(loc)
}

// Granularity is the size of a time bucket in trend queries.
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// ParseGranularity accepts the bucket names used by the reporting API,
// including the plural forms. Unknown values yield day.
func ParseGranularity(s string) Granularity {
	switch s {
	case "hour", "hours":
		return GranularityHour
	case "week", "weeks":
		return GranularityWeek
	case "month", "months":
		return GranularityMonth
	default:
		return GranularityDay
	}
}

// TimeWindow is an inclusive range of calendar days plus the timezone in
// which stored timestamps are compared against it. The zero value is not
// useful; use NewTimeWindow.
type TimeWindow struct {
	from     time.Time
	to       time.Time
	timezone string
	offset   int // seconds east of UTC, ignored for local time
	logger   *slog.Logger
}

type WindowOption func(*windowOptions)

type windowOptions struct {
	provider TimeProvider
	logger   *slog.Logger
}

// WithClock overrides the source of "today".
func WithClock(provider TimeProvider) WindowOption {
	return func(o *windowOptions) {
		if provider != nil {
			o.provider = provider
		}
	}
}

// WithLogger sets the logger used to report ignored timezones.
func WithLogger(logger *slog.Logger) WindowOption {
	return func(o *windowOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewTimeWindow builds a window from two YYYY-MM-DD dates. A date that
// does not parse is replaced by today, and reversed dates are swapped.
// The window starts at 00:00:00 and ends at 23:59:59 and compares in
// local time until WithTimezone says otherwise.
func NewTimeWindow(fromDate, toDate string, opts ...WindowOption) TimeWindow {
	o := windowOptions{provider: &DefaultTimeProvider{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	today := o.provider.Now(time.Local)
	from := parseDateWithDefault(fromDate, today)
	to := parseDateWithDefault(toDate, today)
	if from.After(to) {
		from, to = to, from
	}

	return TimeWindow{
		from:     startOfDay(from),
		to:       endOfDay(to),
		timezone: LocalTime,
		logger:   o.logger,
	}
}

// WithTimezone returns a copy of the window that compares timestamps in
// tz. Accepted are "±HH:MM" offsets, the LocalTime sentinel and IANA zone
// names, which are pinned to their offset on the window's first day.
// Anything else is logged and falls back to local time. An empty tz keeps
// the current setting.
func (w TimeWindow) WithTimezone(tz string) TimeWindow {
	if tz == "" {
		return w
	}

	if tz == LocalTime {
		w.timezone, w.offset = LocalTime, 0
		return w
	}

	if offset, ok := parseOffset(tz); ok {
		w.timezone, w.offset = formatOffset(offset), offset
		return w
	}

	if loc, err := time.LoadLocation(tz); err == nil {
		_, offset := time.Date(w.from.Year(), w.from.Month(), w.from.Day(), 12, 0, 0, 0, loc).Zone()
		w.timezone, w.offset = formatOffset(offset), offset
		return w
	}

	if w.logger != nil {
		w.logger.Warn("Ignoring unrecognized timezone, using local time", slog.String("timezone", tz))
	}
	w.timezone, w.offset = LocalTime, 0
	return w
}

// From is the first second of the window as a wall clock date.
func (w TimeWindow) From() time.Time { return w.from }

// To is the last second of the window as a wall clock date.
func (w TimeWindow) To() time.Time { return w.to }

// Timezone is either a "±HH:MM" offset or LocalTime.
func (w TimeWindow) Timezone() string { return w.timezone }

// IsLocal reports whether comparisons use the server's local zone.
func (w TimeWindow) IsLocal() bool { return w.timezone == LocalTime }

// SingleDay reports whether the window covers exactly one calendar day.
func (w TimeWindow) SingleDay() bool {
	return w.from.Format(DateLayout) == w.to.Format(DateLayout)
}

// Granularity picks hourly buckets for a single day and daily otherwise.
func (w TimeWindow) Granularity() Granularity {
	if w.SingleDay() {
		return GranularityHour
	}
	return GranularityDay
}

// Bounds returns the window boundaries formatted for comparison with
// Adjust expressions.
func (w TimeWindow) Bounds() (string, string) {
	return w.from.Format(SQLLayout), w.to.Format(SQLLayout)
}

// Adjust converts a stored UTC timestamp column into the window's wall
// clock. Every comparison against Bounds and every bucket expression must
// go through Adjust so both sides share one offset.
func (w TimeWindow) Adjust(column string) string {
	if w.IsLocal() {
		return fmt.Sprintf("datetime(%s, 'localtime')", column)
	}
	if w.offset == 0 {
		return fmt.Sprintf("datetime(%s)", column)
	}
	return fmt.Sprintf("datetime(%s, '%+d minutes')", column, w.offset/60)
}

// Condition returns "<adjusted column> BETWEEN ? AND ?" with its arguments.
func (w TimeWindow) Condition(column string) (string, []any) {
	from, to := w.Bounds()
	return fmt.Sprintf("%s BETWEEN ? AND ?", w.Adjust(column)), []any{from, to}
}

// BucketExpression groups column into buckets of g in the window's zone.
func (w TimeWindow) BucketExpression(g Granularity, column string) string {
	adjusted := w.Adjust(column)
	switch g {
	case GranularityHour:
		return fmt.Sprintf("strftime('%%Y-%%m-%%d %%H:00', %s)", adjusted)
	case GranularityWeek:
		return fmt.Sprintf("strftime('%%Y-W%%W', %s)", adjusted)
	case GranularityMonth:
		return fmt.Sprintf("strftime('%%Y-%%m', %s)", adjusted)
	default:
		return fmt.Sprintf("date(%s)", adjusted)
	}
}

// Buckets lists every bucket key of g inside the window, in order, using
// the same formatting as BucketExpression. Reports use it to fill gaps.
func (w TimeWindow) Buckets(g Granularity) []string {
	var keys []string
	seen := make(map[string]bool)

	step := func(t time.Time) time.Time {
		if g == GranularityHour {
			return t.Add(time.Hour)
		}
		return t.AddDate(0, 0, 1)
	}

	start := w.from
	for t := start; !t.After(w.to); t = step(t) {
		key := BucketKey(g, t)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}

// BucketKey formats t the way BucketExpression formats a stored value.
func BucketKey(g Granularity, t time.Time) string {
	switch g {
	case GranularityHour:
		return t.Format("2006-01-02 15:00")
	case GranularityWeek:
		return fmt.Sprintf("%04d-W%02d", t.Year(), mondayWeek(t))
	case GranularityMonth:
		return t.Format("2006-01")
	default:
		return t.Format(DateLayout)
	}
}

// mondayWeek mirrors SQLite's %W: weeks start on Monday and days before
// the first Monday of the year are week 00.
func mondayWeek(t time.Time) int {
	yday := t.YearDay() - 1
	wday := int(t.Weekday())
	return (yday + 7 - (wday+6)%7) / 7
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("%s..%s (%s)", w.from.Format(DateLayout), w.to.Format(DateLayout), w.timezone)
}
