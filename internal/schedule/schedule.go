// Package schedule parses a human-entered schedule string into a
// (kind, spec) pair and computes the next run time for it.
//
// Nine forms are recognized, tried in order: a raw cron expression, an
// interval ("every 5m"), a relative delay ("5m", "in 10 minutes"), a
// recurring calendar rule ("every day at 9am"), a relative day-and-time
// ("tomorrow at 3pm", "today at 9"), a bare time-of-day ("at 9pm"), and
// finally a fallback to whatever Go's time parser can make of the string.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// ErrUnparseable is returned when none of the recognized forms match.
var ErrUnparseable = errors.New("schedule: unparseable")

// Kind enumerates how a job's nextRunAt is recomputed after a run.
type Kind string

const (
	KindAt    Kind = "at"
	KindEvery Kind = "every"
	KindCron  Kind = "cron"
)

var (
	reCron        = regexp.MustCompile(`(?i)^cron\s+(.+)$`)
	reEveryDur    = regexp.MustCompile(`(?i)^every\s+(\d+)\s*(s|sec|secs|second|seconds|m|min|mins|minute|minutes|h|hr|hrs|hour|hours|d|day|days)$`)
	reDur         = regexp.MustCompile(`(?i)^(\d+)\s*(s|sec|secs|second|seconds|m|min|mins|minute|minutes|h|hr|hrs|hour|hours|d|day|days)$`)
	reInDur       = regexp.MustCompile(`(?i)^in\s+(\d+)\s*(second|minute|hour|day|week)s?$`)
	reEveryCal    = regexp.MustCompile(`(?i)^every\s+(day|week|month|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\s+at\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	reTomorrow    = regexp.MustCompile(`(?i)^tomorrow\s*(?:at)?\s*(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	reToday       = regexp.MustCompile(`(?i)^today\s*(?:at)?\s*(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
	reBareTime    = regexp.MustCompile(`(?i)^(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)$`)
)

var weekdayNum = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

// Parse maps a human schedule string to a (kind, spec) pair as of `now`.
// spec's meaning depends on kind: for "at" it is an absolute epoch-ms
// timestamp rendered as a decimal string; for "every" a duration in
// milliseconds rendered as a decimal string; for "cron" a 5-field
// expression.
func Parse(s string, now time.Time) (Kind, string, error) {
	s = strings.TrimSpace(s)

	if m := reCron.FindStringSubmatch(s); m != nil {
		expr := strings.TrimSpace(m[1])
		gx := gronx.New()
		if !gx.IsValid(expr) {
			return "", "", fmt.Errorf("%w: invalid cron expression %q", ErrUnparseable, expr)
		}
		return KindCron, expr, nil
	}

	if m := reEveryDur.FindStringSubmatch(s); m != nil {
		d, err := parseDurationUnit(m[1], m[2])
		if err != nil {
			return "", "", err
		}
		return KindEvery, strconv.FormatInt(d.Milliseconds(), 10), nil
	}

	if m := reDur.FindStringSubmatch(s); m != nil {
		d, err := parseDurationUnit(m[1], m[2])
		if err != nil {
			return "", "", err
		}
		at := now.Add(d)
		return KindAt, strconv.FormatInt(at.UnixMilli(), 10), nil
	}

	if m := reInDur.FindStringSubmatch(s); m != nil {
		d, err := parseDurationUnit(m[1], normalizeLongUnit(m[2]))
		if err != nil {
			return "", "", err
		}
		at := now.Add(d)
		return KindAt, strconv.FormatInt(at.UnixMilli(), 10), nil
	}

	if m := reEveryCal.FindStringSubmatch(s); m != nil {
		expr, err := everyCalToCron(m[1], m[2], m[3], m[4])
		if err != nil {
			return "", "", err
		}
		return KindCron, expr, nil
	}

	if m := reTomorrow.FindStringSubmatch(s); m != nil {
		at, err := atDay(now.AddDate(0, 0, 1), m[1], m[2], m[3], false)
		if err != nil {
			return "", "", err
		}
		return KindAt, strconv.FormatInt(at.UnixMilli(), 10), nil
	}

	if m := reToday.FindStringSubmatch(s); m != nil {
		at, err := atDay(now, m[1], m[2], m[3], true)
		if err != nil {
			return "", "", err
		}
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return KindAt, strconv.FormatInt(at.UnixMilli(), 10), nil
	}

	if m := reBareTime.FindStringSubmatch(s); m != nil {
		at, err := atDay(now, m[1], m[2], m[3], true)
		if err != nil {
			return "", "", err
		}
		if !at.After(now) {
			at = at.AddDate(0, 0, 1)
		}
		return KindAt, strconv.FormatInt(at.UnixMilli(), 10), nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return KindAt, strconv.FormatInt(t.UnixMilli(), 10), nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, now.Location()); err == nil {
		return KindAt, strconv.FormatInt(t.UnixMilli(), 10), nil
	}

	return "", "", fmt.Errorf("%w: %q", ErrUnparseable, s)
}

func parseDurationUnit(numStr, unit string) (time.Duration, error) {
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", ErrUnparseable, numStr)
	}
	switch strings.ToLower(unit) {
	case "s", "sec", "secs", "second", "seconds":
		return time.Duration(n) * time.Second, nil
	case "m", "min", "mins", "minute", "minutes":
		return time.Duration(n) * time.Minute, nil
	case "h", "hr", "hrs", "hour", "hours":
		return time.Duration(n) * time.Hour, nil
	case "d", "day", "days":
		return time.Duration(n) * 24 * time.Hour, nil
	case "week", "weeks":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("%w: unknown unit %q", ErrUnparseable, unit)
	}
}

func normalizeLongUnit(u string) string {
	return u
}

// atDay resolves "<H>[:MM] [am|pm]" onto the given reference day.
func atDay(ref time.Time, hourStr, minStr, ampm string, allowBareHour bool) (time.Time, error) {
	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad hour %q", ErrUnparseable, hourStr)
	}
	min := 0
	if minStr != "" {
		min, err = strconv.Atoi(minStr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: bad minute %q", ErrUnparseable, minStr)
		}
	}
	switch strings.ToLower(ampm) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	default:
		if !allowBareHour && hour > 23 {
			return time.Time{}, fmt.Errorf("%w: hour out of range %q", ErrUnparseable, hourStr)
		}
	}
	if hour < 0 || hour > 23 || min < 0 || min > 59 {
		return time.Time{}, fmt.Errorf("%w: time out of range", ErrUnparseable)
	}
	return time.Date(ref.Year(), ref.Month(), ref.Day(), hour, min, 0, 0, ref.Location()), nil
}

// everyCalToCron derives a 5-field cron expression from a recurring
// calendar rule: "every day|week|month|<weekday> at H[:MM] [am|pm]".
func everyCalToCron(unit, hourStr, minStr, ampm string) (string, error) {
	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return "", fmt.Errorf("%w: bad hour %q", ErrUnparseable, hourStr)
	}
	min := 0
	if minStr != "" {
		min, _ = strconv.Atoi(minStr)
	}
	switch strings.ToLower(ampm) {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour < 0 || hour > 23 || min < 0 || min > 59 {
		return "", fmt.Errorf("%w: time out of range", ErrUnparseable)
	}

	unit = strings.ToLower(unit)
	switch unit {
	case "day":
		return fmt.Sprintf("%d %d * * *", min, hour), nil
	case "week", "monday":
		return fmt.Sprintf("%d %d * * 1", min, hour), nil
	case "month":
		return fmt.Sprintf("%d %d 1 * *", min, hour), nil
	default:
		if dow, ok := weekdayNum[unit]; ok {
			return fmt.Sprintf("%d %d * * %d", min, hour, dow), nil
		}
		return "", fmt.Errorf("%w: unknown calendar unit %q", ErrUnparseable, unit)
	}
}

// NextRunOf computes the next run timestamp (epoch ms) for a parsed
// (kind, spec) pair: for "at", the stored instant, or `from` itself once
// that instant has passed; for "every", `from` plus the interval; for
// "cron", the first tick strictly after `from`. Monotonic in `from` for all
// three kinds.
func NextRunOf(kind Kind, spec string, from time.Time) (*int64, error) {
	switch kind {
	case KindAt:
		atMS, err := strconv.ParseInt(spec, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("at schedule: bad spec %q: %w", spec, err)
		}
		fromMS := from.UnixMilli()
		next := atMS
		if fromMS > next {
			next = fromMS
		}
		return &next, nil
	case KindEvery:
		everyMS, err := strconv.ParseInt(spec, 10, 64)
		if err != nil || everyMS <= 0 {
			return nil, fmt.Errorf("every schedule: bad spec %q", spec)
		}
		next := from.UnixMilli() + everyMS
		return &next, nil
	case KindCron:
		next, err := gronx.NextTickAfter(spec, from, false)
		if err != nil {
			return nil, fmt.Errorf("cron schedule: %w", err)
		}
		ms := next.UnixMilli()
		return &ms, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrUnparseable, kind)
	}
}
