// Package cronspec parses and evaluates classic 5-field cron expressions
// (minute hour day-of-month month day-of-week) in IANA timezones.
//
// Everything here is pure: results derive only from the arguments, never from
// the wall clock, so fire times stay independently testable.
package cronspec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrInvalidTimezone   = errors.New("invalid timezone")

	// ErrNeverFires is returned for expressions that are syntactically valid
	// but can never match a real date (e.g. "0 0 30 2 *").
	ErrNeverFires = errors.New("cron expression never fires")
)

// parser accepts exactly the classic crontab form. Seconds, @descriptors and
// TZ= prefixes are deliberately not supported; the timezone always travels as
// a separate argument.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func parse(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	fields := strings.Fields(trimmed)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w %q: expected 5 fields, found %d", ErrInvalidExpression, expr, len(fields))
	}
	// Reject smuggled TZ=/CRON_TZ= prefixes before robfig strips them.
	if strings.Contains(fields[0], "=") {
		return nil, fmt.Errorf("%w %q: timezone prefixes are not supported", ErrInvalidExpression, expr)
	}
	sched, err := parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidExpression, expr, err)
	}
	return sched, nil
}

func loadLocation(tz string) (*time.Location, error) {
	name := strings.TrimSpace(tz)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidTimezone, tz, err)
	}
	return loc, nil
}

// Validate checks expression syntax, field ranges and the timezone without
// computing anything.
func Validate(expr, tz string) error {
	if _, err := parse(expr); err != nil {
		return err
	}
	_, err := loadLocation(tz)
	return err
}

// Next returns the earliest instant strictly after the given one that matches
// the expression, evaluated in the given timezone. Day-of-month and
// day-of-week are OR-ed when both are restricted (standard cron rule).
func Next(expr, tz string, after time.Time) (time.Time, error) {
	sched, err := parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNeverFires, expr)
	}
	return next, nil
}

var dayNames = [...]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// Describe renders a best-effort human description of an expression.
// It never fails: anything it cannot phrase comes back verbatim.
func Describe(expr string) string {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return expr
	}
	min, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]
	if month != "*" {
		return expr
	}

	// Sub-hourly patterns.
	if hour == "*" && dom == "*" && dow == "*" {
		switch {
		case min == "*":
			return "every minute"
		case strings.HasPrefix(min, "*/"):
			if n, err := strconv.Atoi(min[2:]); err == nil && n > 0 {
				if n == 1 {
					return "every minute"
				}
				return fmt.Sprintf("every %d minutes", n)
			}
		default:
			if m, ok := atoiInRange(min, 0, 59); ok {
				return fmt.Sprintf("hourly at minute %d", m)
			}
		}
		return expr
	}

	m, okM := atoiInRange(min, 0, 59)
	h, okH := atoiInRange(hour, 0, 23)
	if !okM || !okH {
		return expr
	}
	at := fmt.Sprintf("%02d:%02d", h, m)

	switch {
	case dom == "*" && dow == "*":
		return "daily at " + at
	case dom == "*":
		days, ok := describeDays(dow)
		if !ok {
			return expr
		}
		return fmt.Sprintf("at %s on %s", at, days)
	case dow == "*":
		if d, ok := atoiInRange(dom, 1, 31); ok {
			return fmt.Sprintf("at %s on day %d of the month", at, d)
		}
	}
	return expr
}

func atoiInRange(s string, lo, hi int) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, false
	}
	return n, true
}

func describeDays(dow string) (string, bool) {
	parts := strings.Split(dow, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		n, ok := atoiInRange(p, 0, 6)
		if !ok {
			return "", false
		}
		names = append(names, dayNames[n])
	}
	return strings.Join(names, ", "), true
}
