// Package cron implements a 5-field cron evaluator: minute, hour,
// day-of-month, month, day-of-week. It supports wildcards, single values,
// lists (a,b,c), ranges (a-b), and steps (*/n, a/n, a-b/n). No seconds field
// and no @-descriptors.
package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidExpression is returned for malformed expressions: wrong
	// field count, out-of-bounds values, reversed ranges.
	ErrInvalidExpression = errors.New("invalid cron expression")

	// ErrNoMatch is returned when no matching instant exists within one
	// year of the start time, which only happens for self-contradictory
	// expressions such as minute 0 of day 31 in February.
	ErrNoMatch = errors.New("no matching time found within one year")
)

// field bounds, in field order: minute, hour, day-of-month, month, day-of-week.
var (
	fieldNames = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	fieldMin   = [5]int{0, 0, 1, 1, 0}
	fieldMax   = [5]int{59, 23, 31, 12, 6}
)

// Field is one parsed cron field. A nil or empty Values slice never occurs;
// a wildcard expands to every value in range with Wildcard set.
type Field struct {
	Wildcard bool
	Values   []int
}

// Contains reports whether v matches the field.
func (f Field) Contains(v int) bool {
	if f.Wildcard {
		return true
	}
	for _, x := range f.Values {
		if x == v {
			return true
		}
	}
	return false
}

// Schedule is a fully parsed cron expression.
type Schedule struct {
	Minute   Field
	Hour     Field
	DayMonth Field
	Month    Field
	DayWeek  Field

	expr string
}

// String returns the original expression text.
func (s Schedule) String() string { return s.expr }

// Parse splits expr into exactly five whitespace-separated fields and
// resolves each one. All errors wrap ErrInvalidExpression.
func Parse(expr string) (Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return Schedule{}, fmt.Errorf("%w: got %d fields, want 5", ErrInvalidExpression, len(parts))
	}

	var fields [5]Field
	for i, p := range parts {
		f, err := parseField(p, fieldMin[i], fieldMax[i])
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: %s field %q: %v", ErrInvalidExpression, fieldNames[i], p, err)
		}
		fields[i] = f
	}

	return Schedule{
		Minute:   fields[0],
		Hour:     fields[1],
		DayMonth: fields[2],
		Month:    fields[3],
		DayWeek:  fields[4],
		expr:     expr,
	}, nil
}

// parseField resolves one field against its [min,max] bounds.
func parseField(s string, min, max int) (Field, error) {
	if s == "*" {
		return Field{Wildcard: true, Values: rangeValues(min, max, 1)}, nil
	}

	// step: */n, a/n, a-b/n
	if base, stepStr, ok := strings.Cut(s, "/"); ok {
		step, err := strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return Field{}, fmt.Errorf("bad step %q", stepStr)
		}
		lo, hi := min, max
		switch {
		case base == "*":
			// full range
		case strings.Contains(base, "-"):
			var err error
			lo, hi, err = parseRange(base, min, max)
			if err != nil {
				return Field{}, err
			}
		default:
			start, err := parseValue(base, min, max)
			if err != nil {
				return Field{}, err
			}
			lo = start
		}
		return Field{Values: rangeValues(lo, hi, step)}, nil
	}

	// list: a,b,c where each element may itself be a range
	if strings.Contains(s, ",") {
		var vals []int
		for _, part := range strings.Split(s, ",") {
			if strings.Contains(part, "-") {
				lo, hi, err := parseRange(part, min, max)
				if err != nil {
					return Field{}, err
				}
				vals = append(vals, rangeValues(lo, hi, 1)...)
				continue
			}
			v, err := parseValue(part, min, max)
			if err != nil {
				return Field{}, err
			}
			vals = append(vals, v)
		}
		return Field{Values: vals}, nil
	}

	// range: a-b
	if strings.Contains(s, "-") {
		lo, hi, err := parseRange(s, min, max)
		if err != nil {
			return Field{}, err
		}
		return Field{Values: rangeValues(lo, hi, 1)}, nil
	}

	v, err := parseValue(s, min, max)
	if err != nil {
		return Field{}, err
	}
	return Field{Values: []int{v}}, nil
}

func parseValue(s string, min, max int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("value %d out of range [%d,%d]", v, min, max)
	}
	return v, nil
}

func parseRange(s string, min, max int) (int, int, error) {
	loStr, hiStr, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("bad range %q", s)
	}
	lo, err := parseValue(loStr, min, max)
	if err != nil {
		return 0, 0, err
	}
	hi, err := parseValue(hiStr, min, max)
	if err != nil {
		return 0, 0, err
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("range start %d after end %d", lo, hi)
	}
	return lo, hi, nil
}

func rangeValues(lo, hi, step int) []int {
	vals := make([]int, 0, (hi-lo)/step+1)
	for v := lo; v <= hi; v += step {
		vals = append(vals, v)
	}
	return vals
}

// Matches reports whether t satisfies every field of the schedule.
func (s Schedule) Matches(t time.Time) bool {
	return s.Minute.Contains(t.Minute()) &&
		s.Hour.Contains(t.Hour()) &&
		s.DayMonth.Contains(t.Day()) &&
		s.Month.Contains(int(t.Month())) &&
		s.DayWeek.Contains(int(t.Weekday()))
}

// Next returns the first instant strictly after from that matches the
// schedule. It truncates from to the following whole minute and scans
// minute-by-minute, bounded to one year so contradictory schedules terminate
// with ErrNoMatch.
func (s Schedule) Next(from time.Time) (time.Time, error) {
	t := from.Truncate(time.Minute).Add(time.Minute)
	limit := from.AddDate(1, 0, 0)
	for ; !t.After(limit); t = t.Add(time.Minute) {
		if s.Matches(t) {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q from %s", ErrNoMatch, s.expr, from.Format(time.RFC3339))
}

// Next parses expr and returns the first matching instant after from.
func Next(expr string, from time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from)
}

// Validate reports whether expr parses, with a human-readable reason when it
// does not.
func Validate(expr string) (bool, string) {
	if _, err := Parse(expr); err != nil {
		return false, err.Error()
	}
	return true, ""
}
