package cron

import (
	"fmt"
	"strconv"
	"strings"
)

var weekdayNames = [7]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

var monthNames = [13]string{"", "January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December"}

// Describe renders a best-effort English description of a cron expression.
// Common shapes get a friendly sentence; anything else falls back to a
// field-by-field rendering. It never fails: unparseable input is echoed back.
func Describe(expr string) string {
	s, err := Parse(expr)
	if err != nil {
		return expr
	}

	min, minOK := s.Minute.single()
	hour, hourOK := s.Hour.single()
	dom, domOK := s.DayMonth.single()
	dow, dowOK := s.DayWeek.single()

	allWild := s.DayMonth.Wildcard && s.Month.Wildcard && s.DayWeek.Wildcard

	switch {
	// "0 9 * * *": daily at a fixed time
	case minOK && hourOK && allWild:
		return fmt.Sprintf("Daily at %02d:%02d", hour, min)

	// "0 9 * * 1": weekly on one weekday
	case minOK && hourOK && s.DayMonth.Wildcard && s.Month.Wildcard && dowOK:
		return fmt.Sprintf("Weekly on %s at %02d:%02d", weekdayNames[dow], hour, min)

	// "0 9 15 * *": monthly on one day
	case minOK && hourOK && domOK && s.Month.Wildcard && s.DayWeek.Wildcard:
		return fmt.Sprintf("Monthly on day %d at %02d:%02d", dom, hour, min)

	// "0 * * * *": hourly at a fixed minute
	case minOK && s.Hour.Wildcard && allWild:
		if min == 0 {
			return "Every hour"
		}
		return fmt.Sprintf("Every hour at minute %d", min)

	// "0 */6 * * *": every N hours
	case minOK && allWild && s.Hour.step() > 1:
		return fmt.Sprintf("Every %d hours at minute %d", s.Hour.step(), min)

	// "*/15 * * * *": every N minutes
	case s.Hour.Wildcard && allWild && s.Minute.step() > 1:
		return fmt.Sprintf("Every %d minutes", s.Minute.step())
	}

	return genericDescribe(s)
}

func genericDescribe(s Schedule) string {
	var parts []string
	parts = append(parts, "At minute "+s.Minute.describe(nil))
	if !s.Hour.Wildcard {
		parts = append(parts, "hour "+s.Hour.describe(nil))
	}
	if !s.DayMonth.Wildcard {
		parts = append(parts, "day "+s.DayMonth.describe(nil))
	}
	if !s.Month.Wildcard {
		parts = append(parts, "in "+s.Month.describe(monthNames[:]))
	}
	if !s.DayWeek.Wildcard {
		parts = append(parts, "on "+s.DayWeek.describe(weekdayNames[:]))
	}
	return strings.Join(parts, ", ")
}

// single returns the field's value when it holds exactly one non-wildcard value.
func (f Field) single() (int, bool) {
	if f.Wildcard || len(f.Values) != 1 {
		return 0, false
	}
	return f.Values[0], true
}

// step returns the stride of the field's values when they form an arithmetic
// progression of at least two values, else 0.
func (f Field) step() int {
	if f.Wildcard || len(f.Values) < 2 {
		return 0
	}
	d := f.Values[1] - f.Values[0]
	for i := 2; i < len(f.Values); i++ {
		if f.Values[i]-f.Values[i-1] != d {
			return 0
		}
	}
	return d
}

func (f Field) describe(names []string) string {
	if f.Wildcard {
		return "every"
	}
	strs := make([]string, len(f.Values))
	for i, v := range f.Values {
		if names != nil && v < len(names) {
			strs[i] = names[v]
		} else {
			strs[i] = strconv.Itoa(v)
		}
	}
	return strings.Join(strs, ", ")
}
