package models

import (
	"fmt"
	"sort"
	"time"
)

// DateLayout is the wire and storage format for calendar dates.
const DateLayout = "2006-01-02"

// DateOf truncates t to its calendar date at UTC midnight. All dates used as
// map keys or compared for equality must pass through DateOf first.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the calendar date n days after d.
func AddDays(d time.Time, n int) time.Time {
	return DateOf(d).AddDate(0, 0, n)
}

// DaysBetween returns the number of whole calendar days from `from` to `to`.
// The result is negative when `to` is before `from`.
func DaysBetween(from, to time.Time) int {
	return int(DateOf(to).Sub(DateOf(from)).Hours() / 24)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
	}
	return DateOf(t), nil
}

// FormatDate renders a date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return DateOf(t).Format(DateLayout)
}

// DateRange returns every date from `from` to `to` inclusive.
func DateRange(from, to time.Time) []time.Time {
	from, to = DateOf(from), DateOf(to)
	if to.Before(from) {
		return nil
	}
	out := make([]time.Time, 0, DaysBetween(from, to)+1)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// UniqueDates normalizes, de-duplicates and sorts dates ascending.
func UniqueDates(dates []time.Time) []time.Time {
	seen := make(map[time.Time]struct{}, len(dates))
	out := make([]time.Time, 0, len(dates))
	for _, d := range dates {
		d = DateOf(d)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// DateBounds returns the earliest and latest of dates. ok is false for an empty slice.
func DateBounds(dates []time.Time) (min, max time.Time, ok bool) {
	for i, d := range dates {
		d = DateOf(d)
		if i == 0 || d.Before(min) {
			min = d
		}
		if i == 0 || d.After(max) {
			max = d
		}
	}
	return min, max, len(dates) > 0
}
