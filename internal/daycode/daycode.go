// Package daycode implements the YYYYMMDD calendar-day identifiers used to
// index occurrences.
//
// A Code is only meaningful together with the reference frame it was derived
// in: UTC for all-day events, the display location for timed events. Codes
// order correctly as integers, but adding to them does not produce valid
// days; use Next and Prev to walk the calendar.
package daycode

import (
	"fmt"
	"strconv"
	"time"
)

// Code is an 8-digit YEAR*10000 + MONTH*100 + DAY day identifier.
type Code int32

// New builds a Code from calendar components. It does not normalize: use
// Valid to check the result.
func New(year int, month time.Month, day int) Code {
	return Code(year*10000 + int(month)*100 + day)
}

// FromTime returns the day containing t in loc. A nil loc means UTC.
func FromTime(t time.Time, loc *time.Location) Code {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return New(y, m, d)
}

// Span returns the first and last day touched by [start, end). All-day
// instances are evaluated in UTC, timed ones in loc. An end that falls exactly
// on midnight is exclusive, so a one-day all-day event covers a single day.
func Span(start, end time.Time, allDay bool, loc *time.Location) (Code, Code) {
	if allDay || loc == nil {
		loc = time.UTC
	}
	first := FromTime(start, loc)
	if !end.After(start) {
		return first, first
	}
	last := end.In(loc)
	if last.Hour() == 0 && last.Minute() == 0 && last.Second() == 0 && last.Nanosecond() == 0 {
		last = last.Add(-time.Nanosecond)
	}
	lastCode := FromTime(last, loc)
	if lastCode.Before(first) {
		return first, first
	}
	return first, lastCode
}

// Parse reads an 8-digit code and rejects impossible dates.
func Parse(s string) (Code, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("daycode: %q is not YYYYMMDD", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("daycode: %q is not YYYYMMDD: %w", s, err)
	}
	c := Code(n)
	if !c.Valid() {
		return 0, fmt.Errorf("daycode: %q is not a calendar day", s)
	}
	return c, nil
}

func (c Code) Year() int         { return int(c) / 10000 }
func (c Code) Month() time.Month { return time.Month(int(c) / 100 % 100) }
func (c Code) Day() int          { return int(c) % 100 }

// Valid reports whether c names a real calendar day.
func (c Code) Valid() bool {
	y, m, d := c.Year(), c.Month(), c.Day()
	if y < 1 || y > 9999 || m < time.January || m > time.December {
		return false
	}
	return d >= 1 && d <= daysIn(y, m)
}

// Next returns the following calendar day.
func (c Code) Next() Code {
	y, m, d := c.Year(), c.Month(), c.Day()
	if d < daysIn(y, m) {
		return New(y, m, d+1)
	}
	if m < time.December {
		return New(y, m+1, 1)
	}
	return New(y+1, time.January, 1)
}

// Prev returns the preceding calendar day.
func (c Code) Prev() Code {
	y, m, d := c.Year(), c.Month(), c.Day()
	if d > 1 {
		return New(y, m, d-1)
	}
	if m > time.January {
		return New(y, m-1, daysIn(y, m-1))
	}
	return New(y-1, time.December, 31)
}

func (c Code) Before(other Code) bool { return c < other }
func (c Code) After(other Code) bool  { return c > other }

// Time returns midnight of the day in loc.
func (c Code) Time(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(c.Year(), c.Month(), c.Day(), 0, 0, 0, 0, loc)
}

func (c Code) String() string {
	return fmt.Sprintf("%08d", int32(c))
}

// Each calls fn for every day in [first, last], stopping early when fn
// returns false.
func Each(first, last Code, fn func(Code) bool) {
	for d := first; !d.After(last); d = d.Next() {
		if !fn(d) {
			return
		}
	}
}

// Days collects [first, last] into a slice.
func Days(first, last Code) []Code {
	var out []Code
	Each(first, last, func(d Code) bool {
		out = append(out, d)
		return true
	})
	return out
}

func daysIn(year int, m time.Month) int {
	switch m {
	case time.February:
		if isLeap(year) {
			return 29
		}
		return 28
	case time.April, time.June, time.September, time.November:
		return 30
	default:
		return 31
	}
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
