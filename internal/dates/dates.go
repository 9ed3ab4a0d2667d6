// Package dates provides the date-only values the pipeline plans and stores
// with. Bills and interval readings are keyed by civil dates, never by
// timestamps; everything here is timezone-free and UTC-anchored.
package dates

import (
	"time"

	"github.com/rotisserie/eris"
)

// Layout is the canonical wire format for dates.
const Layout = "2006-01-02"

// Date is a civil date with no time component. The zero value is invalid and
// reads as "0001-01-01".
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// New builds a Date from components. Components are normalized the way
// time.Date normalizes them (Feb 30 becomes Mar 1/2).
func New(year int, month time.Month, day int) Date {
	return FromTime(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// FromTime truncates a timestamp to its UTC civil date.
func FromTime(t time.Time) Date {
	y, m, d := t.UTC().Date()
	return Date{Year: y, Month: m, Day: d}
}

// Today returns the current UTC civil date.
func Today() Date {
	return FromTime(time.Now())
}

// Parse parses a date in the canonical YYYY-MM-DD layout.
func Parse(s string) (Date, error) {
	t, err := time.Parse(Layout, s)
	if err != nil {
		return Date{}, eris.Wrapf(err, "dates: parse %q", s)
	}
	return FromTime(t), nil
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the date shifted by n days (n may be negative).
func (d Date) AddDays(n int) Date {
	return FromTime(d.Time().AddDate(0, 0, n))
}

// Before reports whether d is strictly before other.
func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

// After reports whether d is strictly after other.
func (d Date) After(other Date) bool {
	return d.Time().After(other.Time())
}

// IsZero reports whether d is the zero value.
func (d Date) IsZero() bool {
	return d == Date{}
}

// DaysUntil returns the number of days from d to other (negative if other is
// earlier).
func (d Date) DaysUntil(other Date) int {
	return int(other.Time().Sub(d.Time()) / (24 * time.Hour))
}

func (d Date) String() string {
	return d.Time().Format(Layout)
}

// MarshalText implements encoding.TextMarshaler so Date works as a JSON
// value and as a JSON map key.
func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Window is an inclusive date range [Start, End].
type Window struct {
	Start Date `json:"start"`
	End   Date `json:"end"`
}

// NewWindow builds a window, erroring if start is after end.
func NewWindow(start, end Date) (Window, error) {
	if start.After(end) {
		return Window{}, eris.Errorf("dates: window start %s after end %s", start, end)
	}
	return Window{Start: start, End: end}, nil
}

// Days returns the number of days in the window (inclusive).
func (w Window) Days() int {
	return w.Start.DaysUntil(w.End) + 1
}

// Contains reports whether other lies entirely within w.
func (w Window) Contains(other Window) bool {
	return !other.Start.Before(w.Start) && !other.End.After(w.End)
}

// ContainsDate reports whether d falls within w.
func (w Window) ContainsDate(d Date) bool {
	return !d.Before(w.Start) && !d.After(w.End)
}

// StrictlyContains reports whether other lies within w and w is larger.
func (w Window) StrictlyContains(other Window) bool {
	return w.Contains(other) && w != other
}

// Overlaps reports whether the two windows share at least one day.
func (w Window) Overlaps(other Window) bool {
	return !w.End.Before(other.Start) && !other.End.Before(w.Start)
}

func (w Window) String() string {
	return w.Start.String() + ".." + w.End.String()
}

// Each calls fn for every date in the window in ascending order.
func (w Window) Each(fn func(Date)) {
	for d := w.Start; !d.After(w.End); d = d.AddDays(1) {
		fn(d)
	}
}

// Plan computes the effective scrape window from a requested one. The end is
// clamped to yesterday (portals close out a day after it ends), and a missing
// start defaults to end minus lookbackDays.
func Plan(requested Window, lookbackDays int, today Date) (Window, error) {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}

	yesterday := today.AddDays(-1)
	end := requested.End
	if end.IsZero() || end.After(yesterday) {
		end = yesterday
	}

	start := requested.Start
	if start.IsZero() {
		start = end.AddDays(-lookbackDays)
	}
	if start.After(end) {
		return Window{}, eris.Errorf("dates: planned window is empty: start %s, end %s", start, end)
	}

	return Window{Start: start, End: end}, nil
}
