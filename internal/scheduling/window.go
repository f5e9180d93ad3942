package scheduling

import (
	"fmt"
	"strings"
	"time"
)

// Clock is a time of day in minutes after midnight.
type Clock int

const clockLayout = "15:04"

// ParseClock parses "HH:mm".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse(clockLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: time %q is not HH:mm", ErrInvalidWindow, s)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// ParseDate accepts a calendar date ("2025-11-11") or an ISO 8601 timestamp
// ("2025-11-11T10:00", "2025-11-11 10:00"), keeping only the date part.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return DateOf(t), nil
	}
	if n := len(time.DateOnly); len(s) > n && (s[n] == 'T' || s[n] == ' ') {
		if t, err := time.Parse(time.DateOnly, s[:len(time.DateOnly)]); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: date %q is not ISO 8601", ErrInvalidWindow, s)
}

// DateOf truncates t to midnight UTC of its calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Window is a span of one calendar day.
type Window struct {
	Date  time.Time
	Start Clock
	End   Clock
}

func (w Window) Validate() error {
	if w.End <= w.Start {
		return ErrInvalidWindow
	}
	return nil
}

func (w Window) StartsAt() time.Time {
	return w.Date.Add(time.Duration(w.Start) * time.Minute)
}

func (w Window) EndsAt() time.Time {
	return w.Date.Add(time.Duration(w.End) * time.Minute)
}

// Overlaps reports whether two windows share any instant. Touching windows
// (one ends when the other starts) do not overlap.
func (w Window) Overlaps(o Window) bool {
	if !w.Date.Equal(o.Date) {
		return false
	}
	return w.Start < o.End && o.Start < w.End
}

// Split cuts the window into consecutive slots of length minutes anchored at
// Start. A tail shorter than one slot is dropped.
func (w Window) Split(length int) ([]Window, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, ErrInvalidWindow
	}

	n := int(w.End-w.Start) / length
	out := make([]Window, 0, n)
	for i := 0; i < n; i++ {
		start := w.Start + Clock(i*length)
		out = append(out, Window{Date: w.Date, Start: start, End: start + Clock(length)})
	}
	return out, nil
}
