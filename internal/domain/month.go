package domain

import "time"

const monthKeyLayout = "2006-01"

// Window is an inclusive calendar month range in the location of the
// timestamp it was derived from.
type Window struct {
	Start time.Time
	End   time.Time
}

// MonthWindow returns the first instant of t's month and the last
// nanosecond of its last day, both in t's own location.
func MonthWindow(t time.Time) Window {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return Window{Start: start, End: end}
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

func (w Window) Key() string {
	return w.Start.Format(monthKeyLayout)
}

// MonthKey is the bucket eligibility and booking agree on, e.g. "2025-06".
func MonthKey(t time.Time) string {
	return MonthWindow(t).Key()
}
