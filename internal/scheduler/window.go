package scheduler

import (
	"fmt"
	"time"
)

// Window is the daily trading session in UTC, Monday to Friday.
type Window struct {
	StartHour int `yaml:"start_hour"`
	EndHour   int `yaml:"end_hour"`
}

// DefaultWindow is the London morning session.
func DefaultWindow() Window { return Window{StartHour: 9, EndHour: 14} }

func (w Window) Validate() error {
	if w.StartHour < 0 || w.EndHour > 24 || w.StartHour >= w.EndHour {
		return fmt.Errorf("trading window %02d:00-%02d:00 is invalid", w.StartHour, w.EndHour)
	}
	return nil
}

// Contains reports whether now falls inside the session. The end hour is exclusive.
func (w Window) Contains(now time.Time) bool {
	now = now.UTC()
	if !weekday(now) {
		return false
	}
	h := now.Hour()
	return h >= w.StartHour && h < w.EndHour
}

// Until returns the wait until the next session opens, or 0 inside a session.
func (w Window) Until(now time.Time) time.Duration {
	now = now.UTC()
	if w.Contains(now) {
		return 0
	}
	y, m, d := now.Date()
	next := time.Date(y, m, d, w.StartHour, 0, 0, 0, time.UTC)
	if !now.Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	for !weekday(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// Close returns the end of the session containing now.
func (w Window) Close(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, w.EndHour, 0, 0, 0, time.UTC)
}

func weekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
