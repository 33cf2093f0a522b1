package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall time so jobs and lifecycle transitions can be tested.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New returns the wall clock in UTC.
func New() Clock { return systemClock{} }

var Module = fx.Module("clock",
	fx.Provide(New),
)

// Date truncates t to its calendar date at 00:00 UTC. Dates in the billing
// domain are always compared through this form.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today is Date(c.Now()).
func Today(c Clock) time.Time {
	return Date(c.Now())
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, err
	}
	return Date(t), nil
}
