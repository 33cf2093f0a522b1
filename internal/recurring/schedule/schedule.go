// Package schedule computes run dates and retirement decisions for recurring
// templates. Everything here is pure.
package schedule

import (
	"time"

	"github.com/smallbiznis/propbill/pkg/apperr"
)

type Frequency string

const (
	FrequencyWeekly    Frequency = "WEEKLY"
	FrequencyMonthly   Frequency = "MONTHLY"
	FrequencyQuarterly Frequency = "QUARTERLY"
	FrequencyYearly    Frequency = "YEARLY"
)

var ErrInvalidFrequency = apperr.New(apperr.KindValidation, "invalid_frequency")

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return true
	}
	return false
}

// Plan is the scheduling part of a template.
type Plan struct {
	Frequency            Frequency
	NextRunDate          *time.Time
	EndDate              *time.Time
	Occurrences          *int
	CompletedOccurrences int
}

// State is the scheduling outcome persisted after a run. NextRunDate is nil
// exactly when IsActive is false.
type State struct {
	NextRunDate          *time.Time
	CompletedOccurrences int
	IsActive             bool
}

// NextDate returns base advanced by one period. Month arithmetic clamps to the
// last day of the target month.
func NextDate(base time.Time, f Frequency) (time.Time, error) {
	switch f {
	case FrequencyWeekly:
		return base.AddDate(0, 0, 7), nil
	case FrequencyMonthly:
		return addMonthsClamped(base, 1), nil
	case FrequencyQuarterly:
		return addMonthsClamped(base, 3), nil
	case FrequencyYearly:
		return addMonthsClamped(base, 12), nil
	default:
		return time.Time{}, ErrInvalidFrequency
	}
}

// Advance counts the occurrence just generated and computes the next state. The
// retirement check runs after counting, so a cap of N yields exactly N runs.
func Advance(p Plan) (State, error) {
	if p.NextRunDate == nil {
		return State{}, apperr.Validationf("missing_next_run_date", "template has no next run date")
	}
	candidate, err := NextDate(*p.NextRunDate, p.Frequency)
	if err != nil {
		return State{}, err
	}

	completed := p.CompletedOccurrences + 1
	retire := (p.EndDate != nil && candidate.After(*p.EndDate)) ||
		(p.Occurrences != nil && completed >= *p.Occurrences)
	if retire {
		return State{CompletedOccurrences: completed}, nil
	}
	return State{NextRunDate: &candidate, CompletedOccurrences: completed, IsActive: true}, nil
}

// ShouldRetireBeforeRun reports whether a due template must be retired without
// generating an invoice dated asOf.
func ShouldRetireBeforeRun(p Plan, asOf time.Time) bool {
	if p.EndDate != nil && asOf.After(*p.EndDate) {
		return true
	}
	if p.Occurrences != nil && p.CompletedOccurrences >= *p.Occurrences {
		return true
	}
	return false
}

func addMonthsClamped(base time.Time, months int) time.Time {
	y, m, d := base.Date()
	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, base.Location())
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d,
		base.Hour(), base.Minute(), base.Second(), base.Nanosecond(), base.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
