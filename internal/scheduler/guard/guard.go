package guard

import (
	"time"

	"github.com/smallbiznis/propbill/internal/recurring/domain"
)

// EnsureTemplateStillDue re-checks a template read under lock against the state
// the job saw when it decided to generate an invoice. Any drift means another
// run already handled it.
func EnsureTemplateStillDue(current *domain.Template, expected domain.Expected, asOf time.Time) error {
	if current == nil {
		return domain.ErrTemplateNotFound
	}
	if !current.IsActive || current.NextRunDate == nil {
		return domain.ErrTemplateStale
	}
	next := current.NextRunDate.UTC()
	if !sameDay(next, expected.NextRunDate) || current.CompletedOccurrences != expected.CompletedOccurrences {
		return domain.ErrTemplateStale
	}
	if next.After(asOf) {
		return domain.ErrTemplateStale
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
