package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/propbill/internal/recurring/schedule"
	"gorm.io/gorm"
)

// Expected pins the template state a caller read before deciding to advance it.
type Expected struct {
	NextRunDate          time.Time
	CompletedOccurrences int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, template *Template) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Template, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Template, error)
	// ListDue returns active templates with next_run_date <= asOf and id > afterID.
	ListDue(ctx context.Context, db *gorm.DB, asOf time.Time, afterID snowflake.ID, limit int) ([]Template, error)
	List(ctx context.Context, db *gorm.DB, activeOnly bool, afterID snowflake.ID, limit int) ([]Template, error)
	// Advance writes state only if the row still matches expected.
	Advance(ctx context.Context, db *gorm.DB, id snowflake.ID, expected Expected, state schedule.State, now time.Time) (bool, error)
	Retire(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
}
