// Package numbering hands out human-readable invoice numbers of the form
// INV-{year}-{seq}. Sequences are unique per year and never reused.
package numbering

import (
	"context"
	"time"

	"github.com/smallbiznis/propbill/internal/clock"
	"github.com/smallbiznis/propbill/pkg/apperr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	minYear = 1000
	maxYear = 9999
)

var (
	ErrInvalidYear   = apperr.New(apperr.KindValidation, "invalid_invoice_year")
	ErrInvalidNumber = apperr.New(apperr.KindValidation, "invalid_invoice_number")
)

// Sequence is the per-year counter row.
type Sequence struct {
	Year      int       `gorm:"primaryKey;autoIncrement:false"`
	LastValue int64     `gorm:"not null;default:0"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Sequence) TableName() string { return "invoice_sequences" }

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Allocator struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewAllocator(p Params) *Allocator {
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Allocator{
		db:    p.DB,
		log:   p.Log.Named("invoice.numbering"),
		clock: c,
	}
}

// Allocate reserves the next number for year. The increment commits on its own,
// so a number taken by a caller that later rolls back is skipped, never reissued.
func (a *Allocator) Allocate(ctx context.Context, year int) (string, error) {
	if year < minYear || year > maxYear {
		return "", ErrInvalidYear
	}

	var seq int64
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next, err := nextValue(tx, year, a.clock.Now())
		if err != nil {
			return err
		}
		seq = next
		return nil
	})
	if err != nil {
		return "", apperr.Persistence("invoice.numbering.allocate", err)
	}

	number, err := Format(year, seq)
	if err != nil {
		return "", err
	}
	a.log.Debug("invoice.number.allocated", zap.Int("year", year), zap.Int64("seq", seq), zap.String("number", number))
	return number, nil
}

// Peek returns the last value handed out for year, zero when none.
func (a *Allocator) Peek(ctx context.Context, year int) (int64, error) {
	var row Sequence
	err := a.db.WithContext(ctx).Where("year = ?", year).Limit(1).Find(&row).Error
	if err != nil {
		return 0, apperr.Persistence("invoice.numbering.peek", err)
	}
	return row.LastValue, nil
}

func nextValue(tx *gorm.DB, year int, now time.Time) (int64, error) {
	var next int64
	switch tx.Dialector.Name() {
	case "mysql":
		if err := tx.Exec(
			`INSERT INTO invoice_sequences (year, last_value, updated_at)
			 VALUES (?, LAST_INSERT_ID(1), ?)
			 ON DUPLICATE KEY UPDATE last_value = LAST_INSERT_ID(last_value + 1), updated_at = VALUES(updated_at)`,
			year,
			now,
		).Error; err != nil {
			return 0, err
		}
		if err := tx.Raw(`SELECT LAST_INSERT_ID()`).Scan(&next).Error; err != nil {
			return 0, err
		}
	default:
		if err := tx.Raw(
			`INSERT INTO invoice_sequences (year, last_value, updated_at)
			 VALUES (?, 1, ?)
			 ON CONFLICT (year) DO UPDATE
			 SET last_value = invoice_sequences.last_value + 1, updated_at = EXCLUDED.updated_at
			 RETURNING last_value`,
			year,
			now,
		).Scan(&next).Error; err != nil {
			return 0, err
		}
	}
	return next, nil
}
