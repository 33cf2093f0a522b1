package numbering

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/propbill/internal/clock"
	"github.com/smallbiznis/propbill/pkg/apperr"
	"github.com/smallbiznis/propbill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	db := dbtest.Open(t, &Sequence{})
	return NewAllocator(Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)),
	})
}

func TestAllocateSequential(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()

	first, err := a.Allocate(ctx, 2024)
	require.NoError(t, err)
	second, err := a.Allocate(ctx, 2024)
	require.NoError(t, err)
	other, err := a.Allocate(ctx, 2025)
	require.NoError(t, err)

	assert.Equal(t, "INV-2024-0001", first)
	assert.Equal(t, "INV-2024-0002", second)
	assert.Equal(t, "INV-2025-0001", other)

	last, err := a.Peek(ctx, 2024)
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestAllocateConcurrentDistinct(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()

	const n = 40
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = make(map[string]struct{}, n)
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			number, err := a.Allocate(ctx, 2024)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			numbers[number] = struct{}{}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, numbers, n)
	for number := range numbers {
		assert.Regexp(t, `^INV-2024-\d{4}$`, number)
		year, seq, err := Parse(number)
		require.NoError(t, err)
		assert.Equal(t, 2024, year)
		assert.GreaterOrEqual(t, seq, int64(1))
		assert.LessOrEqual(t, seq, int64(n))
	}
}

func TestAllocateRejectsInvalidYear(t *testing.T) {
	a := newTestAllocator(t)

	_, err := a.Allocate(context.Background(), 999)
	assert.ErrorIs(t, err, ErrInvalidYear)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = a.Allocate(context.Background(), 10000)
	assert.ErrorIs(t, err, ErrInvalidYear)
}

func TestFormatAndParse(t *testing.T) {
	got, err := Format(2024, 7)
	require.NoError(t, err)
	assert.Equal(t, "INV-2024-0007", got)

	got, err = Format(2024, 12345)
	require.NoError(t, err)
	assert.Equal(t, "INV-2024-12345", got)

	_, err = Format(2024, 0)
	assert.Error(t, err)

	year, seq, err := Parse(got)
	require.NoError(t, err)
	assert.Equal(t, 2024, year)
	assert.Equal(t, int64(12345), seq)

	for _, bad := range []string{"", "INV-24-0001", "INV-2024-001", "inv-2024-0001", "INV-2024-0000"} {
		_, _, err := Parse(bad)
		assert.ErrorIs(t, err, ErrInvalidNumber, bad)
	}
}

func TestFormatTemplate(t *testing.T) {
	got, err := FormatTemplate(DefaultTemplate, 2024, 7)
	require.NoError(t, err)
	assert.Equal(t, "INV-2024-0007", got)

	got, err = FormatTemplate("PB{YY}/{SEQ}", 2024, 42)
	require.NoError(t, err)
	assert.Equal(t, "PB24/42", got)

	_, err = FormatTemplate("INV-{MM}-{SEQ}", 2024, 1)
	assert.Error(t, err)

	_, err = FormatTemplate(DefaultTemplate, 2024, 0)
	assert.Error(t, err)
}

func TestAllocateRendersDefaultTemplate(t *testing.T) {
	a := newTestAllocator(t)
	ctx := context.Background()

	number, err := a.Allocate(ctx, 2024)
	require.NoError(t, err)

	want, err := FormatTemplate(DefaultTemplate, 2024, 1)
	require.NoError(t, err)
	assert.Equal(t, want, number)

	year, seq, err := Parse(number)
	require.NoError(t, err)
	assert.Equal(t, 2024, year)
	assert.Equal(t, int64(1), seq)
}
