package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errThingMissing = New(KindNotFound, "thing_not_found")

func TestWrapKeepsSentinelAndKind(t *testing.T) {
	err := Wrap("thing.get", errThingMissing)

	require.Error(t, err)
	assert.ErrorIs(t, err, errThingMissing)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, "thing_not_found", CodeOf(err))
	assert.Equal(t, "thing.get: thing_not_found", err.Error())
}

func TestPersistence(t *testing.T) {
	raw := errors.New("connection reset")

	err := Persistence("invoice.insert", raw)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, raw)
	assert.Equal(t, KindPersistence, KindOf(err))

	same := Persistence("invoice.insert", errThingMissing)
	assert.Same(t, errThingMissing, same)

	assert.NoError(t, Persistence("noop", nil))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindPartialBatchFailure, KindOf(fmt.Errorf("run: %w", ErrPartialBatchFailure)))
	assert.Equal(t, KindValidation, KindOf(Validationf("bad_year", "year %d", 12)))
}
