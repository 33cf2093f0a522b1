package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"

	obscontext "github.com/smallbiznis/propbill/internal/observability/context"
)

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT", operationFromSQL("select * from invoices"))
	assert.Equal(t, "UPDATE", operationFromSQL("WITH due AS (select 1) UPDATE invoices SET status = 'OVERDUE'"))
	assert.Equal(t, "INSERT", operationFromSQL("  (INSERT INTO invoice_sequences"))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
	assert.Equal(t, "UNKNOWN", operationFromSQL("BEGIN"))
}

func TestOperationFromSQLSkipsCTEBodies(t *testing.T) {
	cases := []struct {
		sql  string
		want string
	}{
		{sql: "WITH due AS (SELECT id FROM invoices WHERE (due_date < ?)) UPDATE invoices SET status = 'OVERDUE'", want: "UPDATE"},
		{sql: "with a AS (select 1), b AS (select (2)) delete from invoice_line_items", want: "DELETE"},
		{sql: "WITH RECURSIVE seq(n) AS (SELECT 1 UNION ALL SELECT n+1 FROM seq) INSERT INTO t SELECT n FROM seq", want: "INSERT"},
		{sql: "WITH stale AS (UPDATE invoices SET status = 'OVERDUE' RETURNING id) SELECT count(*) FROM stale", want: "SELECT"},
		{sql: "SELECT * FROM (SELECT 1) AS sub", want: "SELECT"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, operationFromSQL(tc.sql), tc.sql)
	}
}

func TestGormLoggerTraceErrorCarriesRunFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGormLogger(zap.New(core), DefaultGormLoggerConfig())

	ctx := obscontext.WithJob(context.Background(), "overdue_sweep")
	ctx = obscontext.WithRunID(ctx, "42")

	l.Trace(ctx, time.Now(), func() (string, int64) {
		return "UPDATE invoices SET status = ?", 0
	}, errors.New("boom"))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "gorm.query", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "overdue_sweep", fields["job"])
	assert.Equal(t, "42", fields["run_id"])
	assert.Equal(t, "UPDATE", fields["operation"])
}

func TestGormLoggerIgnoresRecordNotFound(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGormLogger(zap.New(core), DefaultGormLoggerConfig())

	l.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT * FROM invoices", 0
	}, gormlogger.ErrRecordNotFound)

	assert.Empty(t, logs.All())
}

func TestGormLoggerSilent(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewGormLogger(zap.New(core), DefaultGormLoggerConfig()).LogMode(gormlogger.Silent)

	l.Trace(context.Background(), time.Now(), func() (string, int64) {
		return "SELECT 1", 1
	}, errors.New("boom"))

	assert.Empty(t, logs.All())
}
