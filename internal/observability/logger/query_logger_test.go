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
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestDescribeSQL(t *testing.T) {
	cases := []struct {
		sql   string
		op    string
		table string
	}{
		{sql: `SELECT id FROM invoice_ledger_entries WHERE org_id = ?`, op: "SELECT", table: "invoice_ledger_entries"},
		{sql: `INSERT INTO "credit_note_ledger_entries" (id) VALUES (?)`, op: "INSERT", table: "credit_note_ledger_entries"},
		{sql: `UPDATE sales SET invoice_external_id = ?`, op: "UPDATE", table: "sales"},
		{sql: `DELETE FROM audit_logs WHERE id = ?`, op: "DELETE", table: "audit_logs"},
		{sql: ``, op: "UNKNOWN", table: ""},
	}
	for _, tc := range cases {
		op, table := describeSQL(tc.sql)
		assert.Equal(t, tc.op, op, tc.sql)
		assert.Equal(t, tc.table, table, tc.sql)
	}
}

func TestQueryLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()
	ctx := context.Background()
	l := NewQueryLogger(DefaultQueryLoggerConfig())
	query := func() (string, int64) { return "UPDATE sales SET x = 1", 1 }

	l.Trace(ctx, time.Now(), query, gorm.ErrDuplicatedKey)
	l.Trace(ctx, time.Now(), query, errors.New("connection reset"))
	l.Trace(ctx, time.Now(), query, nil)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "sales", entries[1].ContextMap()["table"])

	logs.TakeAll()
	l.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), query, errors.New("boom"))
	assert.Zero(t, logs.Len())
}
