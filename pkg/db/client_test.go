package db

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/db/dbtest"
	"github.com/angelmondragon/billing-backend/pkg/logger"
)

type testModel struct {
	ID   int
	Name string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn := dbtest.Open(t)
	if err := conn.AutoMigrate(&testModel{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return conn
}

func TestWithTx_CommitsAndRollbacks(t *testing.T) {
	db := newTestDB(t)
	client := NewFromGorm(db)

	ctx := context.Background()
	if err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testModel{Name: "committed"}).Error
	}); err != nil {
		t.Fatalf("WithTx commit failed: %v", err)
	}

	var count int64
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&testModel{Name: "rolled"}).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected WithTx to return an error")
	}
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed after rollback: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected rollback to leave 1 record, got %d", count)
	}
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	db := newTestDB(t)
	client := NewFromGorm(db)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = client.WithTx(context.Background(), func(tx *gorm.DB) error {
			if err := tx.Create(&testModel{Name: "lost"}).Error; err != nil {
				return err
			}
			panic("gateway client exploded")
		})
	}()

	var count int64
	if err := db.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected panic to roll back, got %d rows", count)
	}
}

func TestNewOpensSQLiteFileWithPragmas(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "db-test", Format: logger.FormatJSON, Output: buf})
	dsn := filepath.Join(t.TempDir(), "billing.db")

	client, err := New(context.Background(), config.DBConfig{Driver: DriverSQLite, DSN: dsn, MaxOpenConns: 2}, logg)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	var enabled int
	if err := client.DB().Raw("PRAGMA foreign_keys").Scan(&enabled).Error; err != nil {
		t.Fatalf("read pragma: %v", err)
	}
	if enabled != 1 {
		t.Fatalf("expected foreign keys on, got %d", enabled)
	}
	if !strings.Contains(buf.String(), "database connection established") {
		t.Fatalf("expected connection log, got %s", buf.String())
	}
	if _, err := New(context.Background(), config.DBConfig{}, logg); err == nil {
		t.Fatal("expected DSN error")
	}
}

func TestWithSQLitePragmas(t *testing.T) {
	cases := []struct {
		dsn      string
		contains []string
		missing  []string
	}{
		{dsn: "billing.db", contains: []string{"_foreign_keys=1", "_journal_mode=WAL", "_busy_timeout=5000"}},
		{dsn: "file:x?mode=memory&cache=shared", contains: []string{"_foreign_keys=1", "mode=memory"}, missing: []string{"_journal_mode"}},
		{dsn: "billing.db?_busy_timeout=100", contains: []string{"_busy_timeout=100"}, missing: []string{"_busy_timeout=5000"}},
	}
	for _, tc := range cases {
		got := withSQLitePragmas(tc.dsn)
		for _, want := range tc.contains {
			if !strings.Contains(got, want) {
				t.Fatalf("%s: expected %q in %q", tc.dsn, want, got)
			}
		}
		for _, unwanted := range tc.missing {
			if strings.Contains(got, unwanted) {
				t.Fatalf("%s: did not expect %q in %q", tc.dsn, unwanted, got)
			}
		}
	}
}

func TestQueryLoggerReportsFailuresAndSlowStatements(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "db-test", Format: logger.FormatJSON, Output: buf})
	ql := newQueryLogger(logg, 10*time.Millisecond, false)
	ctx := logg.WithTransactionID(context.Background(), "tx-9")
	sql := func() (string, int64) { return "UPDATE billing_transactions SET status = 'COMPLETED'", 0 }

	ql.Trace(ctx, time.Now(), sql, gorm.ErrRecordNotFound)
	ql.Trace(ctx, time.Now(), sql, nil)
	if buf.Len() != 0 {
		t.Fatalf("expected quiet log for fast or missing-row statements, got %s", buf.String())
	}

	ql.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	if !strings.Contains(buf.String(), "db.query_slow") || !strings.Contains(buf.String(), `"transaction_id":"tx-9"`) {
		t.Fatalf("expected slow query entry, got %s", buf.String())
	}

	buf.Reset()
	ql.Trace(ctx, time.Now(), sql, errors.New("database is locked"))
	if !strings.Contains(buf.String(), "db.query_failed") {
		t.Fatalf("expected failure entry, got %s", buf.String())
	}

	buf.Reset()
	ql.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), sql, errors.New("ignored"))
	if buf.Len() != 0 {
		t.Fatalf("silent mode should log nothing, got %s", buf.String())
	}
}

func TestPingAndDialect(t *testing.T) {
	client := NewFromGorm(newTestDB(t))
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
	if client.Dialect() != DriverSQLite {
		t.Fatalf("expected sqlite dialect, got %q", client.Dialect())
	}
}

func TestSchemaRejectsSecondActiveSubscription(t *testing.T) {
	conn := newTestDB(t)
	insert := `INSERT INTO user_subscriptions (id, user_id, tariff_plan_id, status, started_at) VALUES (?, 'u1', 'p1', ?, CURRENT_TIMESTAMP)`
	if err := conn.Exec(insert, "s1", "ACTIVE").Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := conn.Exec(insert, "s2", "EXPIRED").Error; err != nil {
		t.Fatalf("expired insert: %v", err)
	}
	err := conn.Exec(insert, "s3", "ACTIVE").Error
	if !IsUniqueViolation(err, "") {
		t.Fatalf("expected unique violation, got %v", err)
	}
}
