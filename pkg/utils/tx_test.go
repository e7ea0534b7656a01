package utils

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenSQLite(context.Background(), SQLiteConfig{Path: filepath.Join(t.TempDir(), "tx.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`CREATE TABLE t (v INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	return db
}

func count(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func insert(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO t (v) VALUES (1)`)
	return err
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	db := openTestDB(t)
	if err := WithTx(context.Background(), db, nil, insert); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if n := count(t, db); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db := openTestDB(t)
	boom := errors.New("boom")
	err := WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := insert(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n := count(t, db); n != 0 {
		t.Fatalf("expected rollback, got %d rows", n)
	}
}

func TestWithTx_RollbackAndRethrowOnPanic(t *testing.T) {
	db := openTestDB(t)
	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
			_ = insert(ctx, tx)
			panic("boom")
		})
	}()
	if n := count(t, db); n != 0 {
		t.Fatalf("expected rollback, got %d rows", n)
	}
}

func TestOpenPostgres_RequiresDSN(t *testing.T) {
	if _, err := OpenPostgres(context.Background(), "pgx", "", PostgresPoolConfig{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestPostgresPoolConfig_IdleNeverExceedsOpen(t *testing.T) {
	got := PostgresPoolConfig{MaxOpenConns: 4, MaxIdleConns: 9}.withDefaults()
	if got.MaxIdleConns != 2 {
		t.Fatalf("expected idle capped to 2, got %d", got.MaxIdleConns)
	}
	if d := (PostgresPoolConfig{}).withDefaults(); d.MaxOpenConns != 10 || d.MaxIdleConns != 5 {
		t.Fatalf("unexpected defaults: %+v", d)
	}
}
