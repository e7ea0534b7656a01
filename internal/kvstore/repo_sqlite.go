package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crm-callsync/pkg/utils"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
  namespace  TEXT NOT NULL,
  key        TEXT NOT NULL,
  value      TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (namespace, key)
)`

// SQLite persists namespaces in a single kv table so every register
// survives process restarts.
type SQLite struct {
	db     *sql.DB
	notify *notifier
	clock  func() time.Time
}

// NewSQLite creates the kv table if needed.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, err
	}
	return &SQLite{db: db, notify: newNotifier(), clock: time.Now}, nil
}

func (s *SQLite) Get(ctx context.Context, ns, key string) (string, bool, error) {
	if ns == "" {
		return "", false, ErrInvalidNamespace
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE namespace = ? AND key = ?`, ns, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLite) All(ctx context.Context, ns string) (map[string]string, error) {
	if ns == "" {
		return nil, ErrInvalidNamespace
	}
	return readNamespace(ctx, s.db, ns)
}

func (s *SQLite) Update(ctx context.Context, ns string, fn func(values map[string]string) error) error {
	if ns == "" {
		return ErrInvalidNamespace
	}
	changed := false
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		before, err := readNamespace(ctx, tx, ns)
		if err != nil {
			return err
		}
		values := copyMap(before)
		if err := fn(values); err != nil {
			return err
		}
		if sameMap(before, values) {
			return nil
		}
		changed = true

		now := s.clock().UnixMilli()
		for k := range before {
			if _, ok := values[k]; ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, ns, k); err != nil {
				return err
			}
		}
		for k, v := range values {
			if old, ok := before[k]; ok && old == v {
				continue
			}
			const q = `
INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
			if _, err := tx.ExecContext(ctx, q, ns, k, v, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		s.notify.notify(ns)
	}
	return nil
}

func (s *SQLite) Observe(ctx context.Context, ns string) <-chan struct{} {
	return s.notify.subscribe(ctx, ns)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readNamespace(ctx context.Context, q queryer, ns string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM kv WHERE namespace = ?`, ns)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
