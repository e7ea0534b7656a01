package leads

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"crm-callsync/pkg/utils"
)

// ActionStore is the durable FIFO behind the offline action queue.
type ActionStore interface {
	Insert(ctx context.Context, a PendingAction) (PendingAction, error)
	// List returns every action, oldest first.
	List(ctx context.Context) ([]PendingAction, error)
	Delete(ctx context.Context, id int64) error
	IncrementRetry(ctx context.Context, id int64) error
	Count(ctx context.Context) (int64, error)
}

const pendingActionsSchema = `
CREATE TABLE IF NOT EXISTS pending_actions (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  lead_id         INTEGER NOT NULL,
  action_type     TEXT NOT NULL,
  payload         TEXT NOT NULL,
  created_at      INTEGER NOT NULL,
  retry_count     INTEGER NOT NULL DEFAULT 0,
  idempotency_key TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS pending_actions_created_idx ON pending_actions (created_at, id)`

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, pendingActionsSchema); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, a PendingAction) (PendingAction, error) {
	const q = `
INSERT INTO pending_actions (lead_id, action_type, payload, created_at, retry_count, idempotency_key)
VALUES (?, ?, ?, ?, ?, ?)
`
	res, err := s.db.ExecContext(ctx, q, a.LeadID, string(a.Type), string(a.Payload), a.CreatedAt.UnixMilli(), a.RetryCount, a.IdempotencyKey)
	if err != nil {
		return PendingAction{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return PendingAction{}, err
	}
	a.ID = id
	return a, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]PendingAction, error) {
	const q = `
SELECT id, lead_id, action_type, payload, created_at, retry_count, idempotency_key
FROM pending_actions
ORDER BY created_at ASC, id ASC
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingAction
	for rows.Next() {
		var (
			a         PendingAction
			typ       string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.LeadID, &typ, &payload, &createdAt, &a.RetryCount, &a.IdempotencyKey); err != nil {
			return nil, err
		}
		a.Type = ActionType(typ)
		a.Payload = []byte(payload)
		a.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) IncrementRetry(ctx context.Context, id int64) error {
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE pending_actions SET retry_count = retry_count + 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}
