package devapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crm-callsync/internal/calls"
	"crm-callsync/internal/phone"
	"crm-callsync/pkg/utils"
)

// PostgresStore keeps backend state in Postgres through database/sql
// (driver "pgx"). Tables are created on first use.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS leads (
  id           BIGSERIAL PRIMARY KEY,
  name         TEXT NOT NULL,
  phone        TEXT NOT NULL,
  phone_digits TEXT NOT NULL,
  status       TEXT NOT NULL,
  created_at   TIMESTAMPTZ NOT NULL,
  updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS leads_phone_digits_idx ON leads (phone_digits);

CREATE TABLE IF NOT EXISTS lead_notes (
  id         BIGSERIAL PRIMARY KEY,
  lead_id    BIGINT NOT NULL REFERENCES leads (id),
  agent_id   TEXT NOT NULL,
  body       TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS lead_followups (
  id         BIGSERIAL PRIMARY KEY,
  lead_id    BIGINT NOT NULL REFERENCES leads (id),
  agent_id   TEXT NOT NULL,
  due_at     TIMESTAMPTZ NOT NULL,
  note       TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS call_logs (
  id                  BIGSERIAL PRIMARY KEY,
  agent_id            TEXT NOT NULL,
  phone_number        TEXT NOT NULL,
  call_type           TEXT NOT NULL,
  device_call_id      TEXT NOT NULL,
  started_at          TIMESTAMPTZ NOT NULL,
  ended_at            TIMESTAMPTZ,
  duration_seconds    BIGINT NOT NULL,
  consent_granted     BOOLEAN NOT NULL,
  consent_recorded_at TIMESTAMPTZ,
  consent_source      TEXT NOT NULL,
  metadata            JSONB,
  created_at          TIMESTAMPTZ NOT NULL,
  UNIQUE (agent_id, device_call_id)
);

CREATE TABLE IF NOT EXISTS recordings (
  id               BIGSERIAL PRIMARY KEY,
  agent_id         TEXT NOT NULL,
  device_id        TEXT NOT NULL,
  lead_id          BIGINT REFERENCES leads (id),
  call_log_id      BIGINT REFERENCES call_logs (id),
  content_type     TEXT NOT NULL,
  consent_granted  BOOLEAN NOT NULL,
  recorded_at      TIMESTAMPTZ NOT NULL,
  storage_key      TEXT NOT NULL UNIQUE,
  status           TEXT NOT NULL,
  file_url         TEXT NOT NULL DEFAULT '',
  file_size_bytes  BIGINT NOT NULL DEFAULT 0,
  duration_seconds BIGINT NOT NULL DEFAULT 0,
  created_at       TIMESTAMPTZ NOT NULL,
  completed_at     TIMESTAMPTZ
);
`

func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("devapi: migrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

/* ===================== LEADS ===================== */

const leadColumns = `id, name, phone, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (Lead, error) {
	var l Lead
	if err := row.Scan(&l.ID, &l.Name, &l.Phone, &l.Status, &l.CreatedAt, &l.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lead{}, ErrNotFound
		}
		return Lead{}, err
	}
	return l, nil
}

func (s *PostgresStore) CreateLead(ctx context.Context, l Lead) (Lead, error) {
	const q = `
INSERT INTO leads (name, phone, phone_digits, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING ` + leadColumns
	return scanLead(s.db.QueryRowContext(ctx, q, l.Name, l.Phone, phone.Digits(l.Phone), l.Status, l.CreatedAt, l.UpdatedAt))
}

func (s *PostgresStore) GetLead(ctx context.Context, id int64) (Lead, error) {
	const q = `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`
	return scanLead(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) SearchLeads(ctx context.Context, digits, name string, limit int) ([]Lead, error) {
	const q = `
SELECT ` + leadColumns + `
FROM leads
WHERE ($1 <> '' AND phone_digits LIKE '%' || $1)
   OR ($2 <> '' AND name ILIKE '%' || $2 || '%')
ORDER BY id
LIMIT $3
`
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, q, digits, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetLeadStatus(ctx context.Context, id int64, status string, now time.Time) (Lead, error) {
	const q = `UPDATE leads SET status = $2, updated_at = $3 WHERE id = $1 RETURNING ` + leadColumns
	return scanLead(s.db.QueryRowContext(ctx, q, id, status, now))
}

/* ===================== NOTES & FOLLOWUPS ===================== */

func (s *PostgresStore) AddNote(ctx context.Context, n Note) (Note, error) {
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := lockLead(ctx, tx, n.LeadID); err != nil {
			return err
		}
		const q = `
INSERT INTO lead_notes (lead_id, agent_id, body, created_at)
VALUES ($1,$2,$3,$4)
RETURNING id
`
		return tx.QueryRowContext(ctx, q, n.LeadID, n.AgentID, n.Body, n.CreatedAt).Scan(&n.ID)
	})
	if err != nil {
		return Note{}, err
	}
	return n, nil
}

func (s *PostgresStore) ListNotes(ctx context.Context, leadID int64) ([]Note, error) {
	const q = `SELECT id, lead_id, agent_id, body, created_at FROM lead_notes WHERE lead_id = $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.LeadID, &n.AgentID, &n.Body, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddFollowup(ctx context.Context, f Followup) (Followup, error) {
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := lockLead(ctx, tx, f.LeadID); err != nil {
			return err
		}
		const q = `
INSERT INTO lead_followups (lead_id, agent_id, due_at, note, created_at)
VALUES ($1,$2,$3,$4,$5)
RETURNING id
`
		return tx.QueryRowContext(ctx, q, f.LeadID, f.AgentID, f.DueAt, f.Note, f.CreatedAt).Scan(&f.ID)
	})
	if err != nil {
		return Followup{}, err
	}
	return f, nil
}

func (s *PostgresStore) ListFollowups(ctx context.Context, leadID int64) ([]Followup, error) {
	const q = `SELECT id, lead_id, agent_id, due_at, note, created_at FROM lead_followups WHERE lead_id = $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Followup
	for rows.Next() {
		var f Followup
		if err := rows.Scan(&f.ID, &f.LeadID, &f.AgentID, &f.DueAt, &f.Note, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// lockLead serializes mutations per lead and reports a missing lead.
func lockLead(ctx context.Context, tx *sql.Tx, id int64) error {
	var got int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM leads WHERE id = $1 FOR UPDATE`, id).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

/* ===================== RECORDINGS ===================== */

const recordingColumns = `id, agent_id, device_id, lead_id, call_log_id, content_type, consent_granted, recorded_at,
  storage_key, status, file_url, file_size_bytes, duration_seconds, created_at, completed_at`

func scanRecording(row rowScanner) (Recording, error) {
	var (
		r         Recording
		status    string
		leadID    sql.NullInt64
		callLogID sql.NullInt64
		completed sql.NullTime
	)
	err := row.Scan(
		&r.ID,
		&r.AgentID,
		&r.DeviceID,
		&leadID,
		&callLogID,
		&r.ContentType,
		&r.ConsentGranted,
		&r.RecordedAt,
		&r.StorageKey,
		&status,
		&r.FileURL,
		&r.FileSizeBytes,
		&r.DurationSeconds,
		&r.CreatedAt,
		&completed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Recording{}, ErrNotFound
		}
		return Recording{}, err
	}
	r.Status = RecordingStatus(status)
	r.LeadID = nullInt(leadID)
	r.CallLogID = nullInt(callLogID)
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	return r, nil
}

func (s *PostgresStore) CreateRecording(ctx context.Context, r Recording) (Recording, error) {
	const q = `
INSERT INTO recordings (
  agent_id, device_id, lead_id, call_log_id, content_type, consent_granted, recorded_at,
  storage_key, status, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
RETURNING ` + recordingColumns
	return scanRecording(s.db.QueryRowContext(ctx, q,
		r.AgentID,
		r.DeviceID,
		r.LeadID,
		r.CallLogID,
		r.ContentType,
		r.ConsentGranted,
		r.RecordedAt,
		r.StorageKey,
		string(r.Status),
		r.CreatedAt,
	))
}

func (s *PostgresStore) GetRecording(ctx context.Context, id int64) (Recording, error) {
	return scanRecording(s.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE id = $1`, id))
}

func (s *PostgresStore) GetRecordingByKey(ctx context.Context, storageKey string) (Recording, error) {
	return scanRecording(s.db.QueryRowContext(ctx, `SELECT `+recordingColumns+` FROM recordings WHERE storage_key = $1`, storageKey))
}

func (s *PostgresStore) UpdateRecording(ctx context.Context, r Recording) error {
	const q = `
UPDATE recordings
SET status = $2, file_url = $3, file_size_bytes = $4, duration_seconds = $5, completed_at = $6
WHERE id = $1
`
	res, err := s.db.ExecContext(ctx, q, r.ID, string(r.Status), r.FileURL, r.FileSizeBytes, r.DurationSeconds, r.CompletedAt)
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
}

/* ===================== CALL LOGS ===================== */

const callLogColumns = `id, agent_id, phone_number, call_type, device_call_id, started_at, ended_at, duration_seconds,
  consent_granted, consent_recorded_at, consent_source, metadata, created_at`

func scanCallLog(row rowScanner) (calls.Record, error) {
	var (
		r        calls.Record
		callType string
		ended    sql.NullTime
		consent  sql.NullTime
		metadata []byte
	)
	err := row.Scan(
		&r.ID,
		&r.AgentID,
		&r.PhoneNumber,
		&callType,
		&r.DeviceCallID,
		&r.StartedAt,
		&ended,
		&r.DurationSeconds,
		&r.ConsentGranted,
		&consent,
		&r.ConsentSource,
		&metadata,
		&r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Record{}, ErrNotFound
		}
		return calls.Record{}, err
	}
	r.CallType = calls.CallType(callType)
	if ended.Valid {
		t := ended.Time
		r.EndedAt = &t
	}
	if consent.Valid {
		t := consent.Time
		r.ConsentRecordedAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return calls.Record{}, fmt.Errorf("decode call log metadata: %w", err)
		}
	}
	return r, nil
}

func (s *PostgresStore) InsertCallLog(ctx context.Context, rec calls.Record) (calls.Record, bool, error) {
	var metadata []byte
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return calls.Record{}, false, fmt.Errorf("encode call log metadata: %w", err)
		}
		metadata = b
	}

	var (
		out     calls.Record
		created bool
	)
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const insert = `
INSERT INTO call_logs (
  agent_id, phone_number, call_type, device_call_id, started_at, ended_at, duration_seconds,
  consent_granted, consent_recorded_at, consent_source, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (agent_id, device_call_id) DO NOTHING
RETURNING ` + callLogColumns
		r, err := scanCallLog(tx.QueryRowContext(ctx, insert,
			rec.AgentID,
			rec.PhoneNumber,
			string(rec.CallType),
			rec.DeviceCallID,
			rec.StartedAt,
			rec.EndedAt,
			rec.DurationSeconds,
			rec.ConsentGranted,
			rec.ConsentRecordedAt,
			rec.ConsentSource,
			metadata,
			rec.CreatedAt,
		))
		if err == nil {
			out, created = r, true
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		// Conflict: the row already exists.
		const existing = `SELECT ` + callLogColumns + ` FROM call_logs WHERE agent_id = $1 AND device_call_id = $2`
		out, err = scanCallLog(tx.QueryRowContext(ctx, existing, rec.AgentID, rec.DeviceCallID))
		return err
	})
	if err != nil {
		return calls.Record{}, false, err
	}
	return out, created, nil
}

func (s *PostgresStore) ListCallLogs(ctx context.Context, agentID string, limit int) ([]calls.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + callLogColumns + `
FROM call_logs
WHERE $1 = '' OR agent_id = $1
ORDER BY started_at DESC
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, q, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Record
	for rows.Next() {
		r, err := scanCallLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
