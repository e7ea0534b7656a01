package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresRepo stores events in audit_events. The table is insert-only.
type PostgresRepo struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	device_id    TEXT NOT NULL DEFAULT '',
	ip_address   TEXT NOT NULL DEFAULT '',
	lead_id      BIGINT,
	recording_id BIGINT,
	call_log_id  BIGINT,
	message      TEXT NOT NULL DEFAULT '',
	metadata     TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_lead_idx ON audit_events (lead_id, created_at DESC);
`

func NewPostgresRepo(ctx context.Context, db *sql.DB) (*PostgresRepo, error) {
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return &PostgresRepo{db: db}, nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, agent_id, device_id, ip_address, lead_id, recording_id, call_log_id, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, string(e.Type), e.AgentID, e.DeviceID, e.IPAddress,
		e.LeadID, e.RecordingID, e.CallLogID, e.Message, e.Metadata, e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Event, error) {
	var where []string
	var args []any
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.LeadID != nil {
		args = append(args, *f.LeadID)
		where = append(where, fmt.Sprintf("lead_id = $%d", len(args)))
	}
	q := `SELECT id, type, agent_id, device_id, ip_address, lead_id, recording_id, call_log_id, message, metadata, created_at FROM audit_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		var lead, recording, callLogID sql.NullInt64
		if err := rows.Scan(&e.ID, &typ, &e.AgentID, &e.DeviceID, &e.IPAddress, &lead, &recording, &callLogID, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.LeadID = nullInt(lead)
		e.RecordingID = nullInt(recording)
		e.CallLogID = nullInt(callLogID)
		out = append(out, e)
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
