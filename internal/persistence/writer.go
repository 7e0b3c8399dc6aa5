package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"SynthVault/internal/event"
)

// EventRow is one row in synth_log.events.
type EventRow struct {
	Sequence     int64
	OpID         string
	EventType    string
	UserID       string
	Asset        sql.NullString
	Amount       string
	HealthFactor sql.NullString
	Payload      []byte
	CreatedAt    time.Time
}

// RowFromEnvelope flattens an engine envelope into its storage row.
// Payload marshal failures degrade to an empty object rather than
// losing the row.
func RowFromEnvelope(env event.Envelope) EventRow {
	payload, err := json.Marshal(env.Payload)
	if err != nil || env.Payload == nil {
		payload = []byte("{}")
	}

	row := EventRow{
		Sequence:  env.Sequence,
		OpID:      env.OpID.String(),
		EventType: env.Type.String(),
		UserID:    env.User.String(),
		Amount:    env.Amount,
		Payload:   payload,
		CreatedAt: env.Timestamp,
	}
	if env.Asset != "" {
		row.Asset = sql.NullString{String: env.Asset, Valid: true}
	}
	if env.HealthFactor != "" {
		row.HealthFactor = sql.NullString{String: env.HealthFactor, Valid: true}
	}
	return row
}

// EventLogWriter batch-writes event rows to Postgres with multi-row
// INSERT. ON CONFLICT DO NOTHING makes replays idempotent.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteBatch inserts rows inside the given transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO synth_log.events
		(sequence, op_id, event_type, user_id, asset, amount, health_factor, payload, created_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*9)

	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			r.Sequence, r.OpID, r.EventType, r.UserID,
			r.Asset, r.Amount, r.HealthFactor, r.Payload, r.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LastSequence returns the highest persisted sequence, or -1 when the
// log is empty. Used at startup to resume the engine's numbering.
func (w *EventLogWriter) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM synth_log.events`,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
