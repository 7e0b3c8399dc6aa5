package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service provides read-only access to the persisted event log. Live
// account state (balances, health factors) is served by the engine;
// the query service answers history questions from Postgres.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// EventRecord is one row of a user's operation history.
type EventRecord struct {
	Sequence     int64     `json:"sequence"`
	OpID         string    `json:"op_id"`
	EventType    string    `json:"event_type"`
	UserID       string    `json:"user_id"`
	Asset        string    `json:"asset,omitempty"`
	Amount       string    `json:"amount"`
	HealthFactor string    `json:"health_factor,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserHistory returns a user's events newest-first with cursor
// pagination: pass the last seen sequence as beforeSequence to fetch
// the next page.
func (s *Service) UserHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]EventRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT sequence, op_id, event_type, user_id, asset, amount, health_factor, payload, created_at
		FROM synth_log.events
		WHERE user_id = $1
	`
	args := []any{userID}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	return s.scanEvents(ctx, query, args...)
}

// Liquidations returns liquidation events newest-first, across all
// users or for one debtor.
func (s *Service) Liquidations(
	ctx context.Context,
	debtor *uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]EventRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT sequence, op_id, event_type, user_id, asset, amount, health_factor, payload, created_at
		FROM synth_log.events
		WHERE event_type = 'Liquidation'
	`
	args := []any{}
	argIdx := 1

	if debtor != nil {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, *debtor)
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	return s.scanEvents(ctx, query, args...)
}

// LastSequence returns the highest persisted sequence, or -1 for an
// empty log. Responses can cite it for freshness.
func (s *Service) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
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

func (s *Service) scanEvents(ctx context.Context, query string, args ...any) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []EventRecord
	for rows.Next() {
		var r EventRecord
		var asset, healthFactor sql.NullString
		if err := rows.Scan(
			&r.Sequence, &r.OpID, &r.EventType, &r.UserID,
			&asset, &r.Amount, &healthFactor, &r.Payload, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.Asset = asset.String
		r.HealthFactor = healthFactor.String
		records = append(records, r)
	}

	return records, rows.Err()
}
