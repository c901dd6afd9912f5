package store

import (
	"context"
	"database/sql"
	"strings"

	"crewline/internal/domain"
)

// AppendEvent inserts an event unless its dedup key was already seen.
// The returned bool is false for duplicates, which keeps at-least-once
// delivery from becoming at-least-once processing.
func (s Store) AppendEvent(ctx context.Context, tx *sql.Tx, e domain.Event) (int64, bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO events(kind,subject_id,dedup_key,payload_json,occurred_at)
VALUES (?,?,?,?,?) ON CONFLICT(dedup_key) DO NOTHING`,
		e.Kind, e.SubjectID, e.DedupKey, nullable(e.Payload), e.OccurredAt)
	if err != nil {
		return 0, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	return id, true, err
}

// PendingEvents returns unprocessed events in insertion order.
func (s Store) PendingEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEvents(ctx, `SELECT id,kind,subject_id,dedup_key,payload_json,occurred_at,processed_at
FROM events WHERE processed_at IS NULL ORDER BY id ASC LIMIT ?`, limit)
}

func (s Store) MarkEventProcessed(ctx context.Context, tx *sql.Tx, id int64, ts string) error {
	res, err := tx.ExecContext(ctx, `UPDATE events SET processed_at=? WHERE id=? AND processed_at IS NULL`, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EventFilters struct {
	Kind      string
	SubjectID string
	Limit     int
	After     int64
}

// ListEvents returns events newest first, or oldest first after a cursor.
func (s Store) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id=?")
		args = append(args, f.SubjectID)
	}
	order := "ORDER BY id DESC"
	if f.After > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.After)
		order = "ORDER BY id ASC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := `SELECT id,kind,subject_id,dedup_key,payload_json,occurred_at,processed_at FROM events WHERE ` +
		strings.Join(clauses, " AND ") + " " + order + " LIMIT ?"
	return s.queryEvents(ctx, query, args...)
}

func (s Store) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload, processedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &e.SubjectID, &e.DedupKey, &payload, &e.OccurredAt, &processedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		if processedAt.Valid {
			e.ProcessedAt = &processedAt.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s Store) InsertDeadLetter(ctx context.Context, d domain.DeadLetter) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO dead_letters(source,payload,error,received_at) VALUES (?,?,?,?)`,
		d.Source, d.Payload, d.Error, d.ReceivedAt)
	return err
}

func (s Store) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id,source,payload,error,received_at FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeadLetter
	for rows.Next() {
		var d domain.DeadLetter
		if err := rows.Scan(&d.ID, &d.Source, &d.Payload, &d.Error, &d.ReceivedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
