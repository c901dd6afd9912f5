package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"crewline/internal/domain"
)

type Store struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the caller's version token is stale; reload and retry.
	ErrConflict = errors.New("version conflict")
)

const itemColumns = `id,type,title,description,acceptance_json,assigned_to,status,parent_id,external_ref,pr_ref,branch,priority,story_points,labels_json,blocked_reason,version,created_at,updated_at,started_at,completed_at`

func (s Store) InsertItem(ctx context.Context, tx *sql.Tx, t domain.WorkItem) error {
	acceptance, err := marshalStrings(t.AcceptanceCriteria)
	if err != nil {
		return err
	}
	labels, err := marshalStrings(t.Labels)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO work_items(`+itemColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, t.Title, nullable(t.Description), acceptance, nullableStringPtr(t.AssignedTo),
		t.Status, nullableStringPtr(t.ParentID), nullableStringPtr(t.ExternalRef), nullableStringPtr(t.PRRef),
		nullableStringPtr(t.Branch), t.Priority, nullableIntPtr(t.StoryPoints), labels,
		nullableStringPtr(t.BlockedReason), t.Version, t.CreatedAt, t.UpdatedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt))
	return err
}

// UpdateItem persists the item with compare-and-swap on the version token.
// t.Version holds the version the caller read; on success the stored row has
// version+1. A stale token yields ErrConflict and leaves the row untouched.
func (s Store) UpdateItem(ctx context.Context, tx *sql.Tx, t domain.WorkItem) error {
	acceptance, err := marshalStrings(t.AcceptanceCriteria)
	if err != nil {
		return err
	}
	labels, err := marshalStrings(t.Labels)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET
title=?, description=?, acceptance_json=?, assigned_to=?, status=?, parent_id=?,
external_ref=?, pr_ref=?, branch=?, priority=?, story_points=?, labels_json=?,
blocked_reason=?, version=version+1, updated_at=?, started_at=?, completed_at=?
WHERE id=? AND version=?`,
		t.Title, nullable(t.Description), acceptance, nullableStringPtr(t.AssignedTo), t.Status,
		nullableStringPtr(t.ParentID), nullableStringPtr(t.ExternalRef), nullableStringPtr(t.PRRef),
		nullableStringPtr(t.Branch), t.Priority, nullableIntPtr(t.StoryPoints), labels,
		nullableStringPtr(t.BlockedReason), t.UpdatedAt, nullableStringPtr(t.StartedAt),
		nullableStringPtr(t.CompletedAt), t.ID, t.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM work_items WHERE id=?`, t.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (s Store) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return scanItem(s.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id))
}

func (s Store) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	return scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id))
}

// Children returns direct children ordered by creation.
func (s Store) Children(ctx context.Context, id string) ([]domain.WorkItem, error) {
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM work_items WHERE parent_id=? ORDER BY created_at ASC, id ASC`, id)
}

type ItemFilters struct {
	Type       string
	Status     string
	ParentID   string
	AssignedTo string
	Limit      int
}

func (s Store) ListItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + itemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryItems(ctx, query, args...)
}

func (s Store) queryItems(ctx context.Context, query string, args ...any) ([]domain.WorkItem, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		t, err := scanItemRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func marshalStrings(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalStrings(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return out, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
