package store

import (
	"database/sql"

	"crewline/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row *sql.Row) (domain.WorkItem, error) {
	t, err := scanItemFrom(row)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func scanItemRows(rows *sql.Rows) (domain.WorkItem, error) {
	return scanItemFrom(rows)
}

func scanItemFrom(row rowScanner) (domain.WorkItem, error) {
	var t domain.WorkItem
	var description, acceptance, assignedTo, parentID, externalRef, prRef, branch, labels, blockedReason, startedAt, completedAt sql.NullString
	var storyPoints sql.NullInt64
	err := row.Scan(&t.ID, &t.Type, &t.Title, &description, &acceptance, &assignedTo, &t.Status,
		&parentID, &externalRef, &prRef, &branch, &t.Priority, &storyPoints, &labels,
		&blockedReason, &t.Version, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if t.AcceptanceCriteria, err = unmarshalStrings(acceptance); err != nil {
		return t, err
	}
	if assignedTo.Valid {
		t.AssignedTo = &assignedTo.String
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if externalRef.Valid {
		t.ExternalRef = &externalRef.String
	}
	if prRef.Valid {
		t.PRRef = &prRef.String
	}
	if branch.Valid {
		t.Branch = &branch.String
	}
	if storyPoints.Valid {
		p := int(storyPoints.Int64)
		t.StoryPoints = &p
	}
	if t.Labels, err = unmarshalStrings(labels); err != nil {
		return t, err
	}
	if blockedReason.Valid {
		t.BlockedReason = &blockedReason.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}
