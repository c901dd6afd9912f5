package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"crewline/internal/domain"
)

func (s Store) InsertReviewResponse(ctx context.Context, tx *sql.Tx, r domain.ReviewResponse) error {
	artifacts, err := marshalJSON(r.Artifacts)
	if err != nil {
		return err
	}
	followUps, err := marshalJSON(r.FollowUpActions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO review_responses(id,subject_id,reviewer_role,decision,reasoning,artifacts_json,follow_ups_json,submitted_at)
VALUES (?,?,?,?,?,?,?,?)`,
		r.ID, r.SubjectID, r.ReviewerRole, r.Decision, nullable(r.Reasoning), artifacts, followUps, r.SubmittedAt)
	return err
}

// ListReviewResponses returns all responses for a subject in submission order.
func (s Store) ListReviewResponses(ctx context.Context, subjectID string) ([]domain.ReviewResponse, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT seq,id,subject_id,reviewer_role,decision,reasoning,artifacts_json,follow_ups_json,submitted_at
FROM review_responses WHERE subject_id=? ORDER BY seq ASC`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewResponse
	for rows.Next() {
		var r domain.ReviewResponse
		var reasoning, artifacts, followUps sql.NullString
		if err := rows.Scan(&r.Seq, &r.ID, &r.SubjectID, &r.ReviewerRole, &r.Decision, &reasoning, &artifacts, &followUps, &r.SubmittedAt); err != nil {
			return nil, err
		}
		if reasoning.Valid {
			r.Reasoning = reasoning.String
		}
		if artifacts.Valid && artifacts.String != "" {
			if err := json.Unmarshal([]byte(artifacts.String), &r.Artifacts); err != nil {
				return nil, fmt.Errorf("decode artifacts: %w", err)
			}
		}
		if followUps.Valid && followUps.String != "" {
			if err := json.Unmarshal([]byte(followUps.String), &r.FollowUpActions); err != nil {
				return nil, fmt.Errorf("decode follow-ups: %w", err)
			}
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// ReviewRound is the open review window for one subject.
type ReviewRound struct {
	SubjectID string
	Required  []string
	Deadline  string
	OpenedAt  string
}

func (s Store) OpenReviewRound(ctx context.Context, tx *sql.Tx, round ReviewRound) error {
	required, err := json.Marshal(round.Required)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO review_rounds(subject_id,required_json,deadline,opened_at) VALUES (?,?,?,?)
ON CONFLICT(subject_id) DO UPDATE SET required_json=excluded.required_json, deadline=excluded.deadline, opened_at=excluded.opened_at`,
		round.SubjectID, string(required), nullable(round.Deadline), round.OpenedAt)
	return err
}

func (s Store) GetReviewRound(ctx context.Context, subjectID string) (ReviewRound, error) {
	var round ReviewRound
	var required string
	var deadline sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT subject_id,required_json,deadline,opened_at FROM review_rounds WHERE subject_id=?`, subjectID).
		Scan(&round.SubjectID, &required, &deadline, &round.OpenedAt)
	if err == sql.ErrNoRows {
		return round, ErrNotFound
	}
	if err != nil {
		return round, err
	}
	if err := json.Unmarshal([]byte(required), &round.Required); err != nil {
		return round, fmt.Errorf("decode required roles: %w", err)
	}
	if deadline.Valid {
		round.Deadline = deadline.String
	}
	return round, nil
}

// ListReviewRoundsDue returns open rounds whose deadline is at or before now.
// Deadlines are RFC3339 UTC strings, so lexicographic order is time order.
func (s Store) ListReviewRoundsDue(ctx context.Context, now string) ([]ReviewRound, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT subject_id,required_json,deadline,opened_at FROM review_rounds
WHERE deadline IS NOT NULL AND deadline <= ? ORDER BY deadline`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ReviewRound
	for rows.Next() {
		var round ReviewRound
		var required string
		if err := rows.Scan(&round.SubjectID, &required, &round.Deadline, &round.OpenedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(required), &round.Required); err != nil {
			return nil, fmt.Errorf("decode required roles: %w", err)
		}
		res = append(res, round)
	}
	return res, rows.Err()
}

// CloseReviewRound discards the round once a merge decision is recorded.
func (s Store) CloseReviewRound(ctx context.Context, tx *sql.Tx, subjectID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM review_rounds WHERE subject_id=?`, subjectID)
	return err
}

func (s Store) UpsertCIRun(ctx context.Context, tx *sql.Tx, subjectID, runID, status, ts string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ci_runs(subject_id,run_id,status,updated_at) VALUES (?,?,?,?)
ON CONFLICT(subject_id) DO UPDATE SET run_id=excluded.run_id, status=excluded.status, updated_at=excluded.updated_at`,
		subjectID, nullable(runID), status, ts)
	return err
}

// GetCIStatus returns the latest CI status for a subject, pending if none.
func (s Store) GetCIStatus(ctx context.Context, subjectID string) (string, error) {
	var status string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM ci_runs WHERE subject_id=?`, subjectID).Scan(&status)
	if err == sql.ErrNoRows {
		return domain.CIPending, nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

func marshalJSON(v any) (any, error) {
	switch t := v.(type) {
	case []domain.Artifact:
		if len(t) == 0 {
			return nil, nil
		}
	case []domain.FollowUpAction:
		if len(t) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
