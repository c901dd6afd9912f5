package store_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/migrate"
	"crewline/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.Store{DB: conn}
}

func insertItem(t *testing.T, s store.Store, item domain.WorkItem) domain.WorkItem {
	t.Helper()
	if item.Status == "" {
		item.Status = domain.StatusBacklog
	}
	if item.Version == 0 {
		item.Version = 1
	}
	if item.CreatedAt == "" {
		item.CreatedAt = "2026-01-01T00:00:00Z"
		item.UpdatedAt = item.CreatedAt
	}
	withTx(t, s, func(tx *sql.Tx) error {
		return s.InsertItem(context.Background(), tx, item)
	})
	return item
}

func withTx(t *testing.T, s store.Store, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	points := 5
	parent := insertItem(t, s, domain.WorkItem{ID: "epic-1", Type: domain.TypeEpic, Title: "Login"})
	item := insertItem(t, s, domain.WorkItem{
		ID:                 "story-1",
		Type:               domain.TypeStory,
		Title:              "Password reset",
		Description:        "Users can reset their password",
		AcceptanceCriteria: []string{"email sent", "token expires"},
		ParentID:           &parent.ID,
		Priority:           2,
		StoryPoints:        &points,
		Labels:             []string{"auth"},
	})

	got, err := s.GetItem(context.Background(), "story-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != item.Title || got.ParentID == nil || *got.ParentID != "epic-1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.AcceptanceCriteria) != 2 || got.StoryPoints == nil || *got.StoryPoints != 5 {
		t.Fatalf("optional fields lost: %+v", got)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetItem(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	item := insertItem(t, s, domain.WorkItem{ID: "task-1", Type: domain.TypeTask, Title: "t"})

	item.Status = domain.StatusReady
	withTx(t, s, func(tx *sql.Tx) error {
		return s.UpdateItem(context.Background(), tx, item)
	})

	got, err := s.GetItem(context.Background(), "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.Status != domain.StatusReady {
		t.Fatalf("got version=%d status=%s", got.Version, got.Status)
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	s := newTestStore(t)
	item := insertItem(t, s, domain.WorkItem{ID: "task-1", Type: domain.TypeTask, Title: "t"})

	// two readers load version 1; the second writer must lose
	first := item
	second := item

	first.Status = domain.StatusReady
	withTx(t, s, func(tx *sql.Tx) error {
		return s.UpdateItem(context.Background(), tx, first)
	})

	second.Status = domain.StatusCancelled
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	err = s.UpdateItem(context.Background(), tx, second)
	if !errors.Is(err, store.ErrConflict) {
		tx.Rollback()
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	// release the losing tx's write lock before reading on another connection
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetItem(context.Background(), "task-1")
	if got.Status != domain.StatusReady {
		t.Fatalf("losing writer mutated the row: %s", got.Status)
	}
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = s.UpdateItem(context.Background(), tx, domain.WorkItem{ID: "ghost", Version: 1})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestChildrenOrderedByCreation(t *testing.T) {
	s := newTestStore(t)
	epic := insertItem(t, s, domain.WorkItem{ID: "epic-1", Type: domain.TypeEpic, Title: "e"})
	insertItem(t, s, domain.WorkItem{
		ID: "story-b", Type: domain.TypeStory, Title: "b", ParentID: &epic.ID,
		CreatedAt: "2026-01-02T00:00:00Z", UpdatedAt: "2026-01-02T00:00:00Z",
	})
	insertItem(t, s, domain.WorkItem{
		ID: "story-a", Type: domain.TypeStory, Title: "a", ParentID: &epic.ID,
		CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
	})

	children, err := s.Children(context.Background(), "epic-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 || children[0].ID != "story-a" || children[1].ID != "story-b" {
		t.Fatalf("unexpected order: %+v", children)
	}
}

func TestEventDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := domain.Event{
		Kind:       domain.EventPROpened,
		SubjectID:  "task-1",
		DedupKey:   "host:delivery-1",
		Payload:    `{"pr_ref":"pr-1"}`,
		OccurredAt: "2026-01-01T00:00:00Z",
	}
	var firstID int64
	withTx(t, s, func(tx *sql.Tx) error {
		id, inserted, err := s.AppendEvent(ctx, tx, e)
		if err != nil {
			return err
		}
		if !inserted {
			t.Fatal("first insert reported duplicate")
		}
		firstID = id
		return nil
	})
	withTx(t, s, func(tx *sql.Tx) error {
		_, inserted, err := s.AppendEvent(ctx, tx, e)
		if err != nil {
			return err
		}
		if inserted {
			t.Fatal("duplicate delivery inserted twice")
		}
		return nil
	})

	pending, err := s.PendingEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != firstID {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestMarkProcessedIsIdempotentGuarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var id int64
	withTx(t, s, func(tx *sql.Tx) error {
		var err error
		id, _, err = s.AppendEvent(ctx, tx, domain.Event{
			Kind: domain.EventScheduleTick, DedupKey: "tick:1", OccurredAt: "2026-01-01T00:00:00Z",
		})
		return err
	})
	withTx(t, s, func(tx *sql.Tx) error {
		return s.MarkEventProcessed(ctx, tx, id, "2026-01-01T00:01:00Z")
	})

	pending, err := s.PendingEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("processed event still pending: %+v", pending)
	}

	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := s.MarkEventProcessed(ctx, tx, id, "2026-01-01T00:02:00Z"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second mark = %v, want ErrNotFound", err)
	}
}

func TestReviewRoundRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertItem(t, s, domain.WorkItem{ID: "task-1", Type: domain.TypeTask, Title: "t"})

	round := store.ReviewRound{
		SubjectID: "task-1",
		Required:  []string{domain.RoleArchitect, domain.RoleSecurity},
		Deadline:  "2026-01-01T01:00:00Z",
		OpenedAt:  "2026-01-01T00:00:00Z",
	}
	withTx(t, s, func(tx *sql.Tx) error {
		return s.OpenReviewRound(ctx, tx, round)
	})

	got, err := s.GetReviewRound(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Required) != 2 || got.Deadline != round.Deadline {
		t.Fatalf("round mismatch: %+v", got)
	}

	withTx(t, s, func(tx *sql.Tx) error {
		return s.CloseReviewRound(ctx, tx, "task-1")
	})
	if _, err := s.GetReviewRound(ctx, "task-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("closed round still present: %v", err)
	}
}

func TestListReviewRoundsDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertItem(t, s, domain.WorkItem{ID: "task-1", Type: domain.TypeTask, Title: "a"})
	insertItem(t, s, domain.WorkItem{ID: "task-2", Type: domain.TypeTask, Title: "b"})
	insertItem(t, s, domain.WorkItem{ID: "task-3", Type: domain.TypeTask, Title: "c"})

	withTx(t, s, func(tx *sql.Tx) error {
		return s.OpenReviewRound(ctx, tx, store.ReviewRound{
			SubjectID: "task-1", Required: []string{domain.RoleQA},
			Deadline: "2026-01-01T01:00:00Z", OpenedAt: "2026-01-01T00:00:00Z",
		})
	})
	withTx(t, s, func(tx *sql.Tx) error {
		return s.OpenReviewRound(ctx, tx, store.ReviewRound{
			SubjectID: "task-2", Required: []string{domain.RoleQA},
			Deadline: "2026-01-01T03:00:00Z", OpenedAt: "2026-01-01T00:00:00Z",
		})
	})
	// no deadline at all; never due
	withTx(t, s, func(tx *sql.Tx) error {
		return s.OpenReviewRound(ctx, tx, store.ReviewRound{
			SubjectID: "task-3", Required: []string{domain.RoleQA},
			OpenedAt: "2026-01-01T00:00:00Z",
		})
	})

	due, err := s.ListReviewRoundsDue(ctx, "2026-01-01T02:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].SubjectID != "task-1" {
		t.Fatalf("due rounds = %+v, want task-1 only", due)
	}
	if len(due[0].Required) != 1 || due[0].Required[0] != domain.RoleQA {
		t.Fatalf("required roles lost: %+v", due[0])
	}

	due, err = s.ListReviewRoundsDue(ctx, "2026-01-01T04:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Fatalf("due rounds = %d, want 2", len(due))
	}
}

func TestCIStatusDefaultsToPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	status, err := s.GetCIStatus(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if status != domain.CIPending {
		t.Fatalf("status = %s, want pending", status)
	}

	withTx(t, s, func(tx *sql.Tx) error {
		return s.UpsertCIRun(ctx, tx, "task-1", "run-1", domain.CIPass, "2026-01-01T00:00:00Z")
	})
	status, err = s.GetCIStatus(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if status != domain.CIPass {
		t.Fatalf("status = %s, want pass", status)
	}
}

func TestDeadLetters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	err := s.InsertDeadLetter(ctx, domain.DeadLetter{
		Source:     "host",
		Payload:    "not json",
		Error:      "body is not JSON",
		ReceivedAt: "2026-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	letters, err := s.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(letters) != 1 || letters[0].Source != "host" {
		t.Fatalf("letters = %+v", letters)
	}
}
