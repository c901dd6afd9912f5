package host

import (
	"context"
	"fmt"
	"sync"

	"crewline/internal/domain"
)

// Fake is an in-memory host and CI used by tests and local runs without a
// bridge. Safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	issueSeq int
	prSeq    int
	runSeq   int
	Issues   map[string]domain.WorkItem
	PRs      map[string]PRStatus
	Comments map[string][]string
	Merged   map[string]bool
	Runs     []string
}

func NewFake() *Fake {
	return &Fake{
		Issues:   make(map[string]domain.WorkItem),
		PRs:      make(map[string]PRStatus),
		Comments: make(map[string][]string),
		Merged:   make(map[string]bool),
	}
}

func (f *Fake) CreateIssue(ctx context.Context, item domain.WorkItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueSeq++
	ref := fmt.Sprintf("issue-%d", f.issueSeq)
	f.Issues[ref] = item
	return ref, nil
}

func (f *Fake) OpenPR(ctx context.Context, branch, title, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prSeq++
	ref := fmt.Sprintf("pr-%d", f.prSeq)
	f.PRs[ref] = PRStatus{Ref: ref, State: "open", Mergeable: true}
	return ref, nil
}

func (f *Fake) PostComment(ctx context.Context, ref, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Comments[ref] = append(f.Comments[ref], body)
	return nil
}

func (f *Fake) GetPRStatus(ctx context.Context, ref string) (PRStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.PRs[ref]
	if !ok {
		return PRStatus{}, fmt.Errorf("unknown pr %s", ref)
	}
	return status, nil
}

func (f *Fake) MergePR(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.PRs[ref]
	if !ok {
		return fmt.Errorf("unknown pr %s", ref)
	}
	status.State = "merged"
	f.PRs[ref] = status
	f.Merged[ref] = true
	return nil
}

func (f *Fake) Trigger(ctx context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runSeq++
	runID := fmt.Sprintf("run-%d", f.runSeq)
	f.Runs = append(f.Runs, runID)
	return runID, nil
}
