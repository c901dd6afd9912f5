// Package host is the boundary to the code host and CI system. The engine
// consumes these interfaces; nothing above this package knows which host is
// behind them.
package host

import (
	"context"

	"crewline/internal/domain"
)

// PRStatus is the host's view of a pull request.
type PRStatus struct {
	Ref       string `json:"ref"`
	State     string `json:"state"`
	Mergeable bool   `json:"mergeable"`
}

// Host covers the issue and pull-request operations the engine needs.
type Host interface {
	CreateIssue(ctx context.Context, item domain.WorkItem) (ref string, err error)
	OpenPR(ctx context.Context, branch, title, body string) (ref string, err error)
	PostComment(ctx context.Context, ref, body string) error
	GetPRStatus(ctx context.Context, ref string) (PRStatus, error)
	MergePR(ctx context.Context, ref string) error
}

// CI triggers pipeline runs for a ref.
type CI interface {
	Trigger(ctx context.Context, ref string) (runID string, err error)
}
