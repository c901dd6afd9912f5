package domain

import (
	"strings"
	"testing"
)

func TestSlug(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Invoice PDF export", "invoice-pdf-export"},
		{"  weird -- spacing __ here  ", "weird-spacing-here"},
		{"ünïcode & symbols!", "ncode-symbols"},
		{strings.Repeat("long title ", 10), "long-title-long-title-long-title-long-ti"},
		{"---", ""},
	}
	for _, c := range cases {
		if got := Slug(c.in); got != c.want {
			t.Errorf("Slug(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBranchName(t *testing.T) {
	item := WorkItem{ID: "0bd51b48-aaaa-bbbb", Type: TypeTask, Title: "Render template"}
	if got, want := BranchName(item), "task/0bd51b48-render-template"; got != want {
		t.Errorf("BranchName = %q, want %q", got, want)
	}
}

func TestParentType(t *testing.T) {
	cases := map[string]string{
		TypeEpic:    "",
		TypeStory:   TypeEpic,
		TypeBug:     TypeEpic,
		TypeTask:    TypeStory,
		TypeSubtask: TypeTask,
	}
	for child, parent := range cases {
		if got := ParentType(child); got != parent {
			t.Errorf("ParentType(%s) = %q, want %q", child, got, parent)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []string{StatusDeployed, StatusRejected, StatusCancelled} {
		if !Terminal(s) {
			t.Errorf("Terminal(%s) = false", s)
		}
	}
	for _, s := range []string{StatusBacklog, StatusMerged, StatusInReview} {
		if Terminal(s) {
			t.Errorf("Terminal(%s) = true", s)
		}
	}
}

func TestMarkdown(t *testing.T) {
	points := 5
	item := WorkItem{
		Title:              "Render template",
		Type:               TypeTask,
		Status:             StatusInProgress,
		Priority:           1,
		StoryPoints:        &points,
		Description:        "Use the shared layout.",
		AcceptanceCriteria: []string{"renders", "prints"},
	}
	md := Markdown(item)
	for _, want := range []string{
		"# Render template",
		"**Status:** in progress",
		"**Story Points:** 5",
		"## Acceptance Criteria",
		"- [ ] renders",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}
