// Package forge is the seam between the coordination plane and the
// upstream issue/project host (§1: "the source-forge adapter ... the
// core consumes only its success/failure and issue identifiers").
// Nothing outside this package imports the go-github client directly,
// generalizing the reference codebase's internal/github helpers (which
// called the REST API directly from quest/objective code) behind a
// small interface selected by configuration, per SPEC_FULL.md's design
// note on dynamic polymorphism over forge adapters.
package forge

import "context"

// IssueOptions describes the content of an issue to create.
type IssueOptions struct {
	Title  string
	Body   string
	Labels []string
}

// Forge is the one adapter interface the coordination plane programs
// against. A work unit's issue_number (§3) is always the forge's own
// issue number; the core never interprets it further.
type Forge interface {
	// CreateIssue opens an issue in owner/repo and returns its number.
	CreateIssue(ctx context.Context, owner, repo string, opts IssueOptions) (issueNumber int, err error)
	// LinkToProject associates an already-created issue with a
	// project board. A partial failure here is reported by the Control
	// API as a 200 with warnings[], never as a hard error (§7).
	LinkToProject(ctx context.Context, owner, repo string, issueNumber, projectNumber int) error
	// CloseIssue closes an issue, optionally leaving a final comment.
	CloseIssue(ctx context.Context, owner, repo string, issueNumber int, comment string) error
	// GetRepoID returns the forge's opaque node id for owner/repo,
	// needed by LinkToProject's GraphQL mutation.
	GetRepoID(ctx context.Context, owner, repo string) (string, error)
}
