package hosting

import "github.com/ralphd/ralph/pkg/types"

// IssueRef identifies an issue on the hosting service.
type IssueRef struct {
	Repo   types.RepoID
	Number int
}

// Issue is the subset of issue fields Ralph reads.
type Issue struct {
	Number    int
	NodeID    string
	Title     string
	Body      string
	Open      bool
	Labels    []string
	UpdatedAt string
}

// Comment is a single issue or PR comment.
type Comment struct {
	ID                int64
	Body              string
	Author            string
	AuthorAssociation string // e.g. OWNER, COLLABORATOR, MEMBER, NONE
	UpdatedAt         string
}

// IsOperator reports whether the comment's author association carries
// operator authority for reconciliation purposes.
func (c Comment) IsOperator() bool {
	switch c.AuthorAssociation {
	case "OWNER", "COLLABORATOR", "MEMBER":
		return true
	default:
		return false
	}
}

// CheckRun is one named check on a commit.
type CheckRun struct {
	Name     string
	RawState string // e.g. "success", "pending", "failure", "missing"
}

// PullRequest is the subset of PR fields the merge-gate controller and
// lifecycle worker need.
type PullRequest struct {
	Number     int
	URL        string
	HeadRef    string
	HeadSHA    string
	BaseRef    string
	Open       bool
	Merged     bool
	MergeState types.MergeStateStatus
	Labels     []string
}

// DependencySignal is one blocked_by/sub_issue edge surfaced to the relationship engine.
type DependencySignal struct {
	Kind   string // "blocked_by" | "sub_issue"
	Source string // "graph" | "body"
	Open   bool
}

// DependencyCoverage flags which signal sources the provider could
// authoritatively enumerate.
type DependencyCoverage struct {
	GraphDepsComplete       bool
	GraphSubIssuesComplete  bool
	BodyDepsExtracted       bool
}
