package hosting

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory HostingClient for tests across packages that consume
// the real client.
type Fake struct {
	mu sync.Mutex

	Issues       map[string]*Issue // keyed by "repo#number"
	PullRequests map[string]*PullRequest
	PRFiles      map[string][]string // keyed by "repo#number"
	Comments     map[string][]Comment // keyed by "repo#number"
	CheckRuns    map[string][]CheckRun // keyed by "repo@sha"
	Signals      map[string][]DependencySignal
	Coverage     map[string]DependencyCoverage

	MergedBranches []string
	DeletedBranches []string
	EnsuredLabels   []string

	nextCommentID int64

	// Errs lets a test force a specific method to fail once.
	Errs map[string]error
}

// NewFake builds an empty Fake ready to populate.
func NewFake() *Fake {
	return &Fake{
		Issues:       make(map[string]*Issue),
		PullRequests: make(map[string]*PullRequest),
		PRFiles:      make(map[string][]string),
		Comments:     make(map[string][]Comment),
		CheckRuns:    make(map[string][]CheckRun),
		Signals:      make(map[string][]DependencySignal),
		Coverage:     make(map[string]DependencyCoverage),
		Errs:         make(map[string]error),
	}
}

func issueKey(ref IssueRef) string { return fmt.Sprintf("%s#%d", ref.Repo, ref.Number) }

func (f *Fake) takeErr(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Errs[name]; ok {
		delete(f.Errs, name)
		return err
	}
	return nil
}

func (f *Fake) GetIssue(ctx context.Context, ref IssueRef) (*Issue, error) {
	if err := f.takeErr("GetIssue"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.Issues[issueKey(ref)]
	if !ok {
		return nil, fmt.Errorf("fake: issue %s not found", issueKey(ref))
	}
	cp := *issue
	return &cp, nil
}

func (f *Fake) ListIssuesByLabel(ctx context.Context, repo, labelName string) ([]Issue, error) {
	if err := f.takeErr("ListIssuesByLabel"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := repo + "#"
	var out []Issue
	for key, issue := range f.Issues {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		if !issue.Open {
			continue
		}
		for _, l := range issue.Labels {
			if l == labelName {
				out = append(out, *issue)
				break
			}
		}
	}
	return out, nil
}

func (f *Fake) ReopenIssue(ctx context.Context, ref IssueRef) error {
	if err := f.takeErr("ReopenIssue"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.Issues[issueKey(ref)]
	if !ok {
		return fmt.Errorf("fake: issue %s not found", issueKey(ref))
	}
	issue.Open = true
	return nil
}

func (f *Fake) AddLabels(ctx context.Context, ref IssueRef, labels []string) error {
	if err := f.takeErr("AddLabels"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.Issues[issueKey(ref)]
	if !ok {
		return fmt.Errorf("fake: issue %s not found", issueKey(ref))
	}
	set := make(map[string]bool, len(issue.Labels))
	for _, l := range issue.Labels {
		set[l] = true
	}
	for _, l := range labels {
		set[l] = true
	}
	issue.Labels = issue.Labels[:0]
	for l := range set {
		issue.Labels = append(issue.Labels, l)
	}
	return nil
}

func (f *Fake) RemoveLabel(ctx context.Context, ref IssueRef, labelName string) error {
	if err := f.takeErr("RemoveLabel"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.Issues[issueKey(ref)]
	if !ok {
		return fmt.Errorf("fake: issue %s not found", issueKey(ref))
	}
	out := issue.Labels[:0]
	for _, l := range issue.Labels {
		if l != labelName {
			out = append(out, l)
		}
	}
	issue.Labels = out
	return nil
}

func (f *Fake) EnsureLabel(ctx context.Context, repo, name, color string) error {
	if err := f.takeErr("EnsureLabel"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EnsuredLabels = append(f.EnsuredLabels, name)
	return nil
}

func (f *Fake) CreateComment(ctx context.Context, ref IssueRef, body string) (int64, error) {
	if err := f.takeErr("CreateComment"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCommentID++
	id := f.nextCommentID
	key := issueKey(ref)
	f.Comments[key] = append(f.Comments[key], Comment{ID: id, Body: body})
	return id, nil
}

func (f *Fake) UpdateComment(ctx context.Context, repo string, commentID int64, body string) error {
	if err := f.takeErr("UpdateComment"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, cs := range f.Comments {
		for i := range cs {
			if cs[i].ID == commentID {
				f.Comments[key][i].Body = body
				return nil
			}
		}
	}
	return fmt.Errorf("fake: comment %d not found", commentID)
}

func (f *Fake) ListComments(ctx context.Context, ref IssueRef, perPage int) ([]Comment, error) {
	if err := f.takeErr("ListComments"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.Comments[issueKey(ref)]
	out := make([]Comment, len(cs))
	copy(out, cs)
	return out, nil
}

func (f *Fake) GetPullRequestByNumber(ctx context.Context, repo string, number int) (*PullRequest, error) {
	if err := f.takeErr("GetPullRequestByNumber"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.PullRequests[fmt.Sprintf("%s#%d", repo, number)]
	if !ok {
		return nil, fmt.Errorf("fake: pr %s#%d not found", repo, number)
	}
	cp := *pr
	return &cp, nil
}

func (f *Fake) ListPullRequestsByHeadRef(ctx context.Context, repo, owner, branch, state string) ([]PullRequest, error) {
	if err := f.takeErr("ListPullRequestsByHeadRef"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PullRequest
	for _, pr := range f.PullRequests {
		if pr.HeadRef == branch {
			out = append(out, *pr)
		}
	}
	return out, nil
}

func (f *Fake) ListPullRequestFiles(ctx context.Context, repo string, number int) ([]string, error) {
	if err := f.takeErr("ListPullRequestFiles"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.PRFiles[fmt.Sprintf("%s#%d", repo, number)]...), nil
}

func (f *Fake) ListCheckRuns(ctx context.Context, repo, sha string) ([]CheckRun, error) {
	if err := f.takeErr("ListCheckRuns"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CheckRun(nil), f.CheckRuns[repo+"@"+sha]...), nil
}

func (f *Fake) MergePullRequest(ctx context.Context, repo string, number int, expectedHeadSHA string) error {
	if err := f.takeErr("MergePullRequest"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s#%d", repo, number)
	pr, ok := f.PullRequests[key]
	if !ok {
		return fmt.Errorf("fake: pr %s not found", key)
	}
	if pr.HeadSHA != expectedHeadSHA {
		return fmt.Errorf("fake: head not up to date")
	}
	pr.Merged = true
	pr.Open = false
	f.MergedBranches = append(f.MergedBranches, pr.HeadRef)
	return nil
}

func (f *Fake) UpdateBranch(ctx context.Context, repo string, number int, expectedHeadSHA string) error {
	if err := f.takeErr("UpdateBranch"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s#%d", repo, number)
	pr, ok := f.PullRequests[key]
	if !ok {
		return fmt.Errorf("fake: pr %s not found", key)
	}
	pr.MergeState = "CLEAN"
	pr.HeadSHA = pr.HeadSHA + "1"
	return nil
}

func (f *Fake) DeleteBranch(ctx context.Context, repo, branch string) error {
	if err := f.takeErr("DeleteBranch"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeletedBranches = append(f.DeletedBranches, branch)
	return nil
}

func (f *Fake) DependencySignals(ctx context.Context, ref IssueRef) ([]DependencySignal, DependencyCoverage, error) {
	if err := f.takeErr("DependencySignals"); err != nil {
		return nil, DependencyCoverage{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := issueKey(ref)
	return append([]DependencySignal(nil), f.Signals[key]...), f.Coverage[key], nil
}

var _ HostingClient = (*Fake)(nil)
