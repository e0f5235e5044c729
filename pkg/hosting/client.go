package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ralphd/ralph/pkg/backoff"
	"github.com/ralphd/ralph/pkg/clock"
	"github.com/ralphd/ralph/pkg/events"
	"github.com/ralphd/ralph/pkg/log"
	"github.com/ralphd/ralph/pkg/rerr"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// RateLimitObserver receives the client's rate-limit classifications and
// quota headers; the budget governor implements it so the client's
// observations feed the governor's global cooldown and pressure mode.
type RateLimitObserver interface {
	ObserveRateLimit(resumeAt time.Time)
	ObserveQuota(remaining, limit int)
}

// Config wires a Client to its transport, credentials, and telemetry sink.
type Config struct {
	BaseURL     string // default "https://api.github.com"
	GraphQLURL  string // default "https://api.github.com/graphql"
	TokenSource oauth2.TokenSource
	HTTPClient  *http.Client
	Clock       clock.Clock
	Broker      *events.Broker
	Observer    RateLimitObserver
}

// Client is a typed REST+GraphQL wrapper with response classification
// and per-token rate-limit backoff.
type Client struct {
	baseURL     string
	graphQLURL  string
	tokenSource oauth2.TokenSource
	httpClient  *http.Client
	clock       clock.Clock
	broker      *events.Broker
	observer    RateLimitObserver

	backoff *tokenBackoff

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient builds a Client from cfg, applying defaults for unset fields.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	graphQLURL := cfg.GraphQLURL
	if graphQLURL == "" {
		graphQLURL = "https://api.github.com/graphql"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	return &Client{
		baseURL:     baseURL,
		graphQLURL:  graphQLURL,
		tokenSource: cfg.TokenSource,
		httpClient:  httpClient,
		clock:       clk,
		broker:      cfg.Broker,
		observer:    cfg.Observer,
		backoff:     newTokenBackoff(),
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breakerFor returns the circuit breaker for token, creating one on first
// use. Breaker state is keyed by token, mirroring rate-limit backoff state.
func (c *Client) breakerFor(token string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[token]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "hosting-client",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	c.breakers[token] = cb
	return cb
}

// rawResponse is the decoded shape doRequest hands back to callers, ready
// for classification and JSON scanning.
type rawResponse struct {
	status    int
	headers   map[string]string
	body      []byte
	requestID string
}

// maxReadAttempts bounds the automatic retry of idempotent reads on
// transport or 5xx failures. Writes are never retried here: the caller
// decides, because a write that timed out may still have landed.
const maxReadAttempts = 3

// doRequest issues one HTTP request. Reads retry transient failures up to
// maxReadAttempts with backoff; writes get exactly one attempt. write
// marks whether the call mutates hosting-service state.
func (c *Client) doRequest(ctx context.Context, method, url string, body io.Reader, write bool) (*rawResponse, error) {
	token, err := c.currentToken(ctx)
	if err != nil {
		return nil, rerr.Wrap(rerr.KindAuth, "failed to obtain token", err)
	}

	if until := c.backoff.cooldownUntil(token); !until.IsZero() && until.After(c.clock.Now()) {
		wait := until.Sub(c.clock.Now())
		log.Logger.Debug().Dur("wait", wait).Msg("hosting client sleeping for rate-limit cooldown")
		if err := c.clock.Sleep(ctx, wait); err != nil {
			return nil, rerr.Wrap(rerr.KindTransient, "interrupted during rate-limit cooldown", err)
		}
	}

	maxAttempts := maxReadAttempts
	if write || body != nil {
		// a consumed request body cannot be replayed either
		maxAttempts = 1
	}
	seq := backoff.NewSequence(backoff.Policy{Initial: time.Second, Max: 10 * time.Second})

	var resp *rawResponse
	for attempt := 1; ; attempt++ {
		resp, err = c.attempt(ctx, method, url, body, token, write, attempt)
		if err == nil || attempt >= maxAttempts || !rerr.Is(err, rerr.KindTransient) {
			return resp, err
		}
		if sleepErr := c.clock.Sleep(ctx, seq.Next()); sleepErr != nil {
			return nil, rerr.Wrap(rerr.KindTransient, "interrupted between read retries", sleepErr)
		}
	}
}

// attempt performs a single HTTP exchange, classifies the response, and
// emits one telemetry record carrying its attempt number.
func (c *Client) attempt(ctx context.Context, method, url string, body io.Reader, token string, write bool, attemptNo int) (*rawResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, rerr.Wrap(rerr.KindUnknown, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := c.clock.Now()
	var resp *rawResponse
	breaker := c.breakerFor(token)
	_, execErr := breaker.Execute(func() (interface{}, error) {
		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()
		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, err
		}
		resp = &rawResponse{
			status:    httpResp.StatusCode,
			headers:   flattenHeaders(httpResp.Header),
			body:      data,
			requestID: httpResp.Header.Get("x-github-request-id"),
		}
		return nil, nil
	})
	duration := c.clock.Now().Sub(start)

	if execErr != nil {
		c.emit(events.EventHostingRequest, method, url, 0, duration, attemptNo, write, false, map[string]string{"error": execErr.Error()})
		return nil, rerr.Wrap(rerr.KindTransient, "transport error", execErr)
	}

	cls := classify(resp.status, resp.headers, resp.body, c.clock.Now())
	rateLimited := cls.kind == kindRateLimit
	if rateLimited {
		c.backoff.observe(token, cls.resumeAt)
		if c.observer != nil {
			c.observer.ObserveRateLimit(cls.resumeAt)
		}
		c.emit(events.EventHostingRateLimit, method, url, resp.status, duration, attemptNo, write, true, map[string]string{"resume_at": cls.resumeAt.Format(time.RFC3339)})
	} else {
		c.backoff.clear(token)
	}
	if c.observer != nil {
		if remaining, limit, ok := quotaFromHeaders(resp.headers); ok {
			c.observer.ObserveQuota(remaining, limit)
		}
	}
	c.emit(events.EventHostingRequest, method, url, resp.status, duration, attemptNo, write, rateLimited, map[string]string{"request_id": resp.requestID})

	switch cls.kind {
	case kindOK:
		return resp, nil
	case kindRateLimit:
		return resp, rerr.WrapRateLimit(cls.message, cls.resumeAt, fmt.Errorf("status %d", resp.status))
	case kindAuth:
		return resp, rerr.New(rerr.KindAuth, cls.message)
	case kindNotFound:
		return resp, rerr.New(rerr.KindNotFound, cls.message)
	case kindConflict:
		return resp, rerr.New(rerr.KindConflict, cls.message)
	case kindTransient:
		return resp, rerr.New(rerr.KindTransient, cls.message)
	default:
		return resp, rerr.New(rerr.KindUnknown, cls.message)
	}
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	if c.tokenSource == nil {
		return "", fmt.Errorf("no token source configured")
	}
	tok, err := c.tokenSource.Token()
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (c *Client) emit(eventType events.EventType, method, url string, status int, dur time.Duration, attempt int, write, rateLimited bool, extra map[string]string) {
	if c.broker == nil {
		return
	}
	meta := map[string]string{
		"method":       method,
		"url":          url,
		"status":       fmt.Sprintf("%d", status),
		"duration_ms":  fmt.Sprintf("%d", dur.Milliseconds()),
		"attempt":      fmt.Sprintf("%d", attempt),
		"write":        fmt.Sprintf("%t", write),
		"rate_limited": fmt.Sprintf("%t", rateLimited),
	}
	for k, v := range extra {
		meta[k] = v
	}
	c.broker.Publish(&events.Event{
		Type:      eventType,
		Level:     events.LevelInfo,
		Timestamp: c.clock.Now(),
		Metadata:  meta,
	})
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

// restURL joins the base URL with a path.
func (c *Client) restURL(path string) string {
	return c.baseURL + path
}

// GetIssue fetches one issue.
func (c *Client) GetIssue(ctx context.Context, ref IssueRef) (*Issue, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.restURL(fmt.Sprintf("/repos/%s/issues/%d", ref.Repo, ref.Number)), nil, false)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Number    int      `json:"number"`
		NodeID    string   `json:"node_id"`
		Title     string   `json:"title"`
		Body      string   `json:"body"`
		State     string   `json:"state"`
		Labels    []label  `json:"labels"`
		UpdatedAt string   `json:"updated_at"`
	}
	if err := json.Unmarshal(resp.body, &raw); err != nil {
		return nil, rerr.Wrap(rerr.KindUnknown, "failed to decode issue", err)
	}
	return &Issue{
		Number:    raw.Number,
		NodeID:    raw.NodeID,
		Title:     raw.Title,
		Body:      raw.Body,
		Open:      raw.State == "open",
		Labels:    labelNames(raw.Labels),
		UpdatedAt: raw.UpdatedAt,
	}, nil
}

// ListIssuesByLabel lists open issues on repo carrying label, paging until
// exhausted. This is the queue driver's polling source: an issue snapshot
// is "born on first poll" by way of this call feeding
// queue.Driver.PollIssues.
func (c *Client) ListIssuesByLabel(ctx context.Context, repo, labelName string) ([]Issue, error) {
	var out []Issue
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/issues?labels=%s&state=open&per_page=100&page=%d", repo, labelName, page)
		resp, err := c.doRequest(ctx, http.MethodGet, c.restURL(path), nil, false)
		if err != nil {
			return nil, err
		}
		var raw []struct {
			Number    int     `json:"number"`
			NodeID    string  `json:"node_id"`
			Title     string  `json:"title"`
			Body      string  `json:"body"`
			State     string  `json:"state"`
			Labels    []label `json:"labels"`
			UpdatedAt string  `json:"updated_at"`
			PullRequest *struct{} `json:"pull_request,omitempty"`
		}
		if err := json.Unmarshal(resp.body, &raw); err != nil {
			return nil, rerr.Wrap(rerr.KindUnknown, "failed to decode issue list", err)
		}
		if len(raw) == 0 {
			break
		}
		for _, r := range raw {
			if r.PullRequest != nil {
				continue // GitHub's issues endpoint also returns PRs; skip them
			}
			out = append(out, Issue{
				Number:    r.Number,
				NodeID:    r.NodeID,
				Title:     r.Title,
				Body:      r.Body,
				Open:      r.State == "open",
				Labels:    labelNames(r.Labels),
				UpdatedAt: r.UpdatedAt,
			})
		}
		if len(raw) < 100 {
			break
		}
	}
	return out, nil
}

type label struct {
	Name string `json:"name"`
}

func labelNames(ls []label) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.Name
	}
	return out
}

// ReopenIssue reopens a closed issue, used by the closed-issue sweep when a
// tracked PR is still open.
func (c *Client) ReopenIssue(ctx context.Context, ref IssueRef) error {
	payload, err := json.Marshal(map[string]string{"state": "open"})
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPatch, c.restURL(fmt.Sprintf("/repos/%s/issues/%d", ref.Repo, ref.Number)), bytes.NewReader(payload), true)
	return err
}

// AddLabels adds the given labels to an issue. Non-idempotent write: the
// caller is responsible for retry decisions.
func (c *Client) AddLabels(ctx context.Context, ref IssueRef, labels []string) error {
	payload, err := json.Marshal(map[string][]string{"labels": labels})
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost, c.restURL(fmt.Sprintf("/repos/%s/issues/%d/labels", ref.Repo, ref.Number)), bytes.NewReader(payload), true)
	return err
}

// RemoveLabel removes a single label from an issue. A not_found response
// (label already absent) is treated as success by the caller via rerr.Is.
func (c *Client) RemoveLabel(ctx context.Context, ref IssueRef, labelName string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, c.restURL(fmt.Sprintf("/repos/%s/issues/%d/labels/%s", ref.Repo, ref.Number, labelName)), nil, true)
	return err
}

// CreateComment posts a new issue comment and returns its id.
func (c *Client) CreateComment(ctx context.Context, ref IssueRef, body string) (int64, error) {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return 0, err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, c.restURL(fmt.Sprintf("/repos/%s/issues/%d/comments", ref.Repo, ref.Number)), bytes.NewReader(payload), true)
	if err != nil {
		return 0, err
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return 0, rerr.Wrap(rerr.KindUnknown, "failed to decode created comment", err)
	}
	return out.ID, nil
}

// UpdateComment replaces an existing comment's body.
func (c *Client) UpdateComment(ctx context.Context, repo string, commentID int64, body string) error {
	payload, err := json.Marshal(map[string]string{"body": body})
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPatch, c.restURL(fmt.Sprintf("/repos/%s/issues/comments/%d", repo, commentID)), bytes.NewReader(payload), true)
	return err
}

// ListComments lists the most recent comments on an issue, newest last,
// bounded by perPage.
func (c *Client) ListComments(ctx context.Context, ref IssueRef, perPage int) ([]Comment, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.restURL(fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=%d", ref.Repo, ref.Number, perPage)), nil, false)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		ID                int64  `json:"id"`
		Body              string `json:"body"`
		UpdatedAt         string `json:"updated_at"`
		AuthorAssociation string `json:"author_association"`
		User              struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := json.Unmarshal(resp.body, &raw); err != nil {
		return nil, rerr.Wrap(rerr.KindUnknown, "failed to decode comments", err)
	}
	out := make([]Comment, len(raw))
	for i, rc := range raw {
		out[i] = Comment{
			ID:                rc.ID,
			Body:              rc.Body,
			UpdatedAt:         rc.UpdatedAt,
			Author:            rc.User.Login,
			AuthorAssociation: rc.AuthorAssociation,
		}
	}
	return out, nil
}

// EnsureLabel creates a label if it does not already exist, treating
// "already exists" (unprocessable entity) as success. Used by the
// label-ensurer retry path in labelio.
func (c *Client) EnsureLabel(ctx context.Context, repo, name, color string) error {
	payload, err := json.Marshal(map[string]string{"name": name, "color": color})
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost, c.restURL(fmt.Sprintf("/repos/%s/labels", repo)), bytes.NewReader(payload), true)
	if err != nil && rerr.Is(err, rerr.KindConflict) {
		return nil
	}
	return err
}

// ListPullRequestsByHeadRef finds PRs (open or closed/merged) whose head
// branch matches branch, used to derive a PR url when the agent's build
// step doesn't return one.
func (c *Client) ListPullRequestsByHeadRef(ctx context.Context, repo, owner, branch string, state string) ([]PullRequest, error) {
	q := fmt.Sprintf("/repos/%s/pulls?head=%s:%s&state=%s", repo, owner, branch, state)
	resp, err := c.doRequest(ctx, http.MethodGet, c.restURL(q), nil, false)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(resp.body, &raw); err != nil {
		return nil, rerr.Wrap(rerr.KindUnknown, "failed to decode pull request list", err)
	}
	out := make([]PullRequest, 0, len(raw))
	for _, r := range raw {
		pr, err := decodePullRequest(r)
		if err != nil {
			return nil, err
		}
		out = append(out, *pr)
	}
	return out, nil
}

// ListPullRequestFiles lists the paths changed by a PR, used by the
// CI-only-PR check to tell a CI-config-only diff from a real change.
func (c *Client) ListPullRequestFiles(ctx context.Context, repo string, number int) ([]string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.restURL(fmt.Sprintf("/repos/%s/pulls/%d/files?per_page=100", repo, number)), nil, false)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(resp.body, &raw); err != nil {
		return nil, rerr.Wrap(rerr.KindUnknown, "failed to decode pull request files", err)
	}
	out := make([]string, len(raw))
	for i, f := range raw {
		out[i] = f.Filename
	}
	return out, nil
}

// GetPullRequestByNumber fetches a PR's current view including merge state.
func (c *Client) GetPullRequestByNumber(ctx context.Context, repo string, number int) (*PullRequest, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.restURL(fmt.Sprintf("/repos/%s/pulls/%d", repo, number)), nil, false)
	if err != nil {
		return nil, err
	}
	return decodePullRequest(resp.body)
}

func decodePullRequest(body []byte) (*PullRequest, error) {
	var raw struct {
		Number         int     `json:"number"`
		HTMLURL        string  `json:"html_url"`
		State          string  `json:"state"`
		Merged         bool    `json:"merged"`
		MergeableState string  `json:"mergeable_state"`
		Labels         []label `json:"labels"`
		Head           struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, rerr.Wrap(rerr.KindUnknown, "failed to decode pull request", err)
	}
	return &PullRequest{
		Number:     raw.Number,
		URL:        raw.HTMLURL,
		HeadRef:    raw.Head.Ref,
		HeadSHA:    raw.Head.SHA,
		BaseRef:    raw.Base.Ref,
		Open:       raw.State == "open",
		Merged:     raw.Merged,
		MergeState: classifyMergeableState(raw.MergeableState),
		Labels:     labelNames(raw.Labels),
	}, nil
}

func classifyMergeableState(s string) types.MergeStateStatus {
	switch s {
	case "clean":
		return types.MergeStateClean
	case "dirty", "unstable":
		return types.MergeStateDirty
	case "behind":
		return types.MergeStateBehind
	default:
		return types.MergeStateUnknown
	}
}

// ListCheckRuns lists the named checks attached to a commit SHA.
func (c *Client) ListCheckRuns(ctx context.Context, repo, sha string) ([]CheckRun, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.restURL(fmt.Sprintf("/repos/%s/commits/%s/check-runs", repo, sha)), nil, false)
	if err != nil {
		return nil, err
	}
	var raw struct {
		CheckRuns []struct {
			Name       string `json:"name"`
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
		} `json:"check_runs"`
	}
	if err := json.Unmarshal(resp.body, &raw); err != nil {
		return nil, rerr.Wrap(rerr.KindUnknown, "failed to decode check runs", err)
	}
	out := make([]CheckRun, len(raw.CheckRuns))
	for i, cr := range raw.CheckRuns {
		state := cr.Status
		if cr.Status == "completed" {
			state = cr.Conclusion
		}
		out[i] = CheckRun{Name: cr.Name, RawState: state}
	}
	return out, nil
}

// MergePullRequest issues an explicit merge with the expected head SHA, so
// the merge fails rather than races against a concurrent push.
func (c *Client) MergePullRequest(ctx context.Context, repo string, number int, expectedHeadSHA string) error {
	payload, err := json.Marshal(map[string]string{"sha": expectedHeadSHA, "merge_method": "merge"})
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPut, c.restURL(fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, number)), bytes.NewReader(payload), true)
	return err
}

// UpdateBranch asks the hosting service to merge the base branch into the
// PR's head branch (the "Update branch" button's API equivalent).
func (c *Client) UpdateBranch(ctx context.Context, repo string, number int, expectedHeadSHA string) error {
	payload, err := json.Marshal(map[string]string{"expected_head_sha": expectedHeadSHA})
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPut, c.restURL(fmt.Sprintf("/repos/%s/pulls/%d/update-branch", repo, number)), bytes.NewReader(payload), true)
	return err
}

// DeleteBranch best-effort deletes a ref after merge.
func (c *Client) DeleteBranch(ctx context.Context, repo, branch string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, c.restURL(fmt.Sprintf("/repos/%s/git/refs/heads/%s", repo, branch)), nil, true)
	return err
}

// graphQLRequest issues one GraphQL query with variables and scans the
// response with gjson rather than a full struct decode, since the queries
// used for dependency-signal discovery vary in shape by provider.
func (c *Client) graphQLRequest(ctx context.Context, query string, variables map[string]interface{}) ([]byte, error) {
	payload, err := json.Marshal(map[string]interface{}{"query": query, "variables": variables})
	if err != nil {
		return nil, err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, c.graphQLURL, bytes.NewReader(payload), false)
	if err != nil {
		return nil, err
	}
	return resp.body, nil
}

// DependencySignals resolves blocked_by and sub_issue edges for an issue
// via the hosting service's graph API, falling back to nothing when the
// provider does not support it.
func (c *Client) DependencySignals(ctx context.Context, ref IssueRef) ([]DependencySignal, DependencyCoverage, error) {
	const query = `
query($owner:String!,$name:String!,$number:Int!){
  repository(owner:$owner,name:$name){
    issue(number:$number){
      closedByPullRequestsReferences(first:50){ nodes{ state } }
      trackedIssues(first:50){ nodes{ state } }
      trackedInIssues(first:50){ nodes{ state } }
    }
  }
}`
	owner, name, ok := splitRepo(string(ref.Repo))
	if !ok {
		return nil, DependencyCoverage{}, rerr.New(rerr.KindUnknown, "malformed repo id")
	}
	body, err := c.graphQLRequest(ctx, query, map[string]interface{}{"owner": owner, "name": name, "number": ref.Number})
	if err != nil {
		return nil, DependencyCoverage{}, err
	}

	var signals []DependencySignal
	issue := "data.repository.issue."
	for _, node := range gjson.GetBytes(body, issue+"trackedInIssues.nodes.#.state").Array() {
		signals = append(signals, DependencySignal{Kind: "blocked_by", Source: "graph", Open: node.String() == "OPEN"})
	}
	for _, node := range gjson.GetBytes(body, issue+"trackedIssues.nodes.#.state").Array() {
		signals = append(signals, DependencySignal{Kind: "sub_issue", Source: "graph", Open: node.String() == "OPEN"})
	}

	coverage := DependencyCoverage{
		GraphDepsComplete:      true,
		GraphSubIssuesComplete: true,
		BodyDepsExtracted:      false,
	}
	return signals, coverage, nil
}

func splitRepo(repo string) (owner, name string, ok bool) {
	idx := strings.IndexByte(repo, '/')
	if idx < 0 {
		return "", "", false
	}
	return repo[:idx], repo[idx+1:], true
}
