// Package mergegate is the merge-gate controller: the required-check
// waiter, behind-branch updater, conflict detector, and bounded merge
// retry sitting between a ready PR and a merged one.
package mergegate

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/ralphd/ralph/pkg/backoff"
	"github.com/ralphd/ralph/pkg/clock"
	"github.com/ralphd/ralph/pkg/hosting"
	"github.com/ralphd/ralph/pkg/log"
	"github.com/ralphd/ralph/pkg/metrics"
	"github.com/ralphd/ralph/pkg/rerr"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/rs/zerolog"
)

// Result is the merge-gate's terminal outcome for one PR.
type Result struct {
	Outcome Outcome
	HeadSHA string
	Reason  string
}

// Outcome enumerates the merge gate's terminal states.
type Outcome string

const (
	OutcomeMerged       Outcome = "merged"
	OutcomeConflict     Outcome = "conflict"
	OutcomeCIFailed     Outcome = "ci-failed"
	OutcomeTimedOut     Outcome = "timed-out"
	OutcomeAutoUpdateFailed Outcome = "auto-update-failed"
)

// Input parameters for one merge-gate run.
type Input struct {
	Repo              types.RepoID
	Number            int
	PRURL             string
	RequiredChecks    []string
	BaseBranch        string
	MainBranch        string
	AutoUpdateEnabled bool
	AutoUpdateMinAge  time.Duration
	AutoUpdateLabel   string
	PROpenedAt        time.Time
	Timeout           time.Duration
	PollInterval      time.Duration
}

// Controller runs the merge gate for one PR at a time.
type Controller struct {
	Client hosting.HostingClient
	Clock  clock.Clock
	Logger zerolog.Logger
}

// New builds a Controller.
func New(client hosting.HostingClient, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Controller{Client: client, Clock: clk, Logger: log.WithComponent("mergegate")}
}

// checkState is the worst-of aggregate a required-check evaluation produces.
type checkState string

const (
	checkSuccess checkState = "SUCCESS"
	checkPending checkState = "PENDING"
	checkFailure checkState = "FAILURE"
)

// Run drives the merge gate to completion or timeout.
func (c *Controller) Run(ctx context.Context, in Input) (Result, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.MergeGateDuration)
	}()

	deadline := c.Clock.Now().Add(in.Timeout)
	initialPoll := in.PollInterval
	if initialPoll <= 0 {
		initialPoll = 15 * time.Second
	}
	maxPoll := initialPoll * 8
	if maxPoll > 2*time.Minute {
		maxPoll = 2 * time.Minute
	}
	seq := backoff.NewSequence(backoff.Policy{Initial: initialPoll, Max: maxPoll})
	branchUpdated := false
	mergeRetried := false

	for {
		pr, err := c.Client.GetPullRequestByNumber(ctx, string(in.Repo), in.Number)
		if err != nil {
			return Result{}, err
		}

		if pr.MergeState == types.MergeStateDirty {
			metrics.MergeOutcomeTotal.WithLabelValues(string(in.Repo), string(OutcomeConflict)).Inc()
			return Result{Outcome: OutcomeConflict, HeadSHA: pr.HeadSHA, Reason: "merge-state classifier is DIRTY"}, nil
		}

		if pr.MergeState == types.MergeStateBehind && in.AutoUpdateEnabled && !branchUpdated {
			if c.autoUpdateEligible(in, pr) {
				if err := c.Client.UpdateBranch(ctx, string(in.Repo), in.Number, pr.HeadSHA); err != nil {
					metrics.MergeOutcomeTotal.WithLabelValues(string(in.Repo), string(OutcomeAutoUpdateFailed)).Inc()
					return Result{Outcome: OutcomeAutoUpdateFailed, HeadSHA: pr.HeadSHA, Reason: "auto-update failed: " + err.Error()}, nil
				}
				branchUpdated = true
				continue // re-fetch merge-state before evaluating checks
			}
		}

		state, reason, err := c.evaluateChecks(ctx, string(in.Repo), pr.HeadSHA, in.RequiredChecks)
		if err != nil {
			return Result{}, err
		}
		if pr.MergeState == types.MergeStateDirty {
			// short-circuit: classifier became DIRTY mid-wait.
			metrics.MergeOutcomeTotal.WithLabelValues(string(in.Repo), string(OutcomeConflict)).Inc()
			return Result{Outcome: OutcomeConflict, HeadSHA: pr.HeadSHA, Reason: "merge-state classifier became DIRTY while waiting"}, nil
		}

		switch state {
		case checkSuccess:
			res, err := c.merge(ctx, in, pr, mergeRetried)
			if err == errRetryAfterUpdate {
				// branch-update succeeded; re-evaluate checks against the
				// new head before the single merge re-attempt.
				mergeRetried = true
				continue
			}
			return res, err
		case checkFailure:
			metrics.MergeOutcomeTotal.WithLabelValues(string(in.Repo), string(OutcomeCIFailed)).Inc()
			return Result{Outcome: OutcomeCIFailed, HeadSHA: pr.HeadSHA, Reason: reason}, nil
		}

		now := c.Clock.Now()
		if !now.Before(deadline) {
			metrics.MergeOutcomeTotal.WithLabelValues(string(in.Repo), string(OutcomeTimedOut)).Inc()
			return Result{Outcome: OutcomeTimedOut, HeadSHA: pr.HeadSHA, Reason: "timeout with pending required check: " + reason}, nil
		}
		if err := c.Clock.Sleep(ctx, seq.Next()); err != nil {
			return Result{}, rerr.Wrap(rerr.KindTransient, "interrupted while polling required checks", err)
		}
	}
}

// autoUpdateEligible gates branch auto-update: label-gate (if any)
// present, and PR age at least the configured minimum.
func (c *Controller) autoUpdateEligible(in Input, pr *hosting.PullRequest) bool {
	if in.AutoUpdateLabel != "" && !hasLabel(pr.Labels, in.AutoUpdateLabel) {
		return false
	}
	if in.AutoUpdateMinAge <= 0 {
		return true
	}
	return c.Clock.Now().Sub(in.PROpenedAt) >= in.AutoUpdateMinAge
}

func hasLabel(labels []string, name string) bool {
	for _, l := range labels {
		if l == name {
			return true
		}
	}
	return false
}

// evaluateChecks evaluates required checks: requiredChecks=[] succeeds
// unconditionally; otherwise look up each required name by canonical name
// (missing is pending/rawState=missing) and aggregate worst-of.
func (c *Controller) evaluateChecks(ctx context.Context, repo, sha string, required []string) (checkState, string, error) {
	if len(required) == 0 {
		return checkSuccess, "", nil
	}
	runs, err := c.Client.ListCheckRuns(ctx, repo, sha)
	if err != nil {
		return "", "", err
	}
	byName := make(map[string]hosting.CheckRun, len(runs))
	for _, r := range runs {
		byName[r.Name] = r
	}

	sortedNames := append([]string(nil), required...)
	sort.Strings(sortedNames)

	worst := checkSuccess
	var failing, pending []string
	for _, name := range sortedNames {
		run, ok := byName[name]
		state := normaliseCheckState(run.RawState)
		if !ok {
			state = checkPending
		}
		switch state {
		case checkFailure:
			failing = append(failing, name)
			worst = checkFailure
		case checkPending:
			pending = append(pending, name)
			if worst != checkFailure {
				worst = checkPending
			}
		}
	}

	reason := formatCheckReason(failing, pending)
	return worst, reason, nil
}

func normaliseCheckState(raw string) checkState {
	switch strings.ToLower(raw) {
	case "success":
		return checkSuccess
	case "failure", "error", "cancelled", "timed_out":
		return checkFailure
	default:
		return checkPending
	}
}

// formatCheckReason builds a bounded, deterministic reason string from
// sorted-name check lists.
func formatCheckReason(failing, pending []string) string {
	var parts []string
	if len(failing) > 0 {
		parts = append(parts, "failing: "+strings.Join(failing, ","))
	}
	if len(pending) > 0 {
		parts = append(parts, "pending: "+strings.Join(pending, ","))
	}
	reason := strings.Join(parts, "; ")
	const maxLen = 240
	if len(reason) > maxLen {
		reason = reason[:maxLen] + "..."
	}
	return reason
}

// errRetryAfterUpdate signals Run to re-fetch merge-state and re-evaluate
// checks before the single merge re-attempt.
var errRetryAfterUpdate = errors.New("retry merge after branch update")

// merge issues the explicit merge with an expected head SHA.
// On a "head not up to date"/"required status checks are expected" style
// failure it calls branch-update once and hands control back to the check
// waiter; a second stale-head failure escalates rather than retrying again.
func (c *Controller) merge(ctx context.Context, in Input, pr *hosting.PullRequest, retried bool) (Result, error) {
	metrics.MergeAttemptsTotal.Inc()
	err := c.Client.MergePullRequest(ctx, string(in.Repo), in.Number, pr.HeadSHA)
	if err == nil {
		return c.finishMerge(ctx, in, pr)
	}
	if !looksLikeStaleHeadError(err) || retried {
		return Result{}, err
	}

	if updateErr := c.Client.UpdateBranch(ctx, string(in.Repo), in.Number, pr.HeadSHA); updateErr != nil {
		metrics.MergeOutcomeTotal.WithLabelValues(string(in.Repo), string(OutcomeAutoUpdateFailed)).Inc()
		return Result{Outcome: OutcomeAutoUpdateFailed, HeadSHA: pr.HeadSHA, Reason: "branch-update retry failed: " + updateErr.Error()}, nil
	}
	return Result{}, errRetryAfterUpdate
}

func looksLikeStaleHeadError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not up to date") || strings.Contains(msg, "required status checks are expected")
}

// finishMerge finishes a merged PR: best-effort delete the head branch
// when the PR wasn't merged into main, and let the caller apply the
// midpoint labels.
func (c *Controller) finishMerge(ctx context.Context, in Input, pr *hosting.PullRequest) (Result, error) {
	mainBranch := in.MainBranch
	if mainBranch == "" {
		mainBranch = "main"
	}
	if pr.BaseRef != mainBranch {
		if err := c.Client.DeleteBranch(ctx, string(in.Repo), pr.HeadRef); err != nil {
			c.Logger.Warn().Str("repo", string(in.Repo)).Int("number", in.Number).Err(err).Msg("best-effort head branch delete failed")
		}
	}
	metrics.MergeOutcomeTotal.WithLabelValues(string(in.Repo), string(OutcomeMerged)).Inc()
	return Result{Outcome: OutcomeMerged, HeadSHA: pr.HeadSHA}, nil
}
