package queue

import (
	"context"
	"strconv"
	"strings"

	"github.com/ralphd/ralph/pkg/hosting"
	"github.com/ralphd/ralph/pkg/labelio"
	"github.com/ralphd/ralph/pkg/metrics"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/robfig/cron/v3"
)

// SweepSchedule lets operators configure a cron cadence per sweeper
// instead of one shared ticker.
type SweepSchedule struct {
	ClosedIssues       string // default "@every 2m"
	StaleInProgress    string // default "@every 1m"
	BlockedReconcile   string // default "@every 3m"
	OperatorResolved   string // default "@every 1m"
}

func (s SweepSchedule) withDefaults() SweepSchedule {
	if s.ClosedIssues == "" {
		s.ClosedIssues = "@every 2m"
	}
	if s.StaleInProgress == "" {
		s.StaleInProgress = "@every 1m"
	}
	if s.BlockedReconcile == "" {
		s.BlockedReconcile = "@every 3m"
	}
	if s.OperatorResolved == "" {
		s.OperatorResolved = "@every 1m"
	}
	return s
}

// StartSweepers registers the periodic sweepers on a cron scheduler
// scoped to repo and starts it. Callers must call Stop() on shutdown.
func (d *Driver) StartSweepers(ctx context.Context, repos []types.RepoConfig, sched SweepSchedule) *cron.Cron {
	sched = sched.withDefaults()
	c := cron.New()
	for _, repo := range repos {
		repo := repo
		c.AddFunc(sched.ClosedIssues, func() { d.runSweep("closed_issues", func() error { return d.SweepClosedIssues(ctx, repo.ID) }) })
		c.AddFunc(sched.StaleInProgress, func() { d.runSweep("stale_in_progress", func() error { return d.SweepStaleInProgress(ctx, repo.ID) }) })
		if repo.AutoQueueEnabled {
			c.AddFunc(sched.BlockedReconcile, func() { d.runSweep("blocked_reconcile", func() error { return d.SweepBlockedReconcile(ctx, repo.ID) }) })
		}
		c.AddFunc(sched.OperatorResolved, func() { d.runSweep("operator_resolved", func() error { return d.SweepOperatorResolved(ctx, repo.ID) }) })
	}
	d.cron = c
	c.Start()
	return c
}

// Stop stops the sweeper cron scheduler, if running.
func (d *Driver) Stop() {
	if d.cron != nil {
		d.cron.Stop()
	}
}

func (d *Driver) runSweep(name string, fn func() error) {
	timer := metrics.NewTimer()
	if err := fn(); err != nil {
		d.logger.Error().Err(err).Str("sweeper", name).Msg("sweeper cycle failed")
	}
	timer.ObserveDurationVec(metrics.SweepDuration, name)
	metrics.SweepCyclesTotal.WithLabelValues(name).Inc()
}

// SweepClosedIssues reconciles closed issues: if an issue is closed with no open
// PR recorded, release op-state and strip Ralph labels; if a tracked PR is
// still open, reopen the issue and requeue.
func (d *Driver) SweepClosedIssues(ctx context.Context, repo types.RepoID) error {
	snaps, err := d.store.ListIssueSnapshotsByRepo(repo)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if snap.Open {
			continue
		}
		op, found, err := d.store.GetTaskOpState(repo, strconv.Itoa(snap.Number))
		if err != nil {
			return err
		}
		if !found || !op.ReleasedAt.IsZero() {
			continue
		}

		prs, err := d.store.ListPRSnapshotsByIssue(repo, snap.Number)
		if err != nil {
			return err
		}
		var openPR *types.PRSnapshot
		for _, pr := range prs {
			if pr.State == types.PRStateOpen {
				openPR = pr
				break
			}
		}

		ref := hosting.IssueRef{Repo: repo, Number: snap.Number}
		if openPR != nil {
			if err := d.client.ReopenIssue(ctx, ref); err != nil {
				return err
			}
			if err := d.UpdateStatus(ctx, repo, snap.Number, types.StatusQueued, StatusExtras{}); err != nil {
				return err
			}
			continue
		}

		if err := d.releaseOpState(repo, snap.Number, "closed", StatusExtras{}); err != nil {
			return err
		}
		var remove []string
		for _, l := range types.StatusLabels() {
			remove = append(remove, string(l))
		}
		d.labelIO.ExecuteLabelOps(ctx, ref, labelio.PlanLabelOps(nil, remove))
	}
	return nil
}

// SweepStaleInProgress releases dead owners: an in-progress label with
// op-state whose heartbeat exceeded TTL (or whose daemon has died) is
// released and relabelled queued.
func (d *Driver) SweepStaleInProgress(ctx context.Context, repo types.RepoID) error {
	ops, err := d.store.ListTaskOpStatesByRepo(repo)
	if err != nil {
		return err
	}
	now := d.clock.Now()
	for _, op := range ops {
		if !op.Stale(now, d.ttl) {
			continue
		}
		number, err := strconv.Atoi(op.TaskPath)
		if err != nil {
			continue
		}
		if err := d.releaseOpState(repo, number, "stale-heartbeat", StatusExtras{}); err != nil {
			return err
		}
		if err := d.UpdateStatus(ctx, repo, number, types.StatusQueued, StatusExtras{}); err != nil {
			return err
		}
		d.logger.Warn().Str("repo", string(repo)).Int("number", number).Msg("released stale in-progress task")
	}
	return nil
}

// SweepBlockedReconcile keeps the blocked label honest: for queued issues
// under an auto-queue-enabled repo, re-run the relationship engine and
// write blocked/queued
// accordingly; unknown never churns the label.
func (d *Driver) SweepBlockedReconcile(ctx context.Context, repo types.RepoID) error {
	queued, err := d.store.ListIssueSnapshotsByRepoLabel(repo, string(types.LabelQueued))
	if err != nil {
		return err
	}
	blocked, err := d.store.ListIssueSnapshotsByRepoLabel(repo, string(types.LabelBlocked))
	if err != nil {
		return err
	}
	wasBlocked := make(map[int]bool, len(blocked))
	for _, snap := range blocked {
		wasBlocked[snap.Number] = true
	}

	for _, snap := range append(queued, blocked...) {
		ref := hosting.IssueRef{Repo: repo, Number: snap.Number}
		issue, err := d.client.GetIssue(ctx, ref)
		if err != nil {
			return err
		}
		decision, err := d.relationship.Decide(ctx, ref, issue.Body)
		if err != nil {
			return err
		}
		if decision.Unknown {
			continue
		}
		if decision.Blocked {
			d.labelIO.ExecuteLabelOps(ctx, ref, labelio.PlanLabelOps([]string{string(types.LabelBlocked)}, []string{string(types.LabelQueued)}))
			continue
		}
		d.labelIO.ExecuteLabelOps(ctx, ref, labelio.PlanLabelOps([]string{string(types.LabelQueued)}, []string{string(types.LabelBlocked)}))
		if wasBlocked[snap.Number] {
			d.markDependenciesUnblocked(ctx, ref)
		}
	}
	return nil
}

// markDependenciesUnblocked starts the parent-verification lifecycle:
// pending is set when dependencies unblock and consumed before planning. It
// records the pending state and upserts the marker-keyed comment telling
// the issue's watchers why it moved off blocked, so the worker's plan step
// has something concrete to consume.
func (d *Driver) markDependenciesUnblocked(ctx context.Context, ref hosting.IssueRef) {
	if err := d.store.SetParentVerificationState(&types.ParentVerificationState{
		Repo: ref.Repo, Number: ref.Number, Status: types.ParentVerificationPending, UpdatedAt: d.clock.Now(),
	}); err != nil {
		d.logger.Warn().Err(err).Str("repo", string(ref.Repo)).Int("number", ref.Number).Msg("failed to persist parent-verification pending state")
		return
	}
	id := labelio.MarkerID(ref.Repo, ref.Number)
	body := "Dependencies resolved; queued for planning."
	if _, err := d.labelIO.UpsertMarkerComment(ctx, ref, labelio.CommentParentVerification, id, body); err != nil {
		d.logger.Warn().Err(err).Str("repo", string(ref.Repo)).Int("number", ref.Number).Msg("failed to upsert parent-verification comment")
	}
}

// resolvedMarker is the operator-comment text that re-queues an escalated task.
const resolvedMarker = "RALPH RESOLVED"

// SweepOperatorResolved honours operator resolutions: an escalated issue with a
// `RALPH RESOLVED:` comment by an operator (owner/collaborator) has its
// ralph:escalated label removed and is re-queued. A non-operator comment
// with the same text is ignored. "Queued label
// re-added wins" when the two label states would otherwise conflict: this
// sweeper always re-adds queued on a valid resolution regardless of any
// label state left over from the operator's edit.
func (d *Driver) SweepOperatorResolved(ctx context.Context, repo types.RepoID) error {
	escalated, err := d.store.ListIssueSnapshotsByRepoLabel(repo, string(types.LabelEscalated))
	if err != nil {
		return err
	}
	for _, snap := range escalated {
		ref := hosting.IssueRef{Repo: repo, Number: snap.Number}
		comments, err := d.client.ListComments(ctx, ref, commentSweepDepth)
		if err != nil {
			return err
		}
		resolved := false
		for _, c := range comments {
			if strings.HasPrefix(strings.TrimSpace(c.Body), resolvedMarker) && c.IsOperator() {
				resolved = true
				break
			}
		}
		if !resolved {
			continue
		}
		outcome := d.labelIO.ExecuteLabelOps(ctx, ref, labelio.PlanLabelOps([]string{string(types.LabelQueued)}, []string{string(types.LabelEscalated)}))
		if outcome == labelio.OutcomeOK {
			d.logger.Info().Str("repo", string(repo)).Int("number", snap.Number).Msg("operator resolution re-queued escalated task")
		}
	}
	return nil
}

const commentSweepDepth = 30
