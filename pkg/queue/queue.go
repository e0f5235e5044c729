// Package queue is the queue driver: it presents the lifecycle worker
// with the abstraction of a task queue whose entries are hosting-service
// issues carrying the Ralph workflow label set. Labels are the canonical
// status; the durable store holds short-lived execution metadata; this
// package reconciles the two.
package queue

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/ralphd/ralph/pkg/clock"
	"github.com/ralphd/ralph/pkg/hosting"
	"github.com/ralphd/ralph/pkg/labelio"
	"github.com/ralphd/ralph/pkg/log"
	"github.com/ralphd/ralph/pkg/metrics"
	"github.com/ralphd/ralph/pkg/relationship"
	"github.com/ralphd/ralph/pkg/rerr"
	"github.com/ralphd/ralph/pkg/storage"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// HeartbeatTTL is the default lease TTL for a task op-state.
const HeartbeatTTL = 5 * time.Minute

// Config wires a Driver to its collaborators.
type Config struct {
	Store        storage.Store
	Client       hosting.HostingClient
	LabelIO      *labelio.IO
	Relationship *relationship.Engine
	Clock        clock.Clock
	HeartbeatTTL time.Duration
	Repos        []types.RepoConfig
}

// Driver derives task views from snapshots and mediates claims.
type Driver struct {
	store        storage.Store
	client       hosting.HostingClient
	labelIO      *labelio.IO
	relationship *relationship.Engine
	clock        clock.Clock
	ttl          time.Duration
	autoQueue    map[types.RepoID]bool
	logger       zerolog.Logger
	cron         *cron.Cron
}

// New builds a Driver from cfg.
func New(cfg Config) *Driver {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ttl := cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = HeartbeatTTL
	}
	autoQueue := make(map[types.RepoID]bool, len(cfg.Repos))
	for _, rc := range cfg.Repos {
		autoQueue[rc.ID] = rc.AutoQueueEnabled
	}
	return &Driver{
		store:        cfg.Store,
		client:       cfg.Client,
		labelIO:      cfg.LabelIO,
		relationship: cfg.Relationship,
		clock:        clk,
		ttl:          ttl,
		autoQueue:    autoQueue,
		logger:       log.WithComponent("queue"),
	}
}

var priorityPattern = regexp.MustCompile(`^ralph:priority:p(\d)-`)

// priorityOf parses the highest (lowest-numbered) priority label present,
// defaulting to the lowest priority (4) when absent, so listQueued's sort
// order is deterministic.
func priorityOf(labels []string) int {
	best := 4
	for _, l := range labels {
		m := priorityPattern.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n < best {
			best = n
		}
	}
	return best
}

// toTaskView assembles the derived TaskView from an issue snapshot and its
// (possibly absent) op-state.
func toTaskView(snap *types.IssueSnapshot, op *types.TaskOpState) (types.TaskView, bool) {
	status, ok := types.StatusFromLabels(snap.Open, snap.Labels)
	view := types.TaskView{
		ID:       types.TaskID(fmt.Sprintf("github:%s#%d", snap.Repo, snap.Number)),
		Repo:     snap.Repo,
		Number:   snap.Number,
		Status:   status,
		Priority: priorityOf(snap.Labels),
	}
	if op != nil {
		view.SessionID = op.SessionID
		view.WorktreePath = op.WorktreePath
		view.WorkerID = op.WorkerID
		view.Slot = op.Slot
		view.DaemonID = op.DaemonID
		view.HeartbeatAt = op.HeartbeatAt
	}
	return view, ok
}

// ListQueued returns runnable task views for repo, sorted by priority then
// (repo, number) ascending.
func (d *Driver) ListQueued(repo types.RepoID) ([]types.TaskView, error) {
	return d.listByStatus(repo, types.StatusQueued)
}

// ListByStatus returns task views for repo matching status.
func (d *Driver) ListByStatus(repo types.RepoID, status types.Status) ([]types.TaskView, error) {
	return d.listByStatus(repo, status)
}

func (d *Driver) listByStatus(repo types.RepoID, status types.Status) ([]types.TaskView, error) {
	label, ok := types.LabelForStatus(status)
	var snaps []*types.IssueSnapshot
	var err error
	if ok {
		snaps, err = d.store.ListIssueSnapshotsByRepoLabel(repo, string(label))
	} else {
		snaps, err = d.store.ListIssueSnapshotsByRepo(repo)
	}
	if err != nil {
		return nil, err
	}

	views := make([]types.TaskView, 0, len(snaps))
	for _, snap := range snaps {
		view, valid := toTaskView(snap, nil)
		if !valid {
			d.logger.Error().Str("repo", string(repo)).Int("number", snap.Number).Msg("issue carries more than one status label")
			continue
		}
		if view.Status != status {
			continue
		}
		op, found, err := d.store.GetTaskOpState(repo, strconv.Itoa(snap.Number))
		if err != nil {
			return nil, err
		}
		if found {
			view, valid = toTaskView(snap, op)
			if !valid {
				continue
			}
		}
		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].Priority != views[j].Priority {
			return views[i].Priority < views[j].Priority
		}
		if views[i].Repo != views[j].Repo {
			return views[i].Repo < views[j].Repo
		}
		return views[i].Number < views[j].Number
	})
	return views, nil
}

// ClaimResult is the outcome of TryClaim.
type ClaimResult struct {
	View    types.TaskView
	Claimed bool
	Refused bool
	Reason  string
}

// TryClaim re-reads live labels (the snapshot may be stale), evaluates the
// relationship engine when queued, and transitions queued->in-progress when
// runnable. Label mutation precedes the op-state write so a crash
// between the two leaves a recoverable stale-in-progress state, never a
// silently-owned task with no label trail.
func (d *Driver) TryClaim(ctx context.Context, repo types.RepoID, number int, daemonID, workerID string, slot int) (ClaimResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ClaimLatency)

	ref := hosting.IssueRef{Repo: repo, Number: number}
	issue, err := d.client.GetIssue(ctx, ref)
	if err != nil {
		return ClaimResult{}, err
	}
	snap := &types.IssueSnapshot{Repo: repo, Number: number, Open: issue.Open, Title: issue.Title, Labels: issue.Labels, NodeID: issue.NodeID, LastSeenAt: d.clock.Now()}
	if err := d.store.UpsertIssueSnapshot(snap); err != nil {
		return ClaimResult{}, err
	}

	status, ok := types.StatusFromLabels(issue.Open, issue.Labels)
	if !ok {
		return ClaimResult{}, rerr.New(rerr.KindUnknown, "issue carries more than one status label")
	}
	if status != types.StatusQueued {
		return ClaimResult{Refused: true, Reason: "not queued"}, nil
	}

	decision, err := d.relationship.Decide(ctx, ref, issue.Body)
	if err != nil {
		return ClaimResult{}, err
	}
	if decision.Blocked {
		if d.autoQueue[repo] {
			d.labelIO.ExecuteLabelOps(ctx, ref, labelio.PlanLabelOps([]string{string(types.LabelBlocked)}, []string{string(types.LabelQueued)}))
		}
		return ClaimResult{Refused: true, Reason: decision.Reason}, nil
	}
	// decision.Unknown: proceed without gating, but never write blocked
	// label churn for it.

	add := []string{string(types.LabelInProgress)}
	remove := []string{string(types.LabelQueued)}
	outcome := d.labelIO.ExecuteLabelOps(ctx, ref, labelio.PlanLabelOps(add, remove))
	if outcome != labelio.OutcomeOK {
		return ClaimResult{}, rerr.New(rerr.KindUnknown, fmt.Sprintf("label transition failed: %s", outcome))
	}

	now := d.clock.Now()
	op := &types.TaskOpState{
		Repo: repo, TaskPath: strconv.Itoa(number),
		DaemonID: daemonID, WorkerID: workerID, Slot: slot,
		HeartbeatAt: now,
	}
	if err := d.store.UpsertTaskOpState(op, "", time.Time{}); err != nil {
		return ClaimResult{}, err
	}

	metrics.TaskClaimedTotal.WithLabelValues(string(repo)).Inc()
	view := types.TaskView{
		ID: types.TaskID(fmt.Sprintf("github:%s#%d", repo, number)), Repo: repo, Number: number,
		Status: types.StatusInProgress, DaemonID: daemonID, WorkerID: workerID, Slot: slot, HeartbeatAt: now,
	}
	return ClaimResult{View: view, Claimed: true}, nil
}

// Reclaim transfers an in-progress task's op-state ownership to
// (daemonID, workerID, slot) via compare-and-set against its last-known
// owner, so a resumed worker holds the lease before it ever touches the
// worktree. It is the startup half of recovering interrupted tasks across
// process restarts: a fresh
// daemon process owns nothing yet, so an in-progress op-state found at
// startup belongs to a process that died before releasing it. Returns
// ok=false if the op-state is gone or another live owner has since taken
// it (a CAS mismatch).
func (d *Driver) Reclaim(repo types.RepoID, number int, daemonID, workerID string, slot int) (types.TaskView, bool, error) {
	op, found, err := d.store.GetTaskOpState(repo, strconv.Itoa(number))
	if err != nil {
		return types.TaskView{}, false, err
	}
	if !found || !op.ReleasedAt.IsZero() {
		return types.TaskView{}, false, nil
	}

	now := d.clock.Now()
	next := *op
	next.DaemonID = daemonID
	next.WorkerID = workerID
	next.Slot = slot
	next.HeartbeatAt = now
	if err := d.store.UpsertTaskOpState(&next, op.DaemonID, op.HeartbeatAt); err != nil {
		if _, ok := err.(*storage.ErrCASMismatch); ok {
			return types.TaskView{}, false, nil
		}
		return types.TaskView{}, false, err
	}

	view := types.TaskView{
		ID: types.TaskID(fmt.Sprintf("github:%s#%d", repo, number)), Repo: repo, Number: number,
		Status: types.StatusInProgress, SessionID: next.SessionID, WorktreePath: next.WorktreePath,
		DaemonID: daemonID, WorkerID: workerID, Slot: slot, HeartbeatAt: now,
	}
	return view, true, nil
}

// LeaseTTL returns the op-state lease TTL the driver sweeps against, so
// lease holders can pick a refresh cadence comfortably inside it.
func (d *Driver) LeaseTTL() time.Duration {
	return d.ttl
}

// Heartbeat compares-and-sets the op-state lease; returns false if another
// daemon owns the task.
func (d *Driver) Heartbeat(repo types.RepoID, taskPath, daemonID string) (bool, error) {
	op, found, err := d.store.GetTaskOpState(repo, taskPath)
	if err != nil {
		return false, err
	}
	if !found || op.DaemonID != daemonID {
		return false, nil
	}
	now := d.clock.Now()
	next := *op
	next.HeartbeatAt = now
	if err := d.store.UpsertTaskOpState(&next, op.DaemonID, op.HeartbeatAt); err != nil {
		if _, ok := err.(*storage.ErrCASMismatch); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// StatusExtras carries optional writeback fields UpdateStatus persists into
// op-state alongside the label transition.
type StatusExtras struct {
	SessionID    string
	WorktreePath string
	ReleaseReason string
}

// UpdateStatus computes the label delta via the status->label map, applies
// it through label IO, then records op-state. done on a closed issue skips the
// label write.
func (d *Driver) UpdateStatus(ctx context.Context, repo types.RepoID, number int, status types.Status, extras StatusExtras) error {
	ref := hosting.IssueRef{Repo: repo, Number: number}

	if status == types.StatusDone {
		issue, err := d.client.GetIssue(ctx, ref)
		if err != nil {
			return err
		}
		if !issue.Open {
			return d.releaseOpState(repo, number, "done", extras)
		}
	}

	newLabel, hasLabel := types.LabelForStatus(status)
	var add, remove []string
	if hasLabel {
		add = []string{string(newLabel)}
	}
	for _, l := range types.StatusLabels() {
		if !hasLabel || l != newLabel {
			remove = append(remove, string(l))
		}
	}
	outcome := d.labelIO.ExecuteLabelOps(ctx, ref, labelio.PlanLabelOps(add, remove))
	if outcome != labelio.OutcomeOK {
		return rerr.New(rerr.KindUnknown, fmt.Sprintf("status label transition to %s failed: %s", status, outcome))
	}

	if status == types.StatusDone || status == types.StatusEscalated {
		return d.releaseOpState(repo, number, string(status), extras)
	}

	op, found, err := d.store.GetTaskOpState(repo, strconv.Itoa(number))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	next := *op
	next.SessionID = orDefault(extras.SessionID, op.SessionID)
	next.WorktreePath = orDefault(extras.WorktreePath, op.WorktreePath)
	next.HeartbeatAt = d.clock.Now()
	return d.store.UpsertTaskOpState(&next, op.DaemonID, op.HeartbeatAt)
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func (d *Driver) releaseOpState(repo types.RepoID, number int, reason string, extras StatusExtras) error {
	if extras.ReleaseReason != "" {
		reason = extras.ReleaseReason
	}
	return d.store.ReleaseTaskOpState(repo, strconv.Itoa(number), reason, d.clock.Now())
}

// PollIssues lists every open issue carrying one of the enumerated Ralph
// status labels plus the plain workflow-queue label, and upserts an issue
// snapshot for each. This is how an issue snapshot is "born on first poll"
//: the hosting service's label set is the durable queue, and this is
// the one place that reads it wholesale rather than one issue at a time.
func (d *Driver) PollIssues(ctx context.Context, repo types.RepoID, workflowLabel string) error {
	labels := make([]string, 0, len(types.StatusLabels())+1)
	if workflowLabel != "" {
		labels = append(labels, workflowLabel)
	}
	for _, l := range types.StatusLabels() {
		labels = append(labels, string(l))
	}

	seen := make(map[int]bool)
	for _, l := range labels {
		issues, err := d.client.ListIssuesByLabel(ctx, string(repo), l)
		if err != nil {
			return fmt.Errorf("poll issues (label %s): %w", l, err)
		}
		for _, issue := range issues {
			if seen[issue.Number] {
				continue
			}
			seen[issue.Number] = true
			snap := &types.IssueSnapshot{
				Repo: repo, Number: issue.Number, Open: issue.Open, Title: issue.Title,
				Labels: issue.Labels, NodeID: issue.NodeID, LastSeenAt: d.clock.Now(),
			}
			if err := d.store.UpsertIssueSnapshot(snap); err != nil {
				return err
			}
		}
	}
	return nil
}
