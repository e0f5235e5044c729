// Package worker implements the lifecycle worker: one logical worker per
// (repo, slot) driving a single claimed task through plan, build,
// merge-gate, and survey to exactly one terminal outcome.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ralphd/ralph/pkg/clock"
	"github.com/ralphd/ralph/pkg/control"
	"github.com/ralphd/ralph/pkg/escalation"
	"github.com/ralphd/ralph/pkg/events"
	"github.com/ralphd/ralph/pkg/governor"
	"github.com/ralphd/ralph/pkg/hosting"
	"github.com/ralphd/ralph/pkg/labelio"
	"github.com/ralphd/ralph/pkg/log"
	"github.com/ralphd/ralph/pkg/mergegate"
	"github.com/ralphd/ralph/pkg/metrics"
	"github.com/ralphd/ralph/pkg/queue"
	"github.com/ralphd/ralph/pkg/rerr"
	"github.com/ralphd/ralph/pkg/storage"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// RunOutput is the result of one agent invocation.
type RunOutput struct {
	SessionID string
	Stdout    string
}

// SessionRunner abstracts the agent subprocess across its plan/build/survey/
// CI-fix passes.
type SessionRunner interface {
	Plan(ctx context.Context, worktreePath string, task types.TaskView) (RunOutput, error)
	Build(ctx context.Context, sessionID, worktreePath string, task types.TaskView) (RunOutput, error)
	Survey(ctx context.Context, sessionID, worktreePath string, task types.TaskView) (RunOutput, error)
	FixCI(ctx context.Context, sessionID, worktreePath string, task types.TaskView, reason string) (RunOutput, error)
}

// Config wires a Worker to its collaborators for one (repo, slot).
type Config struct {
	Repo         types.RepoConfig
	Slot         int
	DaemonID     string
	WorkerID     string
	WorktreeRoot string

	Store         storage.Store
	Client        hosting.HostingClient
	Queue         *queue.Driver
	LabelIO       *labelio.IO
	Governor      *governor.Governor
	MergeGate     *mergegate.Controller
	Control       *control.Watcher
	Escalation    *escalation.Writer
	SessionRunner SessionRunner
	Broker        *events.Broker
	Clock         clock.Clock
}

// Worker drives one task at a time through its lifecycle.
type Worker struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger
}

// New builds a Worker.
func New(cfg Config) *Worker {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Worker{cfg: cfg, clock: clk, logger: log.WithComponent("worker")}
}

const lowConfidenceThreshold = 0.55

// Run drives task from its current state to a terminal outcome, recording
// an agent-run record on completion.
func (w *Worker) Run(ctx context.Context, task types.TaskView) types.Outcome {
	run := &types.AgentRun{Repo: task.Repo, Number: task.Number, SessionID: task.SessionID, StartedAt: w.clock.Now()}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx, task)

	outcome, escType, reason := w.drive(ctx, task, run)

	run.FinishedAt = w.clock.Now()
	run.Outcome = outcome
	run.Escalation = escType
	run.Reason = reason
	w.emitAgentRun(run)
	metrics.TaskOutcomeTotal.WithLabelValues(string(task.Repo), string(outcome)).Inc()
	return outcome
}

// heartbeatLoop refreshes the op-state lease at a third of the queue
// driver's TTL so the stale-in-progress sweeper never reclaims a task whose
// worker is still alive. A lost lease stops the loop; the next status write
// surfaces the conflict.
func (w *Worker) heartbeatLoop(ctx context.Context, task types.TaskView) {
	logger := log.WithTask(string(task.Repo), task.Number)
	interval := w.cfg.Queue.LeaseTTL() / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		owned, err := w.cfg.Queue.Heartbeat(task.Repo, strconv.Itoa(task.Number), w.cfg.DaemonID)
		if err != nil {
			logger.Warn().Err(err).Msg("heartbeat failed")
			continue
		}
		if !owned {
			logger.Warn().Msg("op-state lease lost to another daemon, stopping heartbeats")
			return
		}
	}
}

func (w *Worker) drive(ctx context.Context, task types.TaskView, run *types.AgentRun) (types.Outcome, types.EscalationType, string) {
	ref := hosting.IssueRef{Repo: task.Repo, Number: task.Number}

	if gate, err := w.preflight(ctx, task); err != nil {
		return w.fail(ctx, task, rerr.KindOf(err), "pre-flight check failed: "+err.Error())
	} else if gate != nil {
		w.applyGate(ctx, task, gate)
		return gate.outcome, "", gate.reason
	}

	worktreePath := w.worktreePath(task)
	sessionID := task.SessionID

	if task.Status == types.StatusInProgress && sessionID != "" {
		if _, statErr := os.Stat(filepath.Join(worktreePath, ".ralph", "plan.md")); statErr != nil {
			if resetErr := w.cfg.Queue.UpdateStatus(ctx, task.Repo, task.Number, types.StatusQueued, queue.StatusExtras{ReleaseReason: "worktree missing on resume"}); resetErr != nil {
				w.logger.Error().Err(resetErr).Str("repo", string(task.Repo)).Int("number", task.Number).Msg("failed to reset task to queued on missing worktree")
			}
			return types.OutcomeFailed, types.EscalationOther, "recorded worktree missing on resume; reset to queued"
		}
	} else if err := os.MkdirAll(filepath.Join(worktreePath, ".ralph"), 0o755); err != nil {
		return w.fail(ctx, task, rerr.KindTooling, "failed to prepare worktree: "+err.Error())
	}
	w.ensureRalphExcluded(ctx, worktreePath)

	if err := w.cfg.Control.AwaitCheckpoint(ctx, string(task.Repo), w.slotName(), control.CheckpointPlanned); err != nil {
		return types.OutcomeFailed, types.EscalationOther, "interrupted while paused before planning"
	}

	w.consumeParentVerification(task)

	plan, err := w.plan(ctx, worktreePath, task)
	if err != nil {
		return w.fail(ctx, task, rerr.KindOf(err), err.Error())
	}
	sessionID = plan.sessionID
	run.SessionID = sessionID

	if plan.decision != planDecisionProceed || plan.confidence < lowConfidenceThreshold {
		reason := plan.escalationReason
		etype := types.EscalationLowConfidence
		if plan.decision == planDecisionEscalate {
			etype = types.EscalationAmbiguousRequirements
			if reason == "" {
				reason = "agent explicitly requested escalation"
			}
		} else if reason == "" {
			reason = fmt.Sprintf("plan confidence %.2f below threshold %.2f", plan.confidence, lowConfidenceThreshold)
		}
		return w.writebackEscalate(ctx, task, types.OutcomeEscalated, etype, reason)
	}

	if err := w.cfg.Control.AwaitCheckpoint(ctx, string(task.Repo), w.slotName(), control.CheckpointRouted); err != nil {
		return types.OutcomeFailed, types.EscalationOther, "interrupted while paused before build"
	}

	prURL, err := w.build(ctx, worktreePath, task, sessionID)
	if err != nil {
		return w.fail(ctx, task, rerr.KindOf(err), err.Error())
	}
	if prURL == "" {
		return w.writebackEscalate(ctx, task, types.OutcomeFailed, types.EscalationOther, "agent did not produce a PR and none could be derived from the branch")
	}

	if blocked, reason := w.detectCIOnlyMismatch(ctx, task, prURL); blocked {
		return w.writebackBlocked(ctx, task, reason)
	}
	w.recordPRSnapshot(ctx, task, prURL)

	if err := w.cfg.Queue.UpdateStatus(ctx, task.Repo, task.Number, types.StatusInProgress, queue.StatusExtras{SessionID: sessionID, WorktreePath: worktreePath}); err != nil {
		w.logger.Warn().Err(err).Str("repo", string(task.Repo)).Int("number", task.Number).Msg("failed to persist session metadata after build")
	}
	w.applyMidpointLabels(ctx, ref)

	if err := w.cfg.Control.AwaitCheckpoint(ctx, string(task.Repo), w.slotName(), control.CheckpointPRReady); err != nil {
		return types.OutcomeFailed, types.EscalationOther, "interrupted while paused before merge gate"
	}

	return w.runMergeGate(ctx, task, ref, prURL, sessionID, worktreePath, run)
}

func (w *Worker) mergeGateInput(task types.TaskView, prURL string) mergegate.Input {
	number, err := strconv.Atoi(prNumberFromURL(prURL))
	if err != nil {
		number = task.Number
	}
	return mergegate.Input{
		Repo: task.Repo, Number: number, PRURL: prURL,
		RequiredChecks:    w.cfg.Repo.RequiredChecks,
		BaseBranch:        w.cfg.Repo.BotBranch,
		MainBranch:        w.cfg.Repo.MainBranch,
		AutoUpdateEnabled: w.cfg.Repo.AutoUpdateEnabled,
		AutoUpdateMinAge:  w.cfg.Repo.AutoUpdateMinAge,
		AutoUpdateLabel:   w.cfg.Repo.AutoUpdateLabel,
		Timeout:           w.cfg.Repo.MergeTimeout,
		PollInterval:      w.cfg.Repo.MergePollInterval,
	}
}

// runMergeGate runs the merge gate once and dispatches every outcome except
// ci-failed, which is handled by debugCI's own bounded retry loop rather
// than by recursing back through here.
func (w *Worker) runMergeGate(ctx context.Context, task types.TaskView, ref hosting.IssueRef, prURL, sessionID, worktreePath string, run *types.AgentRun) (types.Outcome, types.EscalationType, string) {
	result, err := w.cfg.MergeGate.Run(ctx, w.mergeGateInput(task, prURL))
	if err != nil {
		return w.fail(ctx, task, rerr.KindOf(err), err.Error())
	}

	if result.Outcome == mergegate.OutcomeCIFailed {
		return w.debugCI(ctx, task, ref, prURL, sessionID, worktreePath, result.Reason, run)
	}
	return w.handleMergeResult(ctx, task, ref, prURL, sessionID, worktreePath, result, run)
}

// handleMergeResult finishes out every merge-gate outcome but ci-failed,
// which debugCI owns directly.
func (w *Worker) handleMergeResult(ctx context.Context, task types.TaskView, ref hosting.IssueRef, prURL, sessionID, worktreePath string, result mergegate.Result, run *types.AgentRun) (types.Outcome, types.EscalationType, string) {
	switch result.Outcome {
	case mergegate.OutcomeMerged:
		w.recordPRSnapshot(ctx, task, prURL)
		surveyOut, err := w.cfg.SessionRunner.Survey(ctx, sessionID, worktreePath, task)
		if err != nil {
			w.logger.Warn().Err(err).Str("repo", string(task.Repo)).Int("number", task.Number).Msg("survey step failed, continuing to done")
		} else if run != nil {
			run.SurveyOutput = surveyOut.Stdout
		}
		if err := w.cfg.Queue.UpdateStatus(ctx, task.Repo, task.Number, types.StatusDone, queue.StatusExtras{}); err != nil {
			return types.OutcomeFailed, types.EscalationOther, "status update to done failed: " + err.Error()
		}
		return types.OutcomeDone, "", ""

	case mergegate.OutcomeConflict:
		return w.recoverConflict(ctx, task, ref, prURL, sessionID, worktreePath, run)

	case mergegate.OutcomeTimedOut:
		return w.writebackEscalate(ctx, task, types.OutcomeFailed, types.EscalationOther, "merge gate timed out waiting on required checks: "+result.Reason)

	case mergegate.OutcomeAutoUpdateFailed:
		return w.writebackEscalate(ctx, task, types.OutcomeFailed, types.EscalationOther, "auto-update failed: "+result.Reason)

	default:
		return w.writebackEscalate(ctx, task, types.OutcomeFailed, types.EscalationOther, "unrecognised merge-gate outcome: "+string(result.Outcome))
	}
}

// fail routes a classified internal error to the writeback path.
func (w *Worker) fail(ctx context.Context, task types.TaskView, kind rerr.Kind, reason string) (types.Outcome, types.EscalationType, string) {
	return w.writebackEscalate(ctx, task, types.OutcomeFailed, types.EscalationOther, reason)
}

// writebackEscalate is C10's entry point: upsert the escalation comment,
// apply the standing ralph:escalated tag, and transition the status label
// set to escalated.
func (w *Worker) writebackEscalate(ctx context.Context, task types.TaskView, outcome types.Outcome, etype types.EscalationType, reason string) (types.Outcome, types.EscalationType, string) {
	ref := hosting.IssueRef{Repo: task.Repo, Number: task.Number}
	if w.cfg.Escalation != nil {
		if _, err := w.cfg.Escalation.Escalate(ctx, ref, etype, reason, ""); err != nil {
			w.logger.Error().Err(err).Str("repo", string(task.Repo)).Int("number", task.Number).Msg("escalation writeback failed")
		}
	}
	if err := w.cfg.Queue.UpdateStatus(ctx, task.Repo, task.Number, types.StatusEscalated, queue.StatusExtras{ReleaseReason: reason}); err != nil {
		w.logger.Error().Err(err).Str("repo", string(task.Repo)).Int("number", task.Number).Msg("failed to release op-state after escalation")
	}
	if w.cfg.Broker != nil {
		w.cfg.Broker.Publish(&events.Event{
			Type: events.EventTaskEscalated, Level: events.LevelWarn, Timestamp: w.clock.Now(),
			Repo: string(task.Repo), Message: reason,
			Metadata: map[string]string{"number": strconv.Itoa(task.Number), "type": string(etype)},
		})
	}
	return outcome, etype, reason
}

// writebackBlocked records a hard block: a durable blocked-marker comment
// plus the blocked status label, without marking the task escalated.
func (w *Worker) writebackBlocked(ctx context.Context, task types.TaskView, reason string) (types.Outcome, types.EscalationType, string) {
	ref := hosting.IssueRef{Repo: task.Repo, Number: task.Number}
	if w.cfg.Escalation != nil {
		if _, err := w.cfg.Escalation.Block(ctx, ref, reason); err != nil {
			w.logger.Error().Err(err).Str("repo", string(task.Repo)).Int("number", task.Number).Msg("blocked writeback failed")
		}
	}
	if err := w.cfg.Queue.UpdateStatus(ctx, task.Repo, task.Number, types.StatusBlocked, queue.StatusExtras{ReleaseReason: reason}); err != nil {
		w.logger.Error().Err(err).Str("repo", string(task.Repo)).Int("number", task.Number).Msg("failed to release op-state after block")
	}
	if w.cfg.Broker != nil {
		w.cfg.Broker.Publish(&events.Event{
			Type: events.EventTaskEscalated, Level: events.LevelWarn, Timestamp: w.clock.Now(),
			Repo: string(task.Repo), Message: reason,
			Metadata: map[string]string{"number": strconv.Itoa(task.Number), "type": string(types.EscalationBlocked)},
		})
	}
	return types.OutcomeBlocked, types.EscalationBlocked, reason
}

const ciOnlyBlockedReason = "Blocked: CI-only PR for non-CI issue"

// detectCIOnlyMismatch blocks a PR touching only CI workflow config when
// its issue carries no CI-related label, instead of sending it to the
// merge gate. Best-effort: any lookup failure lets the task proceed
// normally rather than block on an error.
func (w *Worker) detectCIOnlyMismatch(ctx context.Context, task types.TaskView, prURL string) (bool, string) {
	prNumber, err := strconv.Atoi(prNumberFromURL(prURL))
	if err != nil {
		return false, ""
	}
	files, err := w.cfg.Client.ListPullRequestFiles(ctx, string(task.Repo), prNumber)
	if err != nil || len(files) == 0 || !allCIWorkflowFiles(files) {
		return false, ""
	}

	issue, err := w.cfg.Client.GetIssue(ctx, hosting.IssueRef{Repo: task.Repo, Number: task.Number})
	if err != nil {
		return false, ""
	}
	ciLabel := w.cfg.Repo.CILabel
	if ciLabel == "" {
		ciLabel = "ci"
	}
	if containsString(issue.Labels, ciLabel) {
		return false, ""
	}
	return true, ciOnlyBlockedReason
}

func allCIWorkflowFiles(files []string) bool {
	for _, f := range files {
		if !strings.HasPrefix(f, ".github/workflows/") {
			return false
		}
	}
	return true
}

type gateOutcome struct {
	outcome types.Outcome
	reason  string
}

// preflight runs the short-circuit gates that precede any agent call. A
// non-nil, nil-error result means the task must terminate now with the
// named outcome; a nil result means proceed.
func (w *Worker) preflight(ctx context.Context, task types.TaskView) (*gateOutcome, error) {
	owner := ownerOf(task.Repo)
	if len(w.cfg.Repo.AllowedOwners) > 0 && !containsString(w.cfg.Repo.AllowedOwners, owner) {
		return &gateOutcome{outcome: types.OutcomeBlocked, reason: "repo owner not in allowlist"}, nil
	}
	if w.cfg.Repo.BotBranch == "" {
		return &gateOutcome{outcome: types.OutcomeBlocked, reason: "repo profile is not resolvable: no bot branch configured"}, nil
	}

	issue, err := w.cfg.Client.GetIssue(ctx, hosting.IssueRef{Repo: task.Repo, Number: task.Number})
	if err != nil {
		return nil, err
	}
	if !issue.Open {
		return &gateOutcome{outcome: types.OutcomeDone, reason: "issue already closed"}, nil
	}

	if w.cfg.Governor != nil {
		decision := w.cfg.Governor.Admit(governor.LaneImportant, false)
		if !decision.Allow {
			return &gateOutcome{outcome: types.OutcomeThrottled, reason: fmt.Sprintf("hard throttle until %s", decision.DeferUntil.Format(time.RFC3339))}, nil
		}
	}

	return nil, nil
}

// applyGate persists a pre-flight outcome's status label, when one applies.
func (w *Worker) applyGate(ctx context.Context, task types.TaskView, gate *gateOutcome) {
	switch gate.outcome {
	case types.OutcomeBlocked:
		if err := w.cfg.Queue.UpdateStatus(ctx, task.Repo, task.Number, types.StatusBlocked, queue.StatusExtras{ReleaseReason: gate.reason}); err != nil {
			w.logger.Warn().Err(err).Msg("failed to apply blocked status from pre-flight gate")
		}
	case types.OutcomeThrottled:
		if err := w.cfg.Queue.UpdateStatus(ctx, task.Repo, task.Number, types.StatusThrottled, queue.StatusExtras{ReleaseReason: gate.reason}); err != nil {
			w.logger.Warn().Err(err).Msg("failed to apply throttled status from pre-flight gate")
		}
	case types.OutcomeDone:
		if err := w.cfg.Queue.UpdateStatus(ctx, task.Repo, task.Number, types.StatusDone, queue.StatusExtras{ReleaseReason: gate.reason}); err != nil {
			w.logger.Warn().Err(err).Msg("failed to release op-state for already-closed issue")
		}
	}
}

func (w *Worker) applyMidpointLabels(ctx context.Context, ref hosting.IssueRef) {
	add := []string{string(types.LabelInBot)}
	remove := []string{string(types.LabelInProgress)}
	if outcome := w.cfg.LabelIO.ExecuteLabelOps(ctx, ref, labelio.PlanLabelOps(add, remove)); outcome != labelio.OutcomeOK {
		w.logger.Error().Str("repo", string(ref.Repo)).Int("number", ref.Number).Str("outcome", string(outcome)).Msg("best-effort midpoint label transition failed")
		if w.cfg.Broker != nil {
			w.cfg.Broker.Publish(&events.Event{
				Type: events.EventTaskStatus, Level: events.LevelError, Timestamp: w.clock.Now(),
				Repo: string(ref.Repo), Message: "midpoint label transition failed: " + string(outcome),
				Metadata: map[string]string{"number": strconv.Itoa(ref.Number)},
			})
		}
	}
}

// consumeParentVerification is the consuming half of the
// parent-verification lifecycle: a pending state left by the blocked
// reconcile sweeper is marked done right
// before planning runs, so a restart between unblock and plan never leaves
// it stuck pending.
func (w *Worker) consumeParentVerification(task types.TaskView) {
	if w.cfg.Store == nil {
		return
	}
	state, found, err := w.cfg.Store.GetParentVerificationState(task.Repo, task.Number)
	if err != nil {
		w.logger.Warn().Err(err).Str("repo", string(task.Repo)).Int("number", task.Number).Msg("failed to read parent-verification state")
		return
	}
	if !found || state.Status != types.ParentVerificationPending {
		return
	}
	state.Status = types.ParentVerificationDone
	state.UpdatedAt = w.clock.Now()
	if err := w.cfg.Store.SetParentVerificationState(state); err != nil {
		w.logger.Warn().Err(err).Str("repo", string(task.Repo)).Int("number", task.Number).Msg("failed to consume parent-verification state")
	}
}

// recordPRSnapshot caches the PR view in the store so the closed-issue sweep can
// tell "closed with an open PR still tracked" from "closed and finished"
//. Best-effort: a failed refresh only costs sweep precision.
func (w *Worker) recordPRSnapshot(ctx context.Context, task types.TaskView, prURL string) {
	if w.cfg.Store == nil {
		return
	}
	prNumber, err := strconv.Atoi(prNumberFromURL(prURL))
	if err != nil {
		return
	}
	pr, err := w.cfg.Client.GetPullRequestByNumber(ctx, string(task.Repo), prNumber)
	if err != nil {
		w.logger.Warn().Err(err).Str("repo", string(task.Repo)).Int("number", task.Number).Msg("failed to refresh PR for snapshot")
		return
	}
	state := types.PRStateOpen
	if pr.Merged {
		state = types.PRStateMerged
	} else if !pr.Open {
		state = types.PRStateClosed
	}
	snap := &types.PRSnapshot{
		URL: storage.NormalizePRURL(prURL), Repo: task.Repo, IssueNumber: task.Number,
		State: state, HeadSHA: pr.HeadSHA, HeadRef: pr.HeadRef, BaseRef: pr.BaseRef,
		MergeState: pr.MergeState, Labels: pr.Labels, UpdatedAt: w.clock.Now(),
	}
	if err := w.cfg.Store.UpsertPRSnapshot(snap); err != nil {
		w.logger.Warn().Err(err).Str("repo", string(task.Repo)).Int("number", task.Number).Msg("failed to persist PR snapshot")
	}
}

// ensureRalphExcluded keeps the .ralph/ artefact directory out of git:
// appended to the worktree's .git/info/exclude, and any .ralph files a
// previous run left tracked are marked skip-worktree so the agent's
// commits never pick them up. Best-effort: a worktree that is not a git
// checkout yet simply skips it.
func (w *Worker) ensureRalphExcluded(ctx context.Context, worktreePath string) {
	gitDir := filepath.Join(worktreePath, ".git")
	if info, err := os.Stat(gitDir); err != nil || !info.IsDir() {
		return
	}
	excludePath := filepath.Join(gitDir, "info", "exclude")
	data, err := os.ReadFile(excludePath)
	if err != nil || !strings.Contains(string(data), ".ralph/") {
		if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
			return
		}
		f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			w.logger.Warn().Err(err).Str("worktree", worktreePath).Msg("failed to exclude .ralph from git")
			return
		}
		_, _ = f.WriteString(".ralph/\n")
		f.Close()
	}

	out, err := exec.CommandContext(ctx, "git", "-C", worktreePath, "ls-files", "--", ".ralph").Output()
	if err != nil || len(strings.TrimSpace(string(out))) == 0 {
		return
	}
	tracked := strings.Split(strings.TrimSpace(string(out)), "\n")
	args := append([]string{"-C", worktreePath, "update-index", "--skip-worktree", "--"}, tracked...)
	if err := exec.CommandContext(ctx, "git", args...).Run(); err != nil {
		w.logger.Warn().Err(err).Str("worktree", worktreePath).Msg("failed to mark tracked .ralph files skip-worktree")
	}
}

func (w *Worker) worktreePath(task types.TaskView) string {
	return filepath.Join(w.cfg.WorktreeRoot, string(task.Repo), strconv.Itoa(task.Number))
}

func (w *Worker) slotName() string {
	if w.cfg.WorkerID != "" {
		return w.cfg.WorkerID
	}
	return fmt.Sprintf("slot-%d", w.cfg.Slot)
}

func (w *Worker) emitAgentRun(run *types.AgentRun) {
	if w.cfg.Broker == nil {
		return
	}
	evtType := events.EventTaskDone
	if run.Outcome == types.OutcomeEscalated || run.Outcome == types.OutcomeFailed {
		evtType = events.EventTaskEscalated
	}
	w.cfg.Broker.Publish(&events.Event{
		Type: evtType, Level: events.LevelInfo, Timestamp: run.FinishedAt,
		Repo: string(run.Repo), Message: run.Reason,
		Metadata: map[string]string{
			"number":     strconv.Itoa(run.Number),
			"session_id": run.SessionID,
			"outcome":    string(run.Outcome),
			"escalation": string(run.Escalation),
		},
	})
}

func ownerOf(repo types.RepoID) string {
	s := string(repo)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func prNumberFromURL(url string) string {
	idx := strings.LastIndexByte(url, '/')
	if idx < 0 {
		return url
	}
	return url[idx+1:]
}

const (
	planDecisionProceed  = "proceed"
	planDecisionEscalate = "escalate"
)

type planResult struct {
	sessionID        string
	decision         string
	confidence       float64
	escalationReason string
}

// planMarkerLine finds the single RALPH_-prefixed marker line carrying the
// plan decision.
func findMarkerLine(output, prefix string) (string, bool) {
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, prefix)), true
		}
	}
	return "", false
}

func parsePlanMarker(output string) (planResult, bool) {
	raw, found := findMarkerLine(output, "RALPH_PLAN")
	if !found || !gjson.Valid(raw) {
		return planResult{}, false
	}
	parsed := gjson.Parse(raw)
	decision := parsed.Get("decision").String()
	if decision == "" {
		return planResult{}, false
	}
	return planResult{
		decision:         decision,
		confidence:       parsed.Get("confidence").Float(),
		escalationReason: parsed.Get("escalation_reason").String(),
	}, true
}

// plan runs the planning agent, accepting one bounded repair attempt on a
// missing/invalid marker before classifying the run as a failure.
func (w *Worker) plan(ctx context.Context, worktreePath string, task types.TaskView) (planResult, error) {
	out, err := w.cfg.SessionRunner.Plan(ctx, worktreePath, task)
	if err != nil {
		return planResult{}, rerr.Wrap(rerr.KindTooling, "planning agent failed", err)
	}
	result, ok := parsePlanMarker(out.Stdout)
	if ok {
		result.sessionID = out.SessionID
		return result, nil
	}

	// one bounded repair attempt: re-ask the same session.
	out2, err := w.cfg.SessionRunner.Plan(ctx, worktreePath, task)
	if err != nil {
		return planResult{}, rerr.Wrap(rerr.KindTooling, "planning agent failed on repair attempt", err)
	}
	result, ok = parsePlanMarker(out2.Stdout)
	if !ok {
		return planResult{}, rerr.New(rerr.KindTooling, "planning agent produced no valid RALPH_PLAN marker after one repair attempt")
	}
	result.sessionID = out2.SessionID
	return result, nil
}

// build continues the session with the build instruction, deriving a PR url
// from the marker, or failing that, from the branch's open PRs.
func (w *Worker) build(ctx context.Context, worktreePath string, task types.TaskView, sessionID string) (string, error) {
	out, err := w.cfg.SessionRunner.Build(ctx, sessionID, worktreePath, task)
	if err != nil {
		return "", rerr.Wrap(rerr.KindTooling, "build agent failed", err)
	}

	if raw, found := findMarkerLine(out.Stdout, "RALPH_BUILD"); found && gjson.Valid(raw) {
		parsed := gjson.Parse(raw)
		if toolingErr := parsed.Get("tooling_error").String(); toolingErr != "" {
			return "", rerr.New(rerr.KindTooling, toolingErr)
		}
		if prURL := parsed.Get("pr_url").String(); prURL != "" {
			return prURL, nil
		}
	}

	owner := ownerOf(task.Repo)
	branch := branchName(task)
	prs, err := w.cfg.Client.ListPullRequestsByHeadRef(ctx, string(task.Repo), owner, branch, "open")
	if err != nil {
		return "", err
	}
	if len(prs) == 0 {
		return "", nil
	}
	return prs[0].URL, nil
}

func branchName(task types.TaskView) string {
	return fmt.Sprintf("ralph/issue-%d", task.Number)
}

const maxMergeConflictAttempts = 3

type conflictState struct {
	Attempts int `json:"attempts"`
}

// recoverConflict implements the merge-conflict recovery sub-path: a
// marker-keyed comment tracks the bounded attempt count across resumes.
func (w *Worker) recoverConflict(ctx context.Context, task types.TaskView, ref hosting.IssueRef, prURL, sessionID, worktreePath string, run *types.AgentRun) (types.Outcome, types.EscalationType, string) {
	id := labelio.MarkerID(ref.Repo, ref.Number)
	state := w.readConflictState(ctx, ref, id)
	state.Attempts++

	if state.Attempts > maxMergeConflictAttempts {
		return w.writebackEscalate(ctx, task, types.OutcomeFailed, types.EscalationMergeConflict, fmt.Sprintf("merge conflict unresolved after %d attempts", maxMergeConflictAttempts))
	}
	w.writeConflictState(ctx, ref, id, state)

	out, err := w.cfg.SessionRunner.Build(ctx, sessionID, worktreePath, task)
	if err != nil {
		return w.fail(ctx, task, rerr.KindTooling, "merge-conflict recovery agent failed: "+err.Error())
	}
	_ = out

	return w.runMergeGate(ctx, task, ref, prURL, sessionID, worktreePath, run)
}

func (w *Worker) readConflictState(ctx context.Context, ref hosting.IssueRef, id string) conflictState {
	comments, err := w.cfg.Client.ListComments(ctx, ref, 100)
	if err != nil {
		return conflictState{}
	}
	marker := fmt.Sprintf("<!-- ralph-%s:id=%s -->", labelio.CommentMergeConflict, id)
	for _, c := range comments {
		if !strings.Contains(c.Body, marker) {
			continue
		}
		jsonPart := strings.TrimSpace(strings.Split(c.Body, marker)[0])
		if gjson.Valid(jsonPart) {
			return conflictState{Attempts: int(gjson.Parse(jsonPart).Get("attempts").Int())}
		}
	}
	return conflictState{}
}

func (w *Worker) writeConflictState(ctx context.Context, ref hosting.IssueRef, id string, state conflictState) {
	body := fmt.Sprintf(`{"attempts":%d}`, state.Attempts)
	if _, err := w.cfg.LabelIO.UpsertMarkerComment(ctx, ref, labelio.CommentMergeConflict, id, body); err != nil {
		w.logger.Warn().Err(err).Str("repo", string(ref.Repo)).Int("number", ref.Number).Msg("failed to persist merge-conflict attempt state")
	}
}

// debugCI implements the CI-debug sub-path: detached checkout, push to head,
// bounded by cfg.Repo.CIFixAttempts; no SHA movement between attempts is an
// immediate escalation.
func (w *Worker) debugCI(ctx context.Context, task types.TaskView, ref hosting.IssueRef, prURL, sessionID, worktreePath, reason string, run *types.AgentRun) (types.Outcome, types.EscalationType, string) {
	maxAttempts := w.cfg.Repo.CIFixAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	prNumber, err := strconv.Atoi(prNumberFromURL(prURL))
	if err != nil {
		prNumber = task.Number
	}
	pr, err := w.cfg.Client.GetPullRequestByNumber(ctx, string(task.Repo), prNumber)
	if err != nil {
		return w.fail(ctx, task, rerr.KindOf(err), err.Error())
	}
	lastSHA := pr.HeadSHA

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if _, err := w.cfg.SessionRunner.FixCI(ctx, sessionID, worktreePath, task, reason); err != nil {
			return w.fail(ctx, task, rerr.KindTooling, "CI-debug agent failed: "+err.Error())
		}

		pr, err := w.cfg.Client.GetPullRequestByNumber(ctx, string(task.Repo), prNumber)
		if err != nil {
			return w.fail(ctx, task, rerr.KindOf(err), err.Error())
		}
		if pr.HeadSHA == lastSHA {
			return w.writebackEscalate(ctx, task, types.OutcomeEscalated, types.EscalationOther, "no progress")
		}
		lastSHA = pr.HeadSHA

		gateResult, err := w.cfg.MergeGate.Run(ctx, w.mergeGateInput(task, prURL))
		if err != nil {
			return w.fail(ctx, task, rerr.KindOf(err), err.Error())
		}
		if gateResult.Outcome != mergegate.OutcomeCIFailed {
			return w.handleMergeResult(ctx, task, ref, prURL, sessionID, worktreePath, gateResult, run)
		}
		reason = gateResult.Reason
	}
	return w.writebackEscalate(ctx, task, types.OutcomeFailed, types.EscalationOther, fmt.Sprintf("CI still failing after %d fix attempts", maxAttempts))
}
