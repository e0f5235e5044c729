// Package doctor produces the ralphd doctor command's JSON v1 health
// report. It is a read-only report generator: the interactive self-repair
// tool's apply behaviour lives elsewhere, but the report shape, finding
// classification, and exit codes are owned here, built on the daemon
// registry's staleness classification and the state store's schema
// window.
package doctor

import (
	"fmt"
	"sort"
	"time"

	"github.com/ralphd/ralph/pkg/control"
	"github.com/ralphd/ralph/pkg/storage"
	"github.com/ralphd/ralph/pkg/types"
)

// SchemaVersion is the doctor report's own schema, independent of the
// state-database schema version.
const SchemaVersion = 1

// OverallStatus summarises a report's severity.
type OverallStatus string

const (
	StatusOK    OverallStatus = "ok"
	StatusWarn  OverallStatus = "warn"
	StatusError OverallStatus = "error"
)

// Finding is one diagnosed problem.
type Finding struct {
	Severity string `json:"severity"` // "warn" | "error"
	Code     string `json:"code"`
	Message  string `json:"message"`
	Repo     string `json:"repo,omitempty"`
	Task     string `json:"task,omitempty"`
}

// Repair names a remediation action, applied or merely recommended.
type Repair struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Repo        string `json:"repo,omitempty"`
	Task        string `json:"task,omitempty"`
}

// Report is the doctor contract's JSON v1 shape.
type Report struct {
	SchemaVersion      int           `json:"schema_version"`
	Timestamp          time.Time     `json:"timestamp"`
	OverallStatus      OverallStatus `json:"overall_status"`
	OK                 bool          `json:"ok"`
	RepairMode         bool          `json:"repair_mode"`
	DryRun             bool          `json:"dry_run"`
	DaemonCandidates   int           `json:"daemon_candidates"`
	ControlCandidates  int           `json:"control_candidates"`
	Roots              []string      `json:"roots"`
	Findings           []Finding     `json:"findings"`
	RecommendedRepairs []Repair      `json:"recommended_repairs"`
	AppliedRepairs     []Repair      `json:"applied_repairs"`
}

// Config wires a Run to the roots it inspects.
type Config struct {
	StateDBPath     string
	ControlFilePath string
	DaemonRegistry  string
	Repos           []types.RepoID
	HeartbeatTTL    time.Duration
	RepairMode      bool // self-repair tool's interactive flows are out of scope; Run never applies
	DryRun          bool
	Now             time.Time
}

// Run inspects the configured roots and produces a Report. It never mutates
// state: RepairMode/DryRun are carried through to the report for the
// (out-of-scope) interactive repair tool to act on, and AppliedRepairs is
// always empty from this entrypoint.
func Run(cfg Config) Report {
	now := cfg.Now
	if now.IsZero() {
		now = time.Now()
	}
	rep := Report{
		SchemaVersion: SchemaVersion,
		Timestamp:     now,
		RepairMode:    cfg.RepairMode,
		DryRun:        cfg.DryRun,
		Roots:         []string{cfg.StateDBPath, cfg.ControlFilePath, cfg.DaemonRegistry},
		Findings:      []Finding{},
	}

	checkStateDB(cfg, &rep)
	checkControlFile(cfg, &rep)
	checkDaemonRegistry(cfg, &rep, now)

	rep.OverallStatus = StatusOK
	for _, f := range rep.Findings {
		if f.Severity == "error" {
			rep.OverallStatus = StatusError
		} else if f.Severity == "warn" && rep.OverallStatus == StatusOK {
			rep.OverallStatus = StatusWarn
		}
	}
	rep.OK = len(rep.Findings) == 0
	sort.Slice(rep.Findings, func(i, j int) bool { return rep.Findings[i].Code < rep.Findings[j].Code })
	return rep
}

func checkStateDB(cfg Config, rep *Report) {
	store, err := storage.NewBoltStore(cfg.StateDBPath)
	if err != nil {
		rep.Findings = append(rep.Findings, Finding{
			Severity: "error",
			Code:     "state_db_unopenable",
			Message:  fmt.Sprintf("state database at %s could not be opened: %v", cfg.StateDBPath, err),
		})
		rep.RecommendedRepairs = append(rep.RecommendedRepairs, Repair{
			Code:        "restore_state_db",
			Description: "restore the state database from the hosting service; it is a rebuildable cache",
		})
		return
	}
	defer store.Close()

	for _, repo := range cfg.Repos {
		checkIssueInvariant(store, repo, rep)
		checkStaleOpState(store, repo, rep, cfg.HeartbeatTTL, cfg.Now)
	}
}

func checkIssueInvariant(store storage.Store, repo types.RepoID, rep *Report) {
	snaps, err := store.ListIssueSnapshotsByRepo(repo)
	if err != nil {
		return
	}
	for _, snap := range snaps {
		if _, ok := types.StatusFromLabels(snap.Open, snap.Labels); !ok {
			rep.Findings = append(rep.Findings, Finding{
				Severity: "error",
				Code:     "multiple_status_labels",
				Message:  fmt.Sprintf("issue #%d carries more than one ralph:status label", snap.Number),
				Repo:     string(repo),
				Task:     fmt.Sprintf("%d", snap.Number),
			})
			rep.RecommendedRepairs = append(rep.RecommendedRepairs, Repair{
				Code:        "reconcile_status_labels",
				Description: "remove all but the most recently added ralph:status label; never automatic",
				Repo:        string(repo),
				Task:        fmt.Sprintf("%d", snap.Number),
			})
		}
	}
}

func checkStaleOpState(store storage.Store, repo types.RepoID, rep *Report, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if now.IsZero() {
		now = time.Now()
	}
	states, err := store.ListTaskOpStatesByRepo(repo)
	if err != nil {
		return
	}
	for _, st := range states {
		if st.Stale(now, ttl) {
			rep.Findings = append(rep.Findings, Finding{
				Severity: "warn",
				Code:     "stale_op_state",
				Message:  fmt.Sprintf("task %s has an op-state lease past its heartbeat TTL", st.TaskPath),
				Repo:     string(repo),
				Task:     st.TaskPath,
			})
			rep.RecommendedRepairs = append(rep.RecommendedRepairs, Repair{
				Code:        "release_stale_lease",
				Description: "the stale-in-progress sweeper will release this lease on its next cycle",
				Repo:        string(repo),
				Task:        st.TaskPath,
			})
		}
	}
}

func checkControlFile(cfg Config, rep *Report) {
	watcher := control.NewWatcher(cfg.ControlFilePath, nil, nil)
	watcher.Poll()
	f := watcher.Current()
	rep.ControlCandidates = 1
	if f.Mode == control.ModeDraining {
		rep.Findings = append(rep.Findings, Finding{
			Severity: "warn",
			Code:     "draining",
			Message:  "control file reports mode=draining; new claims are suspended",
		})
	}
}

func checkDaemonRegistry(cfg Config, rep *Report, now time.Time) {
	registry := control.NewRegistry(cfg.DaemonRegistry)
	classified, err := registry.Discover(cfg.HeartbeatTTL, now)
	if err != nil {
		rep.Findings = append(rep.Findings, Finding{
			Severity: "warn",
			Code:     "daemon_registry_unreadable",
			Message:  fmt.Sprintf("daemon registry at %s could not be read: %v", cfg.DaemonRegistry, err),
		})
		return
	}
	rep.DaemonCandidates = len(classified)
	for _, c := range classified {
		switch c.Status {
		case control.DaemonStatusStale:
			rep.Findings = append(rep.Findings, Finding{
				Severity: "warn",
				Code:     "stale_daemon_record",
				Message:  fmt.Sprintf("daemon %s (pid %d) is not running but still registered", c.Record.DaemonID, c.Record.PID),
			})
			rep.RecommendedRepairs = append(rep.RecommendedRepairs, Repair{
				Code:        "prune_daemon_record",
				Description: "remove the stale daemon registry entry",
			})
		case control.DaemonStatusDuplicate:
			rep.Findings = append(rep.Findings, Finding{
				Severity: "warn",
				Code:     "duplicate_daemon_record",
				Message:  fmt.Sprintf("daemon id %s has more than one live registry entry", c.Record.DaemonID),
			})
		}
	}
}

// ExitCode maps a Report to the doctor contract's process exit code:
// 0 healthy, 1 findings present, 2 is reserved for invalid usage or an
// internal error the caller detects before Run is even invoked.
func ExitCode(rep Report) int {
	if rep.OK {
		return 0
	}
	return 1
}
