package doctor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralphd/ralph/pkg/control"
	"github.com/ralphd/ralph/pkg/storage"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestRunHealthyStateIsOK(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	require.NoError(t, store.UpsertIssueSnapshot(&types.IssueSnapshot{
		Repo: "acme/widgets", Number: 1, Open: true, Labels: []string{string(types.LabelQueued)},
	}))
	require.NoError(t, store.Close())

	rep := Run(Config{
		StateDBPath:     filepath.Join(dir, "state"),
		ControlFilePath: filepath.Join(dir, "control.json"),
		DaemonRegistry:  filepath.Join(dir, "daemons.json"),
		Repos:           []types.RepoID{"acme/widgets"},
		HeartbeatTTL:    5 * time.Minute,
		Now:             time.Unix(1000, 0),
	})

	require.Equal(t, SchemaVersion, rep.SchemaVersion)
	require.Equal(t, StatusOK, rep.OverallStatus)
	require.True(t, rep.OK)
	require.Empty(t, rep.Findings)
	require.Equal(t, 0, ExitCode(rep))
}

func TestRunFlagsMultipleStatusLabelsAsError(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	require.NoError(t, store.UpsertIssueSnapshot(&types.IssueSnapshot{
		Repo:   "acme/widgets",
		Number: 7,
		Open:   true,
		Labels: []string{string(types.LabelQueued), string(types.LabelBlocked)},
	}))
	require.NoError(t, store.Close())

	rep := Run(Config{
		StateDBPath:     filepath.Join(dir, "state"),
		ControlFilePath: filepath.Join(dir, "control.json"),
		DaemonRegistry:  filepath.Join(dir, "daemons.json"),
		Repos:           []types.RepoID{"acme/widgets"},
		Now:             time.Unix(1000, 0),
	})

	require.Equal(t, StatusError, rep.OverallStatus)
	require.False(t, rep.OK)
	require.Equal(t, 1, ExitCode(rep))
	require.Len(t, rep.Findings, 1)
	require.Equal(t, "multiple_status_labels", rep.Findings[0].Code)
	require.Equal(t, "7", rep.Findings[0].Task)
}

func TestRunFlagsStaleOpState(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	require.NoError(t, store.UpsertTaskOpState(&types.TaskOpState{
		Repo: "acme/widgets", TaskPath: "9", DaemonID: "d1", HeartbeatAt: time.Unix(0, 0),
	}, "", time.Time{}))
	require.NoError(t, store.Close())

	rep := Run(Config{
		StateDBPath:     filepath.Join(dir, "state"),
		ControlFilePath: filepath.Join(dir, "control.json"),
		DaemonRegistry:  filepath.Join(dir, "daemons.json"),
		Repos:           []types.RepoID{"acme/widgets"},
		HeartbeatTTL:    time.Minute,
		Now:             time.Unix(1000, 0),
	})

	require.Equal(t, StatusWarn, rep.OverallStatus)
	require.False(t, rep.OK)
	require.Len(t, rep.Findings, 1)
	require.Equal(t, "stale_op_state", rep.Findings[0].Code)
}

func TestRunReportsUnopenableStateDB(t *testing.T) {
	dir := t.TempDir()
	// dataDir itself is a regular file, so joining "ralph.db" under it
	// can never be created.
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	rep := Run(Config{
		StateDBPath:     blocker,
		ControlFilePath: filepath.Join(dir, "control.json"),
		DaemonRegistry:  filepath.Join(dir, "daemons.json"),
		Now:             time.Unix(1000, 0),
	})

	require.Equal(t, StatusError, rep.OverallStatus)
	require.False(t, rep.OK)
	found := false
	for _, f := range rep.Findings {
		if f.Code == "state_db_unopenable" {
			found = true
		}
	}
	require.True(t, found)
}

func TestRunFlagsDrainingControlFile(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	controlPath := filepath.Join(dir, "control.json")
	require.NoError(t, os.WriteFile(controlPath, []byte(`{"mode":"draining"}`), 0o644))

	rep := Run(Config{
		StateDBPath:     filepath.Join(dir, "state"),
		ControlFilePath: controlPath,
		DaemonRegistry:  filepath.Join(dir, "daemons.json"),
		Now:             time.Unix(1000, 0),
	})

	found := false
	for _, f := range rep.Findings {
		if f.Code == "draining" {
			found = true
		}
	}
	require.True(t, found)
}

func TestRunFlagsStaleDaemonRecord(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(filepath.Join(dir, "state"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	registryPath := filepath.Join(dir, "daemons.json")
	reg := control.NewRegistry(registryPath)
	require.NoError(t, reg.Write(control.DaemonRecord{
		Version: 1, DaemonID: "dead-daemon", PID: 999999999, HeartbeatAt: time.Unix(0, 0),
	}))

	rep := Run(Config{
		StateDBPath:     filepath.Join(dir, "state"),
		ControlFilePath: filepath.Join(dir, "control.json"),
		DaemonRegistry:  registryPath,
		HeartbeatTTL:    time.Minute,
		Now:             time.Unix(1000, 0),
	})

	require.Equal(t, 1, rep.DaemonCandidates)
	found := false
	for _, f := range rep.Findings {
		if f.Code == "stale_daemon_record" {
			found = true
		}
	}
	require.True(t, found)
}
