package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ralphd/ralph/pkg/clock"
	"github.com/ralphd/ralph/pkg/hosting"
	"github.com/ralphd/ralph/pkg/labelio"
	"github.com/ralphd/ralph/pkg/relationship"
	"github.com/ralphd/ralph/pkg/storage"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T) (*Driver, *hosting.Fake, *clock.Fake) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fc := hosting.NewFake()
	fk := clock.NewFake(time.Unix(0, 0))
	lio := labelio.New(fc, store, fk)
	rel := relationship.New(fc)

	return New(Config{Store: store, Client: fc, LabelIO: lio, Relationship: rel, Clock: fk}), fc, fk
}

func seedQueuedIssue(t *testing.T, fc *hosting.Fake, repo types.RepoID, number int) {
	t.Helper()
	key := fmt.Sprintf("%s#%d", repo, number)
	fc.Issues[key] = &hosting.Issue{Number: number, Open: true, Labels: []string{string(types.LabelQueued)}}
	fc.Coverage[key] = hosting.DependencyCoverage{GraphDepsComplete: true, GraphSubIssuesComplete: true}
}

func TestTryClaimTransitionsQueuedToInProgress(t *testing.T) {
	d, fc, _ := newTestDriver(t)
	seedQueuedIssue(t, fc, "acme/widgets", 1)

	res, err := d.TryClaim(context.Background(), "acme/widgets", 1, "daemon-a", "worker-1", 0)
	require.NoError(t, err)
	require.True(t, res.Claimed)
	require.Equal(t, types.StatusInProgress, res.View.Status)
	require.ElementsMatch(t, []string{string(types.LabelInProgress)}, fc.Issues["acme/widgets#1"].Labels)

	op, found, err := d.store.GetTaskOpState("acme/widgets", "1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "daemon-a", op.DaemonID)
}

func TestTryClaimRefusesWhenBlocked(t *testing.T) {
	d, fc, _ := newTestDriver(t)
	seedQueuedIssue(t, fc, "acme/widgets", 2)
	fc.Signals["acme/widgets#2"] = []hosting.DependencySignal{{Kind: "blocked_by", Source: "graph", Open: true}}

	res, err := d.TryClaim(context.Background(), "acme/widgets", 2, "daemon-a", "worker-1", 0)
	require.NoError(t, err)
	require.False(t, res.Claimed)
	require.True(t, res.Refused)
}

func TestHeartbeatFailsForWrongDaemon(t *testing.T) {
	d, fc, _ := newTestDriver(t)
	seedQueuedIssue(t, fc, "acme/widgets", 3)
	_, err := d.TryClaim(context.Background(), "acme/widgets", 3, "daemon-a", "worker-1", 0)
	require.NoError(t, err)

	ok, err := d.Heartbeat("acme/widgets", "3", "daemon-b")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = d.Heartbeat("acme/widgets", "3", "daemon-a")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepStaleInProgressRequeues(t *testing.T) {
	d, fc, fk := newTestDriver(t)
	seedQueuedIssue(t, fc, "acme/widgets", 4)
	_, err := d.TryClaim(context.Background(), "acme/widgets", 4, "daemon-a", "worker-1", 0)
	require.NoError(t, err)

	fk.Advance(HeartbeatTTL + time.Minute)
	require.NoError(t, d.SweepStaleInProgress(context.Background(), "acme/widgets"))

	require.ElementsMatch(t, []string{string(types.LabelQueued)}, fc.Issues["acme/widgets#4"].Labels)
	_, found, err := d.store.GetTaskOpState("acme/widgets", "4")
	require.NoError(t, err)
	require.False(t, found, "op-state must be released after stale sweep")
}

func TestSweepOperatorResolvedRequiresOperatorAssociation(t *testing.T) {
	d, fc, _ := newTestDriver(t)
	fc.Issues["acme/widgets#5"] = &hosting.Issue{Number: 5, Open: true, Labels: []string{string(types.LabelEscalated)}}
	require.NoError(t, d.store.UpsertIssueSnapshot(&types.IssueSnapshot{Repo: "acme/widgets", Number: 5, Open: true, Labels: []string{string(types.LabelEscalated)}}))

	fc.Comments["acme/widgets#5"] = []hosting.Comment{{ID: 1, Body: "RALPH RESOLVED: proceed", AuthorAssociation: "NONE"}}
	require.NoError(t, d.SweepOperatorResolved(context.Background(), "acme/widgets"))
	require.ElementsMatch(t, []string{string(types.LabelEscalated)}, fc.Issues["acme/widgets#5"].Labels, "non-operator comment must be ignored")

	fc.Comments["acme/widgets#5"][0].AuthorAssociation = "OWNER"
	require.NoError(t, d.SweepOperatorResolved(context.Background(), "acme/widgets"))
	require.ElementsMatch(t, []string{string(types.LabelQueued)}, fc.Issues["acme/widgets#5"].Labels)
}

func TestPollIssuesSeedsSnapshotsFromLiveLabels(t *testing.T) {
	d, fc, _ := newTestDriver(t)
	seedQueuedIssue(t, fc, "acme/widgets", 6)
	fc.Issues["acme/widgets#7"] = &hosting.Issue{Number: 7, Open: true, Labels: []string{string(types.LabelBlocked)}}

	require.NoError(t, d.PollIssues(context.Background(), "acme/widgets", "ralph"))

	views, err := d.ListQueued("acme/widgets")
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, 6, views[0].Number)

	blocked, err := d.ListByStatus("acme/widgets", types.StatusBlocked)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	require.Equal(t, 7, blocked[0].Number)
}

func TestTryClaimWritesBlockedLabelWhenAutoQueueEnabled(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fc := hosting.NewFake()
	fk := clock.NewFake(time.Unix(0, 0))
	lio := labelio.New(fc, store, fk)
	rel := relationship.New(fc)
	d := New(Config{
		Store: store, Client: fc, LabelIO: lio, Relationship: rel, Clock: fk,
		Repos: []types.RepoConfig{{ID: "acme/widgets", AutoQueueEnabled: true}},
	})

	seedQueuedIssue(t, fc, "acme/widgets", 9)
	fc.Signals["acme/widgets#9"] = []hosting.DependencySignal{{Kind: "blocked_by", Source: "graph", Open: true}}

	res, err := d.TryClaim(context.Background(), "acme/widgets", 9, "daemon-a", "worker-1", 0)
	require.NoError(t, err)
	require.True(t, res.Refused)
	require.ElementsMatch(t, []string{string(types.LabelBlocked)}, fc.Issues["acme/widgets#9"].Labels)
}
