package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralphd/ralph/pkg/types"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestIssueSnapshotRoundTrip(t *testing.T) {
	store := openTestStore(t)

	snap := &types.IssueSnapshot{
		Repo:   "acme/widgets",
		Number: 42,
		Open:   true,
		Title:  "flaky test",
		Labels: []string{"ralph:status:queued"},
	}
	require.NoError(t, store.UpsertIssueSnapshot(snap))

	got, ok, err := store.GetIssueSnapshot("acme/widgets", 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "flaky test", got.Title)

	_, ok, err = store.GetIssueSnapshot("acme/widgets", 999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListIssueSnapshotsByRepoIsOrdered(t *testing.T) {
	store := openTestStore(t)

	for _, n := range []int{30, 2, 100, 7} {
		require.NoError(t, store.UpsertIssueSnapshot(&types.IssueSnapshot{Repo: "acme/widgets", Number: n}))
	}
	require.NoError(t, store.UpsertIssueSnapshot(&types.IssueSnapshot{Repo: "acme/other", Number: 1}))

	snaps, err := store.ListIssueSnapshotsByRepo("acme/widgets")
	require.NoError(t, err)
	require.Len(t, snaps, 4)
	require.Equal(t, []int{2, 7, 30, 100}, []int{snaps[0].Number, snaps[1].Number, snaps[2].Number, snaps[3].Number})
}

func TestListIssueSnapshotsByRepoLabel(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.UpsertIssueSnapshot(&types.IssueSnapshot{
		Repo: "acme/widgets", Number: 1, Labels: []string{"ralph:status:in-progress"},
	}))
	require.NoError(t, store.UpsertIssueSnapshot(&types.IssueSnapshot{
		Repo: "acme/widgets", Number: 2, Labels: []string{"ralph:status:queued"},
	}))

	snaps, err := store.ListIssueSnapshotsByRepoLabel("acme/widgets", "ralph:status:queued")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, 2, snaps[0].Number)
}

func TestUpsertTaskOpStateCAS(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	initial := &types.TaskOpState{Repo: "acme/widgets", TaskPath: "42", DaemonID: "d1", HeartbeatAt: now}
	require.NoError(t, store.UpsertTaskOpState(initial, "", time.Time{}))

	updated := &types.TaskOpState{Repo: "acme/widgets", TaskPath: "42", DaemonID: "d1", HeartbeatAt: now.Add(time.Minute)}
	require.NoError(t, store.UpsertTaskOpState(updated, "d1", now))

	got, ok, err := store.GetTaskOpState("acme/widgets", "42")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, now.Add(time.Minute), got.HeartbeatAt)

	stale := &types.TaskOpState{Repo: "acme/widgets", TaskPath: "42", DaemonID: "d2", HeartbeatAt: now}
	err = store.UpsertTaskOpState(stale, "d1", now)
	require.Error(t, err)
	var mismatch *ErrCASMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestReleaseTaskOpState(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.UpsertTaskOpState(&types.TaskOpState{Repo: "acme/widgets", TaskPath: "1", DaemonID: "d1"}, "", time.Time{}))
	require.NoError(t, store.ReleaseTaskOpState("acme/widgets", "1", "worker exited", now))

	got, ok, err := store.GetTaskOpState("acme/widgets", "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "worker exited", got.ReleasedReason)
	require.False(t, got.ReleasedAt.IsZero())
}

func TestClaimIdempotencyKey(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()

	claimed, hash, err := store.ClaimIdempotencyKey("label-op:acme/widgets:42:queued", "hash1", now)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, "hash1", hash)

	claimed, hash, err = store.ClaimIdempotencyKey("label-op:acme/widgets:42:queued", "hash2", now)
	require.NoError(t, err)
	require.False(t, claimed)
	require.Equal(t, "hash1", hash)

	require.NoError(t, store.DeleteIdempotencyKey("label-op:acme/widgets:42:queued"))
	claimed, _, err = store.ClaimIdempotencyKey("label-op:acme/widgets:42:queued", "hash2", now)
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestPRSnapshotRoundTripNormalizesURL(t *testing.T) {
	store := openTestStore(t)

	pr := &types.PRSnapshot{URL: "https://Example.COM/acme/widgets/pull/7/", Repo: "acme/widgets", IssueNumber: 42}
	require.NoError(t, store.UpsertPRSnapshot(pr))

	got, ok, err := store.GetPRSnapshotByURL("https://example.com/acme/widgets/pull/7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 42, got.IssueNumber)
}

func TestListPRSnapshotsByIssue(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.UpsertPRSnapshot(&types.PRSnapshot{URL: "https://example.com/acme/widgets/pull/1", Repo: "acme/widgets", IssueNumber: 42}))
	require.NoError(t, store.UpsertPRSnapshot(&types.PRSnapshot{URL: "https://example.com/acme/widgets/pull/2", Repo: "acme/widgets", IssueNumber: 42}))
	require.NoError(t, store.UpsertPRSnapshot(&types.PRSnapshot{URL: "https://example.com/acme/widgets/pull/3", Repo: "acme/widgets", IssueNumber: 99}))

	prs, err := store.ListPRSnapshotsByIssue("acme/widgets", 42)
	require.NoError(t, err)
	require.Len(t, prs, 2)
}

func TestParentVerificationStateRoundTrip(t *testing.T) {
	store := openTestStore(t)

	_, ok, err := store.GetParentVerificationState("acme/widgets", 5)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SetParentVerificationState(&types.ParentVerificationState{
		Repo: "acme/widgets", Number: 5, Status: types.ParentVerificationDone,
	}))

	got, ok, err := store.GetParentVerificationState("acme/widgets", 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.ParentVerificationDone, got.Status)
}

func TestRuntimeSnapshotRoundTrip(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.PutRuntimeSnapshot(&types.RuntimeSnapshot{Key: "governor", Data: []byte(`{"tokens":5}`)}))

	got, ok, err := store.GetRuntimeSnapshot("governor")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"tokens":5}`, string(got.Data))
}

func TestNewBoltStoreRejectsFutureSchema(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	db, err := bolt.Open(filepath.Join(dir, "ralph.db"), 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(metaSchemaVersionKey, []byte(fmt.Sprintf("%d", maxReadableSchema+1)))
	}))
	require.NoError(t, db.Close())

	_, err = NewBoltStore(dir)
	require.Error(t, err)
}
