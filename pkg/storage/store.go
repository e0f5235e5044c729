// Package storage is the durable state store: an embedded transactional
// key/value store that caches issue/PR snapshots, task op-state, idempotency
// keys, parent-verification state, and governor/daemon runtime snapshots. It
// is a cache, not the source of truth for status — the store is rebuildable
// from the hosting service plus idempotency history.
package storage

import (
	"time"

	"github.com/ralphd/ralph/pkg/types"
)

// Store is the interface every other component in Ralph programs against;
// production wires BoltStore, tests wire an in-memory fake.
type Store interface {
	// Issue snapshots
	UpsertIssueSnapshot(snap *types.IssueSnapshot) error
	GetIssueSnapshot(repo types.RepoID, number int) (*types.IssueSnapshot, bool, error)
	ListIssueSnapshotsByRepoLabel(repo types.RepoID, label string) ([]*types.IssueSnapshot, error)
	ListIssueSnapshotsByRepo(repo types.RepoID) ([]*types.IssueSnapshot, error)

	// Task op-state. UpsertTaskOpState performs a compare-and-set on
	// (expectedDaemonID, expectedHeartbeatAt): when expectedDaemonID is
	// non-empty the write only applies if the stored row's DaemonID and
	// HeartbeatAt both match, returning *ErrCASMismatch otherwise.
	UpsertTaskOpState(state *types.TaskOpState, expectedDaemonID string, expectedHeartbeatAt time.Time) error
	GetTaskOpState(repo types.RepoID, taskPath string) (*types.TaskOpState, bool, error)
	ListTaskOpStatesByRepo(repo types.RepoID) ([]*types.TaskOpState, error)
	ReleaseTaskOpState(repo types.RepoID, taskPath string, reason string, releasedAt time.Time) error

	// Idempotency keys. ClaimIdempotencyKey returns (claimed=true) on first
	// attempt, or (claimed=false, storedHash) if a key is already present.
	ClaimIdempotencyKey(key, payloadHash string, now time.Time) (claimed bool, storedHash string, err error)
	DeleteIdempotencyKey(key string) error

	// PR snapshots
	UpsertPRSnapshot(pr *types.PRSnapshot) error
	GetPRSnapshotByURL(url string) (*types.PRSnapshot, bool, error)
	ListPRSnapshotsByIssue(repo types.RepoID, issueNumber int) ([]*types.PRSnapshot, error)

	// Parent-verification state
	GetParentVerificationState(repo types.RepoID, number int) (*types.ParentVerificationState, bool, error)
	SetParentVerificationState(state *types.ParentVerificationState) error

	// Runtime snapshots (governor/daemon status), last-writer-wins with a
	// write-interval floor enforced by the caller.
	GetRuntimeSnapshot(key string) (*types.RuntimeSnapshot, bool, error)
	PutRuntimeSnapshot(snap *types.RuntimeSnapshot) error

	Close() error
}

// ErrCASMismatch is returned by UpsertTaskOpState when the caller's expected
// (daemonID, heartbeatAt) does not match the stored row.
type ErrCASMismatch struct {
	Repo     types.RepoID
	TaskPath string
}

func (e *ErrCASMismatch) Error() string {
	return "storage: compare-and-set mismatch for " + string(e.Repo) + "/" + e.TaskPath
}
