package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ralphd/ralph/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketIssueSnapshots  = []byte("issue_snapshots")
	bucketTaskOpState     = []byte("task_op_state")
	bucketIdempotencyKeys = []byte("idempotency_keys")
	bucketPRSnapshots     = []byte("pr_snapshots")
	bucketParentVerify    = []byte("parent_verification")
	bucketRuntimeSnaps    = []byte("runtime_snapshots")
	bucketMeta            = []byte("meta")

	metaSchemaVersionKey = []byte("schema_version")
)

// schemaVersion is the schema this build writes. minReadableSchema is the
// oldest schema this build can still open; maxWritableSchema bounds what it
// will ever write.
const (
	schemaVersion     = 1
	minReadableSchema = 1
	maxReadableSchema = 1
	maxWritableSchema = 1
)

// BoltStore implements Store using an embedded bbolt database.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the state database under
// dataDir, and refuses to open a schema outside the readable window.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ralph.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketIssueSnapshots,
			bucketTaskOpState,
			bucketIdempotencyKeys,
			bucketPRSnapshots,
			bucketParentVerify,
			bucketRuntimeSnaps,
			bucketMeta,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		meta := tx.Bucket(bucketMeta)
		raw := meta.Get(metaSchemaVersionKey)
		if raw == nil {
			return meta.Put(metaSchemaVersionKey, []byte(fmt.Sprintf("%d", schemaVersion)))
		}
		var stored int
		if _, err := fmt.Sscanf(string(raw), "%d", &stored); err != nil {
			return fmt.Errorf("unreadable schema_version %q: %w", raw, err)
		}
		if stored < minReadableSchema || stored > maxReadableSchema {
			return fmt.Errorf("state database schema %d outside readable window [%d..%d]", stored, minReadableSchema, maxReadableSchema)
		}
		if stored > maxWritableSchema {
			return fmt.Errorf("state database schema %d newer than this build can write (max %d)", stored, maxWritableSchema)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// issueKey produces a lexicographically sortable key so ForEach iteration
// yields (repo, number) ascending, keeping listings deterministic
// without a secondary index.
func issueKey(repo types.RepoID, number int) []byte {
	return []byte(fmt.Sprintf("%s\x00%010d", repo, number))
}

func taskOpStateKey(repo types.RepoID, taskPath string) []byte {
	return []byte(fmt.Sprintf("%s\x00%s", repo, taskPath))
}

func (s *BoltStore) UpsertIssueSnapshot(snap *types.IssueSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssueSnapshots)
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put(issueKey(snap.Repo, snap.Number), data)
	})
}

func (s *BoltStore) GetIssueSnapshot(repo types.RepoID, number int) (*types.IssueSnapshot, bool, error) {
	var snap types.IssueSnapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssueSnapshots)
		data := b.Get(issueKey(repo, number))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &snap, true, nil
}

func (s *BoltStore) ListIssueSnapshotsByRepo(repo types.RepoID) ([]*types.IssueSnapshot, error) {
	var out []*types.IssueSnapshot
	prefix := []byte(fmt.Sprintf("%s\x00", repo))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketIssueSnapshots).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var snap types.IssueSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			out = append(out, &snap)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) ListIssueSnapshotsByRepoLabel(repo types.RepoID, label string) ([]*types.IssueSnapshot, error) {
	all, err := s.ListIssueSnapshotsByRepo(repo)
	if err != nil {
		return nil, err
	}
	var out []*types.IssueSnapshot
	for _, snap := range all {
		for _, l := range snap.Labels {
			if l == label {
				out = append(out, snap)
				break
			}
		}
	}
	return out, nil
}

func (s *BoltStore) UpsertTaskOpState(state *types.TaskOpState, expectedDaemonID string, expectedHeartbeatAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskOpState)
		key := taskOpStateKey(state.Repo, state.TaskPath)

		if expectedDaemonID != "" {
			existing := b.Get(key)
			if existing != nil {
				var cur types.TaskOpState
				if err := json.Unmarshal(existing, &cur); err != nil {
					return err
				}
				if cur.DaemonID != expectedDaemonID || !cur.HeartbeatAt.Equal(expectedHeartbeatAt) {
					return &ErrCASMismatch{Repo: state.Repo, TaskPath: state.TaskPath}
				}
			} else {
				return &ErrCASMismatch{Repo: state.Repo, TaskPath: state.TaskPath}
			}
		}

		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) GetTaskOpState(repo types.RepoID, taskPath string) (*types.TaskOpState, bool, error) {
	var state types.TaskOpState
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskOpState)
		data := b.Get(taskOpStateKey(repo, taskPath))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &state)
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &state, true, nil
}

func (s *BoltStore) ListTaskOpStatesByRepo(repo types.RepoID) ([]*types.TaskOpState, error) {
	var out []*types.TaskOpState
	prefix := []byte(fmt.Sprintf("%s\x00", repo))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTaskOpState).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var state types.TaskOpState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			out = append(out, &state)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].TaskPath < out[j].TaskPath })
	return out, err
}

func (s *BoltStore) ReleaseTaskOpState(repo types.RepoID, taskPath string, reason string, releasedAt time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTaskOpState)
		key := taskOpStateKey(repo, taskPath)
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("task op-state not found: %s/%s", repo, taskPath)
		}
		var state types.TaskOpState
		if err := json.Unmarshal(data, &state); err != nil {
			return err
		}
		state.ReleasedAt = releasedAt
		state.ReleasedReason = reason
		out, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

func (s *BoltStore) ClaimIdempotencyKey(key, payloadHash string, now time.Time) (bool, string, error) {
	claimed := false
	storedHash := ""
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotencyKeys)
		existing := b.Get([]byte(key))
		if existing != nil {
			var ik types.IdempotencyKey
			if err := json.Unmarshal(existing, &ik); err != nil {
				return err
			}
			storedHash = ik.PayloadHash
			claimed = false
			return nil
		}
		ik := types.IdempotencyKey{Key: key, PayloadHash: payloadHash, CreatedAt: now}
		data, err := json.Marshal(ik)
		if err != nil {
			return err
		}
		claimed = true
		storedHash = payloadHash
		return b.Put([]byte(key), data)
	})
	return claimed, storedHash, err
}

func (s *BoltStore) DeleteIdempotencyKey(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdempotencyKeys).Delete([]byte(key))
	})
}

func (s *BoltStore) UpsertPRSnapshot(pr *types.PRSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPRSnapshots)
		data, err := json.Marshal(pr)
		if err != nil {
			return err
		}
		return b.Put([]byte(NormalizePRURL(pr.URL)), data)
	})
}

func (s *BoltStore) GetPRSnapshotByURL(url string) (*types.PRSnapshot, bool, error) {
	var pr types.PRSnapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPRSnapshots)
		data := b.Get([]byte(NormalizePRURL(url)))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &pr)
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &pr, true, nil
}

func (s *BoltStore) ListPRSnapshotsByIssue(repo types.RepoID, issueNumber int) ([]*types.PRSnapshot, error) {
	var out []*types.PRSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPRSnapshots).ForEach(func(k, v []byte) error {
			var pr types.PRSnapshot
			if err := json.Unmarshal(v, &pr); err != nil {
				return err
			}
			if pr.Repo == repo && pr.IssueNumber == issueNumber {
				out = append(out, &pr)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, err
}

func (s *BoltStore) GetParentVerificationState(repo types.RepoID, number int) (*types.ParentVerificationState, bool, error) {
	var state types.ParentVerificationState
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParentVerify)
		data := b.Get(issueKey(repo, number))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &state)
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &state, true, nil
}

func (s *BoltStore) SetParentVerificationState(state *types.ParentVerificationState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketParentVerify)
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(issueKey(state.Repo, state.Number), data)
	})
}

func (s *BoltStore) GetRuntimeSnapshot(key string) (*types.RuntimeSnapshot, bool, error) {
	var snap types.RuntimeSnapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuntimeSnaps)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil || !found {
		return nil, found, err
	}
	return &snap, true, nil
}

func (s *BoltStore) PutRuntimeSnapshot(snap *types.RuntimeSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuntimeSnaps)
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put([]byte(snap.Key), data)
	})
}

// NormalizePRURL lowercases the host and strips a trailing slash, so PR
// urls compare equal regardless of casing/trailing-slash differences from
// the hosting service.
func NormalizePRURL(raw string) string {
	const schemeSep = "://"
	idx := strings.Index(raw, schemeSep)
	if idx < 0 {
		return strings.TrimSuffix(raw, "/")
	}
	scheme := raw[:idx]
	rest := raw[idx+len(schemeSep):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return strings.ToLower(scheme) + schemeSep + strings.ToLower(rest)
	}
	host := rest[:slash]
	path := strings.TrimSuffix(rest[slash:], "/")
	return strings.ToLower(scheme) + schemeSep + strings.ToLower(host) + path
}
