// Package labelio is the plan->execute path for every status-bearing
// label mutation, plus marker-keyed comment upsert. Every caller
// that wants to change an issue's labels or post a stable comment goes
// through this package rather than calling the hosting client directly, so
// idempotency and policy are enforced in one place.
package labelio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ralphd/ralph/pkg/clock"
	"github.com/ralphd/ralph/pkg/hosting"
	"github.com/ralphd/ralph/pkg/log"
	"github.com/ralphd/ralph/pkg/rerr"
	"github.com/ralphd/ralph/pkg/storage"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/rs/zerolog"
)

// OpAction is one side of a label mutation.
type OpAction string

const (
	ActionAdd    OpAction = "add"
	ActionRemove OpAction = "remove"
)

// LabelOp is one single-label mutation in a planned sequence.
type LabelOp struct {
	Action OpAction
	Label  string
}

// PlanLabelOps normalises, deduplicates, and cross-cancels add/remove sets,
// producing an ordered add-then-remove sequence. A label present in
// both add and remove cancels out of the plan entirely.
func PlanLabelOps(add, remove []string) []LabelOp {
	addSet := normaliseSet(add)
	removeSet := normaliseSet(remove)
	for l := range addSet {
		if removeSet[l] {
			delete(addSet, l)
			delete(removeSet, l)
		}
	}

	var ops []LabelOp
	for _, l := range sortedKeys(addSet) {
		ops = append(ops, LabelOp{Action: ActionAdd, Label: l})
	}
	for _, l := range sortedKeys(removeSet) {
		ops = append(ops, LabelOp{Action: ActionRemove, Label: l})
	}
	return ops
}

func normaliseSet(labels []string) map[string]bool {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			continue
		}
		set[trimmed] = true
	}
	return set
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Outcome classifies the result of ExecuteLabelOps.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomePolicy    Outcome = "policy"
	OutcomeAuth      Outcome = "auth"
	OutcomeTransient Outcome = "transient"
	OutcomeUnknown   Outcome = "unknown"
)

// IO plans and executes label mutations and marker-keyed comment upserts.
type IO struct {
	Client hosting.HostingClient
	Store  storage.Store
	Clock  clock.Clock
	Logger zerolog.Logger

	// AllowNonRalph permits mutating labels outside types.RalphLabelPrefix
	// when explicitly set for a call site.
	AllowNonRalph bool

	mu              sync.Mutex
	transientCooldn map[string]time.Time // per-issue failure cooldown, keyed by repo#number
}

// New builds an IO with defaults applied.
func New(client hosting.HostingClient, store storage.Store, clk clock.Clock) *IO {
	if clk == nil {
		clk = clock.Real{}
	}
	return &IO{
		Client:          client,
		Store:           store,
		Clock:           clk,
		Logger:          log.WithComponent("labelio"),
		transientCooldn: make(map[string]time.Time),
	}
}

func taskKey(ref hosting.IssueRef) string {
	return fmt.Sprintf("%s#%d", ref.Repo, ref.Number)
}

// inCooldown reports whether a prior transient failure suppresses further
// non-critical retries on this issue.
func (io *IO) inCooldown(ref hosting.IssueRef) bool {
	io.mu.Lock()
	defer io.mu.Unlock()
	until, ok := io.transientCooldn[taskKey(ref)]
	return ok && until.After(io.Clock.Now())
}

func (io *IO) setCooldown(ref hosting.IssueRef, d time.Duration) {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.transientCooldn[taskKey(ref)] = io.Clock.Now().Add(d)
}

// policyCheck rejects mutation of a label outside the Ralph namespace
// unless explicitly permitted.
func (io *IO) policyCheck(ops []LabelOp) error {
	if io.AllowNonRalph {
		return nil
	}
	for _, op := range ops {
		if !strings.HasPrefix(op.Label, types.RalphLabelPrefix) {
			return rerr.New(rerr.KindPolicy, fmt.Sprintf("refusing to mutate non-ralph label %q", op.Label))
		}
	}
	return nil
}

// ExecuteLabelOps performs adds then removes. On "label does not exist" it
// calls the label-ensurer and retries once; on any other failure it rolls
// back applied ops best-effort.
func (io *IO) ExecuteLabelOps(ctx context.Context, ref hosting.IssueRef, ops []LabelOp) Outcome {
	if len(ops) == 0 {
		return OutcomeOK
	}
	if err := io.policyCheck(ops); err != nil {
		io.Logger.Warn().Str("repo", string(ref.Repo)).Int("number", ref.Number).Err(err).Msg("label op rejected by policy")
		return OutcomePolicy
	}
	if io.inCooldown(ref) {
		return OutcomeTransient
	}

	var applied []LabelOp
	for _, op := range ops {
		if err := io.applyOne(ctx, ref, op); err != nil {
			io.rollback(ctx, ref, applied)
			return io.classifyFailure(ref, err)
		}
		applied = append(applied, op)
	}
	return OutcomeOK
}

func (io *IO) applyOne(ctx context.Context, ref hosting.IssueRef, op LabelOp) error {
	switch op.Action {
	case ActionAdd:
		err := io.Client.AddLabels(ctx, ref, []string{op.Label})
		if err != nil && looksLikeMissingLabel(err) {
			if ensureErr := io.Client.EnsureLabel(ctx, string(ref.Repo), op.Label, "ededed"); ensureErr == nil {
				err = io.Client.AddLabels(ctx, ref, []string{op.Label})
			}
		}
		return err
	case ActionRemove:
		err := io.Client.RemoveLabel(ctx, ref, op.Label)
		if rerr.Is(err, rerr.KindNotFound) {
			return nil // already absent: success
		}
		return err
	default:
		return fmt.Errorf("labelio: unknown op action %q", op.Action)
	}
}

func looksLikeMissingLabel(err error) bool {
	return rerr.Is(err, rerr.KindNotFound) || rerr.Is(err, rerr.KindUnknown)
}

// rollback best-effort undoes already-applied ops in reverse order.
func (io *IO) rollback(ctx context.Context, ref hosting.IssueRef, applied []LabelOp) {
	for i := len(applied) - 1; i >= 0; i-- {
		op := applied[i]
		var err error
		switch op.Action {
		case ActionAdd:
			err = io.Client.RemoveLabel(ctx, ref, op.Label)
		case ActionRemove:
			err = io.Client.AddLabels(ctx, ref, []string{op.Label})
		}
		if err != nil {
			io.Logger.Warn().Str("repo", string(ref.Repo)).Int("number", ref.Number).Str("label", op.Label).Err(err).Msg("best-effort label rollback failed")
		}
	}
}

func (io *IO) classifyFailure(ref hosting.IssueRef, err error) Outcome {
	switch rerr.KindOf(err) {
	case rerr.KindPolicy:
		return OutcomePolicy
	case rerr.KindAuth:
		return OutcomeAuth
	case rerr.KindTransient, rerr.KindRateLimit:
		io.setCooldown(ref, 30*time.Second)
		return OutcomeTransient
	default:
		return OutcomeUnknown
	}
}

// CommentKind names the marker family for upserted comments.
type CommentKind string

const (
	CommentEscalation         CommentKind = "escalation"
	CommentBlocked            CommentKind = "blocked"
	CommentMergeConflict      CommentKind = "merge-conflict"
	CommentParentVerification CommentKind = "parent-verification"
)

const commentSearchPageSize = 100

// marker builds the stable HTML-comment marker embedded in a comment body.
func marker(kind CommentKind, id string) string {
	return fmt.Sprintf("<!-- ralph-%s:id=%s -->", kind, id)
}

// semanticHash hashes body's content for idempotency comparison.
func semanticHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// UpsertMarkerComment is the marker-keyed comment upsert: search for the
// marker, no-op on matching hash, PATCH on mismatch, POST when absent,
// claiming an idempotency key on write.
func (io *IO) UpsertMarkerComment(ctx context.Context, ref hosting.IssueRef, kind CommentKind, id, body string) (string, error) {
	m := marker(kind, id)
	fullBody := body + "\n\n" + m
	newHash := semanticHash(fullBody)

	comments, err := io.Client.ListComments(ctx, ref, commentSearchPageSize)
	if err != nil {
		return "", err
	}

	var existing *hosting.Comment
	for i := range comments {
		if strings.Contains(comments[i].Body, m) {
			existing = &comments[i]
			break
		}
	}

	key := fmt.Sprintf("comment:%s:%d:%s", ref.Repo, ref.Number, kind)
	now := io.Clock.Now()

	if existing != nil {
		claimed, stored, err := io.Store.ClaimIdempotencyKey(key, newHash, now)
		if err != nil {
			return "", err
		}
		if !claimed && stored == newHash {
			return commentURL(ref, existing.ID), nil
		}
		if !claimed {
			if err := io.Store.DeleteIdempotencyKey(key); err != nil {
				return "", err
			}
			if _, _, err := io.Store.ClaimIdempotencyKey(key, newHash, now); err != nil {
				return "", err
			}
		}
		if err := io.Client.UpdateComment(ctx, string(ref.Repo), existing.ID, fullBody); err != nil {
			return "", err
		}
		return commentURL(ref, existing.ID), nil
	}

	claimed, _, err := io.Store.ClaimIdempotencyKey(key, newHash, now)
	if err != nil {
		return "", err
	}
	if !claimed {
		// a stale key with no corresponding comment (deleted out-of-band):
		// reclaim so the write proceeds.
		if err := io.Store.DeleteIdempotencyKey(key); err != nil {
			return "", err
		}
		if _, _, err := io.Store.ClaimIdempotencyKey(key, newHash, now); err != nil {
			return "", err
		}
	}
	commentID, err := io.Client.CreateComment(ctx, ref, fullBody)
	if err != nil {
		_ = io.Store.DeleteIdempotencyKey(key)
		return "", err
	}
	return commentURL(ref, commentID), nil
}

func commentURL(ref hosting.IssueRef, id int64) string {
	return fmt.Sprintf("https://github.com/%s/issues/%d#issuecomment-%d", ref.Repo, ref.Number, id)
}

// MarkerID derives the stable escalation-comment marker id from (repo,
// number) via content hash, so reruns edit instead of spamming.
func MarkerID(repo types.RepoID, number int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", repo, number)))
	return hex.EncodeToString(sum[:8])
}
