package labelio

import (
	"context"
	"testing"
	"time"

	"github.com/ralphd/ralph/pkg/clock"
	"github.com/ralphd/ralph/pkg/hosting"
	"github.com/ralphd/ralph/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestIO(t *testing.T) (*IO, *hosting.Fake) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fc := hosting.NewFake()
	fc.Issues["acme/widgets#42"] = &hosting.Issue{Number: 42, Open: true, Labels: []string{"ralph:status:queued"}}

	return New(fc, store, clock.NewFake(time.Unix(0, 0))), fc
}

func TestPlanLabelOpsCrossCancels(t *testing.T) {
	ops := PlanLabelOps([]string{"ralph:status:queued", "ralph:status:blocked"}, []string{"ralph:status:blocked"})
	require.Len(t, ops, 1)
	require.Equal(t, ActionAdd, ops[0].Action)
	require.Equal(t, "ralph:status:queued", ops[0].Label)
}

func TestPlanLabelOpsDedupesAndOrders(t *testing.T) {
	ops := PlanLabelOps([]string{"b", "a", "a"}, nil)
	require.Equal(t, []LabelOp{{Action: ActionAdd, Label: "a"}, {Action: ActionAdd, Label: "b"}}, ops)
}

func TestExecuteLabelOpsRejectsNonRalphLabel(t *testing.T) {
	io, _ := newTestIO(t)
	ref := hosting.IssueRef{Repo: "acme/widgets", Number: 42}
	outcome := io.ExecuteLabelOps(context.Background(), ref, []LabelOp{{Action: ActionAdd, Label: "bug"}})
	require.Equal(t, OutcomePolicy, outcome)
}

func TestExecuteLabelOpsApplies(t *testing.T) {
	io, fc := newTestIO(t)
	ref := hosting.IssueRef{Repo: "acme/widgets", Number: 42}
	outcome := io.ExecuteLabelOps(context.Background(), ref, PlanLabelOps([]string{"ralph:status:in-progress"}, []string{"ralph:status:queued"}))
	require.Equal(t, OutcomeOK, outcome)
	require.ElementsMatch(t, []string{"ralph:status:in-progress"}, fc.Issues["acme/widgets#42"].Labels)
}

func TestUpsertMarkerCommentIsIdempotent(t *testing.T) {
	io, fc := newTestIO(t)
	ref := hosting.IssueRef{Repo: "acme/widgets", Number: 42}

	url1, err := io.UpsertMarkerComment(context.Background(), ref, CommentEscalation, "abc123", "blocked: low confidence")
	require.NoError(t, err)
	require.Len(t, fc.Comments["acme/widgets#42"], 1)

	url2, err := io.UpsertMarkerComment(context.Background(), ref, CommentEscalation, "abc123", "blocked: low confidence")
	require.NoError(t, err)
	require.Equal(t, url1, url2)
	require.Len(t, fc.Comments["acme/widgets#42"], 1, "no second write for identical content")
}

func TestUpsertMarkerCommentPatchesOnChange(t *testing.T) {
	io, fc := newTestIO(t)
	ref := hosting.IssueRef{Repo: "acme/widgets", Number: 42}

	_, err := io.UpsertMarkerComment(context.Background(), ref, CommentEscalation, "abc123", "first reason")
	require.NoError(t, err)

	_, err = io.UpsertMarkerComment(context.Background(), ref, CommentEscalation, "abc123", "second reason")
	require.NoError(t, err)

	require.Len(t, fc.Comments["acme/widgets#42"], 1, "patch, not a new comment")
	require.Contains(t, fc.Comments["acme/widgets#42"][0].Body, "second reason")
}
