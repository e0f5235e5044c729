package relationship

import (
	"context"
	"testing"

	"github.com/ralphd/ralph/pkg/hosting"
	"github.com/stretchr/testify/require"
)

func TestDecideGraphCompleteIgnoresBody(t *testing.T) {
	// Graph deps complete and show no open blockers; body mentions
	// #12. Task must be runnable — body signals are ignored.
	fc := hosting.NewFake()
	ref := hosting.IssueRef{Repo: "acme/widgets", Number: 5}
	fc.Signals["acme/widgets#5"] = nil
	fc.Coverage["acme/widgets#5"] = hosting.DependencyCoverage{GraphDepsComplete: true, GraphSubIssuesComplete: true}

	e := New(fc)
	d, err := e.Decide(context.Background(), ref, "this depends on #12 informally")
	require.NoError(t, err)
	require.False(t, d.Blocked)
	require.False(t, d.Unknown)
}

func TestDecideGraphIncompleteUsesBody(t *testing.T) {
	// Graph deps incomplete and body has an open #12 -> blocked,
	// blocked-source=deps.
	fc := hosting.NewFake()
	ref := hosting.IssueRef{Repo: "acme/widgets", Number: 6}
	fc.Coverage["acme/widgets#6"] = hosting.DependencyCoverage{}

	e := New(fc)
	d, err := e.Decide(context.Background(), ref, "blocked by #12")
	require.NoError(t, err)
	require.True(t, d.Blocked)
	require.Equal(t, "deps", string(d.Source))
}

func TestDecideOpenGraphSignalBlocks(t *testing.T) {
	fc := hosting.NewFake()
	ref := hosting.IssueRef{Repo: "acme/widgets", Number: 7}
	fc.Signals["acme/widgets#7"] = []hosting.DependencySignal{{Kind: "blocked_by", Source: "graph", Open: true}}
	fc.Coverage["acme/widgets#7"] = hosting.DependencyCoverage{GraphDepsComplete: true}

	e := New(fc)
	d, err := e.Decide(context.Background(), ref, "")
	require.NoError(t, err)
	require.True(t, d.Blocked)
}

func TestDecideUnknownWhenCoverageUnknownAndNoSignals(t *testing.T) {
	fc := hosting.NewFake()
	ref := hosting.IssueRef{Repo: "acme/widgets", Number: 8}
	fc.Coverage["acme/widgets#8"] = hosting.DependencyCoverage{}

	e := New(fc)
	d, err := e.Decide(context.Background(), ref, "")
	require.NoError(t, err)
	require.True(t, d.Unknown)
	require.False(t, d.Blocked)
}
