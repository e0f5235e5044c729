// Package relationship is the relationship engine: the sole authority
// on whether a task is blocked by an unresolved dependency. It
// combines graph-derived sub-issue/blocked-by signals with a best-effort
// body-text extraction, and is careful never to let informal issue text
// override a provider that already gave a complete answer.
package relationship

import (
	"context"
	"regexp"
	"strconv"

	"github.com/ralphd/ralph/pkg/hosting"
	"github.com/ralphd/ralph/pkg/types"
)

// Decision is the engine's verdict for one issue.
type Decision struct {
	Blocked bool
	Unknown bool // coverage was all-unknown and no open signal observed
	Source  types.BlockedSource
	Reason  string
}

// Engine evaluates dependency signals for an issue.
type Engine struct {
	Client hosting.HostingClient
}

// New builds an Engine.
func New(client hosting.HostingClient) *Engine {
	return &Engine{Client: client}
}

// bodyBlockedByPattern recognises "blocked by #N", "blocked-by #N", and
// "depends on #N" style references in free-form issue text.
var bodyBlockedByPattern = regexp.MustCompile(`(?i)(blocked[\s-]*by|depends?\s+on)\s*#(\d+)`)

// Decide fetches graph-derived signals for ref, supplements them with
// body-text extraction when graph coverage is incomplete, and returns the
// blocked/runnable/unknown verdict.
func (e *Engine) Decide(ctx context.Context, ref hosting.IssueRef, body string) (Decision, error) {
	signals, coverage, err := e.Client.DependencySignals(ctx, ref)
	if err != nil {
		return Decision{}, err
	}

	// Body signals are ignored when graph deps coverage is complete, to
	// avoid false positives from informal issue text.
	if !coverage.GraphDepsComplete {
		for _, ref := range extractBodyRefs(body) {
			signals = append(signals, hosting.DependencySignal{Kind: "blocked_by", Source: "body", Open: ref.open})
		}
	}

	return decide(signals, coverage), nil
}

type bodyRef struct {
	number int
	open   bool
}

// extractBodyRefs extracts blocked-by references from free text. Open
// state cannot be determined from text alone, so every extracted reference
// is conservatively treated as open (unresolved) until a provider confirms
// otherwise, erring toward caution with body-derived signals.
func extractBodyRefs(body string) []bodyRef {
	matches := bodyBlockedByPattern.FindAllStringSubmatch(body, -1)
	out := make([]bodyRef, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		out = append(out, bodyRef{number: n, open: true})
	}
	return out
}

func decide(signals []hosting.DependencySignal, coverage hosting.DependencyCoverage) Decision {
	hasOpenBlocker := false
	for _, s := range signals {
		if s.Kind == "blocked_by" && s.Open {
			hasOpenBlocker = true
			break
		}
	}
	if hasOpenBlocker {
		return Decision{Blocked: true, Source: types.BlockedSourceDeps, Reason: "open blocked-by dependency"}
	}

	coverageKnown := coverage.GraphDepsComplete || coverage.GraphSubIssuesComplete || coverage.BodyDepsExtracted
	if !coverageKnown && len(signals) == 0 {
		return Decision{Unknown: true, Reason: "no trusted coverage and no observed signals"}
	}

	return Decision{Blocked: false}
}
