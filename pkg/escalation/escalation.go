// Package escalation is the classified-failure writeback path. Every escalation
// upserts a marker-keyed comment whose stable id is derived from (repo,
// number), adds the standing ralph:escalated tag, and notifies exactly the
// same reason string it wrote.
package escalation

import (
	"context"
	"fmt"

	"github.com/ralphd/ralph/pkg/clock"
	"github.com/ralphd/ralph/pkg/hosting"
	"github.com/ralphd/ralph/pkg/labelio"
	"github.com/ralphd/ralph/pkg/log"
	"github.com/ralphd/ralph/pkg/metrics"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/rs/zerolog"
)

// Notifier carries a classified escalation to a human channel, verbatim.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Notification is the payload delivered to a Notifier.
type Notification struct {
	Repo       types.RepoID
	Number     int
	Type       types.EscalationType
	Reason     string
	RunLogPath string
}

// Writer is C10.
type Writer struct {
	LabelIO  *labelio.IO
	Notifier Notifier
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// New builds a Writer. notifier may be nil, in which case notification is
// skipped (the comment and label are still written).
func New(labelIO *labelio.IO, notifier Notifier, clk clock.Clock) *Writer {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Writer{LabelIO: labelIO, Notifier: notifier, Clock: clk, Logger: log.WithComponent("escalation")}
}

// Escalate upserts the escalation comment, adds ralph:escalated, and fires
// the notifier with the identical reason string. It returns the
// comment url for the caller's agent-run record.
func (w *Writer) Escalate(ctx context.Context, ref hosting.IssueRef, etype types.EscalationType, reason, runLogPath string) (string, error) {
	id := labelio.MarkerID(ref.Repo, ref.Number)
	body := formatBody(etype, reason, runLogPath)

	url, err := w.LabelIO.UpsertMarkerComment(ctx, ref, labelio.CommentEscalation, id, body)
	if err != nil {
		return "", err
	}

	add := []string{string(types.LabelEscalated)}
	if outcome := w.LabelIO.ExecuteLabelOps(ctx, ref, labelio.PlanLabelOps(add, nil)); outcome != labelio.OutcomeOK {
		w.Logger.Warn().Str("repo", string(ref.Repo)).Int("number", ref.Number).Str("outcome", string(outcome)).Msg("failed to apply ralph:escalated label")
	}

	metrics.EscalationsTotal.WithLabelValues(string(ref.Repo), string(etype)).Inc()

	if w.Notifier != nil {
		if err := w.Notifier.Notify(ctx, Notification{Repo: ref.Repo, Number: ref.Number, Type: etype, Reason: reason, RunLogPath: runLogPath}); err != nil {
			w.Logger.Warn().Str("repo", string(ref.Repo)).Int("number", ref.Number).Err(err).Msg("notifier failed")
		}
	}

	return url, nil
}

// Block upserts a ralph-blocked marker comment carrying reason verbatim and
// notifies, without touching the escalated tag — used for hard blocks (e.g.
// the CI-only-PR check) whose writeback is a durable comment rather than a
// full escalation.
func (w *Writer) Block(ctx context.Context, ref hosting.IssueRef, reason string) (string, error) {
	id := labelio.MarkerID(ref.Repo, ref.Number)

	url, err := w.LabelIO.UpsertMarkerComment(ctx, ref, labelio.CommentBlocked, id, reason)
	if err != nil {
		return "", err
	}

	metrics.EscalationsTotal.WithLabelValues(string(ref.Repo), string(types.EscalationBlocked)).Inc()

	if w.Notifier != nil {
		if err := w.Notifier.Notify(ctx, Notification{Repo: ref.Repo, Number: ref.Number, Type: types.EscalationBlocked, Reason: reason}); err != nil {
			w.Logger.Warn().Str("repo", string(ref.Repo)).Int("number", ref.Number).Err(err).Msg("notifier failed")
		}
	}

	return url, nil
}

func formatBody(etype types.EscalationType, reason, runLogPath string) string {
	body := fmt.Sprintf("**Escalated** (%s)\n\n%s", etype, reason)
	if runLogPath != "" {
		body += fmt.Sprintf("\n\nRun log: `%s`", runLogPath)
	}
	return body
}
