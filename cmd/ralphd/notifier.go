package main

import (
	"context"

	"github.com/ralphd/ralph/pkg/escalation"
	"github.com/ralphd/ralph/pkg/log"
	"github.com/rs/zerolog"
)

// LogNotifier is the production Notifier: it logs the classified
// escalation at warn level. Notification transports beyond the Notifier
// interface boundary are out of scope; a deployment that wants Slack
// or email wires its own Notifier here.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("notifier")}
}

var _ escalation.Notifier = (*LogNotifier)(nil)

func (n *LogNotifier) Notify(ctx context.Context, note escalation.Notification) error {
	n.logger.Warn().
		Str("repo", string(note.Repo)).
		Int("number", note.Number).
		Str("type", string(note.Type)).
		Str("reason", note.Reason).
		Str("run_log_path", note.RunLogPath).
		Msg("task escalated")
	return nil
}
