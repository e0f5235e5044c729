// Package log owns the process-wide zerolog root logger and the scoped
// child-logger constructors the daemon's components use. Components never
// build loggers from scratch: they take a child via WithComponent at
// construction time and add repo/task/daemon fields per line, so one
// task's lifecycle can be grepped out of the interleaved output of many
// (repo, slot) workers sharing a process.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. It is usable before Init runs (tests and
// early daemon start log through the default); Init replaces it once the
// CLI flags are parsed.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Config controls Init.
type Config struct {
	Level      string    // debug, info, warn, error; unrecognised values mean info
	JSONOutput bool      // false renders human-readable console lines
	Output     io.Writer // defaults to stderr, keeping stdout for command output
}

// Init configures the root logger from the daemon's CLI flags. It runs
// once, before any component constructs its child logger.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent scopes a logger to one subsystem (queue, worker, governor,
// mergegate, ...). Every component captures one of these at construction.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRepo scopes a logger to one fleet repository.
func WithRepo(repo string) zerolog.Logger {
	return Logger.With().Str("repo", repo).Logger()
}

// WithTask scopes a logger to one task: every line carries repo and issue
// number, the same pair that keys the task's op-state.
func WithTask(repo string, number int) zerolog.Logger {
	return Logger.With().Str("repo", repo).Int("number", number).Logger()
}

// WithDaemon tags lines with the owning daemon identity, matching the
// daemon-registry record other processes discover.
func WithDaemon(daemonID string) zerolog.Logger {
	return Logger.With().Str("daemon_id", daemonID).Logger()
}

// WithSession tags agent-session output so a plan/build/survey pass can be
// correlated with the hosting-service writes it caused.
func WithSession(sessionID string) zerolog.Logger {
	return Logger.With().Str("session_id", sessionID).Logger()
}
