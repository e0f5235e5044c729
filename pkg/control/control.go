// Package control is the drain/ownership control plane: a watcher on a
// control file whose mode governs cooperative pausing at worker
// checkpoints, plus the daemon registry used to classify stale daemons.
package control

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/ralphd/ralph/pkg/clock"
	"github.com/ralphd/ralph/pkg/events"
	"github.com/ralphd/ralph/pkg/log"
	"github.com/ralphd/ralph/pkg/metrics"
	"github.com/rs/zerolog"
)

// Mode is the control file's operating mode.
type Mode string

const (
	ModeRunning  Mode = "running"
	ModeDraining Mode = "draining"
)

// File is the on-disk control.json shape.
type File struct {
	Mode              Mode   `json:"mode"`
	PauseRequested    bool   `json:"pause_requested"`
	PauseAtCheckpoint string `json:"pause_at_checkpoint,omitempty"`
	DrainTimeoutMS    int    `json:"drain_timeout_ms,omitempty"`
}

// Checkpoint names the well-defined points a worker observes the control
// mode.
type Checkpoint string

const (
	CheckpointPlanned Checkpoint = "planned"
	CheckpointRouted  Checkpoint = "routed"
	CheckpointPRReady Checkpoint = "pr_ready"
)

// Watcher polls a control file path, retaining last-known-good state if the
// file becomes temporarily unreadable, and logging invalid content at most
// once per transition.
type Watcher struct {
	path   string
	clock  clock.Clock
	broker *events.Broker
	logger zerolog.Logger

	mu           sync.RWMutex
	current      File
	invalidLast  bool
}

// NewWatcher builds a Watcher defaulting to ModeRunning until the first
// successful read.
func NewWatcher(path string, clk clock.Clock, broker *events.Broker) *Watcher {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Watcher{
		path:    path,
		clock:   clk,
		broker:  broker,
		logger:  log.WithComponent("control"),
		current: File{Mode: ModeRunning},
	}
}

// Poll reads the control file once, updating last-known-good state.
func (w *Watcher) Poll() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return // file absent/unreadable: retain last-known-good
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		w.mu.Lock()
		alreadyLogged := w.invalidLast
		w.invalidLast = true
		w.mu.Unlock()
		if !alreadyLogged {
			w.logger.Error().Err(err).Str("path", w.path).Msg("invalid control file content")
		}
		return
	}
	if f.Mode == "" {
		f.Mode = ModeRunning
	}
	w.mu.Lock()
	w.invalidLast = false
	w.current = f
	w.mu.Unlock()
}

// Run polls the control file every interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	w.Poll()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll()
		}
	}
}

// Current returns the last-known-good control file contents.
func (w *Watcher) Current() File {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// AwaitCheckpoint blocks until mode is not pausing at checkpoint, emitting
// the checkpoint/pause lifecycle events. It is cancellable via ctx.
func (w *Watcher) AwaitCheckpoint(ctx context.Context, repo, slot string, cp Checkpoint) error {
	w.emit(events.EventWorkerCheckpoint, repo, slot, string(cp))

	f := w.Current()
	if !w.pausingAt(f, cp) {
		return nil
	}

	w.emit(events.EventWorkerPause, repo, slot, string(cp))
	w.emit(events.EventWorkerPauseReached, repo, slot, string(cp))
	metrics.WorkerPausedGauge.WithLabelValues(repo, slot).Set(1)
	defer metrics.WorkerPausedGauge.WithLabelValues(repo, slot).Set(0)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if !w.pausingAt(w.Current(), cp) {
			w.emit(events.EventWorkerPauseCleared, repo, slot, string(cp))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) pausingAt(f File, cp Checkpoint) bool {
	if f.Mode == ModeDraining {
		return true
	}
	return f.PauseRequested && (f.PauseAtCheckpoint == "" || f.PauseAtCheckpoint == string(cp))
}

func (w *Watcher) emit(t events.EventType, repo, slot, checkpoint string) {
	if w.broker == nil {
		return
	}
	w.broker.Publish(&events.Event{
		Type:      t,
		Level:     events.LevelInfo,
		Timestamp: w.clock.Now(),
		Repo:      repo,
		Metadata:  map[string]string{"slot": slot, "checkpoint": checkpoint},
	})
}
