package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/ralphd/ralph/pkg/clock"
	"github.com/ralphd/ralph/pkg/config"
	"github.com/ralphd/ralph/pkg/control"
	"github.com/ralphd/ralph/pkg/escalation"
	"github.com/ralphd/ralph/pkg/events"
	"github.com/ralphd/ralph/pkg/governor"
	"github.com/ralphd/ralph/pkg/hosting"
	"github.com/ralphd/ralph/pkg/labelio"
	"github.com/ralphd/ralph/pkg/log"
	"github.com/ralphd/ralph/pkg/mergegate"
	"github.com/ralphd/ralph/pkg/metrics"
	"github.com/ralphd/ralph/pkg/queue"
	"github.com/ralphd/ralph/pkg/relationship"
	"github.com/ralphd/ralph/pkg/storage"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/ralphd/ralph/pkg/worker"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ralphd daemon against its configured repo fleet",
	RunE:  runDaemon,
}

func init() {
	runCmd.Flags().String("config", "ralph.yaml", "Path to ralph.yaml")
	runCmd.Flags().String("agent-path", "", "Path to the coding-agent executable ralphd drives per task")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	agentPath, _ := cmd.Flags().GetString("agent-path")
	if agentPath == "" {
		return fmt.Errorf("--agent-path is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	repoConfigs, err := cfg.RepoConfigs()
	if err != nil {
		return err
	}

	token := os.Getenv("GH_TOKEN")
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if token == "" {
		return fmt.Errorf("GH_TOKEN or GITHUB_TOKEN must be set")
	}

	daemonID := uuid.NewString()
	logger := log.WithDaemon(daemonID)
	logger.Info().Str("config", configPath).Int("repos", len(repoConfigs)).Msg("starting ralphd")

	sink, err := events.NewSink(cfg.EventsDir)
	if err != nil {
		return fmt.Errorf("failed to open events sink: %w", err)
	}
	defer sink.Close()
	broker := events.NewBroker(sink)
	broker.Start()
	defer broker.Stop()

	store, err := storage.NewBoltStore(cfg.StateDBPath)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	gov := governor.New(governor.Config{
		Lanes:              cfg.GovernorLanes(),
		PressureThreshold:  cfg.PressureThresh,
		RuntimeSnapshotKey: "governor",
		Clock:              clock.Real{},
		Store:              store,
		Broker:             broker,
	})

	client := hosting.NewClient(hosting.Config{
		TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		Clock:       clock.Real{},
		Broker:      broker,
		Observer:    gov,
	})

	labelIO := labelio.New(client, store, clock.Real{})
	relEngine := relationship.New(client)
	queueDriver := queue.New(queue.Config{
		Store: store, Client: client, LabelIO: labelIO, Relationship: relEngine, Clock: clock.Real{},
		Repos: repoConfigs,
	})

	controlWatcher := control.NewWatcher(cfg.ControlFile, clock.Real{}, broker)
	registry := control.NewRegistry(cfg.DaemonRegistry)
	notifier := NewLogNotifier()
	escWriter := escalation.New(labelIO, notifier, clock.Real{})
	gate := mergegate.New(client, clock.Real{})
	sessionRunner := &ExecSessionRunner{AgentPath: agentPath}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go controlWatcher.Run(ctx, 2*time.Second)

	repoIDs := make([]types.RepoID, 0, len(repoConfigs))
	for _, rc := range repoConfigs {
		repoIDs = append(repoIDs, rc.ID)
	}
	queueDriver.StartSweepers(ctx, repoConfigs, queue.SweepSchedule{})
	defer queueDriver.Stop()

	collector := metrics.NewCollector(store, repoIDs)
	collector.Start()
	defer collector.Stop()

	go registerDaemonHeartbeat(ctx, registry, daemonID, cfg.ControlFile)
	go governorPersistLoop(ctx, gov)
	go serveMetrics(cfg.MetricsAddr)

	var wg sync.WaitGroup
	for _, rc := range repoConfigs {
		for slot := 0; slot < rc.MaxWorkers; slot++ {
			wg.Add(1)
			go runSlot(ctx, &wg, slotDeps{
				Repo: rc, Slot: slot, DaemonID: daemonID, WorktreeRoot: cfg.WorktreeRoot,
				Store: store, Client: client, Queue: queueDriver, LabelIO: labelIO,
				Governor: gov, MergeGate: gate, Control: controlWatcher, Escalation: escWriter,
				SessionRunner: sessionRunner, Broker: broker,
			})
		}
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received, waiting for workers to finish current call")
	wg.Wait()
	return nil
}

type slotDeps struct {
	Repo          types.RepoConfig
	Slot          int
	DaemonID      string
	WorktreeRoot  string
	Store         storage.Store
	Client        hosting.HostingClient
	Queue         *queue.Driver
	LabelIO       *labelio.IO
	Governor      *governor.Governor
	MergeGate     *mergegate.Controller
	Control       *control.Watcher
	Escalation    *escalation.Writer
	SessionRunner worker.SessionRunner
	Broker        *events.Broker
}

// runSlot is the per-(repo,slot) loop: poll issues, claim the next runnable
// task, drive it to a terminal outcome, repeat. One slot runs at most one
// task at a time.
func runSlot(ctx context.Context, wg *sync.WaitGroup, deps slotDeps) {
	defer wg.Done()
	workerID := fmt.Sprintf("%s-slot-%d", deps.Repo.ID, deps.Slot)
	w := worker.New(worker.Config{
		Repo: deps.Repo, Slot: deps.Slot, DaemonID: deps.DaemonID, WorkerID: workerID,
		WorktreeRoot: deps.WorktreeRoot, Store: deps.Store, Client: deps.Client, Queue: deps.Queue,
		LabelIO: deps.LabelIO, Governor: deps.Governor, MergeGate: deps.MergeGate, Control: deps.Control,
		Escalation: deps.Escalation, SessionRunner: deps.SessionRunner, Broker: deps.Broker, Clock: clock.Real{},
	})

	logger := log.WithRepo(string(deps.Repo.ID)).With().Int("slot", deps.Slot).Logger()

	if task, ok := recoverSlotTask(ctx, deps, workerID, logger); ok {
		w.Run(ctx, task)
	}

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := deps.Queue.PollIssues(ctx, deps.Repo.ID, "ralph"); err != nil {
			logger.Warn().Err(err).Msg("poll issues failed")
			continue
		}

		queued, err := deps.Queue.ListQueued(deps.Repo.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("list queued failed")
			continue
		}
		if len(queued) == 0 {
			continue
		}

		claimed := claimFirstAvailable(ctx, deps, queued, workerID, logger)
		if claimed == nil {
			continue
		}
		w.Run(ctx, *claimed)
	}
}

// recoverSlotTask is the startup half of interrupted-task recovery. A
// freshly started daemon process owns nothing yet, so any
// in-progress op-state still claiming this slot belongs to a process that
// died before releasing it. Slots are a fixed-identity concurrency
// bucket, so the same slot index is reassigned on every
// restart. Reclaiming it here, rather than waiting out the
// stale-in-progress sweep's TTL, lets the worker's own resume/reset branch
// in drive() decide whether the worktree survived the restart.
func recoverSlotTask(ctx context.Context, deps slotDeps, workerID string, logger zerolog.Logger) (types.TaskView, bool) {
	inProgress, err := deps.Queue.ListByStatus(deps.Repo.ID, types.StatusInProgress)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list in-progress tasks for restart recovery")
		return types.TaskView{}, false
	}
	for _, task := range inProgress {
		if task.Slot != deps.Slot {
			continue
		}
		view, ok, err := deps.Queue.Reclaim(deps.Repo.ID, task.Number, deps.DaemonID, workerID, deps.Slot)
		if err != nil {
			logger.Warn().Err(err).Int("number", task.Number).Msg("failed to reclaim in-progress task")
			return types.TaskView{}, false
		}
		if !ok {
			continue
		}
		logger.Info().Int("number", task.Number).Msg("recovered in-progress task after restart")
		return view, true
	}
	return types.TaskView{}, false
}

func claimFirstAvailable(ctx context.Context, deps slotDeps, queued []types.TaskView, workerID string, logger zerolog.Logger) *types.TaskView {
	for _, task := range queued {
		res, err := deps.Queue.TryClaim(ctx, deps.Repo.ID, task.Number, deps.DaemonID, workerID, deps.Slot)
		if err != nil {
			logger.Warn().Err(err).Int("number", task.Number).Msg("claim attempt failed")
			continue
		}
		if res.Claimed {
			return &res.View
		}
	}
	return nil
}

func registerDaemonHeartbeat(ctx context.Context, registry *control.Registry, daemonID, controlPath string) {
	pid := os.Getpid()
	cwd, _ := os.Getwd()
	started := time.Now()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		rec := control.DaemonRecord{
			Version: 1, DaemonID: daemonID, PID: pid, StartedAt: started,
			HeartbeatAt: time.Now(), ControlFilePath: controlPath, CWD: cwd, Command: "ralphd run",
		}
		_ = registry.Write(rec)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func governorPersistLoop(ctx context.Context, gov *governor.Governor) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = gov.MaybePersist(ctx)
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		metricsLog := log.WithComponent("metrics")
		metricsLog.Warn().Err(err).Msg("metrics server stopped")
	}
}
