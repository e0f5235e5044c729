package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ralphd/ralph/pkg/config"
	"github.com/ralphd/ralph/pkg/doctor"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose daemon and state-store health, emitting a JSON v1 report",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().String("config", "ralph.yaml", "Path to ralph.yaml")
	doctorCmd.Flags().Duration("heartbeat-ttl", 5*time.Minute, "Lease/daemon heartbeat TTL used to classify staleness")
}

// runDoctor loads the configured fleet and inspects it, emitting the doctor
// JSON v1 report to stdout. It never applies repairs: the interactive
// self-repair tool is out of scope, so RepairMode/DryRun always arrive false
// from this entrypoint.
func runDoctor(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	ttl, _ := cmd.Flags().GetDuration("heartbeat-ttl")

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	repoConfigs, err := cfg.RepoConfigs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	repoIDs := make([]types.RepoID, 0, len(repoConfigs))
	for _, rc := range repoConfigs {
		repoIDs = append(repoIDs, rc.ID)
	}

	rep := doctor.Run(doctor.Config{
		StateDBPath:     cfg.StateDBPath,
		ControlFilePath: cfg.ControlFile,
		DaemonRegistry:  cfg.DaemonRegistry,
		Repos:           repoIDs,
		HeartbeatTTL:    ttl,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	os.Exit(doctor.ExitCode(rep))
	return nil
}
