// Package config loads ralph.yaml, the daemon's single configuration file:
// the repo fleet, required-check names, bot-branch/auto-update/auto-queue
// policy, and lane capacities. A small typed struct decoded straight
// off gopkg.in/yaml.v3, rather than reaching for a heavier config-loading
// library.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ralphd/ralph/pkg/governor"
	"github.com/ralphd/ralph/pkg/types"
	"gopkg.in/yaml.v3"
)

// LaneConfig is one governor lane's token-bucket shape in YAML.
type LaneConfig struct {
	Capacity   float64 `yaml:"capacity"`
	RefillRate float64 `yaml:"refillRate"`
}

// RepoConfig is one fleet member's policy, as read from ralph.yaml.
type RepoConfig struct {
	ID                string   `yaml:"id"`
	BotBranch         string   `yaml:"botBranch"`
	MainBranch        string   `yaml:"mainBranch"`
	RequiredChecks    []string `yaml:"requiredChecks"`
	AutoUpdateEnabled bool     `yaml:"autoUpdateEnabled"`
	AutoUpdateMinAge  string   `yaml:"autoUpdateMinAge"` // parsed as a Go duration, e.g. "15m"
	AutoUpdateLabel   string   `yaml:"autoUpdateLabel"`
	AutoQueueEnabled  bool     `yaml:"autoQueueEnabled"`
	AllowedOwners     []string `yaml:"allowedOwners"`
	MaxWorkers        int      `yaml:"maxWorkers"`
	CIFixAttempts     int      `yaml:"ciFixAttempts"`
	MergeTimeout      string   `yaml:"mergeTimeout"`
	MergePollInterval string   `yaml:"mergePollInterval"`
	CILabel           string   `yaml:"ciLabel"`
}

// Config is the full ralph.yaml document.
type Config struct {
	StateDBPath    string                     `yaml:"stateDbPath"`
	ControlFile    string                     `yaml:"controlFile"`
	DaemonRegistry string                     `yaml:"daemonRegistry"`
	EventsDir      string                     `yaml:"eventsDir"`
	WorktreeRoot   string                     `yaml:"worktreeRoot"`
	MetricsAddr    string                     `yaml:"metricsAddr"`
	Lanes          map[string]LaneConfig      `yaml:"lanes"`
	PressureThresh float64                    `yaml:"pressureThreshold"`
	Repos          []RepoConfig               `yaml:"repos"`
}

// Load reads and parses a ralph.yaml document from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateDBPath == "" {
		c.StateDBPath = "./ralph-state"
	}
	if c.ControlFile == "" {
		c.ControlFile = "./control.json"
	}
	if c.DaemonRegistry == "" {
		c.DaemonRegistry = "./ralph-daemons.json"
	}
	if c.EventsDir == "" {
		c.EventsDir = "./events"
	}
	if c.WorktreeRoot == "" {
		c.WorktreeRoot = "./worktrees"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = "127.0.0.1:9090"
	}
	if c.PressureThresh == 0 {
		c.PressureThresh = 0.1
	}
}

// RepoConfigs converts the parsed YAML repo list into typed RepoConfig
// values, parsing duration fields and applying conservative fallbacks to
// optional fields.
func (c *Config) RepoConfigs() ([]types.RepoConfig, error) {
	out := make([]types.RepoConfig, 0, len(c.Repos))
	for _, r := range c.Repos {
		rc := types.RepoConfig{
			ID:                types.RepoID(r.ID),
			BotBranch:         orDefault(r.BotBranch, "bot/integration"),
			MainBranch:        orDefault(r.MainBranch, "main"),
			RequiredChecks:    r.RequiredChecks,
			AutoUpdateEnabled: r.AutoUpdateEnabled,
			AutoUpdateLabel:   r.AutoUpdateLabel,
			AutoQueueEnabled:  r.AutoQueueEnabled,
			AllowedOwners:     r.AllowedOwners,
			MaxWorkers:        r.MaxWorkers,
			CIFixAttempts:     r.CIFixAttempts,
			CILabel:           orDefault(r.CILabel, "ci"),
		}
		if rc.MaxWorkers <= 0 {
			rc.MaxWorkers = 1
		}
		if rc.CIFixAttempts <= 0 {
			rc.CIFixAttempts = 5
		}
		var err error
		if rc.AutoUpdateMinAge, err = parseDurationOrDefault(r.AutoUpdateMinAge, 15*time.Minute); err != nil {
			return nil, fmt.Errorf("repo %s: %w", r.ID, err)
		}
		if rc.MergeTimeout, err = parseDurationOrDefault(r.MergeTimeout, 30*time.Minute); err != nil {
			return nil, fmt.Errorf("repo %s: %w", r.ID, err)
		}
		if rc.MergePollInterval, err = parseDurationOrDefault(r.MergePollInterval, 15*time.Second); err != nil {
			return nil, fmt.Errorf("repo %s: %w", r.ID, err)
		}
		out = append(out, rc)
	}
	return out, nil
}

// GovernorLanes converts the parsed YAML lane map into governor.LaneConfig,
// keyed by governor.Lane.
func (c *Config) GovernorLanes() map[governor.Lane]governor.LaneConfig {
	out := make(map[governor.Lane]governor.LaneConfig, len(c.Lanes))
	for k, v := range c.Lanes {
		out[governor.Lane(k)] = governor.LaneConfig{Capacity: v.Capacity, RefillRate: v.RefillRate}
	}
	return out
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func parseDurationOrDefault(v string, fallback time.Duration) (time.Duration, error) {
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", v, err)
	}
	return d, nil
}
