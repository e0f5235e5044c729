package metrics

import (
	"encoding/json"
	"time"

	"github.com/ralphd/ralph/pkg/storage"
	"github.com/ralphd/ralph/pkg/types"
)

// Collector periodically snapshots queue/op-state counts from the durable
// store into gauges, a poll-and-set shape on a fixed ticker rather than
// wiring push-based instrumentation into every read path.
type Collector struct {
	store  storage.Store
	repos  []types.RepoID
	stopCh chan struct{}
}

// NewCollector builds a Collector scoped to repos.
func NewCollector(store storage.Store, repos []types.RepoID) *Collector {
	return &Collector{store: store, repos: repos, stopCh: make(chan struct{})}
}

// Start begins collecting on a 15s ticker.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, repo := range c.repos {
		c.collectTaskCounts(repo)
	}
	c.collectGovernorSummary()
}

func (c *Collector) collectTaskCounts(repo types.RepoID) {
	snaps, err := c.store.ListIssueSnapshotsByRepo(repo)
	if err != nil {
		return
	}
	counts := make(map[types.Status]int)
	for _, snap := range snaps {
		status, ok := types.StatusFromLabels(snap.Open, snap.Labels)
		if !ok || status == "" {
			continue
		}
		counts[status]++
	}
	for status, n := range counts {
		TasksTotal.WithLabelValues(string(repo), string(status)).Set(float64(n))
	}
}

// governorSummary mirrors governor.Summary's JSON shape without importing
// the governor package (which itself imports metrics).
type governorSummary struct {
	Cooldown time.Time      `json:"cooldown"`
	Pressure bool           `json:"pressure"`
	Tokens   map[string]int `json:"tokens"`
}

func (c *Collector) collectGovernorSummary() {
	snap, ok, err := c.store.GetRuntimeSnapshot("governor")
	if err != nil || !ok {
		return
	}
	var summary governorSummary
	if err := json.Unmarshal(snap.Data, &summary); err != nil {
		return
	}
	for lane, tokens := range summary.Tokens {
		GovernorTokens.WithLabelValues(lane).Set(float64(tokens))
	}
}
