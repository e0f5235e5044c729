// Package governor is the budget governor that sits in front of the
// hosting-service client. It multiplexes calls across three priority
// lanes — critical, important, best_effort — each a token bucket, and
// never blocks the caller: an empty bucket returns a deferral instant
// instead.
package governor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ralphd/ralph/pkg/clock"
	"github.com/ralphd/ralph/pkg/events"
	"github.com/ralphd/ralph/pkg/log"
	"github.com/ralphd/ralph/pkg/metrics"
	"github.com/ralphd/ralph/pkg/storage"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Lane is a priority class in the budget governor.
type Lane string

const (
	LaneCritical   Lane = "critical"
	LaneImportant  Lane = "important"
	LaneBestEffort Lane = "best_effort"
)

// LaneConfig is one lane's token-bucket shape.
type LaneConfig struct {
	Capacity   float64
	RefillRate float64 // tokens per second
}

// Config wires a Governor's lane capacities and pressure threshold.
type Config struct {
	Lanes              map[Lane]LaneConfig
	PressureThreshold  float64 // remaining-quota fraction below which best_effort defers
	RuntimeSnapshotKey string  // key in Store for the persisted summary
	Clock              clock.Clock
	Store              storage.Store
	Broker             *events.Broker
}

// Decision is the outcome of a governor admission check. Allow is mutually
// exclusive with a non-zero DeferUntil.
type Decision struct {
	Allow      bool
	DeferUntil time.Time
}

// Governor is a per-lane token bucket gate in front of the hosting
// client, fed rate-limit cooldown observations from the client itself.
type Governor struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	limiters map[Lane]*rate.Limiter
	cooldown time.Time // global cooldown fed by the client's rate-limit classifier
	pressure bool
	lastSave time.Time
}

const defaultWriteCost = 2
const defaultReadCost = 1

// New builds a Governor from cfg, defaulting any lane omitted from
// cfg.Lanes to a conservative capacity.
func New(cfg Config) *Governor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	g := &Governor{
		cfg:      cfg,
		clock:    clk,
		logger:   log.WithComponent("governor"),
		limiters: make(map[Lane]*rate.Limiter, 3),
	}
	for _, lane := range []Lane{LaneCritical, LaneImportant, LaneBestEffort} {
		lc, ok := cfg.Lanes[lane]
		if !ok {
			lc = LaneConfig{Capacity: 30, RefillRate: 1}
		}
		g.limiters[lane] = rate.NewLimiter(rate.Limit(lc.RefillRate), int(lc.Capacity))
	}
	return g
}

// Admit decides whether a call on lane may proceed now. critical is never
// refused. write costs more tokens than read.
func (g *Governor) Admit(lane Lane, write bool) Decision {
	now := g.clock.Now()

	if lane == LaneCritical {
		g.limiters[LaneCritical].AllowN(now, g.cost(write))
		return Decision{Allow: true}
	}

	g.mu.Lock()
	cooldown := g.cooldown
	pressureOn := g.pressure
	g.mu.Unlock()

	if !cooldown.IsZero() && cooldown.After(now) {
		metrics.GovernorDeferredTotal.WithLabelValues(string(lane)).Inc()
		return Decision{Allow: false, DeferUntil: cooldown}
	}
	if lane == LaneBestEffort && pressureOn {
		metrics.GovernorStarvationTotal.Inc()
		metrics.GovernorDeferredTotal.WithLabelValues(string(lane)).Inc()
		return Decision{Allow: false, DeferUntil: now.Add(5 * time.Second)}
	}

	limiter := g.limiters[lane]
	res := limiter.ReserveN(now, g.cost(write))
	if !res.OK() {
		metrics.GovernorDeferredTotal.WithLabelValues(string(lane)).Inc()
		return Decision{Allow: false, DeferUntil: now.Add(time.Second)}
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
		metrics.GovernorDeferredTotal.WithLabelValues(string(lane)).Inc()
		return Decision{Allow: false, DeferUntil: now.Add(delay)}
	}

	metrics.GovernorTokens.WithLabelValues(string(lane)).Set(limiter.TokensAt(now))
	return Decision{Allow: true}
}

func (g *Governor) cost(write bool) int {
	if write {
		return defaultWriteCost
	}
	return defaultReadCost
}

// ObserveRateLimit feeds an observed rate-limit cooldown instant into
// the global cooldown that defers all non-critical lanes.
func (g *Governor) ObserveRateLimit(resumeAt time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if resumeAt.After(g.cooldown) {
		g.cooldown = resumeAt
		g.logger.Warn().Time("resume_at", resumeAt).Msg("governor global cooldown extended")
		if g.cfg.Broker != nil {
			g.cfg.Broker.Publish(&events.Event{
				Type:      events.EventGovernorDeferred,
				Level:     events.LevelWarn,
				Timestamp: g.clock.Now(),
				Metadata:  map[string]string{"resume_at": resumeAt.Format(time.RFC3339)},
			})
		}
	}
}

// SetPressure toggles pressure mode, which defers best_effort when observed
// remaining quota drops below the configured threshold. The caller
// (typically the hosting client, reading rate-limit-remaining headers)
// computes the fraction and compares it to cfg.PressureThreshold itself;
// this setter only records the resulting boolean.
func (g *Governor) SetPressure(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pressure = on
}

// ObserveQuota ingests the remaining-quota headers the client reads off every
// response. Pressure engages while remaining/limit sits below the
// configured threshold and releases once it recovers.
func (g *Governor) ObserveQuota(remaining, limit int) {
	if limit <= 0 || g.cfg.PressureThreshold <= 0 {
		return
	}
	g.SetPressure(float64(remaining)/float64(limit) < g.cfg.PressureThreshold)
}

// Summary is the persisted governor status shape.
type Summary struct {
	Cooldown time.Time      `json:"cooldown"`
	Pressure bool           `json:"pressure"`
	Tokens   map[string]int `json:"tokens"`
}

// MaybePersist writes the governor summary to the store if at least 1s has
// elapsed since the last write, enforcing the write-interval floor shared
// with RuntimeSnapshot.
func (g *Governor) MaybePersist(ctx context.Context) error {
	g.mu.Lock()
	now := g.clock.Now()
	if now.Sub(g.lastSave) < time.Second {
		g.mu.Unlock()
		return nil
	}
	g.lastSave = now
	summary := Summary{Cooldown: g.cooldown, Pressure: g.pressure, Tokens: make(map[string]int, 3)}
	for lane, lim := range g.limiters {
		summary.Tokens[string(lane)] = int(lim.TokensAt(now))
	}
	g.mu.Unlock()

	if g.cfg.Store == nil {
		return nil
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	key := g.cfg.RuntimeSnapshotKey
	if key == "" {
		key = "governor"
	}
	return g.cfg.Store.PutRuntimeSnapshot(&types.RuntimeSnapshot{Key: key, Data: data, UpdatedAt: now})
}
