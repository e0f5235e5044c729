package governor

import (
	"testing"
	"time"

	"github.com/ralphd/ralph/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCriticalNeverRefused(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := New(Config{
		Lanes: map[Lane]LaneConfig{
			LaneCritical: {Capacity: 1, RefillRate: 0.001},
		},
		Clock: fake,
	})

	for i := 0; i < 10; i++ {
		d := g.Admit(LaneCritical, true)
		assert.True(t, d.Allow)
	}
}

func TestBestEffortDefersWhenEmpty(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := New(Config{
		Lanes: map[Lane]LaneConfig{
			LaneBestEffort: {Capacity: 2, RefillRate: 0.0001},
		},
		Clock: fake,
	})

	first := g.Admit(LaneBestEffort, true)
	require.True(t, first.Allow)

	d := g.Admit(LaneBestEffort, true)
	assert.False(t, d.Allow)
	assert.True(t, d.DeferUntil.After(fake.Now()))
}

func TestGlobalCooldownDefersNonCritical(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := New(Config{
		Lanes: map[Lane]LaneConfig{
			LaneImportant: {Capacity: 100, RefillRate: 10},
		},
		Clock: fake,
	})

	resumeAt := fake.Now().Add(time.Minute)
	g.ObserveRateLimit(resumeAt)

	d := g.Admit(LaneImportant, false)
	assert.False(t, d.Allow)
	assert.Equal(t, resumeAt, d.DeferUntil)

	critical := g.Admit(LaneCritical, false)
	assert.True(t, critical.Allow)
}

func TestPressureDefersBestEffortOnly(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := New(Config{
		Lanes: map[Lane]LaneConfig{
			LaneImportant:  {Capacity: 100, RefillRate: 10},
			LaneBestEffort: {Capacity: 100, RefillRate: 10},
		},
		Clock: fake,
	})
	g.SetPressure(true)

	be := g.Admit(LaneBestEffort, false)
	assert.False(t, be.Allow)

	imp := g.Admit(LaneImportant, false)
	assert.True(t, imp.Allow)
}

func TestObserveRateLimitNeverShrinksCooldown(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := New(Config{Clock: fake})

	later := fake.Now().Add(2 * time.Minute)
	earlier := fake.Now().Add(time.Minute)
	g.ObserveRateLimit(later)
	g.ObserveRateLimit(earlier)

	d := g.Admit(LaneImportant, false)
	assert.Equal(t, later, d.DeferUntil)
}

func TestObserveQuotaTogglesPressure(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := New(Config{
		Lanes: map[Lane]LaneConfig{
			LaneBestEffort: {Capacity: 100, RefillRate: 10},
		},
		PressureThreshold: 0.1,
		Clock:             fake,
	})

	g.ObserveQuota(50, 5000) // 1% remaining: below threshold
	be := g.Admit(LaneBestEffort, false)
	assert.False(t, be.Allow)

	g.ObserveQuota(4000, 5000) // recovered
	be = g.Admit(LaneBestEffort, false)
	assert.True(t, be.Allow)
}
