package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteagent/config"
	"siteagent/internal/pkg/model"
	"siteagent/internal/pkg/period"
)

var monthly = period.MustParse("0 0 1 * *")

func window(y int, m time.Month) period.Window {
	return monthly.At(time.Date(y, m, 10, 0, 0, 0, 0, time.UTC))
}

func limits(mut func(*config.Limits)) config.Limits {
	l := config.Limits{
		Type: config.LimitGroupMinutes,
		Dimensions: map[string]config.Dimension{
			"cpu": {Weight: 1, UnitFactor: 60},
			"mem": {Weight: 0.1},
		},
		SlowdownAt:     50,
		BlockAt:        100,
		FairshareScale: 1,
		MaxJobShare:    1,
	}
	if mut != nil {
		mut(&l)
	}
	return l
}

func TestEngine_TierThresholds(t *testing.T) {
	e, err := NewEngine(limits(func(l *config.Limits) {
		l.SlowdownAt, l.BlockAt = 0.5, 0.8
		l.Dimensions = map[string]config.Dimension{"cpu": {Weight: 1}}
	}))
	require.NoError(t, err)

	want := []model.QoSTier{model.TierNormal, model.TierSlowdown, model.TierBlocked}
	var prior *model.Directive
	for i, c := range []float64{0.2, 0.6, 0.9} {
		d, err := e.Compute(Input{ResourceID: "r", Usage: map[string]float64{"cpu": c}, Allocation: 1, Prior: prior, Window: window(2026, 3)})
		require.NoError(t, err)
		assert.Equal(t, want[i], d.QoS, "consumption %g", c)
		prior = d
	}
}

func TestEngine_TierNeverDropsWithinPeriod(t *testing.T) {
	e, err := NewEngine(limits(nil))
	require.NoError(t, err)

	w := window(2026, 3)
	d1, err := e.Compute(Input{ResourceID: "r", Usage: map[string]float64{"cpu": 120}, Allocation: 200, Window: w})
	require.NoError(t, err)
	require.Equal(t, model.TierBlocked, d1.QoS)

	d2, err := e.Compute(Input{ResourceID: "r", Usage: map[string]float64{"cpu": 10}, Allocation: 200, Prior: d1, Window: w})
	require.NoError(t, err)
	assert.Equal(t, model.TierBlocked, d2.QoS)
	assert.Equal(t, d1.Version+1, d2.Version)

	d3, err := e.Compute(Input{ResourceID: "r", Usage: map[string]float64{"cpu": 10}, Allocation: 200, Prior: d2, Window: window(2026, 4)})
	require.NoError(t, err)
	assert.Equal(t, model.TierNormal, d3.QoS)
}

func TestEngine_WeightedEndToEnd(t *testing.T) {
	e, err := NewEngine(limits(nil))
	require.NoError(t, err)

	want := []model.QoSTier{model.TierNormal, model.TierNormal, model.TierSlowdown, model.TierBlocked}
	var prior *model.Directive
	for i, cpu := range []float64{0, 40, 90, 150} {
		d, err := e.Compute(Input{ResourceID: "r", Usage: map[string]float64{"cpu": cpu, "mem": 0}, Allocation: 1000, Prior: prior, Window: window(2026, 3)})
		require.NoError(t, err)
		assert.Equal(t, want[i], d.QoS, "step %d", i)
		assert.Equal(t, uint64(i+1), d.Version)
		prior = d
	}
}

func TestEngine_CarryoverOnePeriodOnly(t *testing.T) {
	e, err := NewEngine(limits(func(l *config.Limits) { l.Carryover = true }))
	require.NoError(t, err)

	p1, err := e.Compute(Input{ResourceID: "r", Allocation: 100, Usage: map[string]float64{"cpu": 60}, Window: window(2026, 1)})
	require.NoError(t, err)
	assert.Equal(t, 0.0, p1.Carryover)

	p2, err := e.Compute(Input{
		ResourceID: "r", Allocation: 100, Prior: p1, Window: window(2026, 2),
		PriorPeriodUsage: map[string]float64{"cpu": 60},
	})
	require.NoError(t, err)
	assert.Equal(t, 40.0, p2.Carryover)
	assert.Equal(t, 140.0, p2.Effective())
	assert.Equal(t, int64(140*60), p2.Limits["cpu"])
	assert.Equal(t, int64(140), p2.Fairshare)

	p2b, err := e.Compute(Input{ResourceID: "r", Allocation: 100, Prior: p2, Window: window(2026, 2), Usage: map[string]float64{"cpu": 50}})
	require.NoError(t, err)
	assert.Equal(t, 40.0, p2b.Carryover, "carry is fixed for the whole period")

	p3, err := e.Compute(Input{
		ResourceID: "r", Allocation: 100, Prior: p2b, Window: window(2026, 3),
		PriorPeriodUsage: map[string]float64{"cpu": 50},
	})
	require.NoError(t, err)
	assert.Equal(t, 50.0, p3.Carryover, "period 1 surplus must not compound")

	skipped, err := e.Compute(Input{
		ResourceID: "r", Allocation: 100, Prior: p2b, Window: window(2026, 5),
		PriorPeriodUsage: map[string]float64{"cpu": 0},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, skipped.Carryover, "surplus older than one period is forfeited")
}

func TestEngine_NoCarryoverWhenDisabled(t *testing.T) {
	e, err := NewEngine(limits(nil))
	require.NoError(t, err)
	p1, err := e.Compute(Input{ResourceID: "r", Allocation: 100, Window: window(2026, 1)})
	require.NoError(t, err)
	p2, err := e.Compute(Input{ResourceID: "r", Allocation: 100, Prior: p1, Window: window(2026, 2), PriorPeriodUsage: map[string]float64{}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, p2.Carryover)
}

func TestEngine_Deterministic(t *testing.T) {
	e, err := NewEngine(limits(func(l *config.Limits) { l.Carryover = true }))
	require.NoError(t, err)
	now := time.Date(2026, 3, 12, 8, 0, 0, 0, time.UTC)
	prior := &model.Directive{ResourceID: "r", Version: 7, Allocation: 80, PeriodStart: window(2026, 2).Start}
	in := Input{
		ResourceID: "r", Allocation: 80, Prior: prior, Window: window(2026, 3), Now: now,
		Usage:            map[string]float64{"cpu": 33.3, "mem": 12.5},
		PriorPeriodUsage: map[string]float64{"cpu": 20},
	}
	a, err := e.Compute(in)
	require.NoError(t, err)
	b, err := e.Compute(in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, uint64(8), a.Version)
	assert.True(t, a.SameEnforcement(b))
}

func TestEngine_RelativeThresholds(t *testing.T) {
	e, err := NewEngine(limits(func(l *config.Limits) {
		l.RelativeThresholds = true
		l.SlowdownAt, l.BlockAt = 0.75, 1
	}))
	require.NoError(t, err)
	assert.Equal(t, model.TierNormal, e.Tier(50, 100))
	assert.Equal(t, model.TierSlowdown, e.Tier(80, 100))
	assert.Equal(t, model.TierBlocked, e.Tier(100, 100))
	assert.Equal(t, model.TierBlocked, e.Tier(1, 0))
	assert.Equal(t, model.TierNormal, e.Tier(0, 0))
}

func TestStrategies(t *testing.T) {
	dims := map[string]config.Dimension{"cpu": {Weight: 1, UnitFactor: 60}, "gpu": {Weight: 4, UnitFactor: 1}, "mem": {Weight: 0.1}}
	month := 30 * 24 * time.Hour

	assert.Equal(t, map[string]int64{"cpu": 6000, "gpu": 100}, GroupMinutes{}.Limits(100, dims, month))
	assert.Equal(t, map[string]int64{"cpu": 1500, "gpu": 25}, MaxMinutes{JobShare: 0.25}.Limits(100, dims, month))
	assert.Equal(t, map[string]int64{"cpu": 60, "gpu": 1}, GroupTRES{}.Limits(43200, dims, month))

	s, err := StrategyFor(config.Limits{Type: config.LimitGroupTRES})
	require.NoError(t, err)
	assert.Equal(t, config.LimitGroupTRES, s.Tag())
	_, err = StrategyFor(config.Limits{Type: "bogus"})
	assert.Error(t, err)
}

type fixedStrategy struct{}

func (fixedStrategy) Tag() string { return "fixed" }
func (fixedStrategy) Limits(float64, map[string]config.Dimension, time.Duration) map[string]int64 {
	return map[string]int64{"cpu": 1}
}

func TestEngine_InjectedStrategy(t *testing.T) {
	e, err := NewEngine(limits(nil), WithStrategy(fixedStrategy{}))
	require.NoError(t, err)
	d, err := e.Compute(Input{ResourceID: "r", Allocation: 10, Window: window(2026, 3)})
	require.NoError(t, err)
	assert.Equal(t, "fixed", d.LimitType)
	assert.Equal(t, map[string]int64{"cpu": 1}, d.Limits)
}

func TestNewEngine_Invalid(t *testing.T) {
	_, err := NewEngine(limits(func(l *config.Limits) { l.SlowdownAt, l.BlockAt = 10, 5 }))
	assert.Error(t, err)
	_, err = NewEngine(limits(func(l *config.Limits) { l.Dimensions = nil }))
	assert.Error(t, err)
	_, err = NewEngine(limits(func(l *config.Limits) { l.Type = "nope" }))
	assert.Error(t, err)

	e, err := NewEngine(limits(nil))
	require.NoError(t, err)
	_, err = e.Compute(Input{ResourceID: "r", Allocation: -1, Window: window(2026, 3)})
	assert.Error(t, err)
}
