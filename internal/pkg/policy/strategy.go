package policy

import (
	"fmt"
	"math"
	"sort"
	"time"

	"siteagent/config"
)

// Strategy turns an effective allocation into per-dimension backend limits.
// Each limit type tag has one strategy.
type Strategy interface {
	Tag() string
	Limits(effective float64, dims map[string]config.Dimension, periodLength time.Duration) map[string]int64
}

// StrategyFor returns the built-in strategy for a limit type tag.
func StrategyFor(lim config.Limits) (Strategy, error) {
	switch lim.Type {
	case config.LimitGroupMinutes:
		return GroupMinutes{}, nil
	case config.LimitMaxMinutes:
		share := lim.MaxJobShare
		if share <= 0 {
			share = 1
		}
		return MaxMinutes{JobShare: share}, nil
	case config.LimitGroupTRES:
		return GroupTRES{}, nil
	default:
		return nil, fmt.Errorf("unknown limit type %q", lim.Type)
	}
}

// GroupMinutes caps the total resource-minutes an account may consume in a period.
type GroupMinutes struct{}

func (GroupMinutes) Tag() string { return config.LimitGroupMinutes }

func (GroupMinutes) Limits(effective float64, dims map[string]config.Dimension, _ time.Duration) map[string]int64 {
	return scaled(effective, dims, 1)
}

// MaxMinutes caps the resource-minutes a single job may consume, as a share of the allocation.
type MaxMinutes struct{ JobShare float64 }

func (MaxMinutes) Tag() string { return config.LimitMaxMinutes }

func (m MaxMinutes) Limits(effective float64, dims map[string]config.Dimension, _ time.Duration) map[string]int64 {
	return scaled(effective, dims, m.JobShare)
}

// GroupTRES caps concurrently held resources at the rate that would spend the allocation
// evenly over the period.
type GroupTRES struct{}

func (GroupTRES) Tag() string { return config.LimitGroupTRES }

func (GroupTRES) Limits(effective float64, dims map[string]config.Dimension, periodLength time.Duration) map[string]int64 {
	minutes := periodLength.Minutes()
	if minutes <= 0 {
		return scaled(0, dims, 1)
	}
	return scaled(effective, dims, 1/minutes)
}

func scaled(effective float64, dims map[string]config.Dimension, factor float64) map[string]int64 {
	names := make([]string, 0, len(dims))
	for name := range dims {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]int64, len(names))
	for _, name := range names {
		uf := dims[name].UnitFactor
		if uf <= 0 {
			continue
		}
		v := math.Floor(math.Max(effective, 0)*uf*factor + 1e-9)
		out[name] = int64(v)
	}
	return out
}
