// Package usage folds raw backend counters into decayed per-dimension usage.
package usage

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"siteagent/internal/pkg/model"
)

// ErrStaleSample is returned for a sample older than the last one folded in, and for a
// counter drop that arrives inside the reset guard.
var ErrStaleSample = errors.New("stale usage sample")

// Config controls decay for one offering.
type Config struct {
	// HalfLife is the time after which past usage counts half. Zero disables decay.
	HalfLife time.Duration
	// ResetGuard rejects counter drops seen sooner than this after the previous sample.
	// Zero accepts every drop as a counter reset.
	ResetGuard time.Duration
	// ResetOnPeriod starts the decayed value from zero when a sample opens a new billing period.
	ResetOnPeriod bool
}

// Factor returns the multiplier applied to a value that is elapsed old.
func (c Config) Factor(elapsed time.Duration) float64 {
	if c.HalfLife <= 0 || elapsed <= 0 {
		return 1
	}
	return math.Pow(0.5, elapsed.Seconds()/c.HalfLife.Seconds())
}

// Result describes one folded sample.
type Result struct {
	Usage model.AccumulatedUsage
	Delta float64
	Reset bool
}

// Fold folds sample s into prev.
//
// delta is raw-baseline, or raw itself when the counter went backwards. The first sample
// of a dimension is measured against a zero baseline.
func Fold(prev model.AccumulatedUsage, s model.UsageSample, cfg Config) (Result, error) {
	if !prev.Seeded() {
		delta := math.Max(s.Value, 0)
		return Result{
			Usage: model.AccumulatedUsage{
				Dimension:   s.Dimension,
				Decayed:     delta,
				Baseline:    s.Value,
				LastUpdate:  s.Timestamp,
				PeriodTotal: delta,
				PeriodStart: s.PeriodStart,
			},
			Delta: delta,
		}, nil
	}
	if s.Timestamp.Before(prev.LastUpdate) {
		return Result{}, fmt.Errorf("%w: %s at %s precedes %s", ErrStaleSample, s.Dimension,
			s.Timestamp.Format(time.RFC3339), prev.LastUpdate.Format(time.RFC3339))
	}

	elapsed := s.Timestamp.Sub(prev.LastUpdate)
	newPeriod := !s.PeriodStart.Equal(prev.PeriodStart)
	var (
		delta float64
		reset bool
	)
	if s.Value < prev.Baseline {
		// counters scoped to the billing period restart at its boundary
		if !newPeriod && cfg.ResetGuard > 0 && elapsed < cfg.ResetGuard {
			return Result{}, fmt.Errorf("%w: %s dropped from %g to %g within %s", ErrStaleSample,
				s.Dimension, prev.Baseline, s.Value, cfg.ResetGuard)
		}
		delta = math.Max(s.Value, 0)
		reset = true
	} else {
		delta = s.Value - prev.Baseline
	}

	next := prev
	next.Dimension = s.Dimension
	base := prev.Decayed * cfg.Factor(elapsed)
	if newPeriod && cfg.ResetOnPeriod {
		base = 0
	}
	next.Decayed = base + delta
	next.Baseline = s.Value
	next.LastUpdate = s.Timestamp
	if newPeriod {
		next.PrevPeriodStart = prev.PeriodStart
		next.PrevPeriodTotal = prev.PeriodTotal
		next.PeriodStart = s.PeriodStart
		next.PeriodTotal = delta
	} else {
		next.PeriodTotal += delta
	}
	return Result{Usage: next, Delta: delta, Reset: reset}, nil
}

// Outcome summarizes a batch fold.
type Outcome struct {
	// Resets lists the dimensions whose counter went backwards, once per reset.
	Resets []string
	// Stale holds the errors of samples that were dropped.
	Stale []error
}

// FoldAll folds samples into set in timestamp order and returns the updated copy.
// Stale samples are dropped and reported; they never abort the batch.
func FoldAll(set model.UsageSet, samples []model.UsageSample, cfg Config) (model.UsageSet, Outcome) {
	out := make(model.UsageSet, len(set))
	for k, v := range set {
		out[k] = v
	}
	ordered := make([]model.UsageSample, len(samples))
	copy(ordered, samples)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	var oc Outcome
	for _, s := range ordered {
		res, err := Fold(out[s.Dimension], s, cfg)
		if err != nil {
			oc.Stale = append(oc.Stale, err)
			continue
		}
		if res.Reset {
			oc.Resets = append(oc.Resets, s.Dimension)
		}
		out[s.Dimension] = res.Usage
	}
	return out, oc
}
