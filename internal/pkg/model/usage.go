package model

import "time"

// UsageSample is one raw counter reading reported by a backend.
// Value is cumulative since the backend's own counter origin and may drop on a reset.
type UsageSample struct {
	ResourceID  string    `json:"resource_id"`
	Dimension   string    `json:"dimension"`
	Value       float64   `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
	PeriodStart time.Time `json:"period_start"`
}

// AccumulatedUsage is the decayed per-dimension usage of one resource.
//
// Decayed is the value policy decisions read. Baseline is the last raw counter value seen.
// PeriodTotal is the undecayed sum of deltas since PeriodStart and feeds usage reports and
// carryover. The total of the period before is kept in PrevPeriodTotal.
type AccumulatedUsage struct {
	Dimension       string    `json:"dimension"`
	Decayed         float64   `json:"decayed"`
	Baseline        float64   `json:"baseline"`
	LastUpdate      time.Time `json:"last_update"`
	PeriodTotal     float64   `json:"period_total"`
	PeriodStart     time.Time `json:"period_start"`
	PrevPeriodTotal float64   `json:"prev_period_total,omitempty"`
	PrevPeriodStart time.Time `json:"prev_period_start,omitempty"`
}

// Seeded reports whether at least one sample has been folded in.
func (a AccumulatedUsage) Seeded() bool { return !a.LastUpdate.IsZero() }

// UsageSet is the accumulated usage of one resource keyed by dimension.
type UsageSet map[string]AccumulatedUsage

// Decayed returns the decayed value per dimension.
func (s UsageSet) Decayed() map[string]float64 {
	out := make(map[string]float64, len(s))
	for k, v := range s {
		out[k] = v.Decayed
	}
	return out
}

// PeriodTotals returns the undecayed totals of the period that started at start, for the
// current or the previous period of each dimension.
func (s UsageSet) PeriodTotals(start time.Time) map[string]float64 {
	out := make(map[string]float64, len(s))
	for k, v := range s {
		switch {
		case v.PeriodStart.Equal(start):
			out[k] = v.PeriodTotal
		case !v.PrevPeriodStart.IsZero() && v.PrevPeriodStart.Equal(start):
			out[k] = v.PrevPeriodTotal
		}
	}
	return out
}
