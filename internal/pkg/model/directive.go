package model

import (
	"maps"
	"time"
)

// QoSTier is the service tier a resource is placed in. Tiers are ordered.
type QoSTier int

const (
	TierNormal QoSTier = iota
	TierSlowdown
	TierBlocked
)

func (t QoSTier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierSlowdown:
		return "slowdown"
	case TierBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// MarshalText lets tiers travel as their names in JSON and YAML.
func (t QoSTier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *QoSTier) UnmarshalText(b []byte) error {
	switch string(b) {
	case "normal":
		*t = TierNormal
	case "slowdown":
		*t = TierSlowdown
	case "blocked":
		*t = TierBlocked
	default:
		return &UnknownTierError{Name: string(b)}
	}
	return nil
}

type UnknownTierError struct{ Name string }

func (e *UnknownTierError) Error() string { return "unknown qos tier " + e.Name }

// Directive is the computed enforcement target for one resource.
//
// Allocation is the base allocation of the period and Carryover the credit brought
// forward from the immediately preceding period. Consumed is the weighted consumption the
// directive was computed from.
type Directive struct {
	ResourceID  string           `json:"resource_id"`
	Version     uint64           `json:"version"`
	LimitType   string           `json:"limit_type"`
	Fairshare   int64            `json:"fairshare"`
	Limits      map[string]int64 `json:"limits"`
	QoS         QoSTier          `json:"qos"`
	Allocation  float64          `json:"allocation"`
	Carryover   float64          `json:"carryover"`
	Consumed    float64          `json:"consumed"`
	PeriodStart time.Time        `json:"period_start"`
	ComputedAt  time.Time        `json:"computed_at"`
}

// Effective is the allocation the limits were derived from.
func (d *Directive) Effective() float64 { return d.Allocation + d.Carryover }

// SameEnforcement reports whether d and o would put the backend into the same state.
// Version, Consumed and ComputedAt are ignored.
func (d *Directive) SameEnforcement(o *Directive) bool {
	if d == nil || o == nil {
		return d == o
	}
	return d.ResourceID == o.ResourceID &&
		d.LimitType == o.LimitType &&
		d.Fairshare == o.Fairshare &&
		d.QoS == o.QoS &&
		d.Allocation == o.Allocation &&
		d.Carryover == o.Carryover &&
		d.PeriodStart.Equal(o.PeriodStart) &&
		maps.Equal(d.Limits, o.Limits)
}
