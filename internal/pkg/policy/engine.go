// Package policy derives enforcement directives from accumulated usage.
//
// Compute is a pure function of its input: the same usage, allocation, prior directive
// and period window always yield the same directive.
package policy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"siteagent/config"
	"siteagent/internal/pkg/model"
	"siteagent/internal/pkg/period"
)

// Carryover decides the credit a new period inherits from the one before it.
type Carryover interface {
	Credit(prior *model.Directive, priorConsumed float64) float64
}

// OnePeriodCarryover carries the unused part of the prior period's base allocation.
// Credit the prior period itself inherited is never passed on.
type OnePeriodCarryover struct{}

func (OnePeriodCarryover) Credit(prior *model.Directive, priorConsumed float64) float64 {
	return math.Max(0, prior.Allocation-priorConsumed)
}

type Engine struct {
	dims           []string
	dimensions     map[string]config.Dimension
	slowdownAt     float64
	blockAt        float64
	relative       bool
	carryover      bool
	fairshareScale float64
	strategy       Strategy
	carry          Carryover
}

type Option func(*Engine)

// WithStrategy replaces the limit derivation picked from the limit type tag.
func WithStrategy(s Strategy) Option { return func(e *Engine) { e.strategy = s } }

// WithCarryover replaces the carryover rule.
func WithCarryover(c Carryover) Option { return func(e *Engine) { e.carry = c } }

// NewEngine validates lim and builds an engine. Errors here are configuration errors.
func NewEngine(lim config.Limits, opts ...Option) (*Engine, error) {
	if len(lim.Dimensions) == 0 {
		return nil, errors.New("no usage dimensions configured")
	}
	if lim.SlowdownAt > 0 && lim.BlockAt > 0 && lim.SlowdownAt > lim.BlockAt {
		return nil, fmt.Errorf("slowdownAt %g exceeds blockAt %g", lim.SlowdownAt, lim.BlockAt)
	}
	e := &Engine{
		dimensions:     lim.Dimensions,
		slowdownAt:     lim.SlowdownAt,
		blockAt:        lim.BlockAt,
		relative:       lim.RelativeThresholds,
		carryover:      lim.Carryover,
		fairshareScale: lim.FairshareScale,
		carry:          OnePeriodCarryover{},
	}
	if e.fairshareScale <= 0 {
		e.fairshareScale = 1
	}
	for name, d := range lim.Dimensions {
		if d.Weight < 0 || math.IsNaN(d.Weight) {
			return nil, fmt.Errorf("dimension %s: negative weight", name)
		}
		e.dims = append(e.dims, name)
	}
	sort.Strings(e.dims)
	for _, opt := range opts {
		opt(e)
	}
	if e.strategy == nil {
		s, err := StrategyFor(lim)
		if err != nil {
			return nil, err
		}
		e.strategy = s
	}
	return e, nil
}

// Dimensions returns the configured dimension names in sorted order.
func (e *Engine) Dimensions() []string { return append([]string(nil), e.dims...) }

// Weighted returns the weighted consumption of usage. Unknown dimensions are ignored.
func (e *Engine) Weighted(usage map[string]float64) float64 {
	var sum float64
	for _, name := range e.dims {
		sum += usage[name] * e.dimensions[name].Weight
	}
	return sum
}

// Tier maps consumption onto a tier. With relative thresholds consumption is compared as a
// fraction of the effective allocation. A non-positive threshold disables its tier.
func (e *Engine) Tier(consumed, effective float64) model.QoSTier {
	v := consumed
	if e.relative {
		switch {
		case effective > 0:
			v = consumed / effective
		case consumed > 0:
			v = math.Inf(1)
		default:
			v = 0
		}
	}
	switch {
	case e.blockAt > 0 && v >= e.blockAt:
		return model.TierBlocked
	case e.slowdownAt > 0 && v >= e.slowdownAt:
		return model.TierSlowdown
	default:
		return model.TierNormal
	}
}

type Input struct {
	ResourceID string
	// Usage is the decayed accumulated usage per dimension.
	Usage map[string]float64
	// PriorPeriodUsage is the undecayed usage per dimension of the period before Window.
	PriorPeriodUsage map[string]float64
	// Allocation is the base allocation for the period, in weighted units.
	Allocation float64
	Prior      *model.Directive
	Window     period.Window
	// Now is stamped on the directive as its computation time.
	Now time.Time
}

// Compute derives the next directive. Its version is one past the prior directive's.
func (e *Engine) Compute(in Input) (*model.Directive, error) {
	if in.Allocation < 0 || math.IsNaN(in.Allocation) {
		return nil, fmt.Errorf("resource %s: invalid allocation %g", in.ResourceID, in.Allocation)
	}
	consumed := e.Weighted(in.Usage)
	if math.IsNaN(consumed) || math.IsInf(consumed, 0) {
		return nil, fmt.Errorf("resource %s: weighted consumption is not finite", in.ResourceID)
	}

	prior := in.Prior
	samePeriod := prior != nil && prior.PeriodStart.Equal(in.Window.Start)

	var carry float64
	if e.carryover && prior != nil {
		switch {
		case samePeriod:
			carry = prior.Carryover
		case prior.PeriodStart.Equal(in.Window.Previous):
			carry = e.carry.Credit(prior, e.Weighted(in.PriorPeriodUsage))
		}
	}
	effective := in.Allocation + carry

	tier := e.Tier(consumed, effective)
	if samePeriod && prior.QoS > tier {
		tier = prior.QoS
	}

	var version uint64 = 1
	if prior != nil {
		version = prior.Version + 1
	}

	fairshare := int64(math.Round(effective * e.fairshareScale))
	if fairshare < 1 {
		fairshare = 1
	}

	return &model.Directive{
		ResourceID:  in.ResourceID,
		Version:     version,
		LimitType:   e.strategy.Tag(),
		Fairshare:   fairshare,
		Limits:      e.strategy.Limits(effective, e.dimensions, in.Window.End.Sub(in.Window.Start)),
		QoS:         tier,
		Allocation:  in.Allocation,
		Carryover:   carry,
		Consumed:    consumed,
		PeriodStart: in.Window.Start,
		ComputedAt:  in.Now,
	}, nil
}
