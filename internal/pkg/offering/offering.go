// Package offering assembles the per-offering runtime: backend, policy engine, billing
// schedule and decay settings. Configuration mistakes surface here, at load time.
package offering

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hashicorp/go-multierror"

	"siteagent/config"
	"siteagent/internal/pkg/backend"
	"siteagent/internal/pkg/period"
	"siteagent/internal/pkg/policy"
	"siteagent/internal/pkg/usage"
)

type Offering struct {
	Config   config.Offering
	Backend  backend.Backend
	Engine   *policy.Engine
	Schedule *period.Schedule
	Usage    usage.Config
}

func (o *Offering) ID() string { return o.Config.ID }

// EventDriven reports whether the offering consumes pushed update events.
func (o *Offering) EventDriven() bool { return o.Config.Mode == config.ModeEvent }

// Build assembles one offering.
func Build(cfg config.Offering, reg *backend.Registry, logger *slog.Logger) (*Offering, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("offering %s: %w", cfg.ID, err)
	}
	sched, err := period.Parse(cfg.Period, loc)
	if err != nil {
		return nil, fmt.Errorf("offering %s: %w", cfg.ID, err)
	}
	engine, err := policy.NewEngine(cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("offering %s: %w", cfg.ID, err)
	}
	b, err := reg.New(cfg, logger.With("offering", cfg.ID, "backend", cfg.Backend.Kind))
	if err != nil {
		return nil, fmt.Errorf("offering %s: %w", cfg.ID, err)
	}
	return &Offering{
		Config:   cfg,
		Backend:  b,
		Engine:   engine,
		Schedule: sched,
		Usage: usage.Config{
			HalfLife:      cfg.Limits.HalfLife.Std(),
			ResetGuard:    cfg.Limits.ResetGuard.Std(),
			ResetOnPeriod: cfg.Limits.ResetUsageOnPeriod,
		},
	}, nil
}

// Set is the immutable collection of loaded offerings.
type Set struct {
	byID map[string]*Offering
	ids  []string
}

// Load builds every offering and reports all failures together.
func Load(cfgs []config.Offering, reg *backend.Registry, logger *slog.Logger) (*Set, error) {
	s := &Set{byID: make(map[string]*Offering, len(cfgs))}
	var result *multierror.Error
	for _, c := range cfgs {
		o, err := Build(c, reg, logger)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		s.byID[o.ID()] = o
		s.ids = append(s.ids, o.ID())
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	sort.Strings(s.ids)
	return s, nil
}

// NewSet wraps already built offerings.
func NewSet(offs ...*Offering) *Set {
	s := &Set{byID: make(map[string]*Offering, len(offs))}
	for _, o := range offs {
		s.byID[o.ID()] = o
		s.ids = append(s.ids, o.ID())
	}
	sort.Strings(s.ids)
	return s
}

func (s *Set) Get(id string) (*Offering, bool) {
	o, ok := s.byID[id]
	return o, ok
}

// All returns the offerings ordered by ID.
func (s *Set) All() []*Offering {
	out := make([]*Offering, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.byID[id])
	}
	return out
}

func (s *Set) Len() int { return len(s.ids) }

// QoSChecker reports which of the given scheduler QoS names do not exist.
type QoSChecker interface {
	CheckQoS(ctx context.Context, names []string) ([]string, error)
}

// CheckQoS verifies that every QoS name configured for a slurm offering exists.
func (s *Set) CheckQoS(ctx context.Context, chk QoSChecker) error {
	var result *multierror.Error
	for _, o := range s.All() {
		sl := o.Config.Backend.Slurm
		if o.Config.Backend.Kind != "slurm" || sl == nil {
			continue
		}
		missing, err := chk.CheckQoS(ctx, []string{sl.QoS.Normal, sl.QoS.Slowdown, sl.QoS.Blocked})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("offering %s: %w", o.ID(), err))
			continue
		}
		if len(missing) > 0 {
			result = multierror.Append(result, fmt.Errorf("offering %s: unknown QoS %v", o.ID(), missing))
		}
	}
	return result.ErrorOrNil()
}
