// Package period computes billing period boundaries from cron expressions.
package period

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"siteagent/config"
)

const maxLookback = 5 * 366 * 24 * time.Hour

// Schedule yields the billing period containing any instant. A period starts at a firing
// time of the cron expression and ends at the next one, e.g. "0 0 1 */3 *" for quarters.
type Schedule struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

// Parse builds a Schedule. Boundaries are evaluated in loc, UTC when nil.
func Parse(expr string, loc *time.Location) (*Schedule, error) {
	if err := config.ValidatePeriod(expr); err != nil {
		return nil, err
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse period %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Schedule{expr: expr, sched: sched, loc: loc}, nil
}

// MustParse is Parse for expressions known to be valid.
func MustParse(expr string) *Schedule {
	s, err := Parse(expr, nil)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schedule) String() string { return s.expr }

// Start returns the latest boundary at or before t.
func (s *Schedule) Start(t time.Time) time.Time {
	t = t.In(s.loc)
	for lb := time.Minute; lb <= maxLookback; lb *= 2 {
		cur := s.sched.Next(t.Add(-lb))
		if cur.IsZero() || cur.After(t) {
			continue
		}
		for {
			n := s.sched.Next(cur)
			if n.IsZero() || n.After(t) {
				return cur
			}
			cur = n
		}
	}
	return time.Time{}
}

// End returns the boundary that closes the period opened at start.
func (s *Schedule) End(start time.Time) time.Time { return s.sched.Next(start.In(s.loc)) }

// Previous returns the start of the period immediately before the one opened at start.
func (s *Schedule) Previous(start time.Time) time.Time { return s.Start(start.Add(-time.Second)) }

// Length returns the duration of the period opened at start.
func (s *Schedule) Length(start time.Time) time.Duration { return s.End(start).Sub(start) }

// Window describes the period containing an instant.
type Window struct {
	Start    time.Time
	End      time.Time
	Previous time.Time
}

// At returns the period window containing t.
func (s *Schedule) At(t time.Time) Window {
	start := s.Start(t)
	return Window{Start: start, End: s.End(start), Previous: s.Previous(start)}
}
