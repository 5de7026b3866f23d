// Package pipeline drives the per-resource usage, compute and apply cycle.
//
// Two triggers feed it: pushed periodic limits update events and a poll sweep that picks up
// resources whose last computation is older than their offering's poll interval. Both end in
// dispatch, which starts a cycle only when the resource is not already in one. A bounded
// number of cycles run at once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"siteagent/config"
	"siteagent/internal/pkg/applier"
	"siteagent/internal/pkg/backend"
	"siteagent/internal/pkg/marketplace"
	"siteagent/internal/pkg/model"
	"siteagent/internal/pkg/offering"
	"siteagent/internal/pkg/policy"
	"siteagent/internal/pkg/store"
	"siteagent/internal/pkg/usage"
)

var (
	ErrNotRunning         = errors.New("pipeline is not running")
	ErrUnknownResource    = errors.New("unknown resource")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Event outcomes reported by Notify.
const (
	OutcomeAccepted  = "accepted"
	OutcomeDuplicate = "duplicate"
	OutcomeCoalesced = "coalesced"
	OutcomeIgnored   = "ignored"
	OutcomeUnknown   = "unknown"
)

// UsageReporter receives per-period usage totals.
type UsageReporter interface {
	SubmitUsageReport(ctx context.Context, r marketplace.UsageReport) error
}

type Pipeline struct {
	offerings *offering.Set
	store     store.Store
	applier   *applier.Applier
	reporter  UsageReporter
	cfg       config.Pipeline
	logger    *slog.Logger
	obs       Observer
	now       func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	runCtx  context.Context
	states  map[string]*entry
	healthy map[string]bool
	dedup   *expirable.LRU[string, struct{}]
}

type Option func(*Pipeline)

func WithReporter(r UsageReporter) Option { return func(p *Pipeline) { p.reporter = r } }

func WithObserver(o Observer) Option { return func(p *Pipeline) { p.obs = o } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func New(offs *offering.Set, st store.Store, ap *applier.Applier, cfg config.Pipeline, logger *slog.Logger, opts ...Option) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.DedupSize < 1 {
		cfg.DedupSize = 4096
	}
	p := &Pipeline{
		offerings: offs,
		store:     st,
		applier:   ap,
		cfg:       cfg,
		logger:    logger,
		obs:       nopObserver{},
		now:       time.Now,
		sem:       make(chan struct{}, cfg.Workers),
		states:    make(map[string]*entry),
		healthy:   make(map[string]bool, offs.Len()),
		dedup:     expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupWindow.Std()),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, o := range offs.All() {
		p.healthy[o.ID()] = true
	}
	return p
}

// Run probes backends, sweeps on every tick and consumes updates until ctx is done. It then
// waits for in-flight cycles, whose backend calls see the cancellation, before returning.
func (p *Pipeline) Run(ctx context.Context, updates <-chan model.LimitsUpdate) error {
	p.mu.Lock()
	if p.runCtx != nil {
		p.mu.Unlock()
		return errors.New("pipeline already running")
	}
	p.runCtx = ctx
	p.mu.Unlock()

	p.logger.Info("pipeline started", "offerings", p.offerings.Len(), "workers", p.cfg.Workers, "tick", p.cfg.Tick.Std())
	p.probe(ctx)

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		p.probeLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		p.consume(ctx, updates)
	}()

	tick := p.cfg.Tick.Std()
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	p.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			loops.Wait()
			p.wg.Wait()
			p.logger.Info("pipeline stopped")
			return nil
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Pipeline) consume(ctx context.Context, updates <-chan model.LimitsUpdate) {
	if updates == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			outcome, err := p.Notify(ctx, u)
			if err != nil {
				p.logger.Warn("update not processed", "resource", u.ResourceID, "outcome", outcome, "err", err)
			}
		}
	}
}

// Notify handles one periodic limits update. Updates already seen within the dedup window are
// dropped, as are updates for offerings in poll mode.
func (p *Pipeline) Notify(ctx context.Context, u model.LimitsUpdate) (string, error) {
	outcome, err := p.notify(ctx, u)
	p.obs.EventReceived(outcome)
	return outcome, err
}

func (p *Pipeline) notify(ctx context.Context, u model.LimitsUpdate) (string, error) {
	p.mu.Lock()
	if p.runCtx == nil {
		p.mu.Unlock()
		return OutcomeIgnored, ErrNotRunning
	}
	key := u.Key()
	if p.dedup.Contains(key) {
		p.mu.Unlock()
		p.logger.Debug("duplicate update", "resource", u.ResourceID, "timestamp", u.Timestamp)
		return OutcomeDuplicate, nil
	}
	p.dedup.Add(key, struct{}{})
	p.mu.Unlock()

	res, err := p.store.GetResource(ctx, u.ResourceID)
	if err != nil {
		// not handled, so a redelivery must get through
		p.mu.Lock()
		p.dedup.Remove(key)
		p.mu.Unlock()
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeUnknown, fmt.Errorf("%s: %w", u.ResourceID, ErrUnknownResource)
		}
		return OutcomeIgnored, err
	}
	off, ok := p.offerings.Get(res.OfferingID)
	if !ok || !off.EventDriven() || !res.State.Syncable() {
		return OutcomeIgnored, nil
	}
	if !p.dispatch(res.ID) {
		return OutcomeCoalesced, nil
	}
	return OutcomeAccepted, nil
}

// sweep triggers every syncable resource whose last computation is older than its offering's
// poll interval. Failures of one offering do not stop the others.
func (p *Pipeline) sweep(ctx context.Context) int {
	now := p.now()
	var (
		result    *multierror.Error
		triggered int
	)
	for _, off := range p.offerings.All() {
		if !p.Healthy(off.ID()) {
			continue
		}
		list, err := p.store.ListResources(ctx, model.ResourceFilter{
			OfferingID: off.ID(),
			States:     []model.ResourceState{model.ResourceActive, model.ResourceErred},
		})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("offering %s: %w", off.ID(), err))
			continue
		}
		interval := off.Config.PollInterval.Std()
		for _, r := range list {
			if r.BackendID == "" || now.Sub(r.LastComputedAt) < interval {
				continue
			}
			if p.dispatch(r.ID) {
				triggered++
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil && ctx.Err() == nil {
		p.logger.Error("poll sweep incomplete", "err", err)
	}
	if triggered > 0 {
		p.logger.Debug("poll sweep", "triggered", triggered)
	}
	return triggered
}

// dispatch starts a cycle for id unless one is in flight. It returns false when coalesced.
func (p *Pipeline) dispatch(id string) bool {
	p.mu.Lock()
	ctx := p.runCtx
	if ctx == nil || ctx.Err() != nil || !p.claim(id) {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			p.release(id, ctx.Err())
			return
		}
		defer func() { <-p.sem }()
		_ = p.cycle(ctx, id)
	}()
	return true
}

// claim moves id to Computing. Callers hold p.mu.
func (p *Pipeline) claim(id string) bool {
	e, ok := p.states[id]
	if !ok {
		e = &entry{}
		p.states[id] = e
	}
	if e.state.Busy() {
		return false
	}
	e.state = StateComputing
	return true
}

func (p *Pipeline) setState(id string, s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.states[id]; ok {
		e.state = s
	}
}

// release ends a cycle: Idle on success, Erred otherwise.
func (p *Pipeline) release(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.states[id]
	if !ok {
		return
	}
	if err != nil {
		e.state = StateErred
		e.lastErr = err.Error()
		return
	}
	e.state = StateIdle
	e.lastErr = ""
}

// RunOnce runs one cycle for id in the caller's goroutine, unless a cycle is in flight. It
// waits for a free worker slot like any dispatched cycle.
func (p *Pipeline) RunOnce(ctx context.Context, id string) error {
	p.mu.Lock()
	ok := p.claim(id)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.release(id, ctx.Err())
		return ctx.Err()
	}
	defer func() { <-p.sem }()
	return p.cycle(ctx, id)
}

// Status returns the pipeline state of a resource. Unknown resources are Idle.
func (p *Pipeline) Status(id string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{State: StateIdle}
	if e, ok := p.states[id]; ok {
		st.State, st.LastError = e.state, e.lastErr
	}
	st.StateName = st.State.String()
	return st
}

// cycle fetches usage, folds it, computes a directive and applies it.
func (p *Pipeline) cycle(ctx context.Context, id string) (err error) {
	start := p.now()
	logger := p.logger.With("resource", id, "cycle", uuid.NewString())
	offeringID := ""
	p.obs.CycleStarted()
	defer func() {
		p.obs.CycleEnded()
		p.release(id, err)
		result := "ok"
		if err != nil {
			result = "error"
			if errors.Is(err, ErrBackendUnavailable) {
				result = "skipped"
			}
			logger.Warn("cycle failed", "err", err)
		}
		p.obs.CycleFinished(offeringID, result, p.now().Sub(start))
	}()

	res, err := p.store.GetResource(ctx, id)
	if err != nil {
		return fmt.Errorf("load resource: %w", err)
	}
	off, ok := p.offerings.Get(res.OfferingID)
	if !ok {
		return fmt.Errorf("offering %s is not configured", res.OfferingID)
	}
	offeringID = off.ID()
	logger = logger.With("offering", offeringID)
	if !res.State.Syncable() || res.BackendID == "" {
		logger.Debug("resource not syncable", "state", res.State)
		return nil
	}
	if !p.Healthy(offeringID) {
		return fmt.Errorf("offering %s: %w", offeringID, ErrBackendUnavailable)
	}

	now := p.now()
	win := off.Schedule.At(now)

	set, err := p.collect(ctx, logger, off, res, win.Start, now)
	if err != nil {
		return err
	}
	p.report(ctx, logger, off, res, set, win.Start)

	prior, err := p.store.LatestDirective(ctx, res.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load directive: %w", err)
	}
	d, err := off.Engine.Compute(policy.Input{
		ResourceID:       res.ID,
		Usage:            set.Decayed(),
		PriorPeriodUsage: set.PeriodTotals(win.Previous),
		Allocation:       res.Allocation,
		Prior:            prior,
		Window:           win,
		Now:              now,
	})
	if err != nil {
		return fmt.Errorf("compute directive: %w", err)
	}
	if prior != nil && d.SameEnforcement(prior) {
		d = prior
	} else if err := p.store.SaveDirective(ctx, d); err != nil {
		return fmt.Errorf("save directive v%d: %w", d.Version, err)
	}
	if err := p.store.TouchComputed(ctx, res.ID, now); err != nil {
		return fmt.Errorf("touch computed: %w", err)
	}
	logger.Debug("directive computed", "version", d.Version, "qos", d.QoS.String(), "consumed", d.Consumed, "carryover", d.Carryover)

	p.setState(id, StateApplying)
	if _, err := p.applier.Apply(ctx, off.Backend, d); err != nil {
		if backend.KindOf(err) == backend.KindUnavailable {
			p.markHealth(offeringID, false, err)
		}
		return fmt.Errorf("apply directive v%d: %w", d.Version, err)
	}
	return nil
}

// collect pulls raw counters and folds them into the stored usage.
func (p *Pipeline) collect(ctx context.Context, logger *slog.Logger, off *offering.Offering, res *model.Resource, periodStart, now time.Time) (model.UsageSet, error) {
	callCtx, cancel := p.callContext(ctx)
	samples, err := off.Backend.GetUsage(callCtx, res.BackendID, off.Engine.Dimensions(), periodStart, now)
	cancel()
	if err != nil {
		if backend.KindOf(err) == backend.KindUnavailable {
			p.markHealth(off.ID(), false, err)
		}
		return nil, fmt.Errorf("get usage: %w", err)
	}
	for i := range samples {
		samples[i].ResourceID = res.ID
		if samples[i].PeriodStart.IsZero() {
			samples[i].PeriodStart = periodStart
		}
		if samples[i].Timestamp.IsZero() {
			samples[i].Timestamp = now
		}
	}

	prev, err := p.store.GetUsage(ctx, res.ID)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	set, oc := usage.FoldAll(prev, samples, off.Usage)
	for _, dim := range oc.Resets {
		logger.Info("usage counter reset", "dimension", dim)
	}
	for _, e := range oc.Stale {
		logger.Debug("stale usage sample dropped", "err", e)
	}
	p.obs.UsageFolded(off.ID(), oc.Resets, len(oc.Stale))
	if err := p.store.SaveUsage(ctx, res.ID, set); err != nil {
		return nil, fmt.Errorf("save usage: %w", err)
	}
	return set, nil
}

// report submits the current period's undecayed totals. Failures are logged only; the next
// cycle reports the then current totals again.
func (p *Pipeline) report(ctx context.Context, logger *slog.Logger, off *offering.Offering, res *model.Resource, set model.UsageSet, periodStart time.Time) {
	if p.reporter == nil {
		return
	}
	totals := set.PeriodTotals(periodStart)
	for _, dim := range off.Engine.Dimensions() {
		v, ok := totals[dim]
		if !ok {
			continue
		}
		callCtx, cancel := p.callContext(ctx)
		err := p.reporter.SubmitUsageReport(callCtx, marketplace.UsageReport{
			ResourceID:  res.ID,
			Dimension:   dim,
			Value:       v,
			PeriodStart: periodStart,
		})
		cancel()
		p.obs.UsageReported(off.ID(), err)
		if err != nil {
			logger.Warn("usage report failed", "dimension", dim, "err", err)
		}
	}
}

func (p *Pipeline) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := p.cfg.CallTimeout.Std(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
