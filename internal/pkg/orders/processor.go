// Package orders reconciles marketplace orders with backend accounts: it creates, updates and
// terminates resources and keeps backend membership in line with the marketplace.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"siteagent/config"
	"siteagent/internal/pkg/backend"
	"siteagent/internal/pkg/identity"
	"siteagent/internal/pkg/marketplace"
	"siteagent/internal/pkg/model"
	"siteagent/internal/pkg/offering"
	"siteagent/internal/pkg/store"
)

var (
	ErrUnknownOffering = errors.New("offering is not configured")
	ErrUnknownType     = errors.New("unknown order type")
)

// Recomputer recomputes and applies the limits of one resource.
type Recomputer interface {
	RunOnce(ctx context.Context, id string) error
}

// Observer is told about every processed order.
type Observer interface {
	OrderProcessed(orderType string, err error)
}

type SleepFunc func(ctx context.Context, d time.Duration) error

type Processor struct {
	offerings *offering.Set
	store     store.Store
	market    marketplace.Client
	resolver  *identity.Resolver
	recompute Recomputer
	cfg       config.Orders
	logger    *slog.Logger
	obs       Observer
	sleep     SleepFunc
}

type Option func(*Processor)

func WithRecomputer(r Recomputer) Option { return func(p *Processor) { p.recompute = r } }

func WithResolver(r *identity.Resolver) Option { return func(p *Processor) { p.resolver = r } }

func WithObserver(o Observer) Option { return func(p *Processor) { p.obs = o } }

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn SleepFunc) Option { return func(p *Processor) { p.sleep = fn } }

func New(offs *offering.Set, st store.Store, market marketplace.Client, cfg config.Orders, logger *slog.Logger, opts ...Option) *Processor {
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = config.Retry{Attempts: 5, BaseDelay: config.Duration(time.Second), MaxDelay: config.Duration(30 * time.Second)}
	}
	p := &Processor{
		offerings: offs,
		store:     st,
		market:    market,
		resolver:  identity.Default(),
		cfg:       cfg,
		logger:    logger.With("component", "orders"),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes orders and syncs membership on their intervals until ctx is done.
func (p *Processor) Run(ctx context.Context) error {
	interval := p.cfg.Interval.Std()
	if interval <= 0 {
		interval = time.Minute
	}
	memberInterval := p.cfg.MembershipInterval.Std()
	if memberInterval <= 0 {
		memberInterval = 10 * time.Minute
	}
	p.logger.Info("order processor started", "interval", interval, "membership_interval", memberInterval)

	p.tick(ctx, p.ProcessOrders, "order processing")
	p.tick(ctx, p.SyncMembership, "membership sync")
	orderTicker := time.NewTicker(interval)
	defer orderTicker.Stop()
	memberTicker := time.NewTicker(memberInterval)
	defer memberTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("order processor stopped")
			return nil
		case <-orderTicker.C:
			p.tick(ctx, p.ProcessOrders, "order processing")
		case <-memberTicker.C:
			p.tick(ctx, p.SyncMembership, "membership sync")
		}
	}
}

func (p *Processor) tick(ctx context.Context, fn func(context.Context) error, what string) {
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error(what+" incomplete", "err", err)
	}
}

// ProcessOrders handles every open order of the configured offerings, oldest first. A
// failing order does not stop the others; all failures are returned together.
func (p *Processor) ProcessOrders(ctx context.Context) error {
	ids := make([]string, 0, p.offerings.Len())
	for _, o := range p.offerings.All() {
		ids = append(ids, o.ID())
	}
	if len(ids) == 0 {
		return nil
	}
	callCtx, cancel := p.callContext(ctx)
	list, err := p.market.ListOrders(callCtx, ids)
	cancel()
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })

	var result *multierror.Error
	for _, o := range list {
		if ctx.Err() != nil {
			break
		}
		if !o.Open() {
			continue
		}
		if err := p.Process(ctx, o); err != nil {
			result = multierror.Append(result, fmt.Errorf("order %s: %w", o.ID, err))
		}
	}
	return result.ErrorOrNil()
}

// Process executes one order and reports its outcome to the marketplace.
func (p *Processor) Process(ctx context.Context, o model.Order) (err error) {
	logger := p.logger.With("order", o.ID, "type", o.Type, "resource", o.ResourceID, "offering", o.OfferingID)
	defer func() {
		if p.obs != nil {
			p.obs.OrderProcessed(string(o.Type), err)
		}
	}()

	off, ok := p.offerings.Get(o.OfferingID)
	if !ok {
		err = fmt.Errorf("%s: %w", o.OfferingID, ErrUnknownOffering)
		p.closeOrder(ctx, logger, o, err)
		return err
	}
	if o.State == model.OrderPending {
		if serr := p.setOrderState(ctx, o.ID, model.OrderExecuting, ""); serr != nil {
			return fmt.Errorf("mark executing: %w", serr)
		}
	}

	switch o.Type {
	case model.OrderCreate:
		err = p.create(ctx, logger, off, o)
	case model.OrderUpdate:
		err = p.update(ctx, logger, off, o)
	case model.OrderTerminate:
		err = p.terminate(ctx, logger, off, o)
	default:
		err = fmt.Errorf("%q: %w", o.Type, ErrUnknownType)
	}
	if ctx.Err() != nil {
		// left executing, picked up again on the next run
		return ctx.Err()
	}
	p.closeOrder(ctx, logger, o, err)
	return err
}

func (p *Processor) closeOrder(ctx context.Context, logger *slog.Logger, o model.Order, cause error) {
	state, msg := model.OrderDone, ""
	if cause != nil {
		state, msg = model.OrderErred, cause.Error()
	}
	if err := p.setOrderState(ctx, o.ID, state, msg); err != nil {
		logger.Error("failed to close order", "state", state, "err", err)
		return
	}
	if cause != nil {
		logger.Error("order failed", "err", cause)
		return
	}
	logger.Info("order done")
}

func (p *Processor) create(ctx context.Context, logger *slog.Logger, off *offering.Offering, o model.Order) error {
	res, err := p.store.GetResource(ctx, o.ResourceID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		res = &model.Resource{
			ID:         o.ResourceID,
			OfferingID: off.ID(),
			Name:       o.ResourceName,
			State:      model.ResourcePending,
		}
	case err != nil:
		return fmt.Errorf("load resource: %w", err)
	case res.BackendID != "" && res.State.Syncable():
		logger.Info("resource already provisioned", "backend_id", res.BackendID)
		return p.publishBackendID(ctx, res)
	}
	if v, ok := o.Limits[off.Config.AllocationComponent]; ok {
		res.Allocation = v
	}
	res.State = model.ResourceProvisioning
	res.ErrorMessage = ""
	if err := p.store.SaveResource(ctx, res); err != nil {
		return fmt.Errorf("save resource: %w", err)
	}

	var backendID string
	err = p.withRetry(ctx, logger, off.Backend, "create_account", func(ctx context.Context) error {
		id, err := off.Backend.CreateAccount(ctx, res)
		backendID = id
		return err
	})
	if err != nil {
		p.markErred(ctx, logger, res.ID, err)
		return err
	}

	res.BackendID = backendID
	res.State = model.ResourceActive
	if err := p.store.SaveResource(ctx, res); err != nil {
		return fmt.Errorf("save resource: %w", err)
	}
	logger.Info("account created", "backend_id", backendID, "allocation", res.Allocation)
	if err := p.publishBackendID(ctx, res); err != nil {
		return err
	}
	p.recomputeNow(ctx, logger, res.ID)
	return nil
}

func (p *Processor) publishBackendID(ctx context.Context, res *model.Resource) error {
	callCtx, cancel := p.callContext(ctx)
	defer cancel()
	if err := p.market.SetBackendID(callCtx, res.ID, res.BackendID); err != nil {
		return fmt.Errorf("set backend id: %w", err)
	}
	return nil
}

func (p *Processor) update(ctx context.Context, logger *slog.Logger, off *offering.Offering, o model.Order) error {
	res, err := p.store.GetResource(ctx, o.ResourceID)
	if err != nil {
		return fmt.Errorf("load resource: %w", err)
	}
	if res.State == model.ResourceTerminating || res.State == model.ResourceTerminated {
		return fmt.Errorf("resource is %s", res.State)
	}
	v, ok := o.Limits[off.Config.AllocationComponent]
	if !ok {
		logger.Info("order carries no allocation change", "allocation_component", off.Config.AllocationComponent)
		return nil
	}
	if v < 0 {
		return fmt.Errorf("invalid allocation %g", v)
	}
	if v == res.Allocation {
		return nil
	}
	logger.Info("allocation changed", "from", res.Allocation, "to", v)
	if err := p.store.SetAllocation(ctx, res.ID, v); err != nil {
		return fmt.Errorf("save allocation: %w", err)
	}
	p.recomputeNow(ctx, logger, res.ID)
	return nil
}

// recomputeNow brings limits in line with a new allocation. Failures are left to the pipeline,
// which retries on its next cycle.
func (p *Processor) recomputeNow(ctx context.Context, logger *slog.Logger, id string) {
	if p.recompute == nil {
		return
	}
	if err := p.recompute.RunOnce(ctx, id); err != nil {
		logger.Warn("recompute after order failed", "err", err)
	}
}

func (p *Processor) terminate(ctx context.Context, logger *slog.Logger, off *offering.Offering, o model.Order) error {
	res, err := p.store.GetResource(ctx, o.ResourceID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("resource unknown, nothing to terminate")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load resource: %w", err)
	}
	if res.State == model.ResourceTerminated {
		return nil
	}
	if err := p.store.SetResourceState(ctx, res.ID, model.ResourceTerminating, ""); err != nil {
		return fmt.Errorf("mark terminating: %w", err)
	}
	if res.BackendID != "" {
		err := p.withRetry(ctx, logger, off.Backend, "delete_account", func(ctx context.Context) error {
			return off.Backend.DeleteAccount(ctx, res.BackendID)
		})
		if err != nil {
			p.markErred(ctx, logger, res.ID, err)
			return err
		}
	}
	if err := p.store.SetResourceState(ctx, res.ID, model.ResourceTerminated, ""); err != nil {
		return fmt.Errorf("mark terminated: %w", err)
	}
	logger.Info("account deleted", "backend_id", res.BackendID)
	return nil
}

func (p *Processor) markErred(ctx context.Context, logger *slog.Logger, id string, cause error) {
	if ctx.Err() != nil {
		return
	}
	if err := p.store.SetResourceState(ctx, id, model.ResourceErred, cause.Error()); err != nil {
		logger.Error("failed to mark resource erred", "err", err)
	}
}

// withRetry runs fn with exponential backoff on transient failures. An expired credential is
// refreshed once.
func (p *Processor) withRetry(ctx context.Context, logger *slog.Logger, b backend.Backend, op string, fn func(context.Context) error) error {
	refreshed := false
	for attempt := 1; ; attempt++ {
		callCtx, cancel := p.callContext(ctx)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if backend.KindOf(err) == backend.KindAuthExpired && !refreshed {
			refreshed = true
			r, ok := backend.Refresher(b)
			if !ok {
				return err
			}
			if rerr := r.RefreshCredentials(ctx); rerr != nil {
				return fmt.Errorf("refresh credentials: %w", rerr)
			}
			attempt--
			continue
		}
		if !backend.Retryable(err) {
			return err
		}
		if attempt >= p.cfg.Retry.Attempts {
			return fmt.Errorf("%s failed after %d attempts: %w", op, attempt, err)
		}
		delay := backoff(p.cfg.Retry, attempt)
		logger.Warn("backend call failed, retrying", "op", op, "attempt", attempt, "delay", delay, "err", err)
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func backoff(r config.Retry, attempt int) time.Duration {
	d := r.BaseDelay.Std()
	for i := 1; i < attempt; i++ {
		d *= 2
		if m := r.MaxDelay.Std(); m > 0 && d >= m {
			return m
		}
	}
	return d
}

func (p *Processor) setOrderState(ctx context.Context, id string, state model.OrderState, msg string) error {
	callCtx, cancel := p.callContext(context.WithoutCancel(ctx))
	defer cancel()
	return p.market.SetOrderState(callCtx, id, state, msg)
}

func (p *Processor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := p.cfg.CallTimeout.Std(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
