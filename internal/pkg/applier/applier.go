// Package applier pushes computed directives to backends at most once per version.
package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"siteagent/config"
	"siteagent/internal/pkg/backend"
	"siteagent/internal/pkg/model"
	"siteagent/internal/pkg/store"
)

var (
	// ErrStaleDirective is logged for directives whose version is not above the applied one.
	ErrStaleDirective = errors.New("stale directive")
	// ErrRetriesExhausted is returned after the last transient failure.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrNotSyncable is returned for resources without a backend account or in a final state.
	ErrNotSyncable = errors.New("resource is not syncable")
)

// Result describes what Apply did.
type Result int

const (
	ResultFailed Result = iota
	ResultApplied
	ResultStale
)

func (r Result) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultStale:
		return "stale"
	default:
		return "failed"
	}
}

// Observer is notified once per Apply call.
type Observer interface {
	ApplyFinished(offeringID string, result Result, attempts int)
}

type SleepFunc func(ctx context.Context, d time.Duration) error

// Applier applies directives with retry and records the applied version.
type Applier struct {
	store       store.Store
	logger      *slog.Logger
	retry       config.Retry
	callTimeout time.Duration
	sleep       SleepFunc
	observer    Observer
}

type Option func(*Applier)

func WithRetry(r config.Retry) Option { return func(a *Applier) { a.retry = r } }

func WithCallTimeout(d time.Duration) Option { return func(a *Applier) { a.callTimeout = d } }

// WithSleep replaces the backoff sleep, mostly for tests.
func WithSleep(fn SleepFunc) Option { return func(a *Applier) { a.sleep = fn } }

func WithObserver(o Observer) Option { return func(a *Applier) { a.observer = o } }

func New(st store.Store, logger *slog.Logger, opts ...Option) *Applier {
	a := &Applier{
		store:       st,
		logger:      logger,
		retry:       config.Retry{Attempts: 5, BaseDelay: config.Duration(time.Second), MaxDelay: config.Duration(30 * time.Second)},
		callTimeout: 30 * time.Second,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.retry.Attempts < 1 {
		a.retry.Attempts = 1
	}
	return a
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

// Backoff returns the delay before retry number attempt (1-based): base * 2^(attempt-1), capped.
func (a *Applier) Backoff(attempt int) time.Duration {
	d := a.retry.BaseDelay.Std()
	limit := a.retry.MaxDelay.Std()
	for i := 1; i < attempt; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// Apply pushes d to b unless its version was already applied.
//
// The applied version only moves after the backend acknowledged the call. Cancelling ctx
// before that leaves the stored version untouched. Permanent and rejected failures, and
// transient failures past the attempt ceiling, mark the resource erred. The directive
// stays stored, so the next cycle re-applies it.
func (a *Applier) Apply(ctx context.Context, b backend.Backend, d *model.Directive) (Result, error) {
	res, err := a.store.GetResource(ctx, d.ResourceID)
	if err != nil {
		return ResultFailed, fmt.Errorf("load resource %s: %w", d.ResourceID, err)
	}
	if d.Version <= res.LastAppliedVersion {
		a.logger.Debug("skip directive", "resource", res.ID, "version", d.Version, "applied", res.LastAppliedVersion, "err", ErrStaleDirective)
		a.finish(res, ResultStale, 0)
		return ResultStale, nil
	}
	if !res.State.Syncable() || res.BackendID == "" {
		return ResultFailed, fmt.Errorf("resource %s in state %s: %w", res.ID, res.State, ErrNotSyncable)
	}

	attempts, err := a.applyWithRetry(ctx, b, res, d)
	if err != nil {
		if ctx.Err() != nil {
			a.finish(res, ResultFailed, attempts)
			return ResultFailed, ctx.Err()
		}
		if backend.KindOf(err) != backend.KindUnavailable {
			a.markErred(ctx, res, err)
		}
		a.finish(res, ResultFailed, attempts)
		return ResultFailed, err
	}

	if err := a.advance(context.WithoutCancel(ctx), res, d.Version); err != nil {
		a.finish(res, ResultFailed, attempts)
		return ResultFailed, err
	}
	a.logger.Info("directive applied", "resource", res.ID, "backend_id", res.BackendID,
		"version", d.Version, "qos", d.QoS.String(), "fairshare", d.Fairshare, "attempts", attempts)
	a.finish(res, ResultApplied, attempts)
	return ResultApplied, nil
}

func (a *Applier) applyWithRetry(ctx context.Context, b backend.Backend, res *model.Resource, d *model.Directive) (int, error) {
	refreshed := false
	attempt := 0
	for {
		attempt++
		err := a.call(ctx, func(ctx context.Context) error { return b.ApplyLimits(ctx, res.BackendID, d) })
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		switch backend.KindOf(err) {
		case backend.KindAuthExpired:
			if refreshed {
				return attempt, backend.NewError(backend.KindPermanent, "apply_limits", err)
			}
			refreshed = true
			if rerr := a.refresh(ctx, b); rerr != nil {
				return attempt, rerr
			}
			// the retry after a refresh does not count against the ceiling
			attempt--
			continue
		case backend.KindPermanent, backend.KindRejected, backend.KindUnavailable:
			return attempt, err
		}

		if attempt >= a.retry.Attempts {
			return attempt, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}
		delay := a.Backoff(attempt)
		a.logger.Warn("apply failed, retrying", "resource", res.ID, "version", d.Version, "attempt", attempt, "delay", delay, "err", err)
		if err := a.sleep(ctx, delay); err != nil {
			return attempt, err
		}
	}
}

// call runs fn under the per-call timeout.
func (a *Applier) call(ctx context.Context, fn func(context.Context) error) error {
	if a.callTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()
	return fn(callCtx)
}

func (a *Applier) refresh(ctx context.Context, b backend.Backend) error {
	r, ok := backend.Refresher(b)
	if !ok {
		return backend.Errorf(backend.KindPermanent, "refresh_credentials", "credentials expired and backend cannot refresh them")
	}
	if err := a.call(ctx, r.RefreshCredentials); err != nil {
		return backend.NewError(backend.KindPermanent, "refresh_credentials", err)
	}
	return nil
}

// advance records version through a compare-and-set, re-reading on conflict.
func (a *Applier) advance(ctx context.Context, res *model.Resource, version uint64) error {
	from := res.LastAppliedVersion
	for i := 0; i < 3; i++ {
		err := a.store.AdvanceAppliedVersion(ctx, res.ID, from, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("record applied version for %s: %w", res.ID, err)
		}
		cur, gerr := a.store.GetResource(ctx, res.ID)
		if gerr != nil {
			return fmt.Errorf("record applied version for %s: %w", res.ID, gerr)
		}
		if cur.LastAppliedVersion >= version {
			a.logger.Debug("applied version already recorded", "resource", res.ID, "version", version, "stored", cur.LastAppliedVersion)
			return nil
		}
		from = cur.LastAppliedVersion
	}
	return fmt.Errorf("record applied version for %s: %w", res.ID, store.ErrConflict)
}

func (a *Applier) markErred(ctx context.Context, res *model.Resource, cause error) {
	msg := cause.Error()
	if err := a.store.SetResourceState(context.WithoutCancel(ctx), res.ID, model.ResourceErred, msg); err != nil {
		a.logger.Error("failed to mark resource erred", "resource", res.ID, "err", err)
		return
	}
	a.logger.Error("resource erred", "resource", res.ID, "backend_id", res.BackendID, "kind", backend.KindOf(cause).String(), "err", cause)
}

func (a *Applier) finish(res *model.Resource, r Result, attempts int) {
	if a.observer != nil {
		a.observer.ApplyFinished(res.OfferingID, r, attempts)
	}
}
