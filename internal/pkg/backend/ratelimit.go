package backend

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"siteagent/internal/pkg/model"
)

// RateLimited spends one limiter token before every backend call.
type RateLimited struct {
	inner   Backend
	limiter *rate.Limiter
}

func NewRateLimited(b Backend, l *rate.Limiter) *RateLimited {
	return &RateLimited{inner: b, limiter: l}
}

func (r *RateLimited) Unwrap() Backend { return r.inner }

func (r *RateLimited) wait(ctx context.Context, op string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return NewError(KindTransient, op, err)
	}
	return nil
}

func (r *RateLimited) CreateAccount(ctx context.Context, res *model.Resource) (string, error) {
	if err := r.wait(ctx, "create_account"); err != nil {
		return "", err
	}
	return r.inner.CreateAccount(ctx, res)
}

func (r *RateLimited) DeleteAccount(ctx context.Context, backendID string) error {
	if err := r.wait(ctx, "delete_account"); err != nil {
		return err
	}
	return r.inner.DeleteAccount(ctx, backendID)
}

func (r *RateLimited) GetUsage(ctx context.Context, backendID string, dims []string, start, end time.Time) ([]model.UsageSample, error) {
	if err := r.wait(ctx, "get_usage"); err != nil {
		return nil, err
	}
	return r.inner.GetUsage(ctx, backendID, dims, start, end)
}

func (r *RateLimited) ApplyLimits(ctx context.Context, backendID string, d *model.Directive) error {
	if err := r.wait(ctx, "apply_limits"); err != nil {
		return err
	}
	return r.inner.ApplyLimits(ctx, backendID, d)
}

// Ping is not rate limited; liveness probes must not queue behind sync traffic.
func (r *RateLimited) Ping(ctx context.Context) error { return r.inner.Ping(ctx) }

func (r *RateLimited) AddMember(ctx context.Context, backendID, username string) error {
	mm, ok := r.inner.(MembershipManager)
	if !ok {
		return NewError(KindPermanent, "add_member", ErrUnsupported)
	}
	if err := r.wait(ctx, "add_member"); err != nil {
		return err
	}
	return mm.AddMember(ctx, backendID, username)
}

func (r *RateLimited) RemoveMember(ctx context.Context, backendID, username string) error {
	mm, ok := r.inner.(MembershipManager)
	if !ok {
		return NewError(KindPermanent, "remove_member", ErrUnsupported)
	}
	if err := r.wait(ctx, "remove_member"); err != nil {
		return err
	}
	return mm.RemoveMember(ctx, backendID, username)
}

func (r *RateLimited) ListMembers(ctx context.Context, backendID string) ([]string, error) {
	mm, ok := r.inner.(MembershipManager)
	if !ok {
		return nil, NewError(KindPermanent, "list_members", ErrUnsupported)
	}
	if err := r.wait(ctx, "list_members"); err != nil {
		return nil, err
	}
	return mm.ListMembers(ctx, backendID)
}

func (r *RateLimited) RefreshCredentials(ctx context.Context) error {
	cr, ok := r.inner.(CredentialRefresher)
	if !ok {
		return NewError(KindPermanent, "refresh_credentials", ErrUnsupported)
	}
	return cr.RefreshCredentials(ctx)
}
