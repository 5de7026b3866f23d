// Package backend defines the capability contract every resource backend adapter satisfies
// and the typed errors adapters report through it.
package backend

import (
	"context"
	"time"

	"siteagent/internal/pkg/model"
)

// Backend is implemented by every adapter (cluster scheduler, object storage, ...).
//
// All calls must be idempotent from the caller's point of view: DeleteAccount on a missing
// account and ApplyLimits with an already-applied directive both succeed.
type Backend interface {
	// CreateAccount provisions the resource and returns the backend's identifier for it.
	CreateAccount(ctx context.Context, res *model.Resource) (string, error)
	DeleteAccount(ctx context.Context, backendID string) error
	// GetUsage returns raw cumulative counters for the requested dimensions over [start, end].
	GetUsage(ctx context.Context, backendID string, dims []string, start, end time.Time) ([]model.UsageSample, error)
	ApplyLimits(ctx context.Context, backendID string, d *model.Directive) error
	Ping(ctx context.Context) error
}

// MembershipManager is implemented by backends that track which users may use an account.
type MembershipManager interface {
	AddMember(ctx context.Context, backendID, username string) error
	RemoveMember(ctx context.Context, backendID, username string) error
	ListMembers(ctx context.Context, backendID string) ([]string, error)
}

// CredentialRefresher is implemented by backends whose credentials expire.
// Callers refresh once after an AuthExpired error and retry the call once.
type CredentialRefresher interface {
	RefreshCredentials(ctx context.Context) error
}

// Wrapper is implemented by decorators so capability checks can reach the adapter.
type Wrapper interface {
	Unwrap() Backend
}

// Unwrap strips every decorator around b.
func Unwrap(b Backend) Backend {
	for {
		w, ok := b.(Wrapper)
		if !ok {
			return b
		}
		b = w.Unwrap()
	}
}

// Membership returns the membership capability of b, if the underlying adapter has one.
// The outermost implementation is preferred so decorators stay in the call path.
func Membership(b Backend) (MembershipManager, bool) {
	inner, ok := Unwrap(b).(MembershipManager)
	if !ok {
		return nil, false
	}
	if mm, ok := b.(MembershipManager); ok {
		return mm, true
	}
	return inner, true
}

// Refresher returns the credential refresh capability of b, if the underlying adapter has one.
func Refresher(b Backend) (CredentialRefresher, bool) {
	inner, ok := Unwrap(b).(CredentialRefresher)
	if !ok {
		return nil, false
	}
	if cr, ok := b.(CredentialRefresher); ok {
		return cr, true
	}
	return inner, true
}
