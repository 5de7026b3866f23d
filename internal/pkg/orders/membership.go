package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/hashicorp/go-multierror"

	"siteagent/internal/pkg/backend"
	"siteagent/internal/pkg/model"
	"siteagent/internal/pkg/offering"
	"siteagent/internal/pkg/store"
)

// SyncMembership reconciles backend account members with the marketplace users of every
// resource whose backend manages membership.
func (p *Processor) SyncMembership(ctx context.Context) error {
	var result *multierror.Error
	for _, off := range p.offerings.All() {
		mm, ok := backend.Membership(off.Backend)
		if !ok {
			continue
		}
		if err := p.syncOffering(ctx, off, mm); err != nil {
			result = multierror.Append(result, fmt.Errorf("offering %s: %w", off.ID(), err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return result.ErrorOrNil()
}

func (p *Processor) syncOffering(ctx context.Context, off *offering.Offering, mm backend.MembershipManager) error {
	callCtx, cancel := p.callContext(ctx)
	list, err := p.market.ListResources(callCtx, off.ID())
	cancel()
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}
	var result *multierror.Error
	for _, mr := range list {
		if ctx.Err() != nil {
			break
		}
		if err := p.syncResource(ctx, off, mm, mr); err != nil {
			result = multierror.Append(result, fmt.Errorf("resource %s: %w", mr.ID, err))
		}
	}
	return result.ErrorOrNil()
}

func (p *Processor) syncResource(ctx context.Context, off *offering.Offering, mm backend.MembershipManager, mr model.MarketplaceResource) error {
	res, err := p.store.GetResource(ctx, mr.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// not provisioned through this agent
		return nil
	case err != nil:
		return fmt.Errorf("load resource: %w", err)
	}
	if !res.State.Syncable() || res.BackendID == "" {
		return nil
	}
	logger := p.logger.With("resource", res.ID, "offering", off.ID(), "backend_id", res.BackendID)

	desired, failed := p.resolver.ResolveAll(ctx, mr.Users)
	for name, err := range failed {
		logger.Warn("user not resolved", "user", name, "err", err)
	}

	var current []string
	err = p.withRetry(ctx, logger, off.Backend, "list_members", func(ctx context.Context) error {
		var lerr error
		current, lerr = mm.ListMembers(ctx, res.BackendID)
		return lerr
	})
	if err != nil {
		return err
	}

	add, remove := diff(desired, current)
	var result *multierror.Error
	for _, u := range add {
		err := p.withRetry(ctx, logger, off.Backend, "add_member", func(ctx context.Context) error {
			return mm.AddMember(ctx, res.BackendID, u)
		})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("add %s: %w", u, err))
			continue
		}
		logger.Info("member added", "user", u)
	}
	// a user that failed to resolve may still be a member; keep it until the directory answers
	for _, u := range remove {
		if len(failed) > 0 {
			logger.Debug("removal deferred, unresolved users pending", "user", u)
			continue
		}
		err := p.withRetry(ctx, logger, off.Backend, "remove_member", func(ctx context.Context) error {
			return mm.RemoveMember(ctx, res.BackendID, u)
		})
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", u, err))
			continue
		}
		logger.Info("member removed", "user", u)
	}

	if len(add) > 0 || len(remove) > 0 || !slices.Equal(res.Members, desired) {
		p.saveMembers(ctx, logger, res.ID, desired)
	}
	return result.ErrorOrNil()
}

func (p *Processor) saveMembers(ctx context.Context, logger *slog.Logger, id string, members []string) {
	if err := p.store.SetMembers(ctx, id, members); err != nil {
		logger.Warn("failed to save members", "err", err)
	}
}

// diff returns the names in want missing from have, and those in have missing from want.
// Both results are sorted.
func diff(want, have []string) (add, remove []string) {
	w := make(map[string]struct{}, len(want))
	for _, u := range want {
		w[u] = struct{}{}
	}
	h := make(map[string]struct{}, len(have))
	for _, u := range have {
		h[u] = struct{}{}
		if _, ok := w[u]; !ok {
			remove = append(remove, u)
		}
	}
	for _, u := range want {
		if _, ok := h[u]; !ok {
			add = append(add, u)
		}
	}
	slices.Sort(add)
	slices.Sort(remove)
	return add, remove
}
