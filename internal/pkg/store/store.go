// Package store persists resource state, accumulated usage and directives.
//
// Two implementations exist: BoltStore for a single agent with a local file and GormStore
// for MySQL. Both make version changes through a read-then-conditional-write inside one
// transaction, so LastAppliedVersion and directive versions only ever grow.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"siteagent/config"
	"siteagent/internal/pkg/common/dbconn"
	"siteagent/internal/pkg/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type Store interface {
	GetResource(ctx context.Context, id string) (*model.Resource, error)
	ListResources(ctx context.Context, f model.ResourceFilter) ([]*model.Resource, error)
	// SaveResource inserts or updates r. LastAppliedVersion is only written on insert;
	// afterwards it moves through AdvanceAppliedVersion alone.
	SaveResource(ctx context.Context, r *model.Resource) error
	SetResourceState(ctx context.Context, id string, state model.ResourceState, msg string) error
	TouchComputed(ctx context.Context, id string, at time.Time) error
	// SetAllocation and SetMembers change one field and leave state untouched.
	SetAllocation(ctx context.Context, id string, allocation float64) error
	SetMembers(ctx context.Context, id string, members []string) error
	// AdvanceAppliedVersion moves LastAppliedVersion from `from` to `to` and clears an erred
	// state. It fails with ErrConflict when the stored version is no longer `from`.
	AdvanceAppliedVersion(ctx context.Context, id string, from, to uint64) error

	GetUsage(ctx context.Context, id string) (model.UsageSet, error)
	SaveUsage(ctx context.Context, id string, set model.UsageSet) error

	LatestDirective(ctx context.Context, id string) (*model.Directive, error)
	// SaveDirective stores d unless a directive with the same or a higher version exists,
	// in which case it returns ErrConflict.
	SaveDirective(ctx context.Context, d *model.Directive) error

	Close() error
}

// Open builds the store selected by cfg.
func Open(cfg config.State) (Store, error) {
	switch cfg.Driver {
	case "bolt":
		return OpenBolt(cfg.Path)
	case "mysql":
		if cfg.MySQL == nil {
			return nil, errors.New("state.mysql is required for the mysql driver")
		}
		db, err := dbconn.Open(*cfg.MySQL)
		if err != nil {
			return nil, fmt.Errorf("open state database: %w", err)
		}
		s := NewGorm(db)
		if err := s.Migrate(context.Background()); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown state driver %q", cfg.Driver)
	}
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func checkAdvance(id string, from, to uint64) error {
	if to <= from {
		return fmt.Errorf("resource %s: version %d does not advance %d: %w", id, to, from, ErrConflict)
	}
	return nil
}
