package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"siteagent/internal/pkg/model"
)

/*
The bolt file holds one top level bucket per kind, keyed by resource id:

resources/
|--> <id> -> model.Resource (json)

usage/
|--> <id> -> model.UsageSet (json)

directives/
|--> <id>/ (bucket)
     |--> <version, big endian> -> model.Directive (json)

meta/
|--> version -> schema version
*/

const boltSchemaVersion = 1

var (
	metaBucket       = []byte("meta")
	resourcesBucket  = []byte("resources")
	usageBucket      = []byte("usage")
	directivesBucket = []byte("directives")

	schemaVersionKey = []byte("version")
)

// BoltStore is a Store backed by a local bbolt file.
type BoltStore struct {
	db  *bbolt.DB
	now func() time.Time
}

// OpenBolt opens or creates the state file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state file %s: %w", path, err)
	}
	s := &BoltStore{db: db, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) init() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{metaBucket, resourcesBucket, usageBucket, directivesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		meta := tx.Bucket(metaBucket)
		if v := meta.Get(schemaVersionKey); v != nil {
			if got := binary.BigEndian.Uint64(v); got != boltSchemaVersion {
				return fmt.Errorf("state file schema version %d, want %d", got, boltSchemaVersion)
			}
			return nil
		}
		return meta.Put(schemaVersionKey, u64(boltSchemaVersion))
	})
}

func (s *BoltStore) Close() error { return s.db.Close() }

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func getResource(tx *bbolt.Tx, id string) (*model.Resource, error) {
	raw := tx.Bucket(resourcesBucket).Get([]byte(id))
	if raw == nil {
		return nil, fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	var r model.Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode resource %s: %w", id, err)
	}
	return &r, nil
}

func putResource(tx *bbolt.Tx, r *model.Resource) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return tx.Bucket(resourcesBucket).Put([]byte(r.ID), raw)
}

func (s *BoltStore) GetResource(_ context.Context, id string) (*model.Resource, error) {
	var r *model.Resource
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		r, err = getResource(tx, id)
		return err
	})
	return r, err
}

// ListResources returns matching resources ordered by id.
func (s *BoltStore) ListResources(_ context.Context, f model.ResourceFilter) ([]*model.Resource, error) {
	out := make([]*model.Resource, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(resourcesBucket).ForEach(func(k, v []byte) error {
			var r model.Resource
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode resource %s: %w", k, err)
			}
			if f.Match(&r) {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) SaveResource(_ context.Context, r *model.Resource) error {
	if r.ID == "" {
		return fmt.Errorf("resource id is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		now := s.now().UTC()
		cp := *r
		cp.UpdatedAt = now
		existing, err := getResource(tx, r.ID)
		switch {
		case err == nil:
			cp.LastAppliedVersion = existing.LastAppliedVersion
			cp.CreatedAt = existing.CreatedAt
		case isNotFound(err):
			if cp.CreatedAt.IsZero() {
				cp.CreatedAt = now
			}
		default:
			return err
		}
		if err := putResource(tx, &cp); err != nil {
			return err
		}
		*r = cp
		return nil
	})
}

func (s *BoltStore) update(id string, fn func(r *model.Resource) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		r, err := getResource(tx, id)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		r.UpdatedAt = s.now().UTC()
		return putResource(tx, r)
	})
}

func (s *BoltStore) SetResourceState(_ context.Context, id string, state model.ResourceState, msg string) error {
	return s.update(id, func(r *model.Resource) error {
		r.State = state
		r.ErrorMessage = msg
		return nil
	})
}

func (s *BoltStore) TouchComputed(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(r *model.Resource) error {
		r.LastComputedAt = at
		return nil
	})
}

func (s *BoltStore) SetAllocation(_ context.Context, id string, allocation float64) error {
	return s.update(id, func(r *model.Resource) error {
		r.Allocation = allocation
		return nil
	})
}

func (s *BoltStore) SetMembers(_ context.Context, id string, members []string) error {
	return s.update(id, func(r *model.Resource) error {
		r.Members = members
		return nil
	})
}

func (s *BoltStore) AdvanceAppliedVersion(_ context.Context, id string, from, to uint64) error {
	if err := checkAdvance(id, from, to); err != nil {
		return err
	}
	return s.update(id, func(r *model.Resource) error {
		if r.LastAppliedVersion != from {
			return fmt.Errorf("resource %s: applied version is %d, not %d: %w", id, r.LastAppliedVersion, from, ErrConflict)
		}
		r.LastAppliedVersion = to
		if r.State == model.ResourceErred {
			r.State = model.ResourceActive
			r.ErrorMessage = ""
		}
		return nil
	})
}

func (s *BoltStore) GetUsage(_ context.Context, id string) (model.UsageSet, error) {
	set := make(model.UsageSet)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(usageBucket).Get([]byte(id))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &set)
	})
	return set, err
}

func (s *BoltStore) SaveUsage(_ context.Context, id string, set model.UsageSet) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(usageBucket).Put([]byte(id), raw)
	})
}

func (s *BoltStore) LatestDirective(_ context.Context, id string) (*model.Directive, error) {
	var d *model.Directive
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(directivesBucket).Bucket([]byte(id))
		if b == nil {
			return fmt.Errorf("directive for %s: %w", id, ErrNotFound)
		}
		_, raw := b.Cursor().Last()
		if raw == nil {
			return fmt.Errorf("directive for %s: %w", id, ErrNotFound)
		}
		d = new(model.Directive)
		return json.Unmarshal(raw, d)
	})
	return d, err
}

func (s *BoltStore) SaveDirective(_ context.Context, d *model.Directive) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	key := u64(d.Version)
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getResource(tx, d.ResourceID); err != nil {
			return err
		}
		b, err := tx.Bucket(directivesBucket).CreateBucketIfNotExists([]byte(d.ResourceID))
		if err != nil {
			return err
		}
		if last, _ := b.Cursor().Last(); last != nil && bytes.Compare(last, key) >= 0 {
			return fmt.Errorf("directive %s v%d: stored version is %d: %w", d.ResourceID, d.Version, binary.BigEndian.Uint64(last), ErrConflict)
		}
		if err := b.Put(key, raw); err != nil {
			return err
		}
		return pruneDirectives(b, directiveHistory)
	})
}

// directiveHistory is how many directive versions are kept per resource.
const directiveHistory = 32

func pruneDirectives(b *bbolt.Bucket, keep int) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for len(keys) > keep {
		if err := b.Delete(keys[0]); err != nil {
			return err
		}
		keys = keys[1:]
	}
	return nil
}
