package model

import (
	"time"
)

// ResourceState is the lifecycle state of a provisioned resource.
type ResourceState string

const (
	ResourcePending      ResourceState = "pending"
	ResourceProvisioning ResourceState = "provisioning"
	ResourceActive       ResourceState = "active"
	ResourceErred        ResourceState = "erred"
	ResourceTerminating  ResourceState = "terminating"
	ResourceTerminated   ResourceState = "terminated"
)

// Syncable reports whether limits and usage are kept in sync for resources in this state.
func (s ResourceState) Syncable() bool {
	return s == ResourceActive || s == ResourceErred
}

// Resource is a marketplace resource provisioned on a backend.
//
// ID is the marketplace resource UUID. BackendID is the identifier the backend assigned
// (an account name, a bucket name). LastAppliedVersion only ever grows.
type Resource struct {
	ID                 string        `json:"id"`
	OfferingID         string        `json:"offering_id"`
	Name               string        `json:"name"`
	BackendID          string        `json:"backend_id,omitempty"`
	State              ResourceState `json:"state"`
	Allocation         float64       `json:"allocation"`
	Members            []string      `json:"members,omitempty"`
	LastAppliedVersion uint64        `json:"last_applied_version"`
	LastComputedAt     time.Time     `json:"last_computed_at,omitempty"`
	ErrorMessage       string        `json:"error_message,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// ResourceFilter narrows resource listings. Empty fields match everything.
type ResourceFilter struct {
	OfferingID string
	States     []ResourceState
}

// Match reports whether r passes the filter.
func (f ResourceFilter) Match(r *Resource) bool {
	if f.OfferingID != "" && r.OfferingID != f.OfferingID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if r.State == s {
			return true
		}
	}
	return false
}
