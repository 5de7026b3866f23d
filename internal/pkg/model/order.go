package model

import "time"

type OrderType string

const (
	OrderCreate    OrderType = "Create"
	OrderUpdate    OrderType = "Update"
	OrderTerminate OrderType = "Terminate"
)

type OrderState string

const (
	OrderPending   OrderState = "pending"
	OrderExecuting OrderState = "executing"
	OrderDone      OrderState = "done"
	OrderErred     OrderState = "erred"
)

// Order is a marketplace request to create, change or terminate a resource.
type Order struct {
	ID           string             `json:"uuid"`
	Type         OrderType          `json:"type"`
	State        OrderState         `json:"state"`
	OfferingID   string             `json:"offering_uuid"`
	ResourceID   string             `json:"marketplace_resource_uuid"`
	ResourceName string             `json:"resource_name"`
	Limits       map[string]float64 `json:"limits"`
	CreatedAt    time.Time          `json:"created"`
}

// Open reports whether the order still needs work from the agent.
func (o Order) Open() bool { return o.State == OrderPending || o.State == OrderExecuting }

// MarketplaceResource is the marketplace view of a resource, used for membership sync.
type MarketplaceResource struct {
	ID         string   `json:"uuid"`
	OfferingID string   `json:"offering_uuid"`
	Name       string   `json:"name"`
	State      string   `json:"state"`
	Users      []string `json:"users"`
}

// LimitsUpdate is a push notification that a resource's periodic limits need recomputing.
type LimitsUpdate struct {
	ResourceID string    `json:"resource_uuid" binding:"required"`
	Timestamp  time.Time `json:"timestamp" binding:"required"`
}

// Key identifies the notification for de-duplication.
func (u LimitsUpdate) Key() string {
	return u.ResourceID + "@" + u.Timestamp.UTC().Format(time.RFC3339Nano)
}
