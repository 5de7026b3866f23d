// Package marketplace talks to the marketplace that owns orders, resources and billing.
package marketplace

import (
	"context"
	"time"

	"siteagent/internal/pkg/model"
)

// UsageReport is the billed usage of one dimension for one billing period.
type UsageReport struct {
	ResourceID  string    `json:"resource_uuid"`
	Dimension   string    `json:"type"`
	Value       float64   `json:"amount"`
	PeriodStart time.Time `json:"period_start"`
}

// Client is the marketplace API the agent consumes.
type Client interface {
	// ListOrders returns the open orders of the given offerings.
	ListOrders(ctx context.Context, offeringIDs []string) ([]model.Order, error)
	ListResources(ctx context.Context, offeringID string) ([]model.MarketplaceResource, error)
	SubmitUsageReport(ctx context.Context, r UsageReport) error
	SetOrderState(ctx context.Context, orderID string, state model.OrderState, message string) error
	SetBackendID(ctx context.Context, resourceID, backendID string) error
}

// Subscriber delivers periodic limits update notifications at least once.
// The returned channel is closed after ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan model.LimitsUpdate
}
