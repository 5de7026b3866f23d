package marketplace

import (
	"context"
	"errors"
	"slices"
	"sync"

	"siteagent/internal/pkg/model"
)

var ErrUnknownOrder = errors.New("unknown order")

// Memory is an in-process marketplace. It serves dry runs without a marketplace URL and tests.
type Memory struct {
	mu         sync.Mutex
	orders     []model.Order
	resources  map[string][]model.MarketplaceResource
	reports    []UsageReport
	backendIDs map[string]string
	messages   map[string]string
	updates    chan model.LimitsUpdate
	reportErr  error
}

func NewMemory() *Memory {
	return &Memory{
		resources:  make(map[string][]model.MarketplaceResource),
		backendIDs: make(map[string]string),
		messages:   make(map[string]string),
		updates:    make(chan model.LimitsUpdate, 64),
	}
}

// AddOrder queues an order.
func (m *Memory) AddOrder(o model.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.State == "" {
		o.State = model.OrderPending
	}
	m.orders = append(m.orders, o)
}

// SetResources replaces the resources listed for an offering.
func (m *Memory) SetResources(offeringID string, rs ...model.MarketplaceResource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources[offeringID] = rs
}

// FailReports makes SubmitUsageReport return err until called again with nil.
func (m *Memory) FailReports(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reportErr = err
}

// Publish pushes an update to subscribers.
func (m *Memory) Publish(u model.LimitsUpdate) { m.updates <- u }

// Order returns the current state of an order and the message it was closed with.
func (m *Memory) Order(id string) (model.Order, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == id {
			return o, m.messages[id], true
		}
	}
	return model.Order{}, "", false
}

func (m *Memory) Reports() []UsageReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.reports)
}

func (m *Memory) BackendID(resourceID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backendIDs[resourceID]
}

func (m *Memory) ListOrders(_ context.Context, offeringIDs []string) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Order
	for _, o := range m.orders {
		if o.Open() && (len(offeringIDs) == 0 || slices.Contains(offeringIDs, o.OfferingID)) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Memory) ListResources(_ context.Context, offeringID string) ([]model.MarketplaceResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.resources[offeringID]), nil
}

func (m *Memory) SubmitUsageReport(_ context.Context, r UsageReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reportErr != nil {
		return m.reportErr
	}
	m.reports = append(m.reports, r)
	return nil
}

func (m *Memory) SetOrderState(_ context.Context, orderID string, state model.OrderState, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.orders {
		if m.orders[i].ID == orderID {
			m.orders[i].State = state
			m.messages[orderID] = message
			return nil
		}
	}
	return ErrUnknownOrder
}

func (m *Memory) SetBackendID(_ context.Context, resourceID, backendID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backendIDs[resourceID] = backendID
	return nil
}

// Subscribe forwards published updates until ctx is done.
func (m *Memory) Subscribe(ctx context.Context) <-chan model.LimitsUpdate {
	out := make(chan model.LimitsUpdate)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-m.updates:
				select {
				case out <- u:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
