package backend

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"siteagent/config"
	"siteagent/internal/pkg/model"
)

// Memory is an in-process backend. It backs the "mock" kind for dry runs and is the
// backend used throughout the package tests.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]*memAccount
	failures map[string][]error
	calls    map[string]int
	down     bool
	now      func() time.Time
}

type memAccount struct {
	counters map[string]float64
	applied  []*model.Directive
	members  map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*memAccount),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// NewMemoryFactory registers Memory as a backend kind.
func NewMemoryFactory(config.Offering, *slog.Logger) (Backend, error) { return NewMemory(), nil }

// FailNext queues errors returned by the next calls of op, one per call.
func (m *Memory) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// SetDown makes Ping and every other call fail with KindUnavailable.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SetCounter sets the raw cumulative counter of dim.
func (m *Memory) SetCounter(backendID, dim string, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(backendID).counters[dim] = v
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Applied returns the directives applied to backendID in order.
func (m *Memory) Applied(backendID string) []*model.Directive {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[backendID]
	if !ok {
		return nil
	}
	return slices.Clone(a.applied)
}

// Exists reports whether the account is provisioned.
func (m *Memory) Exists(backendID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[backendID]
	return ok
}

func (m *Memory) account(id string) *memAccount {
	a, ok := m.accounts[id]
	if !ok {
		a = &memAccount{counters: make(map[string]float64), members: make(map[string]struct{})}
		m.accounts[id] = a
	}
	return a
}

// begin records the call and pops a queued failure. Callers hold m.mu.
func (m *Memory) begin(ctx context.Context, op string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return NewError(KindTransient, op, err)
	}
	if m.down {
		return Errorf(KindUnavailable, op, "backend is down")
	}
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (m *Memory) CreateAccount(ctx context.Context, res *model.Resource) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "create_account"); err != nil {
		return "", err
	}
	name := strings.TrimSpace(res.Name)
	if name == "" {
		name = res.ID
	}
	if name == "" {
		return "", Errorf(KindRejected, "create_account", "empty account name")
	}
	id := "mock-" + name
	if _, ok := m.accounts[id]; ok {
		return "", Errorf(KindRejected, "create_account", "account %s already exists", id)
	}
	m.account(id)
	return id, nil
}

func (m *Memory) DeleteAccount(ctx context.Context, backendID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "delete_account"); err != nil {
		return err
	}
	delete(m.accounts, backendID)
	return nil
}

func (m *Memory) GetUsage(ctx context.Context, backendID string, dims []string, _, end time.Time) ([]model.UsageSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "get_usage"); err != nil {
		return nil, err
	}
	a, ok := m.accounts[backendID]
	if !ok {
		return nil, Errorf(KindPermanent, "get_usage", "account %s not found", backendID)
	}
	samples := make([]model.UsageSample, 0, len(dims))
	for _, d := range dims {
		samples = append(samples, model.UsageSample{Dimension: d, Value: a.counters[d], Timestamp: end})
	}
	return samples, nil
}

func (m *Memory) ApplyLimits(ctx context.Context, backendID string, d *model.Directive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "apply_limits"); err != nil {
		return err
	}
	a, ok := m.accounts[backendID]
	if !ok {
		return Errorf(KindPermanent, "apply_limits", "account %s not found", backendID)
	}
	cp := *d
	a.applied = append(a.applied, &cp)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begin(ctx, "ping")
}

func (m *Memory) AddMember(ctx context.Context, backendID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "add_member"); err != nil {
		return err
	}
	a, ok := m.accounts[backendID]
	if !ok {
		return fmt.Errorf("account %s not found", backendID)
	}
	a.members[username] = struct{}{}
	return nil
}

func (m *Memory) RemoveMember(ctx context.Context, backendID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "remove_member"); err != nil {
		return err
	}
	if a, ok := m.accounts[backendID]; ok {
		delete(a.members, username)
	}
	return nil
}

func (m *Memory) ListMembers(ctx context.Context, backendID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "list_members"); err != nil {
		return nil, err
	}
	a, ok := m.accounts[backendID]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(a.members))
	for u := range a.members {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) RefreshCredentials(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begin(ctx, "refresh_credentials")
}
