package pipeline

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"siteagent/config"
	"siteagent/internal/pkg/applier"
	"siteagent/internal/pkg/backend"
	"siteagent/internal/pkg/marketplace"
	"siteagent/internal/pkg/model"
	"siteagent/internal/pkg/offering"
	"siteagent/internal/pkg/period"
	"siteagent/internal/pkg/policy"
	"siteagent/internal/pkg/store"
	"siteagent/internal/pkg/usage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type harness struct {
	p      *Pipeline
	st     *store.BoltStore
	mem    *backend.Memory
	market *marketplace.Memory
	clock  *clock
}

func testLimits() config.Limits {
	return config.Limits{
		Type: config.LimitGroupMinutes,
		Dimensions: map[string]config.Dimension{
			"compute": {Weight: 1.0, UnitFactor: 1},
			"memory":  {Weight: 0.1, UnitFactor: 1},
		},
		SlowdownAt:     50,
		BlockAt:        100,
		FairshareScale: 1,
		MaxJobShare:    1,
	}
}

func newOffering(t *testing.T, id, mode string, mem *backend.Memory) *offering.Offering {
	t.Helper()
	cfg := config.Offering{
		ID:           id,
		Mode:         mode,
		Period:       "0 0 1 * *",
		PollInterval: config.Duration(time.Hour),
		Backend:      config.Backend{Kind: "mock"},
		Limits:       testLimits(),
	}
	engine, err := policy.NewEngine(cfg.Limits)
	require.NoError(t, err)
	return &offering.Offering{
		Config:   cfg,
		Backend:  mem,
		Engine:   engine,
		Schedule: period.MustParse(cfg.Period),
		Usage:    usage.Config{},
	}
}

func newHarness(t *testing.T, offs ...*offering.Offering) *harness {
	t.Helper()
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{st: st, market: marketplace.NewMemory(), clock: &clock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}}
	if len(offs) > 0 {
		h.mem = offs[0].Backend.(*backend.Memory)
	}
	ap := applier.New(st, logger, applier.WithSleep(func(context.Context, time.Duration) error { return nil }))
	h.p = New(offering.NewSet(offs...), st, ap, config.Pipeline{
		Workers:       2,
		Tick:          config.Duration(time.Hour),
		CallTimeout:   config.Duration(time.Second),
		ProbeInterval: config.Duration(time.Hour),
		ProbeTimeout:  config.Duration(time.Second),
		DedupWindow:   config.Duration(time.Minute),
		DedupSize:     16,
	}, logger, WithClock(h.clock.Now), WithReporter(h.market))
	return h
}

func (h *harness) addResource(t *testing.T, id, offeringID string, allocation float64) *model.Resource {
	t.Helper()
	ctx := context.Background()
	res := &model.Resource{ID: id, OfferingID: offeringID, Name: id, State: model.ResourceActive, Allocation: allocation}
	var err error
	res.BackendID, err = h.mem.CreateAccount(ctx, res)
	require.NoError(t, err)
	require.NoError(t, h.st.SaveResource(ctx, res))
	return res
}

func TestCycle_EndToEndTiers(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, newOffering(t, "hpc", config.ModePoll, mem))
	res := h.addResource(t, "r1", "hpc", 1000)
	ctx := context.Background()

	start := h.clock.Now()
	for i, compute := range []float64{0, 40, 90, 150} {
		h.clock.Set(start.AddDate(0, i, 0))
		mem.SetCounter(res.BackendID, "compute", compute)
		require.NoError(t, h.p.RunOnce(ctx, res.ID))
	}

	applied := mem.Applied(res.BackendID)
	require.Len(t, applied, 4)
	var tiers []model.QoSTier
	var consumed []float64
	for i, d := range applied {
		tiers = append(tiers, d.QoS)
		consumed = append(consumed, d.Consumed)
		assert.Equal(t, uint64(i+1), d.Version)
	}
	assert.Equal(t, []model.QoSTier{model.TierNormal, model.TierNormal, model.TierSlowdown, model.TierBlocked}, tiers)
	assert.Equal(t, []float64{0, 40, 90, 150}, consumed)

	got, err := h.st.GetResource(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.LastAppliedVersion)
	assert.True(t, got.LastComputedAt.Equal(h.clock.Now()))
	assert.Equal(t, StateIdle, h.p.Status(res.ID).State)
}

func TestCycle_UnchangedInputsAreIdempotent(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, newOffering(t, "hpc", config.ModePoll, mem))
	res := h.addResource(t, "r1", "hpc", 100)
	ctx := context.Background()
	mem.SetCounter(res.BackendID, "compute", 20)

	require.NoError(t, h.p.RunOnce(ctx, res.ID))
	require.NoError(t, h.p.RunOnce(ctx, res.ID))
	h.clock.Set(h.clock.Now().Add(time.Hour))
	require.NoError(t, h.p.RunOnce(ctx, res.ID))

	assert.Equal(t, 1, mem.Calls("apply_limits"))
	d, err := h.st.LatestDirective(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), d.Version)
}

func TestCycle_ReportsPeriodTotals(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, newOffering(t, "hpc", config.ModePoll, mem))
	res := h.addResource(t, "r1", "hpc", 100)
	ctx := context.Background()

	mem.SetCounter(res.BackendID, "compute", 30)
	require.NoError(t, h.p.RunOnce(ctx, res.ID))
	mem.SetCounter(res.BackendID, "compute", 45)
	h.clock.Set(h.clock.Now().Add(time.Hour))
	require.NoError(t, h.p.RunOnce(ctx, res.ID))

	reports := h.market.Reports()
	require.NotEmpty(t, reports)
	last := map[string]float64{}
	for _, r := range reports {
		assert.Equal(t, "r1", r.ResourceID)
		assert.True(t, r.PeriodStart.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
		last[r.Dimension] = r.Value
	}
	assert.Equal(t, map[string]float64{"compute": 45, "memory": 0}, last)
}

func TestCycle_UnavailableBackendIsExcludedUntilProbeSucceeds(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, newOffering(t, "hpc", config.ModePoll, mem))
	res := h.addResource(t, "r1", "hpc", 100)
	ctx := context.Background()

	mem.SetDown(true)
	err := h.p.RunOnce(ctx, res.ID)
	require.Error(t, err)
	assert.False(t, h.p.Healthy("hpc"))
	assert.Equal(t, StateErred, h.p.Status(res.ID).State)

	err = h.p.RunOnce(ctx, res.ID)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, 1, mem.Calls("get_usage"))

	mem.SetDown(false)
	h.p.probe(ctx)
	assert.True(t, h.p.Healthy("hpc"))
	require.NoError(t, h.p.RunOnce(ctx, res.ID))
	assert.Equal(t, StateIdle, h.p.Status(res.ID).State)

	got, err := h.st.GetResource(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResourceActive, got.State)
}

func TestCycle_BusyResourceCoalesces(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, newOffering(t, "hpc", config.ModePoll, mem))
	res := h.addResource(t, "r1", "hpc", 100)

	h.p.mu.Lock()
	require.True(t, h.p.claim(res.ID))
	h.p.mu.Unlock()

	require.NoError(t, h.p.RunOnce(context.Background(), res.ID))
	assert.Zero(t, mem.Calls("get_usage"))
	assert.Equal(t, StateComputing, h.p.Status(res.ID).State)
}

func TestRunOnce_WaitsForWorkerSlot(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, newOffering(t, "hpc", config.ModePoll, mem))
	res := h.addResource(t, "r1", "hpc", 100)

	for i := 0; i < cap(h.p.sem); i++ {
		h.p.sem <- struct{}{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.p.RunOnce(ctx, res.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, mem.Calls("get_usage"))
	assert.Equal(t, StateErred, h.p.Status(res.ID).State)

	for i := 0; i < cap(h.p.sem); i++ {
		<-h.p.sem
	}
	require.NoError(t, h.p.RunOnce(context.Background(), res.ID))
	assert.Len(t, mem.Applied(res.BackendID), 1)
	assert.Empty(t, h.p.sem)
}

func TestCycle_OneErringResourceDoesNotStopOthers(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, newOffering(t, "hpc", config.ModePoll, mem))
	bad := h.addResource(t, "bad", "hpc", 100)
	good := h.addResource(t, "good", "hpc", 100)
	ctx := context.Background()

	mem.FailNext("get_usage", backend.Errorf(backend.KindPermanent, "get_usage", "broken"))
	require.Error(t, h.p.RunOnce(ctx, bad.ID))
	require.NoError(t, h.p.RunOnce(ctx, good.ID))
	assert.Len(t, mem.Applied(good.BackendID), 1)
	assert.Equal(t, StateErred, h.p.Status(bad.ID).State)
	assert.NotEmpty(t, h.p.Status(bad.ID).LastError)
}

func TestNotify_RequiresRun(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, newOffering(t, "hpc", config.ModeEvent, mem))
	_, err := h.p.Notify(context.Background(), model.LimitsUpdate{ResourceID: "r1", Timestamp: time.Now()})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func (h *harness) waitRunning(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.p.mu.Lock()
		defer h.p.mu.Unlock()
		return h.p.runCtx != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNotify_RedeliveryAfterUnknownResourceIsAccepted(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t, newOffering(t, "events", config.ModeEvent, mem))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.p.Run(ctx, nil) }()
	h.waitRunning(t)

	u := model.LimitsUpdate{ResourceID: "late", Timestamp: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)}
	outcome, err := h.p.Notify(ctx, u)
	assert.ErrorIs(t, err, ErrUnknownResource)
	assert.Equal(t, OutcomeUnknown, outcome)

	res := h.addResource(t, "late", "events", 100)
	outcome, err = h.p.Notify(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	require.Eventually(t, func() bool { return len(mem.Applied(res.BackendID)) == 1 }, 5*time.Second, 10*time.Millisecond)

	outcome, err = h.p.Notify(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestRun_EventsPollAndShutdown(t *testing.T) {
	mem := backend.NewMemory()
	h := newHarness(t,
		newOffering(t, "events", config.ModeEvent, mem),
		newOffering(t, "polled", config.ModePoll, mem),
	)
	ctx := context.Background()
	evRes := h.addResource(t, "ev", "events", 100)
	pollRes := h.addResource(t, "po", "polled", 100)
	// computed just now, so the first sweep leaves it to the event path
	require.NoError(t, h.st.TouchComputed(ctx, evRes.ID, h.clock.Now()))
	require.NoError(t, h.st.TouchComputed(ctx, pollRes.ID, h.clock.Now().Add(-2*time.Hour)))

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	runCtx, cancel := context.WithCancel(ctx)
	updates := make(chan model.LimitsUpdate)
	done := make(chan error, 1)
	go func() { done <- h.p.Run(runCtx, updates) }()

	require.Eventually(t, func() bool { return len(mem.Applied(pollRes.BackendID)) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, mem.Applied(evRes.BackendID))

	u := model.LimitsUpdate{ResourceID: evRes.ID, Timestamp: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)}
	updates <- u
	require.Eventually(t, func() bool { return len(mem.Applied(evRes.BackendID)) == 1 }, 5*time.Second, 10*time.Millisecond)

	outcome, err := h.p.Notify(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	outcome, err = h.p.Notify(ctx, model.LimitsUpdate{ResourceID: pollRes.ID, Timestamp: u.Timestamp})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	outcome, err = h.p.Notify(ctx, model.LimitsUpdate{ResourceID: "nope", Timestamp: u.Timestamp})
	assert.ErrorIs(t, err, ErrUnknownResource)
	assert.Equal(t, OutcomeUnknown, outcome)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.Equal(t, map[string]bool{"events": true, "polled": true}, h.p.Health())
}
