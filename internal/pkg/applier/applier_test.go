package applier

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteagent/config"
	"siteagent/internal/pkg/backend"
	"siteagent/internal/pkg/model"
	"siteagent/internal/pkg/store"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type countingObserver struct {
	results []Result
}

func (o *countingObserver) ApplyFinished(_ string, r Result, _ int) { o.results = append(o.results, r) }

type fixture struct {
	st      *store.BoltStore
	mem     *backend.Memory
	applier *Applier
	sleeps  *sleepRecorder
	obs     *countingObserver
	res     *model.Resource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mem := backend.NewMemory()
	res := &model.Resource{ID: "r1", OfferingID: "off-1", Name: "proj", State: model.ResourceActive}
	res.BackendID, err = mem.CreateAccount(ctx, res)
	require.NoError(t, err)
	require.NoError(t, st.SaveResource(ctx, res))

	f := &fixture{st: st, mem: mem, sleeps: &sleepRecorder{}, obs: &countingObserver{}, res: res}
	f.applier = New(st, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithRetry(config.Retry{Attempts: 3, BaseDelay: config.Duration(time.Second), MaxDelay: config.Duration(10 * time.Second)}),
		WithCallTimeout(time.Second),
		WithSleep(f.sleeps.sleep),
		WithObserver(f.obs),
	)
	return f
}

func (f *fixture) directive(v uint64) *model.Directive {
	return &model.Directive{ResourceID: f.res.ID, Version: v, LimitType: config.LimitGroupMinutes, Fairshare: 1, QoS: model.TierNormal}
}

func (f *fixture) stored(t *testing.T) *model.Resource {
	t.Helper()
	r, err := f.st.GetResource(context.Background(), f.res.ID)
	require.NoError(t, err)
	return r
}

func TestApply_AdvancesVersion(t *testing.T) {
	f := newFixture(t)

	r, err := f.applier.Apply(context.Background(), f.mem, f.directive(1))
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, r)
	assert.Equal(t, uint64(1), f.stored(t).LastAppliedVersion)
	assert.Len(t, f.mem.Applied(f.res.BackendID), 1)
}

func TestApply_StaleOrDuplicateMakesNoBackendCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.applier.Apply(ctx, f.mem, f.directive(2))
	require.NoError(t, err)
	calls := f.mem.Calls("apply_limits")

	for _, v := range []uint64{2, 1, 0} {
		r, err := f.applier.Apply(ctx, f.mem, f.directive(v))
		require.NoError(t, err)
		assert.Equal(t, ResultStale, r)
	}
	assert.Equal(t, calls, f.mem.Calls("apply_limits"))
	assert.Equal(t, uint64(2), f.stored(t).LastAppliedVersion)
	assert.Equal(t, []Result{ResultApplied, ResultStale, ResultStale, ResultStale}, f.obs.results)
}

func TestApply_StaleDirectiveIsLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var buf bytes.Buffer
	a := New(f.st, slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	_, err := a.Apply(ctx, f.mem, f.directive(1))
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), ErrStaleDirective.Error())

	r, err := a.Apply(ctx, f.mem, f.directive(1))
	require.NoError(t, err)
	assert.Equal(t, ResultStale, r)
	assert.Contains(t, buf.String(), `"err":"stale directive"`)
	assert.Contains(t, buf.String(), `"resource":"r1"`)
}

func TestApply_RetriesTransientWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.mem.FailNext("apply_limits",
		backend.Errorf(backend.KindTransient, "apply_limits", "blip"),
		backend.Errorf(backend.KindTransient, "apply_limits", "blip"))

	r, err := f.applier.Apply(context.Background(), f.mem, f.directive(1))
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, r)
	assert.Equal(t, 3, f.mem.Calls("apply_limits"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps.delays)
	assert.Equal(t, uint64(1), f.stored(t).LastAppliedVersion)
}

func TestApply_ExhaustedRetriesMarkErred(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blip := backend.Errorf(backend.KindTransient, "apply_limits", "blip")
	f.mem.FailNext("apply_limits", blip, blip, blip)

	_, err := f.applier.Apply(ctx, f.mem, f.directive(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRetriesExhausted))
	got := f.stored(t)
	assert.Equal(t, model.ResourceErred, got.State)
	assert.Equal(t, uint64(0), got.LastAppliedVersion)
	assert.NotEmpty(t, got.ErrorMessage)

	// the next cycle re-applies the same directive and recovers the resource
	r, err := f.applier.Apply(ctx, f.mem, f.directive(1))
	require.NoError(t, err)
	assert.Equal(t, ResultApplied, r)
	got = f.stored(t)
	assert.Equal(t, model.ResourceActive, got.State)
	assert.Equal(t, uint64(1), got.LastAppliedVersion)
}

func TestApply_PermanentMarksErredWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.mem.FailNext("apply_limits", backend.Errorf(backend.KindRejected, "apply_limits", "bad qos"))

	_, err := f.applier.Apply(context.Background(), f.mem, f.directive(1))
	require.Error(t, err)
	assert.Equal(t, 1, f.mem.Calls("apply_limits"))
	assert.Empty(t, f.sleeps.delays)
	assert.Equal(t, model.ResourceErred, f.stored(t).State)
}

func TestApply_AuthExpiredRefreshesOnce(t *testing.T) {
	f := newFixture(t)
	f.mem.FailNext("apply_limits", backend.Errorf(backend.KindAuthExpired, "apply_limits", "token"))

	_, err := f.applier.Apply(context.Background(), f.mem, f.directive(1))
	require.NoError(t, err)
	assert.Equal(t, 1, f.mem.Calls("refresh_credentials"))
	assert.Equal(t, 2, f.mem.Calls("apply_limits"))

	expired := backend.Errorf(backend.KindAuthExpired, "apply_limits", "token")
	f.mem.FailNext("apply_limits", expired, expired)
	_, err = f.applier.Apply(context.Background(), f.mem, f.directive(2))
	require.Error(t, err)
	assert.Equal(t, 2, f.mem.Calls("refresh_credentials"))
	assert.Equal(t, model.ResourceErred, f.stored(t).State)
}

func TestApply_UnavailableLeavesStateAlone(t *testing.T) {
	f := newFixture(t)
	f.mem.SetDown(true)

	_, err := f.applier.Apply(context.Background(), f.mem, f.directive(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrUnavailable))
	got := f.stored(t)
	assert.Equal(t, model.ResourceActive, got.State)
	assert.Equal(t, uint64(0), got.LastAppliedVersion)
}

func TestApply_CancelBeforeAckKeepsVersion(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.applier.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	f.mem.FailNext("apply_limits", backend.Errorf(backend.KindTransient, "apply_limits", "blip"))

	_, err := f.applier.Apply(ctx, f.mem, f.directive(1))
	assert.True(t, errors.Is(err, context.Canceled))
	got := f.stored(t)
	assert.Equal(t, uint64(0), got.LastAppliedVersion)
	assert.Equal(t, model.ResourceActive, got.State)
}

func TestApply_NotSyncable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.st.SetResourceState(context.Background(), f.res.ID, model.ResourceTerminated, ""))

	_, err := f.applier.Apply(context.Background(), f.mem, f.directive(1))
	assert.True(t, errors.Is(err, ErrNotSyncable))
	assert.Zero(t, f.mem.Calls("apply_limits"))
}

func TestBackoff(t *testing.T) {
	a := New(nil, slog.Default(), WithRetry(config.Retry{Attempts: 8, BaseDelay: config.Duration(time.Second), MaxDelay: config.Duration(5 * time.Second)}))
	assert.Equal(t, time.Second, a.Backoff(1))
	assert.Equal(t, 2*time.Second, a.Backoff(2))
	assert.Equal(t, 4*time.Second, a.Backoff(3))
	assert.Equal(t, 5*time.Second, a.Backoff(4))
	assert.Equal(t, 5*time.Second, a.Backoff(30))
}
