package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"siteagent/internal/pkg/applier"
	"siteagent/internal/pkg/model"
)

func TestObservers(t *testing.T) {
	m := New()

	m.ApplyFinished("hpc", applier.ResultApplied, 2)
	m.ApplyFinished("hpc", applier.ResultStale, 0)
	m.CycleFinished("hpc", "ok", 50*time.Millisecond)
	m.BackendUp("hpc", false)
	m.UsageFolded("hpc", []string{"cpu", "cpu"}, 3)
	m.OrderProcessed("create", errors.New("boom"))
	m.EventReceived("duplicate")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.applies.WithLabelValues("hpc", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.applies.WithLabelValues("hpc", "stale")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cycles.WithLabelValues("hpc", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.backendUp.WithLabelValues("hpc")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.counterResets.WithLabelValues("hpc", "cpu")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.staleSamples.WithLabelValues("hpc")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orders.WithLabelValues("create", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("duplicate")))

	m.CycleStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inflight))
	m.CycleEnded()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
}

type staticLister []*model.Resource

func (s staticLister) ListResources(context.Context, model.ResourceFilter) ([]*model.Resource, error) {
	return s, nil
}

func TestResourceCollector(t *testing.T) {
	m := New()
	m.RegisterResourceCollector(staticLister{
		{ID: "a", OfferingID: "hpc", State: model.ResourceActive},
		{ID: "b", OfferingID: "hpc", State: model.ResourceActive},
		{ID: "c", OfferingID: "hpc", State: model.ResourceErred},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	expected := `
# HELP siteagent_resources Resources known to the agent by offering and state
# TYPE siteagent_resources gauge
siteagent_resources{offering="hpc",state="active"} 2
siteagent_resources{offering="hpc",state="erred"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "siteagent_resources"))
}

func TestHandler(t *testing.T) {
	m := New()
	m.EventReceived("accepted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `siteagent_pipeline_events_total{outcome="accepted"} 1`)
	assert.Contains(t, rec.Body.String(), "siteagent_build_info")
}
