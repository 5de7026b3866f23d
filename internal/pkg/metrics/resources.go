package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"siteagent/internal/pkg/model"
)

// ResourceLister is the part of the state store the collector reads.
type ResourceLister interface {
	ListResources(ctx context.Context, f model.ResourceFilter) ([]*model.Resource, error)
}

// resourceCollector reports resource counts by offering and lifecycle state at scrape time.
type resourceCollector struct {
	resources *prometheus.Desc
	lister    ResourceLister
	logger    *slog.Logger
}

// RegisterResourceCollector adds the per-state resource gauge to the registry.
func (m *Metrics) RegisterResourceCollector(lister ResourceLister, logger *slog.Logger) {
	m.Registry.MustRegister(&resourceCollector{
		resources: prometheus.NewDesc(
			namespace+"_resources",
			"Resources known to the agent by offering and state",
			[]string{"offering", "state"}, nil),
		lister: lister,
		logger: logger,
	})
}

func (c *resourceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.resources
}

func (c *resourceCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	list, err := c.lister.ListResources(ctx, model.ResourceFilter{})
	if err != nil {
		c.logger.Error("failed to list resources for metrics", "err", err)
		return
	}
	type key struct{ offering, state string }
	counts := make(map[key]int)
	for _, r := range list {
		counts[key{r.OfferingID, string(r.State)}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.resources, prometheus.GaugeValue, float64(n), k.offering, k.state)
	}
}
