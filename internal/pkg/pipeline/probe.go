package pipeline

import (
	"context"
	"maps"
	"time"

	"siteagent/internal/pkg/offering"
)

// Healthy reports whether the offering's backend passed its last liveness probe.
func (p *Pipeline) Healthy(offeringID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy[offeringID]
}

// Health returns the probe state of every offering.
func (p *Pipeline) Health() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.healthy)
}

func (p *Pipeline) markHealth(offeringID string, up bool, cause error) {
	p.mu.Lock()
	was := p.healthy[offeringID]
	p.healthy[offeringID] = up
	p.mu.Unlock()

	p.obs.BackendUp(offeringID, up)
	switch {
	case was && !up:
		p.logger.Warn("backend unavailable, excluded from scheduling", "offering", offeringID, "err", cause)
	case !was && up:
		p.logger.Info("backend available again", "offering", offeringID)
	}
}

func (p *Pipeline) probeLoop(ctx context.Context) {
	interval := p.cfg.ProbeInterval.Std()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

// probe pings every offering backend once.
func (p *Pipeline) probe(ctx context.Context) {
	for _, off := range p.offerings.All() {
		p.probeOne(ctx, off)
	}
}

func (p *Pipeline) probeOne(ctx context.Context, off *offering.Offering) {
	timeout := p.cfg.ProbeTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	err := off.Backend.Ping(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	p.markHealth(off.ID(), err == nil, err)
}
