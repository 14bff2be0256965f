package metrics

import (
	"context"
	"time"
)

// BusStats is implemented by message buses whose health is exported.
type BusStats interface {
	Name() string
	Len() int
	Dropped() uint64
}

// PhaseCounter reports how many tracked peers are in each phase.
type PhaseCounter interface {
	PeerPhaseCounts() map[string]int
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Buses  []BusStats
	Phases PhaseCounter
}

// Collector periodically samples state that is not updated inline.
type Collector struct {
	metrics *RelayMetrics
	buses   []BusStats
	phases  PhaseCounter

	// Phases seen in earlier samples, reset to zero when they disappear
	seenPhases map[string]struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(m *RelayMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics:    m,
		buses:      cfg.Buses,
		phases:     cfg.Phases,
		seenPhases: make(map[string]struct{}),
	}
}

// Collect updates all sampled metrics from the current state.
func (c *Collector) Collect() {
	c.collectBusStats()
	c.collectPhaseStats()
}

func (c *Collector) collectBusStats() {
	for _, b := range c.buses {
		c.metrics.BusDropped.WithLabelValues(b.Name()).Set(float64(b.Dropped()))
		c.metrics.BusSubscribers.WithLabelValues(b.Name()).Set(float64(b.Len()))
	}
}

func (c *Collector) collectPhaseStats() {
	if c.phases == nil {
		return
	}

	counts := c.phases.PeerPhaseCounts()
	for phase := range c.seenPhases {
		if _, ok := counts[phase]; !ok {
			c.metrics.TrackedPeers.WithLabelValues(phase).Set(0)
		}
	}
	for phase, n := range counts {
		c.seenPhases[phase] = struct{}{}
		c.metrics.TrackedPeers.WithLabelValues(phase).Set(float64(n))
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
