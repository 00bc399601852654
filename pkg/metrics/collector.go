package metrics

import (
	"sync"
	"time"
)

// Sources are the live values the collector samples into gauges. Nil
// functions are skipped.
type Sources struct {
	TerritoryCount   func() int
	Watermark        func() uint64
	GuildCacheSize   func() int
	Subscribers      func() int
	HistoryReachable func() bool
}

// Collector periodically samples Sources into the gauge metrics
type Collector struct {
	sources  Sources
	interval time.Duration
	stopCh   chan struct{}
	once     sync.Once
}

// NewCollector creates a new metrics collector
func NewCollector(sources Sources, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		sources:  sources,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.once.Do(func() { close(c.stopCh) })
}

// Collect samples every source once
func (c *Collector) Collect() {
	if c.sources.TerritoryCount != nil {
		TerritoriesTotal.Set(float64(c.sources.TerritoryCount()))
	}
	if c.sources.Watermark != nil {
		LiveWatermark.Set(float64(c.sources.Watermark()))
	}
	if c.sources.GuildCacheSize != nil {
		GuildCacheSize.Set(float64(c.sources.GuildCacheSize()))
	}
	if c.sources.Subscribers != nil {
		SubscribersActive.Set(float64(c.sources.Subscribers()))
	}
	if c.sources.HistoryReachable != nil {
		SetFlag(HistoryAvailable, c.sources.HistoryReachable())
	}
}
