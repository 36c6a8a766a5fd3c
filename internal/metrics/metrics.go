// Package metrics tracks ledger activity counters and exposes them in
// Prometheus text format. Counters are kept in-process; a scrape reads a
// consistent snapshot.
package metrics

import (
	"sync"
	"time"
)

// Collector aggregates charge outcomes for the /metrics endpoint.
type Collector struct {
	mu sync.RWMutex

	chargesByFeature int64IndexedMap
	tokensByFeature  int64IndexedMap
	replays          int64
	refusals         int64
	upstreamFailures int64

	startTime time.Time
}

type int64IndexedMap map[string]int64

// NewCollector creates a collector with the process start time pinned.
func NewCollector() *Collector {
	return &Collector{
		chargesByFeature: make(int64IndexedMap),
		tokensByFeature:  make(int64IndexedMap),
		startTime:        time.Now(),
	}
}

// RecordCharge counts one committed charge.
func (c *Collector) RecordCharge(feature string, tokens int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chargesByFeature[feature]++
	c.tokensByFeature[feature] += tokens
}

// RecordReplay counts an idempotent replay (no tokens moved).
func (c *Collector) RecordReplay(feature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replays++
}

// RecordRefusal counts an insufficient-balance rejection.
func (c *Collector) RecordRefusal(feature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refusals++
}

// RecordUpstreamFailure counts a failed AI call (never billed).
func (c *Collector) RecordUpstreamFailure(feature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upstreamFailures++
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	ChargesByFeature map[string]int64
	TokensByFeature  map[string]int64
	Replays          int64
	Refusals         int64
	UpstreamFailures int64
	Uptime           int64 // seconds
}

// GetSnapshot copies the counters under the read lock.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		ChargesByFeature: make(map[string]int64, len(c.chargesByFeature)),
		TokensByFeature:  make(map[string]int64, len(c.tokensByFeature)),
		Replays:          c.replays,
		Refusals:         c.refusals,
		UpstreamFailures: c.upstreamFailures,
		Uptime:           int64(time.Since(c.startTime).Seconds()),
	}
	for k, v := range c.chargesByFeature {
		snap.ChargesByFeature[k] = v
	}
	for k, v := range c.tokensByFeature {
		snap.TokensByFeature[k] = v
	}
	return snap
}
