// Package metrics records ledger activity for the stats endpoint and for
// Prometheus scraping.
package metrics

import (
	"encoding/json"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/encabox/encabox/internal/box"
)

// Operation results
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Collector aggregates ledger operation metrics in process
type Collector struct {
	// op -> result -> count
	ops   map[string]map[string]*uint64
	opsMu sync.RWMutex

	rejections   map[string]*uint64
	rejectionsMu sync.RWMutex

	latencies   map[string]*LatencyHistogram
	latenciesMu sync.RWMutex

	liveUnits   uint64
	burnedUnits uint64

	streamClients int64

	startTime time.Time
}

// LatencyHistogram tracks operation latencies in buckets
type LatencyHistogram struct {
	// [0-1ms], [1-5ms], [5-10ms], [10-25ms], [25-50ms], [50-100ms],
	// [100-250ms], [250-500ms], [500-1000ms], [1000ms+]
	buckets [10]uint64
	sum     uint64 // nanoseconds
	count   uint64
	mu      sync.Mutex
}

// bucket boundaries in milliseconds
var bucketBoundaries = []int64{1, 5, 10, 25, 50, 100, 250, 500, 1000}

var bucketLabels = []string{
	"0-1ms", "1-5ms", "5-10ms", "10-25ms", "25-50ms",
	"50-100ms", "100-250ms", "250-500ms", "500-1000ms", "1000ms+",
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	return &Collector{
		ops:        make(map[string]map[string]*uint64),
		rejections: make(map[string]*uint64),
		latencies:  make(map[string]*LatencyHistogram),
		startTime:  time.Now(),
	}
}

// Classify returns the result label and, for rejections, the reason label
func Classify(err error) (result, reason string) {
	switch {
	case err == nil:
		return ResultOK, ""
	case box.IsRejection(err):
		return ResultRejected, box.ReasonLabel(err)
	default:
		return ResultError, ""
	}
}

// ObserveOperation implements box.Observer
func (c *Collector) ObserveOperation(op string, duration time.Duration, err error) {
	result, reason := Classify(err)
	atomic.AddUint64(c.opCounter(op, result), 1)
	if reason != "" {
		atomic.AddUint64(c.rejectionCounter(reason), 1)
	}
	c.histogram(op).Record(duration)
}

// ObserveSupply implements box.Observer
func (c *Collector) ObserveSupply(live, burned uint64) {
	atomic.StoreUint64(&c.liveUnits, live)
	atomic.StoreUint64(&c.burnedUnits, burned)
}

func (c *Collector) opCounter(op, result string) *uint64 {
	c.opsMu.RLock()
	counter, ok := c.ops[op][result]
	c.opsMu.RUnlock()
	if ok {
		return counter
	}

	c.opsMu.Lock()
	defer c.opsMu.Unlock()
	byResult, ok := c.ops[op]
	if !ok {
		byResult = make(map[string]*uint64)
		c.ops[op] = byResult
	}
	counter, ok = byResult[result]
	if !ok {
		counter = new(uint64)
		byResult[result] = counter
	}
	return counter
}

func (c *Collector) rejectionCounter(reason string) *uint64 {
	c.rejectionsMu.Lock()
	defer c.rejectionsMu.Unlock()
	counter, ok := c.rejections[reason]
	if !ok {
		counter = new(uint64)
		c.rejections[reason] = counter
	}
	return counter
}

func (c *Collector) histogram(op string) *LatencyHistogram {
	c.latenciesMu.Lock()
	defer c.latenciesMu.Unlock()
	hist, ok := c.latencies[op]
	if !ok {
		hist = &LatencyHistogram{}
		c.latencies[op] = hist
	}
	return hist
}

// Record records a latency value in the histogram
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ms := d.Milliseconds()
	idx := len(bucketBoundaries)
	for i, boundary := range bucketBoundaries {
		if ms < boundary {
			idx = i
			break
		}
	}

	h.buckets[idx]++
	h.sum += uint64(d.Nanoseconds())
	h.count++
}

// StreamConnected and StreamDisconnected track event stream subscribers
func (c *Collector) StreamConnected()    { atomic.AddInt64(&c.streamClients, 1) }
func (c *Collector) StreamDisconnected() { atomic.AddInt64(&c.streamClients, -1) }

// Snapshot is the current state of all metrics
type Snapshot struct {
	Uptime         string                       `json:"uptime"`
	UptimeSeconds  float64                      `json:"uptime_seconds"`
	Operations     map[string]map[string]uint64 `json:"operations"`
	Rejections     map[string]uint64            `json:"rejections"`
	Latencies      map[string]LatencyStats      `json:"latencies"`
	LiveUnits      uint64                       `json:"live_units"`
	BurnedUnits    uint64                       `json:"burned_units"`
	StreamClients  int64                        `json:"stream_clients"`
	GoroutineCount int                          `json:"goroutine_count"`
	CollectedAt    time.Time                    `json:"collected_at"`
}

// LatencyStats summarizes one operation's latencies
type LatencyStats struct {
	Count   uint64            `json:"count"`
	SumMs   float64           `json:"sum_ms"`
	AvgMs   float64           `json:"avg_ms"`
	Buckets map[string]uint64 `json:"buckets"`
}

// Snapshot copies out the current metrics
func (c *Collector) Snapshot() *Snapshot {
	uptime := time.Since(c.startTime)

	ops := make(map[string]map[string]uint64)
	c.opsMu.RLock()
	for op, byResult := range c.ops {
		ops[op] = make(map[string]uint64, len(byResult))
		for result, counter := range byResult {
			ops[op][result] = atomic.LoadUint64(counter)
		}
	}
	c.opsMu.RUnlock()

	rejections := make(map[string]uint64)
	c.rejectionsMu.Lock()
	for reason, counter := range c.rejections {
		rejections[reason] = atomic.LoadUint64(counter)
	}
	c.rejectionsMu.Unlock()

	latencies := make(map[string]LatencyStats)
	c.latenciesMu.Lock()
	for op, hist := range c.latencies {
		hist.mu.Lock()
		stats := LatencyStats{
			Count:   hist.count,
			SumMs:   float64(hist.sum) / float64(time.Millisecond),
			Buckets: make(map[string]uint64),
		}
		if hist.count > 0 {
			stats.AvgMs = stats.SumMs / float64(hist.count)
		}
		for i, n := range hist.buckets {
			if n > 0 {
				stats.Buckets[bucketLabels[i]] = n
			}
		}
		hist.mu.Unlock()
		latencies[op] = stats
	}
	c.latenciesMu.Unlock()

	return &Snapshot{
		Uptime:         uptime.Round(time.Second).String(),
		UptimeSeconds:  uptime.Seconds(),
		Operations:     ops,
		Rejections:     rejections,
		Latencies:      latencies,
		LiveUnits:      atomic.LoadUint64(&c.liveUnits),
		BurnedUnits:    atomic.LoadUint64(&c.burnedUnits),
		StreamClients:  atomic.LoadInt64(&c.streamClients),
		GoroutineCount: runtime.NumGoroutine(),
		CollectedAt:    time.Now(),
	}
}

// SnapshotJSON returns the current metrics as JSON
func (c *Collector) SnapshotJSON() ([]byte, error) {
	return json.Marshal(c.Snapshot())
}
