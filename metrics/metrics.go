// Package metrics instruments the crucible simulation environment. Every
// instrument implements the Metric interface and lives in a Registry's
// single flat namespace, so a harness can walk all readings uniformly.
// All instruments are lock-free: counters and gauges are single atomics,
// and the histogram maintains its extrema with compare-and-swap loops.
package metrics

import (
	"math"
	"sync/atomic"
	"time"
)

// Metric is one named instrument. The interface is sealed: readings are
// taken through Registry.Snapshot.
type Metric interface {
	Name() string
	// reading returns the current value in its natural type: int64 for
	// counters and gauges, HistogramSummary for histograms.
	reading() any
}

// ---------------------------------------------------------------------------
// Counter
// ---------------------------------------------------------------------------

// Counter is a monotonically incrementing counter.
type Counter struct {
	name string
	n    atomic.Int64
}

// NewCounter returns a new Counter with the given name.
func NewCounter(name string) *Counter {
	return &Counter{name: name}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.n.Add(1) }

// Add increments the counter by delta. Counters are monotone, so a
// non-positive delta is ignored.
func (c *Counter) Add(delta int64) {
	if delta > 0 {
		c.n.Add(delta)
	}
}

// Value returns the current count.
func (c *Counter) Value() int64 { return c.n.Load() }

// Name returns the metric name.
func (c *Counter) Name() string { return c.name }

func (c *Counter) reading() any { return c.n.Load() }

// ---------------------------------------------------------------------------
// Gauge
// ---------------------------------------------------------------------------

// Gauge is a value that can move in both directions.
type Gauge struct {
	name string
	v    atomic.Int64
}

// NewGauge returns a new Gauge with the given name.
func NewGauge(name string) *Gauge {
	return &Gauge{name: name}
}

// Set replaces the gauge value.
func (g *Gauge) Set(v int64) { g.v.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.v.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.v.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.v.Load() }

// Name returns the metric name.
func (g *Gauge) Name() string { return g.name }

func (g *Gauge) reading() any { return g.v.Load() }

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// HistogramSummary is a point-in-time digest of a histogram: count, sum,
// extrema, and the derived mean. The zero value describes an empty
// histogram.
type HistogramSummary struct {
	Count int64
	Sum   int64
	Min   int64
	Max   int64
	Mean  float64
}

// Histogram tracks the distribution of observed integer values, which is
// what the environment measures: gas units and millisecond latencies.
// Count and sum are plain atomic adds; min and max race through
// compare-and-swap so Observe never takes a lock on the worker's hot
// path. A Summary taken during concurrent observation is a best-effort
// digest, not an atomic cut.
type Histogram struct {
	name  string
	count atomic.Int64
	sum   atomic.Int64
	min   atomic.Int64
	max   atomic.Int64
}

// NewHistogram returns a new Histogram with the given name.
func NewHistogram(name string) *Histogram {
	h := &Histogram{name: name}
	h.min.Store(math.MaxInt64)
	h.max.Store(math.MinInt64)
	return h
}

// Observe records one value.
func (h *Histogram) Observe(v int64) {
	h.count.Add(1)
	h.sum.Add(v)
	for {
		cur := h.min.Load()
		if v >= cur || h.min.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := h.max.Load()
		if v <= cur || h.max.CompareAndSwap(cur, v) {
			break
		}
	}
}

// Summary digests the histogram. An empty histogram reports all zeros.
func (h *Histogram) Summary() HistogramSummary {
	count := h.count.Load()
	if count == 0 {
		return HistogramSummary{}
	}
	sum := h.sum.Load()
	return HistogramSummary{
		Count: count,
		Sum:   sum,
		Min:   h.min.Load(),
		Max:   h.max.Load(),
		Mean:  float64(sum) / float64(count),
	}
}

// Time starts a measurement and returns the function that ends it. The
// elapsed wall time is recorded in milliseconds:
//
//	stop := metrics.InstructionLatency.Time()
//	defer stop()
func (h *Histogram) Time() func() time.Duration {
	start := time.Now()
	return func() time.Duration {
		elapsed := time.Since(start)
		h.Observe(elapsed.Milliseconds())
		return elapsed
	}
}

// Name returns the metric name.
func (h *Histogram) Name() string { return h.name }

func (h *Histogram) reading() any { return h.Summary() }
