package metrics

import (
	"sync"
	"testing"
)

func TestCounter(t *testing.T) {
	c := NewCounter("test.counter")
	if c.Value() != 0 {
		t.Fatalf("initial value = %d, want 0", c.Value())
	}

	c.Inc()
	c.Add(5)
	if c.Value() != 6 {
		t.Fatalf("value = %d, want 6", c.Value())
	}

	// Counters are monotone; non-positive deltas are ignored.
	c.Add(-3)
	c.Add(0)
	if c.Value() != 6 {
		t.Fatalf("value after Add(-3) = %d, want 6", c.Value())
	}

	if c.Name() != "test.counter" {
		t.Errorf("name = %q, want %q", c.Name(), "test.counter")
	}
}

func TestCounterConcurrent(t *testing.T) {
	c := NewCounter("test.concurrent")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	if c.Value() != 10000 {
		t.Fatalf("value = %d, want 10000", c.Value())
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge("test.gauge")
	g.Set(42)
	if g.Value() != 42 {
		t.Fatalf("value = %d, want 42", g.Value())
	}
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 41 {
		t.Fatalf("value = %d, want 41", g.Value())
	}
}

func TestHistogramSummary(t *testing.T) {
	h := NewHistogram("test.hist")

	// An empty histogram digests to the zero summary.
	if got := h.Summary(); got != (HistogramSummary{}) {
		t.Fatalf("empty summary = %+v, want zero value", got)
	}

	for _, v := range []int64{21000, 53000, 100000} {
		h.Observe(v)
	}

	got := h.Summary()
	want := HistogramSummary{Count: 3, Sum: 174000, Min: 21000, Max: 100000, Mean: 58000}
	if got != want {
		t.Errorf("summary = %+v, want %+v", got, want)
	}
}

func TestHistogramConcurrent(t *testing.T) {
	h := NewHistogram("test.hist.concurrent")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for j := int64(0); j < 500; j++ {
				h.Observe(base + j)
			}
		}(int64(i) * 1000)
	}
	wg.Wait()

	got := h.Summary()
	if got.Count != 4000 {
		t.Errorf("count = %d, want 4000", got.Count)
	}
	if got.Min != 0 {
		t.Errorf("min = %d, want 0", got.Min)
	}
	if got.Max != 7499 {
		t.Errorf("max = %d, want 7499", got.Max)
	}
}

func TestHistogramTime(t *testing.T) {
	h := NewHistogram("test.hist.time")
	stop := h.Time()
	if elapsed := stop(); elapsed < 0 {
		t.Fatalf("elapsed = %v, want non-negative", elapsed)
	}
	if got := h.Summary().Count; got != 1 {
		t.Errorf("count after one timing = %d, want 1", got)
	}
}

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry()

	c1 := r.Counter("same.name")
	c2 := r.Counter("same.name")
	if c1 != c2 {
		t.Fatal("Counter returned distinct instances for the same name")
	}

	g1 := r.Gauge("g")
	if g1 != r.Gauge("g") {
		t.Fatal("Gauge returned distinct instances for the same name")
	}

	h1 := r.Histogram("h")
	if h1 != r.Histogram("h") {
		t.Fatal("Histogram returned distinct instances for the same name")
	}
}

func TestRegistryKindMismatchPanics(t *testing.T) {
	r := NewRegistry()
	r.Counter("clash")

	defer func() {
		if recover() == nil {
			t.Fatal("re-registering a name as a different kind did not panic")
		}
	}()
	r.Gauge("clash")
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	r.Gauge("b")
	r.Counter("a")
	r.Histogram("c")

	names := r.Names()
	want := []string{"a", "b", "c"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	r.Counter("c").Add(3)
	r.Gauge("g").Set(-7)
	r.Histogram("h").Observe(1500)

	snap := r.Snapshot()
	if snap["c"] != int64(3) {
		t.Errorf("snapshot c = %v, want 3", snap["c"])
	}
	if snap["g"] != int64(-7) {
		t.Errorf("snapshot g = %v, want -7", snap["g"])
	}
	hs, ok := snap["h"].(HistogramSummary)
	if !ok {
		t.Fatalf("snapshot h has type %T, want HistogramSummary", snap["h"])
	}
	if hs.Count != 1 || hs.Sum != 1500 {
		t.Errorf("snapshot h = %+v, want count 1 sum 1500", hs)
	}
}

func TestStandardMetricsRegistered(t *testing.T) {
	// The pre-defined metrics must live in DefaultRegistry under their
	// declared names.
	if DefaultRegistry.Counter("worker.instructions") != InstructionsReceived {
		t.Error("worker.instructions not in DefaultRegistry")
	}
	if DefaultRegistry.Counter("broadcaster.dropped") != EventsDropped {
		t.Error("broadcaster.dropped not in DefaultRegistry")
	}
	if DefaultRegistry.Gauge("broadcaster.subscribers") != Subscribers {
		t.Error("broadcaster.subscribers not in DefaultRegistry")
	}
}
