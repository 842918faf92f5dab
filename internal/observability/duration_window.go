package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type DurationStats struct {
	Name    string  `json:"name"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

type NamedCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type DurationSnapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	WindowSize  int             `json:"window_size"`
	Series      []DurationStats `json:"series"`
	Counters    []NamedCount    `json:"counters,omitempty"`
}

// DurationWindow keeps the last maxSamples durations per name in a ring
// buffer, plus plain counters.
type DurationWindow struct {
	mu         sync.RWMutex
	maxSamples int
	series     map[string]*durationBuffer
	counters   map[string]int
}

type durationBuffer struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func NewDurationWindow(maxSamples int) *DurationWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &DurationWindow{
		maxSamples: maxSamples,
		series:     make(map[string]*durationBuffer),
		counters:   make(map[string]int),
	}
}

func (w *DurationWindow) Observe(name string, ms float64) {
	if name == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, ok := w.series[name]
	if !ok {
		buf = &durationBuffer{
			values: make([]float64, w.maxSamples),
		}
		w.series[name] = buf
	}
	buf.values[buf.next] = ms
	buf.last = ms
	buf.next++
	if buf.next >= len(buf.values) {
		buf.next = 0
		buf.filled = true
	}
}

func (w *DurationWindow) ObserveCounter(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counters[name]++
}

func (w *DurationWindow) Snapshot() DurationSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.series))
	for name := range w.series {
		names = append(names, name)
	}
	sort.Strings(names)

	series := make([]DurationStats, 0, len(names))
	for _, name := range names {
		buf := w.series[name]
		n := buf.next
		if buf.filled {
			n = len(buf.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, buf.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}

		series = append(series, DurationStats{
			Name:    name,
			Samples: n,
			LastMS:  round2(buf.last),
			AvgMS:   round2(sum / float64(n)),
			P50MS:   round2(quantile(samples, 0.50)),
			P95MS:   round2(quantile(samples, 0.95)),
			P99MS:   round2(quantile(samples, 0.99)),
		})
	}

	counterNames := make([]string, 0, len(w.counters))
	for name, count := range w.counters {
		if count > 0 {
			counterNames = append(counterNames, name)
		}
	}
	sort.Strings(counterNames)
	counters := make([]NamedCount, 0, len(counterNames))
	for _, name := range counterNames {
		counters = append(counters, NamedCount{Name: name, Count: w.counters[name]})
	}

	return DurationSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Series:      series,
		Counters:    counters,
	}
}

func (w *DurationWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.series = make(map[string]*durationBuffer)
	w.counters = make(map[string]int)
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
