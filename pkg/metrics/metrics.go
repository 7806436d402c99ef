// Package metrics tracks per-operation latency distributions for the proxy.
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyTracker tracks latency quantiles per operation using DDSketch.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a new latency tracker with DDSketch.
// relativeAccuracy determines the accuracy of quantile estimates (e.g., 0.01 = 1% accuracy).
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for the given operation.
func (lt *LatencyTracker) Record(operation string, duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}

	sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// RecordFunc wraps a function and records its execution time.
func (lt *LatencyTracker) RecordFunc(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	lt.Record(operation, time.Since(start))
	return err
}

// Stats holds common latency statistics for one operation.
type Stats struct {
	Operation string
	Count     int64
	Min       float64
	P50       float64
	P90       float64
	P95       float64
	P99       float64
	Max       float64
}

// GetStats returns statistics for the given operation.
func (lt *LatencyTracker) GetStats(operation string) (Stats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, exists := lt.sketches[operation]
	if !exists {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}

	count := sketch.GetCount()
	if count == 0 {
		return Stats{Operation: operation}, nil
	}

	min, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p95, _ := sketch.GetValueAtQuantile(0.95)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	max, _ := sketch.GetMaxValue()

	return Stats{
		Operation: operation,
		Count:     int64(count),
		Min:       min,
		P50:       p50,
		P90:       p90,
		P95:       p95,
		P99:       p99,
		Max:       max,
	}, nil
}

// GetAllStats returns statistics for all tracked operations.
func (lt *LatencyTracker) GetAllStats() []Stats {
	lt.mu.Lock()
	operations := make([]string, 0, len(lt.sketches))
	for op := range lt.sketches {
		operations = append(operations, op)
	}
	lt.mu.Unlock()

	stats := make([]Stats, 0, len(operations))
	for _, op := range operations {
		stat, err := lt.GetStats(op)
		if err == nil {
			stats = append(stats, stat)
		}
	}
	return stats
}

// String returns a human-readable summary of the statistics.
func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Operation)
	}
	return fmt.Sprintf("  %s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p95=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P95, s.P99, s.Max)
}

// Operation name constants used by internal/proxy when recording latencies.
const (
	OpGetOverall    = "get_overall"
	OpPutOverall    = "put_overall"
	OpHeadOverall   = "head_overall"
	OpDeleteOverall = "delete_overall"
	OpGetBackend    = "get_backend"
	OpPutBackend    = "put_backend"
	OpHeadBackend   = "head_backend"
	OpDeleteBackend = "delete_backend"
)

// RequestSummary pairs one HTTP verb's end-to-end latency with the
// backend round-trip it depended on, so a shutdown log line can show how
// much of a request's time was spent waiting on the remote store.
type RequestSummary struct {
	Verb    string
	Overall Stats
	Backend Stats
}

var requestOperations = []struct {
	verb, overall, backend string
}{
	{"GET", OpGetOverall, OpGetBackend},
	{"PUT", OpPutOverall, OpPutBackend},
	{"HEAD", OpHeadOverall, OpHeadBackend},
	{"DELETE", OpDeleteOverall, OpDeleteBackend},
}

// RequestSummaries returns a RequestSummary per HTTP verb the proxy
// served during this run, in GET/PUT/HEAD/DELETE order, skipping verbs
// with no recorded samples.
func (lt *LatencyTracker) RequestSummaries() []RequestSummary {
	var out []RequestSummary
	for _, op := range requestOperations {
		overall, err := lt.GetStats(op.overall)
		if err != nil || overall.Count == 0 {
			continue
		}
		backend, _ := lt.GetStats(op.backend)
		out = append(out, RequestSummary{Verb: op.verb, Overall: overall, Backend: backend})
	}
	return out
}
