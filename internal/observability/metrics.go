package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// CycleMetricsSnapshot captures sequencer-focused runtime counters.
type CycleMetricsSnapshot struct {
	CyclesRun      map[string]int64 `json:"cycles_run"`
	TradesMatched  map[string]int64 `json:"trades_matched"`
	MatchFaults    map[string]int64 `json:"match_faults"`
	QueueDepth     map[string]int   `json:"queue_depth"`
	ClaimConflicts map[string]int64 `json:"claim_conflicts"`
}

// CycleMetrics accumulates sequencer metrics in-memory for periodic export
// and for the /metrics/cycles debug surface.
type CycleMetrics struct {
	mu       sync.Mutex
	snapshot CycleMetricsSnapshot
}

// NewCycleMetrics constructs a metrics accumulator with empty maps.
func NewCycleMetrics() *CycleMetrics {
	m := new(CycleMetrics)
	m.snapshot = CycleMetricsSnapshot{
		CyclesRun:      make(map[string]int64),
		TradesMatched:  make(map[string]int64),
		MatchFaults:    make(map[string]int64),
		QueueDepth:     make(map[string]int),
		ClaimConflicts: make(map[string]int64),
	}
	return m
}

// RecordCycle tracks a completed cycle and its matched trade count.
func (m *CycleMetrics) RecordCycle(market string, trades int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.CyclesRun[market]++
	m.snapshot.TradesMatched[market] += int64(trades)
}

// RecordFault increments the match-fault counter for a market.
func (m *CycleMetrics) RecordFault(market string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.MatchFaults[market]++
}

// RecordClaimConflict increments the cooperative-skip counter for a market.
func (m *CycleMetrics) RecordClaimConflict(market string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.ClaimConflicts[market]++
}

// RecordQueueDepth tracks the latest observed queue depth for a market.
func (m *CycleMetrics) RecordQueueDepth(market string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.QueueDepth[market] = depth
}

// Snapshot copies the current sequencer metrics state for reporting.
func (m *CycleMetrics) Snapshot() CycleMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := CycleMetricsSnapshot{
		CyclesRun:      make(map[string]int64, len(m.snapshot.CyclesRun)),
		TradesMatched:  make(map[string]int64, len(m.snapshot.TradesMatched)),
		MatchFaults:    make(map[string]int64, len(m.snapshot.MatchFaults)),
		QueueDepth:     make(map[string]int, len(m.snapshot.QueueDepth)),
		ClaimConflicts: make(map[string]int64, len(m.snapshot.ClaimConflicts)),
	}
	for k, v := range m.snapshot.CyclesRun {
		out.CyclesRun[k] = v
	}
	for k, v := range m.snapshot.TradesMatched {
		out.TradesMatched[k] = v
	}
	for k, v := range m.snapshot.MatchFaults {
		out.MatchFaults[k] = v
	}
	for k, v := range m.snapshot.QueueDepth {
		out.QueueDepth[k] = v
	}
	for k, v := range m.snapshot.ClaimConflicts {
		out.ClaimConflicts[k] = v
	}
	return out
}
