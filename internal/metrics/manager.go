// Package metrics keeps process-local operational metrics. Each metric is
// addressed by a dotted path built from a topic and a name, and is created
// on first use; providers, the fallback engine, and the tool dispatcher
// record into them through the Metric* helpers in export.go (designed for
// dot-import).
package metrics

import (
	"runtime"
	"strings"
	"sync"
	"time"
)

// MetricsManager is the process-wide metric store. Recording never fails
// and never blocks on I/O.
type MetricsManager struct {
	mu      sync.RWMutex
	metrics map[string]metric
}

var (
	instance *MetricsManager
	once     sync.Once
)

// GetInstance returns the singleton manager.
func GetInstance() *MetricsManager {
	once.Do(func() {
		instance = &MetricsManager{metrics: make(map[string]metric)}
	})
	return instance
}

func joinPath(topic, name string) string {
	if topic == "" {
		return name
	}
	return topic + "." + name
}

// obtain returns the metric at path, creating it with fresh on first use.
// A path that already holds a different kind fails the caller's type
// assertion and the sample is dropped.
func (m *MetricsManager) obtain(path string, fresh func() metric) metric {
	m.mu.RLock()
	got, ok := m.metrics[path]
	m.mu.RUnlock()
	if ok {
		return got
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.metrics[path]; ok {
		return existing
	}
	created := fresh()
	m.metrics[path] = created
	return created
}

// RecordDuration feeds one elapsed time into a timing metric.
func (m *MetricsManager) RecordDuration(topic, name string, d time.Duration) {
	got := m.obtain(joinPath(topic, name), func() metric { return &TimingMetric{} })
	if t, ok := got.(*TimingMetric); ok {
		t.record(d)
	}
}

// RecordHit counts a cache hit.
func (m *MetricsManager) RecordHit(topic, name string) {
	m.recordHitMiss(topic, name, true)
}

// RecordMiss counts a cache miss.
func (m *MetricsManager) RecordMiss(topic, name string) {
	m.recordHitMiss(topic, name, false)
}

func (m *MetricsManager) recordHitMiss(topic, name string, hit bool) {
	got := m.obtain(joinPath(topic, name), func() metric { return &HitMissMetric{} })
	if h, ok := got.(*HitMissMetric); ok {
		h.record(hit)
	}
}

// IncrementCounter adds one to a counter.
func (m *MetricsManager) IncrementCounter(topic, name string) {
	m.AddCounter(topic, name, 1)
}

// AddCounter adds delta to a counter.
func (m *MetricsManager) AddCounter(topic, name string, delta int64) {
	got := m.obtain(joinPath(topic, name), func() metric { return &CounterMetric{} })
	if c, ok := got.(*CounterMetric); ok {
		c.add(delta)
	}
}

// SetGauge records the current value of a gauge.
func (m *MetricsManager) SetGauge(topic, name string, value int64) {
	got := m.obtain(joinPath(topic, name), func() metric { return &GaugeMetric{} })
	if g, ok := got.(*GaugeMetric); ok {
		g.update(value)
	}
}

// RecordSuccess counts a successful operation.
func (m *MetricsManager) RecordSuccess(topic, name string) {
	m.recordResult(topic, name, true, "")
}

// RecordFailure counts a failed operation. The reason may be empty.
func (m *MetricsManager) RecordFailure(topic, name, reason string) {
	m.recordResult(topic, name, false, reason)
}

func (m *MetricsManager) recordResult(topic, name string, success bool, reason string) {
	got := m.obtain(joinPath(topic, name), func() metric { return &SuccessFailMetric{} })
	if s, ok := got.(*SuccessFailMetric); ok {
		s.record(success, reason)
	}
}

// RecordOutcome counts one named outcome of an operation.
func (m *MetricsManager) RecordOutcome(topic, name, outcome string) {
	got := m.obtain(joinPath(topic, name), func() metric { return &OutcomeMetric{} })
	if o, ok := got.(*OutcomeMetric); ok {
		o.record(outcome)
	}
}

// RecordThreshold checks value against threshold and counts violations.
func (m *MetricsManager) RecordThreshold(topic, name string, value, threshold float64) {
	got := m.obtain(joinPath(topic, name), func() metric { return &ThresholdMetric{} })
	if t, ok := got.(*ThresholdMetric); ok {
		t.check(value, threshold)
	}
}

// GetSnapshot returns a point-in-time view of every metric, keyed by path.
func (m *MetricsManager) GetSnapshot() map[string]*MetricSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*MetricSnapshot, len(m.metrics))
	for path, met := range m.metrics {
		out[path] = &MetricSnapshot{Path: path, Type: met.metricType(), Data: met.snapshot()}
	}
	return out
}

// GetCaller walks the stack for the nearest frame outside this package's
// helpers and returns a short name for use in metric paths.
func GetCaller() string {
	for skip := 2; skip < 10; skip++ {
		pc, _, _, ok := runtime.Caller(skip)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			break
		}
		name := fn.Name()
		if strings.Contains(name, "internal/metrics.Metric") {
			continue
		}
		return shortFuncName(name)
	}
	return "unknown"
}

// shortFuncName reduces a runtime symbol such as
// "github.com/loopworks/relay/internal/gateway.(*Gateway).Speak.func2"
// to "Gateway.Speak".
func shortFuncName(full string) string {
	name := full
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "."); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, ".func"); i >= 0 {
		name = name[:i]
	}
	name = strings.TrimSuffix(name, "-fm")
	name = strings.NewReplacer("(", "", ")", "", "*", "").Replace(name)
	if name == "" {
		return "unknown"
	}
	return name
}
