package metrics

import (
	"sort"
	"sync"
	"time"
)

// MetricType tags what kind of measurement a path holds.
type MetricType string

const (
	TypeTiming      MetricType = "timing"
	TypeHitMiss     MetricType = "hit_miss"
	TypeCounter     MetricType = "counter"
	TypeGauge       MetricType = "gauge"
	TypeSuccessFail MetricType = "success_fail"
	TypeOutcome     MetricType = "outcome"
	TypeThreshold   MetricType = "threshold"
)

// metric is implemented by every kind. snapshot returns the value placed in
// MetricSnapshot.Data, so it must be JSON-serializable.
type metric interface {
	metricType() MetricType
	snapshot() any
}

// timingSampleCap bounds the per-metric ring buffer used for percentiles.
const timingSampleCap = 1000

// recentWindowSize is how many of the most recent operations feed the
// short-term success rate.
const recentWindowSize = 100

// MetricSnapshot is a point-in-time view of one metric.
type MetricSnapshot struct {
	Path string     `json:"path"`
	Type MetricType `json:"type"`
	Data any        `json:"data"`
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// TimingMetric records durations and keeps a sample ring for percentiles.
type TimingMetric struct {
	mu      sync.Mutex
	count   int64
	total   time.Duration
	min     time.Duration
	max     time.Duration
	last    time.Duration
	samples []time.Duration
	next    int
}

type TimingSnapshot struct {
	Count  int64   `json:"count"`
	AvgMs  float64 `json:"avg_ms"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	LastMs float64 `json:"last_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

func (t *TimingMetric) metricType() MetricType { return TypeTiming }

func (t *TimingMetric) record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	t.total += d
	t.last = d
	if t.count == 1 || d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	if len(t.samples) < timingSampleCap {
		t.samples = append(t.samples, d)
		return
	}
	t.samples[t.next] = d
	t.next = (t.next + 1) % timingSampleCap
}

func (t *TimingMetric) snapshot() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := &TimingSnapshot{
		Count:  t.count,
		MinMs:  ms(t.min),
		MaxMs:  ms(t.max),
		LastMs: ms(t.last),
	}
	if t.count > 0 {
		snap.AvgMs = ms(t.total) / float64(t.count)
	}
	snap.P95Ms, snap.P99Ms = t.percentiles()
	return snap
}

// percentiles sorts a copy of the sample ring. Caller holds the lock.
func (t *TimingMetric) percentiles() (p95, p99 float64) {
	if len(t.samples) == 0 {
		return 0, 0
	}
	sorted := make([]time.Duration, len(t.samples))
	copy(sorted, t.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := func(pct float64) float64 {
		idx := int(float64(len(sorted)) * pct)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return ms(sorted[idx])
	}
	return rank(0.95), rank(0.99)
}

// HitMissMetric tracks cache-style hit ratios.
type HitMissMetric struct {
	mu     sync.Mutex
	hits   int64
	misses int64
}

type HitMissSnapshot struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

func (h *HitMissMetric) metricType() MetricType { return TypeHitMiss }

func (h *HitMissMetric) record(hit bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hit {
		h.hits++
	} else {
		h.misses++
	}
}

func (h *HitMissMetric) snapshot() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := &HitMissSnapshot{Hits: h.hits, Misses: h.misses}
	if total := h.hits + h.misses; total > 0 {
		snap.HitRate = float64(h.hits) / float64(total) * 100
	}
	return snap
}

// CounterMetric accumulates deltas.
type CounterMetric struct {
	mu    sync.Mutex
	value int64
}

type CounterSnapshot struct {
	Value int64 `json:"value"`
}

func (c *CounterMetric) metricType() MetricType { return TypeCounter }

func (c *CounterMetric) add(delta int64) {
	c.mu.Lock()
	c.value += delta
	c.mu.Unlock()
}

func (c *CounterMetric) snapshot() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &CounterSnapshot{Value: c.value}
}

// GaugeMetric holds the latest value of something that moves both ways,
// plus the extremes seen so far.
type GaugeMetric struct {
	mu    sync.Mutex
	value int64
	min   int64
	max   int64
	seen  bool
}

type GaugeSnapshot struct {
	Value int64 `json:"value"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

func (g *GaugeMetric) metricType() MetricType { return TypeGauge }

func (g *GaugeMetric) update(v int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = v
	if !g.seen {
		g.min, g.max = v, v
		g.seen = true
		return
	}
	if v < g.min {
		g.min = v
	}
	if v > g.max {
		g.max = v
	}
}

func (g *GaugeMetric) snapshot() any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &GaugeSnapshot{Value: g.value, Min: g.min, Max: g.max}
}

// SuccessFailMetric counts operation results, tallies failure reasons and
// keeps a sliding window for the recent rate.
type SuccessFailMetric struct {
	mu       sync.Mutex
	success  int64
	failures int64
	reasons  map[string]int64
	window   [recentWindowSize]bool
	next     int
	filled   int
}

type SuccessFailSnapshot struct {
	Success        int64            `json:"success"`
	Failures       int64            `json:"failures"`
	SuccessRate    float64          `json:"success_rate"`
	RecentRate     float64          `json:"recent_rate"`
	FailureReasons map[string]int64 `json:"failure_reasons,omitempty"`
}

func (s *SuccessFailMetric) metricType() MetricType { return TypeSuccessFail }

func (s *SuccessFailMetric) record(ok bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.success++
	} else {
		s.failures++
		if reason != "" {
			if s.reasons == nil {
				s.reasons = make(map[string]int64)
			}
			s.reasons[reason]++
		}
	}
	s.window[s.next] = ok
	s.next = (s.next + 1) % recentWindowSize
	if s.filled < recentWindowSize {
		s.filled++
	}
}

func (s *SuccessFailMetric) snapshot() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &SuccessFailSnapshot{Success: s.success, Failures: s.failures}
	if total := s.success + s.failures; total > 0 {
		snap.SuccessRate = float64(s.success) / float64(total) * 100
	}
	if s.filled > 0 {
		recent := 0
		for i := 0; i < s.filled; i++ {
			if s.window[i] {
				recent++
			}
		}
		snap.RecentRate = float64(recent) / float64(s.filled) * 100
	}
	if len(s.reasons) > 0 {
		snap.FailureReasons = make(map[string]int64, len(s.reasons))
		for k, v := range s.reasons {
			snap.FailureReasons[k] = v
		}
	}
	return snap
}

// OutcomeMetric counts named results of an operation with more than two
// possible endings.
type OutcomeMetric struct {
	mu       sync.Mutex
	outcomes map[string]int64
	total    int64
}

type OutcomeSnapshot struct {
	Outcomes map[string]int64 `json:"outcomes"`
	Total    int64            `json:"total"`
}

func (o *OutcomeMetric) metricType() MetricType { return TypeOutcome }

func (o *OutcomeMetric) record(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int64)
	}
	o.outcomes[outcome]++
	o.total++
}

func (o *OutcomeMetric) snapshot() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := &OutcomeSnapshot{Total: o.total, Outcomes: make(map[string]int64, len(o.outcomes))}
	for k, v := range o.outcomes {
		snap.Outcomes[k] = v
	}
	return snap
}

// ThresholdMetric checks observed values against a limit and counts
// violations.
type ThresholdMetric struct {
	mu        sync.Mutex
	value     float64
	threshold float64
	exceeded  bool
	exceeds   int64
	checks    int64
}

type ThresholdSnapshot struct {
	Value       float64 `json:"value"`
	Threshold   float64 `json:"threshold"`
	IsExceeded  bool    `json:"is_exceeded"`
	ExceedCount int64   `json:"exceed_count"`
	TotalChecks int64   `json:"total_checks"`
	ExceedRate  float64 `json:"exceed_rate"`
}

func (t *ThresholdMetric) metricType() MetricType { return TypeThreshold }

func (t *ThresholdMetric) check(value, threshold float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.value = value
	t.threshold = threshold
	t.exceeded = value > threshold
	t.checks++
	if t.exceeded {
		t.exceeds++
	}
}

func (t *ThresholdMetric) snapshot() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := &ThresholdSnapshot{
		Value:       t.value,
		Threshold:   t.threshold,
		IsExceeded:  t.exceeded,
		ExceedCount: t.exceeds,
		TotalChecks: t.checks,
	}
	if t.checks > 0 {
		snap.ExceedRate = float64(t.exceeds) / float64(t.checks) * 100
	}
	return snap
}
