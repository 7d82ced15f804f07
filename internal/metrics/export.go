package metrics

import (
	"time"
)

// Dot-import helpers for one-line metric calls.

// MetricStartAuto begins timing and names the metric after the calling
// function. The returned func stops the clock and records the duration.
func MetricStartAuto(topic string) func() {
	name := GetCaller()
	started := time.Now()
	return func() {
		GetInstance().RecordDuration(topic, name, time.Since(started))
	}
}

// MetricDuration records an elapsed time measured by the caller.
func MetricDuration(topic, name string, d time.Duration) {
	GetInstance().RecordDuration(topic, name, d)
}

// MetricHit records a cache hit.
func MetricHit(topic, name string) {
	GetInstance().RecordHit(topic, name)
}

// MetricMiss records a cache miss.
func MetricMiss(topic, name string) {
	GetInstance().RecordMiss(topic, name)
}

// MetricInc increments a counter by one.
func MetricInc(topic, name string) {
	GetInstance().IncrementCounter(topic, name)
}

// MetricAdd adds delta to a counter.
func MetricAdd(topic, name string, delta int64) {
	GetInstance().AddCounter(topic, name, delta)
}

// MetricSet records the current value of a gauge.
func MetricSet(topic, name string, value int64) {
	GetInstance().SetGauge(topic, name, value)
}

// MetricSuccess records a successful operation.
func MetricSuccess(topic, name string) {
	GetInstance().RecordSuccess(topic, name)
}

// MetricFail records a failed operation with no particular reason.
func MetricFail(topic, name string) {
	GetInstance().RecordFailure(topic, name, "")
}

// MetricFailWithReason records a failed operation and tallies the reason.
func MetricFailWithReason(topic, name, reason string) {
	GetInstance().RecordFailure(topic, name, reason)
}

// MetricOutcome counts one named outcome of an operation.
func MetricOutcome(topic, name, outcome string) {
	GetInstance().RecordOutcome(topic, name, outcome)
}

// MetricThreshold checks value against threshold and counts violations.
func MetricThreshold(topic, name string, value, threshold float64) {
	GetInstance().RecordThreshold(topic, name, value, threshold)
}
