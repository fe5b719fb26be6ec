package audit

import (
	"context"
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertCounterRegression AlertType = "counter_regression"
)

// Alert describes an anomaly seen in the audit stream.
type Alert struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Actor     string    `json:"actor,omitempty"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is invoked synchronously when an anomaly is detected.
type AlertFunc func(Alert)

const (
	DefaultSpikeWindow    = time.Minute
	DefaultSpikeThreshold = 50
)

// SpikeDetector is a Sink that watches login failures over a sliding window
// and raises an alert once they reach the threshold. A passkey signature
// counter regression alerts immediately.
type SpikeDetector struct {
	mu        sync.Mutex
	failures  []time.Time
	window    time.Duration
	threshold int
	alert     AlertFunc
	now       func() time.Time
}

// NewSpikeDetector returns a detector. Non-positive window or threshold
// select the defaults.
func NewSpikeDetector(window time.Duration, threshold int, alert AlertFunc) *SpikeDetector {
	if window <= 0 {
		window = DefaultSpikeWindow
	}
	if threshold <= 0 {
		threshold = DefaultSpikeThreshold
	}
	return &SpikeDetector{window: window, threshold: threshold, alert: alert, now: time.Now}
}

func (d *SpikeDetector) Write(_ context.Context, rec Record) error {
	if d.alert == nil || rec.Action != ActionLogin || rec.Status != StatusFailure {
		return nil
	}
	now := d.now()
	if rec.Metadata["reason"] == "counter_regression" {
		d.alert(Alert{
			Type:      AlertCounterRegression,
			Message:   "passkey signature counter did not increase; authenticator may be cloned",
			Actor:     rec.Actor,
			Count:     1,
			Threshold: 1,
			Timestamp: now,
		})
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, now)
	d.failures = trimWindow(d.failures, now, d.window)
	if len(d.failures) >= d.threshold {
		d.alert(Alert{
			Type:      AlertLoginFailureSpike,
			Message:   "login failure rate exceeds threshold",
			Count:     len(d.failures),
			Threshold: d.threshold,
			Timestamp: now,
		})
		// Reset so one spike yields one alert.
		d.failures = d.failures[:0]
	}
	return nil
}

// trimWindow drops entries older than now-window from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
