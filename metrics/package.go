// Package metrics provides easy methods to send metrics
package metrics

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

// Mark increases the meter metric with the given name by 1
func Mark(name string) {
	metrics.GetOrRegisterMeter(name, metrics.DefaultRegistry).Mark(1)
}

// Gauge sets a gauge metric to a given value
func Gauge(name string, value int64) {
	metrics.GetOrRegisterGauge(name, metrics.DefaultRegistry).Update(value)
}

// TimeSince updates a timer metric with the duration since the given
// timestamp
func TimeSince(name string, since time.Time) {
	metrics.GetOrRegisterTimer(name, metrics.DefaultRegistry).UpdateSince(since)
}
