// Package promexport records tree service operation outcomes as Prometheus
// metrics.
package promexport

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"canopy/internal/core"
)

// Recorder implements core.MetricsRecorder on Prometheus collectors.
type Recorder struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

var _ core.MetricsRecorder = (*Recorder)(nil)

// NewRecorder builds the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canopy",
			Subsystem: "tree",
			Name:      "operations_total",
			Help:      "Tree service operations by name and outcome.",
		}, []string{"operation", "success"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "canopy",
			Subsystem: "tree",
			Name:      "operation_duration_seconds",
			Help:      "Tree service operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{r.operations, r.durations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	r.operations.WithLabelValues(operation, strconv.FormatBool(success)).Inc()
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
}
