// Package metrics provides Prometheus metrics for the nspirelink bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device operation metrics
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nspirelink_operations_total",
			Help: "Total number of device operations",
		},
		[]string{"op", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nspirelink_operation_duration_seconds",
			Help:    "Device operation round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Transfer metrics
	transferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nspirelink_transfer_bytes_total",
			Help: "Total bytes transferred to or from devices",
		},
		[]string{"direction"},
	)

	progressNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nspirelink_progress_notifications_total",
			Help: "Progress notifications posted to callers",
		},
		[]string{"result"},
	)

	// Session metrics
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nspirelink_sessions_active",
			Help: "Number of open device sessions",
		},
	)

	sessionOpenFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nspirelink_session_open_failures_total",
			Help: "Device open attempts that failed",
		},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nspirelink_connections_active",
			Help: "Number of connected boundary clients",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperation records one device operation.
func RecordOperation(op string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	operationsTotal.WithLabelValues(op, status).Inc()
	operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordUpload records bytes sent to a device.
func RecordUpload(n int) {
	transferBytes.WithLabelValues("upload").Add(float64(n))
}

// RecordDownload records bytes received from a device.
func RecordDownload(n int) {
	transferBytes.WithLabelValues("download").Add(float64(n))
}

// RecordProgress records a posted or dropped progress notification.
func RecordProgress(delivered bool) {
	if delivered {
		progressNotifications.WithLabelValues("sent").Inc()
	} else {
		progressNotifications.WithLabelValues("dropped").Inc()
	}
}

// SessionOpened increments the active session gauge.
func SessionOpened() {
	sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func SessionClosed() {
	sessionsActive.Dec()
}

// RecordOpenFailure counts a failed device open.
func RecordOpenFailure() {
	sessionOpenFailures.Inc()
}

// ConnectionOpened increments the active connection gauge.
func ConnectionOpened() {
	connectionsActive.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func ConnectionClosed() {
	connectionsActive.Dec()
}
