// Package remote – Prometheus metrics for the remote store client.
//
// Metrics tracks operational counters for the HTTP client. All fields are
// updated atomically so they can be read concurrently from an HTTP handler
// without holding any additional lock.
//
// Handler returns an [net/http.Handler] that serves the registered metrics in
// the standard Prometheus text exposition format on every GET request. Wire
// it into the operator mux at /metrics:
//
//	m := remote.NewMetrics()
//	mux.Handle("/metrics", m.Handler())
//
// # Metric catalogue
//
//	remote_upserts_total            – counter: single-record upserts attempted
//	remote_upsert_errors_total      – counter: single-record upserts that failed
//	remote_batch_upserts_total      – counter: batch upserts attempted
//	remote_batch_upsert_errors_total – counter: batch upserts that failed
//	remote_records_written_total    – counter: records accepted by the store
//	remote_rate_limited_total       – counter: 429 responses received
//	remote_health_checks_total      – counter: health probes attempted
//	remote_health_check_errors_total – counter: health probes that failed
//	remote_reachable                – gauge:   1 when the last call succeeded
package remote

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds all Prometheus counters and gauges for the remote client.
// The zero value is ready to use; all counters start at zero.
type Metrics struct {
	// Counters
	Upserts           atomic.Int64
	UpsertErrors      atomic.Int64
	BatchUpserts      atomic.Int64
	BatchUpsertErrors atomic.Int64
	RecordsWritten    atomic.Int64
	RateLimited       atomic.Int64
	HealthChecks      atomic.Int64
	HealthCheckErrors atomic.Int64

	// Gauge (0 or 1)
	Reachable atomic.Int64
}

// NewMetrics allocates a new [Metrics] value with all counters at zero.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// metricLine is a single Prometheus metric family descriptor plus its current value.
type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

// snapshot captures the current values of all metrics in a consistent order.
func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{
			help:  "Total number of single-record upserts attempted against the remote store.",
			kind:  "counter",
			name:  "remote_upserts_total",
			value: m.Upserts.Load(),
		},
		{
			help:  "Total number of single-record upserts that failed.",
			kind:  "counter",
			name:  "remote_upsert_errors_total",
			value: m.UpsertErrors.Load(),
		},
		{
			help:  "Total number of batch upserts attempted against the remote store.",
			kind:  "counter",
			name:  "remote_batch_upserts_total",
			value: m.BatchUpserts.Load(),
		},
		{
			help:  "Total number of batch upserts that failed.",
			kind:  "counter",
			name:  "remote_batch_upsert_errors_total",
			value: m.BatchUpsertErrors.Load(),
		},
		{
			help:  "Total number of records accepted by the remote store.",
			kind:  "counter",
			name:  "remote_records_written_total",
			value: m.RecordsWritten.Load(),
		},
		{
			help:  "Total number of HTTP 429 responses received from the remote store.",
			kind:  "counter",
			name:  "remote_rate_limited_total",
			value: m.RateLimited.Load(),
		},
		{
			help:  "Total number of remote health probes attempted.",
			kind:  "counter",
			name:  "remote_health_checks_total",
			value: m.HealthChecks.Load(),
		},
		{
			help:  "Total number of remote health probes that failed.",
			kind:  "counter",
			name:  "remote_health_check_errors_total",
			value: m.HealthCheckErrors.Load(),
		},
		{
			help:  "1 when the most recent remote call succeeded, 0 otherwise.",
			kind:  "gauge",
			name:  "remote_reachable",
			value: m.Reachable.Load(),
		},
	}
}

// Handler returns an [http.Handler] that writes all remote metrics in the
// Prometheus text exposition format on every GET request.
//
// The content type is set to "text/plain; version=0.0.4" as required by
// the Prometheus specification so that a vanilla Prometheus scraper will
// parse the output correctly.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format.
func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
