// Package metrics provides Prometheus metrics for ingestion and queries.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Row outcomes counted per source.
const (
	OutcomeSeen      = "seen"
	OutcomeInserted  = "inserted"
	OutcomeUpdated   = "updated"
	OutcomeSkipped   = "skipped"
	OutcomeDuplicate = "duplicate"
)

// Metrics holds the collectors. A nil *Metrics is valid and records
// nothing, so library callers need not wire a registry.
type Metrics struct {
	rowsTotal     *prometheus.CounterVec
	fileDuration  *prometheus.HistogramVec
	filesTotal    *prometheus.CounterVec
	queryTotal    *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdr_ingest_rows_total",
			Help: "Rows processed by ingestion, by source and outcome",
		}, []string{"source", "outcome"}),
		fileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdr_ingest_file_seconds",
			Help:    "Time taken to ingest one file",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"source"}),
		filesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdr_ingest_files_total",
			Help: "Files ingested, by source and status",
		}, []string{"source", "status"}),
		queryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cdr_query_total",
			Help: "Correlation queries executed",
		}, []string{"query", "status"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cdr_query_seconds",
			Help:    "Correlation query latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"query"}),
	}
	for _, c := range []prometheus.Collector{m.rowsTotal, m.fileDuration, m.filesTotal, m.queryTotal, m.queryDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Rows adds n rows with the given outcome.
func (m *Metrics) Rows(source, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsTotal.WithLabelValues(source, outcome).Add(float64(n))
}

// File records one finished file.
func (m *Metrics) File(source string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.fileDuration.WithLabelValues(source).Observe(took.Seconds())
	m.filesTotal.WithLabelValues(source, status(err)).Inc()
}

// Query records one correlation query.
func (m *Metrics) Query(name string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(name).Observe(took.Seconds())
	m.queryTotal.WithLabelValues(name, status(err)).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
