package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

// WorkerMetrics covers the worker process: per-document ingest outcomes and
// job run state transitions.
type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	documentsTotal   *prometheus.CounterVec
	documentDuration *prometheus.HistogramVec
	classifierTotal  *prometheus.CounterVec
	chunksTotal      *prometheus.CounterVec
	jobRunsTotal     *prometheus.CounterVec
	deadJobsTotal    *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	documentsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lexrag",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Ingested documents by outcome and skip reason.",
		},
		[]string{"service", "outcome", "reason", "jurisdiction"},
	)
	documentDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lexrag",
			Subsystem: "ingest",
			Name:      "document_duration_seconds",
			Help:      "Per-document pipeline duration in seconds by outcome.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"service", "outcome"},
	)
	classifierTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lexrag",
			Subsystem: "ingest",
			Name:      "classifications_total",
			Help:      "Relevance decisions by method and fallback use.",
		},
		[]string{"service", "method", "fallback"},
	)
	chunksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lexrag",
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Chunks written to the vector index.",
		},
		[]string{"service", "jurisdiction"},
	)
	jobRunsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lexrag",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Job run state transitions.",
		},
		[]string{"service", "job", "state"},
	)
	deadJobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lexrag",
			Subsystem: "jobs",
			Name:      "dead_total",
			Help:      "Job runs that exhausted their retry budget.",
		},
		[]string{"service", "job"},
	)

	registry.MustRegister(documentsTotal, documentDuration, classifierTotal, chunksTotal, jobRunsTotal, deadJobsTotal)

	return &WorkerMetrics{
		registry:         registry,
		service:          service,
		documentsTotal:   documentsTotal,
		documentDuration: documentDuration,
		classifierTotal:  classifierTotal,
		chunksTotal:      chunksTotal,
		jobRunsTotal:     jobRunsTotal,
		deadJobsTotal:    deadJobsTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) ObserveIngest(outcome domain.IngestOutcome, elapsed time.Duration) {
	jurisdiction := outcome.Jurisdiction
	if jurisdiction == "" {
		jurisdiction = "unknown"
	}
	m.documentsTotal.WithLabelValues(m.service, string(outcome.Status), string(outcome.Reason), jurisdiction).Inc()
	m.documentDuration.WithLabelValues(m.service, string(outcome.Status)).Observe(elapsed.Seconds())
	if outcome.Classification.Method != "" {
		fallback := "false"
		if outcome.Classification.Fallback {
			fallback = "true"
		}
		m.classifierTotal.WithLabelValues(m.service, string(outcome.Classification.Method), fallback).Inc()
	}
	if outcome.Chunks > 0 && outcome.Status == domain.IngestIndexed {
		m.chunksTotal.WithLabelValues(m.service, jurisdiction).Add(float64(outcome.Chunks))
	}
}

func (m *WorkerMetrics) ObserveJobState(jobName string, state domain.JobState) {
	m.jobRunsTotal.WithLabelValues(m.service, jobName, string(state)).Inc()
	if state == domain.JobDead {
		m.deadJobsTotal.WithLabelValues(m.service, jobName).Inc()
	}
}
