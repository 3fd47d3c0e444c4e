package mermaidetl

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/xerrors"
)

const instrumentationName = "github.com/reefwatch/mermaidetl"

type tracer = trace.Tracer

func newTracer() tracer {
	return otel.Tracer(instrumentationName)
}

// metrics are registered on a registry owned by one Pipeline.
type metrics struct {
	registry *prometheus.Registry

	extracted    *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	coercionWarn *prometheus.CounterVec
	loaded       *prometheus.CounterVec
	batches      *prometheus.CounterVec
	fetchRetries *prometheus.CounterVec
	writeRetries *prometheus.CounterVec
	units        *prometheus.CounterVec
	unitDuration *prometheus.HistogramVec
	lastRun      *prometheus.GaugeVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	survey := []string{"survey"}
	m := &metrics{
		registry: reg,
		extracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mermaid_etl", Name: "records_extracted_total",
			Help: "Raw records yielded by the survey extractor.",
		}, survey),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mermaid_etl", Name: "records_skipped_total",
			Help: "Records dropped because their natural key could not be coerced.",
		}, survey),
		coercionWarn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mermaid_etl", Name: "coercion_warnings_total",
			Help: "Fields loaded as NULL because their value could not be coerced.",
		}, survey),
		loaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mermaid_etl", Name: "rows_loaded_total",
			Help: "Rows written by the bulk loader.",
		}, survey),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mermaid_etl", Name: "batches_committed_total",
			Help: "Batch transactions committed.",
		}, survey),
		fetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mermaid_etl", Name: "fetch_retries_total",
			Help: "API requests retried after a transient failure.",
		}, []string{"endpoint"}),
		writeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mermaid_etl", Name: "write_retries_total",
			Help: "Batch writes retried after a failed transaction.",
		}, []string{"table"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mermaid_etl", Name: "units_total",
			Help: "Extraction units by outcome.",
		}, []string{"survey", "outcome"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mermaid_etl", Name: "unit_duration_seconds",
			Help:    "Wall-clock time of one extraction unit.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, survey),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mermaid_etl", Name: "last_run_timestamp_seconds",
			Help: "Unix time the last run finished, by status.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.extracted, m.skipped, m.coercionWarn, m.loaded, m.batches,
		m.fetchRetries, m.writeRetries, m.units, m.unitDuration, m.lastRun,
	)

	return m
}

// push sends the registry to a Prometheus Pushgateway.
func (m *metrics) push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return xerrors.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
