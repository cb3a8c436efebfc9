package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iceingest_requests_total",
		Help: "Total number of ingest requests by transport and outcome kind.",
	}, []string{"transport", "outcome"})

	RowsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iceingest_rows_ingested_total",
		Help: "Total number of rows committed, by table.",
	}, []string{"table"})

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "iceingest_ingest_duration_seconds",
		Help:    "End-to-end duration of the ingest pipeline.",
		Buckets: prometheus.DefBuckets,
	})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iceingest_decode_errors_total",
		Help: "Total number of rejected request bodies by decode error kind.",
	}, []string{"kind"})

	TablesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iceingest_tables_created_total",
		Help: "Total number of tables created by the reconciler.",
	})

	NamespacesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iceingest_namespaces_created_total",
		Help: "Total number of namespaces created by the reconciler.",
	})

	CommitAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iceingest_commit_attempts_total",
		Help: "Total number of snapshot commit attempts by result (ok, conflict, error).",
	}, []string{"result"})

	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "iceingest_commit_duration_seconds",
		Help:    "Duration of the commit step including retries.",
		Buckets: prometheus.DefBuckets,
	})

	DataFilesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iceingest_data_files_written_total",
		Help: "Total number of Parquet data files written.",
	})

	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iceingest_bytes_written_total",
		Help: "Total bytes of Parquet data written.",
	})

	OrphansDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iceingest_orphan_files_deleted_total",
		Help: "Total number of data and manifest files removed after a failed commit.",
	})

	CatalogRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iceingest_catalog_request_duration_seconds",
		Help:    "Duration of catalog requests by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iceingest_rate_limited_total",
		Help: "Total number of ingest requests rejected by the rate limiter.",
	}, []string{"transport"})

	FlightStreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iceingest_flight_streams_active",
		Help: "Number of in-flight Arrow Flight DoPut streams.",
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "iceingest_circuit_breaker_state",
		Help: "Circuit breaker state by name (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	CircuitBreakerRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iceingest_circuit_breaker_rejected_total",
		Help: "Total number of calls refused while a circuit breaker was open.",
	}, []string{"name"})

	PanicsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iceingest_panics_recovered_total",
		Help: "Total number of panics recovered by component.",
	}, []string{"component"})
)
