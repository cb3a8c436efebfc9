// Package iceingest turns Arrow IPC streams into Iceberg table snapshots.
//
// A Pipeline decodes the stream, maps its schema, makes sure the target
// namespace and table exist and commits the batch as a new snapshot. It is
// the primary entry point for using iceingest as a library; the HTTP and
// Arrow Flight transports are thin wrappers around Pipeline.Ingest.
package iceingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/florinutz/iceingest/batch"
	"github.com/florinutz/iceingest/health"
	"github.com/florinutz/iceingest/iceberg"
	"github.com/florinutz/iceingest/ingesterr"
	"github.com/florinutz/iceingest/internal/circuitbreaker"
	"github.com/florinutz/iceingest/metrics"
)

// DefaultNamespace is used when a request names no namespace.
const DefaultNamespace = "default"

// DefaultCommitTimeout bounds the commit step of one ingest.
const DefaultCommitTimeout = 2 * time.Minute

// Health component names reported by the pipeline.
const (
	ComponentCatalog = "catalog"
	ComponentStorage = "storage"
)

// Result describes one successful ingest.
type Result struct {
	Namespace    string
	Table        string
	RowsIngested uint64
	Created      bool
	SnapshotID   int64
}

// Pipeline wires decoder, schema mapper, reconciler and committer. It is
// safe for concurrent use; the catalog and storage it holds are shared by
// every request.
type Pipeline struct {
	catalog   iceberg.Catalog
	storage   iceberg.Storage
	writer    iceberg.DataFileWriter
	committer *iceberg.Committer

	warehouse     string
	policy        iceberg.SchemaPolicy
	commitCfg     iceberg.CommitConfig
	commitTimeout time.Duration
	decodeOpts    batch.Options

	health         *health.Checker
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger for the pipeline and its components.
// If not set, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithHealthChecker sets the checker that records catalog and storage
// health as observed by ingests.
func WithHealthChecker(c *health.Checker) Option {
	return func(p *Pipeline) {
		p.health = c
	}
}

// WithTracerProvider sets the OpenTelemetry TracerProvider for the pipeline.
// If not set, a noop provider is used (zero overhead).
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		p.tracerProvider = tp
	}
}

// WithWarehouse sets the root location of newly created tables.
func WithWarehouse(w string) Option {
	return func(p *Pipeline) {
		p.warehouse = w
	}
}

// WithSchemaPolicy selects how batches for existing tables are checked.
func WithSchemaPolicy(policy iceberg.SchemaPolicy) Option {
	return func(p *Pipeline) {
		p.policy = policy
	}
}

// WithCommitConfig tunes the commit retry loop.
func WithCommitConfig(cfg iceberg.CommitConfig) Option {
	return func(p *Pipeline) {
		p.commitCfg = cfg
	}
}

// WithCommitTimeout bounds the commit step. The commit does not follow the
// caller's cancellation, so this is what stops a stuck catalog.
func WithCommitTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.commitTimeout = d
	}
}

// WithDecodeOptions sets the allocator settings used to decode streams.
func WithDecodeOptions(o batch.Options) Option {
	return func(p *Pipeline) {
		p.decodeOpts = o
	}
}

// WithDataFileWriter replaces the default Parquet writer.
func WithDataFileWriter(w iceberg.DataFileWriter) Option {
	return func(p *Pipeline) {
		p.writer = w
	}
}

// NewPipeline creates a Pipeline that commits through catalog and writes
// data files through storage.
func NewPipeline(catalog iceberg.Catalog, storage iceberg.Storage, opts ...Option) *Pipeline {
	p := &Pipeline{
		catalog: catalog,
		storage: storage,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.tracerProvider == nil {
		p.tracerProvider = noop.NewTracerProvider()
	}
	if p.health == nil {
		p.health = health.NewChecker("iceingest")
	}
	if p.commitTimeout <= 0 {
		p.commitTimeout = DefaultCommitTimeout
	}
	if p.writer == nil {
		p.writer = iceberg.NewParquetWriter(storage, p.logger)
	}
	p.health.Register(ComponentCatalog)
	p.health.Register(ComponentStorage)

	p.tracer = p.tracerProvider.Tracer("github.com/florinutz/iceingest")
	reconciler := iceberg.NewReconciler(catalog, p.warehouse, p.policy, p.logger)
	p.committer = iceberg.NewCommitter(catalog, reconciler, p.writer, storage, p.commitCfg, p.logger)
	p.committer.SetTracer(p.tracer)
	return p
}

// Ingest decodes raw as an Arrow IPC stream and appends its first record
// batch to namespace.table. An empty namespace means DefaultNamespace.
func (p *Pipeline) Ingest(ctx context.Context, namespace, table string, raw []byte) (Result, error) {
	if table == "" {
		return Result{}, ingesterr.ErrMissingTable
	}

	_, span := p.tracer.Start(ctx, "iceingest.decode", trace.WithAttributes(attribute.Int("iceingest.bytes", len(raw))))
	b, err := batch.DecodeWithOptions(raw, p.decodeOpts)
	if err != nil {
		var de *ingesterr.DecodeError
		if errors.As(err, &de) {
			metrics.DecodeErrors.WithLabelValues(string(de.Kind)).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		p.logger.DebugContext(ctx, "rejected request body", "table", table, "error", err)
		return Result{}, err
	}
	span.End()
	defer b.Release()

	return p.IngestBatch(ctx, namespace, table, b)
}

// IngestBatch appends an already decoded batch to namespace.table.
func (p *Pipeline) IngestBatch(ctx context.Context, namespace, table string, b *batch.Batch) (res Result, err error) {
	if table == "" {
		return Result{}, ingesterr.ErrMissingTable
	}
	ns := iceberg.ParseNamespace(namespace)
	if len(ns) == 0 {
		ns = iceberg.Namespace{DefaultNamespace}
	}
	ident := iceberg.Identifier{Namespace: ns, Name: table}
	res = Result{Namespace: ns.String(), Table: table}

	ctx, span := p.tracer.Start(ctx, "iceingest.ingest", trace.WithAttributes(
		attribute.String("iceberg.table", ident.String()),
		attribute.Int64("iceingest.rows", b.NumRows()),
	))
	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// A client disconnect must not interrupt a commit halfway; the commit
	// runs to completion or to its own timeout.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.commitTimeout)
	defer cancel()

	cr, err := p.committer.Commit(commitCtx, ident, b)
	p.observe(err)
	if err != nil {
		p.logger.WarnContext(ctx, "ingest failed", "table", ident.String(), "kind", ingesterr.Kind(err), "error", err)
		return res, err
	}

	res.RowsIngested = cr.Rows
	res.Created = cr.Created
	res.SnapshotID = cr.SnapshotID
	metrics.RowsIngested.WithLabelValues(ident.String()).Add(float64(cr.Rows))
	p.logger.DebugContext(ctx, "batch ingested",
		"table", ident.String(),
		"rows", cr.Rows,
		"created", cr.Created,
		"snapshot_id", cr.SnapshotID,
	)
	return res, nil
}

// Ping checks that the catalog answers. Serve uses it for readiness.
func (p *Pipeline) Ping(ctx context.Context) error {
	_, err := p.catalog.ListNamespaces(ctx, nil)
	p.observe(err)
	return err
}

// Health returns the checker the pipeline reports to.
func (p *Pipeline) Health() *health.Checker { return p.health }

// observe feeds the outcome of a backend call into the health checker.
// Client faults say nothing about backend health and are ignored.
func (p *Pipeline) observe(err error) {
	switch {
	case err == nil:
		p.health.Observe(ComponentCatalog, nil)
		p.health.Observe(ComponentStorage, nil)
	case errors.Is(err, circuitbreaker.ErrOpen):
		p.health.MarkDown(ComponentCatalog, err)
	case ingesterr.IsUnavailable(err):
		p.health.Observe(ComponentCatalog, err)
	default:
		var we *ingesterr.WriteError
		if errors.As(err, &we) && we.Kind == ingesterr.WriteStorageFailure {
			p.health.Observe(ComponentStorage, err)
		}
	}
}
