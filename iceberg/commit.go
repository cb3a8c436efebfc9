package iceberg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/florinutz/iceingest/batch"
	"github.com/florinutz/iceingest/ingesterr"
	"github.com/florinutz/iceingest/internal/backoff"
	"github.com/florinutz/iceingest/metrics"
)

// CommitConfig tunes the commit retry loop.
type CommitConfig struct {
	// MaxAttempts bounds how many times a conflicting commit is retried
	// against freshly loaded metadata. Defaults to 4.
	MaxAttempts int
	// BackoffBase and BackoffMax shape the jittered delay between attempts.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c CommitConfig) withDefaults() CommitConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 50 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 2 * time.Second
	}
	return c
}

// CommitResult describes one successful append.
type CommitResult struct {
	Rows       uint64
	Created    bool
	SnapshotID int64
	Attempts   int
}

// Committer appends batches to Iceberg tables: it writes the data file,
// then manifests, then swaps table metadata through the catalog. Nothing is
// visible to readers until the catalog accepts the new metadata.
type Committer struct {
	catalog    Catalog
	reconciler *Reconciler
	writer     DataFileWriter
	storage    Storage
	cfg        CommitConfig
	logger     *slog.Logger
	tracer     trace.Tracer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCommitter wires a committer. storage must be able to read and delete
// every path writer produces.
func NewCommitter(catalog Catalog, reconciler *Reconciler, writer DataFileWriter, storage Storage, cfg CommitConfig, logger *slog.Logger) *Committer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Committer{
		catalog:    catalog,
		reconciler: reconciler,
		writer:     writer,
		storage:    storage,
		cfg:        cfg.withDefaults(),
		logger:     logger.With("component", "committer"),
		tracer:     noop.NewTracerProvider().Tracer(""),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// SetTracer enables OpenTelemetry spans around commits.
func (c *Committer) SetTracer(t trace.Tracer) {
	if t != nil {
		c.tracer = t
	}
}

// Write appends b to ident and returns the number of rows written.
func (c *Committer) Write(ctx context.Context, ident Identifier, b *batch.Batch) (uint64, error) {
	res, err := c.Commit(ctx, ident, b)
	return res.Rows, err
}

// Commit appends b to ident, creating the namespace and table first if
// needed.
func (c *Committer) Commit(ctx context.Context, ident Identifier, b *batch.Batch) (res CommitResult, err error) {
	ctx, span := c.tracer.Start(ctx, "iceberg.commit",
		trace.WithAttributes(
			attribute.String("iceberg.table", ident.String()),
			attribute.Int64("iceberg.rows", b.NumRows()),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()
	defer func() { metrics.CommitDuration.Observe(time.Since(start).Seconds()) }()

	schema := MapSchema(b.Schema())
	created, err := c.reconciler.EnsureTable(ctx, ident, schema)
	if err != nil {
		return res, err
	}
	res.Created = created

	tbl, err := c.load(ctx, ident)
	if err != nil {
		return res, fmt.Errorf("load table %s: %w", ident, err)
	}

	files, err := c.writer.WriteDataFile(ctx, b, schema, tbl.Metadata.Location)
	if err != nil {
		return res, &ingesterr.WriteError{Kind: ingesterr.WriteStorageFailure, Table: ident.String(), Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, backoff.Jitter(attempt-2, c.cfg.BackoffBase, c.cfg.BackoffMax)); err != nil {
				c.cleanup(files, nil)
				return res, err
			}
			if tbl, err = c.load(ctx, ident); err != nil {
				c.cleanup(files, nil)
				return res, fmt.Errorf("reload table %s: %w", ident, err)
			}
		}

		committed, written, err := c.attempt(ctx, tbl, files)
		if err == nil {
			metrics.CommitAttempts.WithLabelValues("ok").Inc()
			res.Rows = uint64(b.NumRows())
			if id := committed.Metadata.CurrentSnapshotID; id != nil {
				res.SnapshotID = *id
			}
			res.Attempts = attempt
			c.logger.InfoContext(ctx, "snapshot committed",
				"table", ident.String(),
				"snapshot_id", res.SnapshotID,
				"rows", res.Rows,
				"attempts", attempt,
			)
			span.SetAttributes(attribute.Int64("iceberg.snapshot_id", res.SnapshotID))
			return res, nil
		}

		if errors.Is(err, ErrCommitConflict) {
			metrics.CommitAttempts.WithLabelValues("conflict").Inc()
			c.logger.WarnContext(ctx, "commit conflict, retrying", "table", ident.String(), "attempt", attempt)
			c.cleanup(nil, written)
			lastErr = err
			continue
		}

		metrics.CommitAttempts.WithLabelValues("error").Inc()
		var we *ingesterr.WriteError
		if errors.As(err, &we) || commitOutcomeKnown(err) {
			c.cleanup(files, written)
		} else {
			c.logger.WarnContext(ctx, "commit outcome unknown, keeping written files", "table", ident.String(), "error", err)
		}
		return res, err
	}

	c.cleanup(files, nil)
	return res, &ingesterr.WriteError{
		Kind:     ingesterr.WriteCommitConflict,
		Table:    ident.String(),
		Attempts: c.cfg.MaxAttempts,
		Err:      lastErr,
	}
}

// load reads the current table, retrying while its newest metadata file is
// unreadable.
func (c *Committer) load(ctx context.Context, ident Identifier) (*Table, error) {
	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, backoff.Jitter(attempt-2, c.cfg.BackoffBase, c.cfg.BackoffMax)); err != nil {
				return nil, err
			}
		}
		var tbl *Table
		tbl, err = c.catalog.LoadTable(ctx, ident)
		if !errors.Is(err, ErrMetadataUnreadable) {
			return tbl, err
		}
		c.logger.WarnContext(ctx, "table metadata unreadable, reloading", "table", ident.String(), "attempt", attempt, "error", err)
	}
	return nil, err
}

// attempt builds one snapshot on top of base and asks the catalog to
// commit it. It returns the paths it wrote so a failed attempt can remove
// them.
func (c *Committer) attempt(ctx context.Context, base *Table, files []DataFile) (*Table, []string, error) {
	meta := base.Metadata
	ident := base.Identifier
	location := meta.Location
	snapID := generateSnapshotID()
	seq := meta.LastSeqNumber + 1
	var written []string

	storageErr := func(err error) (*Table, []string, error) {
		return nil, written, &ingesterr.WriteError{Kind: ingesterr.WriteStorageFailure, Table: ident.String(), Err: err}
	}

	manifests, err := c.parentManifests(ctx, meta)
	if err != nil {
		return storageErr(err)
	}

	schema := meta.CurrentSchema()
	if schema == nil {
		return nil, nil, fmt.Errorf("table %s has no current schema", ident)
	}

	var addedRows, addedBytes int64
	for _, f := range files {
		addedRows += f.RecordCount
		addedBytes += f.FileSizeBytes
	}

	if len(files) > 0 {
		data, err := writeManifest(files, schema, snapID, seq, meta.DefaultSpecID)
		if err != nil {
			return nil, nil, fmt.Errorf("write manifest: %w", err)
		}
		path := joinPath(location, "metadata", uuid.New().String()+"-m0.avro")
		if err := c.storage.Write(ctx, path, data); err != nil {
			return storageErr(fmt.Errorf("store manifest: %w", err))
		}
		written = append(written, path)

		manifests = append(manifests, ManifestFile{
			ManifestPath:        path,
			ManifestLength:      int64(len(data)),
			PartitionSpecID:     meta.DefaultSpecID,
			ContentType:         0,
			SequenceNumber:      seq,
			MinSequenceNumber:   seq,
			AddedSnapshotID:     snapID,
			AddedDataFilesCount: len(files),
			AddedRowsCount:      addedRows,
		})
	}

	var parentID *int64
	if meta.CurrentSnapshotID != nil {
		id := *meta.CurrentSnapshotID
		parentID = &id
	}

	listData, err := writeManifestList(manifests, snapID, parentID, seq)
	if err != nil {
		return nil, written, fmt.Errorf("write manifest list: %w", err)
	}
	listPath := joinPath(location, "metadata", fmt.Sprintf("snap-%d-%d-%s.avro", snapID, 1, uuid.New().String()))
	if err := c.storage.Write(ctx, listPath, listData); err != nil {
		return storageErr(fmt.Errorf("store manifest list: %w", err))
	}
	written = append(written, listPath)

	summary := map[string]string{
		"operation":          "append",
		"added-data-files":   strconv.Itoa(len(files)),
		"added-records":      strconv.FormatInt(addedRows, 10),
		"added-files-size":   strconv.FormatInt(addedBytes, 10),
		"total-data-files":   strconv.FormatInt(summaryInt(meta, "total-data-files")+int64(len(files)), 10),
		"total-records":      strconv.FormatInt(summaryInt(meta, "total-records")+addedRows, 10),
		"total-files-size":   strconv.FormatInt(summaryInt(meta, "total-files-size")+addedBytes, 10),
		"total-delete-files": "0",
	}

	updated := meta.WithSnapshot(Snapshot{
		SnapshotID:       snapID,
		ParentSnapshotID: parentID,
		SequenceNumber:   seq,
		TimestampMS:      nextTimestampMS(meta, c.now()),
		ManifestList:     listPath,
		Summary:          summary,
		SchemaID:         meta.CurrentSchemaID,
	})

	committed, err := c.catalog.CommitTable(ctx, ident, base, updated)
	if err != nil {
		return nil, written, err
	}
	return committed, written, nil
}

// parentManifests returns the manifests of the current snapshot so the new
// snapshot keeps every file that is already in the table.
func (c *Committer) parentManifests(ctx context.Context, meta *TableMetadata) ([]ManifestFile, error) {
	snap := meta.CurrentSnapshot()
	if snap == nil || snap.ManifestList == "" {
		return nil, nil
	}
	data, err := c.storage.Read(ctx, snap.ManifestList)
	if err != nil {
		return nil, fmt.Errorf("read parent manifest list: %w", err)
	}
	return readManifestList(data)
}

// cleanup removes files no committed metadata references. It runs on a
// fresh context so a cancelled request still cleans up after itself.
func (c *Committer) cleanup(files []DataFile, paths []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, f := range files {
		paths = append(paths, f.FilePath)
	}
	for _, p := range paths {
		if err := c.storage.Delete(ctx, p); err != nil {
			c.logger.Warn("orphan cleanup failed", "path", p, "error", err)
			continue
		}
		metrics.OrphansDeleted.Inc()
	}
}

// commitOutcomeKnown reports whether a failed commit definitely did not
// apply. A transport failure or a server error may hide a commit that went
// through, and deleting its files would corrupt the table.
func commitOutcomeKnown(err error) bool {
	var ce *ingesterr.CatalogError
	if !errors.As(err, &ce) {
		return true
	}
	if ce.Kind == ingesterr.CatalogUnavailable {
		return false
	}
	return ce.Status < 500
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
