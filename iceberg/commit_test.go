package iceberg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/go-cmp/cmp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"golang.org/x/sync/errgroup"

	"github.com/florinutz/iceingest/batch"
	"github.com/florinutz/iceingest/ingesterr"
	"github.com/florinutz/iceingest/testutil"
)

var eventsTable = Identifier{Namespace: Namespace{"default"}, Name: "events"}

// faultCatalog overrides CommitTable of the wrapped catalog.
type faultCatalog struct {
	Catalog
	commit func(ctx context.Context, ident Identifier, base *Table, updated *TableMetadata) (*Table, error)
}

func (f *faultCatalog) CommitTable(ctx context.Context, ident Identifier, base *Table, updated *TableMetadata) (*Table, error) {
	if f.commit != nil {
		return f.commit(ctx, ident, base, updated)
	}
	return f.Catalog.CommitTable(ctx, ident, base, updated)
}

// racing makes another writer commit on top of base right before each of
// the next n commits, so those commits lose.
func racing(inner Catalog, n int) *faultCatalog {
	return &faultCatalog{Catalog: inner, commit: func(ctx context.Context, ident Identifier, base *Table, updated *TableMetadata) (*Table, error) {
		if n > 0 {
			n--
			rival := base.Metadata.WithSnapshot(Snapshot{
				SnapshotID:     generateSnapshotID(),
				SequenceNumber: base.Metadata.LastSeqNumber + 1,
				TimestampMS:    base.Metadata.LastUpdatedMS + 1,
				Summary:        map[string]string{"operation": "append"},
			})
			if _, err := inner.CommitTable(ctx, ident, base, rival); err != nil {
				return nil, err
			}
		}
		return inner.CommitTable(ctx, ident, base, updated)
	}}
}

func failing(inner Catalog, err error) *faultCatalog {
	return &faultCatalog{Catalog: inner, commit: func(context.Context, Identifier, *Table, *TableMetadata) (*Table, error) {
		return nil, err
	}}
}

type harness struct {
	dir       string
	storage   *LocalStorage
	hadoop    *HadoopCatalog
	committer *Committer
	sleeps    []time.Duration
}

func newHarness(t *testing.T, wrap func(Catalog) Catalog) *harness {
	t.Helper()
	h := &harness{dir: t.TempDir(), storage: &LocalStorage{}}
	h.hadoop = NewHadoopCatalog(h.dir, h.storage)
	var cat Catalog = h.hadoop
	if wrap != nil {
		cat = wrap(cat)
	}
	h.committer = NewCommitter(cat,
		NewReconciler(cat, h.dir, SchemaPermissive, nil),
		NewParquetWriter(h.storage, nil),
		h.storage,
		CommitConfig{},
		nil,
	)
	h.committer.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *harness) commit(t *testing.T, rec arrow.Record) (CommitResult, error) {
	t.Helper()
	b := batch.New(rec)
	defer b.Release()
	return h.committer.Commit(context.Background(), eventsTable, b)
}

func (h *harness) files(t *testing.T, suffix string) []string {
	t.Helper()
	all, err := h.storage.List(context.Background(), h.dir)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, p := range all {
		if strings.HasSuffix(p, suffix) {
			out = append(out, p)
		}
	}
	return out
}

func (h *harness) load(t *testing.T) *Table {
	t.Helper()
	tbl, err := h.hadoop.LoadTable(context.Background(), eventsTable)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

// dataFiles resolves the current snapshot down to its data files.
func (h *harness) dataFiles(t *testing.T, meta *TableMetadata) []DataFile {
	t.Helper()
	ctx := context.Background()
	snap := meta.CurrentSnapshot()
	if snap == nil {
		t.Fatal("no current snapshot")
	}
	data, err := h.storage.Read(ctx, snap.ManifestList)
	if err != nil {
		t.Fatal(err)
	}
	manifests, err := readManifestList(data)
	if err != nil {
		t.Fatal(err)
	}
	var out []DataFile
	for _, mf := range manifests {
		data, err := h.storage.Read(ctx, mf.ManifestPath)
		if err != nil {
			t.Fatal(err)
		}
		files, err := readManifest(data)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, files...)
	}
	return out
}

func TestCommit_FirstBatchCreatesTable(t *testing.T) {
	h := newHarness(t, nil)
	rec := testutil.SimpleRecord(memory.DefaultAllocator)
	defer rec.Release()

	res, err := h.commit(t, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created || res.Rows != 5 || res.Attempts != 1 || res.SnapshotID <= 0 {
		t.Errorf("result = %+v", res)
	}

	meta := h.load(t).Metadata
	snap := meta.CurrentSnapshot()
	if snap == nil || snap.SnapshotID != res.SnapshotID {
		t.Fatalf("current snapshot = %+v, want id %d", snap, res.SnapshotID)
	}
	if snap.ParentSnapshotID != nil || snap.SequenceNumber != 1 || meta.LastSeqNumber != 1 {
		t.Errorf("snapshot lineage: parent %v seq %d last seq %d", snap.ParentSnapshotID, snap.SequenceNumber, meta.LastSeqNumber)
	}
	for k, want := range map[string]string{
		"operation":        "append",
		"added-data-files": "1",
		"added-records":    "5",
		"total-records":    "5",
		"total-data-files": "1",
	} {
		if snap.Summary[k] != want {
			t.Errorf("summary[%s] = %q, want %q", k, snap.Summary[k], want)
		}
	}
	if meta.Refs[MainBranch].SnapshotID != res.SnapshotID {
		t.Errorf("main ref = %+v", meta.Refs[MainBranch])
	}

	files := h.dataFiles(t, meta)
	if len(files) != 1 || files[0].RecordCount != 5 {
		t.Fatalf("data files = %+v", files)
	}
	if ok, _ := h.storage.Exists(context.Background(), files[0].FilePath); !ok {
		t.Errorf("data file %s missing", files[0].FilePath)
	}
	if !strings.HasPrefix(files[0].FilePath, h.dir+"/default/events/data/") {
		t.Errorf("data file outside table location: %s", files[0].FilePath)
	}
}

func TestCommit_AppendKeepsEarlierFiles(t *testing.T) {
	h := newHarness(t, nil)
	rec := testutil.SimpleRecord(memory.DefaultAllocator)
	defer rec.Release()

	first, err := h.commit(t, rec)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.commit(t, rec)
	if err != nil {
		t.Fatal(err)
	}
	if second.Created {
		t.Error("second commit reported table creation")
	}

	meta := h.load(t).Metadata
	snap := meta.CurrentSnapshot()
	if snap.ParentSnapshotID == nil || *snap.ParentSnapshotID != first.SnapshotID {
		t.Errorf("parent = %v, want %d", snap.ParentSnapshotID, first.SnapshotID)
	}
	if snap.SequenceNumber != 2 || snap.Summary["total-records"] != "10" || snap.Summary["added-records"] != "5" {
		t.Errorf("seq %d summary %v", snap.SequenceNumber, snap.Summary)
	}
	if files := h.dataFiles(t, meta); len(files) != 2 {
		t.Errorf("data files = %d, want 2", len(files))
	}
	if len(meta.Snapshots) != 2 || len(meta.SnapshotLog) != 2 || len(meta.MetadataLog) != 2 {
		t.Errorf("snapshots %d, snapshot log %d, metadata log %d", len(meta.Snapshots), len(meta.SnapshotLog), len(meta.MetadataLog))
	}
}

func TestCommit_ZeroRows(t *testing.T) {
	h := newHarness(t, nil)
	rec := testutil.EmptyRecord(memory.DefaultAllocator)
	defer rec.Release()

	res, err := h.commit(t, rec)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 0 || !res.Created {
		t.Errorf("result = %+v", res)
	}
	if got := h.files(t, ".parquet"); len(got) != 0 {
		t.Errorf("zero-row batch wrote data files: %v", got)
	}
	snap := h.load(t).Metadata.CurrentSnapshot()
	if snap == nil || snap.Summary["added-records"] != "0" || snap.Summary["added-data-files"] != "0" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if files := h.dataFiles(t, h.load(t).Metadata); len(files) != 0 {
		t.Errorf("manifests list %d data files", len(files))
	}
}

func TestCommit_RetriesAfterConflict(t *testing.T) {
	h := newHarness(t, func(c Catalog) Catalog { return racing(c, 1) })
	rec := testutil.SimpleRecord(memory.DefaultAllocator)
	defer rec.Release()

	res, err := h.commit(t, rec)
	if err != nil {
		t.Fatal(err)
	}
	if res.Attempts != 2 || len(h.sleeps) != 1 {
		t.Errorf("attempts = %d, sleeps = %v", res.Attempts, h.sleeps)
	}

	meta := h.load(t).Metadata
	if len(meta.Snapshots) != 2 {
		t.Fatalf("snapshots = %d, want rival + ours", len(meta.Snapshots))
	}
	snap := meta.CurrentSnapshot()
	if snap.SnapshotID != res.SnapshotID || snap.ParentSnapshotID == nil || *snap.ParentSnapshotID != meta.Snapshots[0].SnapshotID {
		t.Errorf("our snapshot is not on top of the rival: %+v", snap)
	}
	if snap.SequenceNumber != 2 {
		t.Errorf("sequence number = %d, want 2", snap.SequenceNumber)
	}

	// The losing attempt's manifest and manifest list are gone.
	if got := h.files(t, ".avro"); len(got) != 2 {
		t.Errorf("avro files = %v, want one manifest and one manifest list", got)
	}
	if got := h.files(t, ".parquet"); len(got) != 1 {
		t.Errorf("parquet files = %v, want the one data file", got)
	}
}

func TestCommit_ConflictRetriesExhausted(t *testing.T) {
	h := newHarness(t, func(c Catalog) Catalog { return racing(c, 100) })
	rec := testutil.SimpleRecord(memory.DefaultAllocator)
	defer rec.Release()

	_, err := h.commit(t, rec)
	var we *ingesterr.WriteError
	if !errors.As(err, &we) || we.Kind != ingesterr.WriteCommitConflict || we.Attempts != 4 {
		t.Fatalf("expected commit_conflict after 4 attempts, got %v", err)
	}
	if !errors.Is(err, ErrCommitConflict) {
		t.Error("error should wrap ErrCommitConflict")
	}
	if len(h.sleeps) != 3 {
		t.Errorf("sleeps = %v, want 3", h.sleeps)
	}
	if got := h.files(t, ".parquet"); len(got) != 0 {
		t.Errorf("orphaned data files: %v", got)
	}
	if got := h.files(t, ".avro"); len(got) != 0 {
		t.Errorf("orphaned manifests: %v", got)
	}
}

// failAfterFirst lets the first commit through and fails every later one
// with err.
func failAfterFirst(err error) func(Catalog) Catalog {
	return func(inner Catalog) Catalog {
		fc := &faultCatalog{Catalog: inner}
		fc.commit = func(ctx context.Context, ident Identifier, base *Table, updated *TableMetadata) (*Table, error) {
			fc.commit = failing(inner, err).commit
			return inner.CommitTable(ctx, ident, base, updated)
		}
		return fc
	}
}

// assertUnchanged fails if a failed commit moved the table state.
func assertUnchanged(t *testing.T, before, after *Table) {
	t.Helper()
	if after.MetadataLocation != before.MetadataLocation {
		t.Errorf("metadata location moved: %s -> %s", before.MetadataLocation, after.MetadataLocation)
	}
	if diff := cmp.Diff(before.Metadata.CurrentSnapshotID, after.Metadata.CurrentSnapshotID); diff != "" {
		t.Errorf("current-snapshot-id changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(before.Metadata.Snapshots, after.Metadata.Snapshots); diff != "" {
		t.Errorf("snapshots changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(before.Metadata.SnapshotLog, after.Metadata.SnapshotLog); diff != "" {
		t.Errorf("snapshot-log changed (-before +after):\n%s", diff)
	}
}

func TestCommit_UnknownOutcomeKeepsFiles(t *testing.T) {
	down := &ingesterr.CatalogError{Kind: ingesterr.CatalogUnavailable, Op: "commit_table", Err: errors.New("connection reset")}
	h := newHarness(t, failAfterFirst(down))
	rec := testutil.SimpleRecord(memory.DefaultAllocator)
	defer rec.Release()

	if _, err := h.commit(t, rec); err != nil {
		t.Fatal(err)
	}
	before := h.load(t)

	_, err := h.commit(t, rec)
	if !ingesterr.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	assertUnchanged(t, before, h.load(t))
	if len(h.files(t, ".parquet")) != 2 || len(h.files(t, ".avro")) != 4 {
		t.Errorf("files of a possibly applied commit were removed")
	}
}

func TestCommit_RejectedCommitCleansUp(t *testing.T) {
	rejected := &ingesterr.CatalogError{Kind: ingesterr.CatalogRequestFailed, Op: "commit_table", Status: 400, Err: errors.New("bad update")}
	h := newHarness(t, failAfterFirst(rejected))
	rec := testutil.SimpleRecord(memory.DefaultAllocator)
	defer rec.Release()

	if _, err := h.commit(t, rec); err != nil {
		t.Fatal(err)
	}
	before := h.load(t)

	if _, err := h.commit(t, rec); !errors.Is(err, rejected) {
		t.Fatalf("expected the catalog error, got %v", err)
	}
	assertUnchanged(t, before, h.load(t))
	if got := h.files(t, ".parquet"); len(got) != 1 {
		t.Errorf("parquet files = %v, want only the committed one", got)
	}
	if got := h.files(t, ".avro"); len(got) != 2 {
		t.Errorf("avro files = %v, want only the committed manifest and list", got)
	}
}

func TestCommit_ConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	storage := &LocalStorage{}
	cat := NewHadoopCatalog(dir, storage)
	c := NewCommitter(cat,
		NewReconciler(cat, dir, SchemaPermissive, nil),
		NewParquetWriter(storage, nil),
		storage,
		CommitConfig{MaxAttempts: 500, BackoffBase: time.Millisecond, BackoffMax: 10 * time.Millisecond},
		slog.New(slog.DiscardHandler),
	)
	rec := testutil.SimpleRecord(memory.DefaultAllocator)
	defer rec.Release()

	const workers, perWorker = 8, 5
	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for range perWorker {
				b := batch.New(rec)
				_, err := c.Commit(context.Background(), eventsTable, b)
				b.Release()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent commit: %v", err)
	}

	h := &harness{dir: dir, storage: storage, hadoop: cat}
	meta := h.load(t).Metadata
	const commits = workers * perWorker
	if len(meta.Snapshots) != commits || len(meta.SnapshotLog) != commits {
		t.Errorf("snapshots %d, snapshot log %d, want %d", len(meta.Snapshots), len(meta.SnapshotLog), commits)
	}
	if got, want := meta.CurrentSnapshot().Summary["total-records"], strconv.Itoa(commits*5); got != want {
		t.Errorf("total-records = %s, want %s", got, want)
	}
	if files := h.dataFiles(t, meta); len(files) != commits {
		t.Errorf("data files reachable = %d, want %d", len(files), commits)
	}
	if got := h.files(t, ".parquet"); len(got) != commits {
		t.Errorf("parquet files on disk = %d, want %d", len(got), commits)
	}
	if got := h.files(t, ".tmp"); len(got) != 0 {
		t.Errorf("temp files left behind: %v", got)
	}
}

func TestCommit_ReloadsUnreadableMetadata(t *testing.T) {
	loads := 0
	h := newHarness(t, func(c Catalog) Catalog {
		return &flakyLoadCatalog{Catalog: c, fail: func() bool {
			loads++
			return loads == 1
		}}
	})
	rec := testutil.SimpleRecord(memory.DefaultAllocator)
	defer rec.Release()

	res, err := h.commit(t, rec)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 5 || len(h.sleeps) != 1 {
		t.Errorf("result = %+v, sleeps = %v", res, h.sleeps)
	}
}

// flakyLoadCatalog fails LoadTable with ErrMetadataUnreadable whenever fail
// returns true.
type flakyLoadCatalog struct {
	Catalog
	fail func() bool
}

func (f *flakyLoadCatalog) LoadTable(ctx context.Context, ident Identifier) (*Table, error) {
	if f.fail() {
		return nil, fmt.Errorf("parse metadata v2: %w", ErrMetadataUnreadable)
	}
	return f.Catalog.LoadTable(ctx, ident)
}

func TestCommit_TimestampsStrictlyIncrease(t *testing.T) {
	h := newHarness(t, nil)
	h.committer.now = func() time.Time { return time.UnixMilli(1_000) }
	rec := testutil.SimpleRecord(memory.DefaultAllocator)
	defer rec.Release()

	for range 3 {
		if _, err := h.commit(t, rec); err != nil {
			t.Fatal(err)
		}
	}
	meta := h.load(t).Metadata
	for i := 1; i < len(meta.Snapshots); i++ {
		if meta.Snapshots[i].TimestampMS <= meta.Snapshots[i-1].TimestampMS {
			t.Errorf("snapshot %d timestamp %d not after %d", i, meta.Snapshots[i].TimestampMS, meta.Snapshots[i-1].TimestampMS)
		}
	}
	if last := meta.Snapshots[len(meta.Snapshots)-1].TimestampMS; meta.LastUpdatedMS != last {
		t.Errorf("last-updated-ms = %d, want %d", meta.LastUpdatedMS, last)
	}
}

func TestCommit_CancelledDuringBackoff(t *testing.T) {
	h := newHarness(t, func(c Catalog) Catalog { return racing(c, 1) })
	h.committer.sleep = func(context.Context, time.Duration) error { return context.Canceled }
	rec := testutil.SimpleRecord(memory.DefaultAllocator)
	defer rec.Release()

	if _, err := h.commit(t, rec); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := h.files(t, ".parquet"); len(got) != 0 {
		t.Errorf("orphaned data files: %v", got)
	}
}

func TestCommit_Span(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h := newHarness(t, nil)
	h.committer.SetTracer(tp.Tracer("test"))
	rec := testutil.SimpleRecord(memory.DefaultAllocator)
	defer rec.Release()

	if _, err := h.commit(t, rec); err != nil {
		t.Fatal(err)
	}
	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "iceberg.commit" {
		t.Fatalf("spans = %v", spans)
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["iceberg.table"] != "default.events" || attrs["iceberg.rows"] != "5" || attrs["iceberg.snapshot_id"] == "" {
		t.Errorf("span attributes = %v", attrs)
	}
}

func TestCommitOutcomeKnown(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("plain"), true},
		{&ingesterr.CatalogError{Kind: ingesterr.CatalogUnavailable}, false},
		{&ingesterr.CatalogError{Kind: ingesterr.CatalogRequestFailed, Status: 500}, false},
		{&ingesterr.CatalogError{Kind: ingesterr.CatalogRequestFailed, Status: 422}, true},
	}
	for _, tt := range tests {
		if got := commitOutcomeKnown(tt.err); got != tt.want {
			t.Errorf("commitOutcomeKnown(%v) = %t, want %t", tt.err, got, tt.want)
		}
	}
}
