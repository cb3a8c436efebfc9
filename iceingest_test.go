package iceingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/florinutz/iceingest/batch"
	"github.com/florinutz/iceingest/health"
	"github.com/florinutz/iceingest/iceberg"
	"github.com/florinutz/iceingest/iceberg/icebergtest"
	"github.com/florinutz/iceingest/ingesterr"
	"github.com/florinutz/iceingest/internal/circuitbreaker"
	"github.com/florinutz/iceingest/testutil"
)

func newLocalPipeline(t *testing.T, opts ...Option) (*Pipeline, *iceberg.HadoopCatalog) {
	t.Helper()
	dir := t.TempDir()
	storage := &iceberg.LocalStorage{}
	cat := iceberg.NewHadoopCatalog(dir, storage)
	opts = append([]Option{WithWarehouse(dir)}, opts...)
	return NewPipeline(cat, storage, opts...), cat
}

func TestPipeline_IngestCreatesTable(t *testing.T) {
	p, cat := newLocalPipeline(t)
	ctx := context.Background()

	res, err := p.Ingest(ctx, "", "events", testutil.SimpleStream(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Namespace != DefaultNamespace || res.Table != "events" || res.RowsIngested != 5 || !res.Created || res.SnapshotID == 0 {
		t.Errorf("result = %+v", res)
	}

	res, err = p.Ingest(ctx, "", "events", testutil.SimpleStream(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Created {
		t.Error("second ingest reported table creation")
	}

	tbl, err := cat.LoadTable(ctx, iceberg.Identifier{Namespace: iceberg.Namespace{DefaultNamespace}, Name: "events"})
	if err != nil {
		t.Fatal(err)
	}
	snap := tbl.Metadata.CurrentSnapshot()
	if snap == nil || snap.SnapshotID != res.SnapshotID {
		t.Fatalf("current snapshot = %+v, want %d", snap, res.SnapshotID)
	}
	if snap.Summary["total-records"] != "10" {
		t.Errorf("total-records = %s", snap.Summary["total-records"])
	}
}

func TestPipeline_NestedNamespace(t *testing.T) {
	p, cat := newLocalPipeline(t)
	ctx := context.Background()

	res, err := p.Ingest(ctx, "analytics.raw", "clicks", testutil.SimpleStream(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Namespace != "analytics.raw" {
		t.Errorf("namespace = %s", res.Namespace)
	}
	nss, err := cat.ListNamespaces(ctx, iceberg.Namespace{"analytics"})
	if err != nil {
		t.Fatal(err)
	}
	if len(nss) != 1 || nss[0].String() != "analytics.raw" {
		t.Errorf("children of analytics = %v", nss)
	}
}

func TestPipeline_RejectsBadInput(t *testing.T) {
	p, _ := newLocalPipeline(t)
	ctx := context.Background()

	if _, err := p.Ingest(ctx, "", "", testutil.SimpleStream(t)); !errors.Is(err, ingesterr.ErrMissingTable) {
		t.Errorf("missing table: %v", err)
	}

	_, err := p.Ingest(ctx, "", "events", []byte("not arrow"))
	var de *ingesterr.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("garbage body: %v", err)
	}
	if !ingesterr.IsClientFault(err) {
		t.Error("decode failure should be a client fault")
	}

	_, err = p.Ingest(ctx, "", "events", nil)
	if !errors.As(err, &de) || de.Kind != ingesterr.DecodeMalformed {
		t.Errorf("empty body: %v", err)
	}
}

func TestPipeline_StrictSchema(t *testing.T) {
	p, _ := newLocalPipeline(t, WithSchemaPolicy(iceberg.SchemaStrict))
	ctx := context.Background()

	if _, err := p.Ingest(ctx, "", "events", testutil.SimpleStream(t)); err != nil {
		t.Fatal(err)
	}
	rec := testutil.NullableRecord(memory.DefaultAllocator)
	defer rec.Release()

	_, err := p.Ingest(ctx, "", "events", testutil.EncodeRecord(t, rec))
	var sm *ingesterr.SchemaMismatchError
	if !errors.As(err, &sm) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestPipeline_IngestBatchDoesNotReleaseCallerBatch(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	p, _ := newLocalPipeline(t)
	rec := testutil.SimpleRecord(mem)
	b := batch.New(rec)
	rec.Release()

	if _, err := p.IngestBatch(context.Background(), "ns", "t", b); err != nil {
		t.Fatal(err)
	}
	if b.NumRows() != 5 {
		t.Errorf("batch rows after ingest = %d", b.NumRows())
	}
	b.Release()
}

func TestPipeline_CatalogHealth(t *testing.T) {
	srv := icebergtest.NewRESTServer(t, t.TempDir())
	cat := iceberg.NewRESTCatalog(iceberg.RESTConfig{URI: srv.URL()})
	if err := cat.LoadConfig(context.Background()); err != nil {
		t.Fatal(err)
	}
	checker := health.NewChecker("iceingest")
	p := NewPipeline(cat, &iceberg.LocalStorage{}, WithHealthChecker(checker), WithWarehouse(t.TempDir()))

	srv.FailNext("list_namespaces", 503)
	_, err := p.Ingest(context.Background(), "", "events", testutil.SimpleStream(t))
	if !ingesterr.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if comp, _ := checker.Component(ComponentCatalog); comp.Status != health.StatusDegraded || comp.LastError == "" {
		t.Errorf("catalog component = %+v", comp)
	}

	if err := p.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	if comp, _ := checker.Component(ComponentCatalog); comp.Status != health.StatusUp {
		t.Errorf("catalog component after ping = %+v", comp)
	}
}

func TestPipeline_OpenBreakerMarksCatalogDown(t *testing.T) {
	srv := icebergtest.NewRESTServer(t, t.TempDir())
	cat := iceberg.NewRESTCatalog(iceberg.RESTConfig{
		URI:     srv.URL(),
		Breaker: circuitbreaker.New("catalog", 1, time.Hour, nil),
	})
	checker := health.NewChecker("iceingest")
	p := NewPipeline(cat, &iceberg.LocalStorage{}, WithHealthChecker(checker), WithWarehouse(t.TempDir()))

	srv.FailNext("list_namespaces", 503)
	if _, err := p.Ingest(context.Background(), "", "events", testutil.SimpleStream(t)); !ingesterr.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if comp, _ := checker.Component(ComponentCatalog); comp.Status != health.StatusDegraded {
		t.Fatalf("after one failure catalog = %+v, want degraded", comp)
	}

	_, err := p.Ingest(context.Background(), "", "events", testutil.SimpleStream(t))
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if comp, _ := checker.Component(ComponentCatalog); comp.Status != health.StatusDown {
		t.Errorf("with breaker open catalog = %+v, want down", comp)
	}
}

func TestPipeline_CommitSurvivesCallerCancel(t *testing.T) {
	p, cat := newLocalPipeline(t, WithCommitTimeout(time.Minute))
	rec := testutil.SimpleRecord(memory.DefaultAllocator)
	b := batch.New(rec)
	rec.Release()
	defer b.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The caller's context is already done; the commit still runs.
	if _, err := p.IngestBatch(ctx, "", "events", b); err != nil {
		t.Fatalf("ingest with cancelled caller: %v", err)
	}
	if _, err := cat.LoadTable(context.Background(), iceberg.Identifier{Namespace: iceberg.Namespace{DefaultNamespace}, Name: "events"}); err != nil {
		t.Error(err)
	}
}

func TestPipeline_LogsCommit(t *testing.T) {
	capture, logger := testutil.NewLogCapture()
	p, _ := newLocalPipeline(t, WithLogger(logger))

	res, err := p.Ingest(context.Background(), "raw", "events", testutil.SimpleStream(t))
	if err != nil {
		t.Fatal(err)
	}

	rec := capture.WaitFor(t, "snapshot committed", time.Second)
	// JSON numbers decode as float64; snapshot ids are positive and fit.
	if rec["table"] != "raw.events" || int64(rec["snapshot_id"].(float64)) != res.SnapshotID {
		t.Errorf("commit log = %v, want table raw.events snapshot %d", rec, res.SnapshotID)
	}
}
