package scenarios

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/florinutz/iceingest"
	"github.com/florinutz/iceingest/batch"
	"github.com/florinutz/iceingest/iceberg"
	"github.com/florinutz/iceingest/testutil"
)

func TestScenario_FirstBatchCreatesTable(t *testing.T) {
	h := newHarness(t)

	status, resp := h.ingest("ns1", "t1", testutil.SimpleStream(t))
	if status != http.StatusOK || !resp.Success {
		t.Fatalf("status %d, response %+v", status, resp)
	}
	if resp.RecordsIngested == nil || *resp.RecordsIngested != 5 {
		t.Errorf("records_ingested = %v, want 5", resp.RecordsIngested)
	}
	if resp.Message != "Successfully ingested 5 records" {
		t.Errorf("message = %q", resp.Message)
	}
	if !h.catalog.HasNamespace(iceberg.Namespace{"ns1"}) {
		t.Error("namespace ns1 was not created")
	}

	md := h.metadata("ns1", "t1")
	want := []iceberg.Field{
		{ID: 1, Name: "id", Type: iceberg.TypeInt, Required: true},
		{ID: 2, Name: "name", Type: iceberg.TypeString, Required: true},
		{ID: 3, Name: "active", Type: iceberg.TypeBoolean, Required: true},
	}
	if diff := cmp.Diff(want, md.CurrentSchema().Fields); diff != "" {
		t.Errorf("schema mismatch (-want +got):\n%s", diff)
	}
	snap := md.CurrentSnapshot()
	if snap == nil || snap.SnapshotID != resp.SnapshotID {
		t.Fatalf("current snapshot = %+v, response snapshot %d", snap, resp.SnapshotID)
	}
	if snap.Summary["added-records"] != "5" {
		t.Errorf("added-records = %q", snap.Summary["added-records"])
	}
}

func TestScenario_TruncatedStream(t *testing.T) {
	h := newHarness(t)
	stream := testutil.SimpleStream(t)
	before := h.calls()

	status, resp := h.ingest("ns1", "t1", stream[:6])
	if status != http.StatusBadRequest || resp.ErrorKind != "decode_malformed" {
		t.Errorf("status %d, response %+v", status, resp)
	}
	if resp.RecordsIngested != nil {
		t.Errorf("records_ingested = %d, want null", *resp.RecordsIngested)
	}
	if diff := cmp.Diff(before, h.calls()); diff != "" {
		t.Errorf("malformed input reached the catalog (-before +after):\n%s", diff)
	}
}

func TestScenario_SchemaOnlyStream(t *testing.T) {
	h := newHarness(t)
	raw, err := batch.EncodeSchemaOnly(testutil.SimpleSchema)
	if err != nil {
		t.Fatal(err)
	}
	before := h.calls()

	status, resp := h.ingest("ns1", "t1", raw)
	if status != http.StatusBadRequest || resp.ErrorKind != "decode_empty" {
		t.Errorf("status %d, response %+v", status, resp)
	}
	if diff := cmp.Diff(before, h.calls()); diff != "" {
		t.Errorf("empty stream reached the catalog (-before +after):\n%s", diff)
	}
}

func TestScenario_AppendToExistingTable(t *testing.T) {
	h := newHarness(t)
	stream := testutil.SimpleStream(t)

	if status, resp := h.ingest("ns1", "t1", stream); status != http.StatusOK {
		t.Fatalf("first ingest: status %d, response %+v", status, resp)
	}
	first := h.metadata("ns1", "t1")
	firstID := *first.CurrentSnapshotID
	creates := h.catalog.Calls("create_table")

	status, resp := h.ingest("ns1", "t1", stream)
	if status != http.StatusOK {
		t.Fatalf("second ingest: status %d, response %+v", status, resp)
	}
	if got := h.catalog.Calls("create_table"); got != creates {
		t.Errorf("create_table called %d more times for an existing table", got-creates)
	}

	md := h.metadata("ns1", "t1")
	if *md.CurrentSnapshotID == firstID || *md.CurrentSnapshotID != resp.SnapshotID {
		t.Errorf("current snapshot %d did not advance from %d to %d", *md.CurrentSnapshotID, firstID, resp.SnapshotID)
	}
	if len(md.SnapshotLog) != 2 || md.SnapshotLog[0].SnapshotID != firstID {
		t.Errorf("snapshot log = %+v, want the first snapshot retained", md.SnapshotLog)
	}
	if got := md.CurrentSnapshot().Summary["total-records"]; got != "10" {
		t.Errorf("total-records = %q, want 10", got)
	}
}

func TestScenario_UnsupportedTypeFallsBackToString(t *testing.T) {
	h := newHarness(t)
	rec := testutil.StructRecord(memory.DefaultAllocator)
	defer rec.Release()

	status, resp := h.ingest("ns1", "nested", testutil.EncodeRecord(t, rec))
	if status != http.StatusOK || resp.RecordsIngested == nil || *resp.RecordsIngested != 2 {
		t.Fatalf("status %d, response %+v", status, resp)
	}

	fields := h.metadata("ns1", "nested").CurrentSchema().Fields
	want := []iceberg.Field{
		{ID: 1, Name: "id", Type: iceberg.TypeLong, Required: true},
		{ID: 2, Name: "address", Type: iceberg.TypeString, Required: true},
	}
	if diff := cmp.Diff(want, fields); diff != "" {
		t.Errorf("schema mismatch (-want +got):\n%s", diff)
	}
}

func TestScenario_StrictPolicyRejectsDrift(t *testing.T) {
	h := newHarness(t, iceingest.WithSchemaPolicy(iceberg.SchemaStrict))
	if status, resp := h.ingest("ns1", "t1", testutil.SimpleStream(t)); status != http.StatusOK {
		t.Fatalf("first ingest: status %d, response %+v", status, resp)
	}

	rec := testutil.NullableRecord(memory.DefaultAllocator)
	defer rec.Release()
	status, resp := h.ingest("ns1", "t1", testutil.EncodeRecord(t, rec))
	if status != http.StatusConflict || resp.ErrorKind != "schema_mismatch" {
		t.Errorf("status %d, response %+v", status, resp)
	}
}

func TestScenario_CatalogDown(t *testing.T) {
	h := newHarness(t)
	h.catalog.FailNext("list_namespaces", http.StatusServiceUnavailable)

	status, resp := h.ingest("ns1", "t1", testutil.SimpleStream(t))
	if status != http.StatusServiceUnavailable || resp.ErrorKind != "catalog_unavailable" {
		t.Errorf("status %d, response %+v", status, resp)
	}

	hc, err := http.Get(h.http.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	hc.Body.Close()
	if hc.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d, degraded components still answer 200", hc.StatusCode)
	}
}

func TestScenario_ConcurrentWritersOneTable(t *testing.T) {
	h := newHarness(t, iceingest.WithCommitConfig(iceberg.CommitConfig{
		MaxAttempts: 200,
		BackoffBase: time.Millisecond,
		BackoffMax:  10 * time.Millisecond,
	}))
	raw := testutil.SimpleStream(t)
	target := h.http.URL + "/ingest?" + url.Values{"table_name": {"events"}, "namespace": {"raw"}}.Encode()

	const writers, perWriter = 6, 3
	var g errgroup.Group
	for range writers {
		g.Go(func() error {
			for range perWriter {
				resp, err := http.Post(target, "application/vnd.apache.arrow.stream", bytes.NewReader(raw))
				if err != nil {
					return err
				}
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					return fmt.Errorf("status %d: %s", resp.StatusCode, body)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	md := h.metadata("raw", "events")
	if len(md.Snapshots) != writers*perWriter {
		t.Errorf("snapshots = %d, want %d", len(md.Snapshots), writers*perWriter)
	}
	if got, want := md.CurrentSnapshot().Summary["total-records"], strconv.Itoa(writers*perWriter*5); got != want {
		t.Errorf("total-records = %s, want %s", got, want)
	}
	if got := h.catalog.Calls("create_table"); got < 1 {
		t.Errorf("create_table calls = %d", got)
	}
}
