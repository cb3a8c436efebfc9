package scenarios

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/florinutz/iceingest"
	"github.com/florinutz/iceingest/health"
	"github.com/florinutz/iceingest/iceberg"
	"github.com/florinutz/iceingest/iceberg/icebergtest"
	httpserver "github.com/florinutz/iceingest/internal/server"
	"github.com/florinutz/iceingest/server"
)

// catalogOps are the REST operations a scenario may assert on.
var catalogOps = []string{
	"list_namespaces", "create_namespace", "table_exists",
	"create_table", "load_table", "commit_table",
}

// harness runs the full HTTP stack against an in-memory REST catalog whose
// tables live in a temp directory.
type harness struct {
	t       *testing.T
	catalog *icebergtest.RESTServer
	http    *httptest.Server
}

func newHarness(t *testing.T, opts ...iceingest.Option) *harness {
	t.Helper()
	dir := t.TempDir()
	fake := icebergtest.NewRESTServer(t, dir)
	cat := iceberg.NewRESTCatalog(iceberg.RESTConfig{URI: fake.URL(), Logger: slog.Default()})
	storage := iceberg.NewSchemeStorage(&iceberg.LocalStorage{}, nil)

	checker := health.NewChecker("iceingest")
	opts = append([]iceingest.Option{iceingest.WithWarehouse(dir), iceingest.WithHealthChecker(checker)}, opts...)
	p := iceingest.NewPipeline(cat, storage, opts...)

	srv := httpserver.New(httpserver.Options{
		API:     server.NewAPI(p, server.DefaultMaxBodyBytes, slog.Default()).Handler(),
		Checker: checker,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	return &harness{t: t, catalog: fake, http: ts}
}

// ingest posts raw to /ingest and decodes the JSON reply.
func (h *harness) ingest(namespace, table string, raw []byte) (int, server.Response) {
	h.t.Helper()
	q := url.Values{"table_name": {table}, "namespace": {namespace}}
	resp, err := http.Post(h.http.URL+"/ingest?"+q.Encode(), "application/vnd.apache.arrow.stream", bytes.NewReader(raw))
	if err != nil {
		h.t.Fatalf("post ingest: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response: %v", err)
	}
	var out server.Response
	if err := json.Unmarshal(body, &out); err != nil {
		h.t.Fatalf("decode response %q: %v", body, err)
	}
	return resp.StatusCode, out
}

// calls snapshots the per-operation call counts of the catalog.
func (h *harness) calls() map[string]int {
	out := make(map[string]int, len(catalogOps))
	for _, op := range catalogOps {
		out[op] = h.catalog.Calls(op)
	}
	return out
}

func (h *harness) metadata(namespace, table string) *iceberg.TableMetadata {
	h.t.Helper()
	md := h.catalog.Metadata(iceberg.Identifier{Namespace: iceberg.Namespace{namespace}, Name: table})
	if md == nil {
		h.t.Fatalf("table %s.%s not in catalog", namespace, table)
	}
	return md
}
