// Package icebergtest provides an in-memory Iceberg REST catalog and a
// catalog contract suite for tests.
package icebergtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/florinutz/iceingest/iceberg"
)

// RESTServer is a minimal Iceberg REST catalog backed by memory. Tables are
// located under the warehouse, so data written by a committer lands wherever the
// test points it (usually t.TempDir()).
type RESTServer struct {
	warehouse string
	prefix    string
	token     string
	pageSize  int

	srv *httptest.Server

	mu         sync.Mutex
	namespaces map[string]map[string]string
	tables     map[string]*tableEntry
	failures   map[string][]int
	calls      map[string]int
	rawPaths   []string
}

type tableEntry struct {
	meta    *iceberg.TableMetadata
	version int
}

// ServerOption configures a RESTServer.
type ServerOption func(*RESTServer)

// WithPrefix advertises prefix in GET /v1/config and requires it in paths.
func WithPrefix(prefix string) ServerOption {
	return func(s *RESTServer) { s.prefix = prefix }
}

// WithToken requires requests to carry token as a bearer token.
func WithToken(token string) ServerOption {
	return func(s *RESTServer) { s.token = token }
}

// WithPageSize splits namespace listings into pages of n.
func WithPageSize(n int) ServerOption {
	return func(s *RESTServer) { s.pageSize = n }
}

// NewRESTServer starts a fake catalog. It is closed when the test ends.
func NewRESTServer(t testing.TB, warehouse string, opts ...ServerOption) *RESTServer {
	t.Helper()
	s := &RESTServer{
		warehouse:  strings.TrimRight(warehouse, "/"),
		namespaces: map[string]map[string]string{},
		tables:     map[string]*tableEntry{},
		failures:   map[string][]int{},
		calls:      map[string]int{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = httptest.NewServer(s.routes())
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the catalog base URL.
func (s *RESTServer) URL() string { return s.srv.URL }

// FailNext makes the next len(statuses) calls of op answer with those
// statuses instead of being handled. Ops: get_config, list_namespaces,
// create_namespace, table_exists, create_table, load_table, commit_table.
func (s *RESTServer) FailNext(op string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], statuses...)
}

// Calls returns how many times op was requested, failures included.
func (s *RESTServer) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// RawPaths returns the escaped request paths seen so far.
func (s *RESTServer) RawPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.rawPaths...)
}

// HasNamespace reports whether ns was created.
func (s *RESTServer) HasNamespace(ns iceberg.Namespace) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.namespaces[nsKey(ns)]
	return ok
}

// Metadata returns a copy of a table's current metadata, or nil.
func (s *RESTServer) Metadata(ident iceberg.Identifier) *iceberg.TableMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tables[tableKey(ident)]
	if !ok {
		return nil
	}
	return e.meta.Clone()
}

func nsKey(ns iceberg.Namespace) string { return strings.Join(ns, "\x1f") }

func tableKey(ident iceberg.Identifier) string {
	return nsKey(ident.Namespace) + "\x00" + ident.Name
}

func (s *RESTServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)
	r.Get("/v1/config", s.op("get_config", s.getConfig))

	r.Route("/v1/namespaces", func(r chi.Router) {
		r.Get("/", s.op("list_namespaces", s.listNamespaces))
		r.Post("/", s.op("create_namespace", s.createNamespace))
		r.Post("/{ns}/tables", s.op("create_table", s.createTable))
		r.Head("/{ns}/tables/{table}", s.op("table_exists", s.tableExists))
		r.Get("/{ns}/tables/{table}", s.op("load_table", s.loadTable))
		r.Post("/{ns}/tables/{table}", s.op("commit_table", s.commitTable))
	})
	return r
}

func (s *RESTServer) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.rawPaths = append(s.rawPaths, r.URL.EscapedPath())
		s.mu.Unlock()

		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "NotAuthorizedException", "bad token")
			return
		}
		if s.prefix != "" && r.URL.Path != "/v1/config" {
			want := "/v1/" + s.prefix + "/"
			if !strings.HasPrefix(r.URL.Path, want) {
				writeError(w, http.StatusNotFound, "NoSuchPrefix", "unknown prefix")
				return
			}
			r.URL.Path = "/v1/" + strings.TrimPrefix(r.URL.Path, want)
			if r.URL.RawPath != "" {
				r.URL.RawPath = "/v1/" + strings.TrimPrefix(r.URL.RawPath, want)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// op counts calls and applies injected failures.
func (s *RESTServer) op(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[name]++
		var status int
		if q := s.failures[name]; len(q) > 0 {
			status, s.failures[name] = q[0], q[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, "InjectedFailure", fmt.Sprintf("injected %d for %s", status, name))
			return
		}
		h(w, r)
	}
}

func (s *RESTServer) getConfig(w http.ResponseWriter, _ *http.Request) {
	overrides := map[string]string{}
	if s.prefix != "" {
		overrides["prefix"] = s.prefix
	}
	writeJSON(w, http.StatusOK, map[string]any{"defaults": map[string]string{}, "overrides": overrides})
}

func (s *RESTServer) listNamespaces(w http.ResponseWriter, r *http.Request) {
	var parent []string
	if p := r.URL.Query().Get("parent"); p != "" {
		parent = strings.Split(p, "\x1f")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(parent) > 0 {
		if _, ok := s.namespaces[nsKey(parent)]; !ok {
			writeError(w, http.StatusNotFound, "NoSuchNamespaceException", "parent not found")
			return
		}
	}
	out := [][]string{}
	for key := range s.namespaces {
		ns := strings.Split(key, "\x1f")
		if len(ns) == len(parent)+1 && nsKey(ns[:len(parent)]) == nsKey(parent) {
			out = append(out, ns)
		}
	}
	slices.SortFunc(out, func(a, b []string) int { return strings.Compare(nsKey(a), nsKey(b)) })

	resp := map[string]any{}
	if s.pageSize > 0 {
		start, _ := strconv.Atoi(r.URL.Query().Get("pageToken"))
		start = min(start, len(out))
		end := min(start+s.pageSize, len(out))
		if end < len(out) {
			resp["next-page-token"] = strconv.Itoa(end)
		}
		out = out[start:end]
	}
	resp["namespaces"] = out
	writeJSON(w, http.StatusOK, resp)
}

func (s *RESTServer) createNamespace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Namespace  []string          `json:"namespace"`
		Properties map[string]string `json:"properties"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Namespace) == 0 {
		writeError(w, http.StatusBadRequest, "BadRequestException", "invalid namespace")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := nsKey(req.Namespace)
	if _, ok := s.namespaces[key]; ok {
		writeError(w, http.StatusConflict, "AlreadyExistsException", "namespace exists")
		return
	}
	s.namespaces[key] = req.Properties
	writeJSON(w, http.StatusOK, map[string]any{"namespace": req.Namespace, "properties": req.Properties})
}

func pathNamespace(r *http.Request) iceberg.Namespace {
	raw := chi.URLParam(r, "ns")
	if dec, err := url.PathUnescape(raw); err == nil {
		raw = dec
	}
	return iceberg.Namespace(strings.Split(raw, "\x1f"))
}

func pathIdent(r *http.Request) iceberg.Identifier {
	name := chi.URLParam(r, "table")
	if dec, err := url.PathUnescape(name); err == nil {
		name = dec
	}
	return iceberg.Identifier{Namespace: pathNamespace(r), Name: name}
}

func (s *RESTServer) createTable(w http.ResponseWriter, r *http.Request) {
	var req iceberg.TableCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Schema == nil {
		writeError(w, http.StatusBadRequest, "BadRequestException", "invalid create table request")
		return
	}
	ident := iceberg.Identifier{Namespace: pathNamespace(r), Name: req.Name}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[nsKey(ident.Namespace)]; !ok {
		writeError(w, http.StatusNotFound, "NoSuchNamespaceException", "namespace not found")
		return
	}
	if _, ok := s.tables[tableKey(ident)]; ok {
		writeError(w, http.StatusConflict, "AlreadyExistsException", "table exists")
		return
	}

	// Locations from clients are ignored so data always lands in the warehouse.
	location := s.warehouse + "/" + strings.Join(ident.Namespace, "/") + "/" + ident.Name
	meta := iceberg.NewTableMetadata(location, req.Schema, req.PartitionSpec, req.Properties)
	e := &tableEntry{meta: meta, version: 1}
	s.tables[tableKey(ident)] = e
	s.writeTable(w, e)
}

func (s *RESTServer) tableExists(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	_, ok := s.tables[tableKey(pathIdent(r))]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *RESTServer) loadTable(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tables[tableKey(pathIdent(r))]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchTableException", "table not found")
		return
	}
	s.writeTable(w, e)
}

type commitRequest struct {
	Requirements []struct {
		Type       string `json:"type"`
		UUID       string `json:"uuid"`
		Ref        string `json:"ref"`
		SnapshotID *int64 `json:"snapshot-id"`
	} `json:"requirements"`
	Updates []struct {
		Action     string            `json:"action"`
		Snapshot   *iceberg.Snapshot `json:"snapshot"`
		RefName    string            `json:"ref-name"`
		SnapshotID int64             `json:"snapshot-id"`
	} `json:"updates"`
}

func (s *RESTServer) commitTable(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequestException", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tables[tableKey(pathIdent(r))]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchTableException", "table not found")
		return
	}

	for _, rq := range req.Requirements {
		switch rq.Type {
		case "assert-table-uuid":
			if rq.UUID != e.meta.TableUUID {
				writeError(w, http.StatusConflict, "CommitFailedException", "table uuid mismatch")
				return
			}
		case "assert-ref-snapshot-id":
			var cur *int64
			if ref, ok := e.meta.Refs[rq.Ref]; ok {
				cur = &ref.SnapshotID
			}
			if (cur == nil) != (rq.SnapshotID == nil) || (cur != nil && *cur != *rq.SnapshotID) {
				writeError(w, http.StatusConflict, "CommitFailedException", "ref "+rq.Ref+" has changed")
				return
			}
		default:
			writeError(w, http.StatusBadRequest, "BadRequestException", "unknown requirement "+rq.Type)
			return
		}
	}

	next := e.meta.Clone()
	for _, u := range req.Updates {
		switch u.Action {
		case "add-snapshot":
			if u.Snapshot == nil {
				writeError(w, http.StatusBadRequest, "BadRequestException", "missing snapshot")
				return
			}
			if u.Snapshot.SequenceNumber <= next.LastSeqNumber {
				writeError(w, http.StatusBadRequest, "BadRequestException", "sequence number did not advance")
				return
			}
			next.Snapshots = append(next.Snapshots, *u.Snapshot)
			next.LastSeqNumber = u.Snapshot.SequenceNumber
			if u.Snapshot.TimestampMS > next.LastUpdatedMS {
				next.LastUpdatedMS = u.Snapshot.TimestampMS
			}
		case "set-snapshot-ref":
			if next.SnapshotByID(u.SnapshotID) == nil {
				writeError(w, http.StatusBadRequest, "BadRequestException", "unknown snapshot")
				return
			}
			if next.Refs == nil {
				next.Refs = map[string]iceberg.SnapshotRef{}
			}
			next.Refs[u.RefName] = iceberg.SnapshotRef{SnapshotID: u.SnapshotID, Type: "branch"}
			if u.RefName == iceberg.MainBranch {
				id := u.SnapshotID
				next.CurrentSnapshotID = &id
				next.SnapshotLog = append(next.SnapshotLog, iceberg.SnapshotLogEntry{
					TimestampMS: next.SnapshotByID(id).TimestampMS,
					SnapshotID:  id,
				})
			}
		default:
			writeError(w, http.StatusBadRequest, "BadRequestException", "unknown update "+u.Action)
			return
		}
	}

	e.meta = next
	e.version++
	s.writeTable(w, e)
}

func (s *RESTServer) writeTable(w http.ResponseWriter, e *tableEntry) {
	writeJSON(w, http.StatusOK, map[string]any{
		"metadata-location": fmt.Sprintf("%s/metadata/v%d.metadata.json", e.meta.Location, e.version),
		"metadata":          e.meta,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": msg, "type": typ, "code": status},
	})
}
