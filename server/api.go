package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/florinutz/iceingest"
	"github.com/florinutz/iceingest/batch"
	"github.com/florinutz/iceingest/ingesterr"
	"github.com/florinutz/iceingest/metrics"
)

// DefaultMaxBodyBytes caps a request body when no limit is configured.
const DefaultMaxBodyBytes = 256 << 20

// Ingester is the part of iceingest.Pipeline the handlers need.
type Ingester interface {
	Ingest(ctx context.Context, namespace, table string, raw []byte) (iceingest.Result, error)
}

// Response is the body of every ingest reply, on HTTP and in Flight
// PutResult metadata.
type Response struct {
	Success         bool    `json:"success"`
	Message         string  `json:"message"`
	RecordsIngested *uint64 `json:"records_ingested"`
	ErrorKind       string  `json:"error_kind,omitempty"`
	Namespace       string  `json:"namespace,omitempty"`
	Table           string  `json:"table,omitempty"`
	SnapshotID      int64   `json:"snapshot_id,omitempty"`
}

// NewResponse builds the reply for an ingest outcome.
func NewResponse(res iceingest.Result, err error) Response {
	if err != nil {
		return Response{Message: err.Error(), ErrorKind: ingesterr.Kind(err)}
	}
	rows := res.RowsIngested
	return Response{
		Success:         true,
		Message:         fmt.Sprintf("Successfully ingested %d records", rows),
		RecordsIngested: &rows,
		Namespace:       res.Namespace,
		Table:           res.Table,
		SnapshotID:      res.SnapshotID,
	}
}

// StatusFor maps an ingest error to its HTTP status.
func StatusFor(err error) int {
	var sm *ingesterr.SchemaMismatchError
	var we *ingesterr.WriteError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &sm):
		return http.StatusConflict
	case ingesterr.IsClientFault(err):
		return http.StatusBadRequest
	case ingesterr.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &we) && we.Kind == ingesterr.WriteCommitConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// API serves the ingest endpoints.
type API struct {
	ingester Ingester
	maxBody  int64
	service  string
	logger   *slog.Logger
}

// NewAPI creates the ingest API. maxBody <= 0 means DefaultMaxBodyBytes.
func NewAPI(ing Ingester, maxBody int64, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &API{
		ingester: ing,
		maxBody:  maxBody,
		service:  "iceingest",
		logger:   logger.With("component", "http"),
	}
}

// Handler returns a chi router with the ingest API.
//
//	POST /ingest?table_name=..&namespace=..  raw Arrow IPC stream body
//	POST /ingest/json                        {"table_name","namespace","data": base64}
//	GET|POST /health                         static liveness reply
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Post("/ingest", a.ingestStream)
	r.Post("/ingest/json", a.ingestJSON)
	r.Get("/health", a.health)
	r.Post("/health", a.health)

	return r
}

type ingestRequest struct {
	TableName string `json:"table_name"`
	Namespace string `json:"namespace"`
	Data      string `json:"data"`
}

func (a *API) ingestStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.maxBody))
	if err != nil {
		a.readFailed(w, r, err)
		return
	}
	a.ingest(w, r, q.Get("namespace"), q.Get("table_name"), raw)
}

func (a *API) ingestJSON(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.maxBody))
	if err := dec.Decode(&req); err != nil {
		a.readFailed(w, r, err)
		return
	}
	// Checked before the payload, as the stream route does through Ingest.
	if req.TableName == "" {
		a.reply(w, r, iceingest.Result{}, ingesterr.ErrMissingTable)
		return
	}
	raw, err := batch.FromBase64(req.Data)
	if err != nil {
		a.reply(w, r, iceingest.Result{}, err)
		return
	}
	a.ingest(w, r, req.Namespace, req.TableName, raw)
}

func (a *API) ingest(w http.ResponseWriter, r *http.Request, namespace, table string, raw []byte) {
	a.logger.DebugContext(r.Context(), "ingest request",
		"table", table,
		"namespace", namespace,
		"bytes", len(raw),
	)
	res, err := a.ingester.Ingest(r.Context(), namespace, table, raw)
	a.reply(w, r, res, err)
}

func (a *API) reply(w http.ResponseWriter, r *http.Request, res iceingest.Result, err error) {
	status := StatusFor(err)
	outcome := "ok"
	if err != nil {
		outcome = ingesterr.Kind(err)
		if status >= http.StatusInternalServerError {
			a.logger.ErrorContext(r.Context(), "ingest failed", "error", err)
		}
	}
	metrics.IngestRequests.WithLabelValues("http", outcome).Inc()
	writeJSON(w, status, NewResponse(res, err))
}

// readFailed answers a body that could not be read: 413 when it exceeds the
// cap, 400 otherwise.
func (a *API) readFailed(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		metrics.IngestRequests.WithLabelValues("http", "too_large").Inc()
		writeJSON(w, http.StatusRequestEntityTooLarge, Response{
			Message:   fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			ErrorKind: "too_large",
		})
		return
	}
	a.reply(w, r, iceingest.Result{}, fmt.Errorf("%w: %v", ingesterr.ErrInvalidRequest, err))
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": a.service,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
