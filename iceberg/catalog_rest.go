package iceberg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/florinutz/iceingest/ingesterr"
	"github.com/florinutz/iceingest/internal/circuitbreaker"
	"github.com/florinutz/iceingest/metrics"
)

// maxResponseBytes caps how much of a catalog response is read.
const maxResponseBytes = 16 << 20

// RESTConfig configures a RESTCatalog.
type RESTConfig struct {
	// URI is the catalog base URL, e.g. http://localhost:8181.
	URI string
	// Warehouse is sent to GET /v1/config to select a warehouse.
	Warehouse string
	// Token, if set, is sent as a bearer token.
	Token string
	// Timeout bounds each HTTP request. Defaults to 30s.
	Timeout time.Duration
	// MaxRetries applies to idempotent GET and HEAD requests only.
	MaxRetries int
	// Breaker, if set, fails calls fast while the catalog keeps failing.
	Breaker *circuitbreaker.CircuitBreaker
	Logger  *slog.Logger
}

// RESTCatalog talks to an Iceberg REST catalog (API v1).
//
// Reads go through retryablehttp. Mutations are sent once: a retried POST
// could apply twice, and a commit whose outcome is unknown must surface to
// the caller instead.
type RESTCatalog struct {
	baseURL   string
	warehouse string
	token     string
	retry     *retryablehttp.Client
	plain     *http.Client
	breaker   *circuitbreaker.CircuitBreaker
	logger    *slog.Logger

	mu     sync.RWMutex
	prefix string
}

// NewRESTCatalog creates a REST catalog client. It does no I/O; call
// LoadConfig to pick up server-side overrides such as the path prefix.
func NewRESTCatalog(cfg RESTConfig) *RESTCatalog {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rest_catalog")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = logger
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &RESTCatalog{
		baseURL:   strings.TrimRight(cfg.URI, "/"),
		warehouse: cfg.Warehouse,
		token:     cfg.Token,
		retry:     rc,
		plain:     &http.Client{Timeout: timeout, Transport: rc.HTTPClient.Transport},
		breaker:   cfg.Breaker,
		logger:    logger,
	}
}

type restConfigResponse struct {
	Defaults  map[string]string `json:"defaults"`
	Overrides map[string]string `json:"overrides"`
}

// LoadConfig calls GET /v1/config and applies the "prefix" override.
func (c *RESTCatalog) LoadConfig(ctx context.Context) error {
	u := c.baseURL + "/v1/config"
	if c.warehouse != "" {
		u += "?warehouse=" + url.QueryEscape(c.warehouse)
	}
	status, body, err := c.do(ctx, "get_config", http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return statusError("get_config", status, body, nil)
	}
	var cfg restConfigResponse
	if err := json.Unmarshal(body, &cfg); err != nil {
		return fmt.Errorf("decode config response: %w", err)
	}
	prefix := cfg.Overrides["prefix"]
	if prefix == "" {
		prefix = cfg.Defaults["prefix"]
	}
	c.mu.Lock()
	c.prefix = strings.Trim(prefix, "/")
	c.mu.Unlock()
	c.logger.Info("catalog config loaded", "prefix", prefix)
	return nil
}

func (c *RESTCatalog) url(parts ...string) string {
	c.mu.RLock()
	prefix := c.prefix
	c.mu.RUnlock()

	segs := []string{c.baseURL, "v1"}
	if prefix != "" {
		segs = append(segs, prefix)
	}
	return strings.Join(append(segs, parts...), "/")
}

// nsPath encodes a multi-level namespace as one path segment, levels joined
// by the unit separator (0x1F).
func nsPath(ns Namespace) string {
	return url.PathEscape(strings.Join(ns, "\x1f"))
}

func (c *RESTCatalog) tableURL(ident Identifier) string {
	return c.url("namespaces", nsPath(ident.Namespace), "tables", url.PathEscape(ident.Name))
}

type listNamespacesResponse struct {
	Namespaces    [][]string `json:"namespaces"`
	NextPageToken string     `json:"next-page-token"`
}

func (c *RESTCatalog) ListNamespaces(ctx context.Context, parent Namespace) ([]Namespace, error) {
	var out []Namespace
	token := ""
	for {
		q := url.Values{}
		if len(parent) > 0 {
			q.Set("parent", strings.Join(parent, "\x1f"))
		}
		if token != "" {
			q.Set("pageToken", token)
		}
		u := c.url("namespaces")
		if len(q) > 0 {
			u += "?" + q.Encode()
		}

		status, body, err := c.do(ctx, "list_namespaces", http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			if status == http.StatusNotFound {
				return nil, statusError("list_namespaces", status, body, ErrNamespaceNotFound)
			}
			return nil, statusError("list_namespaces", status, body, nil)
		}

		var resp listNamespacesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode namespaces: %w", err)
		}
		for _, ns := range resp.Namespaces {
			out = append(out, Namespace(ns))
		}
		if resp.NextPageToken == "" || resp.NextPageToken == token {
			return out, nil
		}
		token = resp.NextPageToken
	}
}

func (c *RESTCatalog) CreateNamespace(ctx context.Context, ns Namespace, props map[string]string) error {
	if props == nil {
		props = map[string]string{}
	}
	body := map[string]any{"namespace": []string(ns), "properties": props}
	status, resp, err := c.do(ctx, "create_namespace", http.MethodPost, c.url("namespaces"), body)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return conflictError("create_namespace", resp, ErrNamespaceExists)
	default:
		return statusError("create_namespace", status, resp, nil)
	}
}

func (c *RESTCatalog) TableExists(ctx context.Context, ident Identifier) (bool, error) {
	status, body, err := c.do(ctx, "table_exists", http.MethodHead, c.tableURL(ident), nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError("table_exists", status, body, nil)
	}
}

type loadTableResponse struct {
	MetadataLocation string            `json:"metadata-location"`
	Metadata         *TableMetadata    `json:"metadata"`
	Config           map[string]string `json:"config,omitempty"`
}

func (c *RESTCatalog) CreateTable(ctx context.Context, ident Identifier, req TableCreate) (*Table, error) {
	req.Name = ident.Name
	u := c.url("namespaces", nsPath(ident.Namespace), "tables")
	status, body, err := c.do(ctx, "create_table", http.MethodPost, u, req)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return decodeTable(ident, body)
	case http.StatusConflict:
		return nil, conflictError("create_table", body, ErrTableExists)
	case http.StatusNotFound:
		return nil, statusError("create_table", status, body, ErrNamespaceNotFound)
	default:
		return nil, statusError("create_table", status, body, nil)
	}
}

func (c *RESTCatalog) LoadTable(ctx context.Context, ident Identifier) (*Table, error) {
	status, body, err := c.do(ctx, "load_table", http.MethodGet, c.tableURL(ident), nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return decodeTable(ident, body)
	case http.StatusNotFound:
		return nil, fmt.Errorf("load table %s: %w", ident, ErrTableNotFound)
	default:
		return nil, statusError("load_table", status, body, nil)
	}
}

// CommitTable sends the snapshots added on top of base plus a main ref
// update, guarded by the table uuid and the base's main snapshot.
func (c *RESTCatalog) CommitTable(ctx context.Context, ident Identifier, base *Table, updated *TableMetadata) (*Table, error) {
	var baseSnap any
	if base.Metadata.CurrentSnapshotID != nil {
		baseSnap = *base.Metadata.CurrentSnapshotID
	}
	requirements := []map[string]any{
		{"type": "assert-table-uuid", "uuid": base.Metadata.TableUUID},
		{"type": "assert-ref-snapshot-id", "ref": MainBranch, "snapshot-id": baseSnap},
	}

	var updates []map[string]any
	for _, snap := range updated.Snapshots {
		if base.Metadata.SnapshotByID(snap.SnapshotID) == nil {
			updates = append(updates, map[string]any{"action": "add-snapshot", "snapshot": snap})
		}
	}
	if updated.CurrentSnapshotID != nil {
		updates = append(updates, map[string]any{
			"action":      "set-snapshot-ref",
			"ref-name":    MainBranch,
			"type":        "branch",
			"snapshot-id": *updated.CurrentSnapshotID,
		})
	}

	body := map[string]any{
		"identifier": map[string]any{
			"namespace": []string(ident.Namespace),
			"name":      ident.Name,
		},
		"requirements": requirements,
		"updates":      updates,
	}
	status, resp, err := c.do(ctx, "commit_table", http.MethodPost, c.tableURL(ident), body)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return decodeTable(ident, resp)
	case http.StatusConflict:
		return nil, conflictError("commit_table", resp, ErrCommitConflict)
	case http.StatusNotFound:
		return nil, statusError("commit_table", status, resp, ErrTableNotFound)
	default:
		return nil, statusError("commit_table", status, resp, nil)
	}
}

func decodeTable(ident Identifier, body []byte) (*Table, error) {
	var resp loadTableResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode table %s: %w", ident, err)
	}
	if resp.Metadata == nil {
		return nil, fmt.Errorf("decode table %s: response has no metadata", ident)
	}
	return &Table{Identifier: ident, Metadata: resp.Metadata, MetadataLocation: resp.MetadataLocation}, nil
}

// do performs one catalog call and returns the status and body. Transport
// failures come back as CatalogUnavailable; HTTP statuses are left to the
// caller.
func (c *RESTCatalog) do(ctx context.Context, op, method, u string, body any) (int, []byte, error) {
	start := time.Now()
	defer func() {
		metrics.CatalogRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, nil, fmt.Errorf("marshal %s request: %w", op, err)
		}
	}

	var send func() (*http.Response, error)
	if method == http.MethodGet || method == http.MethodHead {
		req, err := retryablehttp.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("build %s request: %w", op, err)
		}
		c.decorate(req.Header)
		send = func() (*http.Response, error) { return c.retry.Do(req) }
	} else {
		req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
		if err != nil {
			return 0, nil, fmt.Errorf("build %s request: %w", op, err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.decorate(req.Header)
		send = func() (*http.Response, error) { return c.plain.Do(req) }
	}

	if !c.breaker.Allow() {
		return 0, nil, unavailable(op, circuitbreaker.ErrOpen)
	}
	resp, err := send()
	if err != nil {
		c.breaker.RecordFailure()
		return 0, nil, unavailable(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, unavailable(op, fmt.Errorf("read response: %w", err))
	}
	c.logger.Debug("catalog request", "op", op, "method", method, "status", resp.StatusCode)
	return resp.StatusCode, data, nil
}

func (c *RESTCatalog) decorate(h http.Header) {
	h.Set("Accept", "application/json")
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

type errorModel struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func errorMessage(body []byte) string {
	var em errorModel
	if json.Unmarshal(body, &em) == nil && em.Error.Message != "" {
		if em.Error.Type != "" {
			return em.Error.Type + ": " + em.Error.Message
		}
		return em.Error.Message
	}
	return ""
}

// statusError maps an unexpected HTTP status. Gateway and overload statuses
// mean the catalog is unreachable; anything else is a failed request.
func statusError(op string, status int, body []byte, sentinel error) error {
	msg := errorMessage(body)
	var err error
	switch {
	case sentinel != nil && msg != "":
		err = fmt.Errorf("%w: %s", sentinel, msg)
	case sentinel != nil:
		err = sentinel
	case msg != "":
		err = errors.New(msg)
	}

	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		if err == nil {
			err = fmt.Errorf("status %d", status)
		}
		return &ingesterr.CatalogError{Kind: ingesterr.CatalogUnavailable, Op: op, Status: status, Err: err}
	}
	return &ingesterr.CatalogError{Kind: ingesterr.CatalogRequestFailed, Op: op, Status: status, Err: err}
}

func conflictError(op string, body []byte, sentinel error) error {
	err := sentinel
	if msg := errorMessage(body); msg != "" {
		err = fmt.Errorf("%w: %s", sentinel, msg)
	}
	return &ingesterr.CatalogError{Kind: ingesterr.CatalogConflict, Op: op, Status: http.StatusConflict, Err: err}
}
