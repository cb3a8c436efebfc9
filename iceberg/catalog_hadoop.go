package iceberg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/florinutz/iceingest/ingesterr"
)

const (
	namespaceMarker = ".namespace.json"
	versionHintFile = "version-hint.text"
)

// HadoopCatalog stores Iceberg metadata as versioned JSON files on a filesystem
// or object store. No catalog server required.
//
// Layout:
//
//	{warehouse}/{ns...}/.namespace.json
//	{warehouse}/{ns...}/{table}/metadata/vN.metadata.json
//	{warehouse}/{ns...}/{table}/metadata/version-hint.text
//
// Commits create vN+1 with WriteIfAbsent, so of two writers racing from the
// same base exactly one wins.
type HadoopCatalog struct {
	warehouse string
	storage   Storage
}

// NewHadoopCatalog creates a hadoop-style catalog backed by the given storage.
func NewHadoopCatalog(warehouse string, storage Storage) *HadoopCatalog {
	return &HadoopCatalog{
		warehouse: strings.TrimRight(warehouse, "/"),
		storage:   storage,
	}
}

type namespaceFile struct {
	Namespace  []string          `json:"namespace"`
	Properties map[string]string `json:"properties"`
}

func (c *HadoopCatalog) namespacePath(ns Namespace) string {
	return joinPath(c.warehouse, ns...)
}

func (c *HadoopCatalog) tablePath(ident Identifier) string {
	return joinPath(c.namespacePath(ident.Namespace), ident.Name)
}

func (c *HadoopCatalog) metadataDir(ident Identifier) string {
	return joinPath(c.tablePath(ident), "metadata")
}

func metadataFile(dir string, version int) string {
	return joinPath(dir, fmt.Sprintf("v%d.metadata.json", version))
}

func unavailable(op string, err error) error {
	return &ingesterr.CatalogError{Kind: ingesterr.CatalogUnavailable, Op: op, Err: err}
}

// ListNamespaces returns the directories directly below parent that carry
// a namespace marker. It reads one directory level and checks one marker per
// child, so its cost does not depend on how many files the tables hold.
func (c *HadoopCatalog) ListNamespaces(ctx context.Context, parent Namespace) ([]Namespace, error) {
	dirs, err := c.storage.ListDirs(ctx, c.namespacePath(parent)+"/")
	if err != nil {
		return nil, unavailable("list_namespaces", err)
	}

	var out []Namespace
	for _, dir := range dirs {
		child := append(slices.Clone(parent), dir)
		ok, err := c.NamespaceExists(ctx, child)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, child)
		}
	}
	slices.SortFunc(out, func(a, b Namespace) int { return strings.Compare(a.String(), b.String()) })
	return out, nil
}

// CreateNamespace writes the namespace marker with its properties.
func (c *HadoopCatalog) CreateNamespace(ctx context.Context, ns Namespace, props map[string]string) error {
	if len(ns) == 0 {
		return errors.New("create namespace: empty namespace")
	}
	if props == nil {
		props = map[string]string{}
	}
	data, err := json.Marshal(namespaceFile{Namespace: ns, Properties: props})
	if err != nil {
		return fmt.Errorf("marshal namespace: %w", err)
	}
	err = c.storage.WriteIfAbsent(ctx, joinPath(c.namespacePath(ns), namespaceMarker), data)
	if errors.Is(err, ErrObjectExists) {
		return fmt.Errorf("create namespace %s: %w", ns, ErrNamespaceExists)
	}
	if err != nil {
		return unavailable("create_namespace", err)
	}
	return nil
}

// NamespaceExists checks for the marker of ns alone.
func (c *HadoopCatalog) NamespaceExists(ctx context.Context, ns Namespace) (bool, error) {
	ok, err := c.storage.Exists(ctx, joinPath(c.namespacePath(ns), namespaceMarker))
	if err != nil {
		return false, unavailable("namespace_exists", err)
	}
	return ok, nil
}

// TableExists reports whether at least one metadata version exists.
func (c *HadoopCatalog) TableExists(ctx context.Context, ident Identifier) (bool, error) {
	version, err := c.latestVersion(ctx, c.metadataDir(ident))
	if err != nil {
		return false, unavailable("table_exists", err)
	}
	return version > 0, nil
}

// CreateTable writes the initial metadata as v1.metadata.json.
func (c *HadoopCatalog) CreateTable(ctx context.Context, ident Identifier, req TableCreate) (*Table, error) {
	ok, err := c.NamespaceExists(ctx, ident.Namespace)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("create table %s: %w", ident, ErrNamespaceNotFound)
	}

	location := req.Location
	if location == "" {
		location = c.tablePath(ident)
	}
	meta := NewTableMetadata(location, req.Schema, req.PartitionSpec, req.Properties)
	if req.WriteOrder != nil {
		meta.SortOrders = []SortOrder{*req.WriteOrder}
		meta.DefaultSortOrderID = req.WriteOrder.OrderID
	}

	data, err := writeMetadata(meta)
	if err != nil {
		return nil, err
	}

	metaDir := c.metadataDir(ident)
	metaPath := metadataFile(metaDir, 1)
	err = c.storage.WriteIfAbsent(ctx, metaPath, data)
	if errors.Is(err, ErrObjectExists) {
		return nil, fmt.Errorf("create table %s: %w", ident, ErrTableExists)
	}
	if err != nil {
		return nil, unavailable("create_table", err)
	}

	c.writeHint(ctx, metaDir, 1)
	return &Table{Identifier: ident, Metadata: meta, MetadataLocation: metaPath}, nil
}

// LoadTable reads the latest versioned metadata file.
func (c *HadoopCatalog) LoadTable(ctx context.Context, ident Identifier) (*Table, error) {
	metaDir := c.metadataDir(ident)

	version, err := c.latestVersion(ctx, metaDir)
	if err != nil {
		return nil, unavailable("load_table", err)
	}
	if version < 1 {
		return nil, fmt.Errorf("load table %s: %w", ident, ErrTableNotFound)
	}

	metaPath := metadataFile(metaDir, version)
	data, err := c.storage.Read(ctx, metaPath)
	if err != nil {
		return nil, unavailable("load_table", fmt.Errorf("read metadata v%d: %w", version, err))
	}

	meta, err := readMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("parse metadata v%d: %w: %w", version, ErrMetadataUnreadable, err)
	}
	return &Table{Identifier: ident, Metadata: meta, MetadataLocation: metaPath}, nil
}

// CommitTable writes the next versioned metadata file. The commit only
// succeeds if base is still the latest version and nobody else creates the
// next version first.
func (c *HadoopCatalog) CommitTable(ctx context.Context, ident Identifier, base *Table, updated *TableMetadata) (*Table, error) {
	baseVersion, err := parseVersion(base.MetadataLocation)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", ident, err)
	}
	if updated.TableUUID != base.Metadata.TableUUID {
		return nil, fmt.Errorf("commit %s: table uuid changed: %w", ident, ErrCommitConflict)
	}

	metaDir := c.metadataDir(ident)
	current, err := c.latestVersion(ctx, metaDir)
	if err != nil {
		return nil, unavailable("commit_table", err)
	}
	if current != baseVersion {
		return nil, fmt.Errorf("commit %s: base is v%d, latest is v%d: %w", ident, baseVersion, current, ErrCommitConflict)
	}

	next := updated.Clone()
	next.MetadataLog = append(next.MetadataLog, MetadataLogEntry{
		TimestampMS:  base.Metadata.LastUpdatedMS,
		MetadataFile: base.MetadataLocation,
	})

	data, err := writeMetadata(next)
	if err != nil {
		return nil, err
	}

	newVersion := baseVersion + 1
	metaPath := metadataFile(metaDir, newVersion)
	err = c.storage.WriteIfAbsent(ctx, metaPath, data)
	if errors.Is(err, ErrObjectExists) {
		return nil, fmt.Errorf("commit %s v%d: %w", ident, newVersion, ErrCommitConflict)
	}
	if err != nil {
		return nil, unavailable("commit_table", err)
	}

	c.writeHint(ctx, metaDir, newVersion)
	return &Table{Identifier: ident, Metadata: next, MetadataLocation: metaPath}, nil
}

// writeHint updates version-hint.text. The hint only speeds up lookups:
// latestVersion probes past a stale hint, so a failed write is ignored.
func (c *HadoopCatalog) writeHint(ctx context.Context, metaDir string, version int) {
	_ = c.storage.Write(ctx, joinPath(metaDir, versionHintFile), []byte(strconv.Itoa(version)))
}

// latestVersion finds the highest version number in the metadata directory.
// Returns 0 if no metadata files exist.
func (c *HadoopCatalog) latestVersion(ctx context.Context, metaDir string) (int, error) {
	hintData, err := c.storage.Read(ctx, joinPath(metaDir, versionHintFile))
	if err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(string(hintData))); err == nil && v > 0 {
			if exists, err := c.storage.Exists(ctx, metadataFile(metaDir, v)); err == nil && exists {
				return c.probeForward(ctx, metaDir, v)
			}
		}
	}
	return c.scanVersions(ctx, metaDir)
}

// probeForward advances from a known version while newer ones exist.
func (c *HadoopCatalog) probeForward(ctx context.Context, metaDir string, v int) (int, error) {
	for {
		exists, err := c.storage.Exists(ctx, metadataFile(metaDir, v+1))
		if err != nil {
			return 0, fmt.Errorf("probe v%d: %w", v+1, err)
		}
		if !exists {
			return v, nil
		}
		v++
	}
}

// scanVersions lists the metadata directory and finds the highest version.
func (c *HadoopCatalog) scanVersions(ctx context.Context, metaDir string) (int, error) {
	paths, err := c.storage.List(ctx, metaDir+"/")
	if err != nil {
		return 0, fmt.Errorf("scan versions: %w", err)
	}
	latest := 0
	for _, p := range paths {
		if v, err := parseVersion(p); err == nil && v > latest {
			latest = v
		}
	}
	return latest, nil
}

// parseVersion extracts N from a .../vN.metadata.json path.
func parseVersion(p string) (int, error) {
	name := path.Base(filepath.ToSlash(p))
	digits, ok := strings.CutPrefix(name, "v")
	if ok {
		digits, ok = strings.CutSuffix(digits, ".metadata.json")
	}
	if !ok {
		return 0, fmt.Errorf("not a versioned metadata file: %s", p)
	}
	v, err := strconv.Atoi(digits)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("not a versioned metadata file: %s", p)
	}
	return v, nil
}
