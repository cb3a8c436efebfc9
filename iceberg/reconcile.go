package iceberg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/florinutz/iceingest/ingesterr"
	"github.com/florinutz/iceingest/metrics"
)

// DefaultWarehouse is the root under which new tables are located.
const DefaultWarehouse = "s3://iceberg-data"

// SchemaPolicy decides what happens when a batch arrives for an existing
// table.
type SchemaPolicy string

const (
	// SchemaPermissive accepts any batch for an existing table.
	SchemaPermissive SchemaPolicy = "permissive"
	// SchemaStrict requires the batch schema to match the table's current
	// schema column by column.
	SchemaStrict SchemaPolicy = "strict"
)

// defaultTableProperties are set on every table the reconciler creates.
func defaultTableProperties() map[string]string {
	return map[string]string{
		"write.format.default":           "parquet",
		"write.metadata.metrics.default": "truncate(16)",
	}
}

// Reconciler makes sure the namespace and table a batch targets exist.
// Creation is idempotent: losing a creation race counts as success.
type Reconciler struct {
	catalog   Catalog
	warehouse string
	policy    SchemaPolicy
	logger    *slog.Logger
}

// NewReconciler creates a reconciler. An empty warehouse means
// DefaultWarehouse and an empty policy means SchemaPermissive.
func NewReconciler(catalog Catalog, warehouse string, policy SchemaPolicy, logger *slog.Logger) *Reconciler {
	if warehouse == "" {
		warehouse = DefaultWarehouse
	}
	if policy == "" {
		policy = SchemaPermissive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		catalog:   catalog,
		warehouse: strings.TrimRight(warehouse, "/"),
		policy:    policy,
		logger:    logger.With("component", "reconciler"),
	}
}

// TableLocation returns {warehouse}/{namespace levels}/{table}.
func (r *Reconciler) TableLocation(ident Identifier) string {
	return joinPath(r.warehouse, append(append([]string{}, ident.Namespace...), ident.Name)...)
}

// EnsureNamespace creates ns and any missing ancestors.
func (r *Reconciler) EnsureNamespace(ctx context.Context, ns Namespace) error {
	if len(ns) == 0 {
		return errors.New("ensure namespace: empty namespace")
	}
	for depth := 1; depth <= len(ns); depth++ {
		if err := r.ensureLevel(ctx, ns[:depth]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) ensureLevel(ctx context.Context, ns Namespace) error {
	exists, err := r.namespaceExists(ctx, ns)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	err = r.catalog.CreateNamespace(ctx, ns, map[string]string{})
	if errors.Is(err, ErrNamespaceExists) {
		r.logger.Debug("namespace created concurrently", "namespace", ns.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("create namespace %s: %w", ns, err)
	}
	metrics.NamespacesCreated.Inc()
	r.logger.Info("namespace created", "namespace", ns.String())
	return nil
}

func (r *Reconciler) namespaceExists(ctx context.Context, ns Namespace) (bool, error) {
	if nc, ok := r.catalog.(NamespaceChecker); ok {
		exists, err := nc.NamespaceExists(ctx, ns)
		if err != nil {
			return false, fmt.Errorf("check namespace %s: %w", ns, err)
		}
		return exists, nil
	}
	existing, err := r.catalog.ListNamespaces(ctx, ns.Parent())
	if err != nil {
		return false, fmt.Errorf("list namespaces under %q: %w", ns.Parent(), err)
	}
	return slices.ContainsFunc(existing, ns.Equal), nil
}

// EnsureTable makes sure ident exists, creating it with schema when absent.
// It reports whether this call created the table.
func (r *Reconciler) EnsureTable(ctx context.Context, ident Identifier, schema *Schema) (bool, error) {
	if err := r.EnsureNamespace(ctx, ident.Namespace); err != nil {
		return false, err
	}

	exists, err := r.catalog.TableExists(ctx, ident)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", ident, err)
	}
	if exists {
		return false, r.checkSchema(ctx, ident, schema)
	}

	_, err = r.catalog.CreateTable(ctx, ident, TableCreate{
		Name:          ident.Name,
		Location:      r.TableLocation(ident),
		Schema:        schema,
		PartitionSpec: &PartitionSpec{SpecID: 0, Fields: []PartitionField{}},
		WriteOrder:    &SortOrder{OrderID: 0, Fields: []SortField{}},
		Properties:    defaultTableProperties(),
	})
	if errors.Is(err, ErrTableExists) {
		r.logger.Debug("table created concurrently", "table", ident.String())
		return false, r.checkSchema(ctx, ident, schema)
	}
	if err != nil {
		return false, fmt.Errorf("create table %s: %w", ident, err)
	}
	metrics.TablesCreated.Inc()
	r.logger.Info("table created", "table", ident.String(), "columns", len(schema.Fields))
	return true, nil
}

func (r *Reconciler) checkSchema(ctx context.Context, ident Identifier, schema *Schema) error {
	if r.policy != SchemaStrict {
		return nil
	}
	tbl, err := r.catalog.LoadTable(ctx, ident)
	if err != nil {
		return fmt.Errorf("load table %s: %w", ident, err)
	}
	current := tbl.Metadata.CurrentSchema()
	if current == nil {
		return fmt.Errorf("table %s has no current schema", ident)
	}
	if reason := compareSchemas(current, schema); reason != "" {
		return &ingesterr.SchemaMismatchError{Table: ident.String(), Reason: reason}
	}
	return nil
}
