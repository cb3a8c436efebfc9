package iceberg

import (
	"context"
	"errors"
)

var (
	ErrNamespaceExists   = errors.New("namespace already exists")
	ErrNamespaceNotFound = errors.New("namespace not found")
	ErrTableExists       = errors.New("table already exists")
	ErrTableNotFound     = errors.New("table not found")
	// ErrCommitConflict means the table changed since the base was loaded.
	// The caller should reload and retry.
	ErrCommitConflict = errors.New("commit conflict: table metadata changed")
	// ErrMetadataUnreadable means the newest metadata file could not be
	// parsed. A writer may still be producing it, so loads are retried.
	ErrMetadataUnreadable = errors.New("table metadata unreadable")
)

// Catalog manages namespaces and Iceberg table metadata. Implementations are
// shared by all requests and must be safe for concurrent use.
type Catalog interface {
	// ListNamespaces returns the direct children of parent, or the
	// top-level namespaces when parent is empty.
	ListNamespaces(ctx context.Context, parent Namespace) ([]Namespace, error)

	// CreateNamespace creates ns. It returns an error wrapping
	// ErrNamespaceExists if ns is already present.
	CreateNamespace(ctx context.Context, ns Namespace, props map[string]string) error

	TableExists(ctx context.Context, ident Identifier) (bool, error)

	// CreateTable creates a table with no snapshot. It returns an error
	// wrapping ErrTableExists if the identifier is taken.
	CreateTable(ctx context.Context, ident Identifier, req TableCreate) (*Table, error)

	// LoadTable returns the current table. It returns an error wrapping
	// ErrTableNotFound if the table does not exist.
	LoadTable(ctx context.Context, ident Identifier) (*Table, error)

	// CommitTable atomically replaces base with updated. It fails with an
	// error wrapping ErrCommitConflict if the table is no longer at base.
	CommitTable(ctx context.Context, ident Identifier, base *Table, updated *TableMetadata) (*Table, error)
}

// NamespaceChecker is implemented by catalogs that can tell whether a single
// namespace exists more cheaply than by listing its siblings.
type NamespaceChecker interface {
	NamespaceExists(ctx context.Context, ns Namespace) (bool, error)
}
