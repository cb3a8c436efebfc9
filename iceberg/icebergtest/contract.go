package icebergtest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/florinutz/iceingest/iceberg"
)

// TestSchema is a small two-column table schema.
func TestSchema() *iceberg.Schema {
	return &iceberg.Schema{
		SchemaID: 0,
		Fields: []iceberg.Field{
			{ID: 1, Name: "id", Type: iceberg.TypeLong, Required: true},
			{ID: 2, Name: "name", Type: iceberg.TypeString},
		},
	}
}

// AppendSnapshot returns base's metadata with one more snapshot on main.
func AppendSnapshot(base *iceberg.Table, id int64) *iceberg.TableMetadata {
	meta := base.Metadata
	var parent *int64
	if meta.CurrentSnapshotID != nil {
		p := *meta.CurrentSnapshotID
		parent = &p
	}
	return meta.WithSnapshot(iceberg.Snapshot{
		SnapshotID:       id,
		ParentSnapshotID: parent,
		SequenceNumber:   meta.LastSeqNumber + 1,
		TimestampMS:      meta.LastUpdatedMS + 1,
		ManifestList:     meta.Location + "/metadata/snap.avro",
		Summary:          map[string]string{"operation": "append"},
		SchemaID:         meta.CurrentSchemaID,
	})
}

// RunCatalogContract runs the behaviour every Catalog implementation must
// share. newCatalog must return a catalog over empty state.
func RunCatalogContract(t *testing.T, newCatalog func(t *testing.T) iceberg.Catalog) {
	t.Helper()
	ctx := context.Background()

	t.Run("create_namespace_twice", func(t *testing.T) {
		c := newCatalog(t)
		ns := iceberg.Namespace{"sales"}
		if err := c.CreateNamespace(ctx, ns, nil); err != nil {
			t.Fatalf("create: %v", err)
		}
		err := c.CreateNamespace(ctx, ns, nil)
		if !errors.Is(err, iceberg.ErrNamespaceExists) {
			t.Errorf("second create: expected ErrNamespaceExists, got %v", err)
		}
	})

	t.Run("list_namespaces", func(t *testing.T) {
		c := newCatalog(t)
		for _, ns := range []iceberg.Namespace{{"a"}, {"b"}, {"a", "inner"}} {
			if err := c.CreateNamespace(ctx, ns, nil); err != nil {
				t.Fatalf("create %s: %v", ns, err)
			}
		}
		top, err := c.ListNamespaces(ctx, nil)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if !containsNS(top, iceberg.Namespace{"a"}) || !containsNS(top, iceberg.Namespace{"b"}) || len(top) != 2 {
			t.Errorf("top-level namespaces = %v, want [a b]", top)
		}
		inner, err := c.ListNamespaces(ctx, iceberg.Namespace{"a"})
		if err != nil {
			t.Fatalf("list a: %v", err)
		}
		if len(inner) != 1 || !inner[0].Equal(iceberg.Namespace{"a", "inner"}) {
			t.Errorf("namespaces under a = %v, want [a.inner]", inner)
		}
	})

	t.Run("table_lifecycle", func(t *testing.T) {
		c := newCatalog(t)
		ident := iceberg.Identifier{Namespace: iceberg.Namespace{"default"}, Name: "events"}
		if err := c.CreateNamespace(ctx, ident.Namespace, nil); err != nil {
			t.Fatalf("create namespace: %v", err)
		}

		exists, err := c.TableExists(ctx, ident)
		if err != nil || exists {
			t.Fatalf("TableExists before create = %v, %v", exists, err)
		}
		if _, err := c.LoadTable(ctx, ident); !errors.Is(err, iceberg.ErrTableNotFound) {
			t.Errorf("LoadTable before create: expected ErrTableNotFound, got %v", err)
		}

		created, err := c.CreateTable(ctx, ident, iceberg.TableCreate{Name: ident.Name, Schema: TestSchema()})
		if err != nil {
			t.Fatalf("create table: %v", err)
		}
		if created.Metadata.CurrentSnapshotID != nil {
			t.Errorf("new table has current snapshot %d", *created.Metadata.CurrentSnapshotID)
		}

		exists, err = c.TableExists(ctx, ident)
		if err != nil || !exists {
			t.Fatalf("TableExists after create = %v, %v", exists, err)
		}

		_, err = c.CreateTable(ctx, ident, iceberg.TableCreate{Name: ident.Name, Schema: TestSchema()})
		if !errors.Is(err, iceberg.ErrTableExists) {
			t.Errorf("second create: expected ErrTableExists, got %v", err)
		}

		loaded, err := c.LoadTable(ctx, ident)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if loaded.Metadata.TableUUID != created.Metadata.TableUUID {
			t.Errorf("uuid changed between create and load")
		}
		if s := loaded.Metadata.CurrentSchema(); s == nil || len(s.Fields) != 2 {
			t.Errorf("current schema = %+v", s)
		}
	})

	t.Run("create_table_missing_namespace", func(t *testing.T) {
		c := newCatalog(t)
		ident := iceberg.Identifier{Namespace: iceberg.Namespace{"nope"}, Name: "t"}
		_, err := c.CreateTable(ctx, ident, iceberg.TableCreate{Name: ident.Name, Schema: TestSchema()})
		if !errors.Is(err, iceberg.ErrNamespaceNotFound) {
			t.Errorf("expected ErrNamespaceNotFound, got %v", err)
		}
	})

	t.Run("commit_advances_main", func(t *testing.T) {
		c := newCatalog(t)
		base := createTable(t, c, "commits")

		committed, err := c.CommitTable(ctx, base.Identifier, base, AppendSnapshot(base, 101))
		if err != nil {
			t.Fatalf("commit: %v", err)
		}
		if id := committed.Metadata.CurrentSnapshotID; id == nil || *id != 101 {
			t.Fatalf("current snapshot = %v, want 101", id)
		}

		second, err := c.CommitTable(ctx, committed.Identifier, committed, AppendSnapshot(committed, 102))
		if err != nil {
			t.Fatalf("second commit: %v", err)
		}

		loaded, err := c.LoadTable(ctx, base.Identifier)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if id := loaded.Metadata.CurrentSnapshotID; id == nil || *id != 102 {
			t.Errorf("loaded current snapshot = %v, want 102", id)
		}
		if got := loaded.Metadata.Refs[iceberg.MainBranch].SnapshotID; got != 102 {
			t.Errorf("main ref = %d, want 102", got)
		}
		if len(loaded.Metadata.Snapshots) != 2 || loaded.Metadata.LastSeqNumber != 2 {
			t.Errorf("snapshots = %d, last seq = %d", len(loaded.Metadata.Snapshots), loaded.Metadata.LastSeqNumber)
		}
		if p := loaded.Metadata.SnapshotByID(102).ParentSnapshotID; p == nil || *p != 101 {
			t.Errorf("parent of 102 = %v, want 101", p)
		}
		if second.MetadataLocation == committed.MetadataLocation {
			t.Errorf("metadata location did not change: %s", second.MetadataLocation)
		}
	})

	t.Run("stale_base_conflicts", func(t *testing.T) {
		c := newCatalog(t)
		base := createTable(t, c, "stale")

		if _, err := c.CommitTable(ctx, base.Identifier, base, AppendSnapshot(base, 201)); err != nil {
			t.Fatalf("first commit: %v", err)
		}
		_, err := c.CommitTable(ctx, base.Identifier, base, AppendSnapshot(base, 202))
		if !errors.Is(err, iceberg.ErrCommitConflict) {
			t.Fatalf("expected ErrCommitConflict, got %v", err)
		}

		loaded, err := c.LoadTable(ctx, base.Identifier)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if id := loaded.Metadata.CurrentSnapshotID; id == nil || *id != 201 {
			t.Errorf("current snapshot = %v, want 201", id)
		}
	})

	t.Run("concurrent_commits_one_wins", func(t *testing.T) {
		c := newCatalog(t)
		base := createTable(t, c, "race")

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := range writers {
			wg.Add(1)
			go func(id int64) {
				defer wg.Done()
				_, err := c.CommitTable(ctx, base.Identifier, base, AppendSnapshot(base, id))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, iceberg.ErrCommitConflict):
					conflicts++
				default:
					t.Errorf("writer %d: unexpected error %v", id, err)
				}
			}(int64(300 + i))
		}
		wg.Wait()

		if wins != 1 || conflicts != writers-1 {
			t.Errorf("wins = %d, conflicts = %d, want 1 and %d", wins, conflicts, writers-1)
		}
		loaded, err := c.LoadTable(ctx, base.Identifier)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(loaded.Metadata.Snapshots) != 1 {
			t.Errorf("snapshots = %d, want 1", len(loaded.Metadata.Snapshots))
		}
	})
}

func createTable(t *testing.T, c iceberg.Catalog, name string) *iceberg.Table {
	t.Helper()
	ctx := context.Background()
	ident := iceberg.Identifier{Namespace: iceberg.Namespace{"default"}, Name: name}
	if err := c.CreateNamespace(ctx, ident.Namespace, nil); err != nil && !errors.Is(err, iceberg.ErrNamespaceExists) {
		t.Fatalf("create namespace: %v", err)
	}
	if _, err := c.CreateTable(ctx, ident, iceberg.TableCreate{Name: name, Schema: TestSchema()}); err != nil {
		t.Fatalf("create table: %v", err)
	}
	tbl, err := c.LoadTable(ctx, ident)
	if err != nil {
		t.Fatalf("load table: %v", err)
	}
	return tbl
}

func containsNS(list []iceberg.Namespace, ns iceberg.Namespace) bool {
	for _, n := range list {
		if n.Equal(ns) {
			return true
		}
	}
	return false
}
