package iceberg

import (
	"encoding/json"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewTableMetadata creates initial Iceberg v2 table metadata with no snapshot.
func NewTableMetadata(location string, schema *Schema, partitionSpec *PartitionSpec, props map[string]string) *TableMetadata {
	if partitionSpec == nil {
		partitionSpec = &PartitionSpec{SpecID: 0, Fields: []PartitionField{}}
	}
	if props == nil {
		props = map[string]string{}
	}
	return &TableMetadata{
		FormatVersion:      2,
		TableUUID:          uuid.New().String(),
		Location:           location,
		LastSeqNumber:      0,
		LastUpdatedMS:      time.Now().UnixMilli(),
		LastColumnID:       lastFieldID(schema),
		Schemas:            []Schema{*schema},
		CurrentSchemaID:    schema.SchemaID,
		PartitionSpecs:     []PartitionSpec{*partitionSpec},
		DefaultSpecID:      partitionSpec.SpecID,
		LastPartitionID:    lastPartFieldID(partitionSpec),
		Properties:         props,
		Snapshots:          []Snapshot{},
		SnapshotLog:        []SnapshotLogEntry{},
		MetadataLog:        []MetadataLogEntry{},
		SortOrders:         []SortOrder{{OrderID: 0, Fields: []SortField{}}},
		DefaultSortOrderID: 0,
		Refs:               map[string]SnapshotRef{},
	}
}

type metadataAlias TableMetadata

// MarshalJSON writes a missing current snapshot as -1, which every Iceberg
// reader accepts.
func (m TableMetadata) MarshalJSON() ([]byte, error) {
	cur := int64(-1)
	if m.CurrentSnapshotID != nil {
		cur = *m.CurrentSnapshotID
	}
	return json.Marshal(struct {
		metadataAlias
		CurrentSnapshotID int64 `json:"current-snapshot-id"`
	}{metadataAlias(m), cur})
}

// UnmarshalJSON accepts null, absent or -1 as "no current snapshot".
func (m *TableMetadata) UnmarshalJSON(data []byte) error {
	aux := struct {
		*metadataAlias
		CurrentSnapshotID *int64 `json:"current-snapshot-id"`
	}{metadataAlias: (*metadataAlias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.CurrentSnapshotID = aux.CurrentSnapshotID
	if m.CurrentSnapshotID != nil && *m.CurrentSnapshotID < 0 {
		m.CurrentSnapshotID = nil
	}
	return nil
}

type schemaAlias Schema

// MarshalJSON adds the "type": "struct" discriminator required on the wire.
func (s Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		schemaAlias
	}{"struct", schemaAlias(s)})
}

// writeMetadata serializes table metadata to JSON.
func writeMetadata(meta *TableMetadata) ([]byte, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

// readMetadata deserializes table metadata from JSON.
func readMetadata(data []byte) (*TableMetadata, error) {
	var meta TableMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// CurrentSchema returns the schema named by current-schema-id, or nil.
func (m *TableMetadata) CurrentSchema() *Schema {
	for i := range m.Schemas {
		if m.Schemas[i].SchemaID == m.CurrentSchemaID {
			return &m.Schemas[i]
		}
	}
	return nil
}

// CurrentSnapshot returns the current snapshot, or nil for an empty table.
func (m *TableMetadata) CurrentSnapshot() *Snapshot {
	if m.CurrentSnapshotID == nil {
		return nil
	}
	return m.SnapshotByID(*m.CurrentSnapshotID)
}

// SnapshotByID returns the snapshot with the given id, or nil.
func (m *TableMetadata) SnapshotByID(id int64) *Snapshot {
	for i := range m.Snapshots {
		if m.Snapshots[i].SnapshotID == id {
			return &m.Snapshots[i]
		}
	}
	return nil
}

// Clone returns a copy that shares no slices or maps with m.
func (m *TableMetadata) Clone() *TableMetadata {
	c := *m
	c.Schemas = slices.Clone(m.Schemas)
	c.PartitionSpecs = slices.Clone(m.PartitionSpecs)
	c.Snapshots = slices.Clone(m.Snapshots)
	c.SnapshotLog = slices.Clone(m.SnapshotLog)
	c.MetadataLog = slices.Clone(m.MetadataLog)
	c.SortOrders = slices.Clone(m.SortOrders)
	c.Properties = maps.Clone(m.Properties)
	c.Refs = maps.Clone(m.Refs)
	if m.CurrentSnapshotID != nil {
		id := *m.CurrentSnapshotID
		c.CurrentSnapshotID = &id
	}
	return &c
}

// WithSnapshot returns a copy of m with snap appended and made current on
// the main branch. The sequence number and timestamps come from snap.
func (m *TableMetadata) WithSnapshot(snap Snapshot) *TableMetadata {
	next := m.Clone()
	next.LastSeqNumber = snap.SequenceNumber
	next.LastUpdatedMS = snap.TimestampMS
	next.Snapshots = append(next.Snapshots, snap)
	next.SnapshotLog = append(next.SnapshotLog, SnapshotLogEntry{
		TimestampMS: snap.TimestampMS,
		SnapshotID:  snap.SnapshotID,
	})
	if next.Refs == nil {
		next.Refs = map[string]SnapshotRef{}
	}
	next.Refs[MainBranch] = SnapshotRef{SnapshotID: snap.SnapshotID, Type: "branch"}
	id := snap.SnapshotID
	next.CurrentSnapshotID = &id
	return next
}

// nextTimestampMS returns a commit timestamp strictly greater than anything
// already recorded in m.
func nextTimestampMS(m *TableMetadata, now time.Time) int64 {
	ts := now.UnixMilli()
	if ts <= m.LastUpdatedMS {
		ts = m.LastUpdatedMS + 1
	}
	return ts
}

// summaryInt reads an integer from the current snapshot summary.
func summaryInt(m *TableMetadata, key string) int64 {
	snap := m.CurrentSnapshot()
	if snap == nil {
		return 0
	}
	n, _ := strconv.ParseInt(snap.Summary[key], 10, 64)
	return n
}

// generateSnapshotID produces a random positive int64 for snapshot IDs.
func generateSnapshotID() int64 {
	return rand.Int64N(1<<62) + 1
}

// lastFieldID returns the highest field ID in the schema.
func lastFieldID(s *Schema) int {
	max := 0
	for _, f := range s.Fields {
		if f.ID > max {
			max = f.ID
		}
	}
	return max
}

// lastPartFieldID returns the highest partition field ID in the spec.
func lastPartFieldID(spec *PartitionSpec) int {
	max := 999 // Iceberg reserves 1000+ for partition fields
	for _, f := range spec.Fields {
		if f.FieldID > max {
			max = f.FieldID
		}
	}
	return max
}
