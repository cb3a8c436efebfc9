package iceberg

// Iceberg table format v2 type definitions.
// See: https://iceberg.apache.org/spec/

// TableMetadata is the top-level Iceberg table metadata (format-version 2).
// CurrentSnapshotID is nil while the table has no snapshot; it is written as
// -1 and a -1 read back is normalised to nil.
type TableMetadata struct {
	FormatVersion      int                    `json:"format-version"`
	TableUUID          string                 `json:"table-uuid"`
	Location           string                 `json:"location"`
	LastSeqNumber      int64                  `json:"last-sequence-number"`
	LastUpdatedMS      int64                  `json:"last-updated-ms"`
	LastColumnID       int                    `json:"last-column-id"`
	Schemas            []Schema               `json:"schemas"`
	CurrentSchemaID    int                    `json:"current-schema-id"`
	PartitionSpecs     []PartitionSpec        `json:"partition-specs"`
	DefaultSpecID      int                    `json:"default-spec-id"`
	LastPartitionID    int                    `json:"last-partition-id"`
	Properties         map[string]string      `json:"properties,omitempty"`
	CurrentSnapshotID  *int64                 `json:"current-snapshot-id"`
	Snapshots          []Snapshot             `json:"snapshots"`
	SnapshotLog        []SnapshotLogEntry     `json:"snapshot-log"`
	MetadataLog        []MetadataLogEntry     `json:"metadata-log"`
	SortOrders         []SortOrder            `json:"sort-orders"`
	DefaultSortOrderID int                    `json:"default-sort-order-id"`
	Refs               map[string]SnapshotRef `json:"refs,omitempty"`
}

// Schema defines the columns of an Iceberg table.
type Schema struct {
	SchemaID int     `json:"schema-id"`
	Fields   []Field `json:"fields"`
}

// Field is a single column in an Iceberg schema.
type Field struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Doc      string `json:"doc,omitempty"`
}

// PartitionSpec defines how data is partitioned.
type PartitionSpec struct {
	SpecID int              `json:"spec-id"`
	Fields []PartitionField `json:"fields"`
}

// PartitionField maps a source column to a partition transform.
type PartitionField struct {
	SourceID  int    `json:"source-id"`
	FieldID   int    `json:"field-id"`
	Name      string `json:"name"`
	Transform string `json:"transform"` // "identity", "day", "month", "year", "hour"
}

// Snapshot records a point-in-time view of the table.
type Snapshot struct {
	SnapshotID       int64             `json:"snapshot-id"`
	ParentSnapshotID *int64            `json:"parent-snapshot-id,omitempty"`
	SequenceNumber   int64             `json:"sequence-number"`
	TimestampMS      int64             `json:"timestamp-ms"`
	ManifestList     string            `json:"manifest-list"`
	Summary          map[string]string `json:"summary"`
	SchemaID         int               `json:"schema-id"`
}

// SnapshotLogEntry records when a snapshot was made current.
type SnapshotLogEntry struct {
	TimestampMS int64 `json:"timestamp-ms"`
	SnapshotID  int64 `json:"snapshot-id"`
}

// MetadataLogEntry records a previous metadata file of the table.
type MetadataLogEntry struct {
	TimestampMS  int64  `json:"timestamp-ms"`
	MetadataFile string `json:"metadata-file"`
}

// SnapshotRef is a named pointer to a snapshot. Only the "main" branch is
// maintained here.
type SnapshotRef struct {
	SnapshotID int64  `json:"snapshot-id"`
	Type       string `json:"type"` // "branch" or "tag"
}

// MainBranch is the ref every append advances.
const MainBranch = "main"

// SortOrder defines how data is sorted within files.
type SortOrder struct {
	OrderID int         `json:"order-id"`
	Fields  []SortField `json:"fields"`
}

// SortField is a single sort column.
type SortField struct {
	SourceID  int    `json:"source-id"`
	Transform string `json:"transform"`
	Direction string `json:"direction"`  // "asc" or "desc"
	NullOrder string `json:"null-order"` // "nulls-first" or "nulls-last"
}

// DataFile describes a single Parquet data file in the table.
type DataFile struct {
	ContentType     int
	FilePath        string
	FileFormat      string
	RecordCount     int64
	FileSizeBytes   int64
	ColumnSizes     map[int]int64
	ValueCounts     map[int]int64
	NullValueCounts map[int]int64
	LowerBounds     map[int][]byte
	UpperBounds     map[int][]byte
}

// ManifestEntry status constants.
const (
	ManifestEntryStatusExisting = 0
	ManifestEntryStatusAdded    = 1
	ManifestEntryStatusDeleted  = 2
)

// ManifestFile describes a manifest in the manifest list (Avro).
type ManifestFile struct {
	ManifestPath        string `avro:"manifest_path"`
	ManifestLength      int64  `avro:"manifest_length"`
	PartitionSpecID     int    `avro:"partition_spec_id"`
	ContentType         int    `avro:"content"` // 0 = data
	SequenceNumber      int64  `avro:"sequence_number"`
	MinSequenceNumber   int64  `avro:"min_sequence_number"`
	AddedSnapshotID     int64  `avro:"added_snapshot_id"`
	AddedDataFilesCount int    `avro:"added_data_files_count"`
	AddedRowsCount      int64  `avro:"added_rows_count"`
	ExistingDataFiles   int    `avro:"existing_data_files_count"`
	ExistingRowsCount   int64  `avro:"existing_rows_count"`
	DeletedDataFiles    int    `avro:"deleted_data_files_count"`
	DeletedRowsCount    int64  `avro:"deleted_rows_count"`
}

// Table is a loaded table: its identifier, the metadata and where that
// metadata lives. It is the base of a conditional commit.
type Table struct {
	Identifier       Identifier
	Metadata         *TableMetadata
	MetadataLocation string
}

// TableCreate is the request body for creating a table.
type TableCreate struct {
	Name          string            `json:"name"`
	Location      string            `json:"location,omitempty"`
	Schema        *Schema           `json:"schema"`
	PartitionSpec *PartitionSpec    `json:"partition-spec,omitempty"`
	WriteOrder    *SortOrder        `json:"write-order,omitempty"`
	StageCreate   bool              `json:"stage-create"`
	Properties    map[string]string `json:"properties,omitempty"`
}
