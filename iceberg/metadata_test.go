package iceberg

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func testMetadata() *TableMetadata {
	return NewTableMetadata("s3://wh/db/t", &Schema{Fields: []Field{
		{ID: 1, Name: "id", Type: TypeLong, Required: true},
		{ID: 2, Name: "name", Type: TypeString},
	}}, nil, map[string]string{"write.format.default": "parquet"})
}

func TestNewTableMetadata(t *testing.T) {
	m := testMetadata()
	if m.FormatVersion != 2 || m.TableUUID == "" || m.LastColumnID != 2 || m.LastPartitionID != 999 {
		t.Errorf("unexpected metadata: %+v", m)
	}
	if m.CurrentSnapshotID != nil || m.CurrentSnapshot() != nil {
		t.Error("new table must have no current snapshot")
	}
	if m.CurrentSchema() == nil {
		t.Error("current schema not found")
	}
}

func TestMetadata_JSON(t *testing.T) {
	m := testMetadata()
	data, err := writeMetadata(m)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, want := range []string{`"current-snapshot-id": -1`, `"type": "struct"`, `"format-version": 2`} {
		if !strings.Contains(s, want) {
			t.Errorf("metadata JSON lacks %s:\n%s", want, s)
		}
	}

	back, err := readMetadata(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.CurrentSnapshotID != nil {
		t.Errorf("-1 read back as %d, want nil", *back.CurrentSnapshotID)
	}
	if back.TableUUID != m.TableUUID || len(back.Schemas) != 1 || back.Schemas[0].Fields[1].Name != "name" {
		t.Errorf("round trip lost fields: %+v", back)
	}

	for _, raw := range []string{`{"format-version":2}`, `{"current-snapshot-id":null}`} {
		var got TableMetadata
		if err := json.Unmarshal([]byte(raw), &got); err != nil {
			t.Fatal(err)
		}
		if got.CurrentSnapshotID != nil {
			t.Errorf("%s: current snapshot = %d, want nil", raw, *got.CurrentSnapshotID)
		}
	}
}

func TestWithSnapshot(t *testing.T) {
	base := testMetadata()
	next := base.WithSnapshot(Snapshot{SnapshotID: 7, SequenceNumber: 1, TimestampMS: base.LastUpdatedMS + 5})

	if base.CurrentSnapshotID != nil || len(base.Snapshots) != 0 || len(base.Refs) != 0 {
		t.Error("WithSnapshot modified its receiver")
	}
	if next.CurrentSnapshotID == nil || *next.CurrentSnapshotID != 7 {
		t.Fatalf("current snapshot = %v", next.CurrentSnapshotID)
	}
	if next.Refs[MainBranch].SnapshotID != 7 || next.Refs[MainBranch].Type != "branch" {
		t.Errorf("main ref = %+v", next.Refs[MainBranch])
	}
	if next.LastSeqNumber != 1 || next.LastUpdatedMS != base.LastUpdatedMS+5 {
		t.Errorf("seq = %d, updated = %d", next.LastSeqNumber, next.LastUpdatedMS)
	}
	if len(next.SnapshotLog) != 1 || next.SnapshotLog[0].SnapshotID != 7 {
		t.Errorf("snapshot log = %+v", next.SnapshotLog)
	}

	data, err := writeMetadata(next)
	if err != nil {
		t.Fatal(err)
	}
	back, err := readMetadata(data)
	if err != nil {
		t.Fatal(err)
	}
	if back.CurrentSnapshot() == nil || back.CurrentSnapshot().SnapshotID != 7 {
		t.Error("current snapshot lost in round trip")
	}
}

func TestNextTimestampMS(t *testing.T) {
	m := testMetadata()
	m.LastUpdatedMS = 1_000_000

	if got := nextTimestampMS(m, time.UnixMilli(2_000_000)); got != 2_000_000 {
		t.Errorf("later clock: got %d", got)
	}
	if got := nextTimestampMS(m, time.UnixMilli(1_000_000)); got != 1_000_001 {
		t.Errorf("equal clock: got %d", got)
	}
	if got := nextTimestampMS(m, time.UnixMilli(5)); got != 1_000_001 {
		t.Errorf("clock behind: got %d", got)
	}
}

func TestGenerateSnapshotID(t *testing.T) {
	seen := map[int64]bool{}
	for range 1000 {
		id := generateSnapshotID()
		if id <= 0 {
			t.Fatalf("snapshot id %d is not positive", id)
		}
		seen[id] = true
	}
	if len(seen) < 999 {
		t.Errorf("only %d distinct ids out of 1000", len(seen))
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"/wh/db/t/metadata/v1.metadata.json", 1, true},
		{"s3://b/db/t/metadata/v12.metadata.json", 12, true},
		{"v0.metadata.json", 0, false},
		{"00001-abc.metadata.json", 0, false},
		{"version-hint.text", 0, false},
		{"vx.metadata.json", 0, false},
	}
	for _, tt := range tests {
		got, err := parseVersion(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("parseVersion(%q) = %d, %v", tt.in, got, err)
		}
	}
}

func TestJoinPath(t *testing.T) {
	tests := []struct {
		base  string
		elems []string
		want  string
	}{
		{"s3://bucket/", []string{"db", "t"}, "s3://bucket/db/t"},
		{"/tmp/wh", []string{"/db/", "", "t"}, "/tmp/wh/db/t"},
		{"file:///tmp/wh", []string{"x"}, "file:///tmp/wh/x"},
	}
	for _, tt := range tests {
		if got := joinPath(tt.base, tt.elems...); got != tt.want {
			t.Errorf("joinPath(%q, %q) = %q, want %q", tt.base, tt.elems, got, tt.want)
		}
	}
}
