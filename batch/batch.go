// Package batch decodes Arrow IPC streams into in-memory record batches.
//
// Decoding is pure and catalog-agnostic: it knows nothing about tables,
// namespaces, or the Iceberg type system.
package batch

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Batch is one decoded record batch: a schema plus equal-length columns.
// It holds a reference on the underlying record; call Release when done.
type Batch struct {
	rec arrow.Record
}

// New wraps rec, taking an additional reference on it.
func New(rec arrow.Record) *Batch {
	rec.Retain()
	return &Batch{rec: rec}
}

// Schema returns the Arrow schema of the batch.
func (b *Batch) Schema() *arrow.Schema { return b.rec.Schema() }

// Record returns the underlying Arrow record. The batch keeps ownership.
func (b *Batch) Record() arrow.Record { return b.rec }

// NumRows returns the row count shared by every column.
func (b *Batch) NumRows() int64 { return b.rec.NumRows() }

// NumCols returns the number of columns.
func (b *Batch) NumCols() int { return int(b.rec.NumCols()) }

// Column returns the i-th column.
func (b *Batch) Column(i int) arrow.Array { return b.rec.Column(i) }

// Release drops the batch's reference on the record.
func (b *Batch) Release() {
	if b.rec != nil {
		b.rec.Release()
		b.rec = nil
	}
}
