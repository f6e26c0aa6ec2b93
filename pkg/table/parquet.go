// Package table stores record tables as parquet files.
package table

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/cockroachdb/errors"

	"github.com/BIwashi/canreplay/pkg/mcap"
	"github.com/BIwashi/canreplay/pkg/record"
)

// Column names, in file order.
const (
	ColumnTimestamp = "ts"
	ColumnID        = "id"
	ColumnData      = "data"
)

const readBatchSize = 64 * 1024

var ErrSchema = errors.New("unexpected table schema")

// Schema is the on-disk layout shared by every tool that reads or writes tables.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: ColumnTimestamp, Type: arrow.PrimitiveTypes.Float64, Nullable: false},
	{Name: ColumnID, Type: arrow.PrimitiveTypes.Uint32, Nullable: false},
	{Name: ColumnData, Type: arrow.LargeListOf(arrow.PrimitiveTypes.Uint8), Nullable: false},
}, nil)

// Parquet is the snappy-compressed parquet codec.
type Parquet struct{}

var _ record.Codec = Parquet{}

// ForPath picks a codec from the file extension: .mcap files use MCAP, everything else parquet.
func ForPath(path string) record.Codec {
	if strings.EqualFold(filepath.Ext(path), ".mcap") {
		return mcap.Codec{}
	}
	return Parquet{}
}

func (Parquet) Encode(w io.Writer, t *record.Table) error {
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	var (
		tsB   = b.Field(0).(*array.Float64Builder)
		idB   = b.Field(1).(*array.Uint32Builder)
		dataB = b.Field(2).(*array.LargeListBuilder)
		valB  = dataB.ValueBuilder().(*array.Uint8Builder)
	)
	n := t.Len()
	tsB.Reserve(n)
	idB.Reserve(n)
	dataB.Reserve(n)
	for i := 0; i < n; i++ {
		r := t.Row(i)
		tsB.Append(r.Timestamp)
		idB.Append(r.ID)
		dataB.Append(true)
		valB.AppendValues(r.Data, nil)
	}
	rec := b.NewRecord()
	defer rec.Release()

	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithAllocator(mem),
	)
	fw, err := pqarrow.NewFileWriter(Schema, w, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return errors.Wrap(err, "create parquet writer")
	}
	if n > 0 {
		if err := fw.Write(rec); err != nil {
			_ = fw.Close()
			return errors.Wrap(err, "write record batch")
		}
	}
	// the footer is only written on close
	if err := fw.Close(); err != nil {
		return errors.Wrap(err, "close parquet writer")
	}
	return nil
}

// Decode reads every row of a parquet table. Rows with nulls, payload elements
// that are not bytes or ids wider than 29 bits are skipped and counted.
func (Parquet) Decode(f record.File) (*record.Table, record.DecodeStats, error) {
	var stats record.DecodeStats

	mem := memory.NewGoAllocator()
	tbl, err := pqarrow.ReadTable(context.Background(), f, parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, stats, errors.Wrap(err, "read parquet table")
	}
	defer tbl.Release()

	idx, err := columnIndices(tbl.Schema())
	if err != nil {
		return nil, stats, err
	}

	b := record.NewBuilder()
	tr := array.NewTableReader(tbl, readBatchSize)
	defer tr.Release()
	for tr.Next() {
		batch := tr.Record()
		cols := batchColumns{
			ts:   batch.Column(idx[0]),
			id:   batch.Column(idx[1]),
			data: batch.Column(idx[2]),
		}
		for i := 0; i < int(batch.NumRows()); i++ {
			stats.Rows++
			rec, ok := cols.row(i)
			if !ok || b.Append(rec) != nil {
				stats.Skipped++
			}
		}
	}
	if err := tr.Err(); err != nil {
		return nil, stats, errors.Wrap(err, "iterate parquet table")
	}
	return b.Build(), stats, nil
}

func columnIndices(s *arrow.Schema) ([3]int, error) {
	var idx [3]int
	for i, name := range []string{ColumnTimestamp, ColumnID, ColumnData} {
		found := s.FieldIndices(name)
		if len(found) == 0 {
			return idx, errors.Wrapf(ErrSchema, "missing column %q", name)
		}
		idx[i] = found[0]
	}
	if s.Field(idx[0]).Type.ID() != arrow.FLOAT64 {
		return idx, errors.Wrapf(ErrSchema, "column %q is %s", ColumnTimestamp, s.Field(idx[0]).Type)
	}
	switch s.Field(idx[2]).Type.ID() {
	case arrow.LIST, arrow.LARGE_LIST:
	default:
		return idx, errors.Wrapf(ErrSchema, "column %q is %s", ColumnData, s.Field(idx[2]).Type)
	}
	return idx, nil
}

type batchColumns struct {
	ts, id, data arrow.Array
}

func (c batchColumns) row(i int) (record.Record, bool) {
	if c.ts.IsNull(i) || c.id.IsNull(i) || c.data.IsNull(i) {
		return record.Record{}, false
	}
	id, ok := idAt(c.id, i)
	if !ok {
		return record.Record{}, false
	}
	data, ok := payloadAt(c.data, i)
	if !ok {
		return record.Record{}, false
	}
	return record.Record{
		Timestamp: c.ts.(*array.Float64).Value(i),
		ID:        id,
		Data:      data,
	}, true
}

func idAt(a arrow.Array, i int) (uint32, bool) {
	switch col := a.(type) {
	case *array.Uint32:
		return col.Value(i), true
	case *array.Int32:
		v := col.Value(i)
		return uint32(v), v >= 0
	case *array.Uint64:
		v := col.Value(i)
		return uint32(v), v <= uint64(record.IDMask)
	case *array.Int64:
		v := col.Value(i)
		return uint32(v), v >= 0 && v <= int64(record.IDMask)
	default:
		return 0, false
	}
}

func payloadAt(a arrow.Array, i int) ([]byte, bool) {
	var (
		start, end int64
		values     arrow.Array
	)
	switch col := a.(type) {
	case *array.LargeList:
		start, end = col.ValueOffsets(i)
		values = col.ListValues()
	case *array.List:
		start, end = col.ValueOffsets(i)
		values = col.ListValues()
	default:
		return nil, false
	}
	u8, ok := values.(*array.Uint8)
	if !ok {
		return nil, false
	}
	data := make([]byte, 0, end-start)
	for j := int(start); j < int(end); j++ {
		if u8.IsNull(j) {
			return nil, false
		}
		data = append(data, u8.Value(j))
	}
	return data, true
}
