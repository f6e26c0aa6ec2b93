package table

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIwashi/canreplay/pkg/mcap"
	"github.com/BIwashi/canreplay/pkg/record"
)

func sampleTable(t *testing.T) *record.Table {
	t.Helper()
	b := record.NewBuilder()
	for n := 0; n <= record.MaxPayload; n++ {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(n + i)
		}
		require.NoError(t, b.Append(record.Record{
			Timestamp: 1700000000.123456789 + float64(n)/1000,
			ID:        uint32(n) * 0x10101,
			Data:      data,
		}))
	}
	return b.Build()
}

func TestParquetRoundTrip(t *testing.T) {
	in := sampleTable(t)

	var buf bytes.Buffer
	require.NoError(t, Parquet{}.Encode(&buf, in))

	out, stats, err := Parquet{}.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, record.DecodeStats{Rows: in.Len()}, stats)
	require.Equal(t, in.Len(), out.Len())
	for i := 0; i < in.Len(); i++ {
		want, got := in.Row(i), out.Row(i)
		assert.Equal(t, want.Timestamp, got.Timestamp)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, len(want.Data), len(got.Data), "row %d", i)
		assert.True(t, bytes.Equal(want.Data, got.Data), "row %d", i)
	}
}

func TestParquetSchema(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Parquet{}.Encode(&buf, sampleTable(t)))

	mem := memory.NewGoAllocator()
	tbl, err := pqarrow.ReadTable(t.Context(), bytes.NewReader(buf.Bytes()), parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	require.NoError(t, err)
	defer tbl.Release()

	s := tbl.Schema()
	require.Equal(t, 3, s.NumFields())
	assert.Equal(t, "ts", s.Field(0).Name)
	assert.Equal(t, arrow.FLOAT64, s.Field(0).Type.ID())
	assert.False(t, s.Field(0).Nullable)
	assert.Equal(t, "id", s.Field(1).Name)
	assert.Equal(t, arrow.UINT32, s.Field(1).Type.ID())
	assert.False(t, s.Field(1).Nullable)
	assert.Equal(t, "data", s.Field(2).Name)
	assert.Equal(t, arrow.LARGE_LIST, s.Field(2).Type.ID())
	assert.False(t, s.Field(2).Nullable)
}

func TestParquetIdempotent(t *testing.T) {
	var a, b bytes.Buffer
	require.NoError(t, Parquet{}.Encode(&a, sampleTable(t)))
	require.NoError(t, Parquet{}.Encode(&b, sampleTable(t)))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestParquetEmpty(t *testing.T) {
	empty, err := record.FromRecords(nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Parquet{}.Encode(&buf, empty))

	out, stats, err := Parquet{}.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Len())
	assert.Equal(t, 0, stats.Rows)
}

func TestParquetSkipsMalformedRows(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "ts", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "id", Type: arrow.PrimitiveTypes.Uint32, Nullable: true},
		{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Uint8), Nullable: true},
	}, nil)
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	tsB := b.Field(0).(*array.Float64Builder)
	idB := b.Field(1).(*array.Uint32Builder)
	listB := b.Field(2).(*array.ListBuilder)
	valB := listB.ValueBuilder().(*array.Uint8Builder)

	// row 0: valid
	tsB.Append(1)
	idB.Append(0x10)
	listB.Append(true)
	valB.AppendValues([]byte{1, 2}, nil)
	// row 1: null timestamp
	tsB.AppendNull()
	idB.Append(0x11)
	listB.Append(true)
	// row 2: null payload element
	tsB.Append(3)
	idB.Append(0x12)
	listB.Append(true)
	valB.AppendNull()
	// row 3: id wider than 29 bits
	tsB.Append(4)
	idB.Append(0xFFFFFFFF)
	listB.Append(true)
	// row 4: valid, empty payload
	tsB.Append(5)
	idB.Append(0x14)
	listB.Append(true)

	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	fw, err := pqarrow.NewFileWriter(schema, &buf, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps())
	require.NoError(t, err)
	require.NoError(t, fw.Write(rec))
	require.NoError(t, fw.Close())

	out, stats, err := Parquet{}.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, record.DecodeStats{Rows: 5, Skipped: 3}, stats)
	assert.Equal(t, []uint32{0x10, 0x14}, out.IDs())
	assert.Equal(t, []byte{1, 2}, out.Row(0).Data)
}

func TestParquetRejectsForeignSchema(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{{Name: "other", Type: arrow.PrimitiveTypes.Int64}}, nil)
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).Append(1)
	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	fw, err := pqarrow.NewFileWriter(schema, &buf, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps())
	require.NoError(t, err)
	require.NoError(t, fw.Write(rec))
	require.NoError(t, fw.Close())

	_, _, err = Parquet{}.Decode(bytes.NewReader(buf.Bytes()))
	assert.True(t, errors.Is(err, ErrSchema))
}

func TestForPath(t *testing.T) {
	assert.IsType(t, mcap.Codec{}, ForPath("capture.MCAP"))
	assert.IsType(t, Parquet{}, ForPath("capture.parquet"))
	assert.IsType(t, Parquet{}, ForPath("capture"))
}
