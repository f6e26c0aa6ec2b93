package mcap

import (
	"bytes"
	"testing"

	"github.com/foxglove/mcap/go/mcap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIwashi/canreplay/pkg/record"
)

func TestCodecRoundTrip(t *testing.T) {
	in := []record.Record{
		{Timestamp: 1700000000.25, ID: 0x123, Data: []byte{1, 2, 3}},
		{Timestamp: 1700000000.5, ID: 0x1ABCDEF0, Data: nil},
		{Timestamp: 1700000000.75, ID: 0x7FF, Data: bytes.Repeat([]byte{0xEE}, 64)},
	}
	tbl, err := record.FromRecords(in)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Codec{}.Encode(&buf, tbl))

	out, stats, err := Codec{}.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, record.DecodeStats{Rows: 3}, stats)
	require.Equal(t, 3, out.Len())
	for i, want := range in {
		got := out.Row(i)
		assert.Equal(t, want.Timestamp, got.Timestamp)
		assert.Equal(t, want.ID, got.ID)
		assert.True(t, bytes.Equal(want.Data, got.Data))
	}
}

func TestCodecEmpty(t *testing.T) {
	tbl, err := record.FromRecords(nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Codec{}.Encode(&buf, tbl))

	out, stats, err := Codec{}.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 0, out.Len())
	assert.Equal(t, 0, stats.Rows)
}

func TestCodecSkipsUndecodableMessages(t *testing.T) {
	var buf bytes.Buffer
	w, err := mcap.NewWriter(&buf, &mcap.WriterOptions{Chunked: true, ChunkSize: 1024})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(&mcap.Header{Library: "test"}))
	require.NoError(t, w.WriteSchema(&mcap.Schema{ID: schemaID, Name: SchemaName, Encoding: "protobuf", Data: schemaData}))
	require.NoError(t, w.WriteChannel(&mcap.Channel{ID: channelID, SchemaID: schemaID, Topic: Topic, MessageEncoding: "protobuf"}))

	good, err := marshalFrame(record.Record{Timestamp: 1, ID: 5, Data: []byte{7}})
	require.NoError(t, err)
	wide, err := marshalFrame(record.Record{Timestamp: 2, ID: 0xFFFFFFFF})
	require.NoError(t, err)
	for i, data := range [][]byte{good, {0xFF, 0xFF, 0xFF}, wide} {
		require.NoError(t, w.WriteMessage(&mcap.Message{ChannelID: channelID, Sequence: uint32(i), LogTime: uint64(i), Data: data}))
	}
	require.NoError(t, w.Close())

	out, stats, err := Codec{}.Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, record.DecodeStats{Rows: 3, Skipped: 2}, stats)
	assert.Equal(t, []uint32{5}, out.IDs())
}
