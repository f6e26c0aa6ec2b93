package blf

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BIwashi/canreplay/pkg/buslog"
)

type testObject struct {
	typ     uint32
	flags   uint32
	ts      uint64
	channel uint16
	id      uint32
	data    []byte
}

func fileHeader(objects uint32, start [8]uint16) []byte {
	const size = 144
	b := make([]byte, size)
	copy(b, fileSignature)
	binary.LittleEndian.PutUint32(b[4:], size)
	binary.LittleEndian.PutUint32(b[32:], objects)
	for i, v := range start {
		binary.LittleEndian.PutUint16(b[40+i*2:], v)
	}
	return b
}

func encodeObject(o testObject) []byte {
	var body []byte
	switch o.typ {
	case objTypeCANFDMessage:
		body = make([]byte, 20+fdDataLen)
		binary.LittleEndian.PutUint16(body[0:], o.channel)
		body[3] = byte(len(o.data))
		binary.LittleEndian.PutUint32(body[4:], o.id)
		body[14] = byte(len(o.data))
		copy(body[20:], o.data)
	default:
		body = make([]byte, 8+classicDataLen)
		binary.LittleEndian.PutUint16(body[0:], o.channel)
		body[3] = byte(len(o.data))
		binary.LittleEndian.PutUint32(body[4:], o.id)
		copy(body[8:], o.data)
	}
	const hdrSize = baseHeaderSize + 16
	b := make([]byte, hdrSize, hdrSize+len(body)+3)
	copy(b, objSignature)
	binary.LittleEndian.PutUint16(b[4:], hdrSize)
	binary.LittleEndian.PutUint16(b[6:], 1)
	binary.LittleEndian.PutUint32(b[8:], uint32(hdrSize+len(body)))
	binary.LittleEndian.PutUint32(b[12:], o.typ)
	binary.LittleEndian.PutUint32(b[16:], o.flags)
	binary.LittleEndian.PutUint64(b[24:], o.ts)
	b = append(b, body...)
	return append(b, make([]byte, len(b)%4)...)
}

func container(t *testing.T, method uint16, inner []byte) []byte {
	t.Helper()
	payload := inner
	if method == compressionZlib {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		_, err := zw.Write(inner)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		payload = buf.Bytes()
	}
	size := baseHeaderSize + containerSize + len(payload)
	b := make([]byte, baseHeaderSize+containerSize, size+3)
	copy(b, objSignature)
	binary.LittleEndian.PutUint16(b[4:], baseHeaderSize)
	binary.LittleEndian.PutUint16(b[6:], 1)
	binary.LittleEndian.PutUint32(b[8:], uint32(size))
	binary.LittleEndian.PutUint32(b[12:], objTypeLogContainer)
	binary.LittleEndian.PutUint16(b[16:], method)
	binary.LittleEndian.PutUint32(b[24:], uint32(len(inner)))
	b = append(b, payload...)
	return append(b, make([]byte, size%4)...)
}

var start = [8]uint16{2024, 3, 5, 12, 10, 20, 30, 250}

func readAll(t *testing.T, r *Reader) []buslog.Event {
	t.Helper()
	var out []buslog.Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestReaderContainers(t *testing.T) {
	objs := []testObject{
		{typ: objTypeCANMessage2, flags: 2, ts: 1_500_000_000, channel: 1, id: 0x123, data: []byte{1, 2, 3}},
		{typ: objTypeCANMessage, flags: 1, ts: 1500, channel: 2, id: 0x80000456, data: []byte{}},
		{typ: objTypeCANFDMessage, flags: 2, ts: 7, channel: 1, id: 0x7FF, data: bytes.Repeat([]byte{0xAB}, 12)},
		{typ: 73, flags: 2, ts: 9, channel: 1},
	}
	var inner []byte
	for _, o := range objs {
		inner = append(inner, encodeObject(o)...)
	}
	// split the object stream across two containers, mid-object
	cut := len(inner)/2 + 3
	var file bytes.Buffer
	file.Write(fileHeader(uint32(len(objs)), start))
	file.Write(container(t, compressionZlib, inner[:cut]))
	file.Write(container(t, compressionNone, inner[cut:]))

	r, err := NewReader(&file)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), r.Header().ObjectCount)
	assert.Equal(t, time.Date(2024, 3, 12, 10, 20, 30, 250_000_000, time.UTC), r.Header().Start)

	events := readAll(t, r)
	require.Len(t, events, 4)

	assert.Equal(t, buslog.Event{
		Kind: buslog.KindCANMessage, Timestamp: 1_500_000_000, TimeUnit: 2,
		Channel: 1, ID: 0x123, Data: []byte{1, 2, 3},
	}, events[0])
	assert.Equal(t, uint32(0x80000456), events[1].ID)
	assert.Equal(t, uint32(1), events[1].TimeUnit)
	assert.Empty(t, events[1].Data)
	assert.Equal(t, buslog.KindCANFDMessage, events[2].Kind)
	assert.Len(t, events[2].Data, 12)
	assert.Equal(t, buslog.KindOther, events[3].Kind)
}

func TestReaderTopLevelObjects(t *testing.T) {
	var file bytes.Buffer
	file.Write(fileHeader(1, start))
	file.Write(encodeObject(testObject{typ: objTypeCANMessage2, ts: 10, channel: 1, id: 1, data: []byte{9}}))

	r, err := NewReader(&file)
	require.NoError(t, err)
	events := readAll(t, r)
	require.Len(t, events, 1)
	assert.Equal(t, []byte{9}, events[0].Data)
}

func TestReaderInvalidStartTime(t *testing.T) {
	bad := start
	bad[1] = 13
	_, err := NewReader(bytes.NewReader(fileHeader(0, bad)))
	assert.True(t, errors.Is(err, buslog.ErrInvalidStartTime))

	bad = [8]uint16{2023, 2, 0, 30, 0, 0, 0, 0}
	_, err = NewReader(bytes.NewReader(fileHeader(0, bad)))
	assert.True(t, errors.Is(err, buslog.ErrInvalidStartTime))
}

func TestReaderBadSignature(t *testing.T) {
	hdr := fileHeader(0, start)
	copy(hdr, "NOPE")
	_, err := NewReader(bytes.NewReader(hdr))
	assert.True(t, errors.Is(err, ErrBadSignature))

	_, err = NewReader(bytes.NewReader([]byte("LOGG")))
	assert.Error(t, err)
}

func TestReaderCorruptContainer(t *testing.T) {
	var file bytes.Buffer
	file.Write(fileHeader(1, start))
	file.Write(container(t, compressionNone, bytes.Repeat([]byte{0xFF}, 32)))

	r, err := NewReader(&file)
	require.NoError(t, err)
	_, err = r.Next()
	assert.True(t, errors.Is(err, ErrCorrupt))
}
