// Package blf reads CAN traffic from Vector binary logging files.
package blf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zlib"

	"github.com/BIwashi/canreplay/pkg/buslog"
)

/*
File header (little-endian, padded to headerSize):

	[0:4]   "LOGG"
	[4:8]   header size
	[8:16]  application id / version, binlog version
	[16:24] file size
	[24:32] uncompressed size
	[32:36] object count
	[36:40] objects read
	[40:56] measurement start (SYSTEMTIME)
	[56:72] last object time (SYSTEMTIME)

Object base header:

	[0:4]   "LOBJ"
	[4:6]   header size (base + v1/v2 header)
	[6:8]   header version
	[8:12]  object size
	[12:16] object type
*/
const (
	fileSignature  = "LOGG"
	objSignature   = "LOBJ"
	fileHeaderSize = 72
	baseHeaderSize = 16
	containerSize  = 16

	objTypeCANMessage   = 1
	objTypeLogContainer = 10
	objTypeCANMessage2  = 86
	objTypeCANFDMessage = 100

	compressionNone = 0
	compressionZlib = 2

	classicDataLen = 8
	fdDataLen      = 64
)

var (
	ErrBadSignature = errors.New("bad BLF signature")
	ErrCorrupt      = errors.New("corrupt BLF object")
)

// FileStats is the decoded file header.
type FileStats struct {
	ApplicationID    uint8
	FileSize         uint64
	UncompressedSize uint64
	ObjectCount      uint32
	Start            time.Time
}

// Reader yields the objects of a BLF file in log order, descending into log containers.
type Reader struct {
	r       *bufio.Reader
	stats   FileStats
	pending []byte
	eof     bool
}

var _ buslog.Source = (*Reader)(nil)

// NewReader parses the file header. A header whose start time is not a valid
// calendar time fails with buslog.ErrInvalidStartTime.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	hdr := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, errors.Wrap(err, "read file header")
	}
	if string(hdr[0:4]) != fileSignature {
		return nil, errors.Wrapf(ErrBadSignature, "file signature %q", hdr[0:4])
	}
	headerSize := binary.LittleEndian.Uint32(hdr[4:8])
	if headerSize > fileHeaderSize {
		if _, err := br.Discard(int(headerSize - fileHeaderSize)); err != nil {
			return nil, errors.Wrap(err, "skip file header padding")
		}
	}

	start, err := parseSystemTime(hdr[40:56])
	if err != nil {
		return nil, err
	}

	return &Reader{
		r: br,
		stats: FileStats{
			ApplicationID:    hdr[8],
			FileSize:         binary.LittleEndian.Uint64(hdr[16:24]),
			UncompressedSize: binary.LittleEndian.Uint64(hdr[24:32]),
			ObjectCount:      binary.LittleEndian.Uint32(hdr[32:36]),
			Start:            start,
		},
	}, nil
}

// Stats returns the decoded file header.
func (r *Reader) Stats() FileStats {
	return r.stats
}

func (r *Reader) Header() buslog.Header {
	return buslog.Header{
		Start:       r.stats.Start,
		ObjectCount: uint64(r.stats.ObjectCount),
	}
}

// Next returns the next object, or io.EOF once the file is exhausted.
func (r *Reader) Next() (buslog.Event, error) {
	for {
		ev, n, err := parseObject(r.pending, r.eof)
		if err != nil {
			return buslog.Event{}, err
		}
		if n > 0 {
			r.pending = r.pending[n:]
			return ev, nil
		}
		if r.eof {
			return buslog.Event{}, io.EOF
		}
		if err := r.fill(); err != nil {
			return buslog.Event{}, err
		}
	}
}

// fill reads the next top-level object and appends its content to pending.
func (r *Reader) fill() error {
	base := make([]byte, baseHeaderSize)
	n, err := io.ReadFull(r.r, base)
	if err == io.EOF || (err == io.ErrUnexpectedEOF && bytes.Count(base[:n], []byte{0}) == n) {
		r.eof = true
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read object header")
	}
	if string(base[0:4]) != objSignature {
		return errors.Wrapf(ErrBadSignature, "object signature %q", base[0:4])
	}
	size := binary.LittleEndian.Uint32(base[8:12])
	typ := binary.LittleEndian.Uint32(base[12:16])
	if size < baseHeaderSize {
		return errors.Wrapf(ErrCorrupt, "object size %d", size)
	}
	rest := make([]byte, size-baseHeaderSize)
	if _, err := io.ReadFull(r.r, rest); err != nil {
		return errors.Wrap(err, "read object body")
	}
	if pad := int(size % 4); pad > 0 {
		if _, err := r.r.Discard(pad); err != nil && err != io.EOF {
			return errors.Wrap(err, "skip object padding")
		}
	}

	if typ != objTypeLogContainer {
		r.pending = append(r.pending, base...)
		r.pending = append(r.pending, rest...)
		return nil
	}

	data, err := inflate(rest)
	if err != nil {
		return err
	}
	r.pending = append(r.pending, data...)
	return nil
}

func inflate(container []byte) ([]byte, error) {
	if len(container) < containerSize {
		return nil, errors.Wrapf(ErrCorrupt, "log container of %d bytes", len(container))
	}
	method := binary.LittleEndian.Uint16(container[0:2])
	size := binary.LittleEndian.Uint32(container[8:12])
	payload := container[containerSize:]

	switch method {
	case compressionNone:
		return payload, nil
	case compressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, errors.Wrap(err, "open zlib container")
		}
		defer zr.Close()
		out := bytes.NewBuffer(make([]byte, 0, size))
		if _, err := io.Copy(out, zr); err != nil {
			return nil, errors.Wrap(err, "inflate container")
		}
		return out.Bytes(), nil
	default:
		return nil, errors.Wrapf(ErrCorrupt, "unsupported compression method %d", method)
	}
}

// parseObject decodes one object at the head of buf. It returns n == 0 when
// buf does not hold a whole object yet.
func parseObject(buf []byte, final bool) (buslog.Event, int, error) {
	// objects inside containers are padded; resynchronise on the signature
	skip := bytes.Index(buf[:min(len(buf), 8)], []byte(objSignature))
	if skip < 0 {
		if len(buf) >= 8 {
			return buslog.Event{}, 0, errors.Wrap(ErrCorrupt, "object signature not found")
		}
		return buslog.Event{}, 0, nil
	}
	obj := buf[skip:]
	if len(obj) < baseHeaderSize {
		return truncated(final)
	}
	hdrSize := int(binary.LittleEndian.Uint16(obj[4:6]))
	hdrVersion := binary.LittleEndian.Uint16(obj[6:8])
	size := int(binary.LittleEndian.Uint32(obj[8:12]))
	typ := binary.LittleEndian.Uint32(obj[12:16])
	if size < hdrSize || hdrSize < baseHeaderSize+16 {
		return buslog.Event{}, 0, errors.Wrapf(ErrCorrupt, "object header %d / size %d", hdrSize, size)
	}
	if len(obj) < size {
		return truncated(final)
	}

	var flags uint32
	var ts uint64
	h := obj[baseHeaderSize:hdrSize]
	switch hdrVersion {
	case 1:
		flags = binary.LittleEndian.Uint32(h[0:4])
		ts = binary.LittleEndian.Uint64(h[8:16])
	case 2:
		if len(h) < 24 {
			return buslog.Event{}, 0, errors.Wrapf(ErrCorrupt, "v2 object header of %d bytes", len(h))
		}
		flags = binary.LittleEndian.Uint32(h[0:4])
		ts = binary.LittleEndian.Uint64(h[8:16])
	default:
		return buslog.Event{}, 0, errors.Wrapf(ErrCorrupt, "object header version %d", hdrVersion)
	}

	ev := buslog.Event{Kind: buslog.KindOther, Timestamp: ts, TimeUnit: flags}
	body := obj[hdrSize:size]
	switch typ {
	case objTypeCANMessage, objTypeCANMessage2:
		if len(body) < 8+classicDataLen {
			return buslog.Event{}, 0, errors.Wrapf(ErrCorrupt, "CAN message body of %d bytes", len(body))
		}
		dlc := min(int(body[3]), classicDataLen)
		ev.Kind = buslog.KindCANMessage
		ev.Channel = binary.LittleEndian.Uint16(body[0:2])
		ev.ID = binary.LittleEndian.Uint32(body[4:8])
		ev.Data = append([]byte{}, body[8:8+dlc]...)
	case objTypeCANFDMessage:
		if len(body) < 20+fdDataLen {
			return buslog.Event{}, 0, errors.Wrapf(ErrCorrupt, "CAN FD message body of %d bytes", len(body))
		}
		n := min(int(body[14]), fdDataLen)
		ev.Kind = buslog.KindCANFDMessage
		ev.Channel = binary.LittleEndian.Uint16(body[0:2])
		ev.ID = binary.LittleEndian.Uint32(body[4:8])
		ev.Data = append([]byte{}, body[20:20+n]...)
	}
	return ev, skip + size, nil
}

func truncated(final bool) (buslog.Event, int, error) {
	if final {
		return buslog.Event{}, 0, errors.Wrap(ErrCorrupt, "truncated object")
	}
	return buslog.Event{}, 0, nil
}

// parseSystemTime decodes a Windows SYSTEMTIME: year, month, weekday, day,
// hour, minute, second, millisecond as little-endian uint16.
func parseSystemTime(b []byte) (time.Time, error) {
	var f [8]int
	for i := range f {
		f[i] = int(binary.LittleEndian.Uint16(b[i*2:]))
	}
	year, month, day := f[0], f[1], f[3]
	hour, minute, sec, ms := f[4], f[5], f[6], f[7]
	if month < 1 || month > 12 || day < 1 || hour > 23 || minute > 59 || sec > 59 || ms > 999 {
		return time.Time{}, errors.Wrapf(buslog.ErrInvalidStartTime, "%s", formatSystemTime(f))
	}
	t := time.Date(year, time.Month(month), day, hour, minute, sec, ms*int(time.Millisecond), time.UTC)
	if t.Day() != day {
		return time.Time{}, errors.Wrapf(buslog.ErrInvalidStartTime, "%s", formatSystemTime(f))
	}
	return t, nil
}

func formatSystemTime(f [8]int) string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d.%03d", f[0], f[1], f[3], f[4], f[5], f[6], f[7])
}
