// Package pcapng reads CAN traffic from SocketCAN captures.
package pcapng

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/BIwashi/canreplay/pkg/buslog"
)

// LinkTypeCANSocketCAN ref: https://www.tcpdump.org/linktypes.html
const LinkTypeCANSocketCAN layers.LinkType = 227

const (
	idFlagError   = 0x20000000
	frameHeader   = 8
	maxDataLength = 64
)

// Reader yields the packets of a capture as bus-log events.
type Reader struct {
	reader   *pcapgo.NgReader
	linkType layers.LinkType
	header   buslog.Header
}

var _ buslog.Source = (*Reader)(nil)

// NewReader scans the capture once to count its packets and find the first
// capture time, then rewinds to serve events.
func NewReader(rs io.ReadSeeker) (*Reader, error) {
	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, errors.Wrap(err, "locate capture start")
	}

	counter, err := pcapgo.NewNgReader(rs, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pcapng reader")
	}
	var (
		count uint64
		first time.Time
	)
	for {
		_, ci, err := counter.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read packet data")
		}
		if count == 0 {
			first = ci.Timestamp.UTC()
		}
		count++
	}

	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rewind capture")
	}
	ngReader, err := pcapgo.NewNgReader(rs, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pcapng reader")
	}

	return &Reader{
		reader:   ngReader,
		linkType: ngReader.LinkType(),
		header:   buslog.Header{Start: first, ObjectCount: count},
	}, nil
}

func (r *Reader) Header() buslog.Header {
	return r.header
}

// Next returns the next packet. Packets that are not CAN frames, and error
// frames, come back as buslog.KindOther so they still count as objects.
func (r *Reader) Next() (buslog.Event, error) {
	data, ci, err := r.reader.ReadPacketData()
	if err != nil {
		if err == io.EOF {
			return buslog.Event{}, io.EOF
		}
		return buslog.Event{}, errors.Wrap(err, "failed to read packet data")
	}

	ev := buslog.Event{
		Kind:      buslog.KindOther,
		Timestamp: offset(r.header.Start, ci.Timestamp),
		TimeUnit:  buslog.TimeUnitNanos,
		Channel:   uint16(ci.InterfaceIndex) + 1,
	}

	payload, order := r.payload(data)
	if payload == nil || len(payload) < frameHeader {
		return ev, nil
	}
	id := order.Uint32(payload[0:4])
	if id&idFlagError != 0 {
		return ev, nil
	}
	length := min(int(payload[4]), maxDataLength, len(payload)-frameHeader)

	ev.ID = id
	ev.Data = append([]byte{}, payload[frameHeader:frameHeader+length]...)
	ev.Kind = buslog.KindCANMessage
	if length > 8 {
		ev.Kind = buslog.KindCANFDMessage
	}
	return ev, nil
}

// payload strips the link-layer header. SocketCAN captures carry the id in
// network byte order; cooked captures keep the host's little-endian layout.
func (r *Reader) payload(data []byte) ([]byte, binary.ByteOrder) {
	switch r.linkType {
	case layers.LinkTypeLinuxSLL:
		pkt := gopacket.NewPacket(data, r.linkType, gopacket.Default)
		if sllLayer := pkt.Layer(layers.LayerTypeLinuxSLL); sllLayer != nil {
			return sllLayer.(*layers.LinuxSLL).Payload, binary.LittleEndian
		}
		return nil, nil
	case LinkTypeCANSocketCAN:
		return data, binary.BigEndian
	default:
		return nil, nil
	}
}

func offset(start, ts time.Time) uint64 {
	if ts.Before(start) {
		return 0
	}
	return uint64(ts.Sub(start))
}
