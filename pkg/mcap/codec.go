// Package mcap stores record tables as MCAP files with one protobuf-encoded frame per message.
package mcap

import (
	"io"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/foxglove/mcap/go/mcap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/BIwashi/canreplay/pkg/record"
)

const (
	// Topic carries every frame of a table.
	Topic      = "/can/frames"
	SchemaName = "canreplay.v1.Frame"

	schemaID  = 1
	channelID = 1
)

// Codec is the MCAP table codec.
//
// Design decisions:
//   - A single channel in file order; the message sequence is the row index.
//   - LogTime/PublishTime hold the frame timestamp in nanoseconds, the
//     protobuf payload keeps the exact float seconds.
//   - The schema is a FileDescriptorSet built at init, no generated code.
type Codec struct{}

var _ record.Codec = Codec{}

var (
	frameDescriptor protoreflect.MessageDescriptor
	schemaData      []byte

	fieldTimestamp protoreflect.FieldDescriptor
	fieldID        protoreflect.FieldDescriptor
	fieldData      protoreflect.FieldDescriptor
)

func init() {
	field := func(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
		return &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(name),
			JsonName: proto.String(name),
			Number:   proto.Int32(number),
			Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:     typ.Enum(),
		}
	}
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String("canreplay/v1/frame.proto"),
		Package: proto.String("canreplay.v1"),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{{
			Name: proto.String("Frame"),
			Field: []*descriptorpb.FieldDescriptorProto{
				field("timestamp", 1, descriptorpb.FieldDescriptorProto_TYPE_DOUBLE),
				field("id", 2, descriptorpb.FieldDescriptorProto_TYPE_UINT32),
				field("data", 3, descriptorpb.FieldDescriptorProto_TYPE_BYTES),
			},
		}},
	}
	fd, err := protodesc.NewFile(fdp, nil)
	if err != nil {
		panic(err)
	}
	frameDescriptor = fd.Messages().ByName("Frame")
	fields := frameDescriptor.Fields()
	fieldTimestamp = fields.ByName("timestamp")
	fieldID = fields.ByName("id")
	fieldData = fields.ByName("data")

	schemaData, err = proto.Marshal(&descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{protodesc.ToFileDescriptorProto(fd)},
	})
	if err != nil {
		panic(err)
	}
}

func (Codec) Encode(out io.Writer, t *record.Table) error {
	w, err := mcap.NewWriter(out, &mcap.WriterOptions{
		Chunked:     true,
		ChunkSize:   2 * 1024 * 1024, // 2MB chunks
		Compression: mcap.CompressionZSTD,
	})
	if err != nil {
		return errors.Wrap(err, "create MCAP writer")
	}

	if err := w.WriteHeader(&mcap.Header{
		Profile: "",
		Library: "canreplay",
	}); err != nil {
		return errors.Wrap(err, "write header")
	}
	if err := w.WriteSchema(&mcap.Schema{
		ID:       schemaID,
		Name:     SchemaName,
		Encoding: "protobuf",
		Data:     schemaData,
	}); err != nil {
		return errors.Wrap(err, "write schema")
	}
	if err := w.WriteChannel(&mcap.Channel{
		ID:              channelID,
		SchemaID:        schemaID,
		Topic:           Topic,
		MessageEncoding: "protobuf",
		Metadata:        map[string]string{"columns": "ts,id,data"},
	}); err != nil {
		return errors.Wrap(err, "write channel")
	}

	for i := 0; i < t.Len(); i++ {
		r := t.Row(i)
		data, err := marshalFrame(r)
		if err != nil {
			return errors.Wrapf(err, "marshal row %d", i)
		}
		ns := logTime(r.Timestamp)
		if err := w.WriteMessage(&mcap.Message{
			ChannelID:   channelID,
			Sequence:    uint32(i),
			LogTime:     ns,
			PublishTime: ns,
			Data:        data,
		}); err != nil {
			return errors.Wrapf(err, "write row %d", i)
		}
	}

	// Close finalizes the summary section; it does not close out.
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "close MCAP writer")
	}
	return nil
}

// Decode reads the frames of the table topic in file order. Messages that do
// not unmarshal into a valid record are skipped and counted.
func (Codec) Decode(f record.File) (*record.Table, record.DecodeStats, error) {
	var stats record.DecodeStats

	r, err := mcap.NewReader(f)
	if err != nil {
		return nil, stats, errors.Wrap(err, "create MCAP reader")
	}
	it, err := r.Messages(mcap.UsingIndex(false), mcap.WithTopics([]string{Topic}))
	if err != nil {
		return nil, stats, errors.Wrap(err, "iterate MCAP messages")
	}

	b := record.NewBuilder()
	for {
		schema, _, msg, err := it.Next(nil)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, stats, errors.Wrap(err, "read MCAP message")
		}
		stats.Rows++
		if schema == nil || schema.Name != SchemaName {
			stats.Skipped++
			continue
		}
		rec, err := unmarshalFrame(msg.Data)
		if err != nil || b.Append(rec) != nil {
			stats.Skipped++
		}
	}
	return b.Build(), stats, nil
}

func marshalFrame(r record.Record) ([]byte, error) {
	m := dynamicpb.NewMessage(frameDescriptor)
	m.Set(fieldTimestamp, protoreflect.ValueOfFloat64(r.Timestamp))
	m.Set(fieldID, protoreflect.ValueOfUint32(r.ID))
	m.Set(fieldData, protoreflect.ValueOfBytes(r.Data))
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func unmarshalFrame(b []byte) (record.Record, error) {
	m := dynamicpb.NewMessage(frameDescriptor)
	if err := proto.Unmarshal(b, m); err != nil {
		return record.Record{}, err
	}
	return record.Record{
		Timestamp: m.Get(fieldTimestamp).Float(),
		ID:        uint32(m.Get(fieldID).Uint()),
		Data:      append([]byte{}, m.Get(fieldData).Bytes()...),
	}, nil
}

func logTime(ts float64) uint64 {
	if ts <= 0 || math.IsNaN(ts) {
		return 0
	}
	return uint64(math.Round(ts * 1e9))
}
