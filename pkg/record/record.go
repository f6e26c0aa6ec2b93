package record

import (
	"io"
	"math"

	"github.com/cockroachdb/errors"
)

const (
	// IDMask keeps the 29 identifier bits of an extended CAN id.
	IDMask uint32 = 0x1FFFFFFF
	// MaxPayload is the largest payload a record may carry (CAN FD).
	MaxPayload = 64
)

var ErrInvalidRecord = errors.New("invalid record")

// Record is one bus event: when it happened, who sent it and what it carried.
type Record struct {
	// Timestamp is seconds since the Unix epoch.
	Timestamp float64
	ID        uint32
	Data      []byte
}

// Validate reports whether r can be stored in a table.
func Validate(r Record) error {
	if math.IsNaN(r.Timestamp) || math.IsInf(r.Timestamp, 0) {
		return errors.Wrapf(ErrInvalidRecord, "timestamp %v is not finite", r.Timestamp)
	}
	if r.ID&^IDMask != 0 {
		return errors.Wrapf(ErrInvalidRecord, "id 0x%X exceeds 29 bits", r.ID)
	}
	if len(r.Data) > MaxPayload {
		return errors.Wrapf(ErrInvalidRecord, "payload of %d bytes exceeds %d", len(r.Data), MaxPayload)
	}
	return nil
}

// File is what a Codec needs to decode a table: sequential and random access.
type File interface {
	io.Reader
	io.ReaderAt
	io.Seeker
}

// DecodeStats describes how many rows a Codec saw and how many it dropped.
type DecodeStats struct {
	Rows    int
	Skipped int
}

// Codec persists tables in a concrete file format.
type Codec interface {
	Encode(w io.Writer, t *Table) error
	Decode(f File) (*Table, DecodeStats, error)
}
