// Package buslog defines what the extraction pipeline needs from a recorded bus log.
package buslog

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInvalidStartTime is returned when a log header carries a calendar time that cannot be parsed.
var ErrInvalidStartTime = errors.New("invalid measurement start time")

// Time unit selectors carried by each event.
const (
	TimeUnitNanos  uint32 = 0
	TimeUnitMillis uint32 = 1
)

type Kind int

const (
	KindOther Kind = iota
	KindCANMessage
	KindCANFDMessage
)

func (k Kind) String() string {
	switch k {
	case KindCANMessage:
		return "can"
	case KindCANFDMessage:
		return "canfd"
	default:
		return "other"
	}
}

// IsBusMessage reports whether events of this kind carry a frame.
func (k Kind) IsBusMessage() bool {
	return k == KindCANMessage || k == KindCANFDMessage
}

// Header is the file-level metadata of a log.
type Header struct {
	// Start is the absolute measurement start time.
	Start time.Time
	// ObjectCount is the number of objects Next will yield.
	ObjectCount uint64
}

// Event is one object of a log in encounter order.
type Event struct {
	Kind Kind
	// Timestamp is the offset from Header.Start, in the unit selected by TimeUnit.
	Timestamp uint64
	TimeUnit  uint32
	// Channel is one-based.
	Channel uint16
	// ID is the raw identifier field, possibly carrying flag bits.
	ID   uint32
	Data []byte
}

// Source yields the events of a log. Next returns io.EOF after the last event.
type Source interface {
	Header() Header
	Next() (Event, error)
}
