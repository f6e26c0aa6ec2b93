package can

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	ecan "go.einride.tech/can"
)

// ErrInvalidFrame marks frames that cannot be built from a record.
var ErrInvalidFrame = errors.New("invalid frame")

const (
	idMaskExtended = 0x1fffffff
	idMaskStandard = 0x7ff
	maxDataLength  = 8
)

// Kind is the addressing width of a frame.
type Kind int

const (
	Standard Kind = iota
	Extended
)

func (k Kind) String() string {
	if k == Extended {
		return "extended"
	}
	return "standard"
}

// Classify derives the addressing width from the identifier value alone.
func Classify(id uint32) Kind {
	if id <= idMaskStandard {
		return Standard
	}
	return Extended
}

// NewFrame builds a classic frame for id and data. The result is marked with
// ErrInvalidFrame when the payload does not fit or the id exceeds 29 bits.
func NewFrame(id uint32, data []byte) (ecan.Frame, error) {
	if len(data) > maxDataLength {
		return ecan.Frame{}, errors.Mark(
			errors.Newf("payload of %d bytes for id 0x%X", len(data), id), ErrInvalidFrame)
	}
	f := ecan.Frame{
		ID:         id,
		Length:     uint8(len(data)),
		IsExtended: Classify(id) == Extended,
	}
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return ecan.Frame{}, errors.Mark(errors.Wrapf(err, "id 0x%X", id), ErrInvalidFrame)
	}
	return f, nil
}

// FormatFrame renders a frame as ID#DATA for diagnostics.
func FormatFrame(f ecan.Frame) string {
	var b strings.Builder
	if f.IsExtended {
		fmt.Fprintf(&b, "%08X#", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X#", f.ID)
	}
	for _, v := range f.Data[:f.Length] {
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}
