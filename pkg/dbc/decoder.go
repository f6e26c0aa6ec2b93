package dbc

import (
	"github.com/cockroachdb/errors"
	ecan "go.einride.tech/can"
	"go.einride.tech/can/pkg/descriptor"
)

var (
	ErrUnknownMessage = errors.New("unknown message id")
	ErrFrameShape     = errors.New("frame shape mismatch")
)

type DecodedSignal struct {
	Raw         any
	Physical    *float64
	Description string
	Signal      *descriptor.Signal
}

type Decoder struct {
	compiler *Compiler
}

func NewDecoder(compiler *Compiler) *Decoder {
	return &Decoder{
		compiler: compiler,
	}
}

// Message returns the descriptor of id, if the DBC declares it.
func (d *Decoder) Message(id uint32) (*descriptor.Message, bool) {
	return d.compiler.db.Message(id)
}

// Decode extracts every signal of f that its message declares. Multiplexed
// signals are only decoded when the multiplexer selects them.
func (d *Decoder) Decode(f ecan.Frame) (map[string]DecodedSignal, error) {
	message, ok := d.compiler.db.Message(f.ID)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMessage, "0x%X", f.ID)
	}
	if f.Length != message.Length || f.IsExtended != message.IsExtended || f.IsRemote {
		return nil, errors.Wrapf(ErrFrameShape, "%s: %d bytes, extended=%t", message.Name, f.Length, f.IsExtended)
	}

	var (
		signalsMap = make(map[string]DecodedSignal)
		mux        *descriptor.Signal
		muxVal     uint64
	)

	for _, s := range message.Signals {
		if s.IsMultiplexed {
			continue
		}
		if s.IsMultiplexer {
			mux = s
			muxVal = s.UnmarshalUnsigned(f.Data)
		}
		signalsMap[s.Name] = decodeSignal(s, f.Data)
	}

	if mux != nil {
		for _, s := range message.Signals {
			if s.IsMultiplexed && muxVal == uint64(s.MultiplexerValue) {
				signalsMap[s.Name] = decodeSignal(s, f.Data)
			}
		}
	}

	return signalsMap, nil
}

func decodeSignal(s *descriptor.Signal, data ecan.Data) DecodedSignal {
	var (
		raw      any
		physical *float64
	)
	switch {
	case s.Length == 1:
		raw = s.UnmarshalBool(data)
	case s.IsFloat:
		raw = s.UnmarshalFloat(data)
	case s.IsSigned:
		raw = s.UnmarshalSigned(data)
	default:
		raw = s.UnmarshalUnsigned(data)
	}

	if !s.IsFloat && (s.Scale != 0 || s.Offset != 0 || s.Min != 0 || s.Max != 0) {
		switch v := raw.(type) {
		case int64:
			pv := s.ToPhysical(float64(v))
			physical = &pv
		case uint64:
			pv := s.ToPhysical(float64(v))
			physical = &pv
		}
	}

	out := DecodedSignal{
		Raw:      raw,
		Physical: physical,
		Signal:   s,
	}
	if vd, ok := s.UnmarshalValueDescription(data); ok {
		out.Description = vd
	}
	return out
}
