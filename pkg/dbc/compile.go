// Package dbc decodes frame payloads into signals using a DBC file.
package dbc

import (
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"go.einride.tech/can/pkg/dbc"
	"go.einride.tech/can/pkg/descriptor"
)

// Compiler turns a DBC file into a descriptor database.
type Compiler struct {
	db       *descriptor.Database
	defs     []dbc.Def
	warnings []error
}

func NewCompiler(filePath string) (*Compiler, error) {
	dbcBytes, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read dbc file")
	}

	p := dbc.NewParser(filePath, dbcBytes)
	if err := p.Parse(); err != nil {
		return nil, errors.Wrap(err, "failed to parse dbc file")
	}
	c := &Compiler{
		db:   &descriptor.Database{SourceFile: filePath},
		defs: p.Defs(),
	}

	c.collectMessages()
	c.addSignalMetadata()
	sort.Slice(c.db.Messages, func(i, j int) bool {
		return c.db.Messages[i].ID < c.db.Messages[j].ID
	})

	return c, nil
}

// Database returns the compiled messages.
func (c *Compiler) Database() *descriptor.Database {
	return c.db
}

// Warnings returns the definitions that could not be attached to a declared signal.
func (c *Compiler) Warnings() []error {
	return c.warnings
}

/*
ref: https://github.com/einride/can-go/internal/generate/compile.go
Only what payload decoding needs is kept: messages, signals, value types and
value descriptions.
*/
func (c *Compiler) collectMessages() {
	for _, def := range c.defs {
		switch def := def.(type) {
		case *dbc.VersionDef:
			c.db.Version = def.Version
		case *dbc.MessageDef:
			if def.MessageID == dbc.IndependentSignalsMessageID {
				continue // don't compile
			}
			message := &descriptor.Message{
				Name:       string(def.Name),
				ID:         def.MessageID.ToCAN(),
				IsExtended: def.MessageID.IsExtended(),
				Length:     uint8(def.Size),
				SenderNode: string(def.Transmitter),
			}
			for _, s := range def.Signals {
				message.Signals = append(message.Signals, &descriptor.Signal{
					Name:             string(s.Name),
					IsBigEndian:      s.IsBigEndian,
					IsSigned:         s.IsSigned,
					IsMultiplexer:    s.IsMultiplexerSwitch,
					IsMultiplexed:    s.IsMultiplexed,
					MultiplexerValue: uint(s.MultiplexerSwitch),
					Start:            uint8(s.StartBit),
					Length:           uint8(s.Size),
					Scale:            s.Factor,
					Offset:           s.Offset,
					Min:              s.Minimum,
					Max:              s.Maximum,
					Unit:             s.Unit,
				})
			}
			c.db.Messages = append(c.db.Messages, message)
		}
	}
}

func (c *Compiler) addSignalMetadata() {
	for _, def := range c.defs {
		switch def := def.(type) {
		case *dbc.SignalValueTypeDef:
			signal, ok := c.db.Signal(def.MessageID.ToCAN(), string(def.SignalName))
			if !ok {
				c.warnings = append(c.warnings, errors.Newf("no declared signal: %v", def))
				continue
			}
			switch def.SignalValueType {
			case dbc.SignalValueTypeInt:
				signal.IsFloat = false
			case dbc.SignalValueTypeFloat32:
				if signal.Length != 32 {
					c.warnings = append(c.warnings, errors.Newf("incorrect float signal length: %d", signal.Length))
					continue
				}
				signal.IsFloat = true
			default:
				c.warnings = append(c.warnings, errors.Newf("unsupported signal value type: %v", def.SignalValueType))
			}
		case *dbc.ValueDescriptionsDef:
			if def.MessageID == dbc.IndependentSignalsMessageID || def.ObjectType != dbc.ObjectTypeSignal {
				continue // don't compile
			}
			signal, ok := c.db.Signal(def.MessageID.ToCAN(), string(def.SignalName))
			if !ok {
				c.warnings = append(c.warnings, errors.Newf("no declared signal: %v", def))
				continue
			}
			for _, vd := range def.ValueDescriptions {
				signal.ValueDescriptions = append(signal.ValueDescriptions, &descriptor.ValueDescription{
					Description: vd.Description,
					Value:       int64(vd.Value),
				})
			}
			sort.Slice(signal.ValueDescriptions, func(i, j int) bool {
				return signal.ValueDescriptions[i].Value < signal.ValueDescriptions[j].Value
			})
		}
	}
}
