// Package transceiver submits frames to a SocketCAN interface.
package transceiver

import (
	"context"
	"fmt"
	"net"

	"github.com/cockroachdb/errors"
	ecan "go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

const (
	MinBus         = 1
	MaxBus         = 16
	DefaultBus     = 1
	DefaultBitrate = 500_000
)

// BusInterface maps a one-based bus index to its SocketCAN interface name.
func BusInterface(bus uint) (string, bool) {
	if bus < MinBus || bus > MaxBus {
		return fmt.Sprintf("can%d", DefaultBus-1), false
	}
	return fmt.Sprintf("can%d", bus-1), true
}

// Config selects and optionally configures the interface to transmit on.
type Config struct {
	Interface string
	Bitrate   uint32
	// ConfigureLink sets the bit-rate and brings the link up before dialing.
	ConfigureLink bool
}

// SocketCAN is an open handle on a CAN interface.
type SocketCAN struct {
	name string
	conn net.Conn
	tx   *socketcan.Transmitter
}

// Open dials the configured interface.
func Open(ctx context.Context, cfg Config) (*SocketCAN, error) {
	if cfg.ConfigureLink {
		if err := ConfigureLink(cfg.Interface, cfg.Bitrate); err != nil {
			return nil, errors.Wrapf(err, "configure %s", cfg.Interface)
		}
	}
	conn, err := socketcan.DialContext(ctx, "can", cfg.Interface)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", cfg.Interface)
	}
	return &SocketCAN{
		name: cfg.Interface,
		conn: conn,
		tx:   socketcan.NewTransmitter(conn),
	}, nil
}

func (s *SocketCAN) Name() string {
	return s.name
}

// Transmit submits one frame.
func (s *SocketCAN) Transmit(ctx context.Context, f ecan.Frame) error {
	return s.tx.TransmitFrame(ctx, f)
}

func (s *SocketCAN) Close() error {
	return s.conn.Close()
}
